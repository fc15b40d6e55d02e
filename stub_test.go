package followup_test

import (
	"context"
	"sync"
	"time"

	"github.com/crmkit/followup"
)

// stubGateway is an in-memory ActivityGateway with scriptable failures.
type stubGateway struct {
	mu sync.Mutex

	latest    map[followup.EntityID]time.Time
	latestErr error

	insertErr  error
	insertErrs []error // Consumed one per call before insertErr applies.
	inserted   []followup.ActivityRecord

	meta    followup.Metadata
	metaErr error

	latestCalls int
	latestIDs   [][]followup.EntityID
	insertCalls int
	metaCalls   int
}

func newStubGateway() *stubGateway {
	return &stubGateway{
		latest: map[followup.EntityID]time.Time{},
		meta:   followup.Metadata{Version: 1, Checksum: "c1", UpdatedAt: time.Now()},
	}
}

func (g *stubGateway) LatestActivity(_ context.Context, ids []followup.EntityID) (map[followup.EntityID]time.Time, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.latestCalls++
	g.latestIDs = append(g.latestIDs, append([]followup.EntityID(nil), ids...))

	if g.latestErr != nil {
		return nil, g.latestErr
	}

	out := make(map[followup.EntityID]time.Time, len(ids))

	for _, id := range ids {
		if ts, ok := g.latest[id]; ok {
			out[id] = ts
		}
	}

	return out, nil
}

func (g *stubGateway) InsertActivity(_ context.Context, rec followup.ActivityRecord) (followup.ActivityRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.insertCalls++

	if len(g.insertErrs) > 0 {
		err := g.insertErrs[0]
		g.insertErrs = g.insertErrs[1:]

		if err != nil {
			return followup.ActivityRecord{}, err
		}
	} else if g.insertErr != nil {
		return followup.ActivityRecord{}, g.insertErr
	}

	g.inserted = append(g.inserted, rec)

	if ts, ok := g.latest[rec.EntityID]; !ok || rec.At.After(ts) {
		g.latest[rec.EntityID] = rec.At
	}

	return rec, nil
}

func (g *stubGateway) MetadataVersion(_ context.Context, _ string) (followup.Metadata, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.metaCalls++

	if g.metaErr != nil {
		return followup.Metadata{}, g.metaErr
	}

	return g.meta, nil
}

func (g *stubGateway) setLatest(id followup.EntityID, ts time.Time) {
	g.mu.Lock()
	g.latest[id] = ts
	g.mu.Unlock()
}

func (g *stubGateway) setMeta(m followup.Metadata) {
	g.mu.Lock()
	g.meta = m
	g.mu.Unlock()
}

func (g *stubGateway) insertCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.insertCalls
}

func (g *stubGateway) metaCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.metaCalls
}

// stubFeed is an in-memory ChangeFeed.
type stubFeed struct {
	mu   sync.Mutex
	subs map[string][]func(followup.ChangeEvent)
}

func newStubFeed() *stubFeed {
	return &stubFeed{subs: map[string][]func(followup.ChangeEvent){}}
}

func (f *stubFeed) Subscribe(resource string, callback func(followup.ChangeEvent)) (func(), error) {
	f.mu.Lock()
	f.subs[resource] = append(f.subs[resource], callback)
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		f.subs[resource] = nil
		f.mu.Unlock()
	}, nil
}

func (f *stubFeed) subCount(resource string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.subs[resource])
}

func (f *stubFeed) emit(ev followup.ChangeEvent) {
	f.mu.Lock()
	cbs := append([]func(followup.ChangeEvent){}, f.subs[ev.Resource]...)
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(ev)
	}
}

// mutableVersion is a settable VersionSource.
type mutableVersion struct {
	mu sync.Mutex
	v  int64
}

func (m *mutableVersion) CurrentVersion() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.v
}

func (m *mutableVersion) set(v int64) {
	m.mu.Lock()
	m.v = v
	m.mu.Unlock()
}
