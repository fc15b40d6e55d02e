package followup

import (
	"context"
	"sync"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
)

// Default change feed resources watched for invalidation.
var defaultFeedResources = []string{"entities", "activities", "labels"}

// ServiceConfig controls a Service instance.
type ServiceConfig struct {
	// Gateway is the remote activity collaborator, required.
	Gateway ActivityGateway

	// Feed is a push notification source for proactive invalidation, can be nil to
	// rely on ttl and version polling only.
	Feed ChangeFeed

	// FeedResources are the resources watched on Feed, default entities,
	// activities, labels.
	FeedResources []string

	// BatchSize bounds a single latest-activity request, default 50.
	BatchSize int

	// CacheTTL is the activity cache entry ttl, default 5m.
	CacheTTL time.Duration

	// RevalidateAfter is the metadata trust window, default 2m.
	RevalidateAfter time.Duration

	// Ledger is optional ledger tuning, Gateway and callbacks are overwritten.
	Ledger LedgerConfig

	// Runner is optional background runner tuning.
	Runner RunnerConfig

	// Logger is an instance of contextualized logger, can be nil.
	Logger ctxd.Logger

	// Stats is metrics collector, can be nil.
	Stats stats.Tracker
}

// Service is the follow-up staleness engine facade exposed to the UI layer.
//
// It owns the per-user activity cache, template cache, optimistic ledger and
// background runner, and keeps the last known-good bucket set. All remote traffic
// is asynchronous, readers always get the prior buckets plus a calculating flag
// instead of blocking.
type Service struct {
	config ServiceConfig
	log    ctxd.Logger
	stat   stats.Tracker

	meta      *MetadataService
	cache     *ActivityCache
	templates *TemplateCache
	ledger    *Ledger
	runner    *Runner
	inv       *Invalidator

	closed chan struct{}

	mu          sync.RWMutex
	unsubscribe func()
	userID      string
	initialized bool
	buckets     Buckets
	calculating bool
	progress    Progress

	// Last refresh inputs, reused to recompute on optimistic changes without
	// another remote roundtrip.
	lastEntities  []Entity
	lastFilter    []string
	lastConfirmed map[EntityID]time.Time
}

// NewService creates a Service. Call Init before use and Dispose when done.
func NewService(config ServiceConfig) *Service {
	if config.BatchSize == 0 {
		config.BatchSize = DefaultBatchSize
	}

	if len(config.FeedResources) == 0 {
		config.FeedResources = defaultFeedResources
	}

	s := &Service{
		config: config,
		closed: make(chan struct{}),
	}

	s.log = config.Logger
	if s.log == nil {
		s.log = ctxd.NoOpLogger{}
	}

	s.stat = config.Stats
	if s.stat == nil {
		s.stat = stats.NoOp{}
	}

	s.meta = NewMetadataService(MetadataConfig{
		Gateway:         config.Gateway,
		RevalidateAfter: config.RevalidateAfter,
		OnVersionBump:   s.onVersionBump,
		Logger:          config.Logger,
		Stats:           config.Stats,
	})

	s.cache = NewActivityCache(CacheConfig{
		Name:       "activity",
		Versions:   s.meta,
		TimeToLive: config.CacheTTL,
		Logger:     config.Logger,
		Stats:      config.Stats,
	})

	s.templates = NewTemplateCache(TemplateCacheConfig{
		Name:       "templates",
		Versions:   s.meta,
		TimeToLive: config.CacheTTL,
		Logger:     config.Logger,
		Stats:      config.Stats,
	})

	lcfg := config.Ledger
	lcfg.Gateway = config.Gateway
	lcfg.OnConfirmed = s.onConfirmed
	lcfg.Logger = config.Logger
	lcfg.Stats = config.Stats
	s.ledger = NewLedger(lcfg)

	rcfg := config.Runner
	rcfg.Logger = config.Logger
	rcfg.Stats = config.Stats
	s.runner = NewRunner(rcfg)

	s.inv = &Invalidator{Callbacks: []func(){
		s.meta.Invalidate,
		s.cache.ExpireAll,
		s.templates.RemoveAll,
	}}

	go s.consume()

	return s
}

// Init scopes the service to an authenticated user.
//
// Switching users clears the caches, the ledger and the known-good buckets in
// full, stale state must never leak across sessions.
func (s *Service) Init(ctx context.Context, userID string) error {
	s.mu.Lock()
	sameUser := s.initialized && s.userID == userID
	s.userID = userID
	s.initialized = true

	if !sameUser {
		s.buckets = Buckets{}
		s.calculating = false
		s.progress = Progress{}
		s.lastEntities = nil
		s.lastFilter = nil
		s.lastConfirmed = nil
	}
	s.mu.Unlock()

	if sameUser {
		return nil
	}

	s.meta.Reset(userID)
	s.cache.RemoveAll()
	s.templates.RemoveAll()
	s.ledger.RemoveAll()

	s.mu.Lock()
	if s.config.Feed != nil && s.unsubscribe == nil {
		// Feed callbacks never take s.mu, binding under the lock keeps concurrent
		// Init calls from subscribing twice.
		unsub, err := s.inv.BindFeed(s.config.Feed, s.config.FeedResources...)
		if err != nil {
			s.mu.Unlock()

			return ctxd.WrapError(ctx, err, "failed to subscribe to change feed")
		}

		s.unsubscribe = unsub
	}
	s.mu.Unlock()

	s.log.Debug(ctx, "follow-up service initialized", "userID", userID)

	return nil
}

// Dispose releases background resources. The service cannot be reused after.
func (s *Service) Dispose() {
	s.mu.Lock()
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	close(s.closed)
	s.runner.Close()
	s.ledger.Close()
	s.cache.Close()
}

// Templates exposes the sibling label-set-keyed cache.
func (s *Service) Templates() *TemplateCache {
	return s.templates
}

// Buckets returns the last known-good bucket set and whether a newer computation
// is still in flight.
func (s *Service) Buckets() (Buckets, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.buckets, s.calculating
}

// Progress returns the progress of the in-flight computation, if any.
func (s *Service) Progress() Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.progress
}

// Refresh recomputes buckets for an entity set and label filter.
//
// Confirmed activity is read through the cache, misses are fetched from the
// gateway in bounded chunks. The classifier is only dispatched once confirmed data
// covers the whole active set, a failed fetch aborts the pass and keeps the prior
// known-good buckets.
func (s *Service) Refresh(ctx context.Context, entities []Entity, labelFilter []string) error {
	s.mu.RLock()
	initialized := s.initialized
	userID := s.userID
	s.mu.RUnlock()

	if !initialized {
		return ErrNotInitialized
	}

	if _, err := s.meta.Version(ctx, userID); err != nil {
		// Version unknown, cached entries cannot be trusted. Fail open to a full
		// fetch instead of serving potentially stale data.
		s.log.Warn(ctx, "metadata unavailable, forcing gateway fetch", "error", err)

		ctx = WithSkipRead(ctx)
	}

	confirmed := make(map[EntityID]time.Time, len(entities))
	missing := make([]EntityID, 0)

	for _, e := range entities {
		if e.Status.Terminal() {
			continue
		}

		ts, err := s.cache.Read(ctx, e.ID)
		if err != nil {
			// Expired or missing either way means fetch, cache errors never fail
			// the computation.
			missing = append(missing, e.ID)

			continue
		}

		confirmed[e.ID] = ts
	}

	if len(missing) > 0 {
		s.stat.Add(ctx, MetricFetch, float64(len(missing)))

		fetched, err := fetchLatestActivity(ctx, s.config.Gateway, missing, s.config.BatchSize, s.log, s.stat)
		if err != nil {
			return ctxd.WrapError(ctx, ErrIncompleteActivityData, "refresh aborted",
				"cause", err.Error())
		}

		for _, id := range missing {
			ts := fetched[id] // Zero time when the store holds no activity.

			_ = s.cache.Write(ctx, id, ts)
			confirmed[id] = ts
		}
	}

	// Every active entity is covered now, partial data must never be classified.
	for _, e := range entities {
		if e.Status.Terminal() {
			continue
		}

		if _, ok := confirmed[e.ID]; !ok {
			return ErrIncompleteActivityData
		}
	}

	s.mu.Lock()
	s.lastEntities = append([]Entity(nil), entities...)
	s.lastFilter = append([]string(nil), labelFilter...)
	s.lastConfirmed = confirmed
	s.mu.Unlock()

	return s.dispatch(ctx)
}

// AddOptimisticActivity records a locally-visible activity for an entity and
// schedules its reconciliation. The classification is recomputed right away so the
// new touch shows up without waiting for the backend.
func (s *Service) AddOptimisticActivity(ctx context.Context, id EntityID, kind ActivityKind) (OptimisticActivity, error) {
	s.mu.RLock()
	initialized := s.initialized
	s.mu.RUnlock()

	if !initialized {
		return OptimisticActivity{}, ErrNotInitialized
	}

	rec, err := s.ledger.Add(ctx, id, kind)
	if err != nil {
		return OptimisticActivity{}, err
	}

	if err := s.dispatch(ctx); err != nil {
		s.log.Warn(ctx, "failed to recompute after optimistic add", "error", err)
	}

	return rec, nil
}

// Ledger exposes the optimistic ledger for status inspection.
func (s *Service) Ledger() *Ledger {
	return s.ledger
}

// dispatch submits a snapshot built from the last refresh inputs and the current
// optimistic overlay.
func (s *Service) dispatch(ctx context.Context) error {
	s.mu.RLock()

	if s.lastEntities == nil {
		s.mu.RUnlock()

		// Nothing refreshed yet, nothing to classify.
		return nil
	}

	snap := Snapshot{
		Entities:    append([]Entity(nil), s.lastEntities...),
		Confirmed:   copyTimes(s.lastConfirmed),
		Optimistic:  s.ledger.Overlay(),
		LabelFilter: append([]string(nil), s.lastFilter...),
		Now:         time.Now(),
	}
	s.mu.RUnlock()

	// Raised before Submit, the worker may deliver the result before Submit
	// returns and the consumer lowers the flag.
	s.mu.Lock()
	s.calculating = true
	s.progress = Progress{Total: len(snap.Entities)}
	s.mu.Unlock()

	if _, err := s.runner.Submit(snap); err != nil {
		s.mu.Lock()
		s.calculating = false
		s.mu.Unlock()

		return err
	}

	return nil
}

// consume applies runner messages, dropping everything with a superseded token.
func (s *Service) consume() {
	for {
		select {
		case <-s.closed:
			return
		case msg := <-s.runner.Messages():
			if msg.MessageToken() != s.runner.Current() {
				continue
			}

			switch m := msg.(type) {
			case Progress:
				s.mu.Lock()
				s.progress = m
				s.mu.Unlock()
			case Result:
				s.mu.Lock()
				s.buckets = m.Buckets
				s.calculating = false
				s.mu.Unlock()
			case RunError:
				// Degraded state, keep the prior known-good buckets.
				s.log.Warn(context.Background(), "classification failed, keeping prior buckets",
					"error", m.Err)

				s.mu.Lock()
				s.calculating = false
				s.mu.Unlock()
			}
		}
	}
}

// onVersionBump reacts to a newer backend version: drop entries tagged with older
// versions and, when only the checksum moved, expire everything.
func (s *Service) onVersionBump(oldVer, newVer int64) {
	if newVer > oldVer {
		s.cache.InvalidateVersion(newVer)
	} else {
		s.cache.ExpireAll()
	}

	s.templates.RemoveAll()
}

// onConfirmed refreshes the cached timestamp of an entity after its optimistic
// activity was durably stored, so the confirmed value supersedes the local one.
func (s *Service) onConfirmed(id EntityID) {
	ctx := context.Background()

	s.cache.Delete(ctx, id)

	fetched, err := s.config.Gateway.LatestActivity(ctx, []EntityID{id})
	if err != nil {
		s.log.Warn(ctx, "failed to refresh confirmed activity", "error", err, "entityID", id)

		return
	}

	ts := fetched[id]
	_ = s.cache.Write(ctx, id, ts)

	s.mu.Lock()
	if s.lastConfirmed != nil {
		s.lastConfirmed[id] = ts
	}
	s.mu.Unlock()

	if err := s.dispatch(ctx); err != nil {
		s.log.Warn(ctx, "failed to recompute after confirmation", "error", err, "entityID", id)
	}
}

func copyTimes(in map[EntityID]time.Time) map[EntityID]time.Time {
	out := make(map[EntityID]time.Time, len(in))
	for k, v := range in {
		out[k] = v
	}

	return out
}
