package followup

import (
	"context"
	"sync"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"github.com/google/uuid"
)

// detachedContext keeps values of a request context while dropping its deadline
// and cancellation, so reconciliation outlives the request that triggered it.
type detachedContext struct {
	ctx context.Context
}

func (dctx detachedContext) Deadline() (deadline time.Time, ok bool) {
	return time.Time{}, false
}

func (dctx detachedContext) Done() <-chan struct{} {
	return nil
}

func (dctx detachedContext) Err() error {
	return nil
}

func (dctx detachedContext) Value(key interface{}) interface{} {
	return dctx.ctx.Value(key)
}

// LedgerConfig controls a Ledger instance.
type LedgerConfig struct {
	// Gateway persists reconciled activities, required.
	Gateway ActivityGateway

	// MaxAttempts bounds reconciliation attempts for retryable failures, default 3.
	MaxAttempts int

	// RetryBackoff is the linear backoff base, attempt n waits n*RetryBackoff,
	// default 500ms.
	RetryBackoff time.Duration

	// GraceDelay keeps a confirmed record visible briefly so the switch to the
	// confirmed value does not flicker, default 1.5s.
	GraceDelay time.Duration

	// EvictAfter force-removes any record, settled or not, this long after it was
	// added, default 30s.
	EvictAfter time.Duration

	// EvictJobInterval is delay between two eviction sweeps, default 5s.
	EvictJobInterval time.Duration

	// OnConfirmed is called after a record is durably stored, can be nil. Used to
	// refresh the activity cache so the confirmed value supersedes the optimistic one.
	OnConfirmed func(id EntityID)

	// OnSettled is called after any terminal status transition, can be nil.
	OnSettled func(rec OptimisticActivity)

	// Logger is an instance of contextualized logger, can be nil.
	Logger ctxd.Logger

	// Stats is metrics collector, can be nil.
	Stats stats.Tracker
}

// Ledger is an in-memory overlay of not-yet-confirmed local activities.
//
// Per-entity lists are append-only, the only in-place mutation is the status
// transition pending to confirmed or failed. Records are visible to the classifier
// the instant they are added and disappear either after confirmed reconciliation
// plus a grace delay, or through fallback eviction.
type Ledger struct {
	mu     sync.Mutex
	data   map[EntityID][]*OptimisticActivity
	closed chan struct{}

	config LedgerConfig
	log    ctxd.Logger
	stat   stats.Tracker
}

// NewLedger creates a Ledger and starts its eviction janitor.
func NewLedger(config LedgerConfig) *Ledger {
	if config.MaxAttempts == 0 {
		config.MaxAttempts = 3
	}

	if config.RetryBackoff == 0 {
		config.RetryBackoff = 500 * time.Millisecond
	}

	if config.GraceDelay == 0 {
		config.GraceDelay = 1500 * time.Millisecond
	}

	if config.EvictAfter == 0 {
		config.EvictAfter = 30 * time.Second
	}

	if config.EvictJobInterval == 0 {
		config.EvictJobInterval = 5 * time.Second
	}

	l := &Ledger{
		data:   map[EntityID][]*OptimisticActivity{},
		closed: make(chan struct{}),
		config: config,
	}

	l.log = config.Logger
	if l.log == nil {
		l.log = ctxd.NoOpLogger{}
	}

	l.stat = config.Stats
	if l.stat == nil {
		l.stat = stats.NoOp{}
	}

	go l.evictLoop()

	return l
}

// Add appends a pending optimistic activity for an entity and schedules its
// asynchronous reconciliation.
//
// The record is visible through Overlay immediately, before any remote roundtrip.
func (l *Ledger) Add(ctx context.Context, id EntityID, kind ActivityKind) (OptimisticActivity, error) {
	select {
	case <-l.closed:
		return OptimisticActivity{}, ErrLedgerClosed
	default:
	}

	rec := &OptimisticActivity{
		LocalID:  uuid.New().String(),
		EntityID: id,
		Kind:     kind,
		At:       time.Now(),
		Status:   ReconcilePending,
	}

	// Copied under the lock, reconciliation mutates rec.Status concurrently once
	// the goroutine is off.
	l.mu.Lock()
	l.data[id] = append(l.data[id], rec)
	out := *rec
	l.mu.Unlock()

	l.log.Debug(ctx, "added optimistic activity",
		"localID", out.LocalID,
		"entityID", id,
		"kind", kind)

	go l.reconcile(detachedContext{ctx}, rec)

	return out, nil
}

// Overlay returns a copy of optimistic activity timestamps per entity.
//
// Confirmed records within their grace delay and failed records awaiting eviction
// are included, a locally recorded touch keeps counting until it is superseded or
// force-evicted.
func (l *Ledger) Overlay() map[EntityID][]time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[EntityID][]time.Time, len(l.data))

	for id, recs := range l.data {
		ts := make([]time.Time, 0, len(recs))
		for _, r := range recs {
			ts = append(ts, r.At)
		}

		out[id] = ts
	}

	return out
}

// Records returns a copy of the ledger records for an entity.
func (l *Ledger) Records(id EntityID) []OptimisticActivity {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs := l.data[id]

	out := make([]OptimisticActivity, 0, len(recs))
	for _, r := range recs {
		out = append(out, *r)
	}

	return out
}

// Len returns the number of ledger records across all entities.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, recs := range l.data {
		n += len(recs)
	}

	return n
}

// RemoveAll drops the whole overlay, used on user/session change.
func (l *Ledger) RemoveAll() {
	l.mu.Lock()
	l.data = map[EntityID][]*OptimisticActivity{}
	l.mu.Unlock()
}

// Close stops the eviction janitor and rejects further adds.
func (l *Ledger) Close() {
	close(l.closed)
}

func (l *Ledger) reconcile(ctx context.Context, rec *OptimisticActivity) {
	var lastErr error

	for attempt := 1; attempt <= l.config.MaxAttempts; attempt++ {
		_, err := l.config.Gateway.InsertActivity(ctx, ActivityRecord{
			EntityID: rec.EntityID,
			Kind:     rec.Kind,
			At:       rec.At,
		})
		if err == nil {
			l.settle(ctx, rec, ReconcileConfirmed)

			return
		}

		lastErr = err

		if !IsRetryable(err) {
			l.log.Error(ctx, "optimistic activity rejected",
				"error", err,
				"localID", rec.LocalID,
				"entityID", rec.EntityID)

			l.settle(ctx, rec, ReconcileFailed)

			return
		}

		l.stat.Add(ctx, MetricReconcileRetry, 1)
		l.log.Debug(ctx, "retrying optimistic activity reconciliation",
			"error", err,
			"localID", rec.LocalID,
			"attempt", attempt)

		if attempt < l.config.MaxAttempts {
			select {
			case <-time.After(time.Duration(attempt) * l.config.RetryBackoff):
			case <-l.closed:
				return
			}
		}
	}

	l.log.Warn(ctx, "optimistic activity reconciliation retries exhausted",
		"error", lastErr,
		"localID", rec.LocalID,
		"entityID", rec.EntityID,
		"attempts", l.config.MaxAttempts)

	l.settle(ctx, rec, ReconcileFailed)
}

func (l *Ledger) settle(ctx context.Context, rec *OptimisticActivity, s ReconcileStatus) {
	l.mu.Lock()
	rec.Status = s
	settled := *rec
	l.mu.Unlock()

	switch s {
	case ReconcileConfirmed:
		l.stat.Add(ctx, MetricReconciled, 1)

		if l.config.OnConfirmed != nil {
			l.config.OnConfirmed(rec.EntityID)
		}

		// Confirmed value is in the cache now, keep the overlay record through a
		// short grace delay to avoid a visible flicker, then drop it.
		time.AfterFunc(l.config.GraceDelay, func() {
			l.remove(rec.LocalID, rec.EntityID)
		})
	case ReconcileFailed:
		l.stat.Add(ctx, MetricReconcileFailed, 1)
	}

	if l.config.OnSettled != nil {
		l.config.OnSettled(settled)
	}
}

func (l *Ledger) remove(localID string, id EntityID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs := l.data[id]

	for i, r := range recs {
		if r.LocalID == localID {
			l.data[id] = append(recs[:i:i], recs[i+1:]...)
			if len(l.data[id]) == 0 {
				delete(l.data, id)
			}

			return true
		}
	}

	return false
}

func (l *Ledger) evictLoop() {
	for {
		select {
		case <-time.After(l.config.EvictJobInterval):
			l.evictStale()
		case <-l.closed:
			return
		}
	}
}

// evictStale force-removes records older than EvictAfter regardless of their
// reconciliation outcome, preventing permanent ghost state.
func (l *Ledger) evictStale() {
	boundary := time.Now().Add(-l.config.EvictAfter)

	type victim struct {
		localID string
		id      EntityID
	}

	victims := make([]victim, 0)

	l.mu.Lock()
	for id, recs := range l.data {
		for _, r := range recs {
			if r.At.Before(boundary) {
				victims = append(victims, victim{localID: r.LocalID, id: id})
			}
		}
	}
	l.mu.Unlock()

	for _, v := range victims {
		if l.remove(v.localID, v.id) {
			l.stat.Add(context.Background(), MetricEvicted, 1)
			l.log.Debug(context.Background(), "force-evicted optimistic activity",
				"localID", v.localID,
				"entityID", v.id)
		}
	}
}
