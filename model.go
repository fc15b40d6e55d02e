package followup

import (
	"sort"
	"time"
)

// EntityID identifies a tracked entity, owned by the remote store.
type EntityID string

// EntityStatus is a lifecycle status of an entity.
type EntityStatus string

// Entity lifecycle statuses.
const (
	StatusActive = EntityStatus("active")
	StatusClosed = EntityStatus("closed")
	StatusPaid   = EntityStatus("paid")
)

// Terminal reports whether the status excludes the entity from follow-up tracking.
func (s EntityStatus) Terminal() bool {
	return s == StatusClosed || s == StatusPaid
}

// Entity is a read-through projection of a remotely stored record.
type Entity struct {
	ID        EntityID
	CreatedAt time.Time
	Labels    []string
	Status    EntityStatus
}

// ActivityKind describes what kind of touch an activity is.
type ActivityKind string

// Activity kinds.
const (
	KindCall    = ActivityKind("call")
	KindEmail   = ActivityKind("email")
	KindMeeting = ActivityKind("meeting")
	KindNote    = ActivityKind("note")
)

// ActivityRecord is an activity as stored by the remote gateway.
type ActivityRecord struct {
	EntityID EntityID
	Kind     ActivityKind
	At       time.Time
}

// ReconcileStatus is the lifecycle of an optimistic activity.
type ReconcileStatus string

// Reconcile statuses. Transitions are pending to confirmed or pending to failed,
// never back.
const (
	ReconcilePending   = ReconcileStatus("pending")
	ReconcileConfirmed = ReconcileStatus("confirmed")
	ReconcileFailed    = ReconcileStatus("failed")
)

// OptimisticActivity is a locally-visible activity that is not yet durably stored.
type OptimisticActivity struct {
	LocalID  string
	EntityID EntityID
	Kind     ActivityKind
	At       time.Time
	Status   ReconcileStatus
}

// Metadata is the per-user trust anchor for cache freshness, bumped by the backend
// on every entity, activity or label mutation. Read-only to the client.
type Metadata struct {
	Version   int64
	Checksum  string
	UpdatedAt time.Time
}

// StalenessBucket is a derived follow-up category. Never persisted, always rebuilt.
type StalenessBucket int

// Staleness buckets, ordered by severity for entities that have activity.
const (
	BucketNeedsApproach StalenessBucket = iota
	BucketNotStale
	BucketStale3
	BucketStale7
	BucketStale30
)

// String implements fmt.Stringer.
func (b StalenessBucket) String() string {
	switch b {
	case BucketNeedsApproach:
		return "needs_approach"
	case BucketNotStale:
		return "not_stale"
	case BucketStale3:
		return "stale_3d"
	case BucketStale7:
		return "stale_7d"
	case BucketStale30:
		return "stale_30d"
	}

	return "unknown"
}

// Buckets is a flat classification result. Every active entity appears in exactly
// one slice, each slice sorted by id.
type Buckets struct {
	NeedsApproach []EntityID
	NotStale      []EntityID
	Stale3        []EntityID
	Stale7        []EntityID
	Stale30       []EntityID
}

// Len returns the total number of classified entities.
func (b Buckets) Len() int {
	return len(b.NeedsApproach) + len(b.NotStale) + len(b.Stale3) + len(b.Stale7) + len(b.Stale30)
}

// Of returns the bucket holding an entity.
func (b Buckets) Of(id EntityID) (StalenessBucket, bool) {
	for _, g := range []struct {
		bucket StalenessBucket
		ids    []EntityID
	}{
		{BucketNeedsApproach, b.NeedsApproach},
		{BucketNotStale, b.NotStale},
		{BucketStale3, b.Stale3},
		{BucketStale7, b.Stale7},
		{BucketStale30, b.Stale30},
	} {
		i := sort.Search(len(g.ids), func(i int) bool { return g.ids[i] >= id })
		if i < len(g.ids) && g.ids[i] == id {
			return g.bucket, true
		}
	}

	return BucketNotStale, false
}
