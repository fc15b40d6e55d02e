package followup

import (
	"sort"
	"time"
)

// Staleness thresholds in days, checked from the largest down.
var stalenessThresholds = []struct {
	days   int
	bucket StalenessBucket
}{
	{30, BucketStale30},
	{7, BucketStale7},
	{3, BucketStale3},
}

// ClassifyInput is a self-contained snapshot for one classification pass.
//
// All maps are read-only to the classifier, it is safe to run on a copied snapshot
// in a background goroutine.
type ClassifyInput struct {
	Entities []Entity

	// Confirmed holds the latest durably stored activity timestamp per entity.
	// It must cover the complete active set, absence means "checked, no activity".
	Confirmed map[EntityID]time.Time

	// Optimistic holds local not-yet-confirmed activity timestamps per entity.
	Optimistic map[EntityID][]time.Time

	// LabelFilter, when non-empty, keeps only entities sharing at least one label.
	LabelFilter []string

	Now time.Time
}

// Classify buckets every entity of the snapshot into exactly one staleness
// category.
//
// Entities in a terminal lifecycle status and entities outside the label filter are
// skipped. An entity with no confirmed and no optimistic activity needs a first
// approach. Otherwise recency is the most recent known touch, confirmed or not, and
// a bucket threshold has to be cleared both by days since that touch and by days
// since the entity was created, so brand-new entities are not flagged stale.
//
// Pure function of its input, identical input yields identical output.
func Classify(in ClassifyInput) Buckets {
	return classifyWithProgress(in, 0, nil)
}

// classifyWithProgress reports processed counts every `every` entities, letting the
// background runner stream progress without duplicating bucket assembly.
func classifyWithProgress(in ClassifyInput, every int, progress func(processed, total int)) Buckets {
	var out Buckets

	for i, e := range in.Entities {
		if every > 0 && progress != nil && i > 0 && i%every == 0 {
			progress(i, len(in.Entities))
		}

		bucket, ok := classifyOne(e, in)
		if !ok {
			continue
		}

		switch bucket {
		case BucketNeedsApproach:
			out.NeedsApproach = append(out.NeedsApproach, e.ID)
		case BucketNotStale:
			out.NotStale = append(out.NotStale, e.ID)
		case BucketStale3:
			out.Stale3 = append(out.Stale3, e.ID)
		case BucketStale7:
			out.Stale7 = append(out.Stale7, e.ID)
		case BucketStale30:
			out.Stale30 = append(out.Stale30, e.ID)
		}
	}

	for _, ids := range [][]EntityID{out.NeedsApproach, out.NotStale, out.Stale3, out.Stale7, out.Stale30} {
		ids := ids
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}

	return out
}

func classifyOne(e Entity, in ClassifyInput) (StalenessBucket, bool) {
	if e.Status.Terminal() {
		return 0, false
	}

	if len(in.LabelFilter) > 0 && !sharesLabel(e.Labels, in.LabelFilter) {
		return 0, false
	}

	confirmed, hasConfirmed := in.Confirmed[e.ID]
	if confirmed.IsZero() {
		hasConfirmed = false
	}

	optimistic := in.Optimistic[e.ID]

	if !hasConfirmed && len(optimistic) == 0 {
		return BucketNeedsApproach, true
	}

	lastTouch := confirmed
	for _, ts := range optimistic {
		if ts.After(lastTouch) {
			lastTouch = ts
		}
	}

	daysSinceTouch := daysBetween(lastTouch, in.Now)
	daysSinceCreation := daysBetween(e.CreatedAt, in.Now)

	for _, t := range stalenessThresholds {
		if daysSinceTouch >= t.days && daysSinceCreation >= t.days {
			return t.bucket, true
		}
	}

	return BucketNotStale, true
}

func sharesLabel(labels, filter []string) bool {
	for _, l := range labels {
		for _, f := range filter {
			if l == f {
				return true
			}
		}
	}

	return false
}

func daysBetween(from, to time.Time) int {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}

	return int(d / (24 * time.Hour))
}
