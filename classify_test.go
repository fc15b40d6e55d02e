package followup_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmkit/followup"
)

func day(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func TestClassify_buckets(t *testing.T) {
	now := time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC)

	for _, tc := range []struct {
		name        string
		createdDays int
		touchDays   int // -1 for no activity at all
		wantBucket  followup.StalenessBucket
	}{
		{name: "no activity", createdDays: 2, touchDays: -1, wantBucket: followup.BucketNeedsApproach},
		{name: "fresh touch", createdDays: 10, touchDays: 1, wantBucket: followup.BucketNotStale},
		{name: "three days", createdDays: 10, touchDays: 3, wantBucket: followup.BucketStale3},
		{name: "seven days", createdDays: 10, touchDays: 8, wantBucket: followup.BucketStale7},
		{name: "thirty days", createdDays: 45, touchDays: 31, wantBucket: followup.BucketStale30},
		{name: "old touch young entity", createdDays: 2, touchDays: 5, wantBucket: followup.BucketNotStale},
		{name: "seven capped by creation age", createdDays: 5, touchDays: 9, wantBucket: followup.BucketStale3},
	} {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			in := followup.ClassifyInput{
				Entities: []followup.Entity{{
					ID:        "e1",
					CreatedAt: now.Add(-day(tc.createdDays)),
					Status:    followup.StatusActive,
				}},
				Confirmed: map[followup.EntityID]time.Time{},
				Now:       now,
			}

			if tc.touchDays >= 0 {
				in.Confirmed["e1"] = now.Add(-day(tc.touchDays))
			}

			b := followup.Classify(in)

			require.Equal(t, 1, b.Len())

			got, ok := b.Of("e1")
			require.True(t, ok)
			assert.Equal(t, tc.wantBucket, got)
		})
	}
}

func TestClassify_scenarioStale30(t *testing.T) {
	// Created 40 days before last activity reference point, activity 31 days old,
	// now is creation+41d.
	created := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	now := created.Add(day(41))

	b := followup.Classify(followup.ClassifyInput{
		Entities: []followup.Entity{{ID: "lead-1", CreatedAt: created, Status: followup.StatusActive}},
		Confirmed: map[followup.EntityID]time.Time{
			"lead-1": now.Add(-day(31)),
		},
		Now: now,
	})

	got, ok := b.Of("lead-1")
	require.True(t, ok)
	assert.Equal(t, followup.BucketStale30, got)
}

func TestClassify_scenarioNeedsApproach(t *testing.T) {
	created := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	// No activity at all never falls into a stale bucket, no matter how late now is.
	for _, horizon := range []int{0, 2, 50, 500} {
		b := followup.Classify(followup.ClassifyInput{
			Entities:  []followup.Entity{{ID: "lead-2", CreatedAt: created, Status: followup.StatusActive}},
			Confirmed: map[followup.EntityID]time.Time{},
			Now:       created.Add(day(horizon)),
		})

		got, ok := b.Of("lead-2")
		require.True(t, ok)
		assert.Equal(t, followup.BucketNeedsApproach, got, "horizon %d", horizon)
	}
}

func TestClassify_optimisticPrecedence(t *testing.T) {
	now := time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC)

	b := followup.Classify(followup.ClassifyInput{
		Entities: []followup.Entity{{ID: "e1", CreatedAt: now.Add(-day(60)), Status: followup.StatusActive}},
		Confirmed: map[followup.EntityID]time.Time{
			"e1": now.Add(-day(10)),
		},
		Optimistic: map[followup.EntityID][]time.Time{
			"e1": {now.Add(-day(15)), now},
		},
		Now: now,
	})

	got, ok := b.Of("e1")
	require.True(t, ok)
	assert.Equal(t, followup.BucketNotStale, got)
}

func TestClassify_optimisticOnly(t *testing.T) {
	now := time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC)

	// A pending local touch counts as activity, the entity is not NeedsApproach.
	b := followup.Classify(followup.ClassifyInput{
		Entities:  []followup.Entity{{ID: "e1", CreatedAt: now.Add(-day(60)), Status: followup.StatusActive}},
		Confirmed: map[followup.EntityID]time.Time{},
		Optimistic: map[followup.EntityID][]time.Time{
			"e1": {now},
		},
		Now: now,
	})

	got, ok := b.Of("e1")
	require.True(t, ok)
	assert.Equal(t, followup.BucketNotStale, got)
}

func TestClassify_terminalAndFilter(t *testing.T) {
	now := time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC)

	b := followup.Classify(followup.ClassifyInput{
		Entities: []followup.Entity{
			{ID: "open", CreatedAt: now.Add(-day(10)), Labels: []string{"vip"}, Status: followup.StatusActive},
			{ID: "closed", CreatedAt: now.Add(-day(10)), Labels: []string{"vip"}, Status: followup.StatusClosed},
			{ID: "paid", CreatedAt: now.Add(-day(10)), Labels: []string{"vip"}, Status: followup.StatusPaid},
			{ID: "other-label", CreatedAt: now.Add(-day(10)), Labels: []string{"b2b"}, Status: followup.StatusActive},
			{ID: "no-labels", CreatedAt: now.Add(-day(10)), Status: followup.StatusActive},
		},
		Confirmed:   map[followup.EntityID]time.Time{},
		LabelFilter: []string{"vip"},
		Now:         now,
	})

	assert.Equal(t, 1, b.Len())
	assert.Equal(t, []followup.EntityID{"open"}, b.NeedsApproach)
}

func TestClassify_idempotent(t *testing.T) {
	now := time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC)

	in := followup.ClassifyInput{
		Confirmed:  map[followup.EntityID]time.Time{},
		Optimistic: map[followup.EntityID][]time.Time{},
		Now:        now,
	}

	for i := 0; i < 50; i++ {
		id := followup.EntityID(fmt.Sprintf("e%02d", i))

		in.Entities = append(in.Entities, followup.Entity{
			ID:        id,
			CreatedAt: now.Add(-day(i)),
			Status:    followup.StatusActive,
		})

		if i%3 != 0 {
			in.Confirmed[id] = now.Add(-day(i / 2))
		}

		if i%7 == 0 {
			in.Optimistic[id] = []time.Time{now.Add(-day(i / 3))}
		}
	}

	first := followup.Classify(in)
	second := followup.Classify(in)

	assert.Equal(t, first, second)
}

func TestClassify_partition(t *testing.T) {
	now := time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC)

	in := followup.ClassifyInput{
		Confirmed:  map[followup.EntityID]time.Time{},
		Optimistic: map[followup.EntityID][]time.Time{},
		Now:        now,
	}

	active := 0

	for i := 0; i < 200; i++ {
		id := followup.EntityID(fmt.Sprintf("e%03d", i))

		status := followup.StatusActive
		if i%11 == 0 {
			status = followup.StatusClosed
		} else {
			active++
		}

		in.Entities = append(in.Entities, followup.Entity{
			ID:        id,
			CreatedAt: now.Add(-day(i % 50)),
			Status:    status,
		})

		if i%2 == 0 {
			in.Confirmed[id] = now.Add(-day(i % 40))
		}
	}

	b := followup.Classify(in)

	// Every active entity lands in exactly one bucket.
	assert.Equal(t, active, b.Len())

	seen := map[followup.EntityID]int{}
	for _, ids := range [][]followup.EntityID{b.NeedsApproach, b.NotStale, b.Stale3, b.Stale7, b.Stale30} {
		for _, id := range ids {
			seen[id]++
		}
	}

	for id, n := range seen {
		assert.Equal(t, 1, n, "entity %s double-counted", id)
	}
}

func TestClassify_monotonicity(t *testing.T) {
	created := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	lastTouch := created.Add(day(20))

	prev := followup.BucketNeedsApproach

	for offset := 0; offset <= 60; offset++ {
		now := lastTouch.Add(day(offset))

		b := followup.Classify(followup.ClassifyInput{
			Entities:  []followup.Entity{{ID: "e1", CreatedAt: created, Status: followup.StatusActive}},
			Confirmed: map[followup.EntityID]time.Time{"e1": lastTouch},
			Now:       now,
		})

		got, ok := b.Of("e1")
		require.True(t, ok)

		// Holding lastTouch fixed and moving now forward never makes the entity
		// less stale.
		require.GreaterOrEqual(t, got, prev, "offset %d", offset)

		prev = got
	}

	assert.Equal(t, followup.BucketStale30, prev)
}
