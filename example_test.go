package followup_test

import (
	"context"
	"fmt"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"

	"github.com/crmkit/followup"
)

func ExampleClassify() {
	now := time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC)

	buckets := followup.Classify(followup.ClassifyInput{
		Entities: []followup.Entity{
			{ID: "lead-1", CreatedAt: now.AddDate(0, 0, -45), Status: followup.StatusActive},
			{ID: "lead-2", CreatedAt: now.AddDate(0, 0, -2), Status: followup.StatusActive},
		},
		Confirmed: map[followup.EntityID]time.Time{
			"lead-1": now.AddDate(0, 0, -31),
		},
		Now: now,
	})

	fmt.Println("overdue:", buckets.Stale30)
	fmt.Println("untouched:", buckets.NeedsApproach)

	// Output:
	// overdue: [lead-1]
	// untouched: [lead-2]
}

func ExampleNewActivityCache() {
	// Create cache instance.
	c := followup.NewActivityCache(followup.CacheConfig{
		Name:       "activity",
		TimeToLive: 13 * time.Minute,
		Logger:     &ctxd.LoggerMock{},
		Stats:      &stats.TrackerMock{},

		// Tweak these parameters to reduce/stabilize memory consumption at cost of cache hit rate.
		// If cache cardinality and size are reasonable, default values should be fine.
		DeleteExpiredAfter:       time.Hour,
		DeleteExpiredJobInterval: 10 * time.Minute,
	})
	defer c.Close()

	// Use context if available.
	ctx := context.TODO()

	// Write latest activity timestamp to cache.
	_ = c.Write(ctx, "lead-1", time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC))

	// Read it back.
	val, _ := c.Read(ctx, "lead-1")
	fmt.Println(val.Format(time.RFC3339))

	// Output:
	// 2023-06-01T10:00:00Z
}
