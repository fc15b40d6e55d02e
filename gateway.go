package followup

import (
	"context"
	"sync"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize bounds the size of a single latest-activity gateway request.
const DefaultBatchSize = 50

// ActivityGateway is the remote collaborator owning durable entity and activity
// state. Implementations are out of scope, tests use an in-memory stub.
type ActivityGateway interface {
	// LatestActivity returns the most recent stored activity timestamp per entity.
	// Entities without any stored activity are absent from the result, that absence
	// is valid data rather than an error.
	LatestActivity(ctx context.Context, ids []EntityID) (map[EntityID]time.Time, error)

	// InsertActivity durably stores an activity. Failures carry a GatewayError code
	// so callers can tell retryable classes from terminal ones.
	InsertActivity(ctx context.Context, rec ActivityRecord) (ActivityRecord, error)

	// MetadataVersion reads the per-user version counter and checksum.
	MetadataVersion(ctx context.Context, userID string) (Metadata, error)
}

// ChangeKind is the type of an underlying-table mutation.
type ChangeKind string

// Change kinds.
const (
	ChangeInsert = ChangeKind("insert")
	ChangeUpdate = ChangeKind("update")
	ChangeDelete = ChangeKind("delete")
)

// ChangeEvent notifies about a mutation of a watched resource.
type ChangeEvent struct {
	Resource string
	Kind     ChangeKind
	EntityID EntityID
}

// ChangeFeed is a push notification source for underlying-table changes.
//
// The trigger transport (websocket, long-poll, polling) is an implementation
// detail, cache logic only sees callbacks.
type ChangeFeed interface {
	// Subscribe registers a callback for a resource and returns an unsubscribe
	// function.
	Subscribe(resource string, callback func(ChangeEvent)) (func(), error)
}

// fetchLatestActivity reads latest activity timestamps for ids in chunks, bounding
// request size and failing the whole read on the first chunk error.
//
// A partial result must never reach the classifier, so nothing is returned on error.
func fetchLatestActivity(ctx context.Context, gw ActivityGateway, ids []EntityID, batchSize int, log ctxd.Logger, stat stats.Tracker) (map[EntityID]time.Time, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	out := make(map[EntityID]time.Time, len(ids))

	var mu sync.Mutex

	eg, ctx := errgroup.WithContext(ctx)

	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}

		chunk := ids[start:end]

		eg.Go(func() error {
			stat.Add(ctx, MetricFetchBatch, 1)

			part, err := gw.LatestActivity(ctx, chunk)
			if err != nil {
				return ctxd.WrapError(ctx, err, "failed to fetch latest activity",
					"chunk", len(chunk))
			}

			mu.Lock()
			for id, ts := range part {
				out[id] = ts
			}
			mu.Unlock()

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		log.Warn(ctx, "latest activity fetch aborted", "error", err, "ids", len(ids))

		return nil, err
	}

	return out, nil
}
