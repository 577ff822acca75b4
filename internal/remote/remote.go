package remote

import (
	"context"
	"errors"

	"tally/internal/model"
)

// Store is the authoritative backing store holding edges and the parent
// documents that carry denormalized counters.
//
// CreateEdge and DeleteEdge are idempotent: creating an edge that exists, or
// deleting one that doesn't, is a no-op success.
type Store interface {
	CreateEdge(ctx context.Context, actorID, targetID string, kind model.Kind) error
	DeleteEdge(ctx context.Context, actorID, targetID string, kind model.Kind) error
	ReadCounter(ctx context.Context, entityID string, field model.CounterField) (int, error)
	ReadEdgeExists(ctx context.Context, actorID, targetID string, kind model.Kind) (bool, error)
	// FetchCounters reads counters for many entities in bounded batches.
	FetchCounters(ctx context.Context, entityIDs []string, field model.CounterField) (map[string]int, error)
	// FetchFeed returns one composed feed page. An empty pageToken means the
	// first page.
	FetchFeed(ctx context.Context, pageToken string, limit int) (model.FeedPage, error)
}

// Failure taxonomy. Transient errors are retried with bounded backoff;
// everything else is fatal for that operation and rolls the client back.
var (
	ErrUnavailable      = errors.New("remote: unavailable")
	ErrPermissionDenied = errors.New("remote: permission denied")
	ErrNotFound         = errors.New("remote: not found")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
