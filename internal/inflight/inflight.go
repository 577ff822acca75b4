package inflight

import (
	"context"

	"golang.org/x/sync/singleflight"

	"tally/internal/metrics"
)

// Coordinator deduplicates concurrent fetches for the same key: while a fetch
// is outstanding, further callers join it instead of issuing their own. The
// entry is cleared on completion, success or failure, so a later caller
// retries rather than joining a poisoned result.
type Coordinator[V any] struct {
	g singleflight.Group
}

// Do runs fn for key, or joins the in-flight call for key if one exists.
// shared reports whether the result was served to more than one caller.
//
// fn runs detached from the initiating caller's cancellation so that one
// impatient caller cannot fail the fetch for everyone who joined it; the
// caller's own wait still honors ctx.
func (c *Coordinator[V]) Do(ctx context.Context, key string, fn func(context.Context) (V, error)) (V, bool, error) {
	var zero V
	ch := c.g.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Shared {
			metrics.FetchJoins.Inc()
		}
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		return res.Val.(V), res.Shared, nil
	}
}

// Forget drops any in-flight entry for key so the next Do issues a fresh call.
func (c *Coordinator[V]) Forget(key string) { c.g.Forget(key) }
