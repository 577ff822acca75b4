// Package tally keeps engagement counters (likes, comments, followers)
// correct and responsive across the in-memory optimistic state, the
// on-device persisted cache, and the authoritative remote store.
//
// A Client is constructed once per process with its dependencies injected
// and passed by reference to consumers; there is no ambient global state.
package tally

import (
	"context"
	"time"

	"tally/internal/cachestore"
	"tally/internal/config"
	"tally/internal/engine"
	"tally/internal/feed"
	"tally/internal/metrics"
	"tally/internal/model"
	"tally/internal/remote"
)

// Re-exported so consumers don't import internal packages.
type (
	Kind         = model.Kind
	CounterField = model.CounterField
	FeedEntry    = model.FeedEntry
	FeedPage     = model.FeedPage
	Result       = engine.Result
)

const (
	KindLike   = model.KindLike
	KindFollow = model.KindFollow

	FieldLikes     = model.FieldLikes
	FieldComments  = model.FieldComments
	FieldFollowers = model.FieldFollowers
	FieldFollowing = model.FieldFollowing
)

// Options configures a Client. Remote overrides the HTTP store built from
// the config, which tests and the server trigger runtime use to run against
// an in-process backend.
type Options struct {
	Config config.Config
	Remote remote.Store
	Clock  func() time.Time
}

// Client is the application-facing entry point.
type Client struct {
	cfg    config.Config
	cache  *cachestore.Store
	remote remote.Store
	engine *engine.Engine
	feed   *feed.Cache

	results chan Result
}

func New(opts Options) (*Client, error) {
	cfg := opts.Config
	cache, err := cachestore.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}
	rs := opts.Remote
	if rs == nil {
		rs = remote.NewHTTPStore(cfg.API.BaseURL, cfg.API.Token, cfg.API.RateLimit, cfg.API.Burst)
	}
	eng := engine.New(engine.Options{
		ActorID:     cfg.Actor.ID,
		Cache:       cache,
		Remote:      rs,
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseBackoff: cfg.Retry.BaseBackoff(),
		CallTimeout: cfg.API.Timeout(),
		Clock:       opts.Clock,
	})
	fc := feed.New(cache, rs, eng, cfg.Cache.FeedTTL(), cfg.Cache.FeedPageSize, opts.Clock)

	c := &Client{
		cfg:     cfg,
		cache:   cache,
		remote:  rs,
		engine:  eng,
		feed:    fc,
		results: make(chan Result, 64),
	}
	// Settlement invalidates the derived views that showed the touched
	// entities, and feeds the result stream.
	eng.OnSettle(func(res Result) {
		fc.InvalidateEntity(res.EntityID)
		if res.Kind == model.KindFollow {
			fc.InvalidateEntity(cfg.Actor.ID)
		}
		select {
		case c.results <- res:
		default:
		}
	})
	metrics.StartServer(cfg.Metrics.Addr)
	return c, nil
}

// ToggleLike flips the actor's like on a post.
func (c *Client) ToggleLike(ctx context.Context, postID string) error {
	return c.engine.Toggle(ctx, postID, model.KindLike)
}

// ToggleFollow flips the actor's follow edge to a profile.
func (c *Client) ToggleFollow(ctx context.Context, profileID string) error {
	return c.engine.Toggle(ctx, profileID, model.KindFollow)
}

// Feed returns one feed page, overlaid with the actor's pending optimistic
// state. force bypasses both cache tiers (pull-to-refresh).
func (c *Client) Feed(ctx context.Context, pageToken string, force bool) (FeedPage, error) {
	return c.feed.Load(ctx, pageToken, force)
}

// RefreshCounters re-reads authoritative counters for entityIDs in one
// batched, deduplicated call and returns the displayed values.
func (c *Client) RefreshCounters(ctx context.Context, entityIDs []string, field CounterField) (map[string]int, error) {
	return c.engine.RefreshCounters(ctx, entityIDs, field)
}

// Liked reports the actor's last-known like state for a post without a
// remote call; known is false when no local record exists.
func (c *Client) Liked(ctx context.Context, postID string) (liked, known bool) {
	return c.engine.Membership(ctx, postID, model.KindLike)
}

// Following reports the actor's last-known follow state for a profile.
func (c *Client) Following(ctx context.Context, profileID string) (following, known bool) {
	return c.engine.Membership(ctx, profileID, model.KindFollow)
}

// InvalidateFeed drops the whole memory tier of the feed cache; the next
// Load refetches. Useful when the actor's edge set changed outside the
// engine (e.g. on another device).
func (c *Client) InvalidateFeed() { c.feed.InvalidateAll() }

// Results streams one Result per settled operation. The channel is buffered;
// a consumer that falls behind misses results rather than blocking
// settlement.
func (c *Client) Results() <-chan Result { return c.results }

// Quiesce blocks until all pending operations have settled.
func (c *Client) Quiesce() { c.engine.Wait() }

// Close waits for pending operations and releases the persisted cache.
func (c *Client) Close() error {
	c.engine.Wait()
	return c.cache.Close()
}
