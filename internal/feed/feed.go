package feed

import (
	"context"
	"sync"
	"time"

	"tally/internal/cachestore"
	"tally/internal/inflight"
	"tally/internal/logging"
	"tally/internal/metrics"
	"tally/internal/model"
	"tally/internal/remote"
)

// Overlay is the engine-side view the cache consults at render time:
// uncommitted counter deltas and last-known edge membership.
type Overlay interface {
	Delta(entityID string, field model.CounterField) int
	Membership(ctx context.Context, targetID string, kind model.Kind) (member, known bool)
}

// Cache is the two-tier feed cache: a short-TTL memory tier over the
// persisted cache, both superseded by a fresh remote read. Every page it
// returns is overlaid with the actor's pending optimistic state, so the
// display never flickers between optimistic and authoritative values.
type Cache struct {
	cache   *cachestore.Store
	remote  remote.Store
	overlay Overlay
	ttl     time.Duration
	limit   int
	clock   func() time.Time

	flights inflight.Coordinator[model.FeedPage]

	mu    sync.Mutex
	pages map[string]model.FeedPage
}

func New(cache *cachestore.Store, rs remote.Store, overlay Overlay, ttl time.Duration, pageSize int, clock func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	if pageSize <= 0 {
		pageSize = 25
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Cache{
		cache:   cache,
		remote:  rs,
		overlay: overlay,
		ttl:     ttl,
		limit:   pageSize,
		clock:   clock,
		pages:   make(map[string]model.FeedPage),
	}
}

func pageKey(token string) string {
	if token == "" {
		return "front"
	}
	return token
}

func (c *Cache) fresh(p model.FeedPage) bool {
	return c.clock().Sub(p.FetchedAt) < c.ttl
}

// Load returns one feed page. force bypasses both cache tiers. A remote
// failure degrades to the freshest cached copy when one exists, stale or
// not, rather than failing the render.
func (c *Cache) Load(ctx context.Context, pageToken string, force bool) (model.FeedPage, error) {
	key := pageKey(pageToken)

	if !force {
		c.mu.Lock()
		p, ok := c.pages[key]
		c.mu.Unlock()
		if ok && c.fresh(p) {
			metrics.CacheHits.WithLabelValues("memory").Inc()
			return c.render(ctx, p), nil
		}
		p, ok, err := c.cache.FeedPage(ctx, key)
		if err != nil {
			return model.FeedPage{}, err
		}
		if ok && c.fresh(p) {
			metrics.CacheHits.WithLabelValues("persisted").Inc()
			c.mu.Lock()
			c.pages[key] = p
			c.mu.Unlock()
			return c.render(ctx, p), nil
		}
	}

	metrics.CacheMisses.Inc()
	page, _, err := c.flights.Do(ctx, key, func(ctx context.Context) (model.FeedPage, error) {
		p, err := c.remote.FetchFeed(ctx, pageToken, c.limit)
		if err != nil {
			return p, err
		}
		if p.FetchedAt.IsZero() {
			p.FetchedAt = c.clock()
		}
		c.mu.Lock()
		c.pages[key] = p
		c.mu.Unlock()
		if err := c.cache.PutFeedPage(ctx, key, p); err != nil {
			logging.Warn("feed_persist", map[string]any{"page": key, "error": err.Error()})
		}
		if p.NextPageToken != "" {
			_ = c.cache.SaveCursor(ctx, "feed:"+key, p.NextPageToken)
		}
		return p, nil
	})
	if err != nil {
		// Degrade to last-known rather than failing the render.
		if stale, ok := c.lastKnown(ctx, key); ok {
			logging.Warn("feed_stale_serve", map[string]any{"page": key, "error": err.Error()})
			return c.render(ctx, stale), nil
		}
		return model.FeedPage{}, err
	}
	return c.render(ctx, page), nil
}

func (c *Cache) lastKnown(ctx context.Context, key string) (model.FeedPage, bool) {
	c.mu.Lock()
	p, ok := c.pages[key]
	c.mu.Unlock()
	if ok {
		return p, true
	}
	p, ok, err := c.cache.FeedPage(ctx, key)
	if err != nil || !ok {
		return model.FeedPage{}, false
	}
	return p, true
}

// render overlays the page's authoritative counts with the actor's pending
// deltas and membership. The cached copy is never mutated.
func (c *Cache) render(ctx context.Context, p model.FeedPage) model.FeedPage {
	out := p
	out.Entries = make([]model.FeedEntry, len(p.Entries))
	copy(out.Entries, p.Entries)
	for i := range out.Entries {
		e := &out.Entries[i]
		e.LikeCount = clampAdd(e.LikeCount, c.overlay.Delta(e.PostID, model.FieldLikes))
		e.CommentCount = clampAdd(e.CommentCount, c.overlay.Delta(e.PostID, model.FieldComments))
		e.AuthorFollowerCount = clampAdd(e.AuthorFollowerCount, c.overlay.Delta(e.AuthorID, model.FieldFollowers))
		if m, known := c.overlay.Membership(ctx, e.PostID, model.KindLike); known {
			e.LikedByMe = m
		}
		if m, known := c.overlay.Membership(ctx, e.AuthorID, model.KindFollow); known {
			e.FollowingAuthor = m
		}
	}
	return out
}

func clampAdd(base, delta int) int {
	v := base + delta
	if v < 0 {
		return 0
	}
	return v
}

// InvalidateEntity drops every memory-tier page that shows entityID, either
// as a post or as an author, and marks the persisted copies stale. The
// payloads stay available for cold-start or degraded rendering; the next
// Load refetches.
func (c *Cache) InvalidateEntity(entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, p := range c.pages {
		for _, e := range p.Entries {
			if e.PostID == entityID || e.AuthorID == entityID {
				delete(c.pages, key)
				_ = c.cache.MarkFeedPageStale(context.Background(), key)
				break
			}
		}
	}
}

// InvalidateAll drops the whole memory tier; used on pull-to-refresh of the
// actor's own edge set.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.pages = make(map[string]model.FeedPage)
	c.mu.Unlock()
}
