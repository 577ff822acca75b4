package tally

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"tally/internal/config"
	"tally/internal/model"
	"tally/internal/reconcile"
	"tally/internal/remote"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Actor.ID = "me"
	cfg.Storage.DBPath = filepath.Join(t.TempDir(), "tally.db")
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.BaseBackoffMS = 1
	return cfg
}

func newBackend(t *testing.T) *reconcile.Backend {
	t.Helper()
	b, err := reconcile.Open(filepath.Join(t.TempDir(), "authoritative.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newClient(t *testing.T, cfg config.Config, rs remote.Store) *Client {
	t.Helper()
	c, err := New(Options{Config: cfg, Remote: rs})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLikeLifecycleConverges(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)
	_ = backend.CreateProfile(ctx, "author", "Author")
	_ = backend.CreatePost(ctx, "p1", "author", "hello")
	c := newClient(t, testConfig(t), backend)

	page, err := c.Feed(ctx, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if page.Entries[0].LikeCount != 0 || page.Entries[0].LikedByMe {
		t.Fatalf("initial entry: %+v", page.Entries[0])
	}

	if err := c.ToggleLike(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	c.Quiesce()

	if v, _ := backend.ReadCounter(ctx, "p1", model.FieldLikes); v != 1 {
		t.Fatalf("authoritative counter: %d", v)
	}
	res := <-c.Results()
	if res.Err != nil || !res.On || res.RolledBack {
		t.Fatalf("bad result: %+v", res)
	}

	page, err = c.Feed(ctx, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if page.Entries[0].LikeCount != 1 || !page.Entries[0].LikedByMe {
		t.Fatalf("post-settlement entry did not converge: %+v", page.Entries[0])
	}
	vals, err := c.RefreshCounters(ctx, []string{"p1"}, FieldLikes)
	if err != nil || vals["p1"] != 1 {
		t.Fatalf("refresh: %v err=%v", vals, err)
	}
}

func TestDoubleTapLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)
	_ = backend.CreateProfile(ctx, "author", "Author")
	_ = backend.CreatePost(ctx, "p1", "author", "hello")
	for i := 0; i < 5; i++ {
		if err := backend.CreateEdge(ctx, fmt.Sprintf("other%d", i), "p1", KindLike); err != nil {
			t.Fatal(err)
		}
	}
	c := newClient(t, testConfig(t), backend)

	if _, err := c.Feed(ctx, "", false); err != nil {
		t.Fatal(err)
	}
	if err := c.ToggleLike(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	if err := c.ToggleLike(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	c.Quiesce()

	if v, _ := backend.ReadCounter(ctx, "p1", model.FieldLikes); v != 5 {
		t.Fatalf("double-tap must leave the authoritative counter alone: %d", v)
	}
	if exists, _ := backend.ReadEdgeExists(ctx, "me", "p1", KindLike); exists {
		t.Fatalf("double-tap must leave no edge")
	}
	page, err := c.Feed(ctx, "", true)
	if err != nil {
		t.Fatal(err)
	}
	if page.Entries[0].LikeCount != 5 || page.Entries[0].LikedByMe {
		t.Fatalf("display did not return to pre-toggle state: %+v", page.Entries[0])
	}
}

func TestFollowRollbackOnDenied(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)
	_ = backend.CreateProfile(ctx, "u2", "Two")
	backend.Deny("me", "u2")
	c := newClient(t, testConfig(t), backend)

	if err := c.ToggleFollow(ctx, "u2"); err != nil {
		t.Fatal(err)
	}
	c.Quiesce()

	res := <-c.Results()
	if !res.RolledBack || !errors.Is(res.Err, remote.ErrPermissionDenied) {
		t.Fatalf("expected surfaced permission rollback, got %+v", res)
	}
	if v, _ := backend.ReadCounter(ctx, "u2", model.FieldFollowers); v != 0 {
		t.Fatalf("denied follow moved the counter: %d", v)
	}
	if _, known := c.Following(ctx, "u2"); known {
		t.Fatalf("membership must roll back to unknown")
	}
}

// offlineStore refuses everything, proving cold-start reads need no remote.
type offlineStore struct{}

func (offlineStore) CreateEdge(ctx context.Context, a, tg string, k Kind) error {
	return remote.ErrUnavailable
}
func (offlineStore) DeleteEdge(ctx context.Context, a, tg string, k Kind) error {
	return remote.ErrUnavailable
}
func (offlineStore) ReadCounter(ctx context.Context, e string, f CounterField) (int, error) {
	return 0, remote.ErrUnavailable
}
func (offlineStore) ReadEdgeExists(ctx context.Context, a, tg string, k Kind) (bool, error) {
	return false, remote.ErrUnavailable
}
func (offlineStore) FetchCounters(ctx context.Context, ids []string, f CounterField) (map[string]int, error) {
	return nil, remote.ErrUnavailable
}
func (offlineStore) FetchFeed(ctx context.Context, tok string, limit int) (FeedPage, error) {
	return FeedPage{}, remote.ErrUnavailable
}

func TestColdStartFidelityAcrossRestart(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)
	_ = backend.CreateProfile(ctx, "author", "Author")
	_ = backend.CreatePost(ctx, "p1", "author", "hello")
	cfg := testConfig(t)

	c1, err := New(Options{Config: cfg, Remote: backend})
	if err != nil {
		t.Fatal(err)
	}
	if err := c1.ToggleLike(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	c1.Quiesce()
	if _, err := c1.Feed(ctx, "", true); err != nil {
		t.Fatal(err)
	}
	if err := c1.Close(); err != nil {
		t.Fatal(err)
	}

	// Restart offline: same cache file, a remote that refuses everything.
	c2 := newClient(t, cfg, offlineStore{})
	liked, known := c2.Liked(ctx, "p1")
	if !known {
		t.Fatalf("persisted membership must be available without a remote call")
	}
	if !liked {
		t.Fatalf("membership must never flip from present to absent across restart")
	}
	page, err := c2.Feed(ctx, "", false)
	if err != nil {
		t.Fatalf("offline cold start should degrade to the persisted page: %v", err)
	}
	if len(page.Entries) != 1 || page.Entries[0].LikeCount != 1 || !page.Entries[0].LikedByMe {
		t.Fatalf("cold-start page: %+v", page.Entries)
	}
}
