package cachestore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"tally/internal/model"
)

func openTest(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestMembershipAbsentMeansUnknown(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()
	_, known, err := s.Membership(ctx, model.KindLike, "me", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if known {
		t.Fatalf("absent membership must be unknown, not false")
	}
	if err := s.PutMembership(ctx, model.KindLike, "me", "p1", false); err != nil {
		t.Fatal(err)
	}
	member, known, err := s.Membership(ctx, model.KindLike, "me", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if !known || member {
		t.Fatalf("expected known non-member, got member=%v known=%v", member, known)
	}
}

func TestEngagementRecordIsAtomicPair(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	if err := s.PutEngagement(ctx, model.KindLike, "me", "p1", true, "p1", model.FieldLikes, 6, now); err != nil {
		t.Fatal(err)
	}
	member, known, _ := s.Membership(ctx, model.KindLike, "me", "p1")
	if !known || !member {
		t.Fatalf("membership not persisted")
	}
	cc, ok, _ := s.Counter(ctx, "p1", model.FieldLikes)
	if !ok || cc.Value != 6 || !cc.FetchedAt.Equal(now) {
		t.Fatalf("counter not persisted with membership: %+v ok=%v", cc, ok)
	}
	if err := s.RemoveEngagement(ctx, model.KindLike, "me", "p1", "p1", model.FieldLikes); err != nil {
		t.Fatal(err)
	}
	if _, known, _ := s.Membership(ctx, model.KindLike, "me", "p1"); known {
		t.Fatalf("membership should be unknown after removal")
	}
	if _, ok, _ := s.Counter(ctx, "p1", model.FieldLikes); ok {
		t.Fatalf("counter should be unknown after removal")
	}
}

func TestNegativeCounterClampedOnWrite(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()
	if err := s.PutCounter(ctx, "p1", model.FieldLikes, -3, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	cc, ok, _ := s.Counter(ctx, "p1", model.FieldLikes)
	if !ok || cc.Value != 0 {
		t.Fatalf("expected clamped 0, got %+v", cc)
	}
}

func TestSurvivesReopen(t *testing.T) {
	s, path := openTest(t)
	ctx := context.Background()
	if err := s.PutEngagement(ctx, model.KindFollow, "me", "u2", true, "u2", model.FieldFollowers, 10, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	member, known, err := s2.Membership(ctx, model.KindFollow, "me", "u2")
	if err != nil || !known || !member {
		t.Fatalf("membership lost across restart: member=%v known=%v err=%v", member, known, err)
	}
	cc, ok, _ := s2.Counter(ctx, "u2", model.FieldFollowers)
	if !ok || cc.Value != 10 {
		t.Fatalf("counter lost across restart: %+v ok=%v", cc, ok)
	}
}

func TestKVNamespaceAndCursors(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()
	if err := s.Set(ctx, "feedPage:a", []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "feedPage:b", []byte("2")); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "other:c", []byte("3")); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearNamespace(ctx, "feedPage:"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(ctx, "feedPage:a"); ok {
		t.Fatalf("namespace entry survived clear")
	}
	if v, ok, _ := s.Get(ctx, "other:c"); !ok || string(v) != "3" {
		t.Fatalf("unrelated namespace was cleared")
	}
	if err := s.SaveCursor(ctx, "feed:front", "25"); err != nil {
		t.Fatal(err)
	}
	v, err := s.LoadCursor(ctx, "feed:front")
	if err != nil || v != "25" {
		t.Fatalf("cursor roundtrip: %q err=%v", v, err)
	}
}

func TestCorruptFeedPageTreatedAsMiss(t *testing.T) {
	s, path := openTest(t)
	ctx := context.Background()
	page := model.FeedPage{
		Entries:   []model.FeedEntry{{PostID: "p1", AuthorID: "u1", LikeCount: 2}},
		FetchedAt: time.Now().UTC(),
	}
	if err := s.PutFeedPage(ctx, "front", page); err != nil {
		t.Fatal(err)
	}
	// Corrupt the stored payload behind the store's back.
	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := raw.Exec(`UPDATE feed_pages SET payload=x'DEADBEEF' WHERE page_key='front'`); err != nil {
		t.Fatal(err)
	}
	_ = raw.Close()
	_, ok, err := s.FeedPage(ctx, "front")
	if err != nil {
		t.Fatalf("corruption must not surface as error: %v", err)
	}
	if ok {
		t.Fatalf("corrupt row must read as miss")
	}
	// And the row is dropped, not left to fail again.
	if _, ok, _ := s.FeedPage(ctx, "front"); ok {
		t.Fatalf("corrupt row should have been removed")
	}
}

func TestFeedPageStaleMark(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()
	page := model.FeedPage{Entries: []model.FeedEntry{{PostID: "p1"}}, FetchedAt: time.Now().UTC()}
	if err := s.PutFeedPage(ctx, "front", page); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFeedPageStale(ctx, "front"); err != nil {
		t.Fatal(err)
	}
	got, ok, _ := s.FeedPage(ctx, "front")
	if !ok {
		t.Fatalf("stale page must remain readable")
	}
	if !got.FetchedAt.Equal(time.Unix(0, 0).UTC()) {
		t.Fatalf("expected zeroed fetch time, got %v", got.FetchedAt)
	}
	if len(got.Entries) != 1 || got.Entries[0].PostID != "p1" {
		t.Fatalf("payload lost on stale mark: %+v", got)
	}
}
