package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tally/internal/model"
)

func newTestStore(ts *httptest.Server) *HTTPStore {
	c := NewHTTPStore(ts.URL, "test", 1000, 1000)
	c.httpClient = ts.Client()
	c.maxAttempts = 3
	c.baseBackoff = 5 * time.Millisecond
	return c
}

func TestCreateEdgeConflictIsSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method: %s", r.Method)
		}
		w.WriteHeader(http.StatusConflict)
	}))
	defer ts.Close()
	c := newTestStore(ts)
	if err := c.CreateEdge(context.Background(), "me", "p1", model.KindLike); err != nil {
		t.Fatalf("conflict should be idempotent success, got %v", err)
	}
}

func TestDeleteAbsentEdgeIsSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()
	c := newTestStore(ts)
	if err := c.DeleteEdge(context.Background(), "me", "p1", model.KindLike); err != nil {
		t.Fatalf("deleting an absent edge should be a no-op success, got %v", err)
	}
}

func TestPermissionDeniedIsFatal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()
	c := newTestStore(ts)
	err := c.CreateEdge(context.Background(), "me", "u2", model.KindFollow)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if IsTransient(err) {
		t.Fatalf("permission errors must not be retried")
	}
}

func TestRetryOn429ThenSuccess(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	c := newTestStore(ts)
	if err := c.CreateEdge(context.Background(), "me", "p1", model.KindLike); err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if attempts < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", attempts)
	}
}

func TestServerErrorExhaustionIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()
	c := newTestStore(ts)
	err := c.CreateEdge(context.Background(), "me", "p1", model.KindLike)
	if err == nil {
		t.Fatal("expected failure")
	}
	if !IsTransient(err) {
		t.Fatalf("exhausted 5xx retries should classify transient, got %v", err)
	}
}

func TestFetchCountersClampsNegatives(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("field"); got != string(model.FieldLikes) {
			t.Errorf("field param: %s", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"counters": map[string]int{"a": 3, "b": -2},
		})
	}))
	defer ts.Close()
	c := newTestStore(ts)
	out, err := c.FetchCounters(context.Background(), []string{"a", "b"}, model.FieldLikes)
	if err != nil {
		t.Fatal(err)
	}
	if out["a"] != 3 || out["b"] != 0 {
		t.Fatalf("expected a=3 b=0, got %v", out)
	}
}

func TestReadEdgeExists(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"exists": true})
	}))
	defer ts.Close()
	c := newTestStore(ts)
	ok, err := c.ReadEdgeExists(context.Background(), "me", "u2", model.KindFollow)
	if err != nil || !ok {
		t.Fatalf("exists=%v err=%v", ok, err)
	}
}

func TestFetchFeedDecodes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(model.FeedPage{
			Entries:       []model.FeedEntry{{PostID: "p1", AuthorID: "u1", LikeCount: 4}},
			NextPageToken: "25",
		})
	}))
	defer ts.Close()
	c := newTestStore(ts)
	page, err := c.FetchFeed(context.Background(), "", 25)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 1 || page.Entries[0].PostID != "p1" || page.NextPageToken != "25" {
		t.Fatalf("bad page: %+v", page)
	}
	if page.FetchedAt.IsZero() {
		t.Fatalf("fetch time not stamped")
	}
}
