package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tally/internal/metrics"
	"tally/internal/model"
)

// HTTPStore talks to the remote store over its JSON API with a bearer token.
type HTTPStore struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	baseBackoff time.Duration
}

func NewHTTPStore(baseURL, token string, rps float64, burst int) *HTTPStore {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &HTTPStore{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		maxAttempts: getEnvInt("TALLY_API_MAX_ATTEMPTS", 5),
		baseBackoff: time.Duration(getEnvInt("TALLY_API_BASE_BACKOFF_MS", 500)) * time.Millisecond,
	}
}

func (c *HTTPStore) auth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
}

func edgePath(actorID, targetID string, kind model.Kind) string {
	return fmt.Sprintf("/edges/%s/%s/%s",
		url.PathEscape(string(kind)), url.PathEscape(actorID), url.PathEscape(targetID))
}

func (c *HTTPStore) CreateEdge(ctx context.Context, actorID, targetID string, kind model.Kind) error {
	return c.writeEdge(ctx, http.MethodPut, actorID, targetID, kind)
}

func (c *HTTPStore) DeleteEdge(ctx context.Context, actorID, targetID string, kind model.Kind) error {
	return c.writeEdge(ctx, http.MethodDelete, actorID, targetID, kind)
}

func (c *HTTPStore) writeEdge(ctx context.Context, method, actorID, targetID string, kind model.Kind) error {
	u := c.baseURL + edgePath(actorID, targetID, kind)
	req, _ := http.NewRequestWithContext(ctx, method, u, nil)
	c.auth(req)
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Edge already in the requested state; idempotent success.
		return nil
	case resp.StatusCode == http.StatusNotFound && method == http.MethodDelete:
		// Deleting an absent edge is a no-op success.
		return nil
	default:
		return statusError(resp.StatusCode)
	}
}

func (c *HTTPStore) ReadEdgeExists(ctx context.Context, actorID, targetID string, kind model.Kind) (bool, error) {
	u := c.baseURL + edgePath(actorID, targetID, kind)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	c.auth(req)
	if err := c.limiter.Wait(ctx); err != nil {
		return false, err
	}
	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 400 {
		return false, statusError(resp.StatusCode)
	}
	var raw struct {
		Exists bool `json:"exists"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return false, err
	}
	return raw.Exists, nil
}

func (c *HTTPStore) ReadCounter(ctx context.Context, entityID string, field model.CounterField) (int, error) {
	vals, err := c.FetchCounters(ctx, []string{entityID}, field)
	if err != nil {
		return 0, err
	}
	v, ok := vals[entityID]
	if !ok {
		return 0, ErrNotFound
	}
	return v, nil
}

// FetchCounters reads counters for up to 100 entities per request, looping
// over larger input.
func (c *HTTPStore) FetchCounters(ctx context.Context, entityIDs []string, field model.CounterField) (map[string]int, error) {
	out := make(map[string]int, len(entityIDs))
	for len(entityIDs) > 0 {
		batch := entityIDs
		if len(batch) > 100 {
			batch = batch[:100]
		}
		entityIDs = entityIDs[len(batch):]
		u := fmt.Sprintf("%s/counters?field=%s&ids=%s",
			c.baseURL, url.QueryEscape(string(field)), url.QueryEscape(strings.Join(batch, ",")))
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		c.auth(req)
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		resp, err := c.doWithRetry(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		var raw struct {
			Counters map[string]int `json:"counters"`
		}
		err = json.NewDecoder(resp.Body).Decode(&raw)
		sc := resp.StatusCode
		_ = resp.Body.Close()
		if sc >= 400 {
			return nil, statusError(sc)
		}
		if err != nil {
			return nil, err
		}
		for id, v := range raw.Counters {
			if v < 0 {
				v = 0
			}
			out[id] = v
		}
	}
	return out, nil
}

func (c *HTTPStore) FetchFeed(ctx context.Context, pageToken string, limit int) (model.FeedPage, error) {
	var page model.FeedPage
	u := fmt.Sprintf("%s/feed?limit=%d", c.baseURL, clamp(limit, 1, 100))
	if pageToken != "" {
		u += "&page=" + url.QueryEscape(pageToken)
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	c.auth(req)
	if err := c.limiter.Wait(ctx); err != nil {
		return page, err
	}
	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return page, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return page, statusError(resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return page, err
	}
	page.FetchedAt = time.Now().UTC()
	return page, nil
}

func statusError(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrPermissionDenied, code)
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, code)
	default:
		return fmt.Errorf("remote: status %d", code)
	}
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func (c *HTTPStore) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	backoff := c.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.httpClient.Do(req.Clone(ctx))
		if err == nil {
			if resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599) {
				ra := resp.Header.Get("Retry-After")
				_ = resp.Body.Close()
				metrics.IncRemoteRetry(req.URL.Path)
				wait := backoff
				if ra != "" {
					if secs, err := strconv.Atoi(ra); err == nil {
						wait = time.Duration(secs) * time.Second
					} else if t, err := http.ParseTime(ra); err == nil {
						if d := time.Until(t); d > 0 {
							wait = d
						}
					}
				}
				// jitter +/-20%
				jitter := time.Duration(float64(wait) * 0.2)
				if jitter > 0 {
					wait = wait - jitter + time.Duration(time.Now().UnixNano()%int64(2*jitter))
				}
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				backoff *= 2
				continue
			}
			return resp, nil
		}
		lastErr = err
		metrics.IncRemoteRetry(req.URL.Path)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("request failed after %d attempts: %v", c.maxAttempts, lastErr)
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil && i > 0 {
		return i
	}
	return def
}
