package cachestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"tally/internal/model"
)

// Store wraps a SQLite database used as the on-device persisted cache. It
// survives process restarts and holds three logical namespaces: the actor's
// edge memberships, counter snapshots, and serialized feed pages.
//
// Absence of a row always means "unknown", never zero or false.
type Store struct{ sql *sql.DB }

func Open(path string) (*Store, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := d.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;`); err != nil {
		return nil, err
	}
	s := &Store{sql: d}
	if err := s.migrate(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.sql.Close() }

func (s *Store) migrate() error {
	_, err := s.sql.Exec(`
	CREATE TABLE IF NOT EXISTS kv (
	  key TEXT PRIMARY KEY,
	  value BLOB NOT NULL,
	  updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS membership (
	  kind TEXT NOT NULL,
	  actor_id TEXT NOT NULL,
	  target_id TEXT NOT NULL,
	  member INTEGER NOT NULL,
	  updated_at INTEGER NOT NULL,
	  PRIMARY KEY (kind, actor_id, target_id)
	);
	CREATE TABLE IF NOT EXISTS counters (
	  entity_id TEXT NOT NULL,
	  field TEXT NOT NULL,
	  value INTEGER NOT NULL,
	  fetched_at INTEGER NOT NULL,
	  PRIMARY KEY (entity_id, field)
	);
	CREATE TABLE IF NOT EXISTS feed_pages (
	  page_key TEXT PRIMARY KEY,
	  payload BLOB NOT NULL,
	  fetched_at INTEGER NOT NULL
	);
	`)
	return err
}

// Get returns the raw value for key; the second result is false when absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	row := s.sql.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=?`, key)
	var v []byte
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.sql.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().UTC().Unix())
	return err
}

func (s *Store) Remove(ctx context.Context, key string) error {
	_, err := s.sql.ExecContext(ctx, `DELETE FROM kv WHERE key=?`, key)
	return err
}

// ClearNamespace removes every kv entry whose key starts with prefix.
func (s *Store) ClearNamespace(ctx context.Context, prefix string) error {
	_, err := s.sql.ExecContext(ctx, `DELETE FROM kv WHERE key LIKE ? || '%'`, prefix)
	return err
}

// SaveCursor stores a named cursor value (e.g. a feed page token).
func (s *Store) SaveCursor(ctx context.Context, name, value string) error {
	return s.Set(ctx, "cursor:"+name, []byte(value))
}

func (s *Store) LoadCursor(ctx context.Context, name string) (string, error) {
	v, ok, err := s.Get(ctx, "cursor:"+name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.New("no cursor")
	}
	return string(v), nil
}

// Membership reports whether the actor holds an edge of kind to target.
// known is false when the cache has no record, which callers must treat as
// "unknown" rather than "not a member".
func (s *Store) Membership(ctx context.Context, kind model.Kind, actorID, targetID string) (member, known bool, err error) {
	row := s.sql.QueryRowContext(ctx,
		`SELECT member FROM membership WHERE kind=? AND actor_id=? AND target_id=?`,
		string(kind), actorID, targetID)
	var m int
	if err := row.Scan(&m); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, false, nil
		}
		return false, false, err
	}
	return m != 0, true, nil
}

// MembershipSet returns every target the actor has a positive edge of kind to.
func (s *Store) MembershipSet(ctx context.Context, kind model.Kind, actorID string) (map[string]bool, error) {
	rows, err := s.sql.QueryContext(ctx,
		`SELECT target_id, member FROM membership WHERE kind=? AND actor_id=?`,
		string(kind), actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		var m int
		if err := rows.Scan(&id, &m); err != nil {
			return nil, err
		}
		out[id] = m != 0
	}
	return out, rows.Err()
}

// PutEngagement writes the membership bit and the related counter snapshot in
// one transaction, so the cache can never hold a membership without a count.
func (s *Store) PutEngagement(ctx context.Context, kind model.Kind, actorID, targetID string, member bool, entityID string, field model.CounterField, count int, fetchedAt time.Time) error {
	tx, err := s.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := time.Now().UTC().Unix()
	mv := 0
	if member {
		mv = 1
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO membership(kind, actor_id, target_id, member, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(kind, actor_id, target_id) DO UPDATE SET member=excluded.member, updated_at=excluded.updated_at`,
		string(kind), actorID, targetID, mv, now); err != nil {
		return err
	}
	if count < 0 {
		count = 0
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO counters(entity_id, field, value, fetched_at) VALUES(?,?,?,?)
		 ON CONFLICT(entity_id, field) DO UPDATE SET value=excluded.value, fetched_at=excluded.fetched_at`,
		entityID, string(field), count, fetchedAt.Unix()); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveEngagement drops both the membership bit and the counter snapshot,
// returning the pair to "unknown".
func (s *Store) RemoveEngagement(ctx context.Context, kind model.Kind, actorID, targetID, entityID string, field model.CounterField) error {
	tx, err := s.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM membership WHERE kind=? AND actor_id=? AND target_id=?`,
		string(kind), actorID, targetID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM counters WHERE entity_id=? AND field=?`, entityID, string(field)); err != nil {
		return err
	}
	return tx.Commit()
}

// PutMembership writes only the membership bit.
func (s *Store) PutMembership(ctx context.Context, kind model.Kind, actorID, targetID string, member bool) error {
	mv := 0
	if member {
		mv = 1
	}
	_, err := s.sql.ExecContext(ctx,
		`INSERT INTO membership(kind, actor_id, target_id, member, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(kind, actor_id, target_id) DO UPDATE SET member=excluded.member, updated_at=excluded.updated_at`,
		string(kind), actorID, targetID, mv, time.Now().UTC().Unix())
	return err
}

// RemoveMembership returns the membership bit to "unknown".
func (s *Store) RemoveMembership(ctx context.Context, kind model.Kind, actorID, targetID string) error {
	_, err := s.sql.ExecContext(ctx,
		`DELETE FROM membership WHERE kind=? AND actor_id=? AND target_id=?`,
		string(kind), actorID, targetID)
	return err
}

// RemoveCounter returns the counter snapshot to "unknown".
func (s *Store) RemoveCounter(ctx context.Context, entityID string, field model.CounterField) error {
	_, err := s.sql.ExecContext(ctx,
		`DELETE FROM counters WHERE entity_id=? AND field=?`, entityID, string(field))
	return err
}

// Counter returns the cached snapshot for (entity, field); ok is false when
// the cache has no record.
func (s *Store) Counter(ctx context.Context, entityID string, field model.CounterField) (model.CachedCounter, bool, error) {
	row := s.sql.QueryRowContext(ctx,
		`SELECT value, fetched_at FROM counters WHERE entity_id=? AND field=?`,
		entityID, string(field))
	var v int
	var at int64
	if err := row.Scan(&v, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.CachedCounter{}, false, nil
		}
		return model.CachedCounter{}, false, err
	}
	return model.CachedCounter{Value: v, FetchedAt: time.Unix(at, 0).UTC()}, true, nil
}

func (s *Store) PutCounter(ctx context.Context, entityID string, field model.CounterField, value int, fetchedAt time.Time) error {
	if value < 0 {
		value = 0
	}
	_, err := s.sql.ExecContext(ctx,
		`INSERT INTO counters(entity_id, field, value, fetched_at) VALUES(?,?,?,?)
		 ON CONFLICT(entity_id, field) DO UPDATE SET value=excluded.value, fetched_at=excluded.fetched_at`,
		entityID, string(field), value, fetchedAt.Unix())
	return err
}

// FeedPage returns the persisted feed page for pageKey. A row that fails to
// decode is dropped and reported as a miss, never as an error.
func (s *Store) FeedPage(ctx context.Context, pageKey string) (model.FeedPage, bool, error) {
	row := s.sql.QueryRowContext(ctx,
		`SELECT payload, fetched_at FROM feed_pages WHERE page_key=?`, pageKey)
	var payload []byte
	var at int64
	if err := row.Scan(&payload, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.FeedPage{}, false, nil
		}
		return model.FeedPage{}, false, err
	}
	var page model.FeedPage
	if err := json.Unmarshal(payload, &page); err != nil {
		_ = s.RemoveFeedPage(ctx, pageKey)
		return model.FeedPage{}, false, nil
	}
	page.FetchedAt = time.Unix(at, 0).UTC()
	return page, true, nil
}

func (s *Store) PutFeedPage(ctx context.Context, pageKey string, page model.FeedPage) error {
	payload, err := json.Marshal(page)
	if err != nil {
		return err
	}
	_, err = s.sql.ExecContext(ctx,
		`INSERT INTO feed_pages(page_key, payload, fetched_at) VALUES(?,?,?)
		 ON CONFLICT(page_key) DO UPDATE SET payload=excluded.payload, fetched_at=excluded.fetched_at`,
		pageKey, payload, page.FetchedAt.Unix())
	return err
}

// MarkFeedPageStale zeroes the page's fetch time so freshness checks fail
// while the payload stays available for cold-start or degraded rendering.
func (s *Store) MarkFeedPageStale(ctx context.Context, pageKey string) error {
	_, err := s.sql.ExecContext(ctx, `UPDATE feed_pages SET fetched_at=0 WHERE page_key=?`, pageKey)
	return err
}

func (s *Store) RemoveFeedPage(ctx context.Context, pageKey string) error {
	_, err := s.sql.ExecContext(ctx, `DELETE FROM feed_pages WHERE page_key=?`, pageKey)
	return err
}
