package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"tally/internal/model"
	"tally/internal/remote"
)

// Backend is the authoritative store the server trigger runtime runs
// against: edges plus parent documents carrying denormalized counters. Edge
// writes and the reconciler's counter adjustments commit in one transaction.
//
// It implements remote.Store, which also makes it the in-process backend for
// tests and local development.
type Backend struct {
	db  *sql.DB
	rec Reconciler

	mu     sync.Mutex
	denied map[string]bool // "actor|target" pairs rejected with permission denied
}

func Open(path string) (*Backend, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := d.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;`); err != nil {
		return nil, err
	}
	b := &Backend{db: d, denied: make(map[string]bool)}
	if err := b.migrate(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) Close() error { return b.db.Close() }

func (b *Backend) migrate() error {
	_, err := b.db.Exec(`
	CREATE TABLE IF NOT EXISTS edges (
	  kind TEXT NOT NULL,
	  actor_id TEXT NOT NULL,
	  target_id TEXT NOT NULL,
	  created_at INTEGER NOT NULL,
	  PRIMARY KEY (kind, actor_id, target_id)
	);
	CREATE TABLE IF NOT EXISTS documents (
	  id TEXT PRIMARY KEY,
	  doc_type TEXT NOT NULL DEFAULT 'profile',
	  author_id TEXT,
	  display_name TEXT,
	  body TEXT,
	  created_at INTEGER NOT NULL DEFAULT 0,
	  like_count INTEGER NOT NULL DEFAULT 0,
	  comment_count INTEGER NOT NULL DEFAULT 0,
	  follower_count INTEGER NOT NULL DEFAULT 0,
	  following_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_documents_created ON documents(doc_type, created_at);
	`)
	return err
}

// Deny marks (actor, target) writes as permission denied, mirroring the
// authorization rules the production deployment enforces.
func (b *Backend) Deny(actorID, targetID string) {
	b.mu.Lock()
	b.denied[actorID+"|"+targetID] = true
	b.mu.Unlock()
}

func (b *Backend) isDenied(actorID, targetID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.denied[actorID+"|"+targetID]
}

// CreateProfile inserts a profile document with zeroed counters.
func (b *Backend) CreateProfile(ctx context.Context, id, displayName string) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO documents(id, doc_type, display_name, created_at) VALUES(?, 'profile', ?, ?)`,
		id, displayName, time.Now().UTC().Unix())
	return err
}

// CreatePost inserts a post document with zeroed counters.
func (b *Backend) CreatePost(ctx context.Context, id, authorID, body string) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO documents(id, doc_type, author_id, body, created_at) VALUES(?, 'post', ?, ?, ?)`,
		id, authorID, body, time.Now().UTC().Unix())
	return err
}

// AddComment records a comment on a post, adjusting its commentCount through
// the same coerce-then-clamp path the edge reconciler uses.
func (b *Backend) AddComment(ctx context.Context, postID string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := docExists(ctx, tx, postID)
	if err != nil {
		return err
	}
	if !ok {
		return remote.ErrNotFound
	}
	if err := adjust(ctx, tx, postID, model.FieldComments, 1); err != nil {
		return err
	}
	return tx.Commit()
}

func docExists(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id=?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// CreateEdge inserts the edge and runs the reconciler in one transaction.
// Creating an edge that already exists is a no-op success and leaves the
// counters untouched.
func (b *Backend) CreateEdge(ctx context.Context, actorID, targetID string, kind model.Kind) error {
	return b.writeEdge(ctx, actorID, targetID, kind, true)
}

// DeleteEdge removes the edge and runs the reconciler in one transaction.
// Deleting an absent edge is a no-op success.
func (b *Backend) DeleteEdge(ctx context.Context, actorID, targetID string, kind model.Kind) error {
	return b.writeEdge(ctx, actorID, targetID, kind, false)
}

func (b *Backend) writeEdge(ctx context.Context, actorID, targetID string, kind model.Kind, create bool) error {
	if !kind.Valid() {
		return errors.New("reconcile: invalid edge kind")
	}
	if b.isDenied(actorID, targetID) {
		return remote.ErrPermissionDenied
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := docExists(ctx, tx, targetID)
	if err != nil {
		return err
	}
	if !ok {
		return remote.ErrNotFound
	}
	var res sql.Result
	if create {
		res, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO edges(kind, actor_id, target_id, created_at) VALUES(?,?,?,?)`,
			string(kind), actorID, targetID, time.Now().UTC().Unix())
	} else {
		res, err = tx.ExecContext(ctx,
			`DELETE FROM edges WHERE kind=? AND actor_id=? AND target_id=?`,
			string(kind), actorID, targetID)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	// The trigger fires only when the edge actually changed; a redundant
	// write must not move the counters.
	if n > 0 {
		if err := b.rec.Apply(ctx, tx, EdgeEvent{Kind: kind, ActorID: actorID, TargetID: targetID, Created: create}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (b *Backend) ReadEdgeExists(ctx context.Context, actorID, targetID string, kind model.Kind) (bool, error) {
	var one int
	err := b.db.QueryRowContext(ctx,
		`SELECT 1 FROM edges WHERE kind=? AND actor_id=? AND target_id=?`,
		string(kind), actorID, targetID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (b *Backend) ReadCounter(ctx context.Context, entityID string, field model.CounterField) (int, error) {
	col, err := column(field)
	if err != nil {
		return 0, err
	}
	var v int
	err = b.db.QueryRowContext(ctx,
		`SELECT COALESCE(`+col+`, 0) FROM documents WHERE id=?`, entityID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, remote.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if v < 0 {
		v = 0
	}
	return v, nil
}

func (b *Backend) FetchCounters(ctx context.Context, entityIDs []string, field model.CounterField) (map[string]int, error) {
	out := make(map[string]int, len(entityIDs))
	for _, id := range entityIDs {
		v, err := b.ReadCounter(ctx, id, field)
		if errors.Is(err, remote.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = v
	}
	return out, nil
}

// FetchFeed composes posts with their author profiles and current counters,
// newest first. The page token is a plain offset.
func (b *Backend) FetchFeed(ctx context.Context, pageToken string, limit int) (model.FeedPage, error) {
	var page model.FeedPage
	if limit <= 0 {
		limit = 25
	}
	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 {
			return page, errors.New("reconcile: bad page token")
		}
		offset = n
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT p.id, p.author_id, COALESCE(a.display_name, ''), COALESCE(p.body, ''), p.created_at,
		       p.like_count, p.comment_count, COALESCE(a.follower_count, 0)
		FROM documents p
		LEFT JOIN documents a ON a.id = p.author_id
		WHERE p.doc_type = 'post'
		ORDER BY p.created_at DESC, p.id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return page, err
	}
	defer rows.Close()
	for rows.Next() {
		var e model.FeedEntry
		var created int64
		if err := rows.Scan(&e.PostID, &e.AuthorID, &e.AuthorName, &e.Text, &created,
			&e.LikeCount, &e.CommentCount, &e.AuthorFollowerCount); err != nil {
			return page, err
		}
		e.CreatedAt = time.Unix(created, 0).UTC()
		page.Entries = append(page.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return page, err
	}
	if len(page.Entries) == limit {
		page.NextPageToken = strconv.Itoa(offset + limit)
	}
	page.FetchedAt = time.Now().UTC()
	return page, nil
}
