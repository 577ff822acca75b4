package reconcile

import (
	"context"
	"database/sql"
	"fmt"

	"tally/internal/metrics"
	"tally/internal/model"
)

// EdgeEvent describes one edge write. The reconciler runs exactly once per
// event; each adjustment is a commutative +/-1, so no cross-event
// coordination is needed.
type EdgeEvent struct {
	Kind     model.Kind
	ActorID  string
	TargetID string
	Created  bool
}

// Reconciler is the sole writer of counter deltas. Given an edge-write event
// it adjusts the denormalized counters on the related documents inside the
// caller's transaction: read the current value coerced to 0 when absent,
// apply the delta, clamp at 0, write. Never a blind signed increment.
type Reconciler struct{}

// Apply adjusts every counter affected by ev within tx. A follow edge
// touches both the target's followerCount and the actor's followingCount in
// the same atomic unit.
func (r *Reconciler) Apply(ctx context.Context, tx *sql.Tx, ev EdgeEvent) error {
	delta := 1
	if !ev.Created {
		delta = -1
	}
	if err := adjust(ctx, tx, ev.TargetID, ev.Kind.PrimaryField(), delta); err != nil {
		return err
	}
	if ev.Kind == model.KindFollow {
		if err := adjust(ctx, tx, ev.ActorID, model.FieldFollowing, delta); err != nil {
			return err
		}
	}
	return nil
}

func column(field model.CounterField) (string, error) {
	switch field {
	case model.FieldLikes:
		return "like_count", nil
	case model.FieldComments:
		return "comment_count", nil
	case model.FieldFollowers:
		return "follower_count", nil
	case model.FieldFollowing:
		return "following_count", nil
	}
	return "", fmt.Errorf("reconcile: unknown counter field %q", field)
}

func adjust(ctx context.Context, tx *sql.Tx, entityID string, field model.CounterField, delta int) error {
	col, err := column(field)
	if err != nil {
		return err
	}
	// The document may not exist yet for reverse-direction counters (the
	// actor's own profile); materialize it before adjusting.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO documents(id, doc_type) VALUES(?, 'profile')`, entityID); err != nil {
		return err
	}
	row := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(%s, 0) FROM documents WHERE id=?`, col), entityID)
	var cur int
	if err := row.Scan(&cur); err != nil {
		return err
	}
	next := cur + delta
	if next < 0 {
		next = 0
		metrics.ReconcileClamps.Inc()
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE documents SET %s=? WHERE id=?`, col), next, entityID); err != nil {
		return err
	}
	metrics.ReconcileAdjustments.WithLabelValues(string(field)).Inc()
	return nil
}
