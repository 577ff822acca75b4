package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tally/internal/cachestore"
	"tally/internal/inflight"
	"tally/internal/logging"
	"tally/internal/metrics"
	"tally/internal/model"
	"tally/internal/remote"
)

// Result reports the settlement of one toggle operation. Exactly one Result
// is emitted per pending operation, however many rapid toggles it absorbed.
type Result struct {
	OpID       string
	Kind       model.Kind
	TargetID   string
	EntityID   string
	On         bool
	RolledBack bool
	Err        error
	FinishedAt time.Time
}

// Options configures an Engine. All dependencies are injected; the engine
// holds no ambient global state.
type Options struct {
	ActorID     string
	Cache       *cachestore.Store
	Remote      remote.Store
	MaxAttempts int
	BaseBackoff time.Duration
	CallTimeout time.Duration
	Clock       func() time.Time
}

type key struct {
	target string
	kind   model.Kind
}

// op is one pending mutation for a (target, kind, actor) key. A toggle while
// the op is pending flips desired instead of queuing a second op, so rapid
// double-taps coalesce into a single net operation.
type op struct {
	id     string
	target string
	kind   model.Kind
	entity string

	desired   bool // latest requested direction
	committed bool // remote-visible state as of the last acknowledged write

	origMember     bool
	origKnown      bool
	origCount      int
	origCountKnown bool
	origFetchedAt  time.Time

	// actor-side followingCount snapshot, follow edges only
	origFollowing      int
	origFollowingKnown bool

	attempts int
}

// Engine applies toggle mutations optimistically: local state flips
// immediately and durably, the remote write settles asynchronously, and a
// failure rolls the local state back to the pre-toggle snapshot.
type Engine struct {
	actor       string
	cache       *cachestore.Store
	remote      remote.Store
	maxAttempts int
	baseBackoff time.Duration
	timeout     time.Duration
	clock       func() time.Time

	flights inflight.Coordinator[map[string]int]

	mu        sync.Mutex
	pending   map[key]*op
	member    map[key]bool // last-known membership, warmed from the cache
	settleFns []func(Result)

	wg sync.WaitGroup
}

func New(opts Options) *Engine {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 500 * time.Millisecond
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		actor:       opts.ActorID,
		cache:       opts.Cache,
		remote:      opts.Remote,
		maxAttempts: opts.MaxAttempts,
		baseBackoff: opts.BaseBackoff,
		timeout:     opts.CallTimeout,
		clock:       opts.Clock,
		pending:     make(map[key]*op),
		member:      make(map[key]bool),
	}
}

// OnSettle registers a callback invoked once per settled operation, success
// or rollback. Callbacks run outside the engine lock.
func (e *Engine) OnSettle(fn func(Result)) {
	e.mu.Lock()
	e.settleFns = append(e.settleFns, fn)
	e.mu.Unlock()
}

// Wait blocks until every pending operation has settled.
func (e *Engine) Wait() { e.wg.Wait() }

// Toggle flips the actor's edge of kind to target. The local membership bit
// and displayed counter change immediately and are persisted together; the
// remote write settles in the background. Toggling again while pending
// replaces the pending direction rather than issuing a second operation.
func (e *Engine) Toggle(ctx context.Context, targetID string, kind model.Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("engine: invalid edge kind %q", kind)
	}
	if targetID == "" {
		return fmt.Errorf("engine: empty target")
	}
	k := key{target: targetID, kind: kind}

	e.mu.Lock()
	defer e.mu.Unlock()

	if o, ok := e.pending[k]; ok {
		o.desired = !o.desired
		e.member[k] = o.desired
		if err := e.persistLocked(ctx, o); err != nil {
			return err
		}
		metrics.CoalescedToggles.Inc()
		return nil
	}

	cur, known := e.member[k]
	if !known {
		m, kn, err := e.cache.Membership(ctx, kind, e.actor, targetID)
		if err != nil {
			return err
		}
		cur, known = m, kn
	}
	// An unknown membership means the actor has no recorded edge; the first
	// toggle turns it on.
	if !known {
		cur = false
	}

	o := &op{
		id:        uuid.NewString(),
		target:    targetID,
		kind:      kind,
		entity:    targetID,
		desired:   !cur,
		committed: cur,
	}
	o.origMember, o.origKnown = cur, known
	cc, ok, err := e.cache.Counter(ctx, o.entity, kind.PrimaryField())
	if err != nil {
		return err
	}
	o.origCount, o.origCountKnown, o.origFetchedAt = cc.Value, ok, cc.FetchedAt
	if kind == model.KindFollow {
		fc, fok, err := e.cache.Counter(ctx, e.actor, model.FieldFollowing)
		if err != nil {
			return err
		}
		o.origFollowing, o.origFollowingKnown = fc.Value, fok
	}

	e.member[k] = o.desired
	if err := e.persistLocked(ctx, o); err != nil {
		delete(e.member, k)
		return err
	}
	e.pending[k] = o
	dir := "off"
	if o.desired {
		dir = "on"
	}
	metrics.Toggles.WithLabelValues(string(kind), dir).Inc()

	e.wg.Add(1)
	go e.run(o)
	return nil
}

// persistLocked writes the local state for the op's current desired
// direction. Returning to the pre-toggle direction restores the pre-toggle
// snapshot exactly, including "unknown" rows.
func (e *Engine) persistLocked(ctx context.Context, o *op) error {
	field := o.kind.PrimaryField()
	if o.desired == o.origMember {
		if o.origKnown {
			if err := e.cache.PutMembership(ctx, o.kind, e.actor, o.target, o.origMember); err != nil {
				return err
			}
		} else if err := e.cache.RemoveMembership(ctx, o.kind, e.actor, o.target); err != nil {
			return err
		}
		if o.origCountKnown {
			if err := e.cache.PutCounter(ctx, o.entity, field, o.origCount, o.origFetchedAt); err != nil {
				return err
			}
		} else if err := e.cache.RemoveCounter(ctx, o.entity, field); err != nil {
			return err
		}
		if o.kind == model.KindFollow {
			if o.origFollowingKnown {
				return e.cache.PutCounter(ctx, e.actor, model.FieldFollowing, o.origFollowing, o.origFetchedAt)
			}
			return e.cache.RemoveCounter(ctx, e.actor, model.FieldFollowing)
		}
		return nil
	}

	delta := -1
	if o.desired {
		delta = 1
	}
	count := o.origCount + delta
	if count < 0 {
		count = 0
	}
	if err := e.cache.PutEngagement(ctx, o.kind, e.actor, o.target, o.desired, o.entity, field, count, e.clock()); err != nil {
		return err
	}
	if o.kind == model.KindFollow {
		following := o.origFollowing + delta
		if following < 0 {
			following = 0
		}
		return e.cache.PutCounter(ctx, e.actor, model.FieldFollowing, following, e.clock())
	}
	return nil
}

func (e *Engine) run(o *op) {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		desired := o.desired
		if desired == o.committed {
			res := e.finishLocked(o, nil, false)
			e.mu.Unlock()
			e.emit(res)
			return
		}
		e.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		var err error
		if desired {
			err = e.remote.CreateEdge(ctx, e.actor, o.target, o.kind)
		} else {
			err = e.remote.DeleteEdge(ctx, e.actor, o.target, o.kind)
		}
		cancel()

		if err == nil {
			e.mu.Lock()
			o.committed = desired
			e.mu.Unlock()
			continue
		}

		o.attempts++
		if remote.IsTransient(err) && o.attempts < e.maxAttempts {
			logging.Warn("toggle_retry", map[string]any{
				"op": o.id, "kind": string(o.kind), "target": o.target,
				"attempt": o.attempts, "error": err.Error(),
			})
			time.Sleep(e.baseBackoff << (o.attempts - 1))
			continue
		}

		e.mu.Lock()
		e.rollbackLocked(o)
		res := e.finishLocked(o, err, true)
		e.mu.Unlock()
		e.emit(res)
		return
	}
}

// rollbackLocked restores the pre-toggle local state, persisted and
// in-memory, after a terminal remote failure.
func (e *Engine) rollbackLocked(o *op) {
	ctx := context.Background()
	o.desired = o.origMember
	if err := e.persistLocked(ctx, o); err != nil {
		logging.Error("rollback_persist", map[string]any{"op": o.id, "error": err.Error()})
	}
	k := key{target: o.target, kind: o.kind}
	if o.origKnown {
		e.member[k] = o.origMember
	} else {
		delete(e.member, k)
	}
	metrics.Rollbacks.WithLabelValues(string(o.kind)).Inc()
}

func (e *Engine) finishLocked(o *op, err error, rolledBack bool) Result {
	delete(e.pending, key{target: o.target, kind: o.kind})
	on := o.desired
	if rolledBack {
		on = o.origMember
	}
	return Result{
		OpID:       o.id,
		Kind:       o.kind,
		TargetID:   o.target,
		EntityID:   o.entity,
		On:         on,
		RolledBack: rolledBack,
		Err:        err,
		FinishedAt: e.clock(),
	}
}

func (e *Engine) emit(res Result) {
	e.mu.Lock()
	fns := make([]func(Result), len(e.settleFns))
	copy(fns, e.settleFns)
	e.mu.Unlock()
	if res.Err != nil {
		logging.Error("toggle_rollback", map[string]any{
			"op": res.OpID, "kind": string(res.Kind), "target": res.TargetID, "error": res.Err.Error(),
		})
	} else {
		logging.Info("toggle_settled", map[string]any{
			"op": res.OpID, "kind": string(res.Kind), "target": res.TargetID, "on": res.On,
		})
	}
	for _, fn := range fns {
		fn(res)
	}
}

// Delta returns the sum of uncommitted local deltas for (entity, field). The
// displayed counter is always max(0, authoritative + Delta).
func (e *Engine) Delta(entityID string, field model.CounterField) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := 0
	for _, o := range e.pending {
		if o.desired == o.committed {
			continue
		}
		sign := -1
		if o.desired {
			sign = 1
		}
		switch o.kind {
		case model.KindLike:
			if field == model.FieldLikes && entityID == o.entity {
				d += sign
			}
		case model.KindFollow:
			if field == model.FieldFollowers && entityID == o.entity {
				d += sign
			}
			if field == model.FieldFollowing && entityID == e.actor {
				d += sign
			}
		}
	}
	return d
}

// Membership reports the actor's last-known edge state for (target, kind),
// consulting pending state, then the persisted cache. known is false when
// neither has a record.
func (e *Engine) Membership(ctx context.Context, targetID string, kind model.Kind) (member, known bool) {
	k := key{target: targetID, kind: kind}
	e.mu.Lock()
	if v, ok := e.member[k]; ok {
		e.mu.Unlock()
		return v, true
	}
	e.mu.Unlock()
	m, kn, err := e.cache.Membership(ctx, kind, e.actor, targetID)
	if err != nil {
		return false, false
	}
	return m, kn
}

// RefreshCounters fetches authoritative counters for entityIDs in one
// batched, deduplicated read, stores the locally-adjusted values, and
// returns the displayed value per entity.
func (e *Engine) RefreshCounters(ctx context.Context, entityIDs []string, field model.CounterField) (map[string]int, error) {
	if len(entityIDs) == 0 {
		return map[string]int{}, nil
	}
	ids := make([]string, len(entityIDs))
	copy(ids, entityIDs)
	sort.Strings(ids)
	flightKey := string(field) + "|" + strings.Join(ids, ",")
	vals, _, err := e.flights.Do(ctx, flightKey, func(ctx context.Context) (map[string]int, error) {
		return e.remote.FetchCounters(ctx, ids, field)
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(vals))
	now := e.clock()
	for id, v := range vals {
		display := v + e.Delta(id, field)
		if display < 0 {
			display = 0
		}
		if err := e.cache.PutCounter(ctx, id, field, display, now); err != nil {
			return nil, err
		}
		out[id] = display
	}
	return out, nil
}
