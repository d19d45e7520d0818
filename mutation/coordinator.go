// Package mutation runs favorite, follow and rating writes. It is the only
// caller of the transport's write endpoints: every write is applied to the
// store optimistically, then confirmed or rolled back when the request
// settles.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"cookbook/invalidation"
	"cookbook/metrics"
	"cookbook/mq"
	"cookbook/session"
	"cookbook/store"
	"cookbook/transport"
)

// DefaultTimeout bounds how long a mutation may stay in flight before it is
// rolled back.
const DefaultTimeout = 10 * time.Second

// Coordinator serializes mutations per Key and owns their optimistic state.
type Coordinator struct {
	store       *store.Store
	api         transport.Transport
	session     session.Session
	broadcaster *invalidation.Broadcaster
	emitter     mq.Emitter
	metrics     *metrics.Metrics
	logger      *slog.Logger
	timeout     time.Duration
	now         func() time.Time
	hook        func(Transition)

	mu     sync.Mutex
	states map[Key]State
	wg     sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets how long a request may run before the mutation is rolled
// back. The request itself is not aborted.
// Non-positive values mean DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithBroadcaster sets the broadcaster run on settlement. By default one is
// built over the coordinator's store, emitter and metrics.
func WithBroadcaster(b *invalidation.Broadcaster) Option {
	return func(c *Coordinator) { c.broadcaster = b }
}

// WithEmitter sets where late settlements are announced.
func WithEmitter(e mq.Emitter) Option {
	return func(c *Coordinator) { c.emitter = e }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithTransitionHook registers fn to observe every state change. fn runs on
// the mutating goroutine and must not block.
func WithTransitionHook(fn func(Transition)) Option {
	return func(c *Coordinator) { c.hook = fn }
}

// New creates a coordinator writing through api on behalf of sess.
func New(s *store.Store, api transport.Transport, sess session.Session, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   s,
		api:     api,
		session: sess,
		logger:  slog.Default(),
		timeout: DefaultTimeout,
		now:     time.Now,
		states:  make(map[Key]State),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.metrics == nil {
		c.metrics = metrics.New(nil)
	}
	if c.emitter == nil {
		c.emitter = mq.LogEmitter{Logger: c.logger}
	}
	if c.broadcaster == nil {
		c.broadcaster = invalidation.New(s,
			invalidation.WithEmitter(c.emitter),
			invalidation.WithMetrics(c.metrics),
			invalidation.WithLogger(c.logger))
	}
	return c
}

// State returns the current state of key.
func (c *Coordinator) State(key Key) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[key]
}

// Wait blocks until every started mutation has settled, including requests
// that outlived their timeout.
func (c *Coordinator) Wait() { c.wg.Wait() }

// mutation describes one write. apply and confirm run while the key is held.
type mutation struct {
	id       string
	key      Key
	bindings invalidation.Bindings
	message  string
	// keys are held against fetched data until the mutation settles.
	keys     []string
	release  func()

	prepare func(ctx context.Context) error
	apply   func(ctx context.Context) []change
	call    func(ctx context.Context) (any, error)
	confirm func(ctx context.Context, result any, changes []change)
}

// change is one applied optimistic patch and how to undo it.
type change struct {
	key     string
	base    uint64
	version uint64
	before  any
	revert  func(current, before any) (any, error)
}

type callResult struct {
	value any
	err   error
}

func (c *Coordinator) run(ctx context.Context, m *mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.id = uuid.NewString()
	if err := c.acquire(ctx, m); err != nil {
		return err
	}
	kind := string(m.key.Kind)
	c.metrics.MutationsStarted.WithLabelValues(kind).Inc()
	started := c.now()
	m.release = c.store.Hold(m.keys...)

	if m.prepare != nil {
		if err := m.prepare(ctx); err != nil {
			c.finish(ctx, m, StateRolledBack, metrics.OutcomeRolledBack, started)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return c.failure(m, err)
		}
	}

	changes := m.apply(ctx)
	c.advance(ctx, m, StateInFlight)

	done := make(chan error, 1)
	c.wg.Add(1)
	go c.settle(context.WithoutCancel(ctx), m, changes, started, done)

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		c.logger.InfoContext(ctx, "caller stopped waiting, mutation continues",
			slog.String("mutation", m.id), slog.String("key", m.key.String()))
		return ctx.Err()
	}
}

func (c *Coordinator) acquire(ctx context.Context, m *mutation) error {
	c.mu.Lock()
	if st, busy := c.states[m.key]; busy {
		c.mu.Unlock()
		c.metrics.MutationConflicts.WithLabelValues(string(m.key.Kind)).Inc()
		c.logger.DebugContext(ctx, "mutation rejected",
			slog.String("key", m.key.String()), slog.String("state", st.String()))
		return fmt.Errorf("%s: %w", m.key, ErrConflict)
	}
	c.states[m.key] = StateApplying
	c.mu.Unlock()
	c.observe(ctx, m, StateIdle, StateApplying)
	return nil
}

func (c *Coordinator) advance(ctx context.Context, m *mutation, to State) {
	c.mu.Lock()
	from := c.states[m.key]
	if to == StateIdle {
		delete(c.states, m.key)
	} else {
		c.states[m.key] = to
	}
	c.mu.Unlock()
	c.observe(ctx, m, from, to)
}

func (c *Coordinator) observe(ctx context.Context, m *mutation, from, to State) {
	c.logger.DebugContext(ctx, "mutation transition",
		slog.String("mutation", m.id),
		slog.String("key", m.key.String()),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	if c.hook != nil {
		c.hook(Transition{ID: m.id, Key: m.key, From: from, To: to})
	}
}

func (c *Coordinator) settle(ctx context.Context, m *mutation, changes []change, started time.Time, done chan<- error) {
	defer c.wg.Done()

	results := make(chan callResult, 1)
	go func() {
		v, err := m.call(ctx)
		results <- callResult{value: v, err: err}
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case r := <-results:
		if r.err != nil {
			c.logger.WarnContext(ctx, "mutation failed, rolling back",
				slog.String("mutation", m.id),
				slog.String("key", m.key.String()),
				slog.String("error", r.err.Error()))
			c.rollback(ctx, changes)
			c.finish(ctx, m, StateRolledBack, metrics.OutcomeRolledBack, started)
			done <- c.failure(m, r.err)
			return
		}
		if m.confirm != nil {
			m.confirm(ctx, r.value, changes)
		}
		c.finish(ctx, m, StateConfirmed, metrics.OutcomeConfirmed, started)
		done <- nil
	case <-timer.C:
		c.logger.WarnContext(ctx, "mutation timed out, rolling back",
			slog.String("mutation", m.id),
			slog.String("key", m.key.String()),
			slog.Duration("timeout", c.timeout))
		c.rollback(ctx, changes)
		c.finish(ctx, m, StateRolledBack, metrics.OutcomeTimeout, started)
		done <- c.failure(m, fmt.Errorf("%w after %s", ErrTimeout, c.timeout))
		c.awaitLate(ctx, m, results)
	}
}

// finish records the terminal state, invalidates the kind's affected keys
// and releases the key.
func (c *Coordinator) finish(ctx context.Context, m *mutation, terminal State, outcome string, started time.Time) {
	c.advance(ctx, m, terminal)
	c.invalidate(ctx, m)
	if m.release != nil {
		m.release()
	}
	c.metrics.ObserveSettlement(string(m.key.Kind), outcome, c.now().Sub(started))
	c.advance(ctx, m, StateIdle)
}

// awaitLate waits for a request that outlived the timeout. Whatever it did
// on the server is picked up by invalidating again.
func (c *Coordinator) awaitLate(ctx context.Context, m *mutation, results <-chan callResult) {
	r := <-results
	result := metrics.ResultOK
	attrs := []any{slog.String("mutation", m.id), slog.String("key", m.key.String())}
	if r.err != nil {
		result = metrics.ResultError
		attrs = append(attrs, slog.String("error", r.err.Error()))
	}
	c.metrics.LateSettlements.WithLabelValues(string(m.key.Kind), result).Inc()
	c.logger.InfoContext(ctx, "late mutation settlement", attrs...)

	c.invalidate(ctx, m)
	ev := mq.Event{
		Name:     mq.EventLateSettlement,
		Key:      m.key.String(),
		Kind:     string(m.key.Kind),
		EntityID: m.key.Target,
		At:       c.now(),
	}
	if err := c.emitter.Emit(ctx, ev); err != nil {
		c.logger.WarnContext(ctx, "emit late settlement", slog.String("error", err.Error()))
	}
}

func (c *Coordinator) invalidate(ctx context.Context, m *mutation) {
	c.broadcaster.Invalidate(ctx, string(m.key.Kind), m.key.Kind.Affects(), m.bindings)
}

func (c *Coordinator) failure(m *mutation, err error) error {
	return &FailureError{Key: m.key, Message: m.message, Err: err}
}

// patch applies fn to key and records how to revert it. Keys nobody has
// loaded are skipped.
func (c *Coordinator) patch(ctx context.Context, key string, fn func(any) (any, error), revert func(current, before any) (any, error)) (change, bool) {
	var before any
	e, err := c.store.Patch(key, func(cur any) (any, error) {
		before = cur
		return fn(cur)
	})
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, store.ErrNotFound) {
			level = slog.LevelDebug
		}
		c.logger.Log(ctx, level, "optimistic patch skipped", slog.String("key", key), slog.String("error", err.Error()))
		return change{}, false
	}
	return change{key: key, base: e.Base, version: e.Version, before: before, revert: revert}, true
}

// rollback undoes changes newest first. A key still holding the optimistic
// snapshot gets its old snapshot back; a key patched since gets the inverse
// patch; a key refetched since is left alone.
func (c *Coordinator) rollback(ctx context.Context, changes []change) {
	for i := len(changes) - 1; i >= 0; i-- {
		ch := changes[i]
		if _, ok := c.store.Restore(ch.key, ch.before, ch.version); ok {
			continue
		}
		_, err := c.store.PatchFrom(ch.key, ch.base, func(cur any) (any, error) {
			return ch.revert(cur, ch.before)
		})
		if err != nil {
			c.logger.DebugContext(ctx, "rollback skipped", slog.String("key", ch.key), slog.String("error", err.Error()))
		}
	}
}

// reconcile replaces provisional data under key with the server's answer,
// unless key was refetched since the optimistic patch.
func (c *Coordinator) reconcile(ctx context.Context, changes []change, key string, fn func(any) (any, error)) {
	for _, ch := range changes {
		if ch.key != key {
			continue
		}
		if _, err := c.store.PatchFrom(key, ch.base, fn); err != nil {
			c.logger.DebugContext(ctx, "reconcile skipped", slog.String("key", key), slog.String("error", err.Error()))
		}
		return
	}
}

// setBool patches a status key to v.
func (c *Coordinator) setBool(ctx context.Context, key string, v bool) (change, bool) {
	return c.patch(ctx, key,
		func(cur any) (any, error) {
			if _, ok := cur.(bool); !ok {
				return nil, unexpected(key, cur)
			}
			return v, nil
		},
		func(_, before any) (any, error) { return before, nil })
}
