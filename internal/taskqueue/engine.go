package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/fleetctl/taskqueue/internal/ambiguity"
)

// ambiguityTTL bounds how long a landed-write marker is remembered. It
// only needs to outlive the retry window of a single logical call, not
// the life of the task.
const ambiguityTTL = 2 * time.Minute

// Engine owns the CAS primitive (spec §4.1) and the six transitions of
// the state machine (spec §4.2). It is the only thing in this package
// that writes to a Store; Watcher only reads from one.
type Engine struct {
	store     Store
	clock     Clock
	ambig     ambiguity.Cache
	retry     retrier
	ttl       time.Duration
	rndMu     sync.Mutex
	rnd       *rand.Rand
}

// EngineOption customizes Engine construction.
type EngineOption func(*Engine)

// WithAmbiguityCache wires the ambiguity cache described in SPEC_FULL §4.1.
// Omitting it (or passing nil) degrades gracefully to always issuing the
// write, which is always safe since the predicate is itself a CAS.
func WithAmbiguityCache(c ambiguity.Cache) EngineOption {
	return func(e *Engine) { e.ambig = c }
}

// WithRetry overrides the default bounded-retry policy.
func WithRetry(maxAttempts int, baseDelay time.Duration) EngineOption {
	return func(e *Engine) { e.retry = newRetrier(maxAttempts, baseDelay) }
}

// WithRandSource overrides the source feeding the triangular bounce-time
// distribution. Production wiring never needs this; it exists so tests
// can pin a deterministic sequence without affecting a live Engine.
func WithRandSource(src rand.Source) EngineOption {
	return func(e *Engine) { e.rnd = rand.New(src) }
}

// NewEngine builds an Engine over store. ttl is the TTL window from
// cron.clean_finished_tasks_after_seconds (spec §6), applied to remove_at
// on every terminal transition. The bounce-time jitter source is seeded
// from the wall clock; pass WithRandSource in tests that need a
// reproducible sequence.
func NewEngine(store Store, clock Clock, ttl time.Duration, opts ...EngineOption) *Engine {
	e := &Engine{
		store: store,
		clock: clock,
		retry: newRetrier(5, 50*time.Millisecond),
		ttl:   ttl,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateServerDiscoveryTask persists a new ServerDiscoveryTask (spec §3).
func (e *Engine) CreateServerDiscoveryTask(ctx context.Context, id, host, username, executionID string) (*Task, error) {
	return e.insert(ctx, newServerDiscoveryTask(id, host, username, executionID))
}

// CreatePlaybookPluginTask persists a new PlaybookPluginTask.
func (e *Engine) CreatePlaybookPluginTask(ctx context.Context, playbookID, configID, executionID string) (*Task, error) {
	return e.insert(ctx, newPlaybookPluginTask(playbookID, configID, executionID))
}

// CreateCancelPlaybookPluginTask persists a new CancelPlaybookPluginTask.
func (e *Engine) CreateCancelPlaybookPluginTask(ctx context.Context, executionID string) (*Task, error) {
	return e.insert(ctx, newCancelPlaybookPluginTask(executionID))
}

func (e *Engine) insert(ctx context.Context, t *Task) (*Task, error) {
	now := e.clock.NowUnix()
	t.Time.Created = now
	t.Time.Updated = now
	t.UpdateMarker = newUpdateMarker()
	if t.Data == nil {
		t.Data = map[string]interface{}{}
	}
	var result *Task
	var insertErr error
	err := e.retry.do(ctx, func() error {
		result, insertErr = e.store.Insert(ctx, t)
		return insertErr
	})
	// A duplicate (execution_id, task_type) is a domain error, not a store
	// fault: return it as ErrUniqueConstraint rather than ErrInternalStore.
	if errors.Is(insertErr, ErrUniqueConstraint) {
		return nil, insertErr
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Refresh re-reads a task's current persisted state, e.g. after a
// rejected transition, per spec §4.1/§4.2 ("the caller refreshes and
// decides").
func (e *Engine) Refresh(ctx context.Context, t *Task) (*Task, error) {
	return e.store.Get(ctx, t.ID)
}

// Bounce defers an eligible task without marking it started (spec §4.2).
func (e *Engine) Bounce(ctx context.Context, t *Task) (*Task, error) {
	now := e.clock.NowUnix()
	e.rndMu.Lock()
	bounceAt := newTaskBounceTime(now, t.Bounced, e.rnd)
	e.rndMu.Unlock()
	set := casSet{
		"time.bounced": bounceAt,
		"bounced":      t.Bounced + 1,
	}
	return e.transition(ctx, t, "bounce", casQuery{"time.started": int64(0)}, set, ErrCannotBounce)
}

// Start claims the task for the calling worker (spec §4.2).
func (e *Engine) Start(ctx context.Context, t *Task) (*Task, error) {
	now := e.clock.NowUnix()
	set := casSet{"time.started": now}
	return e.transition(ctx, t, "start", casQuery{"time.started": int64(0)}, set, ErrCannotStart)
}

// Cancel moves the task to CANCELLED. Allowed from either CREATED or
// STARTED (spec §4.2, §9 open question resolved in favor of the
// original's permissive behavior).
func (e *Engine) Cancel(ctx context.Context, t *Task) (*Task, error) {
	now := e.clock.NowUnix()
	set := casSet{
		"time.cancelled": now,
		"remove_at":      e.removeAt(now),
	}
	return e.transition(ctx, t, "cancel", casQuery{}, set, ErrCannotCancel)
}

// Complete moves a started task to COMPLETED.
func (e *Engine) Complete(ctx context.Context, t *Task) (*Task, error) {
	now := e.clock.NowUnix()
	set := casSet{
		"time.completed": now,
		"remove_at":      e.removeAt(now),
	}
	return e.transition(ctx, t, "complete", casQuery{"time.started": casNotZero{}}, set, ErrCannotComplete)
}

// Fail moves a started task to FAILED, recording msg in Error.
func (e *Engine) Fail(ctx context.Context, t *Task, msg string) (*Task, error) {
	now := e.clock.NowUnix()
	set := casSet{
		"time.failed": now,
		"error":       msg,
		"remove_at":   e.removeAt(now),
	}
	return e.transition(ctx, t, "fail", casQuery{"time.started": casNotZero{}}, set, ErrCannotFail)
}

// SetExecutorData stamps the claiming worker's identity (spec §4.2). The
// duplicated executor.host/executor.pid keys in the original predicate
// were a copy/paste artifact (spec §9); this uses the deduplicated set.
func (e *Engine) SetExecutorData(ctx context.Context, t *Task, host string, pid int) (*Task, error) {
	set := casSet{
		"executor.host": host,
		"executor.pid":  pid,
	}
	query := casQuery{
		"time.started":  casNotZero{},
		"executor.host": "",
		"executor.pid":  0,
	}
	return e.transition(ctx, t, "set_executor_data", query, set, ErrCannotSetExecutor)
}

// casNotZero is a marker value a Store implementation recognizes as
// "this integer field must be non-zero", since casQuery otherwise only
// expresses equality.
type casNotZero struct{}

func (e *Engine) removeAt(now int64) int64 {
	return now + int64(e.ttl.Seconds())
}

// transition runs the CAS engine primitive (spec §4.1): compose the
// predicate, assign set ∪ {update_marker, time.updated}, and translate a
// non-matching write into rejectErr.
//
// newMarker is minted once and shared across every physical attempt the
// retrier makes for this one logical call. If an attempt's CASUpdate
// comes back with a transient (e.g. driver-timeout) error, the write may
// have actually landed before the ack was lost; that possibility is
// recorded in the ambiguity cache under the (task, old marker, new
// marker) key. The *next* physical attempt consults the cache first: a
// hit means a prior attempt may have already applied this exact write,
// so it re-reads the document first: if the document carries newMarker,
// the write landed and that state is returned instead of reissuing a
// CASUpdate that would now be rejected (the document's marker has
// already moved); otherwise the write is issued. This is what lets a genuine
// ambiguous-timeout retry distinguish "landed, ack lost" from "never
// landed" (spec §4.1).
func (e *Engine) transition(ctx context.Context, t *Task, name string, query casQuery, set casSet, rejectErr error) (*Task, error) {
	now := e.clock.NowUnix()
	newMarker := newUpdateMarker()
	key := ambiguity.Key(t.ID.Hex(), t.UpdateMarker, newMarker)

	fullSet := casSet{
		"update_marker": newMarker,
		"time.updated":  now,
	}
	for k, v := range set {
		fullSet[k] = v
	}

	var result *Task
	err := e.retry.do(ctx, func() error {
		if e.ambig != nil {
			if seen, serr := e.ambig.Seen(ctx, key); serr == nil && seen {
				current, gerr := e.store.Get(ctx, t.ID)
				if gerr != nil {
					return gerr
				}
				if current.UpdateMarker == newMarker {
					result = current
					return nil
				}
			}
		}

		res, casErr := e.store.CASUpdate(ctx, t.ID, t.UpdateMarker, query, fullSet)
		if casErr != nil {
			if e.ambig != nil && isTransient(casErr) {
				_ = e.ambig.Remember(ctx, key, ambiguityTTL)
			}
			return casErr
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		CASOutcomes.WithLabelValues(name, "rejected").Inc()
		return nil, fmt.Errorf("%w: %s", rejectErr, t.String())
	}
	CASOutcomes.WithLabelValues(name, "applied").Inc()
	Transitions.WithLabelValues(string(t.TaskType), name).Inc()
	if name == "bounce" {
		Bounces.WithLabelValues(string(t.TaskType)).Inc()
	}
	return result, nil
}
