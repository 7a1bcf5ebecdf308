package taskqueue

import (
	"context"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// casQuery is the additional predicate a transition layers on top of the
// universal "not terminal" guard (spec §4.1 step 1). Keys are dotted
// field paths (e.g. "time.started") matching the document's bson tags.
type casQuery map[string]interface{}

// casSet is the set of fields a transition assigns, before the engine
// adds update_marker and time.updated (spec §4.1 step 2).
type casSet map[string]interface{}

// Store is the persistence boundary the CAS engine and the watcher are
// built against. MongoStore is the production implementation; MemoryStore
// gives tests identical CAS semantics without a live deployment.
type Store interface {
	// Insert persists a brand-new task document under a fresh ID and
	// returns the stored copy. time.created, time.updated and
	// update_marker are stored as given (the Engine stamps them before
	// calling Insert). Returns ErrUniqueConstraint if
	// (execution_id, task_type) already exists.
	Insert(ctx context.Context, t *Task) (*Task, error)

	// CASUpdate performs the atomic find-and-update described in spec
	// §4.1: predicate is {_id, update_marker, terminal-fields-zero} ∪
	// query. set is applied verbatim — the caller (the Engine) is
	// responsible for including the fresh update_marker and
	// time.updated in it, so that the same marker value used to build
	// the ambiguity-cache key is the one actually written. Returns the
	// post-image, or (nil, nil) if no document matched the predicate —
	// callers translate a nil match into the transition-specific
	// sentinel error.
	CASUpdate(ctx context.Context, id primitive.ObjectID, marker string, query casQuery, set casSet) (*Task, error)

	// Get fetches a task by ID, or ErrNotFound.
	Get(ctx context.Context, id primitive.ObjectID) (*Task, error)

	// GetByExecution fetches the task with the given execution_id and
	// task_type, or ErrNotFound. Used by CancelPlaybookPluginTask's
	// get_executing_task (spec §4.4).
	GetByExecution(ctx context.Context, executionID string, taskType TaskType) (*Task, error)

	// FindNextEligible runs the watcher's selection query (spec §4.3):
	// predicate time.started==0 ∧ not-terminal ∧ time.bounced<=now, sorted
	// bounced DESC, time.bounced ASC, time.created ASC, limit 1. Returns
	// (nil, nil) when nothing is eligible.
	FindNextEligible(ctx context.Context, now int64) (*Task, error)

	// EnsureIndexes idempotently creates the indexes from spec §4.5.
	EnsureIndexes(ctx context.Context) error

	// CountTTLBacklog counts terminal tasks whose remove_at is set but
	// still in the future relative to now — i.e. documents the TTL
	// index (spec §4.5) hasn't swept yet. Fed into the TTLBacklog gauge
	// by a periodic sampler (SPEC_FULL §2 observability).
	CountTTLBacklog(ctx context.Context, now int64) (int64, error)
}
