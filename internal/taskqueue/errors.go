package taskqueue

import "errors"

// Sentinel errors for transition rejections. A rejection means the CAS
// predicate for that transition did not match any document: either the
// marker is stale, the task is already terminal, or a precondition
// (e.g. time.started != 0) failed. Callers are expected to Refresh and
// decide, not blindly retry the same transition.
var (
	ErrCannotBounce      = errors.New("taskqueue: cannot bounce task")
	ErrCannotStart       = errors.New("taskqueue: cannot start task")
	ErrCannotComplete    = errors.New("taskqueue: cannot complete task")
	ErrCannotCancel      = errors.New("taskqueue: cannot cancel task")
	ErrCannotFail        = errors.New("taskqueue: cannot fail task")
	ErrCannotSetExecutor = errors.New("taskqueue: cannot set executor data")

	// ErrUniqueConstraint is returned by Create when (execution_id, task_type)
	// already exists.
	ErrUniqueConstraint = errors.New("taskqueue: execution_id/task_type already exists")

	// ErrInternalStore is returned once the bounded retry wrapper exhausts
	// its attempts against a transient store error, or on an unexpected
	// driver error that isn't worth retrying.
	ErrInternalStore = errors.New("taskqueue: internal store error")

	// ErrUnknownTaskType is returned when a persisted document's task_type
	// doesn't match any known subtype. Fatal for that document.
	ErrUnknownTaskType = errors.New("taskqueue: unknown task type")

	// ErrNotFound is returned by lookups that found no matching document.
	ErrNotFound = errors.New("taskqueue: task not found")
)
