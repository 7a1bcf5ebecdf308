// Package taskqueue implements a persistent task queue with
// compare-and-swap state transitions, backed by MongoDB. It is the core
// described in the project specification: typed task documents, a CAS
// update engine, a bounce-aware fairness scheduler (Watcher), and
// per-subtype lifecycle hooks.
package taskqueue

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TaskType tags which payload shape and lifecycle-hook table a Task uses.
// It is the Go equivalent of subtype polymorphism over a common record:
// no inheritance, just a tag that selects behavior (spec §9).
type TaskType string

const (
	TaskTypePlaybook        TaskType = "PLAYBOOK"
	TaskTypeCancel          TaskType = "CANCEL"
	TaskTypeServerDiscovery TaskType = "SERVER_DISCOVERY"
)

// TaskTime holds the UNIX-second timestamps from spec §3. Zero means
// "not yet"; Bounced is the exception — it is a *future* timestamp once
// set, used by the watcher's eligibility predicate.
type TaskTime struct {
	Created   int64 `bson:"created"`
	Updated   int64 `bson:"updated"`
	Started   int64 `bson:"started"`
	Completed int64 `bson:"completed"`
	Cancelled int64 `bson:"cancelled"`
	Failed    int64 `bson:"failed"`
	Bounced   int64 `bson:"bounced"`
}

// Executor records which worker last claimed the task. Informational only
// — see spec §5 on the absence of lease renewal.
type Executor struct {
	Host string `bson:"host"`
	PID  int    `bson:"pid"`
}

// Task is the typed view of a persisted task document (spec §3).
type Task struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	TaskType     TaskType           `bson:"task_type"`
	ExecutionID  string             `bson:"execution_id"`
	Time         TaskTime           `bson:"time"`
	UpdateMarker string             `bson:"update_marker"`
	Bounced      int                `bson:"bounced"`
	Executor     Executor           `bson:"executor"`
	Error        string             `bson:"error"`
	Data         bson.M             `bson:"data"`
	RemoveAt     int64              `bson:"remove_at,omitempty"`
}

// IsTerminal reports whether the task has reached any of the three
// terminal states. Invariant 1 (spec §3) guarantees at most one of the
// three fields is non-zero.
func (t *Task) IsTerminal() bool {
	return t.Time.Completed != 0 || t.Time.Cancelled != 0 || t.Time.Failed != 0
}

// String gives a log-friendly identity, mirroring the original's
// `"{id} (execution_id: {execution_id})"`.
func (t *Task) String() string {
	return fmt.Sprintf("%s (execution_id: %s)", t.ID.Hex(), t.ExecutionID)
}

// ServerDiscoveryData is the data payload for TaskTypeServerDiscovery.
type ServerDiscoveryData struct {
	ID       string `bson:"id"`
	Host     string `bson:"host"`
	Username string `bson:"username"`
}

// PlaybookPluginData is the data payload for TaskTypePlaybook.
type PlaybookPluginData struct {
	PlaybookID              string `bson:"playbook_id"`
	PlaybookConfigurationID string `bson:"playbook_configuration_id"`
}

// ServerDiscoveryDataFields decodes the task's data payload. Returns an error if
// TaskType isn't TaskTypeServerDiscovery.
func (t *Task) ServerDiscoveryDataFields() (ServerDiscoveryData, error) {
	var d ServerDiscoveryData
	if t.TaskType != TaskTypeServerDiscovery {
		return d, fmt.Errorf("taskqueue: task %s is not a server discovery task", t.ID.Hex())
	}
	if err := decodeData(t.Data, &d); err != nil {
		return d, err
	}
	return d, nil
}

// PlaybookPluginDataFields decodes the task's data payload. Returns an
// error if TaskType isn't TaskTypePlaybook.
func (t *Task) PlaybookPluginDataFields() (PlaybookPluginData, error) {
	var d PlaybookPluginData
	if t.TaskType != TaskTypePlaybook {
		return d, fmt.Errorf("taskqueue: task %s is not a playbook task", t.ID.Hex())
	}
	if err := decodeData(t.Data, &d); err != nil {
		return d, err
	}
	return d, nil
}

func decodeData(m bson.M, out interface{}) error {
	raw, err := bson.Marshal(m)
	if err != nil {
		return fmt.Errorf("taskqueue: encode data payload: %w", err)
	}
	if err := bson.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("taskqueue: decode data payload: %w", err)
	}
	return nil
}

// newServerDiscoveryTask builds the unsaved document for a server
// discovery task (spec §3 subtypes). Call Store.Insert to persist it.
func newServerDiscoveryTask(id, host, username, executionID string) *Task {
	return &Task{
		TaskType:    TaskTypeServerDiscovery,
		ExecutionID: executionID,
		Data: bson.M{
			"id":       id,
			"host":     host,
			"username": username,
		},
	}
}

// newPlaybookPluginTask builds the unsaved document for a playbook task.
func newPlaybookPluginTask(playbookID, configID, executionID string) *Task {
	return &Task{
		TaskType:    TaskTypePlaybook,
		ExecutionID: executionID,
		Data: bson.M{
			"playbook_id":               playbookID,
			"playbook_configuration_id": configID,
		},
	}
}

// newCancelPlaybookPluginTask builds the unsaved document for a task that
// cancels the playbook task sharing its execution_id.
func newCancelPlaybookPluginTask(executionID string) *Task {
	return &Task{
		TaskType:    TaskTypeCancel,
		ExecutionID: executionID,
		Data:        bson.M{},
	}
}
