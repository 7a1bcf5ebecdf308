// Package collaborators implements the foreign-type contracts the task
// state machine calls into from its subtype hooks (spec §4.4, §6):
// Execution, server lock release, and playbook-configuration locking.
// The core task queue treats these as external collaborators it never
// owns transactionally — every operation here must be safe to repeat.
package collaborators

import "context"

// ExecutionState mirrors the Execution model's state field (spec §6).
type ExecutionState string

const (
	ExecutionCreated   ExecutionState = "CREATED"
	ExecutionStarted   ExecutionState = "STARTED"
	ExecutionCompleted ExecutionState = "COMPLETED"
	ExecutionCanceled  ExecutionState = "CANCELED"
	ExecutionFailed    ExecutionState = "FAILED"
)

// Execution is the higher-level record a PlaybookPluginTask mirrors its
// lifecycle into (spec GLOSSARY, §6).
type Execution struct {
	ID      string
	State   ExecutionState
	Servers []string
}

// ExecutionStore is the contract PlaybookHooks calls to read and persist
// Execution state transitions.
type ExecutionStore interface {
	Get(ctx context.Context, id string) (*Execution, error)
	Save(ctx context.Context, e *Execution) error
}

// ServerLocker releases server locks. UnlockServers must be a no-op for
// servers that are already unlocked (spec §8 round-trip property).
type ServerLocker interface {
	UnlockServers(ctx context.Context, serverIDs []string) error
}

// PlaybookConfiguration is the `{_id, model_id, locked}` document from
// spec §6.
type PlaybookConfiguration struct {
	ID      string
	ModelID string
	Locked  bool
}

// PlaybookConfigStore is the contract PlaybookHooks calls to toggle the
// `locked` flag on one configuration, or clear it across every
// configuration sharing a model_id (spec §4.4 complete hook).
type PlaybookConfigStore interface {
	GetConfig(ctx context.Context, id string) (*PlaybookConfiguration, error)
	SetLocked(ctx context.Context, id string, locked bool) error
	ClearLockedForModel(ctx context.Context, modelID string) error
}
