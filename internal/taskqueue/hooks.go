package taskqueue

import (
	"context"
	"log"

	"github.com/fleetctl/taskqueue/internal/collaborators"
)

// PlaybookHooks wraps Engine's base transitions with the PlaybookPluginTask
// side-effects from spec §4.4: mirroring execution state, toggling
// playbook-configuration locks, and releasing server locks. Side-effects
// run after the base CAS succeeds and are not transactional with it — a
// hook failure is logged and counted, never rolled back (spec §7).
type PlaybookHooks struct {
	engine     *Engine
	executions collaborators.ExecutionStore
	servers    collaborators.ServerLocker
	configs    collaborators.PlaybookConfigStore
}

// NewPlaybookHooks wires the base Engine against the three collaborator
// contracts from spec §6.
func NewPlaybookHooks(engine *Engine, executions collaborators.ExecutionStore, servers collaborators.ServerLocker, configs collaborators.PlaybookConfigStore) *PlaybookHooks {
	return &PlaybookHooks{engine: engine, executions: executions, servers: servers, configs: configs}
}

// Start runs the base start transition, then sets the execution state to
// STARTED and locks the named playbook configuration.
func (h *PlaybookHooks) Start(ctx context.Context, t *Task) (*Task, error) {
	updated, err := h.engine.Start(ctx, t)
	if err != nil {
		return nil, err
	}
	data, derr := updated.PlaybookPluginDataFields()
	if derr != nil {
		h.failHook("start", derr)
		return updated, nil
	}
	if err := h.setExecutionState(ctx, updated.ExecutionID, collaborators.ExecutionStarted); err != nil {
		h.failHook("start.execution_state", err)
	}
	if err := h.configs.SetLocked(ctx, data.PlaybookConfigurationID, true); err != nil {
		h.failHook("start.lock_config", err)
	}
	return updated, nil
}

// Complete runs the base complete transition, then marks the execution
// COMPLETED, releases every server lock the execution held, and clears
// the locked flag across every configuration sharing the same model_id.
func (h *PlaybookHooks) Complete(ctx context.Context, t *Task) (*Task, error) {
	updated, err := h.engine.Complete(ctx, t)
	if err != nil {
		return nil, err
	}
	h.finishPlaybook(ctx, updated, collaborators.ExecutionCompleted, true)
	return updated, nil
}

// Cancel runs the base cancel transition, then marks the execution
// CANCELED and releases server locks. The specific configuration keeps
// locked=true — its outcome is indeterminate (spec §4.4).
func (h *PlaybookHooks) Cancel(ctx context.Context, t *Task) (*Task, error) {
	updated, err := h.engine.Cancel(ctx, t)
	if err != nil {
		return nil, err
	}
	h.finishPlaybook(ctx, updated, collaborators.ExecutionCanceled, false)
	return updated, nil
}

// Fail runs the base fail transition, then marks the execution FAILED
// and releases server locks, keeping locked=true on the configuration.
func (h *PlaybookHooks) Fail(ctx context.Context, t *Task, msg string) (*Task, error) {
	updated, err := h.engine.Fail(ctx, t, msg)
	if err != nil {
		return nil, err
	}
	h.finishPlaybook(ctx, updated, collaborators.ExecutionFailed, false)
	return updated, nil
}

// finishPlaybook performs the shared tail of complete/cancel/fail: set
// execution state, unlock servers, and — only on completion — clear the
// locked flag across every sibling configuration. Re-running this after
// a crash between the base CAS and hook completion converges to the same
// result, since every step is idempotent.
func (h *PlaybookHooks) finishPlaybook(ctx context.Context, t *Task, state collaborators.ExecutionState, clearSiblingLocks bool) {
	if err := h.setExecutionState(ctx, t.ExecutionID, state); err != nil {
		h.failHook("finish.execution_state", err)
	}

	exec, err := h.executions.Get(ctx, t.ExecutionID)
	if err != nil {
		h.failHook("finish.lookup_execution", err)
	} else if err := h.servers.UnlockServers(ctx, exec.Servers); err != nil {
		h.failHook("finish.unlock_servers", err)
	}

	if !clearSiblingLocks {
		return
	}
	data, derr := t.PlaybookPluginDataFields()
	if derr != nil {
		h.failHook("finish.decode_data", derr)
		return
	}
	config, err := h.configs.GetConfig(ctx, data.PlaybookConfigurationID)
	if err != nil {
		h.failHook("finish.lookup_config", err)
		return
	}
	if err := h.configs.ClearLockedForModel(ctx, config.ModelID); err != nil {
		h.failHook("finish.clear_locks", err)
	}
}

func (h *PlaybookHooks) setExecutionState(ctx context.Context, executionID string, state collaborators.ExecutionState) error {
	exec, err := h.executions.Get(ctx, executionID)
	if err != nil {
		return err
	}
	exec.State = state
	return h.executions.Save(ctx, exec)
}

func (h *PlaybookHooks) failHook(hook string, err error) {
	HookFailures.WithLabelValues(hook).Inc()
	log.Printf("taskqueue: hook %s failed: %v", hook, err)
}

// GetExecutingTask returns the PLAYBOOK task sharing cancelTask's
// execution_id (spec §4.4's get_executing_task). The actual cancellation
// logic is performed by whichever worker owns that playbook task, not by
// this core.
func (e *Engine) GetExecutingTask(ctx context.Context, cancelTask *Task) (*Task, error) {
	return e.store.GetByExecution(ctx, cancelTask.ExecutionID, TaskTypePlaybook)
}
