package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/fleetctl/taskqueue/internal/collaborators"
)

func newTestHooks(clock Clock) (*Engine, *PlaybookHooks, *collaborators.MemoryCollaborators) {
	engine, _ := newTestEngine(clock, time.Hour)
	mem := collaborators.NewMemoryCollaborators()
	mem.SeedExecution(&collaborators.Execution{ID: "exec1", State: collaborators.ExecutionCreated, Servers: []string{"srv1", "srv2"}})
	mem.SeedConfig(&collaborators.PlaybookConfiguration{ID: "cfg1", ModelID: "model1"})
	mem.SeedServerLock("srv1", true)
	mem.SeedServerLock("srv2", true)
	return engine, NewPlaybookHooks(engine, mem, mem, mem), mem
}

func TestPlaybookHooks_StartLocksConfigAndSetsExecutionState(t *testing.T) {
	clock := &fixedClock{t: pinnedNow}
	engine, hooks, mem := newTestHooks(clock)
	ctx := context.Background()

	task, err := engine.CreatePlaybookPluginTask(ctx, "pb1", "cfg1", "exec1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	started, err := hooks.Start(ctx, task)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Time.Started != pinnedNow {
		t.Fatalf("expected base transition to apply")
	}

	exec, _ := mem.Get(ctx, "exec1")
	if exec.State != collaborators.ExecutionStarted {
		t.Fatalf("expected execution state STARTED, got %s", exec.State)
	}
	cfg, _ := mem.GetConfig(ctx, "cfg1")
	if !cfg.Locked {
		t.Fatalf("expected playbook configuration to be locked")
	}
}

func TestPlaybookHooks_CompleteUnlocksServersAndClearsSiblingLocks(t *testing.T) {
	clock := &fixedClock{t: pinnedNow}
	engine, hooks, mem := newTestHooks(clock)
	ctx := context.Background()
	mem.SeedConfig(&collaborators.PlaybookConfiguration{ID: "cfg2", ModelID: "model1", Locked: true})

	task, _ := engine.CreatePlaybookPluginTask(ctx, "pb1", "cfg1", "exec1")
	started, err := hooks.Start(ctx, task)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	completed, err := hooks.Complete(ctx, started)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Time.Completed != pinnedNow {
		t.Fatalf("expected base transition to apply")
	}

	exec, _ := mem.Get(ctx, "exec1")
	if exec.State != collaborators.ExecutionCompleted {
		t.Fatalf("expected execution state COMPLETED, got %s", exec.State)
	}
	if mem.IsServerLocked("srv1") || mem.IsServerLocked("srv2") {
		t.Fatalf("expected all execution servers to be unlocked")
	}
	cfg2, _ := mem.GetConfig(ctx, "cfg2")
	if cfg2.Locked {
		t.Fatalf("expected sibling configuration sharing model_id to be unlocked on complete")
	}
}

func TestPlaybookHooks_CancelKeepsConfigLocked(t *testing.T) {
	clock := &fixedClock{t: pinnedNow}
	engine, hooks, mem := newTestHooks(clock)
	ctx := context.Background()

	task, _ := engine.CreatePlaybookPluginTask(ctx, "pb1", "cfg1", "exec1")
	started, err := hooks.Start(ctx, task)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	cancelled, err := hooks.Cancel(ctx, started)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Time.Cancelled != pinnedNow {
		t.Fatalf("expected base transition to apply")
	}

	exec, _ := mem.Get(ctx, "exec1")
	if exec.State != collaborators.ExecutionCanceled {
		t.Fatalf("expected execution state CANCELED, got %s", exec.State)
	}
	if mem.IsServerLocked("srv1") {
		t.Fatalf("expected servers to be unlocked on cancel")
	}
	cfg, _ := mem.GetConfig(ctx, "cfg1")
	if !cfg.Locked {
		t.Fatalf("expected the specific configuration to remain locked after cancel (indeterminate outcome)")
	}
}

// UnlockServers must be safe to call again on already-unlocked servers
// (spec §8 round-trip property).
func TestUnlockServers_IdempotentOnAlreadyUnlocked(t *testing.T) {
	mem := collaborators.NewMemoryCollaborators()
	mem.SeedServerLock("srv1", false)
	ctx := context.Background()

	if err := mem.UnlockServers(ctx, []string{"srv1"}); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if mem.IsServerLocked("srv1") {
		t.Fatalf("expected srv1 to remain unlocked")
	}
	if err := mem.UnlockServers(ctx, []string{"srv1"}); err != nil {
		t.Fatalf("second unlock should be a no-op, got error: %v", err)
	}
}

// GetExecutingTask returns the PLAYBOOK task sharing a cancel task's
// execution_id (spec §4.4).
func TestEngine_GetExecutingTask(t *testing.T) {
	clock := &fixedClock{t: pinnedNow}
	engine, _ := newTestEngine(clock, time.Hour)
	ctx := context.Background()

	playbook, err := engine.CreatePlaybookPluginTask(ctx, "pb1", "cfg1", "exec1")
	if err != nil {
		t.Fatalf("create playbook: %v", err)
	}
	cancel, err := engine.CreateCancelPlaybookPluginTask(ctx, "exec1")
	if err != nil {
		t.Fatalf("create cancel: %v", err)
	}

	found, err := engine.GetExecutingTask(ctx, cancel)
	if err != nil {
		t.Fatalf("get executing task: %v", err)
	}
	if found.ID != playbook.ID {
		t.Fatalf("expected to find the playbook task sharing execution_id")
	}
}
