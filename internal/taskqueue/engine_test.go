package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fixedClock struct{ t int64 }

func (f *fixedClock) NowUnix() int64 { return f.t }

const pinnedNow = 1_700_000_000

func newTestEngine(clock Clock, ttl time.Duration) (*Engine, *MemoryStore) {
	store := NewMemoryStore()
	return NewEngine(store, clock, ttl), store
}

// Scenario 1: create + start + complete happy path.
func TestCreateStartComplete_HappyPath(t *testing.T) {
	clock := &fixedClock{t: pinnedNow}
	ttl := 3600 * time.Second
	engine, _ := newTestEngine(clock, ttl)
	ctx := context.Background()

	task, err := engine.CreatePlaybookPluginTask(ctx, "pb1", "cfg1", "exec1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Time.Created != pinnedNow || task.Time.Updated != pinnedNow {
		t.Fatalf("expected created/updated=%d, got created=%d updated=%d", pinnedNow, task.Time.Created, task.Time.Updated)
	}

	started, err := engine.Start(ctx, task)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Time.Started != pinnedNow {
		t.Fatalf("expected time.started=%d, got %d", pinnedNow, started.Time.Started)
	}

	completed, err := engine.Complete(ctx, started)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Time.Completed != pinnedNow {
		t.Fatalf("expected time.completed=%d, got %d", pinnedNow, completed.Time.Completed)
	}
	if want := pinnedNow + int64(ttl.Seconds()); completed.RemoveAt != want {
		t.Fatalf("expected remove_at=%d, got %d", want, completed.RemoveAt)
	}
}

// Scenario 2: two workers race to start the same task from the same
// observed marker; exactly one wins.
func TestStart_DoubleStartLoses(t *testing.T) {
	clock := &fixedClock{t: pinnedNow}
	engine, _ := newTestEngine(clock, time.Hour)
	ctx := context.Background()

	task, err := engine.CreatePlaybookPluginTask(ctx, "pb1", "cfg1", "exec1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Both workers observed the same pre-start document.
	workerA := *task
	workerB := *task

	winner, errA := engine.Start(ctx, &workerA)
	_, errB := engine.Start(ctx, &workerB)

	if errA != nil {
		t.Fatalf("expected worker A to win, got error: %v", errA)
	}
	if errB == nil {
		t.Fatalf("expected worker B to lose with CannotStart")
	}
	if !errors.Is(errB, ErrCannotStart) {
		t.Fatalf("expected ErrCannotStart, got %v", errB)
	}
	if winner.Time.Started != pinnedNow {
		t.Fatalf("winner should have time.started set")
	}
}

// Scenario 3: bounce then start timing.
func TestBounce_ThenWatcherTiming(t *testing.T) {
	clock := &fixedClock{t: pinnedNow}
	engine, store := newTestEngine(clock, time.Hour)
	ctx := context.Background()

	task, err := engine.CreateServerDiscoveryTask(ctx, "srv1", "host1", "user1", "exec1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	task.Bounced = 2 // simulate a task that has already bounced twice

	bounced, err := engine.Bounce(ctx, task)
	if err != nil {
		t.Fatalf("bounce: %v", err)
	}
	if bounced.Bounced != 3 {
		t.Fatalf("expected bounced counter=3, got %d", bounced.Bounced)
	}
	low, high := int64(pinnedNow+5), int64(pinnedNow+5+2*5)
	if bounced.Time.Bounced < low || bounced.Time.Bounced > high {
		t.Fatalf("expected time.bounced in [%d, %d], got %d", low, high, bounced.Time.Bounced)
	}

	early, err := store.FindNextEligible(ctx, pinnedNow+4)
	if err != nil {
		t.Fatalf("find (early): %v", err)
	}
	if early != nil {
		t.Fatalf("expected no eligible task before bounce window, got %v", early)
	}

	late, err := store.FindNextEligible(ctx, pinnedNow+20)
	if err != nil {
		t.Fatalf("find (late): %v", err)
	}
	if late == nil {
		t.Fatalf("expected the bounced task to be eligible once time.bounced has passed")
	}
}

// Scenario 4: complete without start is rejected, document unchanged.
func TestComplete_WithoutStartRejected(t *testing.T) {
	clock := &fixedClock{t: pinnedNow}
	engine, _ := newTestEngine(clock, time.Hour)
	ctx := context.Background()

	task, err := engine.CreatePlaybookPluginTask(ctx, "pb1", "cfg1", "exec1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = engine.Complete(ctx, task)
	if !errors.Is(err, ErrCannotComplete) {
		t.Fatalf("expected ErrCannotComplete, got %v", err)
	}

	refreshed, err := engine.Refresh(ctx, task)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.Time.Completed != 0 || refreshed.UpdateMarker != task.UpdateMarker {
		t.Fatalf("expected document unchanged after rejected complete")
	}
}

// Scenario 5: unique constraint on (execution_id, task_type).
func TestCreate_UniqueConstraint(t *testing.T) {
	clock := &fixedClock{t: pinnedNow}
	engine, _ := newTestEngine(clock, time.Hour)
	ctx := context.Background()

	if _, err := engine.CreatePlaybookPluginTask(ctx, "pb1", "cfg1", "exec1"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := engine.CreatePlaybookPluginTask(ctx, "pb1", "cfg1", "exec1")
	if !errors.Is(err, ErrUniqueConstraint) {
		t.Fatalf("expected ErrUniqueConstraint, got %v", err)
	}
}

// Scenario 6: watcher ordering — bounced DESC, time.bounced ASC, time.created ASC.
func TestFindNextEligible_Ordering(t *testing.T) {
	clock := &fixedClock{t: pinnedNow}
	_, store := newTestEngine(clock, time.Hour)
	ctx := context.Background()

	a := &Task{TaskType: TaskTypeServerDiscovery, ExecutionID: "a", Data: map[string]interface{}{}}
	a.Time.Created = 10
	b := &Task{TaskType: TaskTypeServerDiscovery, ExecutionID: "b", Data: map[string]interface{}{}}
	b.Bounced = 1
	b.Time.Bounced = 50
	c := &Task{TaskType: TaskTypeServerDiscovery, ExecutionID: "c", Data: map[string]interface{}{}}
	c.Bounced = 1
	c.Time.Bounced = 40

	for _, task := range []*Task{a, b, c} {
		if _, err := store.Insert(ctx, task); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	var order []string
	now := int64(100)
	for i := 0; i < 3; i++ {
		next, err := store.FindNextEligible(ctx, now)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if next == nil {
			t.Fatalf("expected a candidate at step %d", i)
		}
		order = append(order, next.ExecutionID)
		// Mark it started so it drops out of the eligible set, mirroring
		// what a real consumer does between polls.
		if _, err := store.CASUpdate(ctx, next.ID, next.UpdateMarker, casQuery{"time.started": int64(0)}, casSet{"time.started": now, "update_marker": newUpdateMarker(), "time.updated": now}); err != nil {
			t.Fatalf("cas start: %v", err)
		}
	}

	want := []string{"c", "b", "a"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

// Invariant 1: at most one terminal field may be non-zero.
func TestInvariant_SingleTerminalField(t *testing.T) {
	clock := &fixedClock{t: pinnedNow}
	engine, _ := newTestEngine(clock, time.Hour)
	ctx := context.Background()

	task, _ := engine.CreatePlaybookPluginTask(ctx, "pb1", "cfg1", "exec1")
	task, _ = engine.Start(ctx, task)
	completed, err := engine.Complete(ctx, task)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !completed.IsTerminal() {
		t.Fatalf("expected task to be terminal")
	}

	// A further cancel must be rejected; terminal-zero guard is universal.
	if _, err := engine.Cancel(ctx, completed); !errors.Is(err, ErrCannotCancel) {
		t.Fatalf("expected ErrCannotCancel on already-terminal task, got %v", err)
	}
}

// Cancel from CREATED is explicitly allowed (spec §9 open question,
// resolved to preserve the original's permissive behavior).
func TestCancel_FromCreated(t *testing.T) {
	clock := &fixedClock{t: pinnedNow}
	engine, _ := newTestEngine(clock, time.Hour)
	ctx := context.Background()

	task, _ := engine.CreateServerDiscoveryTask(ctx, "srv1", "host1", "user1", "exec1")
	cancelled, err := engine.Cancel(ctx, task)
	if err != nil {
		t.Fatalf("expected cancel from CREATED to succeed, got %v", err)
	}
	if cancelled.Time.Cancelled != pinnedNow {
		t.Fatalf("expected time.cancelled=%d, got %d", pinnedNow, cancelled.Time.Cancelled)
	}
}

// Every successful transition rotates update_marker (invariant 2).
func TestInvariant_MarkerRotatesOnEverySuccessfulTransition(t *testing.T) {
	clock := &fixedClock{t: pinnedNow}
	engine, _ := newTestEngine(clock, time.Hour)
	ctx := context.Background()

	task, _ := engine.CreatePlaybookPluginTask(ctx, "pb1", "cfg1", "exec1")
	before := task.UpdateMarker
	started, err := engine.Start(ctx, task)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.UpdateMarker == before {
		t.Fatalf("expected update_marker to rotate on start")
	}
}
