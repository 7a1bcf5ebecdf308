package taskqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryStore implements Store with identical CAS/predicate semantics to
// MongoStore, for deterministic tests (SPEC_FULL §8) without a live
// MongoDB deployment.
type MemoryStore struct {
	mu      sync.Mutex
	tasks   map[primitive.ObjectID]*Task
	uniqIdx map[string]primitive.ObjectID // execution_id|task_type -> id
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[primitive.ObjectID]*Task),
		uniqIdx: make(map[string]primitive.ObjectID),
	}
}

func uniqKey(executionID string, taskType TaskType) string {
	return executionID + "|" + string(taskType)
}

func (s *MemoryStore) Insert(_ context.Context, t *Task) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := uniqKey(t.ExecutionID, t.TaskType)
	if _, exists := s.uniqIdx[key]; exists {
		return nil, fmt.Errorf("%w: execution_id=%s task_type=%s", ErrUniqueConstraint, t.ExecutionID, t.TaskType)
	}

	clone := *t
	clone.ID = primitive.NewObjectID()
	clone.Data = cloneData(t.Data)
	s.tasks[clone.ID] = &clone
	s.uniqIdx[key] = clone.ID

	out := clone
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, id primitive.ObjectID) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *t
	out.Data = cloneData(t.Data)
	return &out, nil
}

func (s *MemoryStore) GetByExecution(_ context.Context, executionID string, taskType TaskType) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.uniqIdx[uniqKey(executionID, taskType)]
	if !ok {
		return nil, ErrNotFound
	}
	t := s.tasks[id]
	out := *t
	out.Data = cloneData(t.Data)
	return &out, nil
}

func (s *MemoryStore) CASUpdate(_ context.Context, id primitive.ObjectID, marker string, query casQuery, set casSet) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	if t.UpdateMarker != marker {
		return nil, nil
	}
	if t.IsTerminal() {
		return nil, nil
	}
	if !matchesQuery(t, query) {
		return nil, nil
	}

	applySet(t, set)

	out := *t
	out.Data = cloneData(t.Data)
	return &out, nil
}

// FindNextEligible implements the watcher's selection query (spec §4.3):
// time.started==0 ∧ not terminal ∧ time.bounced<=now, sorted
// bounced DESC, time.bounced ASC, time.created ASC.
func (s *MemoryStore) FindNextEligible(_ context.Context, now int64) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Task
	for _, t := range s.tasks {
		if t.Time.Started != 0 || t.IsTerminal() {
			continue
		}
		if t.Time.Bounced > now {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Bounced != b.Bounced {
			return a.Bounced > b.Bounced
		}
		if a.Time.Bounced != b.Time.Bounced {
			return a.Time.Bounced < b.Time.Bounced
		}
		return a.Time.Created < b.Time.Created
	})
	out := *candidates[0]
	out.Data = cloneData(candidates[0].Data)
	return &out, nil
}

func (s *MemoryStore) EnsureIndexes(context.Context) error {
	return nil
}

func (s *MemoryStore) CountTTLBacklog(_ context.Context, now int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, t := range s.tasks {
		if t.RemoveAt != 0 && t.RemoveAt > now {
			n++
		}
	}
	return n, nil
}

func matchesQuery(t *Task, query casQuery) bool {
	for k, v := range query {
		switch want := v.(type) {
		case casNotZero:
			if fieldInt64(t, k) == 0 {
				return false
			}
		case int64:
			if fieldInt64(t, k) != want {
				return false
			}
		case string:
			if fieldString(t, k) != want {
				return false
			}
		case int:
			if fieldInt(t, k) != want {
				return false
			}
		}
	}
	return true
}

func applySet(t *Task, set casSet) {
	for k, v := range set {
		switch k {
		case "update_marker":
			t.UpdateMarker = v.(string)
		case "time.updated":
			t.Time.Updated = v.(int64)
		case "time.started":
			t.Time.Started = v.(int64)
		case "time.bounced":
			t.Time.Bounced = v.(int64)
		case "time.completed":
			t.Time.Completed = v.(int64)
		case "time.cancelled":
			t.Time.Cancelled = v.(int64)
		case "time.failed":
			t.Time.Failed = v.(int64)
		case "bounced":
			t.Bounced = v.(int)
		case "error":
			t.Error = v.(string)
		case "remove_at":
			t.RemoveAt = v.(int64)
		case "executor.host":
			t.Executor.Host = v.(string)
		case "executor.pid":
			t.Executor.PID = v.(int)
		}
	}
}

func fieldInt64(t *Task, k string) int64 {
	switch k {
	case "time.started":
		return t.Time.Started
	case "time.completed":
		return t.Time.Completed
	case "time.cancelled":
		return t.Time.Cancelled
	case "time.failed":
		return t.Time.Failed
	case "time.bounced":
		return t.Time.Bounced
	case "time.created":
		return t.Time.Created
	case "time.updated":
		return t.Time.Updated
	}
	return 0
}

func fieldString(t *Task, k string) string {
	switch k {
	case "executor.host":
		return t.Executor.Host
	case "error":
		return t.Error
	}
	return ""
}

func fieldInt(t *Task, k string) int {
	switch k {
	case "executor.pid":
		return t.Executor.PID
	case "bounced":
		return t.Bounced
	}
	return 0
}

func cloneData(m bson.M) bson.M {
	if m == nil {
		return nil
	}
	out := make(bson.M, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
