package collaborators

import (
	"context"
	"fmt"
	"sync"
)

// MemoryCollaborators is an in-process fake satisfying ExecutionStore,
// ServerLocker, and PlaybookConfigStore, used by taskqueue's hook tests.
type MemoryCollaborators struct {
	mu           sync.Mutex
	executions   map[string]*Execution
	locked       map[string]bool
	configs      map[string]*PlaybookConfiguration
	UnlockCalls  int // counts UnlockServers invocations, for idempotency assertions
}

func NewMemoryCollaborators() *MemoryCollaborators {
	return &MemoryCollaborators{
		executions: make(map[string]*Execution),
		locked:     make(map[string]bool),
		configs:    make(map[string]*PlaybookConfiguration),
	}
}

func (m *MemoryCollaborators) SeedExecution(e *Execution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[e.ID] = e
}

func (m *MemoryCollaborators) SeedConfig(c *PlaybookConfiguration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[c.ID] = c
}

func (m *MemoryCollaborators) SeedServerLock(serverID string, locked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked[serverID] = locked
}

func (m *MemoryCollaborators) IsServerLocked(serverID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked[serverID]
}

func (m *MemoryCollaborators) Get(_ context.Context, id string) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("collaborators: execution %s not found", id)
	}
	out := *e
	return &out, nil
}

func (m *MemoryCollaborators) Save(_ context.Context, e *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := *e
	m.executions[e.ID] = &out
	return nil
}

func (m *MemoryCollaborators) UnlockServers(_ context.Context, serverIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UnlockCalls++
	for _, id := range serverIDs {
		m.locked[id] = false
	}
	return nil
}

func (m *MemoryCollaborators) GetConfig(_ context.Context, id string) (*PlaybookConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[id]
	if !ok {
		return nil, fmt.Errorf("collaborators: playbook configuration %s not found", id)
	}
	out := *c
	return &out, nil
}

func (m *MemoryCollaborators) SetLocked(_ context.Context, id string, locked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[id]
	if !ok {
		return fmt.Errorf("collaborators: playbook configuration %s not found", id)
	}
	c.Locked = locked
	return nil
}

func (m *MemoryCollaborators) ClearLockedForModel(_ context.Context, modelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.configs {
		if c.ModelID == modelID {
			c.Locked = false
		}
	}
	return nil
}
