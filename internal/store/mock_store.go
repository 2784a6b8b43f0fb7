// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject persistence failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	agents   map[string]*Agent // keyed by agent ID
	tasks    map[string]*Task  // keyed by task ID
	messages []*Message        // append-only

	// Upserts counts UpsertAgent calls per agent ID.
	Upserts map[string]int

	// SaveMessageErr, when set, is returned by SaveMessage without storing.
	SaveMessageErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:  make(map[string]*Agent),
		tasks:   make(map[string]*Task),
		Upserts: make(map[string]int),
	}
}

// UpsertAgent stores a copy of the agent, replacing any previous row.
func (m *MockStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := m.agents[agent.ID]; ok {
		agent.CreatedAt = existing.CreatedAt
	} else if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	a := *agent
	a.Skills = append([]string(nil), agent.Skills...)
	m.agents[a.ID] = &a
	m.Upserts[a.ID]++
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// ListAgents returns all agents ordered by name.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		copied := *a
		agents = append(agents, &copied)
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].Name != agents[j].Name {
			return agents[i].Name < agents[j].Name
		}
		return agents[i].ID < agents[j].ID
	})
	return agents, nil
}

// UpdateAgentStatus sets status and load for an existing agent.
func (m *MockStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus, load int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	a.Load = load
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// UpsertTask stores a copy of the task, replacing any previous row.
func (m *MockStore) UpsertTask(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := m.tasks[task.ID]; ok {
		task.CreatedAt = existing.CreatedAt
	} else if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = TaskStatusTodo
	}

	t := *task
	t.AssigneeIDs = append([]string(nil), task.AssigneeIDs...)
	m.tasks[t.ID] = &t
	return nil
}

// GetTask retrieves a task by ID.
func (m *MockStore) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *t
	return &result, nil
}

// ListTasksByStatus returns tasks in the given status, oldest first.
func (m *MockStore) ListTasksByStatus(ctx context.Context, status TaskStatus, limit int) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tasks []*Task
	for _, t := range m.tasks {
		if t.Status == status {
			copied := *t
			tasks = append(tasks, &copied)
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// ResetStaleTasks moves stale in_progress tasks back to todo.
func (m *MockStore) ResetStaleTasks(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, t := range m.tasks {
		if t.Status == TaskStatusInProgress && !t.Delegated && t.UpdatedAt.Before(olderThan) {
			t.Status = TaskStatusTodo
			t.AssignedToID = ""
			t.UpdatedAt = time.Now().UTC()
			count++
		}
	}
	return count, nil
}

// SaveMessage appends a message.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveMessageErr != nil {
		return m.SaveMessageErr
	}
	if msg.Type == "" {
		msg.Type = MessageTypeChat
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	copied := *msg
	m.messages = append(m.messages, &copied)
	return nil
}

// ListMessages returns the most recent messages to or from an agent, oldest first.
func (m *MockStore) ListMessages(ctx context.Context, agentID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var matched []*Message
	for _, msg := range m.messages {
		if msg.FromID == agentID || msg.ToID == agentID {
			copied := *msg
			matched = append(matched, &copied)
		}
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

// AgentCount returns the number of distinct persisted agents.
func (m *MockStore) AgentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface check
var _ Store = (*MockStore)(nil)
var _ Store = (*SQLiteStore)(nil)
