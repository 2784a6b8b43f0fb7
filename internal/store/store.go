// ABOUTME: Store interface and data types for hive persistence
// ABOUTME: Defines Agent, Task, Message rows and the Store interface the supervisor writes through

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// AgentStatus is the lifecycle state of a supervised agent.
type AgentStatus string

// Agent statuses. Offline is reserved for agents whose bridge was shut down on purpose.
const (
	AgentStatusIdle     AgentStatus = "idle"
	AgentStatusBusy     AgentStatus = "busy"
	AgentStatusThinking AgentStatus = "thinking"
	AgentStatusError    AgentStatus = "error"
	AgentStatusOffline  AgentStatus = "offline"
)

// Valid reports whether s is one of the known agent statuses.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusBusy, AgentStatusThinking, AgentStatusError, AgentStatusOffline:
		return true
	}
	return false
}

// Load is the derived load for a status: busy and thinking agents are fully loaded.
func (s AgentStatus) Load() int {
	if s == AgentStatusBusy || s == AgentStatusThinking {
		return 100
	}
	return 0
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Task statuses. Completed and failed are terminal.
const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// MessageType constants for relayed messages
const (
	MessageTypeChat      = "chat"       // Agent or user conversation
	MessageTypeSystem    = "system"     // Broadcasts and supervisor notices
	MessageTypeTaskEvent = "task-event" // Delegated task completion notices
)

// AgentStats are the running counters kept by an agent's bridge.
type AgentStats struct {
	TasksCompleted    int     `json:"tasksCompleted"`
	TasksFailed       int     `json:"tasksFailed"`
	AverageDurationMs float64 `json:"averageDurationMs"`
}

// Agent is the persisted metadata for a supervised agent.
// Emoji and Color are opaque display metadata for the dashboard.
type Agent struct {
	ID        string
	Name      string
	Role      string
	Emoji     string
	Color     string
	Category  string
	Status    AgentStatus
	Load      int
	Skills    []string
	Stats     AgentStats
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Task is a unit of work assigned to one or more agents. Delegated is set
// while the task waits on work handed to another agent; ResetStaleTasks never
// touches delegated tasks.
type Task struct {
	ID            string          `json:"id"`
	Title         string          `json:"title,omitempty"`
	Type          string          `json:"type,omitempty"`
	Description   string          `json:"description,omitempty"`
	Requirements  json.RawMessage `json:"requirements,omitempty"`
	Status        TaskStatus      `json:"status,omitempty"`
	AssignedToID  string          `json:"assignedToId,omitempty"`
	AssigneeIDs   []string        `json:"assigneeIds,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	DurationMs    int64           `json:"durationMs,omitempty"`
	ParentTaskID  string          `json:"parentTaskId,omitempty"`
	ParentAgentID string          `json:"parentAgentId,omitempty"`
	Delegated     bool            `json:"delegated,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// LeadAgentID returns the agent responsible for executing the task: the first
// listed assignee, falling back to AssignedToID.
func (t *Task) LeadAgentID() string {
	if len(t.AssigneeIDs) > 0 {
		return t.AssigneeIDs[0]
	}
	return t.AssignedToID
}

// Message is an append-only record of a relayed message.
type Message struct {
	ID        string
	FromID    string
	ToID      string
	Content   string
	Type      string // "chat", "system", "task-event" (defaults to "chat")
	CreatedAt time.Time
}

// AgentStore persists agent metadata. Upserts never create duplicate rows.
type AgentStore interface {
	UpsertAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, status AgentStatus, load int) error
}

// TaskStore persists tasks and their status transitions.
type TaskStore interface {
	UpsertTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasksByStatus(ctx context.Context, status TaskStatus, limit int) ([]*Task, error)
	ResetStaleTasks(ctx context.Context, olderThan time.Time) (int, error)
}

// MessageStore appends relayed messages for audit/history.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, agentID string, limit int) ([]*Message, error)
}

// Store defines the full persistence surface used by the supervisor
type Store interface {
	AgentStore
	TaskStore
	MessageStore

	// Close releases any resources held by the store
	Close() error
}
