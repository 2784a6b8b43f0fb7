// ABOUTME: Typed lifecycle events emitted by bridges, the directory, relay and health monitor
// ABOUTME: Event is a closed set of pointer structs; Marshal renders the {"type","data"} feed shape

package events

import (
	"encoding/json"
	"time"

	"github.com/2389/hive/internal/store"
)

// Event kinds as observed on the fleet feed.
const (
	KindAgentRegistered    = "agent:registered"
	KindAgentUnregistered  = "agent:unregistered"
	KindAgentStatus        = "agent:status"
	KindTaskStart          = "task:start"
	KindTaskProgress       = "task:progress"
	KindTaskActivity       = "task:activity"
	KindTaskComplete       = "task:complete"
	KindTaskFail           = "task:fail"
	KindTaskDelegated      = "task:delegated"
	KindTaskAssigned       = "task:assigned"
	KindAgentMessage       = "agent:message"
	KindChatReply          = "chat:reply"
	KindMessageDelivered   = "message:delivered"
	KindAgentHealth        = "agent:health"
	KindAgentAlert         = "agent:alert"
	KindAgentRestarted     = "agent:restarted"
	KindAgentRestartFailed = "agent:restart_failed"
)

// Alert severities.
const (
	SeverityHigh = "high"
)

// Header is common to every event.
type Header struct {
	AgentID string    `json:"agentId,omitempty"`
	At      time.Time `json:"at"`
}

func (h *Header) header() *Header { return h }

// Event is implemented only by the types in this package.
type Event interface {
	Kind() string
	header() *Header
}

// AgentRegistered is emitted the first time an agent id joins the directory.
type AgentRegistered struct {
	Header
	Name     string   `json:"name"`
	Role     string   `json:"role,omitempty"`
	Category string   `json:"category,omitempty"`
	Skills   []string `json:"skills,omitempty"`
}

// AgentUnregistered is emitted when an agent is removed from the directory.
type AgentUnregistered struct {
	Header
}

// AgentStatusChanged follows every status write on a bridge.
type AgentStatusChanged struct {
	Header
	Previous store.AgentStatus `json:"previous,omitempty"`
	Status   store.AgentStatus `json:"status"`
	Load     int               `json:"load"`
}

// TaskStarted is emitted when a bridge sends execute_task.
type TaskStarted struct {
	Header
	TaskID string `json:"taskId"`
	Title  string `json:"title,omitempty"`
}

// TaskProgress carries a worker progress_update verbatim.
type TaskProgress struct {
	Header
	TaskID  string          `json:"taskId,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// TaskActivity carries a worker activity_log verbatim.
type TaskActivity struct {
	Header
	TaskID  string          `json:"taskId,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// TaskCompleted is emitted when a task reaches completed.
type TaskCompleted struct {
	Header
	TaskID     string          `json:"taskId"`
	DurationMs int64           `json:"durationMs"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// TaskFailed is emitted when a task reaches failed.
type TaskFailed struct {
	Header
	TaskID string `json:"taskId"`
	Error  string `json:"error"`
}

// TaskDelegated is emitted when a worker answers a task with a delegation marker.
// The task stays in_progress.
type TaskDelegated struct {
	Header
	TaskID string          `json:"taskId"`
	Marker json.RawMessage `json:"marker"`
}

// TaskAssigned is emitted when a worker hands a subtask to another agent.
type TaskAssigned struct {
	Header
	TaskID       string `json:"taskId"`
	ToAgentID    string `json:"toAgentId"`
	ParentTaskID string `json:"parentTaskId,omitempty"`
}

// AgentMessage carries an unsolicited agent_message from a worker.
type AgentMessage struct {
	Header
	Payload json.RawMessage `json:"payload"`
}

// ChatReply is emitted when a chat turn resolves.
type ChatReply struct {
	Header
	TaskID    string          `json:"taskId,omitempty"`
	ContextID string          `json:"contextId,omitempty"`
	Reply     json.RawMessage `json:"reply"`
}

// MessageDelivered is emitted after the relay hands a message to a local handler.
type MessageDelivered struct {
	Header
	FromID    string `json:"fromId"`
	ToID      string `json:"toId"`
	Type      string `json:"type"`
	Transport string `json:"transport"`
}

// AgentHealth reports a liveness transition.
type AgentHealth struct {
	Header
	Healthy bool              `json:"healthy"`
	Status  store.AgentStatus `json:"status"`
	Crashes int               `json:"crashes,omitempty"`
}

// AgentAlert requires operator intervention.
type AgentAlert struct {
	Header
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Crashes  int    `json:"crashes"`
}

// AgentRestarted is emitted after a successful automatic restart.
type AgentRestarted struct {
	Header
	Attempt int `json:"attempt"`
}

// AgentRestartFailed is emitted when an automatic restart could not spawn the worker.
type AgentRestartFailed struct {
	Header
	Attempt int    `json:"attempt"`
	Error   string `json:"error"`
}

func (*AgentRegistered) Kind() string    { return KindAgentRegistered }
func (*AgentUnregistered) Kind() string  { return KindAgentUnregistered }
func (*AgentStatusChanged) Kind() string { return KindAgentStatus }
func (*TaskStarted) Kind() string        { return KindTaskStart }
func (*TaskProgress) Kind() string       { return KindTaskProgress }
func (*TaskActivity) Kind() string       { return KindTaskActivity }
func (*TaskCompleted) Kind() string      { return KindTaskComplete }
func (*TaskFailed) Kind() string         { return KindTaskFail }
func (*TaskDelegated) Kind() string      { return KindTaskDelegated }
func (*TaskAssigned) Kind() string       { return KindTaskAssigned }
func (*AgentMessage) Kind() string       { return KindAgentMessage }
func (*ChatReply) Kind() string          { return KindChatReply }
func (*MessageDelivered) Kind() string   { return KindMessageDelivered }
func (*AgentHealth) Kind() string        { return KindAgentHealth }
func (*AgentAlert) Kind() string         { return KindAgentAlert }
func (*AgentRestarted) Kind() string     { return KindAgentRestarted }
func (*AgentRestartFailed) Kind() string { return KindAgentRestartFailed }

// AgentOf returns the agent id carried in the event header.
func AgentOf(ev Event) string {
	return ev.header().AgentID
}

// Stamp fills an empty agent id and timestamp. Existing values are kept.
func Stamp(ev Event, agentID string) Event {
	h := ev.header()
	if h.AgentID == "" {
		h.AgentID = agentID
	}
	if h.At.IsZero() {
		h.At = time.Now().UTC()
	}
	return ev
}

type envelope struct {
	Type string `json:"type"`
	Data Event  `json:"data"`
}

// Marshal renders an event as {"type": kind, "data": event}.
func Marshal(ev Event) ([]byte, error) {
	return json.Marshal(envelope{Type: ev.Kind(), Data: ev})
}
