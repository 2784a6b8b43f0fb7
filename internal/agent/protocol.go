// ABOUTME: Newline-delimited JSON envelopes exchanged with worker processes
// ABOUTME: Closed set of message kinds in both directions plus result classification helpers

package agent

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/2389/hive/internal/relay"
	"github.com/2389/hive/internal/store"
)

// Supervisor to worker.
const (
	msgExecuteTask   = "execute_task"
	msgHandleMessage = "handle_message"
	msgHandleChat    = "handle_chat"
	msgToolResponse  = "tool_response"
)

// Worker to supervisor.
const (
	msgToolCall       = "tool_call"
	msgResponse       = "response"
	msgStatusUpdate   = "status_update"
	msgProgressUpdate = "progress_update"
	msgActivityLog    = "activity_log"
	msgLog            = "log"
	msgAgentMessage   = "agent_message"
	msgAssignTask     = "assign_task"
)

type executeTaskEnvelope struct {
	Type      string      `json:"type"`
	RequestID uint64      `json:"requestId"`
	Task      *store.Task `json:"task"`
}

type handleChatEnvelope struct {
	Type      string          `json:"type"`
	RequestID uint64          `json:"requestId"`
	Message   string          `json:"message"`
	History   json.RawMessage `json:"history,omitempty"`
	TaskID    string          `json:"taskId,omitempty"`
	ContextID string          `json:"contextId,omitempty"`
}

type handleMessageEnvelope struct {
	Type    string         `json:"type"`
	Message relay.Envelope `json:"message"`
}

type toolResponseEnvelope struct {
	Type      string          `json:"type"`
	RequestID json.RawMessage `json:"requestId,omitempty"`
	Result    any             `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// inbound is the union of every worker message field the bridge reads.
type inbound struct {
	Type      string          `json:"type"`
	RequestID json.RawMessage `json:"requestId,omitempty"`

	// response
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	// tool_call
	ToolName string          `json:"toolName,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`

	// status_update
	Status store.AgentStatus `json:"status,omitempty"`

	// progress_update / activity_log
	TaskID string `json:"taskId,omitempty"`

	// log
	Content string `json:"content,omitempty"`

	// assign_task
	TargetAgent  string          `json:"targetAgent,omitempty"`
	ParentTaskID string          `json:"parentTaskId,omitempty"`
	Task         json.RawMessage `json:"task,omitempty"`
}

// parseRequestID accepts a JSON number or a numeric string.
func parseRequestID(raw json.RawMessage) (uint64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		id, err := strconv.ParseUint(s, 10, 64)
		return id, err == nil
	}
	var id uint64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false
	}
	return id, true
}

// isDelegationMarker reports whether a task result hands the work to another
// agent: it carries a non-empty assigned_to, an assignments field, or
// status "assigned".
func isDelegationMarker(result json.RawMessage) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(result, &fields); err != nil {
		return false
	}

	if v, ok := fields["assigned_to"]; ok && !emptyJSON(v) {
		return true
	}
	if v, ok := fields["assignments"]; ok && string(bytes.TrimSpace(v)) != "null" {
		return true
	}
	if v, ok := fields["status"]; ok {
		var status string
		if json.Unmarshal(v, &status) == nil && status == "assigned" {
			return true
		}
	}
	return false
}

func emptyJSON(v json.RawMessage) bool {
	switch string(bytes.TrimSpace(v)) {
	case "", "null", `""`, "[]", "{}":
		return true
	}
	return false
}
