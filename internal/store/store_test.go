package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAgentStatus_Load(t *testing.T) {
	tests := []struct {
		status AgentStatus
		load   int
	}{
		{AgentStatusIdle, 0},
		{AgentStatusBusy, 100},
		{AgentStatusThinking, 100},
		{AgentStatusError, 0},
		{AgentStatusOffline, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.True(t, tt.status.Valid())
			assert.Equal(t, tt.load, tt.status.Load())
		})
	}
	assert.False(t, AgentStatus("sleeping").Valid())
}

func TestTaskStatus_Terminal(t *testing.T) {
	assert.False(t, TaskStatusTodo.Terminal())
	assert.False(t, TaskStatusInProgress.Terminal())
	assert.True(t, TaskStatusCompleted.Terminal())
	assert.True(t, TaskStatusFailed.Terminal())
}

func TestTask_LeadAgentID(t *testing.T) {
	assert.Equal(t, "a", (&Task{AssigneeIDs: []string{"a", "b"}, AssignedToID: "z"}).LeadAgentID())
	assert.Equal(t, "z", (&Task{AssignedToID: "z"}).LeadAgentID())
	assert.Empty(t, (&Task{}).LeadAgentID())
}
