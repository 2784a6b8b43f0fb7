// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Focuses on upsert idempotency, ordering, and injected failures

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_UpsertAgent_NoDuplicates(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.UpsertAgent(ctx, &Agent{ID: "agent-1", Name: "One", Status: AgentStatusIdle}))
	}

	assert.Equal(t, 1, store.AgentCount())
	assert.Equal(t, 3, store.Upserts["agent-1"])
}

func TestMockStore_AgentCopiesAreIsolated(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	agent := &Agent{ID: "agent-1", Name: "One", Skills: []string{"go"}}
	require.NoError(t, store.UpsertAgent(ctx, agent))
	agent.Skills[0] = "mutated"

	got, err := store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"go"}, got.Skills)
}

func TestMockStore_UpdateAgentStatus_NotFound(t *testing.T) {
	store := NewMockStore()
	err := store.UpdateAgentStatus(context.Background(), "missing", AgentStatusIdle, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMockStore_ListTasksByStatus(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, store.UpsertTask(ctx, &Task{ID: "b", CreatedAt: base.Add(2 * time.Minute)}))
	require.NoError(t, store.UpsertTask(ctx, &Task{ID: "a", CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, store.UpsertTask(ctx, &Task{ID: "c", Status: TaskStatusFailed, CreatedAt: base}))

	tasks, err := store.ListTasksByStatus(ctx, TaskStatusTodo, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].ID)
	assert.Equal(t, "b", tasks[1].ID)
}

func TestMockStore_ResetStaleTasks(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	require.NoError(t, store.UpsertTask(ctx, &Task{ID: "t1", Status: TaskStatusInProgress, AssignedToID: "agent-a"}))

	n, err := store.ResetStaleTasks(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusTodo, got.Status)
	assert.Empty(t, got.AssignedToID)
}

func TestMockStore_SaveMessageErr(t *testing.T) {
	store := NewMockStore()
	store.SaveMessageErr = errors.New("disk full")

	err := store.SaveMessage(context.Background(), &Message{ID: "m1", FromID: "a", ToID: "b"})
	require.Error(t, err)

	msgs, err := store.ListMessages(context.Background(), "a", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMockStore_ListMessages_Limit(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, store.SaveMessage(ctx, &Message{ID: id, FromID: "a", ToID: "b"}))
	}

	msgs, err := store.ListMessages(ctx, "b", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, "m3", msgs[1].ID)
	assert.Equal(t, MessageTypeChat, msgs[0].Type)
}
