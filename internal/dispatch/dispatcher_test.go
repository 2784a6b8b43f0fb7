// ABOUTME: Tests for the task dispatcher and the stale task reaper
// ABOUTME: Uses the mock store and a fake executor in place of worker bridges

package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hive/internal/agent"
	"github.com/2389/hive/internal/store"
)

type fakeExecutor struct {
	profile agent.Profile
	block   chan struct{} // when set, ExecuteTask waits for it to close

	mu    sync.Mutex
	tasks []store.Task
}

func (f *fakeExecutor) ID() string             { return f.profile.ID }
func (f *fakeExecutor) Profile() agent.Profile { return f.profile }

func (f *fakeExecutor) ExecuteTask(ctx context.Context, task *store.Task) (json.RawMessage, error) {
	f.mu.Lock()
	f.tasks = append(f.tasks, *task)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeExecutor) executed() []store.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Task(nil), f.tasks...)
}

type fleet map[string]*fakeExecutor

func (fl fleet) resolve(id string) Executor {
	if e, ok := fl[id]; ok {
		return e
	}
	return nil
}

func newDispatcher(t *testing.T, st store.TaskStore, fl fleet) *Dispatcher {
	t.Helper()
	d := NewDispatcher(Options{Store: st, Resolve: fl.resolve, Interval: time.Hour})
	t.Cleanup(d.Close)
	return d
}

func seed(t *testing.T, st *store.MockStore, task *store.Task) {
	t.Helper()
	require.NoError(t, st.UpsertTask(context.Background(), task))
}

func TestDispatcher_HandsTaskToLead(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	lead := &fakeExecutor{profile: agent.Profile{ID: "pm", Name: "Pat", Role: "product manager"}}
	helper := &fakeExecutor{profile: agent.Profile{ID: "dev", Name: "Dee", Role: "developer"}}
	fl := fleet{"pm": lead, "dev": helper}

	seed(t, st, &store.Task{
		ID:           "t-1",
		Title:        "Launch page",
		AssigneeIDs:  []string{"pm", "dev"},
		Requirements: json.RawMessage(`{"priority":"high"}`),
	})

	d := newDispatcher(t, st, fl)
	n, err := d.TriggerCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	d.Wait()

	got := lead.executed()
	require.Len(t, got, 1)
	assert.Empty(t, helper.executed(), "only the lead executes")
	assert.Equal(t, "pm", got[0].AssignedToID)
	assert.Equal(t, store.TaskStatusInProgress, got[0].Status)
	assert.JSONEq(t, `{
		"priority": "high",
		"collaborators": [
			{"id": "pm", "name": "Pat", "role": "product manager"},
			{"id": "dev", "name": "Dee", "role": "developer"}
		]
	}`, string(got[0].Requirements))

	persisted, err := st.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusInProgress, persisted.Status)
	assert.Equal(t, "pm", persisted.AssignedToID)
}

func TestDispatcher_SkipsUnresolvableTasks(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	seed(t, st, &store.Task{ID: "orphan", AssigneeIDs: []string{"ghost"}})
	seed(t, st, &store.Task{ID: "unassigned"})

	d := newDispatcher(t, st, fleet{})
	n, err := d.TriggerCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for _, id := range []string{"orphan", "unassigned"} {
		task, err := st.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.TaskStatusTodo, task.Status, "%s must stay todo for the next tick", id)
	}
}

func TestDispatcher_FallsBackToAssignedTo(t *testing.T) {
	st := store.NewMockStore()
	worker := &fakeExecutor{profile: agent.Profile{ID: "solo"}}
	seed(t, st, &store.Task{ID: "t-1", AssignedToID: "solo"})

	d := newDispatcher(t, st, fleet{"solo": worker})
	n, err := d.TriggerCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	d.Wait()

	got := worker.executed()
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"collaborators":[{"id":"solo"}]}`, string(got[0].Requirements))
}

func TestDispatcher_InFlightTaskNotStartedTwice(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	worker := &fakeExecutor{profile: agent.Profile{ID: "w"}, block: make(chan struct{})}
	seed(t, st, &store.Task{ID: "t-1", AssignedToID: "w"})

	d := newDispatcher(t, st, fleet{"w": worker})
	n, err := d.TriggerCheck(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Something pushes the row back to todo while the first execution is still running.
	seed(t, st, &store.Task{ID: "t-1", AssignedToID: "w", Status: store.TaskStatusTodo})
	n, err = d.TriggerCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	close(worker.block)
	d.Wait()
	assert.Len(t, worker.executed(), 1)

	// Once the claim is released the task can be dispatched again.
	seed(t, st, &store.Task{ID: "t-1", AssignedToID: "w", Status: store.TaskStatusTodo})
	n, err = d.TriggerCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	d.Wait()
}

func TestDispatcher_NonObjectRequirementsLeftAlone(t *testing.T) {
	st := store.NewMockStore()
	worker := &fakeExecutor{profile: agent.Profile{ID: "w"}}
	seed(t, st, &store.Task{ID: "t-1", AssignedToID: "w", Requirements: json.RawMessage(`["a","b"]`)})

	d := newDispatcher(t, st, fleet{"w": worker})
	n, err := d.TriggerCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	d.Wait()

	got := worker.executed()
	require.Len(t, got, 1)
	assert.JSONEq(t, `["a","b"]`, string(got[0].Requirements))
}

func TestDispatcher_BatchSize(t *testing.T) {
	st := store.NewMockStore()
	worker := &fakeExecutor{profile: agent.Profile{ID: "w"}}
	for _, id := range []string{"a", "b", "c"} {
		seed(t, st, &store.Task{ID: id, AssignedToID: "w"})
	}

	d := NewDispatcher(Options{Store: st, Resolve: fleet{"w": worker}.resolve, BatchSize: 2})
	defer d.Close()

	n, err := d.TriggerCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	d.Wait()
}

func TestDispatcher_StartStopIdempotent(t *testing.T) {
	st := store.NewMockStore()
	worker := &fakeExecutor{profile: agent.Profile{ID: "w"}}
	seed(t, st, &store.Task{ID: "t-1", AssignedToID: "w"})

	d := newDispatcher(t, st, fleet{"w": worker})
	assert.False(t, d.Running())

	d.Start(context.Background())
	d.Start(context.Background())
	assert.True(t, d.Running())

	// The first pass runs immediately on start.
	require.Eventually(t, func() bool { return len(worker.executed()) == 1 }, time.Second, 10*time.Millisecond)

	d.Stop()
	d.Stop()
	assert.False(t, d.Running())
	d.Wait()
}

func TestWithCollaborators(t *testing.T) {
	people := []collaborator{{ID: "a"}}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", ``, `{"collaborators":[{"id":"a"}]}`},
		{"null", `null`, `{"collaborators":[{"id":"a"}]}`},
		{"keeps keys", `{"x":1}`, `{"x":1,"collaborators":[{"id":"a"}]}`},
		{"replaces collaborators", `{"collaborators":"old"}`, `{"collaborators":[{"id":"a"}]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := withCollaborators(json.RawMessage(tc.in), people)
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(got))
		})
	}

	_, err := withCollaborators(json.RawMessage(`42`), people)
	assert.Error(t, err)
}

func TestReaper_ResetsStaleTasks(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	seed(t, st, &store.Task{ID: "stuck", Status: store.TaskStatusInProgress, AssignedToID: "w"})
	seed(t, st, &store.Task{ID: "done", Status: store.TaskStatusCompleted, AssignedToID: "w"})

	r := NewReaper(ReaperOptions{Store: st, StaleAfter: 10 * time.Minute})

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "recently updated tasks are left alone")

	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stuck, err := st.GetTask(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusTodo, stuck.Status)
	assert.Empty(t, stuck.AssignedToID)

	done, err := st.GetTask(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCompleted, done.Status)
}

func TestReaper_LeavesDelegatedTasksAlone(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	pm := &fakeExecutor{profile: agent.Profile{ID: "pm"}}
	seed(t, st, &store.Task{
		ID:          "parent",
		AssigneeIDs: []string{"pm"},
		Status:      store.TaskStatusInProgress,
		Result:      json.RawMessage(`{"status":"assigned","assignments":[{"agent":"dev"}]}`),
		Delegated:   true,
	})

	r := NewReaper(ReaperOptions{Store: st, StaleAfter: 10 * time.Minute})
	r.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := st.GetTask(ctx, "parent")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusInProgress, got.Status)

	d := newDispatcher(t, st, fleet{"pm": pm})
	dispatched, err := d.TriggerCheck(ctx)
	require.NoError(t, err)
	d.Wait()
	assert.Zero(t, dispatched)
	assert.Empty(t, pm.executed(), "delegated parent must not run again")
}

func TestReaper_StartStop(t *testing.T) {
	r := NewReaper(ReaperOptions{Store: store.NewMockStore(), Interval: time.Hour})
	r.Start(context.Background())
	r.Start(context.Background())
	r.Stop()
	r.Stop()
}
