// ABOUTME: Tests for the Agent Directory registry, selection and fan-out
// ABOUTME: Covers idempotent registration, least-load choice, delegation routing and broadcast

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hive/internal/events"
	"github.com/2389/hive/internal/relay"
	"github.com/2389/hive/internal/store"
)

func TestDirectory_RegisterIsIdempotent(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "hive.db"))
	require.NoError(t, err)
	defer st.Close()

	rig := &testRig{launcher: &fakeLauncher{}}
	dir := NewDirectory(st, nil, nil, nil)
	feed, _ := dir.Events().Subscribe(t.Context())

	b := NewBridge(BridgeOptions{Profile: Profile{ID: "coder", Name: "Coder"}, Launcher: rig.launcher, Store: st})
	require.NoError(t, dir.Register(t.Context(), b))
	require.NoError(t, dir.Register(t.Context(), b))

	replacement := NewBridge(BridgeOptions{Profile: Profile{ID: "coder", Name: "Coder v2"}, Launcher: rig.launcher, Store: st})
	require.NoError(t, dir.Register(t.Context(), replacement))

	agents, err := st.ListAgents(t.Context())
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "Coder v2", agents[0].Name)

	assert.Len(t, dir.List(), 1)
	assert.Same(t, replacement, dir.Get("coder"))

	var registered int
	for len(feed) > 0 {
		if _, ok := (<-feed).(*events.AgentRegistered); ok {
			registered++
		}
	}
	assert.Equal(t, 1, registered)
}

// idleBridge registers a bridge and marks it idle with the given load.
func idleBridge(t *testing.T, dir *Directory, rig *testRig, p Profile, load int) *Bridge {
	t.Helper()
	b := NewBridge(BridgeOptions{Profile: p, Launcher: rig.launcher, Store: rig.store})
	require.NoError(t, dir.Register(t.Context(), b))
	require.NoError(t, b.SetStatus(t.Context(), store.AgentStatusIdle))
	setLoad(b, load)
	return b
}

func TestDirectory_FindBestAgent(t *testing.T) {
	rig := newRig(nil)
	dir := NewDirectory(rig.store, nil, nil, nil)

	heavy := idleBridge(t, dir, rig, Profile{ID: "heavy", Skills: []string{"code"}, Category: "eng"}, 100)
	medium := idleBridge(t, dir, rig, Profile{ID: "medium", Skills: []string{"code"}, Category: "eng"}, 50)
	light := idleBridge(t, dir, rig, Profile{ID: "light", Skills: []string{"code"}, Category: "eng"}, 0)
	writer := idleBridge(t, dir, rig, Profile{ID: "writer", Skills: []string{"docs"}, Category: "content"}, 0)

	assert.Same(t, light, dir.FindBestAgent(Criteria{Skill: "code"}))
	assert.Same(t, light, dir.FindBestAgent(Criteria{Skill: "code", Category: "eng"}))
	assert.Same(t, writer, dir.FindBestAgent(Criteria{Category: "content"}))
	assert.Nil(t, dir.FindBestAgent(Criteria{Skill: "code", Category: "content"}))
	assert.Nil(t, dir.FindBestAgent(Criteria{Skill: "painting"}))

	// Agents in error are excluded.
	require.NoError(t, light.SetStatus(t.Context(), store.AgentStatusError))
	assert.Same(t, medium, dir.FindBestAgent(Criteria{Skill: "code"}))

	// Ties go to the earlier indexed agent.
	setLoad(medium, 100)
	assert.Same(t, heavy, dir.FindBestAgent(Criteria{Skill: "code"}))
}

func TestDirectory_Indexes(t *testing.T) {
	rig := newRig(nil)
	dir := NewDirectory(rig.store, nil, nil, nil)

	idleBridge(t, dir, rig, Profile{ID: "a", Skills: []string{"code", "review"}, Category: "eng"}, 0)
	idleBridge(t, dir, rig, Profile{ID: "b", Skills: []string{"review"}, Category: "eng"}, 0)

	ids := func(bs []*Bridge) []string {
		var out []string
		for _, b := range bs {
			out = append(out, b.ID())
		}
		return out
	}
	assert.Equal(t, []string{"a", "b"}, ids(dir.FindBySkill("review")))
	assert.Equal(t, []string{"a"}, ids(dir.FindBySkill("code")))
	assert.Equal(t, []string{"a", "b"}, ids(dir.FindByCategory("eng")))

	require.NoError(t, dir.Unregister(t.Context(), "a"))
	assert.Equal(t, []string{"b"}, ids(dir.FindBySkill("review")))
	assert.Empty(t, dir.FindBySkill("code"))
	assert.Nil(t, dir.Get("a"))
}

func TestDirectory_UnregisterUnknown(t *testing.T) {
	dir := NewDirectory(store.NewMockStore(), nil, nil, nil)
	err := dir.Unregister(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestDirectory_UnregisterShutsDownBridge(t *testing.T) {
	rig := newRig(nil)
	r := relay.New(relay.Options{})
	require.NoError(t, r.Connect(t.Context()))
	defer r.Close()

	dir := NewDirectory(rig.store, r, nil, nil)
	feed, _ := dir.Events().Subscribe(t.Context())

	b := NewBridge(BridgeOptions{Profile: Profile{ID: "temp"}, Launcher: rig.launcher, Store: rig.store})
	require.NoError(t, dir.Register(t.Context(), b))
	require.NoError(t, b.Start(t.Context()))

	require.NoError(t, dir.Unregister(t.Context(), "temp"))
	assert.False(t, b.Alive())
	assert.Equal(t, store.AgentStatusOffline, b.Status())

	var removed bool
	deadline := time.After(time.Second)
	for !removed {
		select {
		case ev := <-feed:
			_, removed = ev.(*events.AgentUnregistered)
		case <-deadline:
			t.Fatal("no agent:unregistered event")
		}
	}
}

func TestDirectory_ForwardsBridgeEvents(t *testing.T) {
	rig := newRig(echoChat)
	dir := NewDirectory(rig.store, nil, nil, nil)
	feed, _ := dir.Events().Subscribe(t.Context())

	b := NewBridge(BridgeOptions{Profile: Profile{ID: "worker"}, Launcher: rig.launcher, Store: rig.store})
	require.NoError(t, dir.Register(t.Context(), b))
	require.NoError(t, b.Start(t.Context()))

	_, err := b.ExecuteTask(t.Context(), &store.Task{ID: "t1"})
	require.NoError(t, err)

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-feed:
			if done, ok := ev.(*events.TaskCompleted); ok {
				assert.Equal(t, "worker", done.AgentID)
				assert.Equal(t, "t1", done.TaskID)
				return
			}
		case <-deadline:
			t.Fatal("task:complete was not forwarded")
		}
	}
}

// TestDirectory_DelegatedCompletionRouting runs a lead that delegates to a
// designer and checks the designer's completion reaches the lead.
func TestDirectory_DelegatedCompletionRouting(t *testing.T) {
	ms := store.NewMockStore()
	r := relay.New(relay.Options{Store: ms})
	require.NoError(t, r.Connect(t.Context()))
	defer r.Close()
	dir := NewDirectory(ms, r, nil, nil)

	leadLauncher := &fakeLauncher{handler: func(w *fakeProcess, msg workerMsg) {
		if msg.typ() != msgExecuteTask {
			return
		}
		w.reply(map[string]any{
			"type":         msgAssignTask,
			"targetAgent":  "designer",
			"parentTaskId": msg.task()["id"],
			"task":         map[string]any{"id": "sub-1", "title": "draw mockups"},
		})
		w.reply(map[string]any{
			"type":      msgResponse,
			"requestId": msg.requestID(),
			"result":    map[string]any{"status": "assigned", "assignments": []any{"designer"}},
		})
	}}
	designerLauncher := &fakeLauncher{handler: respondWith(map[string]any{"mockups": 3})}

	lead := NewBridge(BridgeOptions{Profile: Profile{ID: "lead"}, Launcher: leadLauncher, Store: ms, Messenger: r})
	designer := NewBridge(BridgeOptions{Profile: Profile{ID: "designer"}, Launcher: designerLauncher, Store: ms, Messenger: r})
	for _, b := range []*Bridge{lead, designer} {
		require.NoError(t, dir.Register(t.Context(), b))
		require.NoError(t, b.Start(t.Context()))
	}
	defer dir.ShutdownAll(context.Background())

	_, err := lead.ExecuteTask(t.Context(), &store.Task{ID: "T"})
	require.NoError(t, err)

	parent, err := ms.GetTask(t.Context(), "T")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusInProgress, parent.Status)
	assert.Equal(t, store.AgentStatusIdle, lead.Status())

	// The designer receives the subtask stamped with its parent.
	sub := designerLauncher.last(t).next(t, msgExecuteTask).task()
	assert.Equal(t, "sub-1", sub["id"])
	assert.Equal(t, "lead", sub["parentAgentId"])
	assert.Equal(t, "T", sub["parentTaskId"])

	// The lead's worker hears about the completion.
	notice := leadLauncher.last(t).next(t, msgHandleMessage)
	env := notice["message"].(map[string]any)
	assert.Equal(t, "designer", env["fromId"])
	assert.Equal(t, store.MessageTypeTaskEvent, env["type"])

	var content taskNotice
	require.NoError(t, json.Unmarshal([]byte(env["content"].(string)), &content))
	assert.Equal(t, "sub-1", content.TaskID)
	assert.Equal(t, "T", content.ParentTaskID)
	assert.JSONEq(t, `{"mockups":3}`, string(content.Result))

	done, err := ms.GetTask(t.Context(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCompleted, done.Status)
}

func TestDirectory_AssignToUnknownAgentIsSkipped(t *testing.T) {
	rig := newRig(func(w *fakeProcess, msg workerMsg) {
		if msg.typ() != msgExecuteTask {
			return
		}
		w.reply(map[string]any{"type": msgAssignTask, "targetAgent": "nobody", "task": map[string]any{"title": "x"}})
		w.reply(map[string]any{"type": msgResponse, "requestId": msg.requestID(), "result": "ok"})
	})
	dir := NewDirectory(rig.store, nil, nil, nil)
	b := NewBridge(BridgeOptions{Profile: Profile{ID: "lead"}, Launcher: rig.launcher, Store: rig.store})
	require.NoError(t, dir.Register(t.Context(), b))
	require.NoError(t, b.Start(t.Context()))
	defer b.Shutdown(context.Background())

	_, err := b.ExecuteTask(t.Context(), &store.Task{ID: "t1"})
	require.NoError(t, err)
	assert.True(t, b.Alive())
}

func TestDirectory_BroadcastResilience(t *testing.T) {
	rig := newRig(nil)
	dir := NewDirectory(rig.store, nil, nil, nil)

	var started []*Bridge
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		b := NewBridge(BridgeOptions{Profile: Profile{ID: id}, Launcher: rig.launcher, Store: rig.store})
		require.NoError(t, dir.Register(t.Context(), b))
		if id == "c" {
			continue // never started: delivery fails
		}
		require.NoError(t, b.Start(t.Context()))
		started = append(started, b)
	}
	defer dir.ShutdownAll(context.Background())

	failures := dir.Broadcast(t.Context(), "supervisor", "maintenance at noon")
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures["c"], ErrNotRunning)

	rig.launcher.mu.Lock()
	procs := append([]*fakeProcess(nil), rig.launcher.procs...)
	rig.launcher.mu.Unlock()
	require.Len(t, procs, 4)
	for _, p := range procs {
		msg := p.next(t, msgHandleMessage)["message"].(map[string]any)
		assert.Equal(t, "maintenance at noon", msg["content"])
		assert.Equal(t, store.MessageTypeSystem, msg["type"])
	}
	assert.Len(t, started, 4)
}

func TestDirectory_BroadcastSettlesWithStalledWorker(t *testing.T) {
	release := make(chan struct{})
	stuckRig := newRig(stallOnMessage(release))
	goodRig := newRig(nil)
	dir := NewDirectory(goodRig.store, nil, nil, nil)

	stuck := NewBridge(BridgeOptions{Profile: Profile{ID: "stuck"}, Launcher: stuckRig.launcher, Store: goodRig.store, MailboxSize: 1})
	good := NewBridge(BridgeOptions{Profile: Profile{ID: "good"}, Launcher: goodRig.launcher, Store: goodRig.store})
	for _, b := range []*Bridge{stuck, good} {
		require.NoError(t, dir.Register(t.Context(), b))
		require.NoError(t, b.Start(t.Context()))
	}
	defer dir.ShutdownAll(context.Background())
	defer close(release)

	done := make(chan map[string]error, 1)
	go func() {
		var last map[string]error
		for i := 0; i < 5; i++ {
			last = dir.Broadcast(t.Context(), "supervisor", fmt.Sprintf("notice %d", i))
		}
		done <- last
	}()

	select {
	case failures := <-done:
		assert.ErrorIs(t, failures["stuck"], ErrMailboxFull)
		assert.NotContains(t, failures, "good")
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked behind a stalled worker")
	}

	for i := 0; i < 5; i++ {
		msg := goodRig.launcher.last(t).next(t, msgHandleMessage)["message"].(map[string]any)
		assert.Equal(t, fmt.Sprintf("notice %d", i), msg["content"])
	}
}

func TestDirectory_HealthCheckAndStats(t *testing.T) {
	rig := newRig(echoChat)
	dir := NewDirectory(rig.store, nil, nil, nil)

	up := NewBridge(BridgeOptions{Profile: Profile{ID: "up", Name: "Up"}, Launcher: rig.launcher, Store: rig.store})
	down := NewBridge(BridgeOptions{Profile: Profile{ID: "down", Name: "Down"}, Launcher: rig.launcher, Store: rig.store})
	require.NoError(t, dir.Register(t.Context(), up))
	require.NoError(t, dir.Register(t.Context(), down))
	require.NoError(t, up.Start(t.Context()))
	defer dir.ShutdownAll(context.Background())

	_, err := up.ExecuteTask(t.Context(), &store.Task{ID: "t1"})
	require.NoError(t, err)

	health := dir.HealthCheck()
	require.Len(t, health, 2)
	assert.Equal(t, "up", health[0].ID)
	assert.True(t, health[0].Healthy)
	assert.False(t, health[1].Healthy)

	stats := dir.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[store.AgentStatusIdle])
	assert.Equal(t, 1, stats.ByStatus[store.AgentStatusOffline])
	assert.Equal(t, 1, stats.TasksCompleted)
	assert.Zero(t, stats.AverageLoad)

	// Read-only views never change state.
	assert.Equal(t, store.AgentStatusOffline, down.Status())
}

func TestDirectory_ShutdownAll(t *testing.T) {
	rig := newRig(nil)
	dir := NewDirectory(rig.store, nil, nil, nil)
	for _, id := range []string{"a", "b"} {
		b := NewBridge(BridgeOptions{Profile: Profile{ID: id}, Launcher: rig.launcher, Store: rig.store})
		require.NoError(t, dir.Register(t.Context(), b))
		require.NoError(t, b.Start(t.Context()))
	}

	require.NoError(t, dir.ShutdownAll(t.Context()))
	for _, b := range dir.List() {
		assert.Equal(t, store.AgentStatusOffline, b.Status())
		assert.False(t, b.Alive())
	}
}
