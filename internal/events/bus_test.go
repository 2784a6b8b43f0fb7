// ABOUTME: Tests for the event bus and event encoding
// ABOUTME: Covers subscribe, publish, unsubscribe, context cancellation, slow subscribers, Marshal

package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hive/internal/store"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBus_SingleSubscriberReceivesEvent(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context())
	b.Publish(&TaskStarted{Header: Header{AgentID: "a1"}, TaskID: "t1"})

	ev := receive(t, ch)
	started, ok := ev.(*TaskStarted)
	require.True(t, ok)
	assert.Equal(t, "t1", started.TaskID)
	assert.False(t, started.At.IsZero(), "Publish should timestamp the event")
}

func TestBus_MultipleSubscribersReceiveSameEvent(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ctx := t.Context()
	ch1, _ := b.Subscribe(ctx)
	ch2, _ := b.Subscribe(ctx)
	ch3, _ := b.Subscribe(ctx)

	b.Publish(&AgentUnregistered{Header: Header{AgentID: "a1"}})

	for _, ch := range []<-chan Event{ch1, ch2, ch3} {
		assert.Equal(t, KindAgentUnregistered, receive(t, ch).Kind())
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context())
	b.Unsubscribe(subID)

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
	assert.Equal(t, 0, b.Subscribers())

	// Unknown and repeated unsubscribes are no-ops
	b.Unsubscribe(subID)
	b.Unsubscribe("nope")
}

func TestBus_ContextCancellationUnsubscribes(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription was not cleaned up after cancel")
	}
}

func TestBus_SlowSubscriberDropsWithoutBlocking(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	_, _ = b.Subscribe(t.Context()) // never drained
	fast, _ := b.Subscribe(t.Context())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBufferSize*3; i++ {
			b.Publish(&TaskProgress{TaskID: "t"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	assert.Equal(t, KindTaskProgress, receive(t, fast).Kind())
}

func TestBus_CloseClosesAllAndRejectsNewSubscribers(t *testing.T) {
	b := NewBus(nil)

	ch, _ := b.Subscribe(t.Context())
	b.Close()
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := b.Subscribe(t.Context())
	_, ok = <-late
	assert.False(t, ok, "subscribing to a closed bus returns a closed channel")

	// Publishing after close is harmless
	b.Publish(&AgentUnregistered{})
}

func TestBus_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		ch, subID := b.Subscribe(t.Context())
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(&TaskActivity{TaskID: "t"})
			}
		}()
		go func() {
			defer wg.Done()
			b.Unsubscribe(subID)
			for range ch {
			}
		}()
	}
	wg.Wait()
}

func TestStamp_FillsOnlyEmptyFields(t *testing.T) {
	ev := Stamp(&AgentHealth{Healthy: true}, "agent-1")
	assert.Equal(t, "agent-1", AgentOf(ev))

	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	kept := Stamp(&AgentHealth{Header: Header{AgentID: "orig", At: at}}, "other")
	assert.Equal(t, "orig", AgentOf(kept))
	assert.Equal(t, at, kept.(*AgentHealth).At)
}

func TestMarshal_TypeAndData(t *testing.T) {
	ev := &AgentStatusChanged{
		Header:   Header{AgentID: "agent-1", At: time.Unix(0, 0).UTC()},
		Previous: store.AgentStatusIdle,
		Status:   store.AgentStatusBusy,
		Load:     100,
	}

	data, err := Marshal(ev)
	require.NoError(t, err)

	var decoded struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "agent:status", decoded.Type)
	assert.Equal(t, "agent-1", decoded.Data["agentId"])
	assert.Equal(t, "busy", decoded.Data["status"])
	assert.Equal(t, "idle", decoded.Data["previous"])
	assert.EqualValues(t, 100, decoded.Data["load"])
}
