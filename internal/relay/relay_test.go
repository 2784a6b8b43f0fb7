// ABOUTME: Tests for the message relay across redis and in-process transports
// ABOUTME: Covers delivery, fallback transparency, handler isolation, persistence and held messages

package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hive/internal/events"
	"github.com/2389/hive/internal/store"
)

// recorder collects envelopes delivered to a handler.
type recorder struct {
	mu   sync.Mutex
	got  []Envelope
	seen chan struct{}
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan struct{}, 16)}
}

func (r *recorder) handle(ctx context.Context, env Envelope) error {
	r.mu.Lock()
	r.got = append(r.got, env)
	r.mu.Unlock()
	r.seen <- struct{}{}
	return nil
}

func (r *recorder) wait(t *testing.T) Envelope {
	t.Helper()
	select {
	case <-r.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.got[len(r.got)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func newTestRelay(t *testing.T, opts Options) *Relay {
	t.Helper()
	r := New(opts)
	require.NoError(t, r.Connect(t.Context()))
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRelay_LocalDelivery(t *testing.T) {
	ms := store.NewMockStore()
	bus := events.NewBus(nil)
	defer bus.Close()
	feed, _ := bus.Subscribe(t.Context())

	r := newTestRelay(t, Options{Store: ms, Bus: bus})
	assert.Equal(t, ModeLocal, r.Mode())

	rec := newRecorder()
	r.RegisterAgent("y", rec.handle)

	require.NoError(t, r.SendMessage(t.Context(), "x", "y", "hi", ""))

	env := rec.wait(t)
	assert.Equal(t, "x", env.FromID)
	assert.Equal(t, "y", env.ToID)
	assert.Equal(t, "hi", env.Content)
	assert.Equal(t, store.MessageTypeChat, env.Type)
	assert.NotZero(t, env.Timestamp)

	msgs, err := ms.ListMessages(t.Context(), "y", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)

	select {
	case ev := <-feed:
		delivered, ok := ev.(*events.MessageDelivered)
		require.True(t, ok)
		assert.Equal(t, "y", delivered.AgentID)
		assert.Equal(t, ModeLocal, delivered.Transport)
	case <-time.After(time.Second):
		t.Fatal("expected message:delivered event")
	}
}

func TestRelay_FallbackWhenBrokerUnreachable(t *testing.T) {
	r := newTestRelay(t, Options{
		RedisURL:    "redis://127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
	})
	assert.Equal(t, ModeLocal, r.Mode())

	// Send before the recipient registers
	require.NoError(t, r.SendMessage(t.Context(), "x", "y", "hi", ""))
	rec := newRecorder()
	r.RegisterAgent("y", rec.handle)

	assert.Equal(t, "hi", rec.wait(t).Content)
}

func TestRelay_RedisDelivery(t *testing.T) {
	mr := miniredis.RunT(t)

	r := newTestRelay(t, Options{RedisURL: "redis://" + mr.Addr()})
	assert.Equal(t, ModeRedis, r.Mode())

	rec := newRecorder()
	r.RegisterAgent("y", rec.handle)
	require.NoError(t, r.SendMessage(t.Context(), "x", "y", "hi", store.MessageTypeSystem))

	env := rec.wait(t)
	assert.Equal(t, "hi", env.Content)
	assert.Equal(t, store.MessageTypeSystem, env.Type)
}

func TestRelay_RedisSendBeforeRegister(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newTestRelay(t, Options{RedisURL: "redis://" + mr.Addr()})

	require.NoError(t, r.SendMessage(t.Context(), "x", "y", "hi", ""))
	rec := newRecorder()
	r.RegisterAgent("y", rec.handle)

	assert.Equal(t, "hi", rec.wait(t).Content)
}

func TestRelay_HandlerFailureIsIsolated(t *testing.T) {
	r := newTestRelay(t, Options{})

	r.RegisterAgent("panics", func(ctx context.Context, env Envelope) error {
		panic("handler exploded")
	})
	r.RegisterAgent("errors", func(ctx context.Context, env Envelope) error {
		return errors.New("handler failed")
	})
	rec := newRecorder()
	r.RegisterAgent("ok", rec.handle)

	require.NoError(t, r.SendMessage(t.Context(), "x", "panics", "1", ""))
	require.NoError(t, r.SendMessage(t.Context(), "x", "errors", "2", ""))
	require.NoError(t, r.SendMessage(t.Context(), "x", "ok", "3", ""))

	assert.Equal(t, "3", rec.wait(t).Content)
}

func TestRelay_PersistenceFailureDoesNotBlockDelivery(t *testing.T) {
	ms := store.NewMockStore()
	ms.SaveMessageErr = errors.New("disk full")

	r := newTestRelay(t, Options{Store: ms})
	rec := newRecorder()
	r.RegisterAgent("y", rec.handle)

	require.NoError(t, r.SendMessage(t.Context(), "x", "y", "hi", ""))
	assert.Equal(t, "hi", rec.wait(t).Content)
}

func TestRelay_UnclaimedMessageExpires(t *testing.T) {
	r := newTestRelay(t, Options{Grace: 50 * time.Millisecond})

	require.NoError(t, r.SendMessage(t.Context(), "x", "nobody", "lost", ""))
	time.Sleep(150 * time.Millisecond)

	rec := newRecorder()
	r.RegisterAgent("nobody", rec.handle)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rec.count(), "expired message should not be delivered")
}

func TestRelay_UnregisterStopsDelivery(t *testing.T) {
	r := newTestRelay(t, Options{Grace: 10 * time.Millisecond})

	rec := newRecorder()
	r.RegisterAgent("y", rec.handle)
	r.UnregisterAgent("y")

	require.NoError(t, r.SendMessage(t.Context(), "x", "y", "hi", ""))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestRelay_SendBeforeConnect(t *testing.T) {
	r := New(Options{})
	err := r.SendMessage(context.Background(), "x", "y", "hi", "")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, r.Mode())
}

func TestRelay_ConnectIsDecidedOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	r := New(Options{RedisURL: "redis://" + mr.Addr()})
	defer r.Close()

	require.NoError(t, r.Connect(t.Context()))
	mr.Close()
	require.NoError(t, r.Connect(t.Context()))

	assert.Equal(t, ModeRedis, r.Mode(), "mode must not switch mid-session")
}

func TestLocalTransport_OrderPreserved(t *testing.T) {
	lt := newLocalTransport()
	defer lt.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	require.NoError(t, lt.Subscribe(t.Context(), "c", func(p []byte) {
		mu.Lock()
		got = append(got, string(p))
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	}))

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, lt.Publish(t.Context(), "c", []byte(p)))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestLocalTransport_PublishAfterClose(t *testing.T) {
	lt := newLocalTransport()
	require.NoError(t, lt.Close())
	assert.Error(t, lt.Publish(context.Background(), "c", []byte("x")))
	assert.Error(t, lt.Subscribe(context.Background(), "c", func([]byte) {}))
}
