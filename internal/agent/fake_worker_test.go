// ABOUTME: In-memory worker processes for bridge and directory tests
// ABOUTME: fakeLauncher hands out io.Pipe-backed processes driven by a scripted handler

package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/hive/internal/relay"
	"github.com/2389/hive/internal/store"
)

// workerMsg is one envelope the bridge wrote to a fake worker.
type workerMsg map[string]any

func (m workerMsg) typ() string { s, _ := m["type"].(string); return s }

func (m workerMsg) requestID() any { return m["requestId"] }

func (m workerMsg) task() map[string]any {
	t, _ := m["task"].(map[string]any)
	return t
}

// workerHandler reacts to one envelope from the bridge.
type workerHandler func(w *fakeProcess, msg workerMsg)

type fakeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	writeMu  sync.Mutex
	received chan workerMsg
	done     chan struct{}
	once     sync.Once
	err      error
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{
		received: make(chan workerMsg, 64),
		done:     make(chan struct{}),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader     { return p.stderrR }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Pid() int              { return 4242 }

func (p *fakeProcess) Err() error {
	<-p.done
	return p.err
}

func (p *fakeProcess) Kill() error {
	p.exit(errors.New("signal: killed"))
	return nil
}

// exit simulates the process terminating.
func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		p.stdinR.CloseWithError(io.ErrClosedPipe)
		p.stdoutW.Close()
		p.stderrW.Close()
		close(p.done)
	})
}

// reply writes one JSON line to the bridge.
func (p *fakeProcess) reply(v any) {
	line, _ := json.Marshal(v)
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, _ = p.stdoutW.Write(append(line, '\n'))
}

// raw writes an unstructured line to the bridge.
func (p *fakeProcess) raw(s string) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, _ = p.stdoutW.Write([]byte(s + "\n"))
}

func (p *fakeProcess) run(h workerHandler) {
	scanner := bufio.NewScanner(p.stdinR)
	for scanner.Scan() {
		var msg workerMsg
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		p.received <- msg
		if h != nil {
			h(p, msg)
		}
	}
	p.exit(nil)
}

// next returns the next envelope of the given type the worker received.
func (p *fakeProcess) next(t *testing.T, typ string) workerMsg {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-p.received:
			if msg.typ() == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("worker never received %s", typ)
			return nil
		}
	}
}

type fakeLauncher struct {
	handler workerHandler

	mu    sync.Mutex
	procs []*fakeProcess
	err   error
}

func (l *fakeLauncher) Launch(ctx context.Context, spec WorkerSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	p := newFakeProcess()
	l.procs = append(l.procs, p)
	go p.run(l.handler)
	return p, nil
}

func (l *fakeLauncher) last(t *testing.T) *fakeProcess {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.NotEmpty(t, l.procs, "no process launched")
	return l.procs[len(l.procs)-1]
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

// respondWith answers every execute_task with result.
func respondWith(result any) workerHandler {
	return func(w *fakeProcess, msg workerMsg) {
		if msg.typ() == msgExecuteTask {
			w.reply(map[string]any{"type": msgResponse, "requestId": msg.requestID(), "result": result})
		}
	}
}

// echoChat answers execute_task with {"ok":true} and echoes chat turns.
func echoChat(w *fakeProcess, msg workerMsg) {
	switch msg.typ() {
	case msgExecuteTask:
		w.reply(map[string]any{"type": msgResponse, "requestId": msg.requestID(), "result": map[string]any{"ok": true}})
	case msgHandleChat:
		w.reply(map[string]any{"type": msgResponse, "requestId": msg.requestID(), "result": map[string]any{"reply": msg["message"]}})
	}
}

type testRig struct {
	store    *store.MockStore
	launcher *fakeLauncher
}

func newRig(h workerHandler) *testRig {
	return &testRig{store: store.NewMockStore(), launcher: &fakeLauncher{handler: h}}
}

// bridge builds a bridge whose agent row already exists.
func (r *testRig) bridge(t *testing.T, id string, mutate func(*BridgeOptions)) *Bridge {
	t.Helper()
	opts := BridgeOptions{
		Profile:  Profile{ID: id, Name: id, Skills: []string{"general"}, Category: "core"},
		Spec:     WorkerSpec{Command: "fake"},
		Launcher: r.launcher,
		Store:    r.store,
	}
	if mutate != nil {
		mutate(&opts)
	}
	b := NewBridge(opts)
	snap := b.Snapshot()
	require.NoError(t, r.store.UpsertAgent(context.Background(), &snap))
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	return b
}

// setLoad overrides the derived load for selection tests.
func setLoad(b *Bridge, load int) {
	b.mu.Lock()
	b.state.Load = load
	b.mu.Unlock()
}

func relayEnvelope(from, to, content string) relay.Envelope {
	return relay.Envelope{FromID: from, ToID: to, Content: content, Type: store.MessageTypeChat}
}
