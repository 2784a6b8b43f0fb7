// ABOUTME: Process Bridge owning one worker subprocess and its newline-JSON IPC channel
// ABOUTME: Correlates requests with responses, mediates tool calls, and drives task status

package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/hive/internal/events"
	"github.com/2389/hive/internal/metrics"
	"github.com/2389/hive/internal/relay"
	"github.com/2389/hive/internal/store"
)

// Default round-trip bounds.
const (
	DefaultTaskTimeout = 300 * time.Second
	DefaultChatTimeout = 60 * time.Second
	DefaultToolTimeout = 30 * time.Second
)

const (
	maxLineSize     = 4 << 20
	shutdownGrace   = 3 * time.Second
	killWait        = 5 * time.Second
	persistTimeout  = 5 * time.Second
	notifyTimeout   = 10 * time.Second
	initialLineSize = 64 * 1024
	mailboxSize     = 64
)

var errChatTimeout = fmt.Errorf("chat turn: %w", ErrTimeout)

// Profile is the static identity and capability metadata of an agent.
type Profile struct {
	ID       string
	Name     string
	Role     string
	Emoji    string
	Color    string
	Category string
	Skills   []string
}

// ToolInvoker performs tool calls on behalf of a worker.
type ToolInvoker interface {
	Invoke(ctx context.Context, agentID, name string, args json.RawMessage) (any, error)
}

// Messenger delivers point-to-point messages between agents.
type Messenger interface {
	SendMessage(ctx context.Context, fromID, toID, content, msgType string) error
}

// BridgeOptions configures a Bridge. Store is required. MailboxSize bounds the
// relayed messages queued for a worker that is not reading.
type BridgeOptions struct {
	Profile   Profile
	Spec      WorkerSpec
	Launcher  Launcher
	Store     store.Store
	Tools     ToolInvoker
	Messenger Messenger
	Metrics   *metrics.Metrics

	TaskTimeout time.Duration
	ChatTimeout time.Duration
	ToolTimeout time.Duration
	MaxPending  int
	MailboxSize int

	Logger *slog.Logger
}

// ChatRequest is one conversational turn for a worker.
type ChatRequest struct {
	Message   string
	History   json.RawMessage
	TaskID    string
	ContextID string
}

// Bridge supervises one worker process. It is the only writer of its agent's
// status, apart from the health monitor.
type Bridge struct {
	opts    BridgeOptions
	logger  *slog.Logger
	bus     *events.Bus
	pending *pendingTable
	mailbox chan relay.Envelope

	// ctx lives until Shutdown; async work started by the bridge uses it.
	ctx    context.Context
	cancel context.CancelFunc

	lifeMu  sync.Mutex // serializes Start, Restart and Shutdown
	writeMu sync.Mutex // one stdin line at a time

	mu          sync.RWMutex
	proc        Process
	gen         uint64
	stdinBroken bool
	closed      bool
	state       store.Agent
	resolve     func(id string) *Bridge
}

// NewBridge creates a bridge in offline state. Call Start to spawn the worker.
func NewBridge(opts BridgeOptions) *Bridge {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Launcher == nil {
		opts.Launcher = ExecLauncher{}
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = DefaultTaskTimeout
	}
	if opts.ChatTimeout <= 0 {
		opts.ChatTimeout = DefaultChatTimeout
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = DefaultToolTimeout
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = mailboxSize
	}
	opts.Spec.AgentID = opts.Profile.ID

	logger := opts.Logger.With("component", "bridge", "agent_id", opts.Profile.ID)
	ctx, cancel := context.WithCancel(context.Background())
	p := opts.Profile
	b := &Bridge{
		opts:    opts,
		logger:  logger,
		bus:     events.NewBus(logger),
		mailbox: make(chan relay.Envelope, opts.MailboxSize),
		ctx:     ctx,
		cancel:  cancel,
		state: store.Agent{
			ID:       p.ID,
			Name:     p.Name,
			Role:     p.Role,
			Emoji:    p.Emoji,
			Color:    p.Color,
			Category: p.Category,
			Status:   store.AgentStatusOffline,
			Skills:   slices.Clone(p.Skills),
		},
	}
	b.pending = newPendingTable(opts.MaxPending, func(n int) {
		opts.Metrics.SetPending(p.ID, n)
	})
	go b.mailboxLoop()
	return b
}

// ID returns the agent id.
func (b *Bridge) ID() string { return b.opts.Profile.ID }

// Profile returns the agent's static metadata.
func (b *Bridge) Profile() Profile { return b.opts.Profile }

// Events returns the bridge's own event stream. It is closed by Shutdown.
func (b *Bridge) Events() *events.Bus { return b.bus }

// SetResolver installs the lookup used to find assign_task targets.
func (b *Bridge) SetResolver(fn func(id string) *Bridge) {
	b.mu.Lock()
	b.resolve = fn
	b.mu.Unlock()
}

// Snapshot returns a copy of the agent's current metadata, status and stats.
func (b *Bridge) Snapshot() store.Agent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a := b.state
	a.Skills = slices.Clone(b.state.Skills)
	return a
}

// Status returns the agent's current status.
func (b *Bridge) Status() store.AgentStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.Status
}

// Alive reports whether the worker process exists, has not exited, and its
// stdin is still writable.
func (b *Bridge) Alive() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.proc == nil || b.stdinBroken {
		return false
	}
	select {
	case <-b.proc.Done():
		return false
	default:
		return true
	}
}

// Start spawns the worker and begins consuming its output. Starting a bridge
// whose worker is alive is a no-op.
func (b *Bridge) Start(ctx context.Context) error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	return b.startLocked(ctx)
}

func (b *Bridge) startLocked(ctx context.Context) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("bridge %s is shut down: %w", b.ID(), ErrNotRunning)
	}
	if b.Alive() {
		return nil
	}

	proc, err := b.opts.Launcher.Launch(ctx, b.opts.Spec)
	if err != nil {
		return fmt.Errorf("launching worker for %s: %w", b.ID(), err)
	}

	b.mu.Lock()
	b.gen++
	gen := b.gen
	b.proc = proc
	b.stdinBroken = false
	b.mu.Unlock()

	go b.readLoop(proc)
	go b.stderrLoop(proc)
	go b.watchExit(proc, gen)

	b.logger.Info("worker started", "pid", proc.Pid(), "command", b.opts.Spec.Command)
	return b.SetStatus(ctx, store.AgentStatusIdle)
}

// Restart kills any lingering worker, pauses, and spawns a fresh one.
func (b *Bridge) Restart(ctx context.Context, pause time.Duration) error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	b.mu.RLock()
	proc := b.proc
	b.mu.RUnlock()

	if proc != nil {
		if err := proc.Kill(); err != nil {
			b.logger.Warn("failed to kill worker before restart", "error", err)
		}
		select {
		case <-proc.Done():
		case <-time.After(killWait):
			b.logger.Warn("worker did not exit after kill", "pid", proc.Pid())
		}
		b.pending.rejectAll(ErrConnectionClosed)
	}

	if pause > 0 {
		select {
		case <-time.After(pause):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return b.startLocked(ctx)
}

// Shutdown closes the worker's stdin, waits briefly for it to exit, kills it
// otherwise, rejects outstanding requests, and marks the agent offline.
// The bridge cannot be started again.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	proc := b.proc
	b.mu.Unlock()

	if proc != nil {
		if err := proc.Stdin().Close(); err != nil {
			b.logger.Debug("closing worker stdin", "error", err)
		}
		select {
		case <-proc.Done():
		case <-time.After(shutdownGrace):
			b.killAndWait(proc)
		case <-ctx.Done():
			b.killAndWait(proc)
		}
	}

	if n := b.pending.rejectAll(ErrConnectionClosed); n > 0 {
		b.logger.Info("rejected outstanding requests on shutdown", "count", n)
	}
	b.cancel()

	err := b.SetStatus(ctx, store.AgentStatusOffline)
	b.bus.Close()
	b.logger.Info("bridge shut down")
	return err
}

func (b *Bridge) killAndWait(proc Process) {
	if err := proc.Kill(); err != nil {
		b.logger.Warn("failed to kill worker", "error", err)
	}
	select {
	case <-proc.Done():
	case <-time.After(killWait):
		b.logger.Warn("worker did not exit after kill", "pid", proc.Pid())
	}
}

// SetStatus records a status and its derived load, persists it, and emits a
// status event.
func (b *Bridge) SetStatus(ctx context.Context, status store.AgentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid agent status %q", status)
	}

	b.mu.Lock()
	prev := b.state.Status
	b.state.Status = status
	b.state.Load = status.Load()
	b.state.UpdatedAt = time.Now().UTC()
	load := b.state.Load
	b.mu.Unlock()

	b.bus.Publish(&events.AgentStatusChanged{
		Header:   events.Header{AgentID: b.ID()},
		Previous: prev,
		Status:   status,
		Load:     load,
	})

	if err := b.opts.Store.UpdateAgentStatus(ctx, b.ID(), status, load); err != nil {
		b.logger.Error("failed to persist agent status", "status", status, "error", err)
		return fmt.Errorf("persisting status for %s: %w", b.ID(), err)
	}
	return nil
}

// ExecuteTask sends the task to the worker and waits for its response. The
// task is persisted in_progress before sending and left in its final state:
// completed, failed, or still in_progress when the worker delegated it.
func (b *Bridge) ExecuteTask(ctx context.Context, task *store.Task) (json.RawMessage, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.AssignedToID = b.ID()
	task.Status = store.TaskStatusInProgress
	task.Error = ""
	task.Delegated = false
	b.persistTask(task)

	start := time.Now()
	if !b.Alive() {
		return nil, b.failTask(task, start, ErrNotRunning)
	}
	b.setStatusQuiet(store.AgentStatusBusy)
	b.bus.Publish(&events.TaskStarted{
		Header: events.Header{AgentID: b.ID()},
		TaskID: task.ID,
		Title:  task.Title,
	})

	snapshot := *task
	req, err := b.pending.add(kindTask, &snapshot, b.opts.TaskTimeout, ErrTimeout)
	if err != nil {
		return nil, b.failTask(task, start, err)
	}

	if err := b.send(executeTaskEnvelope{Type: msgExecuteTask, RequestID: req.id, Task: task}); err != nil {
		b.pending.cancel(req.id)
		return nil, b.failTask(task, start, err)
	}
	b.logger.Debug("task sent", "task_id", task.ID, "request_id", req.id)

	var out outcome
	select {
	case out = <-req.done:
	case <-ctx.Done():
		b.pending.cancel(req.id)
		out.err = ctx.Err()
	}

	if out.err != nil {
		return nil, b.failTask(task, start, out.err)
	}
	if isDelegationMarker(out.value) {
		b.delegateTask(task, start, out.value)
		return out.value, nil
	}
	b.completeTask(task, start, out.value)
	return out.value, nil
}

func (b *Bridge) completeTask(task *store.Task, start time.Time, result json.RawMessage) {
	d := time.Since(start)
	task.Status = store.TaskStatusCompleted
	task.Result = result
	task.DurationMs = d.Milliseconds()
	b.persistTask(task)
	b.recordOutcome(true, d)
	b.settleStatus()

	b.bus.Publish(&events.TaskCompleted{
		Header:     events.Header{AgentID: b.ID()},
		TaskID:     task.ID,
		DurationMs: task.DurationMs,
		Result:     result,
	})
	b.opts.Metrics.TaskFinished(metrics.OutcomeCompleted, d)
	b.logger.Info("task completed", "task_id", task.ID, "duration_ms", task.DurationMs)

	if task.ParentAgentID != "" && task.ParentAgentID != b.ID() {
		go b.notifyParent(*task)
	}
}

func (b *Bridge) failTask(task *store.Task, start time.Time, cause error) error {
	d := time.Since(start)
	task.Status = store.TaskStatusFailed
	task.Error = cause.Error()
	task.DurationMs = d.Milliseconds()
	b.persistTask(task)
	b.recordOutcome(false, d)
	b.settleStatus()

	b.bus.Publish(&events.TaskFailed{
		Header: events.Header{AgentID: b.ID()},
		TaskID: task.ID,
		Error:  task.Error,
	})
	b.opts.Metrics.TaskFinished(metrics.OutcomeFailed, d)
	b.logger.Warn("task failed", "task_id", task.ID, "error", cause)
	return cause
}

// delegateTask keeps the task in_progress with the marker attached and frees
// the agent for other work.
func (b *Bridge) delegateTask(task *store.Task, start time.Time, marker json.RawMessage) {
	task.Result = marker
	task.Delegated = true
	b.persistTask(task)
	b.settleStatus()

	b.bus.Publish(&events.TaskDelegated{
		Header: events.Header{AgentID: b.ID()},
		TaskID: task.ID,
		Marker: marker,
	})
	b.opts.Metrics.TaskFinished(metrics.OutcomeDelegated, time.Since(start))
	b.logger.Info("task delegated", "task_id", task.ID)
}

// taskNotice is the task-event content sent to a delegating agent.
type taskNotice struct {
	Event        string          `json:"event"`
	TaskID       string          `json:"taskId"`
	ParentTaskID string          `json:"parentTaskId,omitempty"`
	AgentID      string          `json:"agentId"`
	Result       json.RawMessage `json:"result,omitempty"`
}

func (b *Bridge) notifyParent(task store.Task) {
	if b.opts.Messenger == nil {
		return
	}
	content, err := json.Marshal(taskNotice{
		Event:        "task_completed",
		TaskID:       task.ID,
		ParentTaskID: task.ParentTaskID,
		AgentID:      b.ID(),
		Result:       task.Result,
	})
	if err != nil {
		b.logger.Error("encoding completion notice", "task_id", task.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, notifyTimeout)
	defer cancel()
	if err := b.opts.Messenger.SendMessage(ctx, b.ID(), task.ParentAgentID, string(content), store.MessageTypeTaskEvent); err != nil {
		b.logger.Error("failed to notify parent agent",
			"task_id", task.ID,
			"parent_agent_id", task.ParentAgentID,
			"error", err)
	}
}

// recordOutcome bumps the running counters and persists them.
func (b *Bridge) recordOutcome(ok bool, d time.Duration) {
	b.mu.Lock()
	st := &b.state.Stats
	if ok {
		st.TasksCompleted++
		n := float64(st.TasksCompleted)
		st.AverageDurationMs = (st.AverageDurationMs*(n-1) + float64(d.Milliseconds())) / n
	} else {
		st.TasksFailed++
	}
	b.mu.Unlock()

	snap := b.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := b.opts.Store.UpsertAgent(ctx, &snap); err != nil {
		b.logger.Error("failed to persist agent stats", "error", err)
	}
}

// settleStatus returns a live agent to idle. A dead worker is left to the exit
// watcher, which records error.
func (b *Bridge) settleStatus() {
	if b.Alive() {
		b.setStatusQuiet(store.AgentStatusIdle)
	}
}

func (b *Bridge) setStatusQuiet(status store.AgentStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	_ = b.SetStatus(ctx, status)
}

func (b *Bridge) persistTask(task *store.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := b.opts.Store.UpsertTask(ctx, task); err != nil {
		b.logger.Error("failed to persist task", "task_id", task.ID, "status", task.Status, "error", err)
	}
}

// HandleChat sends one chat turn and waits for the reply.
func (b *Bridge) HandleChat(ctx context.Context, chat ChatRequest) (json.RawMessage, error) {
	req, err := b.pending.add(kindChat, nil, b.opts.ChatTimeout, errChatTimeout)
	if err != nil {
		return nil, err
	}

	env := handleChatEnvelope{
		Type:      msgHandleChat,
		RequestID: req.id,
		Message:   chat.Message,
		History:   chat.History,
		TaskID:    chat.TaskID,
		ContextID: chat.ContextID,
	}
	if err := b.send(env); err != nil {
		b.pending.cancel(req.id)
		return nil, err
	}

	var out outcome
	select {
	case out = <-req.done:
	case <-ctx.Done():
		b.pending.cancel(req.id)
		return nil, ctx.Err()
	}
	if out.err != nil {
		return nil, out.err
	}

	b.bus.Publish(&events.ChatReply{
		Header:    events.Header{AgentID: b.ID()},
		TaskID:    chat.TaskID,
		ContextID: chat.ContextID,
		Reply:     out.value,
	})
	return out.value, nil
}

// ReceiveMessage queues a relayed message for the worker and returns without
// waiting for the write. A worker that stops reading fills its mailbox, after
// which further messages fail with ErrMailboxFull.
func (b *Bridge) ReceiveMessage(ctx context.Context, env relay.Envelope) error {
	if !b.Alive() {
		return ErrNotRunning
	}
	select {
	case b.mailbox <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return ErrNotRunning
	default:
		return fmt.Errorf("%w: %s", ErrMailboxFull, b.ID())
	}
}

// mailboxLoop writes queued relayed messages to the worker in order until
// Shutdown.
func (b *Bridge) mailboxLoop() {
	for {
		select {
		case env := <-b.mailbox:
			if err := b.send(handleMessageEnvelope{Type: msgHandleMessage, Message: env}); err != nil {
				b.logger.Warn("dropping relayed message", "from_id", env.FromID, "error", err)
			}
		case <-b.ctx.Done():
			return
		}
	}
}

// send writes one JSON line to the worker's stdin.
func (b *Bridge) send(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	line = append(line, '\n')

	b.mu.RLock()
	proc := b.proc
	broken := b.stdinBroken
	b.mu.RUnlock()
	if proc == nil || broken {
		return ErrNotRunning
	}
	select {
	case <-proc.Done():
		return ErrNotRunning
	default:
	}

	b.writeMu.Lock()
	_, err = proc.Stdin().Write(line)
	b.writeMu.Unlock()
	if err != nil {
		b.mu.Lock()
		if b.proc == proc {
			b.stdinBroken = true
		}
		b.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	return nil
}

func (b *Bridge) readLoop(proc Process) {
	scanner := bufio.NewScanner(proc.Stdout())
	scanner.Buffer(make([]byte, initialLineSize), maxLineSize)
	for scanner.Scan() {
		b.handleLine(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		b.logger.Warn("worker stdout read failed", "error", err)
		// Keep draining so the worker never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, proc.Stdout())
	}
}

func (b *Bridge) stderrLoop(proc Process) {
	scanner := bufio.NewScanner(proc.Stderr())
	scanner.Buffer(make([]byte, initialLineSize), maxLineSize)
	for scanner.Scan() {
		b.logger.Warn("worker stderr", "line", scanner.Text())
	}
	if scanner.Err() != nil {
		_, _ = io.Copy(io.Discard, proc.Stderr())
	}
}

// watchExit fails outstanding requests and marks the agent error when the
// current worker exits on its own.
func (b *Bridge) watchExit(proc Process, gen uint64) {
	<-proc.Done()

	// Restart and Shutdown hold lifeMu while replacing or retiring the worker.
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	b.mu.RLock()
	current := b.gen == gen
	closed := b.closed
	b.mu.RUnlock()
	if !current {
		return
	}

	n := b.pending.rejectAll(ErrConnectionClosed)
	if closed {
		return
	}
	b.logger.Warn("worker exited", "pid", proc.Pid(), "error", proc.Err(), "rejected", n)
	b.setStatusQuiet(store.AgentStatusError)
}

func (b *Bridge) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	var msg inbound
	if err := json.Unmarshal(line, &msg); err != nil || msg.Type == "" {
		b.logger.Debug("worker output", "line", string(line))
		return
	}

	switch msg.Type {
	case msgResponse:
		b.handleResponse(msg)
	case msgToolCall:
		go b.handleToolCall(msg)
	case msgStatusUpdate:
		b.handleStatusUpdate(msg)
	case msgProgressUpdate:
		b.handleProgress(msg, bytes.Clone(line))
	case msgActivityLog:
		b.bus.Publish(&events.TaskActivity{
			Header:  events.Header{AgentID: b.ID()},
			TaskID:  msg.TaskID,
			Payload: bytes.Clone(line),
		})
	case msgLog:
		b.logger.Info("worker log", "content", msg.Content)
	case msgAgentMessage:
		b.bus.Publish(&events.AgentMessage{
			Header:  events.Header{AgentID: b.ID()},
			Payload: bytes.Clone(line),
		})
	case msgAssignTask:
		b.handleAssignTask(msg)
	default:
		b.logger.Warn("unknown worker message type", "type", msg.Type)
	}
}

func (b *Bridge) handleResponse(msg inbound) {
	id, ok := parseRequestID(msg.RequestID)
	if !ok {
		b.logger.Warn("response without usable request id", "request_id", string(msg.RequestID))
		return
	}

	var err error
	if msg.Error != "" {
		err = &WorkerError{Message: msg.Error}
	}
	if !b.pending.resolve(id, msg.Result, err) {
		b.logger.Debug("dropping response for unknown request", "request_id", id)
	}
}

func (b *Bridge) handleStatusUpdate(msg inbound) {
	if !msg.Status.Valid() || msg.Status == store.AgentStatusOffline {
		b.logger.Warn("ignoring invalid status update", "status", msg.Status)
		return
	}
	b.setStatusQuiet(msg.Status)
}

// handleProgress refreshes the timeout of the addressed task request, or of
// every outstanding task request when no id is given, and touches the task
// rows so the stale-task reaper leaves them alone.
func (b *Bridge) handleProgress(msg inbound, payload json.RawMessage) {
	var refreshed []*pendingRequest
	if id, ok := parseRequestID(msg.RequestID); ok {
		if req, found := b.pending.refresh(id); found {
			refreshed = append(refreshed, req)
		}
	} else {
		refreshed = b.pending.refreshKind(kindTask)
	}

	taskID := msg.TaskID
	for _, req := range refreshed {
		if req.task == nil {
			continue
		}
		if taskID == "" && len(refreshed) == 1 {
			taskID = req.task.ID
		}
		b.persistTask(req.task)
	}

	b.bus.Publish(&events.TaskProgress{
		Header:  events.Header{AgentID: b.ID()},
		TaskID:  taskID,
		Payload: payload,
	})
}

func (b *Bridge) handleToolCall(msg inbound) {
	ctx, cancel := context.WithTimeout(b.ctx, b.opts.ToolTimeout)
	defer cancel()

	resp := toolResponseEnvelope{Type: msgToolResponse, RequestID: msg.RequestID}
	result, err := b.invokeTool(ctx, msg.ToolName, msg.Args)
	if err != nil {
		resp.Error = err.Error()
		b.logger.Debug("tool call failed", "tool", msg.ToolName, "error", err)
	} else {
		resp.Result = result
	}
	b.opts.Metrics.ToolCall(msg.ToolName, err)

	if err := b.send(resp); err != nil {
		b.logger.Warn("failed to send tool response", "tool", msg.ToolName, "error", err)
	}
}

type toolResult struct {
	value any
	err   error
}

// invokeTool runs a tool call bounded by ctx. Panics become errors.
func (b *Bridge) invokeTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	if b.opts.Tools == nil {
		return nil, fmt.Errorf("no tools available for %s", name)
	}

	ch := make(chan toolResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				b.logger.Error("tool panicked", "tool", name, "panic", p)
				ch <- toolResult{err: fmt.Errorf("tool %s panicked: %v", name, p)}
			}
		}()
		v, err := b.opts.Tools.Invoke(ctx, b.ID(), name, args)
		ch <- toolResult{value: v, err: err}
	}()

	var r toolResult
	select {
	case r = <-ch:
	case <-ctx.Done():
		r.err = ctx.Err()
	}
	if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("tool %s timed out after %s", name, b.opts.ToolTimeout)
	}
	return r.value, r.err
}

// handleAssignTask hands a subtask to another agent without waiting for it.
// Unknown targets are logged and skipped.
func (b *Bridge) handleAssignTask(msg inbound) {
	b.mu.RLock()
	resolve := b.resolve
	b.mu.RUnlock()

	var target *Bridge
	if resolve != nil && msg.TargetAgent != "" {
		target = resolve(msg.TargetAgent)
	}
	if target == nil {
		b.logger.Warn("delegation target not found", "target_agent", msg.TargetAgent)
		return
	}
	if target == b {
		b.logger.Warn("ignoring delegation to self", "target_agent", msg.TargetAgent)
		return
	}

	var sub store.Task
	if len(msg.Task) > 0 {
		if err := json.Unmarshal(msg.Task, &sub); err != nil {
			b.logger.Warn("malformed delegated task", "target_agent", msg.TargetAgent, "error", err)
			return
		}
	}
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	sub.ParentAgentID = b.ID()
	if sub.ParentTaskID == "" {
		sub.ParentTaskID = msg.ParentTaskID
	}
	if sub.ParentTaskID == "" {
		sub.ParentTaskID = msg.TaskID
	}
	sub.AssignedToID = target.ID()

	b.bus.Publish(&events.TaskAssigned{
		Header:       events.Header{AgentID: b.ID()},
		TaskID:       sub.ID,
		ToAgentID:    target.ID(),
		ParentTaskID: sub.ParentTaskID,
	})
	b.logger.Info("task assigned", "task_id", sub.ID, "to_agent_id", target.ID(), "parent_task_id", sub.ParentTaskID)

	go func() {
		if _, err := target.ExecuteTask(target.ctx, &sub); err != nil {
			b.logger.Debug("delegated task failed", "task_id", sub.ID, "error", err)
		}
	}()
}
