// ABOUTME: Task dispatcher polling the store for todo tasks and handing each to its lead agent
// ABOUTME: Executions run asynchronously; a claim cache keeps overlapping ticks from starting a task twice

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/hive/internal/agent"
	"github.com/2389/hive/internal/dedupe"
	"github.com/2389/hive/internal/metrics"
	"github.com/2389/hive/internal/store"
)

const (
	DefaultInterval  = 30 * time.Second
	DefaultBatchSize = 50
	DefaultClaimTTL  = 15 * time.Minute
)

// Executor runs a task on one agent.
type Executor interface {
	ID() string
	Profile() agent.Profile
	ExecuteTask(ctx context.Context, task *store.Task) (json.RawMessage, error)
}

// Resolver finds the executor for an agent id, or nil if none is registered.
type Resolver func(agentID string) Executor

// Options configures a Dispatcher.
type Options struct {
	Store     store.TaskStore
	Resolve   Resolver
	Interval  time.Duration
	BatchSize int
	ClaimTTL  time.Duration
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Dispatcher moves todo tasks to their lead agents.
type Dispatcher struct {
	store   store.TaskStore
	resolve Resolver
	opts    Options
	claims  *dedupe.Cache
	logger  *slog.Logger

	loop     loop
	inFlight sync.WaitGroup
}

// collaborator is one entry of requirements.collaborators.
type collaborator struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// NewDispatcher creates a stopped dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = DefaultClaimTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		store:   opts.Store,
		resolve: opts.Resolve,
		opts:    opts,
		claims:  dedupe.New(opts.ClaimTTL, 10000),
		logger:  opts.Logger.With("component", "dispatcher"),
	}
}

// Start begins polling. Starting a running dispatcher logs a warning and does nothing.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.loop.start(ctx, d.opts.Interval, d.tick) {
		d.logger.Warn("dispatcher already running")
		return
	}
	d.logger.Info("dispatcher started", "interval", d.opts.Interval)
}

// Stop halts polling. In-flight executions keep running. Safe to call repeatedly.
func (d *Dispatcher) Stop() {
	if d.loop.stop() {
		d.logger.Info("dispatcher stopped")
	}
}

// Running reports whether the polling loop is active.
func (d *Dispatcher) Running() bool { return d.loop.running() }

// Wait blocks until every execution started so far has returned.
func (d *Dispatcher) Wait() { d.inFlight.Wait() }

// Close stops polling and releases the claim cache.
func (d *Dispatcher) Close() {
	d.Stop()
	d.claims.Close()
}

func (d *Dispatcher) tick(ctx context.Context) {
	if _, err := d.TriggerCheck(ctx); err != nil {
		d.logger.Error("dispatcher tick failed", "error", err)
	}
}

// TriggerCheck runs one polling pass synchronously and returns how many tasks
// were handed to an agent. It does not wait for the executions.
func (d *Dispatcher) TriggerCheck(ctx context.Context) (int, error) {
	tasks, err := d.store.ListTasksByStatus(ctx, store.TaskStatusTodo, d.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing todo tasks: %w", err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	d.logger.Info("found tasks to process", "count", len(tasks))

	dispatched := 0
	for _, task := range tasks {
		if d.dispatch(ctx, task) {
			dispatched++
		}
	}
	return dispatched, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, task *store.Task) bool {
	logger := d.logger.With("task_id", task.ID)

	lead := task.LeadAgentID()
	if lead == "" {
		logger.Warn("task has no assigned agents")
		return false
	}
	exec := d.resolve(lead)
	if exec == nil {
		logger.Warn("lead agent not registered", "agent_id", lead)
		return false
	}
	if !d.claims.Claim(task.ID) {
		logger.Debug("task already in flight")
		return false
	}

	req, err := withCollaborators(task.Requirements, d.collaborators(task, lead))
	if err != nil {
		logger.Warn("leaving requirements unchanged", "error", err)
	} else {
		task.Requirements = req
	}
	task.Status = store.TaskStatusInProgress
	task.AssignedToID = lead
	if err := d.store.UpsertTask(ctx, task); err != nil {
		d.claims.Release(task.ID)
		logger.Error("marking task in progress", "error", err)
		return false
	}
	if len(task.AssigneeIDs) > 1 {
		logger.Info("task has co-assignees; only the lead executes", "lead", lead, "assignees", task.AssigneeIDs)
	}

	d.opts.Metrics.TaskDispatched()
	logger.Info("executing task", "agent_id", lead, "title", task.Title)

	execCtx := context.WithoutCancel(ctx)
	d.inFlight.Add(1)
	go func() {
		defer d.inFlight.Done()
		defer d.claims.Release(task.ID)

		if _, err := exec.ExecuteTask(execCtx, task); err != nil {
			logger.Error("task failed", "agent_id", lead, "error", err)
			return
		}
		logger.Info("task finished", "agent_id", lead, "status", task.Status)
	}()
	return true
}

func (d *Dispatcher) collaborators(task *store.Task, lead string) []collaborator {
	ids := task.AssigneeIDs
	if len(ids) == 0 {
		ids = []string{lead}
	}
	out := make([]collaborator, 0, len(ids))
	for _, id := range ids {
		c := collaborator{ID: id}
		if e := d.resolve(id); e != nil {
			p := e.Profile()
			c.Name, c.Role = p.Name, p.Role
		}
		out = append(out, c)
	}
	return out
}

// withCollaborators sets the collaborators key of a requirements object,
// preserving every other key.
func withCollaborators(req json.RawMessage, collaborators []collaborator) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	trimmed := bytes.TrimSpace(req)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return nil, fmt.Errorf("requirements are not an object: %w", err)
		}
	}
	raw, err := json.Marshal(collaborators)
	if err != nil {
		return nil, fmt.Errorf("encoding collaborators: %w", err)
	}
	fields["collaborators"] = raw
	return json.Marshal(fields)
}
