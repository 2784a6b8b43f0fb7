// ABOUTME: Health monitor probing worker liveness and applying the crash-window restart policy
// ABOUTME: Transitions are detected against the monitor's own recorded view of each agent

package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/hive/internal/agent"
	"github.com/2389/hive/internal/events"
	"github.com/2389/hive/internal/metrics"
	"github.com/2389/hive/internal/store"
)

const (
	DefaultInterval     = 30 * time.Second
	DefaultCrashWindow  = 5 * time.Minute
	DefaultMaxCrashes   = 3
	DefaultRestartPause = time.Second
)

// Worker is the part of a bridge the monitor supervises.
type Worker interface {
	ID() string
	Profile() agent.Profile
	Status() store.AgentStatus
	Alive() bool
	SetStatus(ctx context.Context, status store.AgentStatus) error
	Restart(ctx context.Context, pause time.Duration) error
}

// Options configures a Monitor.
type Options struct {
	// Workers lists the agents to probe on each check.
	Workers      func() []Worker
	Bus          *events.Bus
	Interval     time.Duration
	CrashWindow  time.Duration
	MaxCrashes   int
	RestartPause time.Duration
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// AgentReport is one agent's entry in Report.
type AgentReport struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Status    store.AgentStatus `json:"status"`
	Healthy   bool              `json:"healthy"`
	Crashes   int               `json:"crashesInWindow"`
	LastCrash *time.Time        `json:"lastCrash,omitempty"`
}

// record is the monitor's view of one agent.
type record struct {
	healthy   bool
	crashes   []time.Time // oldest first, pruned to the crash window
	lastCrash time.Time
}

// Monitor periodically probes every worker.
type Monitor struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	checkMu sync.Mutex // serializes CheckAll

	mu      sync.Mutex
	records map[string]*record

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a stopped monitor.
func NewMonitor(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.CrashWindow <= 0 {
		opts.CrashWindow = DefaultCrashWindow
	}
	if opts.MaxCrashes <= 0 {
		opts.MaxCrashes = DefaultMaxCrashes
	}
	if opts.RestartPause < 0 {
		opts.RestartPause = DefaultRestartPause
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger)
	}
	return &Monitor{
		opts:    opts,
		logger:  opts.Logger.With("component", "health"),
		now:     time.Now,
		records: make(map[string]*record),
	}
}

// Start begins periodic checks. Starting a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		m.logger.Warn("health monitor already running")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
	m.logger.Info("health monitor started", "interval", m.opts.Interval)
}

// Stop halts periodic checks and waits for a running check to finish.
func (m *Monitor) Stop() {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("health monitor stopped")
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	m.CheckAll(ctx)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll probes every worker once and applies the recovery policy.
func (m *Monitor) CheckAll(ctx context.Context) {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	workers := m.opts.Workers()
	seen := make(map[string]bool, len(workers))
	for _, w := range workers {
		seen[w.ID()] = true
		m.check(ctx, w)
	}

	m.mu.Lock()
	for id := range m.records {
		if !seen[id] {
			delete(m.records, id)
		}
	}
	m.mu.Unlock()
}

func (m *Monitor) check(ctx context.Context, w Worker) {
	status := w.Status()
	if status == store.AgentStatusOffline {
		return
	}

	m.mu.Lock()
	rec, ok := m.records[w.ID()]
	if !ok {
		rec = &record{healthy: true}
		m.records[w.ID()] = rec
	}
	rec.crashes = m.prune(rec.crashes)
	wasHealthy := rec.healthy
	m.mu.Unlock()

	alive := w.Alive()
	switch {
	case !alive && wasHealthy:
		m.onCrash(ctx, w, rec)
	case alive && (!wasHealthy || status == store.AgentStatusError):
		m.onRecover(ctx, w, rec, status)
	}
}

func (m *Monitor) onCrash(ctx context.Context, w Worker, rec *record) {
	now := m.now()
	m.mu.Lock()
	rec.healthy = false
	rec.crashes = append(rec.crashes, now)
	rec.lastCrash = now
	crashes := len(rec.crashes)
	m.mu.Unlock()

	logger := m.logger.With("agent_id", w.ID())
	logger.Warn("agent unhealthy", "crashes_in_window", crashes)

	if err := w.SetStatus(ctx, store.AgentStatusError); err != nil {
		logger.Error("persisting error status", "error", err)
	}
	m.opts.Bus.Publish(&events.AgentHealth{
		Header:  events.Header{AgentID: w.ID()},
		Healthy: false,
		Status:  store.AgentStatusError,
		Crashes: crashes,
	})

	if crashes >= m.opts.MaxCrashes {
		m.opts.Metrics.Alert()
		msg := fmt.Sprintf("agent %s crashed %d times within %s; manual intervention required",
			w.ID(), crashes, m.opts.CrashWindow)
		logger.Error("=== AGENT ALERT ===", "message", msg)
		m.opts.Bus.Publish(&events.AgentAlert{
			Header:   events.Header{AgentID: w.ID()},
			Severity: events.SeverityHigh,
			Message:  msg,
			Crashes:  crashes,
		})
		return
	}

	err := w.Restart(ctx, m.opts.RestartPause)
	m.opts.Metrics.Restart(err)
	if err != nil {
		logger.Error("automatic restart failed", "attempt", crashes, "error", err)
		m.opts.Bus.Publish(&events.AgentRestartFailed{
			Header:  events.Header{AgentID: w.ID()},
			Attempt: crashes,
			Error:   err.Error(),
		})
		return
	}

	m.mu.Lock()
	rec.healthy = true
	m.mu.Unlock()
	logger.Info("agent restarted", "attempt", crashes)
	m.opts.Bus.Publish(&events.AgentRestarted{
		Header:  events.Header{AgentID: w.ID()},
		Attempt: crashes,
	})
}

func (m *Monitor) onRecover(ctx context.Context, w Worker, rec *record, status store.AgentStatus) {
	m.mu.Lock()
	rec.healthy = true
	m.mu.Unlock()

	logger := m.logger.With("agent_id", w.ID())
	if status == store.AgentStatusError {
		if err := w.SetStatus(ctx, store.AgentStatusIdle); err != nil {
			logger.Error("persisting idle status", "error", err)
		}
		status = store.AgentStatusIdle
	}
	logger.Info("agent recovered")
	m.opts.Bus.Publish(&events.AgentHealth{
		Header:  events.Header{AgentID: w.ID()},
		Healthy: true,
		Status:  status,
	})
}

// prune drops crashes older than the window. Callers hold m.mu.
func (m *Monitor) prune(crashes []time.Time) []time.Time {
	cutoff := m.now().Add(-m.opts.CrashWindow)
	i := 0
	for i < len(crashes) && !crashes[i].After(cutoff) {
		i++
	}
	return crashes[i:]
}

// CrashHistory returns an agent's crash times inside the window, oldest first.
func (m *Monitor) CrashHistory(agentID string) []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[agentID]
	if !ok {
		return nil
	}
	return append([]time.Time(nil), m.prune(rec.crashes)...)
}

// Report returns the current health of every worker.
func (m *Monitor) Report() []AgentReport {
	workers := m.opts.Workers()
	out := make([]AgentReport, 0, len(workers))
	for _, w := range workers {
		r := AgentReport{
			ID:      w.ID(),
			Name:    w.Profile().Name,
			Status:  w.Status(),
			Healthy: w.Alive(),
		}
		m.mu.Lock()
		if rec, ok := m.records[w.ID()]; ok {
			r.Crashes = len(m.prune(rec.crashes))
			if !rec.lastCrash.IsZero() {
				last := rec.lastCrash
				r.LastCrash = &last
			}
		}
		m.mu.Unlock()
		out = append(out, r)
	}
	return out
}
