// ABOUTME: Prometheus collectors for supervisor activity
// ABOUTME: Registered against an injected Registerer; a nil *Metrics records nothing

package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hive"

// Task outcome labels.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeDelegated = "delegated"
)

// Metrics exposes Prometheus collectors that report supervisor activity.
type Metrics struct {
	tasksDispatched prometheus.Counter
	taskOutcomes    *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	toolCalls       *prometheus.CounterVec
	restarts        *prometheus.CounterVec
	alerts          prometheus.Counter
	relayMessages   *prometheus.CounterVec
	pending         *prometheus.GaugeVec
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Supply a fresh registry when unique metric names are required (for example
// in tests). Collectors already registered with the same descriptor are
// reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "tasks_dispatched_total",
			Help:      "Tasks handed to a lead agent by the dispatcher.",
		}),
		taskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "outcomes_total",
			Help:      "Task executions by outcome.",
		}, []string{"outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Wall time from execute_task to the worker response.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"outcome"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "calls_total",
			Help:      "Worker tool calls by tool and outcome.",
		}, []string{"tool", "outcome"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "restarts_total",
			Help:      "Automatic worker restarts by outcome.",
		}, []string{"outcome"}),
		alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "alerts_total",
			Help:      "High-severity alerts raised after the crash threshold was reached.",
		}),
		relayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Messages published by the relay, by transport.",
		}, []string{"transport"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "pending_requests",
			Help:      "Outstanding worker round trips per agent.",
		}, []string{"agent_id"}),
	}

	m.tasksDispatched = register(reg, m.tasksDispatched)
	m.taskOutcomes = register(reg, m.taskOutcomes)
	m.taskDuration = register(reg, m.taskDuration)
	m.toolCalls = register(reg, m.toolCalls)
	m.restarts = register(reg, m.restarts)
	m.alerts = register(reg, m.alerts)
	m.relayMessages = register(reg, m.relayMessages)
	m.pending = register(reg, m.pending)

	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// TaskDispatched counts a task handed to its lead agent.
func (m *Metrics) TaskDispatched() {
	if m == nil {
		return
	}
	m.tasksDispatched.Inc()
}

// TaskFinished records a task outcome and its duration.
func (m *Metrics) TaskFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.taskOutcomes.WithLabelValues(outcome).Inc()
	m.taskDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ToolCall counts one tool invocation.
func (m *Metrics) ToolCall(tool string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
}

// Restart counts an automatic restart attempt.
func (m *Metrics) Restart(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.restarts.WithLabelValues(outcome).Inc()
}

// Alert counts a high-severity alert.
func (m *Metrics) Alert() {
	if m == nil {
		return
	}
	m.alerts.Inc()
}

// RelayMessage counts a message published on the given transport.
func (m *Metrics) RelayMessage(transport string) {
	if m == nil {
		return
	}
	m.relayMessages.WithLabelValues(transport).Inc()
}

// SetPending reports the outstanding request count for an agent.
func (m *Metrics) SetPending(agentID string, n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(agentID).Set(float64(n))
}
