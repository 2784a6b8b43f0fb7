// ABOUTME: Wires the store, relay, toolbox, directory, dispatcher, reaper, health monitor and HTTP API from config
// ABOUTME: Run starts every component, blocks until the context ends, then shuts down in reverse order

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/hive/internal/agent"
	"github.com/2389/hive/internal/api"
	"github.com/2389/hive/internal/config"
	"github.com/2389/hive/internal/dispatch"
	"github.com/2389/hive/internal/events"
	"github.com/2389/hive/internal/health"
	"github.com/2389/hive/internal/metrics"
	"github.com/2389/hive/internal/relay"
	"github.com/2389/hive/internal/store"
	"github.com/2389/hive/internal/tools"
)

// shutdownTimeout bounds the graceful stop of all workers.
const shutdownTimeout = 10 * time.Second

// Options configures a Supervisor. Store and Launcher override the defaults
// built from Config.
type Options struct {
	Config   *config.Config
	Store    store.Store
	Launcher agent.Launcher
	Logger   *slog.Logger
}

// Supervisor owns every long-lived component.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger

	store      store.Store
	bus        *events.Bus
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	relay      *relay.Relay
	toolbox    *tools.Toolbox
	directory  *agent.Directory
	bridges    []*agent.Bridge
	dispatcher *dispatch.Dispatcher
	reaper     *dispatch.Reaper
	monitor    *health.Monitor
	api        *api.Server
}

// New builds the component graph. Nothing is started until Run.
func New(opts Options) (*Supervisor, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	st := opts.Store
	ownStore := st == nil
	if ownStore {
		sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		st = sqlStore
	}

	s := &Supervisor{
		cfg:      cfg,
		logger:   logger.With("component", "supervisor"),
		store:    st,
		bus:      events.NewBus(logger),
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.MustNewMetrics(s.registry)

	s.relay = relay.New(relay.Options{
		RedisURL:    cfg.Redis.URL,
		Channel:     cfg.Redis.Channel,
		DialTimeout: cfg.Redis.DialTimeout,
		Store:       st,
		Bus:         s.bus,
		Metrics:     s.metrics,
		Logger:      logger,
	})

	toolbox, err := tools.New(tools.Options{
		Workspace:      cfg.Tools.Workspace,
		AllowedPaths:   cfg.Tools.AllowedPaths,
		ProjectsDir:    cfg.Tools.ProjectsDir,
		BackupDir:      cfg.Tools.BackupDir,
		CommandTimeout: cfg.Timeouts.Tool,
		Store:          st,
		Logger:         logger,
	})
	if err != nil {
		if ownStore {
			st.Close()
		}
		return nil, fmt.Errorf("building toolbox: %w", err)
	}
	s.toolbox = toolbox

	s.directory = agent.NewDirectory(st, s.relay, s.bus, logger)
	for _, p := range cfg.Agents {
		s.bridges = append(s.bridges, agent.NewBridge(agent.BridgeOptions{
			Profile: agent.Profile{
				ID:       p.ID,
				Name:     p.Name,
				Role:     p.Role,
				Emoji:    p.Emoji,
				Color:    p.Color,
				Category: p.Category,
				Skills:   p.Skills,
			},
			Spec: agent.WorkerSpec{
				Command: p.Command,
				Args:    p.Args,
				Dir:     p.Dir,
				Env:     p.Env,
			},
			Launcher:    opts.Launcher,
			Store:       st,
			Tools:       toolbox,
			Messenger:   s.relay,
			Metrics:     s.metrics,
			TaskTimeout: cfg.Timeouts.Task,
			ChatTimeout: cfg.Timeouts.Chat,
			ToolTimeout: cfg.Timeouts.Tool,
			Logger:      logger,
		}))
	}

	s.dispatcher = dispatch.NewDispatcher(dispatch.Options{
		Store:     st,
		Resolve:   s.resolveExecutor,
		Interval:  cfg.Dispatcher.Interval,
		BatchSize: cfg.Dispatcher.BatchSize,
		ClaimTTL:  2 * cfg.Timeouts.Task,
		Metrics:   s.metrics,
		Logger:    logger,
	})
	s.reaper = dispatch.NewReaper(dispatch.ReaperOptions{
		Store:      st,
		Interval:   cfg.Dispatcher.ReaperInterval,
		StaleAfter: cfg.Dispatcher.StaleAfter,
		Logger:     logger,
	})
	s.monitor = health.NewMonitor(health.Options{
		Workers:      s.workers,
		Bus:          s.bus,
		Interval:     cfg.Health.Interval,
		CrashWindow:  cfg.Health.CrashWindow,
		MaxCrashes:   cfg.Health.MaxCrashes,
		RestartPause: cfg.Health.RestartPause,
		Metrics:      s.metrics,
		Logger:       logger,
	})

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	}
	s.api = api.New(api.Options{
		Directory:      s.directory,
		Dispatcher:     s.dispatcher,
		Health:         s.monitor,
		Messenger:      s.relay,
		Events:         s.bus,
		RelayMode:      s.relay.Mode,
		MetricsHandler: metricsHandler,
		MetricsPath:    cfg.Metrics.Path,
		Logger:         logger,
	})
	return s, nil
}

func (s *Supervisor) resolveExecutor(id string) dispatch.Executor {
	if b := s.directory.Get(id); b != nil {
		return b
	}
	return nil
}

func (s *Supervisor) workers() []health.Worker {
	bridges := s.directory.List()
	out := make([]health.Worker, 0, len(bridges))
	for _, b := range bridges {
		out = append(out, b)
	}
	return out
}

// Directory returns the agent directory.
func (s *Supervisor) Directory() *agent.Directory { return s.directory }

// Relay returns the message relay.
func (s *Supervisor) Relay() *relay.Relay { return s.relay }

// Dispatcher returns the task dispatcher.
func (s *Supervisor) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Monitor returns the health monitor.
func (s *Supervisor) Monitor() *health.Monitor { return s.monitor }

// Events returns the fleet event bus.
func (s *Supervisor) Events() *events.Bus { return s.bus }

// Handler returns the operator HTTP handler.
func (s *Supervisor) Handler() http.Handler { return s.api.Handler() }

// Run starts everything and blocks until ctx is cancelled or the HTTP server fails.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.relay.Connect(ctx); err != nil {
		s.close()
		return fmt.Errorf("connecting relay: %w", err)
	}

	for _, b := range s.bridges {
		if err := s.directory.Register(ctx, b); err != nil {
			s.logger.Error("registering agent", "agent_id", b.ID(), "error", err)
			continue
		}
		if err := b.Start(ctx); err != nil {
			s.logger.Error("starting agent", "agent_id", b.ID(), "error", err)
			if err := b.SetStatus(ctx, store.AgentStatusError); err != nil {
				s.logger.Error("persisting error status", "agent_id", b.ID(), "error", err)
			}
		}
	}

	s.dispatcher.Start(ctx)
	s.reaper.Start(ctx)
	s.monitor.Start(ctx)

	errCh := make(chan error, 1)
	if addr := s.cfg.Server.HTTPAddr; addr != "" {
		go func() { errCh <- s.api.ListenAndServe(ctx, addr) }()
	}

	s.logger.Info("supervisor running",
		"agents", len(s.bridges),
		"relay", s.relay.Mode(),
		"http_addr", s.cfg.Server.HTTPAddr)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	s.logger.Info("supervisor shutting down")
	s.dispatcher.Stop()
	s.reaper.Stop()
	s.monitor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.directory.ShutdownAll(shutdownCtx); err != nil {
		s.logger.Warn("agent shutdown errors", "error", err)
	}
	s.dispatcher.Wait()
	s.close()
	return runErr
}

func (s *Supervisor) close() {
	s.dispatcher.Close()
	if err := s.relay.Close(); err != nil {
		s.logger.Warn("closing relay", "error", err)
	}
	s.bus.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Warn("closing store", "error", err)
	}
}
