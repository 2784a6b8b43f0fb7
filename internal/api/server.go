// ABOUTME: Operator HTTP surface for the supervisor: fleet views, manual dispatch, messaging and metrics
// ABOUTME: /api/events streams the fleet event bus over a websocket

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/hive/internal/agent"
	"github.com/2389/hive/internal/events"
	"github.com/2389/hive/internal/health"
	"github.com/2389/hive/internal/store"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Dispatcher runs an on-demand polling pass.
type Dispatcher interface {
	TriggerCheck(ctx context.Context) (int, error)
}

// Reporter returns the health monitor's per-agent report.
type Reporter interface {
	Report() []health.AgentReport
}

// Messenger sends one relayed message.
type Messenger interface {
	SendMessage(ctx context.Context, fromID, toID, content, msgType string) error
}

// Options wires the server to the supervisor's components. Nil components
// disable the endpoints that need them.
type Options struct {
	Directory      *agent.Directory
	Dispatcher     Dispatcher
	Health         Reporter
	Messenger      Messenger
	Events         *events.Bus
	RelayMode      func() string
	MetricsHandler http.Handler
	MetricsPath    string
	Logger         *slog.Logger
}

// Server serves the operator API.
type Server struct {
	opts   Options
	logger *slog.Logger
	mux    *http.ServeMux
}

// New creates a server and registers its routes.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	s := &Server{
		opts:   opts,
		logger: opts.Logger.With("component", "api"),
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/api/agents", s.handleListAgents)
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/dispatch", s.handleDispatch)
	s.mux.HandleFunc("/api/messages", s.handleSendMessage)
	s.mux.HandleFunc("/api/events", s.handleEvents)
	if opts.MetricsHandler != nil {
		s.mux.Handle(opts.MetricsPath, opts.MetricsHandler)
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving HTTP: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}
	return nil
}

type agentResponse struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Role     string            `json:"role,omitempty"`
	Emoji    string            `json:"emoji,omitempty"`
	Color    string            `json:"color,omitempty"`
	Category string            `json:"category,omitempty"`
	Status   store.AgentStatus `json:"status"`
	Load     int               `json:"load"`
	Skills   []string          `json:"skills"`
	Stats    store.AgentStats  `json:"stats"`
	Alive    bool              `json:"alive"`
}

type sendMessageRequest struct {
	FromID  string `json:"fromId"`
	ToID    string `json:"toId"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.opts.RelayMode != nil {
		resp["relay"] = s.opts.RelayMode()
	}
	if s.opts.Directory != nil {
		resp["agents"] = len(s.opts.Directory.List())
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleListAgents handles GET /api/agents in registration order.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Directory == nil {
		s.sendJSONError(w, http.StatusServiceUnavailable, "directory unavailable")
		return
	}

	bridges := s.opts.Directory.List()
	resp := make([]agentResponse, 0, len(bridges))
	for _, b := range bridges {
		a := b.Snapshot()
		skills := a.Skills
		if skills == nil {
			skills = []string{}
		}
		resp = append(resp, agentResponse{
			ID:       a.ID,
			Name:     a.Name,
			Role:     a.Role,
			Emoji:    a.Emoji,
			Color:    a.Color,
			Category: a.Category,
			Status:   a.Status,
			Load:     a.Load,
			Skills:   skills,
			Stats:    a.Stats,
			Alive:    b.Alive(),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Directory == nil {
		s.sendJSONError(w, http.StatusServiceUnavailable, "directory unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, s.opts.Directory.Stats())
}

// handleHealth prefers the monitor's report, which includes crash history,
// and falls back to the directory's liveness flags.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch {
	case s.opts.Health != nil:
		s.writeJSON(w, http.StatusOK, s.opts.Health.Report())
	case s.opts.Directory != nil:
		s.writeJSON(w, http.StatusOK, s.opts.Directory.HealthCheck())
	default:
		s.sendJSONError(w, http.StatusServiceUnavailable, "health unavailable")
	}
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Dispatcher == nil {
		s.sendJSONError(w, http.StatusServiceUnavailable, "dispatcher unavailable")
		return
	}
	n, err := s.opts.Dispatcher.TriggerCheck(r.Context())
	if err != nil {
		s.logger.Error("manual dispatch failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"dispatched": n})
}

// handleSendMessage handles POST /api/messages.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Messenger == nil {
		s.sendJSONError(w, http.StatusServiceUnavailable, "relay unavailable")
		return
	}

	req, err := parseSendRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.opts.Messenger.SendMessage(r.Context(), req.FromID, req.ToID, req.Content, req.Type); err != nil {
		s.logger.Error("sending message", "to_id", req.ToID, "error", err)
		s.sendJSONError(w, http.StatusBadGateway, "message not sent")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// parseSendRequest decodes and validates a send request. fromId defaults to
// "operator" and type to chat.
func parseSendRequest(r io.Reader) (*sendMessageRequest, error) {
	var req sendMessageRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if req.ToID == "" {
		return nil, errors.New("toId is required")
	}
	if req.Content == "" {
		return nil, errors.New("content is required")
	}
	if req.FromID == "" {
		req.FromID = "operator"
	}
	if req.Type == "" {
		req.Type = store.MessageTypeChat
	}
	return &req, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
