// ABOUTME: Registry of supervisor-mediated tools that workers invoke through tool_call envelopes
// ABOUTME: Dispatches by tool name; unknown names and collisions surface as sentinel errors

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/2389/hive/internal/store"
)

// ErrUnknownTool indicates no tool is registered under the requested name.
var ErrUnknownTool = errors.New("unknown tool")

// ErrAccessDenied indicates a path outside the sandbox or its allow-list.
var ErrAccessDenied = errors.New("access denied")

// ErrToolCollision indicates a tool name is already registered.
var ErrToolCollision = errors.New("tool name collision")

// ErrInvalidInput indicates tool arguments that do not match the tool's schema.
var ErrInvalidInput = errors.New("invalid input")

// Handler executes one tool call for an agent.
type Handler func(ctx context.Context, agentID string, input json.RawMessage) (json.RawMessage, error)

// Tool is a named capability exposed to workers.
type Tool struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	InputSchema string  `json:"inputSchema"`
	Handler     Handler `json:"-"`
}

// Options configures the built-in tools.
type Options struct {
	Workspace      string   // root for file and command tools
	AllowedPaths   []string // workspace-relative directories the file tools may touch
	ProjectsDir    string   // root holding one directory per project
	BackupDir      string   // relative paths resolve under Workspace
	CommandTimeout time.Duration

	// Store backs the entity tools. They are not registered when nil.
	Store store.Store

	Logger *slog.Logger
}

// Toolbox maps tool names to handlers.
type Toolbox struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	logger *slog.Logger
}

// New builds a Toolbox with the built-in file, project, command and entity tools.
func New(opts Options) (*Toolbox, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	tb := &Toolbox{
		tools:  make(map[string]*Tool),
		logger: opts.Logger.With("component", "tools"),
	}

	root, err := filepath.Abs(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace: %w", err)
	}
	backups := opts.BackupDir
	if backups == "" {
		backups = ".agent_backups"
	}
	if !filepath.IsAbs(backups) {
		backups = filepath.Join(root, backups)
	}

	files := &fileTools{
		sandbox: newSandbox(root, opts.AllowedPaths),
		backups: backups,
		logger:  tb.logger,
	}
	builtins := files.tools()

	if opts.ProjectsDir != "" {
		projects, err := filepath.Abs(opts.ProjectsDir)
		if err != nil {
			return nil, fmt.Errorf("resolving projects dir: %w", err)
		}
		p := &projectTools{root: projects, backups: backups, logger: tb.logger}
		builtins = append(builtins, p.tools()...)
	}

	cmd := &commandTools{root: root, timeout: opts.CommandTimeout}
	builtins = append(builtins, cmd.tools()...)

	if opts.Store != nil {
		e := &entityTools{store: opts.Store}
		builtins = append(builtins, e.tools()...)
	}

	for _, t := range builtins {
		if err := tb.Register(t); err != nil {
			return nil, err
		}
	}
	return tb, nil
}

// Register adds a tool. Names must be unique.
func (tb *Toolbox) Register(t *Tool) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if _, exists := tb.tools[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolCollision, t.Name)
	}
	tb.tools[t.Name] = t
	return nil
}

// Tools returns every registered tool sorted by name.
func (tb *Toolbox) Tools() []*Tool {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	out := make([]*Tool, 0, len(tb.tools))
	for _, t := range tb.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke runs the named tool for an agent.
func (tb *Toolbox) Invoke(ctx context.Context, agentID, name string, args json.RawMessage) (any, error) {
	tb.mu.RLock()
	t, ok := tb.tools[name]
	tb.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	start := time.Now()
	result, err := t.Handler(ctx, agentID, args)
	tb.logger.Debug("tool call",
		"agent_id", agentID,
		"tool", name,
		"duration", time.Since(start),
		"error", err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// decode unmarshals tool arguments, mapping failures to ErrInvalidInput.
func decode(input json.RawMessage, v any) error {
	if err := json.Unmarshal(input, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
