// ABOUTME: Configuration loading and parsing for hive
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing and defaults

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when a field is left empty.
const (
	DefaultRedisChannel     = "agent:communication"
	DefaultRedisDialTimeout = 2 * time.Second

	DefaultDispatchInterval = 30 * time.Second
	DefaultDispatchBatch    = 50
	DefaultStaleAfter       = 10 * time.Minute
	DefaultReaperInterval   = time.Minute

	DefaultHealthInterval = 30 * time.Second
	DefaultCrashWindow    = 5 * time.Minute
	DefaultMaxCrashes     = 3
	DefaultRestartPause   = time.Second

	DefaultTaskTimeout = 300 * time.Second
	DefaultChatTimeout = 60 * time.Second
	DefaultToolTimeout = 30 * time.Second

	DefaultBackupDir   = ".agent_backups"
	DefaultMetricsPath = "/metrics"
)

// DefaultAllowedPaths are the workspace-relative directories the file tools may touch.
var DefaultAllowedPaths = []string{
	"apps/dashboard/src/components",
	"apps/dashboard/src/pages",
	"apps/dashboard/src/utils",
	"src/agents/implementations",
	"tests",
	"docs",
}

// Config represents the complete hive configuration
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Server     ServerConfig     `yaml:"server"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Health     HealthConfig     `yaml:"health"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Tools      ToolsConfig      `yaml:"tools"`
	Agents     []AgentProfile   `yaml:"agents"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig holds the message relay broker configuration.
// An empty URL selects the in-process relay.
type RedisConfig struct {
	URL         string        `yaml:"url"`
	Channel     string        `yaml:"channel"`
	DialTimeout time.Duration `yaml:"-"`

	DialTimeoutRaw string `yaml:"dial_timeout"`
}

// ServerConfig holds the operator HTTP address. Empty disables the HTTP surface.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DispatcherConfig holds task polling configuration
type DispatcherConfig struct {
	Interval       time.Duration `yaml:"-"`
	StaleAfter     time.Duration `yaml:"-"`
	ReaperInterval time.Duration `yaml:"-"`
	BatchSize      int           `yaml:"batch_size"`

	// Raw string values for YAML unmarshaling
	IntervalRaw       string `yaml:"interval"`
	StaleAfterRaw     string `yaml:"stale_after"`
	ReaperIntervalRaw string `yaml:"reaper_interval"`
}

// HealthConfig holds health monitor and restart policy configuration
type HealthConfig struct {
	Interval     time.Duration `yaml:"-"`
	CrashWindow  time.Duration `yaml:"-"`
	RestartPause time.Duration `yaml:"-"`
	MaxCrashes   int           `yaml:"max_crashes"`

	IntervalRaw     string `yaml:"interval"`
	CrashWindowRaw  string `yaml:"crash_window"`
	RestartPauseRaw string `yaml:"restart_pause"`
}

// TimeoutsConfig holds per-request timeouts for worker round trips
type TimeoutsConfig struct {
	Task time.Duration `yaml:"-"`
	Chat time.Duration `yaml:"-"`
	Tool time.Duration `yaml:"-"`

	TaskRaw string `yaml:"task"`
	ChatRaw string `yaml:"chat"`
	ToolRaw string `yaml:"tool"`
}

// ToolsConfig holds the sandbox roots for supervisor-mediated tools
type ToolsConfig struct {
	Workspace    string   `yaml:"workspace"`
	AllowedPaths []string `yaml:"allowed_paths"`
	ProjectsDir  string   `yaml:"projects_dir"`
	BackupDir    string   `yaml:"backup_dir"`
}

// AgentProfile describes one worker spawned at startup
type AgentProfile struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	Role     string            `yaml:"role"`
	Emoji    string            `yaml:"emoji"`
	Color    string            `yaml:"color"`
	Category string            `yaml:"category"`
	Skills   []string          `yaml:"skills"`
	Command  string            `yaml:"command"`
	Args     []string          `yaml:"args"`
	Dir      string            `yaml:"dir"`
	Env      map[string]string `yaml:"env"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultPath returns the config file location: HIVE_CONFIG if set, otherwise
// $XDG_CONFIG_HOME/hive/hive.yaml, otherwise ~/.config/hive/hive.yaml.
func DefaultPath() string {
	if p := os.Getenv("HIVE_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "hive", "hive.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "hive.yaml"
	}
	return filepath.Join(home, ".config", "hive", "hive.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if p := os.Getenv("HIVE_DB_PATH"); p != "" {
		cfg.Database.Path = p
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Redis.Channel == "" {
		c.Redis.Channel = DefaultRedisChannel
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = DefaultRedisDialTimeout
	}

	if c.Dispatcher.Interval == 0 {
		c.Dispatcher.Interval = DefaultDispatchInterval
	}
	if c.Dispatcher.BatchSize == 0 {
		c.Dispatcher.BatchSize = DefaultDispatchBatch
	}
	if c.Dispatcher.StaleAfter == 0 {
		c.Dispatcher.StaleAfter = DefaultStaleAfter
	}
	if c.Dispatcher.ReaperInterval == 0 {
		c.Dispatcher.ReaperInterval = DefaultReaperInterval
	}

	if c.Health.Interval == 0 {
		c.Health.Interval = DefaultHealthInterval
	}
	if c.Health.CrashWindow == 0 {
		c.Health.CrashWindow = DefaultCrashWindow
	}
	if c.Health.MaxCrashes == 0 {
		c.Health.MaxCrashes = DefaultMaxCrashes
	}
	if c.Health.RestartPause == 0 {
		c.Health.RestartPause = DefaultRestartPause
	}

	if c.Timeouts.Task == 0 {
		c.Timeouts.Task = DefaultTaskTimeout
	}
	if c.Timeouts.Chat == 0 {
		c.Timeouts.Chat = DefaultChatTimeout
	}
	if c.Timeouts.Tool == 0 {
		c.Timeouts.Tool = DefaultToolTimeout
	}

	if c.Tools.Workspace == "" {
		c.Tools.Workspace = "."
	}
	if c.Tools.AllowedPaths == nil {
		c.Tools.AllowedPaths = append([]string(nil), DefaultAllowedPaths...)
	}
	if c.Tools.ProjectsDir == "" {
		c.Tools.ProjectsDir = filepath.Join(c.Tools.Workspace, "projects")
	}
	if c.Tools.BackupDir == "" {
		c.Tools.BackupDir = DefaultBackupDir
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("redis.url %q must use redis:// or rediss://", c.Redis.URL)
	}

	if c.Dispatcher.BatchSize < 0 {
		return errors.New("dispatcher.batch_size must not be negative")
	}
	if c.Health.MaxCrashes < 1 {
		return errors.New("health.max_crashes must be at least 1")
	}

	// A live execution must never look stale to the reaper.
	if c.Dispatcher.StaleAfter <= c.Timeouts.Task {
		return fmt.Errorf("dispatcher.stale_after (%s) must exceed timeouts.task (%s)", c.Dispatcher.StaleAfter, c.Timeouts.Task)
	}

	for _, p := range c.Tools.AllowedPaths {
		if filepath.IsAbs(p) || strings.HasPrefix(filepath.Clean(p), "..") {
			return fmt.Errorf("tools.allowed_paths entry %q must be relative to the workspace", p)
		}
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d].id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("agents[%d].id %q is duplicated", i, a.ID)
		}
		seen[a.ID] = true
		if a.Command == "" {
			return fmt.Errorf("agents[%d].command is required", i)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"redis.dial_timeout", cfg.Redis.DialTimeoutRaw, &cfg.Redis.DialTimeout},
		{"dispatcher.interval", cfg.Dispatcher.IntervalRaw, &cfg.Dispatcher.Interval},
		{"dispatcher.stale_after", cfg.Dispatcher.StaleAfterRaw, &cfg.Dispatcher.StaleAfter},
		{"dispatcher.reaper_interval", cfg.Dispatcher.ReaperIntervalRaw, &cfg.Dispatcher.ReaperInterval},
		{"health.interval", cfg.Health.IntervalRaw, &cfg.Health.Interval},
		{"health.crash_window", cfg.Health.CrashWindowRaw, &cfg.Health.CrashWindow},
		{"health.restart_pause", cfg.Health.RestartPauseRaw, &cfg.Health.RestartPause},
		{"timeouts.task", cfg.Timeouts.TaskRaw, &cfg.Timeouts.Task},
		{"timeouts.chat", cfg.Timeouts.ChatRaw, &cfg.Timeouts.Chat},
		{"timeouts.tool", cfg.Timeouts.ToolRaw, &cfg.Timeouts.Tool},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}

// Starter is the config written by `hive init`.
const Starter = `# hive supervisor configuration
database:
  path: "${HOME}/.local/share/hive/hive.db"

redis:
  # Leave empty to use the in-process relay
  url: "${HIVE_REDIS_URL}"
  channel: "agent:communication"
  dial_timeout: "2s"

server:
  http_addr: "127.0.0.1:8090"

dispatcher:
  interval: "30s"
  batch_size: 50
  stale_after: "10m"
  reaper_interval: "1m"

health:
  interval: "30s"
  crash_window: "5m"
  max_crashes: 3
  restart_pause: "1s"

timeouts:
  task: "300s"
  chat: "60s"
  tool: "30s"

tools:
  workspace: "."
  projects_dir: "./projects"
  backup_dir: ".agent_backups"

agents:
  - id: "echo"
    name: "Echo"
    role: "reference worker"
    emoji: "🔁"
    category: "utility"
    skills: ["echo"]
    command: "echo-worker"

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "/metrics"
`
