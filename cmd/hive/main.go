// ABOUTME: Entry point for the hive agent supervisor
// ABOUTME: Subcommands serve, init, agents, tasks and health

package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/hive/internal/config"
	"github.com/2389/hive/internal/store"
	"github.com/2389/hive/internal/supervisor"
)

// Version is set at build time.
var version = "dev"

const banner = `
  _     _
 | |__ (_)_   _____
 | '_ \| \ \ / / _ \
 | | | | |\ V /  __/
 |_| |_|_| \_/ \___|
`

// getDataPath returns the hive data directory.
// Priority: XDG_DATA_HOME/hive > ~/.local/share/hive
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "hive")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: hive <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve            Start the supervisor")
		fmt.Println("  init             Create a new config file interactively")
		fmt.Println("  agents           List persisted agents")
		fmt.Println("  tasks [status]   List persisted tasks (default: todo)")
		fmt.Println("  health           Check a running supervisor")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "agents":
		err = runAgents(ctx)
	case "tasks":
		err = runTasks(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Print("Relay:     ")
	if cfg.Redis.URL != "" {
		cyan.Printf("%s", cfg.Redis.URL)
		gray.Printf(" (%s)\n", cfg.Redis.Channel)
	} else {
		yellow.Println("in-process")
	}
	green.Print("    ▶ ")
	if cfg.Server.HTTPAddr != "" {
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	} else {
		fmt.Print("HTTP:      ")
		gray.Println("disabled")
	}
	green.Print("    ▶ ")
	fmt.Printf("Agents:    %d\n", len(cfg.Agents))
	fmt.Println()

	logger.Info("starting hive",
		"config", configPath,
		"agents", len(cfg.Agents),
		"http_addr", cfg.Server.HTTPAddr,
	)

	sup, err := supervisor.New(supervisor.Options{Config: cfg, Logger: logger})
	if err != nil {
		return fmt.Errorf("creating supervisor: %w", err)
	}
	return sup.Run(ctx)
}

func openStore() (*store.SQLiteStore, error) {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}

func statusColor(status string) *color.Color {
	switch status {
	case string(store.AgentStatusIdle), string(store.TaskStatusCompleted):
		return color.New(color.FgGreen)
	case string(store.AgentStatusBusy), string(store.AgentStatusThinking), string(store.TaskStatusInProgress):
		return color.New(color.FgCyan)
	case string(store.AgentStatusError), string(store.TaskStatusFailed):
		return color.New(color.FgRed)
	default:
		return color.New(color.FgHiBlack)
	}
}

func runAgents(ctx context.Context) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	agents, err := s.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	if len(agents) == 0 {
		fmt.Println("No agents.")
		return nil
	}

	bold := color.New(color.Bold)
	bold.Printf("  %-16s %-20s %-10s %5s %9s %6s\n", "ID", "NAME", "STATUS", "LOAD", "COMPLETED", "FAILED")
	for _, a := range agents {
		fmt.Printf("  %-16s %-20s ", a.ID, a.Name)
		statusColor(string(a.Status)).Printf("%-10s", a.Status)
		fmt.Printf(" %5d %9d %6d\n", a.Load, a.Stats.TasksCompleted, a.Stats.TasksFailed)
	}
	return nil
}

func runTasks(ctx context.Context, args []string) error {
	status := store.TaskStatusTodo
	if len(args) > 0 {
		status = store.TaskStatus(args[0])
	}
	switch status {
	case store.TaskStatusTodo, store.TaskStatusInProgress, store.TaskStatusCompleted, store.TaskStatusFailed:
	default:
		return fmt.Errorf("unknown task status %q", status)
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	tasks, err := s.ListTasksByStatus(ctx, status, 100)
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}
	if len(tasks) == 0 {
		fmt.Printf("No %s tasks.\n", status)
		return nil
	}

	bold := color.New(color.Bold)
	gray := color.New(color.FgHiBlack)
	bold.Printf("  %-36s %-12s %-16s %s\n", "ID", "STATUS", "AGENT", "TITLE")
	for _, t := range tasks {
		fmt.Printf("  %-36s ", t.ID)
		statusColor(string(t.Status)).Printf("%-12s", t.Status)
		fmt.Printf(" %-16s %s", t.LeadAgentID(), t.Title)
		if t.Error != "" {
			color.New(color.FgRed).Printf("  (%s)", t.Error)
		}
		gray.Printf("  %s\n", t.UpdatedAt.Local().Format(time.DateTime))
	}
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is not configured")
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	fmt.Println("healthy")
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("hive configuration setup")
	fmt.Println("========================")
	fmt.Println()

	defaultDbPath := filepath.Join(getDataPath(), "hive.db")
	outputFile := prompt(reader, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Storage ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Relay ---")
	redisURL := prompt(reader, "Redis URL (leave empty for in-process)", "")

	fmt.Println("\n--- Server ---")
	httpAddr := prompt(reader, "Operator HTTP address (leave empty to disable)", "127.0.0.1:8090")

	fmt.Println("\n--- Tools ---")
	workspace := prompt(reader, "Workspace root", ".")

	fmt.Println("\n--- Logging ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	r := strings.NewReplacer(
		`"${HOME}/.local/share/hive/hive.db"`, fmt.Sprintf("%q", dbPath),
		`"${HIVE_REDIS_URL}"`, fmt.Sprintf("%q", redisURL),
		`"127.0.0.1:8090"`, fmt.Sprintf("%q", httpAddr),
		`workspace: "."`, fmt.Sprintf("workspace: %q", workspace),
		`level: "info"`, fmt.Sprintf("level: %q", logLevel),
		`format: "text"`, fmt.Sprintf("format: %q", logFormat),
	)
	cfg := r.Replace(config.Starter)
	if _, err := config.Parse([]byte(cfg)); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the supervisor:")
	fmt.Println("  hive serve")
	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
