// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent/task/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so lexical order of the TEXT columns matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single writer connection: per-connection pragmas apply to every query and
	// an in-memory database stays one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// External readers (the CLI) may hold the lock briefly.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			role        TEXT NOT NULL DEFAULT '',
			emoji       TEXT NOT NULL DEFAULT '',
			color       TEXT NOT NULL DEFAULT '',
			category    TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			load        INTEGER NOT NULL DEFAULT 0,
			skills_json TEXT NOT NULL DEFAULT '[]',
			stats_json  TEXT NOT NULL DEFAULT '{}',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tasks (
			id                TEXT PRIMARY KEY,
			title             TEXT NOT NULL DEFAULT '',
			type              TEXT NOT NULL DEFAULT '',
			description       TEXT NOT NULL DEFAULT '',
			requirements_json TEXT,
			status            TEXT NOT NULL,
			assigned_to_id    TEXT,
			assignees_json    TEXT NOT NULL DEFAULT '[]',
			result_json       TEXT,
			error             TEXT,
			duration_ms       INTEGER NOT NULL DEFAULT 0,
			parent_task_id    TEXT,
			parent_agent_id   TEXT,
			delegated         INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,

			CHECK (status IN ('todo', 'in_progress', 'completed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at);
		CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);

		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			from_id    TEXT NOT NULL,
			to_id      TEXT NOT NULL,
			content    TEXT NOT NULL,
			type       TEXT NOT NULL DEFAULT 'chat',
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_from ON messages(from_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertAgent creates the agent row or updates it in place.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	skills, err := json.Marshal(nonNilStrings(agent.Skills))
	if err != nil {
		return fmt.Errorf("encoding skills: %w", err)
	}
	stats, err := json.Marshal(agent.Stats)
	if err != nil {
		return fmt.Errorf("encoding stats: %w", err)
	}

	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	query := `
		INSERT INTO agents (id, name, role, emoji, color, category, status, load, skills_json, stats_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			emoji = excluded.emoji,
			color = excluded.color,
			category = excluded.category,
			status = excluded.status,
			load = excluded.load,
			skills_json = excluded.skills_json,
			stats_json = excluded.stats_json,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		agent.ID, agent.Name, agent.Role, agent.Emoji, agent.Color, agent.Category,
		string(agent.Status), agent.Load, string(skills), string(stats),
		formatTime(agent.CreatedAt), formatTime(agent.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}
	return nil
}

const agentColumns = `id, name, role, emoji, color, category, status, load, skills_json, stats_json, created_at, updated_at`

// GetAgent retrieves an agent by ID
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns all persisted agents ordered by name
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// UpdateAgentStatus sets status and load for an existing agent.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus, load int) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, load = ?, updated_at = ? WHERE id = ?`,
		string(status), load, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertTask creates the task row or replaces its mutable fields.
func (s *SQLiteStore) UpsertTask(ctx context.Context, task *Task) error {
	assignees, err := json.Marshal(nonNilStrings(task.AssigneeIDs))
	if err != nil {
		return fmt.Errorf("encoding assignees: %w", err)
	}

	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = TaskStatusTodo
	}

	query := `
		INSERT INTO tasks (id, title, type, description, requirements_json, status, assigned_to_id, assignees_json,
			result_json, error, duration_ms, parent_task_id, parent_agent_id, delegated, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			type = excluded.type,
			description = excluded.description,
			requirements_json = excluded.requirements_json,
			status = excluded.status,
			assigned_to_id = excluded.assigned_to_id,
			assignees_json = excluded.assignees_json,
			result_json = excluded.result_json,
			error = excluded.error,
			duration_ms = excluded.duration_ms,
			parent_task_id = excluded.parent_task_id,
			parent_agent_id = excluded.parent_agent_id,
			delegated = excluded.delegated,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		task.ID, task.Title, task.Type, task.Description, nullRaw(task.Requirements), string(task.Status),
		nullString(task.AssignedToID), string(assignees), nullRaw(task.Result), nullString(task.Error),
		task.DurationMs, nullString(task.ParentTaskID), nullString(task.ParentAgentID), task.Delegated,
		formatTime(task.CreatedAt), formatTime(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting task: %w", err)
	}
	return nil
}

const taskColumns = `id, title, type, description, requirements_json, status, assigned_to_id, assignees_json,
	result_json, error, duration_ms, parent_task_id, parent_agent_id, delegated, created_at, updated_at`

// GetTask retrieves a task by ID
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return task, nil
}

// ListTasksByStatus returns tasks in the given status, oldest first.
// A limit of zero or less returns every matching task.
func (s *SQLiteStore) ListTasksByStatus(ctx context.Context, status TaskStatus, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ResetStaleTasks moves in_progress tasks not updated since olderThan back to
// todo and clears their assignee. Delegated tasks are left alone. Returns the
// number of tasks reset.
func (s *SQLiteStore) ResetStaleTasks(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'todo', assigned_to_id = NULL, updated_at = ?
		 WHERE status = 'in_progress' AND delegated = 0 AND updated_at < ?`,
		formatTime(time.Now()), formatTime(olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("resetting stale tasks: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(affected), nil
}

// SaveMessage appends a message to the history
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.Type == "" {
		msg.Type = MessageTypeChat
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, from_id, to_id, content, type, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.FromID, msg.ToID, msg.Content, msg.Type, formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// ListMessages returns the most recent messages sent to or from an agent, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, agentID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}

	// Select the newest N, then order ascending for display
	query := `
		SELECT id, from_id, to_id, content, type, created_at FROM (
			SELECT id, from_id, to_id, content, type, created_at
			FROM messages
			WHERE from_id = ? OR to_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, agentID, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var createdAt string
		if err := rows.Scan(&msg.ID, &msg.FromID, &msg.ToID, &msg.Content, &msg.Type, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.CreatedAt, err = time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var agent Agent
	var status, skills, stats, createdAt, updatedAt string

	err := row.Scan(&agent.ID, &agent.Name, &agent.Role, &agent.Emoji, &agent.Color, &agent.Category,
		&status, &agent.Load, &skills, &stats, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	agent.Status = AgentStatus(status)
	if err := json.Unmarshal([]byte(skills), &agent.Skills); err != nil {
		return nil, fmt.Errorf("decoding skills: %w", err)
	}
	if err := json.Unmarshal([]byte(stats), &agent.Stats); err != nil {
		return nil, fmt.Errorf("decoding stats: %w", err)
	}
	if agent.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if agent.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &agent, nil
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var status, assignees, createdAt, updatedAt string
	var requirements, assignedTo, result, taskErr, parentTask, parentAgent sql.NullString

	err := row.Scan(&task.ID, &task.Title, &task.Type, &task.Description, &requirements, &status,
		&assignedTo, &assignees, &result, &taskErr, &task.DurationMs, &parentTask, &parentAgent,
		&task.Delegated, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	task.Status = TaskStatus(status)
	if requirements.Valid {
		task.Requirements = json.RawMessage(requirements.String)
	}
	if result.Valid {
		task.Result = json.RawMessage(result.String)
	}
	task.AssignedToID = assignedTo.String
	task.Error = taskErr.String
	task.ParentTaskID = parentTask.String
	task.ParentAgentID = parentAgent.String

	if err := json.Unmarshal([]byte(assignees), &task.AssigneeIDs); err != nil {
		return nil, fmt.Errorf("decoding assignees: %w", err)
	}
	if len(task.AssigneeIDs) == 0 {
		task.AssigneeIDs = nil
	}
	if task.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if task.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &task, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullRaw(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
