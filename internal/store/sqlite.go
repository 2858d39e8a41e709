// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent/task/session/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

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

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
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
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL DEFAULT '',
			type            TEXT NOT NULL,
			parent_agent_id TEXT,
			status          TEXT NOT NULL DEFAULT 'active',
			created_at      TEXT NOT NULL,

			CHECK (type IN ('ai', 'human')),
			CHECK (status IN ('active', 'archived'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_parent ON agents(parent_agent_id);

		CREATE TABLE IF NOT EXISTS tasks (
			id                TEXT PRIMARY KEY,
			project_id        TEXT NOT NULL,
			title             TEXT NOT NULL,
			assignee_id       TEXT,
			dependencies      TEXT NOT NULL DEFAULT '[]',
			status            TEXT NOT NULL DEFAULT 'backlog',
			status_changed_by TEXT,
			status_changed_at TEXT,
			blocked_reason    TEXT,
			approval_status   TEXT NOT NULL DEFAULT 'approved',
			requester_id      TEXT,
			approved_by       TEXT,
			approved_at       TEXT,
			rejected_reason   TEXT,
			created_at        TEXT NOT NULL,

			CHECK (status IN ('backlog', 'todo', 'in_progress', 'blocked', 'done', 'cancelled')),
			CHECK (approval_status IN ('approved', 'pending_approval', 'rejected'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(project_id, assignee_id);

		CREATE TABLE IF NOT EXISTS agent_sessions (
			token      TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			project_id TEXT NOT NULL,
			purpose    TEXT NOT NULL,
			state      TEXT NOT NULL DEFAULT 'active',
			expires_at TEXT NOT NULL,
			created_at TEXT NOT NULL,

			CHECK (purpose IN ('chat', 'task')),
			CHECK (state IN ('active', 'terminating'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_agent
			ON agent_sessions(agent_id, project_id, purpose);
		CREATE INDEX IF NOT EXISTS idx_sessions_expires ON agent_sessions(expires_at);

		CREATE TABLE IF NOT EXISTS project_agent_assignments (
			project_id       TEXT NOT NULL,
			agent_id         TEXT NOT NULL,
			spawn_started_at TEXT,

			PRIMARY KEY (project_id, agent_id)
		);

		CREATE TABLE IF NOT EXISTS chat_messages (
			id              TEXT PRIMARY KEY,
			project_id      TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			receiver_id     TEXT,
			content         TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			related_task_id TEXT,
			conversation_id TEXT
		);

		-- One source-of-truth table; each participant reads its own ordered
		-- view through these two indexes rather than a duplicated row.
		CREATE INDEX IF NOT EXISTS idx_messages_sender
			ON chat_messages(project_id, sender_id, created_at, id);
		CREATE INDEX IF NOT EXISTS idx_messages_receiver
			ON chat_messages(project_id, receiver_id, created_at, id);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON chat_messages(conversation_id, created_at, id);

		CREATE TABLE IF NOT EXISTS chat_read_cursors (
			project_id   TEXT NOT NULL,
			agent_id     TEXT NOT NULL,
			sender_id    TEXT NOT NULL,
			last_read_at TEXT NOT NULL,

			PRIMARY KEY (project_id, agent_id, sender_id)
		);

		CREATE TABLE IF NOT EXISTS agent_notifications (
			id                TEXT PRIMARY KEY,
			target_agent_id   TEXT NOT NULL,
			target_project_id TEXT NOT NULL,
			type              TEXT NOT NULL,
			action            TEXT,
			task_id           TEXT,
			message           TEXT,
			instruction       TEXT,
			is_read           INTEGER NOT NULL DEFAULT 0,
			read_at           TEXT,
			created_at        TEXT NOT NULL,

			CHECK (type IN ('statusChange', 'interrupt', 'message'))
		);

		CREATE INDEX IF NOT EXISTS idx_notifications_target
			ON agent_notifications(target_agent_id, target_project_id, is_read);
		CREATE INDEX IF NOT EXISTS idx_notifications_created
			ON agent_notifications(created_at);

		CREATE TABLE IF NOT EXISTS chat_delegations (
			id              TEXT PRIMARY KEY,
			agent_id        TEXT NOT NULL,
			project_id      TEXT NOT NULL,
			target_agent_id TEXT NOT NULL,
			purpose         TEXT,
			context         TEXT,
			status          TEXT NOT NULL DEFAULT 'pending',
			result          TEXT,
			processed_at    TEXT,
			created_at      TEXT NOT NULL,

			CHECK (status IN ('pending', 'processing', 'completed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_delegations_target
			ON chat_delegations(target_agent_id, project_id, status);

		CREATE TABLE IF NOT EXISTS conversations (
			id            TEXT PRIMARY KEY,
			project_id    TEXT NOT NULL,
			participant_a TEXT NOT NULL,
			participant_b TEXT NOT NULL,
			state         TEXT NOT NULL DEFAULT 'pending',
			max_turns     INTEGER NOT NULL,
			turn_count    INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,

			CHECK (state IN ('pending', 'active', 'terminating', 'ended'))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// sqliteTimeLayout is RFC 3339 with a fixed-width fractional second. The
// fixed width keeps lexicographic string comparison in SQL equal to
// chronological comparison, which the lease and expiry queries rely on.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// Older rows may carry second precision
		return time.Parse(time.RFC3339, s)
	}
	return t, nil
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateAgent inserts a new agent. Returns ErrDuplicate if the id exists.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	query := `
		INSERT INTO agents (id, name, type, parent_agent_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	parent := sql.NullString{String: agent.ParentAgentID, Valid: agent.ParentAgentID != ""}
	status := agent.Status
	if status == "" {
		status = AgentStatusActive
	}

	_, err := s.db.ExecContext(ctx, query, agent.ID, agent.Name, agent.Type, parent, status, formatTime(agent.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "type", agent.Type)
	return nil
}

// GetAgent retrieves an agent by ID. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := `
		SELECT id, name, type, parent_agent_id, status, created_at
		FROM agents
		WHERE id = ?
	`

	var agent Agent
	var parent sql.NullString
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&agent.ID,
		&agent.Name,
		&agent.Type,
		&parent,
		&agent.Status,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}

	agent.ParentAgentID = parent.String
	agent.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &agent, nil
}

// ListAgents returns every agent, ordered by id.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	query := `
		SELECT id, name, type, parent_agent_id, status, created_at
		FROM agents
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var agent Agent
		var parent sql.NullString
		var createdAtStr string
		if err := rows.Scan(&agent.ID, &agent.Name, &agent.Type, &parent, &agent.Status, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agent.ParentAgentID = parent.String
		agent.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		agents = append(agents, &agent)
	}
	return agents, rows.Err()
}

func marshalDependencies(deps []string) (string, error) {
	if deps == nil {
		deps = []string{}
	}
	b, err := json.Marshal(deps)
	if err != nil {
		return "", fmt.Errorf("encoding dependencies: %w", err)
	}
	return string(b), nil
}

func unmarshalDependencies(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var deps []string
	if err := json.Unmarshal([]byte(raw), &deps); err != nil {
		return nil, fmt.Errorf("decoding dependencies: %w", err)
	}
	if len(deps) == 0 {
		return nil, nil
	}
	return deps, nil
}
