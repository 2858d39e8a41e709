// ABOUTME: SQLite session persistence and the atomic spawn lease statement
// ABOUTME: Expired sessions are filtered on read, never eagerly swept

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *AgentSession) error {
	query := `
		INSERT INTO agent_sessions (token, agent_id, project_id, purpose, state, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	state := sess.State
	if state == "" {
		state = SessionStateActive
	}

	_, err := s.db.ExecContext(ctx, query,
		sess.Token,
		sess.AgentID,
		sess.ProjectID,
		sess.Purpose,
		state,
		formatTime(sess.ExpiresAt),
		formatTime(sess.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "agent", sess.AgentID, "project", sess.ProjectID, "purpose", sess.Purpose)
	return nil
}

// GetSession retrieves a session by token regardless of expiry.
func (s *SQLiteStore) GetSession(ctx context.Context, token string) (*AgentSession, error) {
	query := `
		SELECT token, agent_id, project_id, purpose, state, expires_at, created_at
		FROM agent_sessions
		WHERE token = ?
	`
	row := s.db.QueryRowContext(ctx, query, token)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// FindActiveSession returns the newest unexpired session for the given agent,
// project and purpose. Expiry is checked lazily here; expired rows are
// invisible but not deleted.
func (s *SQLiteStore) FindActiveSession(ctx context.Context, agentID, projectID, purpose string) (*AgentSession, error) {
	query := `
		SELECT token, agent_id, project_id, purpose, state, expires_at, created_at
		FROM agent_sessions
		WHERE agent_id = ? AND project_id = ? AND purpose = ? AND expires_at > ?
		ORDER BY created_at DESC, token
		LIMIT 1
	`
	row := s.db.QueryRowContext(ctx, query, agentID, projectID, purpose, formatTime(time.Now()))
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying active session: %w", err)
	}
	return sess, nil
}

// MarkSessionTerminating flips a session to terminating so the worker's next
// poll returns an exit instruction.
func (s *SQLiteStore) MarkSessionTerminating(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agent_sessions SET state = 'terminating' WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("marking session terminating: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session row.
func (s *SQLiteStore) DeleteSession(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agent_sessions WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredSessions removes sessions whose expiry has passed.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_sessions WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("deleted expired sessions", "count", n)
	}
	return int(n), nil
}

// DeleteSessionsByAgent removes every session belonging to an agent.
func (s *SQLiteStore) DeleteSessionsByAgent(ctx context.Context, agentID string) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_sessions WHERE agent_id = ?`, agentID)
	if err != nil {
		return 0, fmt.Errorf("deleting sessions by agent: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return int(n), nil
}

// EnsureAssignment inserts the assignment row if it doesn't already exist.
func (s *SQLiteStore) EnsureAssignment(ctx context.Context, projectID, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_agent_assignments (project_id, agent_id, spawn_started_at)
		VALUES (?, ?, NULL)
		ON CONFLICT (project_id, agent_id) DO NOTHING
	`, projectID, agentID)
	if err != nil {
		return fmt.Errorf("ensuring assignment: %w", err)
	}
	return nil
}

// GetAssignment retrieves the assignment row for (project, agent).
func (s *SQLiteStore) GetAssignment(ctx context.Context, projectID, agentID string) (*ProjectAgentAssignment, error) {
	query := `
		SELECT project_id, agent_id, spawn_started_at
		FROM project_agent_assignments
		WHERE project_id = ? AND agent_id = ?
	`
	var a ProjectAgentAssignment
	var spawnStr sql.NullString
	err := s.db.QueryRowContext(ctx, query, projectID, agentID).Scan(&a.ProjectID, &a.AgentID, &spawnStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying assignment: %w", err)
	}
	if a.SpawnStartedAt, err = parseNullableTime(spawnStr); err != nil {
		return nil, fmt.Errorf("parsing spawn_started_at: %w", err)
	}
	return &a, nil
}

// AcquireSpawnLease sets spawn_started_at in a single statement guarded by
// "unset or expired". Concurrent callers race on the database's row lock; at
// most one sees rowsAffected == 1 within the TTL window. A check-then-write
// pair would not be safe here.
func (s *SQLiteStore) AcquireSpawnLease(ctx context.Context, projectID, agentID string, now time.Time, ttl time.Duration) (bool, error) {
	cutoff := now.Add(-ttl)
	result, err := s.db.ExecContext(ctx, `
		UPDATE project_agent_assignments
		SET spawn_started_at = ?
		WHERE project_id = ? AND agent_id = ?
		  AND (spawn_started_at IS NULL OR spawn_started_at < ?)
	`, formatTime(now), projectID, agentID, formatTime(cutoff))
	if err != nil {
		return false, fmt.Errorf("acquiring spawn lease: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	acquired := rowsAffected == 1
	if acquired {
		s.logger.Debug("spawn lease acquired", "project", projectID, "agent", agentID)
	}
	return acquired, nil
}

// ClearSpawnLease unsets spawn_started_at, allowing a fresh spawn later.
func (s *SQLiteStore) ClearSpawnLease(ctx context.Context, projectID, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE project_agent_assignments
		SET spawn_started_at = NULL
		WHERE project_id = ? AND agent_id = ?
	`, projectID, agentID)
	if err != nil {
		return fmt.Errorf("clearing spawn lease: %w", err)
	}
	return nil
}

func scanSession(row rowScanner) (*AgentSession, error) {
	var sess AgentSession
	var expiresStr, createdStr string
	err := row.Scan(
		&sess.Token,
		&sess.AgentID,
		&sess.ProjectID,
		&sess.Purpose,
		&sess.State,
		&expiresStr,
		&createdStr,
	)
	if err != nil {
		return nil, err
	}
	if sess.ExpiresAt, err = parseTime(expiresStr); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if sess.CreatedAt, err = parseTime(createdStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &sess, nil
}
