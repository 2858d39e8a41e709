// ABOUTME: SQLite persistence for turn-limited conversations and chat delegations
// ABOUTME: Lifecycle mutations are guarded compare-and-swap updates

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateConversation inserts a new conversation in its initial state.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *Conversation) error {
	state := c.State
	if state == "" {
		state = ConversationPending
	}
	query := `
		INSERT INTO conversations
			(id, project_id, participant_a, participant_b, state, max_turns, turn_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID,
		c.ProjectID,
		c.ParticipantA,
		c.ParticipantB,
		state,
		c.MaxTurns,
		c.TurnCount,
		formatTime(c.CreatedAt),
		formatTime(c.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", c.ID, "a", c.ParticipantA, "b", c.ParticipantB, "max_turns", c.MaxTurns)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, project_id, participant_a, participant_b, state, max_turns, turn_count, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`
	var c Conversation
	var createdStr, updatedStr string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID,
		&c.ProjectID,
		&c.ParticipantA,
		&c.ParticipantB,
		&c.State,
		&c.MaxTurns,
		&c.TurnCount,
		&createdStr,
		&updatedStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// AdvanceConversation writes (state, turn_count) iff the persisted values
// still match what the caller read. Zero rows affected means a concurrent
// turn or end call won; the caller re-reads and re-validates.
func (s *SQLiteStore) AdvanceConversation(ctx context.Context, id, expectedState string, expectedTurns int, newState string, newTurns int, updatedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET state = ?, turn_count = ?, updated_at = ?
		WHERE id = ? AND state = ? AND turn_count = ?
	`, newState, newTurns, formatTime(updatedAt), id, expectedState, expectedTurns)
	if err != nil {
		return fmt.Errorf("advancing conversation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("advanced conversation", "id", id, "state", newState, "turns", newTurns)
	return nil
}

// CreateDelegation inserts a one-shot delegation request.
func (s *SQLiteStore) CreateDelegation(ctx context.Context, d *ChatDelegation) error {
	status := d.Status
	if status == "" {
		status = DelegationPending
	}
	query := `
		INSERT INTO chat_delegations
			(id, agent_id, project_id, target_agent_id, purpose, context, status, result, processed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		d.ID,
		d.AgentID,
		d.ProjectID,
		d.TargetAgentID,
		nullable(d.Purpose),
		nullable(d.Context),
		status,
		nullable(d.Result),
		formatNullableTime(d.ProcessedAt),
		formatTime(d.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting delegation: %w", err)
	}

	s.logger.Debug("created delegation", "id", d.ID, "from", d.AgentID, "to", d.TargetAgentID)
	return nil
}

// GetDelegation retrieves a delegation by ID.
func (s *SQLiteStore) GetDelegation(ctx context.Context, id string) (*ChatDelegation, error) {
	query := `
		SELECT id, agent_id, project_id, target_agent_id, purpose, context, status, result, processed_at, created_at
		FROM chat_delegations
		WHERE id = ?
	`
	row := s.db.QueryRowContext(ctx, query, id)
	d, err := scanDelegation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying delegation: %w", err)
	}
	return d, nil
}

// ListPendingDelegations returns pending delegations addressed to the target.
func (s *SQLiteStore) ListPendingDelegations(ctx context.Context, targetAgentID, projectID string) ([]*ChatDelegation, error) {
	query := `
		SELECT id, agent_id, project_id, target_agent_id, purpose, context, status, result, processed_at, created_at
		FROM chat_delegations
		WHERE target_agent_id = ? AND project_id = ? AND status = 'pending'
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, targetAgentID, projectID)
	if err != nil {
		return nil, fmt.Errorf("querying pending delegations: %w", err)
	}
	defer rows.Close()

	var out []*ChatDelegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delegation: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDelegationStatus moves a delegation between lifecycle states with a
// guard on the expected current status. Zero rows means the delegation was
// already claimed or settled by a concurrent caller.
func (s *SQLiteStore) UpdateDelegationStatus(ctx context.Context, id, expectedStatus, newStatus, result string, processedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_delegations
		SET status = ?, result = ?, processed_at = ?
		WHERE id = ? AND status = ?
	`, newStatus, nullable(result), formatNullableTime(processedAt), id, expectedStatus)
	if err != nil {
		return fmt.Errorf("updating delegation status: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated delegation", "id", id, "status", newStatus)
	return nil
}

func scanDelegation(row rowScanner) (*ChatDelegation, error) {
	var d ChatDelegation
	var purpose, dctx, result sql.NullString
	var processedAt sql.NullString
	var createdStr string

	err := row.Scan(
		&d.ID,
		&d.AgentID,
		&d.ProjectID,
		&d.TargetAgentID,
		&purpose,
		&dctx,
		&d.Status,
		&result,
		&processedAt,
		&createdStr,
	)
	if err != nil {
		return nil, err
	}

	d.Purpose = purpose.String
	d.Context = dctx.String
	d.Result = result.String
	if d.ProcessedAt, err = parseNullableTime(processedAt); err != nil {
		return nil, fmt.Errorf("parsing processed_at: %w", err)
	}
	if d.CreatedAt, err = parseTime(createdStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &d, nil
}
