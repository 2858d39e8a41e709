// ABOUTME: SQLite persistence for polled agent notifications
// ABOUTME: Reads are idempotent; mark-as-read and age-based GC are the only mutations

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateNotification inserts a notification addressed to (agent, project).
func (s *SQLiteStore) CreateNotification(ctx context.Context, n *AgentNotification) error {
	query := `
		INSERT INTO agent_notifications
			(id, target_agent_id, target_project_id, type, action, task_id, message, instruction, is_read, read_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		n.ID,
		n.TargetAgentID,
		n.TargetProjectID,
		n.Type,
		nullable(n.Action),
		nullable(n.TaskID),
		nullable(n.Message),
		nullable(n.Instruction),
		boolToInt(n.IsRead),
		formatNullableTime(n.ReadAt),
		formatTime(n.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting notification: %w", err)
	}

	s.logger.Debug("created notification", "id", n.ID, "type", n.Type, "target", n.TargetAgentID)
	return nil
}

// ListUnreadNotifications returns unread notifications for (agent, project)
// in creation order. Safe to call on every poll cycle.
func (s *SQLiteStore) ListUnreadNotifications(ctx context.Context, agentID, projectID string) ([]*AgentNotification, error) {
	query := `
		SELECT id, target_agent_id, target_project_id, type, action, task_id, message, instruction, is_read, read_at, created_at
		FROM agent_notifications
		WHERE target_agent_id = ? AND target_project_id = ? AND is_read = 0
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, agentID, projectID)
	if err != nil {
		return nil, fmt.Errorf("querying unread notifications: %w", err)
	}
	defer rows.Close()

	var out []*AgentNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationRead marks a single notification consumed.
func (s *SQLiteStore) MarkNotificationRead(ctx context.Context, id string, readAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agent_notifications
		SET is_read = 1, read_at = ?
		WHERE id = ?
	`, formatTime(readAt), id)
	if err != nil {
		return fmt.Errorf("marking notification read: %w", err)
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

// MarkAllNotificationsRead consumes every unread notification for the target.
func (s *SQLiteStore) MarkAllNotificationsRead(ctx context.Context, agentID, projectID string, readAt time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agent_notifications
		SET is_read = 1, read_at = ?
		WHERE target_agent_id = ? AND target_project_id = ? AND is_read = 0
	`, formatTime(readAt), agentID, projectID)
	if err != nil {
		return 0, fmt.Errorf("marking all notifications read: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return int(n), nil
}

// DeleteNotificationsOlderThan purges by age regardless of read state.
func (s *SQLiteStore) DeleteNotificationsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM agent_notifications WHERE created_at < ?
	`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting old notifications: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("deleted old notifications", "count", n)
	}
	return int(n), nil
}

func scanNotification(row rowScanner) (*AgentNotification, error) {
	var n AgentNotification
	var action, taskID, message, instruction sql.NullString
	var readAt sql.NullString
	var isRead int
	var createdStr string

	err := row.Scan(
		&n.ID,
		&n.TargetAgentID,
		&n.TargetProjectID,
		&n.Type,
		&action,
		&taskID,
		&message,
		&instruction,
		&isRead,
		&readAt,
		&createdStr,
	)
	if err != nil {
		return nil, err
	}

	n.Action = action.String
	n.TaskID = taskID.String
	n.Message = message.String
	n.Instruction = instruction.String
	n.IsRead = isRead != 0
	if n.ReadAt, err = parseNullableTime(readAt); err != nil {
		return nil, fmt.Errorf("parsing read_at: %w", err)
	}
	if n.CreatedAt, err = parseTime(createdStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
