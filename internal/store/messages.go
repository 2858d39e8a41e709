// ABOUTME: SQLite chat message persistence and per-sender read cursors
// ABOUTME: One source-of-truth table with per-participant indexed views

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const messageColumns = `id, project_id, sender_id, receiver_id, content, created_at, related_task_id, conversation_id`

// SaveChatMessage appends an immutable chat message.
func (s *SQLiteStore) SaveChatMessage(ctx context.Context, msg *ChatMessage) error {
	query := `
		INSERT INTO chat_messages (` + messageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ProjectID,
		msg.SenderID,
		nullable(msg.ReceiverID),
		msg.Content,
		formatTime(msg.CreatedAt),
		nullable(msg.RelatedTaskID),
		nullable(msg.ConversationID),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting chat message: %w", err)
	}

	s.logger.Debug("saved chat message", "id", msg.ID, "sender", msg.SenderID, "receiver", msg.ReceiverID)
	return nil
}

// ListMessagesForAgent returns the agent's own ordered view: everything it
// sent or received in the project, by (created_at, id). Both participants of
// a pair read the same rows through their own index.
func (s *SQLiteStore) ListMessagesForAgent(ctx context.Context, projectID, agentID string, limit int) ([]*ChatMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM chat_messages
		WHERE project_id = ? AND (sender_id = ? OR receiver_id = ?)
		ORDER BY created_at, id
	`
	args := []any{projectID, agentID, agentID}
	if limit > 0 {
		// Keep the most recent N while preserving chronological order
		query = `
			SELECT ` + messageColumns + ` FROM (
				SELECT ` + messageColumns + `
				FROM chat_messages
				WHERE project_id = ? AND (sender_id = ? OR receiver_id = ?)
				ORDER BY created_at DESC, id DESC
				LIMIT ?
			) ORDER BY created_at, id
		`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages for agent: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ListMessagesBetween returns the pairwise history between two agents.
func (s *SQLiteStore) ListMessagesBetween(ctx context.Context, projectID, agentA, agentB string, limit int) ([]*ChatMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM chat_messages
		WHERE project_id = ?
		  AND ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))
		ORDER BY created_at, id
	`
	args := []any{projectID, agentA, agentB, agentB, agentA}
	if limit > 0 {
		query = `
			SELECT ` + messageColumns + ` FROM (
				SELECT ` + messageColumns + `
				FROM chat_messages
				WHERE project_id = ?
				  AND ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))
				ORDER BY created_at DESC, id DESC
				LIMIT ?
			) ORDER BY created_at, id
		`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages between agents: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ListMessagesByConversation returns a conversation's thread in order.
func (s *SQLiteStore) ListMessagesByConversation(ctx context.Context, conversationID string) ([]*ChatMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM chat_messages
		WHERE conversation_id = ?
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying conversation messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// SetReadCursor upserts the badge read cursor for (project, agent, sender).
func (s *SQLiteStore) SetReadCursor(ctx context.Context, projectID, agentID, senderID string, readAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_read_cursors (project_id, agent_id, sender_id, last_read_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (project_id, agent_id, sender_id)
		DO UPDATE SET last_read_at = excluded.last_read_at
	`, projectID, agentID, senderID, formatTime(readAt))
	if err != nil {
		return fmt.Errorf("setting read cursor: %w", err)
	}
	return nil
}

// GetReadCursors returns the agent's read cursors keyed by sender id.
func (s *SQLiteStore) GetReadCursors(ctx context.Context, projectID, agentID string) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sender_id, last_read_at
		FROM chat_read_cursors
		WHERE project_id = ? AND agent_id = ?
	`, projectID, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying read cursors: %w", err)
	}
	defer rows.Close()

	cursors := make(map[string]time.Time)
	for rows.Next() {
		var sender, readAtStr string
		if err := rows.Scan(&sender, &readAtStr); err != nil {
			return nil, fmt.Errorf("scanning read cursor: %w", err)
		}
		readAt, err := parseTime(readAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing last_read_at: %w", err)
		}
		cursors[sender] = readAt
	}
	return cursors, rows.Err()
}

func scanMessage(row rowScanner) (*ChatMessage, error) {
	var msg ChatMessage
	var receiver, relatedTask, conversation sql.NullString
	var createdStr string
	err := row.Scan(
		&msg.ID,
		&msg.ProjectID,
		&msg.SenderID,
		&receiver,
		&msg.Content,
		&createdStr,
		&relatedTask,
		&conversation,
	)
	if err != nil {
		return nil, err
	}
	msg.ReceiverID = receiver.String
	msg.RelatedTaskID = relatedTask.String
	msg.ConversationID = conversation.String
	if msg.CreatedAt, err = parseTime(createdStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &msg, nil
}

func collectMessages(rows *sql.Rows) ([]*ChatMessage, error) {
	var msgs []*ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning chat message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
