// ABOUTME: SQLite task persistence including the conditional last-writer update
// ABOUTME: Status and approval mutations are compare-and-swap statements, not read-then-write

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const taskColumns = `id, project_id, title, assignee_id, dependencies, status,
	status_changed_by, status_changed_at, blocked_reason,
	approval_status, requester_id, approved_by, approved_at, rejected_reason, created_at`

// CreateTask inserts a new task. Returns ErrDuplicate if the id exists.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	deps, err := marshalDependencies(task.Dependencies)
	if err != nil {
		return err
	}

	status := task.Status
	if status == "" {
		status = TaskStatusBacklog
	}
	approval := task.ApprovalStatus
	if approval == "" {
		approval = ApprovalApproved
	}

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		task.ID,
		task.ProjectID,
		task.Title,
		nullable(task.AssigneeID),
		deps,
		status,
		nullable(task.StatusChangedByAgentID),
		formatNullableTime(task.StatusChangedAt),
		nullable(task.BlockedReason),
		approval,
		nullable(task.RequesterID),
		nullable(task.ApprovedBy),
		formatNullableTime(task.ApprovedAt),
		nullable(task.RejectedReason),
		formatTime(task.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting task: %w", err)
	}

	s.logger.Debug("created task", "id", task.ID, "project", task.ProjectID, "approval", approval)
	return nil
}

// GetTask retrieves a task by ID. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return task, nil
}

// ListTasksByProject returns all tasks in a project ordered by creation time.
func (s *SQLiteStore) ListTasksByProject(ctx context.Context, projectID string) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id = ? ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasksByAssignee returns the tasks assigned to one agent in a project.
func (s *SQLiteStore) ListTasksByAssignee(ctx context.Context, projectID, assigneeID string) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id = ? AND assignee_id = ? ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, projectID, assigneeID)
	if err != nil {
		return nil, fmt.Errorf("querying tasks by assignee: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// UpdateTaskStatus is the conditional last-writer update. The WHERE clause
// re-checks the status and the last-writer field read by the service, so a
// concurrent writer makes this match zero rows instead of clobbering.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id, expectedStatus, expectedChangedBy, newStatus, changedBy, blockedReason string, changedAt time.Time) error {
	query := `
		UPDATE tasks
		SET status = ?, status_changed_by = ?, status_changed_at = ?, blocked_reason = ?
		WHERE id = ? AND status = ? AND IFNULL(status_changed_by, '') = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		newStatus,
		changedBy,
		formatTime(changedAt),
		nullable(blockedReason),
		id,
		expectedStatus,
		expectedChangedBy,
	)
	if err != nil {
		return fmt.Errorf("updating task status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated task status", "id", id, "status", newStatus, "changed_by", changedBy)
	return nil
}

// UpdateTaskAssignee changes the assignee. Returns ErrNotFound for unknown ids.
func (s *SQLiteStore) UpdateTaskAssignee(ctx context.Context, id, assigneeID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET assignee_id = ? WHERE id = ?`,
		nullable(assigneeID), id,
	)
	if err != nil {
		return fmt.Errorf("updating task assignee: %w", err)
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

// DecideTaskApproval settles a pending approval. Only rows still in
// pending_approval match, which makes approve/reject terminal.
func (s *SQLiteStore) DecideTaskApproval(ctx context.Context, id, approvalStatus, decidedBy, rejectedReason string, decidedAt time.Time) error {
	var query string
	var args []any
	switch approvalStatus {
	case ApprovalApproved:
		query = `
			UPDATE tasks
			SET approval_status = ?, approved_by = ?, approved_at = ?
			WHERE id = ? AND approval_status = 'pending_approval'
		`
		args = []any{approvalStatus, decidedBy, formatTime(decidedAt), id}
	case ApprovalRejected:
		query = `
			UPDATE tasks
			SET approval_status = ?, rejected_reason = ?
			WHERE id = ? AND approval_status = 'pending_approval'
		`
		args = []any{approvalStatus, nullable(rejectedReason), id}
	default:
		return fmt.Errorf("invalid approval status %q", approvalStatus)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deciding task approval: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("decided task approval", "id", id, "approval", approvalStatus, "by", decidedBy)
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var assignee, changedBy, blockedReason, requester, approvedBy, rejectedReason sql.NullString
	var changedAt, approvedAt sql.NullString
	var deps, createdAtStr string

	err := row.Scan(
		&task.ID,
		&task.ProjectID,
		&task.Title,
		&assignee,
		&deps,
		&task.Status,
		&changedBy,
		&changedAt,
		&blockedReason,
		&task.ApprovalStatus,
		&requester,
		&approvedBy,
		&approvedAt,
		&rejectedReason,
		&createdAtStr,
	)
	if err != nil {
		return nil, err
	}

	task.AssigneeID = assignee.String
	task.StatusChangedByAgentID = changedBy.String
	task.BlockedReason = blockedReason.String
	task.RequesterID = requester.String
	task.ApprovedBy = approvedBy.String
	task.RejectedReason = rejectedReason.String

	if task.Dependencies, err = unmarshalDependencies(deps); err != nil {
		return nil, err
	}
	if task.StatusChangedAt, err = parseNullableTime(changedAt); err != nil {
		return nil, fmt.Errorf("parsing status_changed_at: %w", err)
	}
	if task.ApprovedAt, err = parseNullableTime(approvedAt); err != nil {
		return nil, fmt.Errorf("parsing approved_at: %w", err)
	}
	if task.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &task, nil
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
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
