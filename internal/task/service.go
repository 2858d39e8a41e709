// ABOUTME: Task status state machine, last-writer authorization and approval workflow
// ABOUTME: All mutations are validated against the persisted row then applied via compare-and-swap

package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/crew-control/internal/fault"
	"github.com/2389/crew-control/internal/hierarchy"
	"github.com/2389/crew-control/internal/store"
)

// validTransitions is the complete allowed-transition set. backlog-todo-
// in_progress-done is the forward path, in_progress and blocked are
// bidirectional, cancellation is reachable from every non-terminal state.
// done and cancelled are terminal. Same-state writes are not transitions.
var validTransitions = map[string]map[string]bool{
	store.TaskStatusBacklog: {
		store.TaskStatusTodo:      true,
		store.TaskStatusCancelled: true,
	},
	store.TaskStatusTodo: {
		store.TaskStatusBacklog:    true,
		store.TaskStatusInProgress: true,
		store.TaskStatusCancelled:  true,
	},
	store.TaskStatusInProgress: {
		store.TaskStatusTodo:      true,
		store.TaskStatusBlocked:   true,
		store.TaskStatusDone:      true,
		store.TaskStatusCancelled: true,
	},
	store.TaskStatusBlocked: {
		store.TaskStatusInProgress: true,
		store.TaskStatusCancelled:  true,
	},
	store.TaskStatusDone:      {},
	store.TaskStatusCancelled: {},
}

// TransitionAllowed reports whether from -> to is on the allowed list.
func TransitionAllowed(from, to string) bool {
	return validTransitions[from][to]
}

// InterruptNotifier delivers the best-effort interrupt created when a task
// with an assignee enters blocked.
type InterruptNotifier interface {
	NotifyInterrupt(ctx context.Context, agentID, projectID, taskID, reason string) error
}

// TaskStore is the slice of the store this service needs.
type TaskStore interface {
	CreateTask(ctx context.Context, task *store.Task) error
	GetTask(ctx context.Context, id string) (*store.Task, error)
	ListTasksByProject(ctx context.Context, projectID string) ([]*store.Task, error)
	ListTasksByAssignee(ctx context.Context, projectID, assigneeID string) ([]*store.Task, error)
	UpdateTaskStatus(ctx context.Context, id, expectedStatus, expectedChangedBy, newStatus, changedBy, blockedReason string, changedAt time.Time) error
	UpdateTaskAssignee(ctx context.Context, id, assigneeID string) error
	DecideTaskApproval(ctx context.Context, id, approvalStatus, decidedBy, rejectedReason string, decidedAt time.Time) error
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
}

// Service implements the task lifecycle.
type Service struct {
	store     TaskStore
	hierarchy *hierarchy.Hierarchy
	notifier  InterruptNotifier
	logger    *slog.Logger
}

// New creates the task service. notifier may be nil, in which case blocked
// transitions skip the interrupt side effect.
func New(ts TaskStore, h *hierarchy.Hierarchy, notifier InterruptNotifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     ts,
		hierarchy: h,
		notifier:  notifier,
		logger:    logger.With("component", "task"),
	}
}

// CreateInput describes a directly created task.
type CreateInput struct {
	ID           string // optional; generated when empty
	ProjectID    string
	Title        string
	AssigneeID   string
	Dependencies []string
}

// Create inserts a new, already-approved task.
func (s *Service) Create(ctx context.Context, in CreateInput) (*store.Task, error) {
	if in.ProjectID == "" {
		return nil, fault.Validationf("project_id is required")
	}
	if in.Title == "" {
		return nil, fault.Validationf("title is required")
	}

	id := in.ID
	if id == "" {
		id = uuid.New().String()
	}
	deps, err := normalizeDependencies(id, in.Dependencies)
	if err != nil {
		return nil, err
	}

	t := &store.Task{
		ID:             id,
		ProjectID:      in.ProjectID,
		Title:          in.Title,
		AssigneeID:     in.AssigneeID,
		Dependencies:   deps,
		Status:         store.TaskStatusBacklog,
		ApprovalStatus: store.ApprovalApproved,
		CreatedAt:      time.Now(),
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fault.Conflictf("task %s already exists", id)
		}
		return nil, fmt.Errorf("creating task: %w", err)
	}

	s.logger.Info("task created", "task_id", t.ID, "project", t.ProjectID)
	return t, nil
}

// StatusChangeResult reports a successful transition. InterruptNotified is
// false when the transition entered blocked but the auxiliary notification
// write failed; the status change itself has still committed.
type StatusChangeResult struct {
	Task              *store.Task
	InterruptNotified bool
}

// ChangeStatus applies the status state machine with last-writer
// authorization. The persisted write re-checks (status, last writer), so a
// lost race surfaces as fault.ErrConcurrency rather than a silent overwrite.
func (s *Service) ChangeStatus(ctx context.Context, taskID, newStatus, callerID, blockedReason string) (*StatusChangeResult, error) {
	if callerID == "" {
		return nil, fault.Validationf("caller agent id is required")
	}
	if _, ok := validTransitions[newStatus]; !ok {
		return nil, fault.Validationf("unknown status %q", newStatus)
	}

	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.NotFoundf("task %s", taskID)
		}
		return nil, fmt.Errorf("loading task: %w", err)
	}

	if !TransitionAllowed(t.Status, newStatus) {
		return nil, fault.Conflictf("transition %s -> %s is not allowed", t.Status, newStatus)
	}

	if newStatus == store.TaskStatusBlocked && blockedReason == "" {
		return nil, fault.Validationf("blocked_reason is required when entering blocked")
	}
	if newStatus != store.TaskStatusBlocked {
		// Leaving (or never entering) blocked clears the reason
		blockedReason = ""
	}

	if err := s.authorizeWrite(ctx, t, callerID); err != nil {
		return nil, err
	}

	now := time.Now()
	err = s.store.UpdateTaskStatus(ctx, t.ID, t.Status, t.StatusChangedByAgentID, newStatus, callerID, blockedReason, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The row changed between our read and the conditional write
			return nil, fault.Concurrencyf("task %s was modified concurrently", taskID)
		}
		return nil, fmt.Errorf("updating task status: %w", err)
	}

	updated := *t
	updated.Status = newStatus
	updated.StatusChangedByAgentID = callerID
	updated.StatusChangedAt = &now
	updated.BlockedReason = blockedReason

	s.logger.Info("task status changed",
		"task_id", t.ID,
		"from", t.Status,
		"to", newStatus,
		"by", callerID)

	result := &StatusChangeResult{Task: &updated, InterruptNotified: true}

	// Interrupt side effect: best-effort and auxiliary. The status change has
	// already committed; a notification failure is surfaced, never rolled back.
	if newStatus == store.TaskStatusBlocked && t.AssigneeID != "" && s.notifier != nil {
		if err := s.notifier.NotifyInterrupt(ctx, t.AssigneeID, t.ProjectID, t.ID, blockedReason); err != nil {
			s.logger.Warn("interrupt notification failed",
				"task_id", t.ID,
				"assignee", t.AssigneeID,
				"error", err)
			result.InterruptNotified = false
		}
	}

	return result, nil
}

// authorizeWrite enforces the last-writer lock: the first status change is
// unrestricted; afterwards the caller must be the last writer or one of its
// descendants.
func (s *Service) authorizeWrite(ctx context.Context, t *store.Task, callerID string) error {
	lastWriter := t.StatusChangedByAgentID
	if lastWriter == "" || lastWriter == callerID {
		return nil
	}
	isDescendant, err := s.hierarchy.IsAncestorOf(ctx, lastWriter, callerID)
	if err != nil {
		return fmt.Errorf("checking hierarchy: %w", err)
	}
	if !isDescendant {
		return fault.Authorizationf("agent %s may not override status set by %s", callerID, lastWriter)
	}
	return nil
}

// Reassign changes the assignee. Forbidden while the task is in_progress or
// blocked so the working agent's context is preserved.
func (s *Service) Reassign(ctx context.Context, taskID, newAssigneeID string) (*store.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.NotFoundf("task %s", taskID)
		}
		return nil, fmt.Errorf("loading task: %w", err)
	}

	if t.Status == store.TaskStatusInProgress || t.Status == store.TaskStatusBlocked {
		return nil, fault.Conflictf("cannot reassign task while %s", t.Status)
	}

	if err := s.store.UpdateTaskAssignee(ctx, taskID, newAssigneeID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.NotFoundf("task %s", taskID)
		}
		return nil, fmt.Errorf("updating assignee: %w", err)
	}

	t.AssigneeID = newAssigneeID
	s.logger.Info("task reassigned", "task_id", taskID, "assignee", newAssigneeID)
	return t, nil
}

// RequestInput describes a request_task call.
type RequestInput struct {
	RequesterID  string
	AssigneeID   string
	ProjectID    string
	Title        string
	Dependencies []string
}

// Request creates a task on another agent's behalf. A requester above the
// assignee in the hierarchy is auto-approved; anyone else produces a
// pending_approval task awaiting a human ancestor of the assignee.
func (s *Service) Request(ctx context.Context, in RequestInput) (*store.Task, error) {
	if in.RequesterID == "" || in.AssigneeID == "" {
		return nil, fault.Validationf("requester_id and assignee_id are required")
	}
	if in.ProjectID == "" {
		return nil, fault.Validationf("project_id is required")
	}
	if in.Title == "" {
		return nil, fault.Validationf("title is required")
	}
	if _, err := s.store.GetAgent(ctx, in.AssigneeID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.NotFoundf("assignee %s", in.AssigneeID)
		}
		return nil, fmt.Errorf("loading assignee: %w", err)
	}

	id := uuid.New().String()
	deps, err := normalizeDependencies(id, in.Dependencies)
	if err != nil {
		return nil, err
	}

	approval := store.ApprovalPending
	if in.RequesterID == in.AssigneeID {
		approval = store.ApprovalApproved
	} else {
		isAncestor, err := s.hierarchy.IsAncestorOf(ctx, in.RequesterID, in.AssigneeID)
		if err != nil {
			return nil, fmt.Errorf("checking hierarchy: %w", err)
		}
		if isAncestor {
			approval = store.ApprovalApproved
		}
	}

	t := &store.Task{
		ID:             id,
		ProjectID:      in.ProjectID,
		Title:          in.Title,
		AssigneeID:     in.AssigneeID,
		Dependencies:   deps,
		Status:         store.TaskStatusBacklog,
		ApprovalStatus: approval,
		RequesterID:    in.RequesterID,
		CreatedAt:      time.Now(),
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("creating requested task: %w", err)
	}

	s.logger.Info("task requested",
		"task_id", t.ID,
		"requester", in.RequesterID,
		"assignee", in.AssigneeID,
		"approval", approval)
	return t, nil
}

// Approve settles a pending approval. Only a human ancestor of the assignee
// may approve; the decision is terminal.
func (s *Service) Approve(ctx context.Context, taskID, byAgentID string) (*store.Task, error) {
	t, err := s.loadPendingTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeApprover(ctx, t, byAgentID); err != nil {
		return nil, err
	}

	now := time.Now()
	err = s.store.DecideTaskApproval(ctx, taskID, store.ApprovalApproved, byAgentID, "", now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.Concurrencyf("task %s approval was decided concurrently", taskID)
		}
		return nil, fmt.Errorf("approving task: %w", err)
	}

	t.ApprovalStatus = store.ApprovalApproved
	t.ApprovedBy = byAgentID
	t.ApprovedAt = &now
	s.logger.Info("task approved", "task_id", taskID, "by", byAgentID)
	return t, nil
}

// Reject settles a pending approval with a reason. Terminal like Approve.
func (s *Service) Reject(ctx context.Context, taskID, byAgentID, reason string) (*store.Task, error) {
	if reason == "" {
		return nil, fault.Validationf("rejection reason is required")
	}
	t, err := s.loadPendingTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeApprover(ctx, t, byAgentID); err != nil {
		return nil, err
	}

	err = s.store.DecideTaskApproval(ctx, taskID, store.ApprovalRejected, byAgentID, reason, time.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.Concurrencyf("task %s approval was decided concurrently", taskID)
		}
		return nil, fmt.Errorf("rejecting task: %w", err)
	}

	t.ApprovalStatus = store.ApprovalRejected
	t.RejectedReason = reason
	s.logger.Info("task rejected", "task_id", taskID, "by", byAgentID)
	return t, nil
}

func (s *Service) loadPendingTask(ctx context.Context, taskID string) (*store.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.NotFoundf("task %s", taskID)
		}
		return nil, fmt.Errorf("loading task: %w", err)
	}
	if t.ApprovalStatus != store.ApprovalPending {
		return nil, fault.Conflictf("task %s approval already %s", taskID, t.ApprovalStatus)
	}
	return t, nil
}

func (s *Service) authorizeApprover(ctx context.Context, t *store.Task, byAgentID string) error {
	if byAgentID == "" {
		return fault.Validationf("approver agent id is required")
	}
	approver, err := s.store.GetAgent(ctx, byAgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fault.NotFoundf("agent %s", byAgentID)
		}
		return fmt.Errorf("loading approver: %w", err)
	}
	if approver.Type != store.AgentTypeHuman {
		return fault.Authorizationf("agent %s is not human", byAgentID)
	}
	isAncestor, err := s.hierarchy.IsAncestorOf(ctx, byAgentID, t.AssigneeID)
	if err != nil {
		return fmt.Errorf("checking hierarchy: %w", err)
	}
	if !isAncestor {
		return fault.Authorizationf("agent %s is not an ancestor of assignee %s", byAgentID, t.AssigneeID)
	}
	return nil
}

// Get returns a task by id.
func (s *Service) Get(ctx context.Context, taskID string) (*store.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.NotFoundf("task %s", taskID)
		}
		return nil, fmt.Errorf("loading task: %w", err)
	}
	return t, nil
}

// ListByProject returns every task in a project.
func (s *Service) ListByProject(ctx context.Context, projectID string) ([]*store.Task, error) {
	return s.store.ListTasksByProject(ctx, projectID)
}

// ListByAssignee returns a project's tasks assigned to one agent.
func (s *Service) ListByAssignee(ctx context.Context, projectID, assigneeID string) ([]*store.Task, error) {
	return s.store.ListTasksByAssignee(ctx, projectID, assigneeID)
}

// Dependents returns the tasks in the same project whose dependency list
// contains taskID. Computed on read; reverse edges are not stored.
func (s *Service) Dependents(ctx context.Context, taskID string) ([]*store.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.NotFoundf("task %s", taskID)
		}
		return nil, fmt.Errorf("loading task: %w", err)
	}

	all, err := s.store.ListTasksByProject(ctx, t.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("listing project tasks: %w", err)
	}

	var out []*store.Task
	for _, candidate := range all {
		for _, dep := range candidate.Dependencies {
			if dep == taskID {
				out = append(out, candidate)
				break
			}
		}
	}
	return out, nil
}

// normalizeDependencies dedupes while preserving order and rejects
// self-reference. Cycles spanning multiple tasks are not detected.
func normalizeDependencies(taskID string, deps []string) ([]string, error) {
	if len(deps) == 0 {
		return nil, nil
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(deps))
	for _, dep := range deps {
		if dep == taskID {
			return nil, fault.Validationf("task cannot depend on itself")
		}
		if dep == "" || seen[dep] {
			continue
		}
		seen[dep] = true
		out = append(out, dep)
	}
	return out, nil
}
