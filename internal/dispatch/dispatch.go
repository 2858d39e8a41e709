// ABOUTME: Computes the answer to a worker's "what should I do" poll
// ABOUTME: Pure reads over sessions, tasks, notifications, messages and delegations

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/crew-control/internal/conversation"
	"github.com/2389/crew-control/internal/fault"
	"github.com/2389/crew-control/internal/message"
	"github.com/2389/crew-control/internal/notify"
	"github.com/2389/crew-control/internal/session"
	"github.com/2389/crew-control/internal/store"
)

// Instruction tells the polling worker what to do next.
type Instruction string

const (
	// InstructionExit means the worker's session is terminating: clean up,
	// log out, and stop polling.
	InstructionExit Instruction = "exit"
	// InstructionWork means there is something in the Answer to act on.
	InstructionWork Instruction = "work"
	// InstructionIdle means nothing needs the worker right now.
	InstructionIdle Instruction = "idle"
)

// Answer is one poll response. Every field is computed from idempotent
// reads; polling in a tight loop has no side effects.
type Answer struct {
	Instruction        Instruction
	Notifications      []*store.AgentNotification
	AssignedTasks      []*store.Task
	PendingApprovals   []*store.Task
	PendingMessages    []*store.ChatMessage
	PendingDelegations []*store.ChatDelegation
}

// TaskLister is the slice of the store dispatch needs for tasks.
type TaskLister interface {
	ListTasksByProject(ctx context.Context, projectID string) ([]*store.Task, error)
	ListTasksByAssignee(ctx context.Context, projectID, assigneeID string) ([]*store.Task, error)
}

// Dispatcher aggregates the per-component views into one poll answer.
type Dispatcher struct {
	sessions      *session.Registry
	notifications *notify.Center
	messages      *message.Service
	conversations *conversation.Manager
	tasks         TaskLister
	logger        *slog.Logger
}

// New creates a Dispatcher.
func New(sessions *session.Registry, notifications *notify.Center, messages *message.Service, conversations *conversation.Manager, tasks TaskLister, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sessions:      sessions,
		notifications: notifications,
		messages:      messages,
		conversations: conversations,
		tasks:         tasks,
		logger:        logger.With("component", "dispatch"),
	}
}

// NextAction answers one poll for (agent, project). A terminating session
// short-circuits everything else: the worker must exit first.
func (d *Dispatcher) NextAction(ctx context.Context, agentID, projectID string) (*Answer, error) {
	if agentID == "" || projectID == "" {
		return nil, fault.Validationf("agent_id and project_id are required")
	}

	sess, err := d.sessions.FindActive(ctx, agentID, projectID, store.SessionPurposeChat)
	if err != nil && !errors.Is(err, fault.ErrNotFound) {
		return nil, fmt.Errorf("checking session: %w", err)
	}
	if sess != nil && sess.State == store.SessionStateTerminating {
		return &Answer{Instruction: InstructionExit}, nil
	}

	answer := &Answer{Instruction: InstructionIdle}

	if answer.Notifications, err = d.notifications.FindUnread(ctx, agentID, projectID); err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}

	assigned, err := d.tasks.ListTasksByAssignee(ctx, projectID, agentID)
	if err != nil {
		return nil, fmt.Errorf("listing assigned tasks: %w", err)
	}
	for _, t := range assigned {
		switch {
		case t.ApprovalStatus == store.ApprovalPending:
			answer.PendingApprovals = append(answer.PendingApprovals, t)
		case t.Status == store.TaskStatusTodo || t.Status == store.TaskStatusInProgress:
			answer.AssignedTasks = append(answer.AssignedTasks, t)
		}
	}

	if answer.PendingMessages, err = d.messages.PendingForAgent(ctx, projectID, agentID, 0); err != nil {
		return nil, fmt.Errorf("listing pending messages: %w", err)
	}

	if answer.PendingDelegations, err = d.conversations.FindPendingDelegations(ctx, agentID, projectID); err != nil {
		return nil, fmt.Errorf("listing pending delegations: %w", err)
	}

	if len(answer.Notifications) > 0 || len(answer.AssignedTasks) > 0 ||
		len(answer.PendingApprovals) > 0 || len(answer.PendingMessages) > 0 ||
		len(answer.PendingDelegations) > 0 {
		answer.Instruction = InstructionWork
	}
	return answer, nil
}
