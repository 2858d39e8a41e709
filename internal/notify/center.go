// ABOUTME: Durable polled notification queue keyed by (agent, project)
// ABOUTME: Reads are idempotent; mark-as-read consumes; retention GC purges by age

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/crew-control/internal/fault"
	"github.com/2389/crew-control/internal/store"
)

// NotificationStore is the slice of the store the center needs.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *store.AgentNotification) error
	ListUnreadNotifications(ctx context.Context, agentID, projectID string) ([]*store.AgentNotification, error)
	MarkNotificationRead(ctx context.Context, id string, readAt time.Time) error
	MarkAllNotificationsRead(ctx context.Context, agentID, projectID string, readAt time.Time) (int, error)
	DeleteNotificationsOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Center is the notification service.
type Center struct {
	store  NotificationStore
	logger *slog.Logger
}

// New creates a Center.
func New(ns NotificationStore, logger *slog.Logger) *Center {
	if logger == nil {
		logger = slog.Default()
	}
	return &Center{
		store:  ns,
		logger: logger.With("component", "notify"),
	}
}

// Create persists a notification addressed to (agent, project).
func (c *Center) Create(ctx context.Context, n *store.AgentNotification) (*store.AgentNotification, error) {
	if n.TargetAgentID == "" || n.TargetProjectID == "" {
		return nil, fault.Validationf("target agent and project are required")
	}
	switch n.Type {
	case store.NotificationStatusChange, store.NotificationInterrupt, store.NotificationMessage:
	default:
		return nil, fault.Validationf("unknown notification type %q", n.Type)
	}

	cp := *n
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if err := c.store.CreateNotification(ctx, &cp); err != nil {
		return nil, fmt.Errorf("creating notification: %w", err)
	}

	c.logger.Debug("notification created", "id", cp.ID, "type", cp.Type, "target", cp.TargetAgentID)
	return &cp, nil
}

// NotifyInterrupt creates the cooperative stop request sent to a task's
// assignee when the task enters blocked. Satisfies task.InterruptNotifier.
func (c *Center) NotifyInterrupt(ctx context.Context, agentID, projectID, taskID, reason string) error {
	_, err := c.Create(ctx, &store.AgentNotification{
		TargetAgentID:   agentID,
		TargetProjectID: projectID,
		Type:            store.NotificationInterrupt,
		Action:          "stop",
		TaskID:          taskID,
		Message:         reason,
		Instruction:     "Stop current work and report status blocked for this task.",
	})
	return err
}

// FindUnread returns unread notifications in creation order. Pure read, safe
// on every poll cycle.
func (c *Center) FindUnread(ctx context.Context, agentID, projectID string) ([]*store.AgentNotification, error) {
	return c.store.ListUnreadNotifications(ctx, agentID, projectID)
}

// HasUnread reports whether any unread notification is waiting.
func (c *Center) HasUnread(ctx context.Context, agentID, projectID string) (bool, error) {
	unread, err := c.store.ListUnreadNotifications(ctx, agentID, projectID)
	if err != nil {
		return false, err
	}
	return len(unread) > 0, nil
}

// MarkRead consumes a single notification.
func (c *Center) MarkRead(ctx context.Context, id string) error {
	if err := c.store.MarkNotificationRead(ctx, id, time.Now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fault.NotFoundf("notification %s", id)
		}
		return fmt.Errorf("marking notification read: %w", err)
	}
	return nil
}

// MarkAllRead consumes everything unread for (agent, project).
func (c *Center) MarkAllRead(ctx context.Context, agentID, projectID string) (int, error) {
	n, err := c.store.MarkAllNotificationsRead(ctx, agentID, projectID, time.Now())
	if err != nil {
		return 0, fmt.Errorf("marking all notifications read: %w", err)
	}
	return n, nil
}

// DeleteOlderThan purges notifications older than the given number of days,
// read or not. Retention is independent of read state.
func (c *Center) DeleteOlderThan(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		return 0, fault.Validationf("retention days must be positive")
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	n, err := c.store.DeleteNotificationsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting old notifications: %w", err)
	}
	if n > 0 {
		c.logger.Info("purged old notifications", "count", n, "days", days)
	}
	return n, nil
}
