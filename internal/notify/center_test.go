// ABOUTME: Tests for the notification center: create, poll, consume, retention
// ABOUTME: Retention purges by age regardless of read state

package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/crew-control/internal/fault"
	"github.com/2389/crew-control/internal/store"
)

func newTestCenter(t *testing.T) (*Center, *store.MockStore) {
	t.Helper()
	s := store.NewMockStore()
	return New(s, nil), s
}

func TestCreateAndFindUnread(t *testing.T) {
	c, _ := newTestCenter(t)
	ctx := context.Background()

	created, err := c.Create(ctx, &store.AgentNotification{
		TargetAgentID:   "agt_a",
		TargetProjectID: "p1",
		Type:            store.NotificationMessage,
		Message:         "you have mail",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	unread, err := c.FindUnread(ctx, "agt_a", "p1")
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, created.ID, unread[0].ID)

	// Reading without marking is idempotent.
	unread, err = c.FindUnread(ctx, "agt_a", "p1")
	require.NoError(t, err)
	assert.Len(t, unread, 1)
}

func TestCreate_Validation(t *testing.T) {
	c, _ := newTestCenter(t)
	ctx := context.Background()

	_, err := c.Create(ctx, &store.AgentNotification{
		TargetProjectID: "p1",
		Type:            store.NotificationMessage,
	})
	assert.ErrorIs(t, err, fault.ErrValidation)

	_, err = c.Create(ctx, &store.AgentNotification{
		TargetAgentID:   "agt_a",
		TargetProjectID: "p1",
		Type:            "pigeon",
	})
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestNotifyInterrupt(t *testing.T) {
	c, _ := newTestCenter(t)
	ctx := context.Background()

	require.NoError(t, c.NotifyInterrupt(ctx, "agt_w", "p1", "t1", "dependency blocked"))

	unread, err := c.FindUnread(ctx, "agt_w", "p1")
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, store.NotificationInterrupt, unread[0].Type)
	assert.Equal(t, "stop", unread[0].Action)
	assert.Equal(t, "t1", unread[0].TaskID)
	assert.Equal(t, "dependency blocked", unread[0].Message)
	assert.NotEmpty(t, unread[0].Instruction)
}

func TestMarkRead(t *testing.T) {
	c, _ := newTestCenter(t)
	ctx := context.Background()

	created, err := c.Create(ctx, &store.AgentNotification{
		TargetAgentID:   "agt_a",
		TargetProjectID: "p1",
		Type:            store.NotificationStatusChange,
	})
	require.NoError(t, err)

	require.NoError(t, c.MarkRead(ctx, created.ID))

	has, err := c.HasUnread(ctx, "agt_a", "p1")
	require.NoError(t, err)
	assert.False(t, has)

	err = c.MarkRead(ctx, "missing")
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestMarkAllRead(t *testing.T) {
	c, _ := newTestCenter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Create(ctx, &store.AgentNotification{
			TargetAgentID:   "agt_a",
			TargetProjectID: "p1",
			Type:            store.NotificationMessage,
		})
		require.NoError(t, err)
	}
	_, err := c.Create(ctx, &store.AgentNotification{
		TargetAgentID:   "agt_b",
		TargetProjectID: "p1",
		Type:            store.NotificationMessage,
	})
	require.NoError(t, err)

	n, err := c.MarkAllRead(ctx, "agt_a", "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Other agents' notifications are untouched.
	has, err := c.HasUnread(ctx, "agt_b", "p1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestDeleteOlderThan(t *testing.T) {
	c, s := newTestCenter(t)
	ctx := context.Background()

	old, err := c.Create(ctx, &store.AgentNotification{
		TargetAgentID:   "agt_a",
		TargetProjectID: "p1",
		Type:            store.NotificationMessage,
		CreatedAt:       time.Now().AddDate(0, 0, -40),
	})
	require.NoError(t, err)
	require.NoError(t, c.MarkRead(ctx, old.ID))

	_, err = c.Create(ctx, &store.AgentNotification{
		TargetAgentID:   "agt_a",
		TargetProjectID: "p1",
		Type:            store.NotificationMessage,
		CreatedAt:       time.Now().AddDate(0, 0, -40),
	})
	require.NoError(t, err)

	recent, err := c.Create(ctx, &store.AgentNotification{
		TargetAgentID:   "agt_a",
		TargetProjectID: "p1",
		Type:            store.NotificationMessage,
	})
	require.NoError(t, err)

	// Both old notifications go, read or not.
	n, err := c.DeleteOlderThan(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	unread, err := s.ListUnreadNotifications(ctx, "agt_a", "p1")
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, recent.ID, unread[0].ID)
}

func TestDeleteOlderThan_RejectsNonPositive(t *testing.T) {
	c, _ := newTestCenter(t)

	_, err := c.DeleteOlderThan(context.Background(), 0)
	assert.ErrorIs(t, err, fault.ErrValidation)
}
