// ABOUTME: Tests for the conversation state machine: activation, turn limit,
// ABOUTME: automatic cutoff with end marker and cooperative termination

package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/crew-control/internal/fault"
	"github.com/2389/crew-control/internal/message"
	"github.com/2389/crew-control/internal/notify"
	"github.com/2389/crew-control/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.MockStore) {
	t.Helper()
	s := store.NewMockStore()
	messages := message.New(s, nil, nil)
	center := notify.New(s, nil)
	return New(s, messages, center, 0, nil), s
}

func post(t *testing.T, m *Manager, convID, sender, content string) {
	t.Helper()
	_, err := m.PostMessage(context.Background(), convID, sender, content)
	require.NoError(t, err)
	// Keep message timestamps distinguishable for ordering.
	time.Sleep(time.Millisecond)
}

func TestStart(t *testing.T) {
	m, _ := newTestManager(t)

	c, err := m.Start(context.Background(), "p1", "agt_a", "agt_b", 0)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationPending, c.State)
	assert.Equal(t, DefaultMaxTurns, c.MaxTurns)
	assert.Zero(t, c.TurnCount)
}

func TestStart_ConfiguredDefaultMaxTurns(t *testing.T) {
	s := store.NewMockStore()
	m := New(s, message.New(s, nil, nil), notify.New(s, nil), 2, nil)
	ctx := context.Background()

	c, err := m.Start(ctx, "p1", "agt_a", "agt_b", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, c.MaxTurns)

	// The configured default drives the automatic cutoff.
	post(t, m, c.ID, "agt_a", "turn 1")
	post(t, m, c.ID, "agt_b", "turn 2")
	got, err := m.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationEnded, got.State)

	// An explicit per-conversation limit still wins over the default.
	c2, err := m.Start(ctx, "p1", "agt_a", "agt_b", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, c2.MaxTurns)
}

func TestStart_SelfConversationRejected(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Start(context.Background(), "p1", "agt_a", "agt_a", 5)
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestPostMessage_ActivatesOnCounterpartReply(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	c, err := m.Start(ctx, "p1", "agt_a", "agt_b", 10)
	require.NoError(t, err)

	// The initiator's opener does not activate.
	post(t, m, c.ID, "agt_a", "hello?")
	got, err := m.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationPending, got.State)
	assert.Equal(t, 1, got.TurnCount)

	// The counterpart's first reply does.
	post(t, m, c.ID, "agt_b", "hi")
	got, err = m.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationActive, got.State)
	assert.Equal(t, 2, got.TurnCount)
}

func TestPostMessage_NonParticipantRejected(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	c, err := m.Start(ctx, "p1", "agt_a", "agt_b", 10)
	require.NoError(t, err)

	_, err = m.PostMessage(ctx, c.ID, "agt_intruder", "let me in")
	assert.ErrorIs(t, err, fault.ErrAuthorization)
}

func TestPostMessage_TurnLimitAppendsEndMarker(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	c, err := m.Start(ctx, "p1", "agt_a", "agt_b", 3)
	require.NoError(t, err)

	post(t, m, c.ID, "agt_a", "t1")
	post(t, m, c.ID, "agt_b", "t2")
	post(t, m, c.ID, "agt_a", "t3")

	got, err := m.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationEnded, got.State)
	assert.Equal(t, 3, got.TurnCount)

	thread, err := m.Thread(ctx, c.ID)
	require.NoError(t, err)
	require.NotEmpty(t, thread)
	last := thread[len(thread)-1]
	assert.Equal(t, SystemSender, last.SenderID)
	assert.Equal(t, endMarker, last.Content)

	// The limit is a hard stop.
	_, err = m.PostMessage(ctx, c.ID, "agt_b", "one more")
	assert.ErrorIs(t, err, fault.ErrConflict)
}

func TestPostMessage_ReminderBeforeCutoff(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	c, err := m.Start(ctx, "p1", "agt_a", "agt_b", 3)
	require.NoError(t, err)

	post(t, m, c.ID, "agt_a", "t1")
	post(t, m, c.ID, "agt_b", "t2")

	// Turn MaxTurns-1 produces the reminder addressed to the initiator.
	thread, err := m.Thread(ctx, c.ID)
	require.NoError(t, err)
	var reminder *store.ChatMessage
	for _, msg := range thread {
		if msg.SenderID == SystemSender {
			reminder = msg
		}
	}
	require.NotNil(t, reminder)
	assert.Equal(t, "agt_a", reminder.ReceiverID)
	assert.Equal(t, reminderText, reminder.Content)
}

func TestPostMessage_NotifiesBothOnAutoEnd(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	c, err := m.Start(ctx, "p1", "agt_a", "agt_b", 1)
	require.NoError(t, err)
	post(t, m, c.ID, "agt_a", "only turn")

	for _, agentID := range []string{"agt_a", "agt_b"} {
		unread, err := s.ListUnreadNotifications(ctx, agentID, "p1")
		require.NoError(t, err)
		require.Len(t, unread, 1, "agent %s", agentID)
		assert.Equal(t, "conversation_ended", unread[0].Action)
	}
}

func TestPostMessage_ConcurrentTurnLoses(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	c, err := m.Start(ctx, "p1", "agt_a", "agt_b", 10)
	require.NoError(t, err)

	// A stale (state, turn_count) pair loses the compare-and-swap.
	post(t, m, c.ID, "agt_a", "t1")
	err = s.AdvanceConversation(ctx, c.ID, store.ConversationPending, 0, store.ConversationActive, 1, time.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnd(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	c, err := m.Start(ctx, "p1", "agt_a", "agt_b", 10)
	require.NoError(t, err)
	post(t, m, c.ID, "agt_a", "t1")

	ended, err := m.End(ctx, c.ID, "agt_b")
	require.NoError(t, err)
	assert.Equal(t, store.ConversationEnded, ended.State)

	for _, agentID := range []string{"agt_a", "agt_b"} {
		unread, err := s.ListUnreadNotifications(ctx, agentID, "p1")
		require.NoError(t, err)
		require.Len(t, unread, 1, "agent %s", agentID)
		assert.Equal(t, "conversation_ended", unread[0].Action)
	}

	// Idempotent; no duplicate notifications.
	_, err = m.End(ctx, c.ID, "agt_a")
	require.NoError(t, err)
	unread, err := s.ListUnreadNotifications(ctx, "agt_a", "p1")
	require.NoError(t, err)
	assert.Len(t, unread, 1)
}

func TestEnd_NonParticipantRejected(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	c, err := m.Start(ctx, "p1", "agt_a", "agt_b", 10)
	require.NoError(t, err)

	_, err = m.End(ctx, c.ID, "agt_c")
	assert.ErrorIs(t, err, fault.ErrAuthorization)
}

func TestEnd_ClosedConversationRejectsTurns(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	c, err := m.Start(ctx, "p1", "agt_a", "agt_b", 10)
	require.NoError(t, err)
	_, err = m.End(ctx, c.ID, "agt_a")
	require.NoError(t, err)

	_, err = m.PostMessage(ctx, c.ID, "agt_b", "too late")
	assert.ErrorIs(t, err, fault.ErrConflict)
}
