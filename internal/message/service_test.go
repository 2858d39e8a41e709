// ABOUTME: Tests for the message service: send validation, retry dedupe,
// ABOUTME: worker pending view and the independent read-cursor badge

package message

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/crew-control/internal/dedupe"
	"github.com/2389/crew-control/internal/fault"
	"github.com/2389/crew-control/internal/store"
)

func newTestMessageService(t *testing.T) (*Service, *store.MockStore) {
	t.Helper()
	s := store.NewMockStore()
	return New(s, nil, nil), s
}

func send(t *testing.T, svc *Service, sender, receiver, content string) *store.ChatMessage {
	t.Helper()
	msg, err := svc.Send(context.Background(), SendInput{
		ProjectID:  "p1",
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
	})
	require.NoError(t, err)
	// The mock orders by timestamp; keep sends distinguishable.
	time.Sleep(time.Millisecond)
	return msg
}

func TestSend(t *testing.T) {
	svc, _ := newTestMessageService(t)

	msg, err := svc.Send(context.Background(), SendInput{
		ProjectID:  "p1",
		SenderID:   "agt_a",
		ReceiverID: "agt_b",
		Content:    "hello",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())
}

func TestSend_Validation(t *testing.T) {
	svc, _ := newTestMessageService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, SendInput{SenderID: "a", Content: "x"})
	assert.ErrorIs(t, err, fault.ErrValidation)

	_, err = svc.Send(ctx, SendInput{ProjectID: "p1", Content: "x"})
	assert.ErrorIs(t, err, fault.ErrValidation)

	_, err = svc.Send(ctx, SendInput{ProjectID: "p1", SenderID: "a"})
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestSend_DuplicateClientMessageID(t *testing.T) {
	s := store.NewMockStore()
	cache := dedupe.New(time.Minute, 100)
	defer cache.Close()
	svc := New(s, cache, nil)
	ctx := context.Background()

	in := SendInput{
		ProjectID:       "p1",
		SenderID:        "agt_a",
		ReceiverID:      "agt_b",
		Content:         "hello",
		ClientMessageID: "client-001",
	}
	first, err := svc.Send(ctx, in)
	require.NoError(t, err)

	_, err = svc.Send(ctx, in)
	assert.ErrorIs(t, err, fault.ErrConflict)

	// A different sender may reuse the same client id.
	in.SenderID = "agt_c"
	_, err = svc.Send(ctx, in)
	assert.NoError(t, err)

	// The first message is still the only one from agt_a.
	msgs, err := s.ListMessagesForAgent(ctx, "p1", "agt_a", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, first.ID, msgs[0].ID)
}

func TestPendingForAgent(t *testing.T) {
	svc, _ := newTestMessageService(t)

	send(t, svc, "agt_b", "agt_a", "hi")
	send(t, svc, "agt_a", "agt_b", "hello")
	send(t, svc, "agt_b", "agt_a", "q1")
	send(t, svc, "agt_b", "agt_a", "q2")

	pending, err := svc.PendingForAgent(context.Background(), "p1", "agt_a", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"q1", "q2"}, contents(pending))
}

func TestUnreadCounts_CursorIndependentOfPending(t *testing.T) {
	svc, _ := newTestMessageService(t)
	ctx := context.Background()

	send(t, svc, "agt_b", "agt_a", "q1")
	send(t, svc, "agt_c", "agt_a", "q2")
	send(t, svc, "agt_b", "agt_a", "q3")

	bySender, total, err := svc.UnreadCounts(ctx, "p1", "agt_a")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"agt_b": 2, "agt_c": 1}, bySender)
	assert.Equal(t, 3, total)

	// Clearing the badge for one sender leaves the others untouched...
	require.NoError(t, svc.MarkRead(ctx, "p1", "agt_a", "agt_b"))

	bySender, total, err = svc.UnreadCounts(ctx, "p1", "agt_a")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"agt_c": 1}, bySender)
	assert.Equal(t, 1, total)

	// ...and never disturbs the worker-facing pending view.
	pending, err := svc.PendingForAgent(ctx, "p1", "agt_a", 0)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestUnreadCounts_AnsweredMessageIsNotUnread(t *testing.T) {
	svc, s := newTestMessageService(t)
	ctx := context.Background()

	send(t, svc, "agt_b", "agt_a", "hi")
	send(t, svc, "agt_a", "agt_b", "hello")

	// agt_a replied after agt_b's message; the badge stays clear even though
	// no read cursor was ever set.
	bySender, total, err := svc.UnreadCounts(ctx, "p1", "agt_a")
	require.NoError(t, err)
	assert.Empty(t, bySender)
	assert.Zero(t, total)

	// Without cursors the service agrees with the pure per-sender rule.
	msgs, err := s.ListMessagesForAgent(ctx, "p1", "agt_a", 0)
	require.NoError(t, err)
	assert.Equal(t, TotalUnread(msgs, "agt_a"), total)
	assert.Equal(t, CalculateBySender(msgs, "agt_a"), map[string]int{})
}

func TestUnreadCounts_NewMessageAfterCursor(t *testing.T) {
	svc, _ := newTestMessageService(t)
	ctx := context.Background()

	send(t, svc, "agt_b", "agt_a", "old")
	require.NoError(t, svc.MarkRead(ctx, "p1", "agt_a", "agt_b"))
	time.Sleep(time.Millisecond)
	send(t, svc, "agt_b", "agt_a", "new")

	bySender, total, err := svc.UnreadCounts(ctx, "p1", "agt_a")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"agt_b": 1}, bySender)
	assert.Equal(t, 1, total)
}

func TestMarkRead_RequiresSender(t *testing.T) {
	svc, _ := newTestMessageService(t)
	err := svc.MarkRead(context.Background(), "p1", "agt_a", "")
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestHistory_PairwiseOnly(t *testing.T) {
	svc, _ := newTestMessageService(t)
	ctx := context.Background()

	send(t, svc, "agt_a", "agt_b", "one")
	send(t, svc, "agt_b", "agt_a", "two")
	send(t, svc, "agt_a", "agt_c", "other pair")

	msgs, err := svc.History(ctx, "p1", "agt_a", "agt_b", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, contents(msgs))
}

func TestContextAndPending(t *testing.T) {
	svc, _ := newTestMessageService(t)

	send(t, svc, "agt_b", "agt_a", "c1")
	send(t, svc, "agt_a", "agt_b", "c2")
	send(t, svc, "agt_b", "agt_a", "q1")

	split, err := svc.ContextAndPending(context.Background(), "p1", "agt_a", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"q1"}, contents(split.PendingMessages))
	assert.Equal(t, []string{"c2"}, contents(split.ContextMessages))
	assert.True(t, split.ContextTruncated)
	assert.Equal(t, 3, split.TotalHistory)
}
