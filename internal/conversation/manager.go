// ABOUTME: Turn-limited AI-to-AI conversation state machine and one-shot delegations
// ABOUTME: Turn admission is a compare-and-swap on (state, turn_count); cutoff is cooperative

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/crew-control/internal/fault"
	"github.com/2389/crew-control/internal/message"
	"github.com/2389/crew-control/internal/store"
)

// DefaultMaxTurns bounds conversations whose callers don't choose a limit.
const DefaultMaxTurns = 10

// SystemSender is the sender id used for injected system messages.
const SystemSender = "system"

// endMarker is the system message appended when a conversation hits its turn
// limit. The Japanese marker text is part of the external contract; workers
// pattern-match on it.
const endMarker = "【会話終了】この会話はターン上限に達したため自動終了しました。"

// reminderText nudges the initiator to close the conversation before the
// automatic cutoff fires.
const reminderText = "この会話はまもなくターン上限に達します。end_conversation で会話を終了してください。"

// ConversationStore is the slice of the store the manager needs.
type ConversationStore interface {
	CreateConversation(ctx context.Context, c *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	AdvanceConversation(ctx context.Context, id, expectedState string, expectedTurns int, newState string, newTurns int, updatedAt time.Time) error

	CreateDelegation(ctx context.Context, d *store.ChatDelegation) error
	GetDelegation(ctx context.Context, id string) (*store.ChatDelegation, error)
	ListPendingDelegations(ctx context.Context, targetAgentID, projectID string) ([]*store.ChatDelegation, error)
	UpdateDelegationStatus(ctx context.Context, id, expectedStatus, newStatus, result string, processedAt *time.Time) error
}

// Notifier delivers the cooperative end-of-conversation notice to both
// participants' next poll.
type Notifier interface {
	Create(ctx context.Context, n *store.AgentNotification) (*store.AgentNotification, error)
}

// Manager implements the conversation lifecycle.
type Manager struct {
	store        ConversationStore
	messages     *message.Service
	notifier     Notifier
	defaultTurns int
	logger       *slog.Logger
}

// New creates a Manager. defaultMaxTurns bounds conversations started without
// an explicit limit; values <= 0 fall back to DefaultMaxTurns. notifier may be
// nil in tests.
func New(cs ConversationStore, messages *message.Service, notifier Notifier, defaultMaxTurns int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultMaxTurns <= 0 {
		defaultMaxTurns = DefaultMaxTurns
	}
	return &Manager{
		store:        cs,
		messages:     messages,
		notifier:     notifier,
		defaultTurns: defaultMaxTurns,
		logger:       logger.With("component", "conversation"),
	}
}

// Start creates a pending conversation between two agents.
func (m *Manager) Start(ctx context.Context, projectID, initiatorID, targetID string, maxTurns int) (*store.Conversation, error) {
	if projectID == "" || initiatorID == "" || targetID == "" {
		return nil, fault.Validationf("project, initiator and target are required")
	}
	if initiatorID == targetID {
		return nil, fault.Validationf("an agent cannot converse with itself")
	}
	if maxTurns <= 0 {
		maxTurns = m.defaultTurns
	}

	now := time.Now()
	c := &store.Conversation{
		ID:           uuid.New().String(),
		ProjectID:    projectID,
		ParticipantA: initiatorID,
		ParticipantB: targetID,
		State:        store.ConversationPending,
		MaxTurns:     maxTurns,
		TurnCount:    0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.CreateConversation(ctx, c); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	m.logger.Info("conversation started",
		"conversation_id", c.ID,
		"initiator", initiatorID,
		"target", targetID,
		"max_turns", maxTurns)
	return c, nil
}

// Get returns a conversation by id.
func (m *Manager) Get(ctx context.Context, id string) (*store.Conversation, error) {
	c, err := m.store.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.NotFoundf("conversation %s", id)
		}
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	return c, nil
}

// PostMessage records one conversation turn. Admission is a compare-and-swap
// on (state, turn_count): of two concurrent turns one wins and the other gets
// a concurrency error. Reaching the turn limit appends the automatic end
// marker and closes the conversation; no further turn is accepted.
func (m *Manager) PostMessage(ctx context.Context, conversationID, senderID, content string) (*store.ChatMessage, error) {
	if content == "" {
		return nil, fault.Validationf("content is required")
	}

	c, err := m.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	receiverID, err := counterpart(c, senderID)
	if err != nil {
		return nil, err
	}
	if c.State != store.ConversationPending && c.State != store.ConversationActive {
		return nil, fault.Conflictf("conversation %s is %s", conversationID, c.State)
	}

	newTurns := c.TurnCount + 1
	newState := c.State
	if c.State == store.ConversationPending && senderID == c.ParticipantB {
		// The counterpart's first reply activates the conversation.
		newState = store.ConversationActive
	}
	reachedLimit := newTurns >= c.MaxTurns
	if reachedLimit {
		newState = store.ConversationEnded
	}

	err = m.store.AdvanceConversation(ctx, c.ID, c.State, c.TurnCount, newState, newTurns, time.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.Concurrencyf("conversation %s advanced concurrently", conversationID)
		}
		return nil, fmt.Errorf("advancing conversation: %w", err)
	}

	msg, err := m.messages.Send(ctx, message.SendInput{
		ProjectID:      c.ProjectID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
		ConversationID: c.ID,
	})
	if err != nil {
		// The turn is counted; the lost payload is surfaced, not retried.
		return nil, fmt.Errorf("recording conversation message: %w", err)
	}

	switch {
	case reachedLimit:
		m.appendSystem(ctx, c, endMarker)
		m.notifyEnded(ctx, c, "conversation reached its turn limit")
		m.logger.Info("conversation auto-ended", "conversation_id", c.ID, "turns", newTurns)
	case newTurns == c.MaxTurns-1:
		// One turn left: remind the initiator to close the conversation.
		m.remindInitiator(ctx, c)
	}

	return msg, nil
}

// End closes a conversation cooperatively: the state flips to terminating,
// both participants are notified so their next poll observes the stop, and
// the conversation is then marked ended.
func (m *Manager) End(ctx context.Context, conversationID, callerID string) (*store.Conversation, error) {
	c, err := m.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if callerID != c.ParticipantA && callerID != c.ParticipantB {
		return nil, fault.Authorizationf("agent %s is not a participant of conversation %s", callerID, conversationID)
	}
	if c.State == store.ConversationEnded || c.State == store.ConversationTerminating {
		// Ending twice is fine.
		return c, nil
	}

	err = m.store.AdvanceConversation(ctx, c.ID, c.State, c.TurnCount, store.ConversationTerminating, c.TurnCount, time.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.Concurrencyf("conversation %s advanced concurrently", conversationID)
		}
		return nil, fmt.Errorf("terminating conversation: %w", err)
	}

	m.notifyEnded(ctx, c, "conversation ended by "+callerID)

	// Both sides notified; settle the terminal state.
	err = m.store.AdvanceConversation(ctx, c.ID, store.ConversationTerminating, c.TurnCount, store.ConversationEnded, c.TurnCount, time.Now())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("ending conversation: %w", err)
	}

	c.State = store.ConversationEnded
	m.logger.Info("conversation ended", "conversation_id", c.ID, "by", callerID)
	return c, nil
}

// Thread returns the conversation's messages in order.
func (m *Manager) Thread(ctx context.Context, conversationID string) ([]*store.ChatMessage, error) {
	return m.messages.ConversationThread(ctx, conversationID)
}

func (m *Manager) appendSystem(ctx context.Context, c *store.Conversation, text string) {
	_, err := m.messages.Send(ctx, message.SendInput{
		ProjectID:      c.ProjectID,
		SenderID:       SystemSender,
		Content:        text,
		ConversationID: c.ID,
	})
	if err != nil {
		m.logger.Warn("appending system message failed", "conversation_id", c.ID, "error", err)
	}
}

func (m *Manager) remindInitiator(ctx context.Context, c *store.Conversation) {
	_, err := m.messages.Send(ctx, message.SendInput{
		ProjectID:      c.ProjectID,
		SenderID:       SystemSender,
		ReceiverID:     c.ParticipantA,
		Content:        reminderText,
		ConversationID: c.ID,
	})
	if err != nil {
		m.logger.Warn("turn-limit reminder failed", "conversation_id", c.ID, "error", err)
	}
}

func (m *Manager) notifyEnded(ctx context.Context, c *store.Conversation, reason string) {
	if m.notifier == nil {
		return
	}
	for _, agentID := range []string{c.ParticipantA, c.ParticipantB} {
		_, err := m.notifier.Create(ctx, &store.AgentNotification{
			TargetAgentID:   agentID,
			TargetProjectID: c.ProjectID,
			Type:            store.NotificationMessage,
			Action:          "conversation_ended",
			Message:         reason,
			Instruction:     "The conversation has ended; stop sending turns.",
		})
		if err != nil {
			m.logger.Warn("conversation end notification failed",
				"conversation_id", c.ID,
				"agent", agentID,
				"error", err)
		}
	}
}

func counterpart(c *store.Conversation, senderID string) (string, error) {
	switch senderID {
	case c.ParticipantA:
		return c.ParticipantB, nil
	case c.ParticipantB:
		return c.ParticipantA, nil
	default:
		return "", fault.Authorizationf("agent %s is not a participant of conversation %s", senderID, c.ID)
	}
}
