// ABOUTME: Chat message service: immutable append, per-agent ordered views,
// ABOUTME: pending detection for workers and cursor-based unread counts for the UI badge

package message

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/crew-control/internal/dedupe"
	"github.com/2389/crew-control/internal/fault"
	"github.com/2389/crew-control/internal/store"
)

// ChatStore is the slice of the store this service needs.
type ChatStore interface {
	SaveChatMessage(ctx context.Context, msg *store.ChatMessage) error
	ListMessagesForAgent(ctx context.Context, projectID, agentID string, limit int) ([]*store.ChatMessage, error)
	ListMessagesBetween(ctx context.Context, projectID, agentA, agentB string, limit int) ([]*store.ChatMessage, error)
	ListMessagesByConversation(ctx context.Context, conversationID string) ([]*store.ChatMessage, error)
	SetReadCursor(ctx context.Context, projectID, agentID, senderID string, readAt time.Time) error
	GetReadCursors(ctx context.Context, projectID, agentID string) (map[string]time.Time, error)
}

// Service persists chat messages and serves the two derived views.
type Service struct {
	store  ChatStore
	dedupe *dedupe.Cache
	logger *slog.Logger
}

// New creates the message service. The dedupe cache may be nil to disable
// client retry protection.
func New(cs ChatStore, dd *dedupe.Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  cs,
		dedupe: dd,
		logger: logger.With("component", "message"),
	}
}

// SendInput describes one outgoing message.
type SendInput struct {
	ProjectID      string
	SenderID       string
	ReceiverID     string // empty for system/broadcast
	Content        string
	RelatedTaskID  string
	ConversationID string
	// ClientMessageID is optional; retries with the same id are rejected.
	ClientMessageID string
}

// Send appends an immutable message. Record first: the message is the source
// of truth, whatever the receiver does with it later.
func (s *Service) Send(ctx context.Context, in SendInput) (*store.ChatMessage, error) {
	if in.ProjectID == "" {
		return nil, fault.Validationf("project_id is required")
	}
	if in.SenderID == "" {
		return nil, fault.Validationf("sender_id is required")
	}
	if in.Content == "" {
		return nil, fault.Validationf("content is required")
	}

	if s.dedupe != nil && in.ClientMessageID != "" {
		if s.dedupe.Seen(dedupe.SendKey(in.ProjectID, in.SenderID, in.ClientMessageID)) {
			return nil, fault.Conflictf("duplicate message %s", in.ClientMessageID)
		}
	}

	msg := &store.ChatMessage{
		ID:             uuid.New().String(),
		ProjectID:      in.ProjectID,
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		Content:        in.Content,
		CreatedAt:      time.Now(),
		RelatedTaskID:  in.RelatedTaskID,
		ConversationID: in.ConversationID,
	}
	if err := s.store.SaveChatMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("saving chat message: %w", err)
	}

	s.logger.Debug("message sent", "id", msg.ID, "sender", msg.SenderID, "receiver", msg.ReceiverID)
	return msg, nil
}

// History returns the pairwise conversation between two agents in order.
func (s *Service) History(ctx context.Context, projectID, agentA, agentB string, limit int) ([]*store.ChatMessage, error) {
	return s.store.ListMessagesBetween(ctx, projectID, agentA, agentB, limit)
}

// PendingForAgent is the worker-facing view: messages across the agent's
// whole project feed that still need a reply. Side-effect free; calling it on
// every poll cycle is the intended use.
func (s *Service) PendingForAgent(ctx context.Context, projectID, agentID string, limit int) ([]*store.ChatMessage, error) {
	msgs, err := s.store.ListMessagesForAgent(ctx, projectID, agentID, 0)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return Identify(msgs, agentID, limit), nil
}

// ContextAndPending returns the split a worker feeds to its model: a pending
// tail plus a bounded context window.
func (s *Service) ContextAndPending(ctx context.Context, projectID, agentID string, contextLimit, pendingLimit int) (Split, error) {
	msgs, err := s.store.ListMessagesForAgent(ctx, projectID, agentID, 0)
	if err != nil {
		return Split{}, fmt.Errorf("listing messages: %w", err)
	}
	return SeparateContextAndPending(msgs, agentID, contextLimit, pendingLimit), nil
}

// UnreadCounts is the badge view: the unanswered messages per CalculateBySender,
// minus whatever each sender's persisted read cursor already covers. A message
// the agent has replied to never counts, cursor or not; clearing the badge
// (MarkRead) never disturbs the worker-facing pending view.
func (s *Service) UnreadCounts(ctx context.Context, projectID, agentID string) (map[string]int, int, error) {
	msgs, err := s.store.ListMessagesForAgent(ctx, projectID, agentID, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("listing messages: %w", err)
	}
	cursors, err := s.store.GetReadCursors(ctx, projectID, agentID)
	if err != nil {
		return nil, 0, fmt.Errorf("loading read cursors: %w", err)
	}

	counts := make(map[string]int)
	total := 0
	for _, msg := range Identify(msgs, agentID, 0) {
		if cursor, ok := cursors[msg.SenderID]; ok && !msg.CreatedAt.After(cursor) {
			continue
		}
		counts[msg.SenderID]++
		total++
	}
	return counts, total, nil
}

// ConversationThread returns a conversation's messages in order.
func (s *Service) ConversationThread(ctx context.Context, conversationID string) ([]*store.ChatMessage, error) {
	return s.store.ListMessagesByConversation(ctx, conversationID)
}

// MarkRead sets the badge cursor for one sender to now.
func (s *Service) MarkRead(ctx context.Context, projectID, agentID, senderID string) error {
	if senderID == "" {
		return fault.Validationf("sender_id is required")
	}
	if err := s.store.SetReadCursor(ctx, projectID, agentID, senderID, time.Now()); err != nil {
		return fmt.Errorf("setting read cursor: %w", err)
	}
	return nil
}
