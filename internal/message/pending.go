// ABOUTME: Pending-message detection: what does this agent still need to answer
// ABOUTME: Pure functions over a chronologically ordered message sequence

package message

import (
	"github.com/2389/crew-control/internal/store"
)

// Identify returns the messages the agent still needs to react to: everything
// strictly after the agent's own last message, authored by someone else. An
// agent that never posted is behind on the entire sequence; an agent whose
// message is the last one is caught up. limit > 0 keeps only the most recent
// N, preserving order.
func Identify(messages []*store.ChatMessage, agentID string, limit int) []*store.ChatMessage {
	boundary := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].SenderID == agentID {
			boundary = i + 1
			break
		}
	}

	var pending []*store.ChatMessage
	for _, msg := range messages[boundary:] {
		if msg.SenderID != agentID {
			pending = append(pending, msg)
		}
	}

	if limit > 0 && len(pending) > limit {
		pending = pending[len(pending)-limit:]
	}
	return pending
}

// Split is the result of SeparateContextAndPending.
type Split struct {
	ContextMessages  []*store.ChatMessage
	PendingMessages  []*store.ChatMessage
	ContextTruncated bool
	TotalHistory     int
}

// SeparateContextAndPending divides history into the pending tail the agent
// must answer (capped at pendingLimit) and a context window of up to
// contextLimit messages immediately preceding it. ContextTruncated reports
// that the full history exceeds what was returned.
func SeparateContextAndPending(messages []*store.ChatMessage, agentID string, contextLimit, pendingLimit int) Split {
	pending := Identify(messages, agentID, pendingLimit)

	// Anchor the context window just before the first returned pending
	// message; with no pending, the window is the end of history.
	anchor := len(messages)
	if len(pending) > 0 {
		first := pending[0]
		for i, msg := range messages {
			if msg.ID == first.ID {
				anchor = i
				break
			}
		}
	}

	start := anchor - contextLimit
	if contextLimit <= 0 || start < 0 {
		start = 0
	}
	if contextLimit <= 0 {
		start = anchor
	}

	return Split{
		ContextMessages:  messages[start:anchor],
		PendingMessages:  pending,
		ContextTruncated: len(messages) > contextLimit+len(pending),
		TotalHistory:     len(messages),
	}
}
