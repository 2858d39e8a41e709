// ABOUTME: Unread counts for the UI badge, grouped by sender
// ABOUTME: Same after-my-last-message rule as pending detection, aggregated per sender

package message

import (
	"github.com/2389/crew-control/internal/store"
)

// CalculateBySender counts, per sender, the messages the agent has not
// answered yet: the same "after my last message, from someone else" rule as
// Identify, grouped by sender id.
func CalculateBySender(messages []*store.ChatMessage, agentID string) map[string]int {
	counts := make(map[string]int)
	for _, msg := range Identify(messages, agentID, 0) {
		counts[msg.SenderID]++
	}
	return counts
}

// TotalUnread sums CalculateBySender over all senders.
func TotalUnread(messages []*store.ChatMessage, agentID string) int {
	total := 0
	for _, n := range CalculateBySender(messages, agentID) {
		total += n
	}
	return total
}
