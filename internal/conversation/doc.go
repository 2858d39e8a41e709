// Package conversation implements turn-limited AI-to-AI conversations and
// one-shot chat delegations.
//
// # Conversations
//
// A conversation is a bounded exchange between exactly two agents:
//
//	mgr := conversation.New(store, messages, notifier, defaultMaxTurns, logger)
//	c, _ := mgr.Start(ctx, projectID, initiator, target, maxTurns)
//
// It begins pending, activates on the target's first reply, and ends either
// cooperatively (End) or automatically when turn_count reaches max_turns. The
// automatic cutoff appends a fixed system end marker that workers
// pattern-match on, so the marker text never changes.
//
// Turn admission is a compare-and-swap on (state, turn_count); of two
// concurrent turns one wins and the other receives a concurrency error. Given
// the same inputs a conversation therefore always ends after exactly
// max_turns turns.
//
// # Delegations
//
// A delegation asks another agent to hold a conversation on the requester's
// behalf. It moves pending -> processing -> completed|failed, each edge
// guarded by a conditional update so a delegation is claimed and settled at
// most once. Claiming when nothing is pending is an idempotent success.
package conversation
