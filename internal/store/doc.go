// Package store provides persistent storage for crew-control using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with per-concern
// interfaces:
//
//   - AgentStore: the agent roster and parent pointers
//   - TaskStore: tasks with conditional status/approval updates
//   - SessionStore: sessions and the spawn lease
//   - MessageStore: immutable chat messages and read cursors
//   - NotificationStore: polled notifications
//   - ConversationStore: turn-limited conversations and delegations
//
// SQLiteStore implements all interfaces in a single struct; services depend
// only on the narrow slices they need.
//
// # Conditional updates
//
// Every lifecycle mutation that must survive concurrent pollers is a single
// compare-and-swap UPDATE: the WHERE clause re-checks the value the service
// read (task status and last writer, pending approval, delegation status,
// conversation state and turn count, spawn lease timestamp). Zero rows
// affected is reported as ErrNotFound and surfaced by services as a conflict
// or concurrency error, never retried silently.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as fixed-width RFC 3339 strings so lexicographic
// comparison in SQL matches chronological order.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: requested entity does not exist (or a guard failed)
//   - ErrDuplicate: insert violated a uniqueness constraint
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests; it implements the full Store interface
// with the same conditional-update semantics. Use NewSQLiteStore with a
// t.TempDir() path for integration tests with real SQLite.
package store
