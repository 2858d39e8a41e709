// ABOUTME: Store interfaces and data types for crew-control persistence
// ABOUTME: Defines Agent, Task, AgentSession, ChatMessage and friends plus the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert violates a uniqueness constraint
var ErrDuplicate = errors.New("already exists")

// Agent types
const (
	AgentTypeAI    = "ai"
	AgentTypeHuman = "human"
)

// Agent statuses
const (
	AgentStatusActive   = "active"
	AgentStatusArchived = "archived"
)

// Agent is an AI or human participant. ParentAgentID is a weak reference:
// consumers must not assume the parent chain is acyclic.
type Agent struct {
	ID            string
	Name          string
	Type          string // "ai" or "human"
	ParentAgentID string // empty for roots
	Status        string // "active" or "archived"
	CreatedAt     time.Time
}

// Task statuses. These strings are persisted and part of the external
// contract; do not rename.
const (
	TaskStatusBacklog    = "backlog"
	TaskStatusTodo       = "todo"
	TaskStatusInProgress = "in_progress"
	TaskStatusBlocked    = "blocked"
	TaskStatusDone       = "done"
	TaskStatusCancelled  = "cancelled"
)

// Approval statuses
const (
	ApprovalApproved = "approved"
	ApprovalPending  = "pending_approval"
	ApprovalRejected = "rejected"
)

// Task is a unit of project work. Tasks are never physically deleted;
// cancellation is a terminal status, not a row removal.
type Task struct {
	ID                     string
	ProjectID              string
	Title                  string
	AssigneeID             string
	Dependencies           []string // ordered set of task ids, no self-reference
	Status                 string
	StatusChangedByAgentID string
	StatusChangedAt        *time.Time
	BlockedReason          string // present only while status=blocked
	ApprovalStatus         string
	RequesterID            string
	ApprovedBy             string
	ApprovedAt             *time.Time
	RejectedReason         string
	CreatedAt              time.Time
}

// Session purposes
const (
	SessionPurposeChat = "chat"
	SessionPurposeTask = "task"
)

// Session states
const (
	SessionStateActive      = "active"
	SessionStateTerminating = "terminating"
)

// AgentSession is a login or chat session. Expired sessions are treated as
// absent on read and garbage-collected explicitly.
type AgentSession struct {
	Token     string // opaque, unguessable
	AgentID   string
	ProjectID string
	Purpose   string // "chat" or "task"
	State     string // "active" or "terminating"
	ExpiresAt time.Time
	CreatedAt time.Time
}

// ProjectAgentAssignment links an agent to a project and carries the spawn
// lease the supervisor consults before starting a worker process.
type ProjectAgentAssignment struct {
	ProjectID      string
	AgentID        string
	SpawnStartedAt *time.Time
}

// ChatMessage is immutable once written. Ordering key is (CreatedAt, ID).
type ChatMessage struct {
	ID             string
	ProjectID      string
	SenderID       string
	ReceiverID     string // empty for system/broadcast
	Content        string
	CreatedAt      time.Time
	RelatedTaskID  string
	ConversationID string
}

// Notification types
const (
	NotificationStatusChange = "statusChange"
	NotificationInterrupt    = "interrupt"
	NotificationMessage      = "message"
)

// AgentNotification is a durable, polled interrupt/announcement addressed to
// one agent within one project.
type AgentNotification struct {
	ID              string
	TargetAgentID   string
	TargetProjectID string
	Type            string // statusChange, interrupt, message
	Action          string
	TaskID          string
	Message         string
	Instruction     string
	IsRead          bool
	ReadAt          *time.Time
	CreatedAt       time.Time
}

// Delegation statuses
const (
	DelegationPending    = "pending"
	DelegationProcessing = "processing"
	DelegationCompleted  = "completed"
	DelegationFailed     = "failed"
)

// ChatDelegation is a one-shot request for another agent to converse on the
// requester's behalf.
type ChatDelegation struct {
	ID            string
	AgentID       string // requester
	ProjectID     string
	TargetAgentID string
	Purpose       string
	Context       string
	Status        string
	Result        string
	ProcessedAt   *time.Time
	CreatedAt     time.Time
}

// Conversation states
const (
	ConversationPending     = "pending"
	ConversationActive      = "active"
	ConversationTerminating = "terminating"
	ConversationEnded       = "ended"
)

// Conversation is a turn-limited AI-to-AI exchange. TurnCount increments per
// exchanged message; reaching MaxTurns forces terminating then ended.
type Conversation struct {
	ID           string
	ProjectID    string
	ParticipantA string
	ParticipantB string
	State        string
	MaxTurns     int
	TurnCount    int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AgentStore persists the agent roster and parent pointers.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
}

// TaskStore persists tasks. Status and approval mutations are conditional
// updates: they compare the currently persisted value and report
// ErrNotFound when zero rows match, so races surface instead of clobbering.
type TaskStore interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasksByProject(ctx context.Context, projectID string) ([]*Task, error)
	ListTasksByAssignee(ctx context.Context, projectID, assigneeID string) ([]*Task, error)

	// UpdateTaskStatus writes the new status, last-writer fields and blocked
	// reason iff the persisted (status, status_changed_by) still equal the
	// expected values. Returns ErrNotFound when no row matched.
	UpdateTaskStatus(ctx context.Context, id, expectedStatus, expectedChangedBy, newStatus, changedBy, blockedReason string, changedAt time.Time) error

	// UpdateTaskAssignee changes the assignee unconditionally; the service
	// layer enforces the status-based reassignment rule first.
	UpdateTaskAssignee(ctx context.Context, id, assigneeID string) error

	// DecideTaskApproval settles a pending approval. The update matches only
	// rows still in pending_approval; ErrNotFound means already decided.
	DecideTaskApproval(ctx context.Context, id, approvalStatus, decidedBy, rejectedReason string, decidedAt time.Time) error
}

// SessionStore persists sessions and the spawn lease.
type SessionStore interface {
	CreateSession(ctx context.Context, sess *AgentSession) error
	GetSession(ctx context.Context, token string) (*AgentSession, error)

	// FindActiveSession returns the newest unexpired session for the agent,
	// project and purpose, regardless of state. ErrNotFound when none.
	FindActiveSession(ctx context.Context, agentID, projectID, purpose string) (*AgentSession, error)

	// MarkSessionTerminating flips an active session to terminating.
	MarkSessionTerminating(ctx context.Context, token string) error

	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)
	DeleteSessionsByAgent(ctx context.Context, agentID string) (int, error)

	// EnsureAssignment inserts the (project, agent) assignment row if absent.
	EnsureAssignment(ctx context.Context, projectID, agentID string) error
	GetAssignment(ctx context.Context, projectID, agentID string) (*ProjectAgentAssignment, error)

	// AcquireSpawnLease atomically sets spawn_started_at=now iff it is unset
	// or older than the TTL cutoff. Returns true when this caller won the
	// lease. This is the single statement that makes concurrent start calls
	// safe without a distributed lock.
	AcquireSpawnLease(ctx context.Context, projectID, agentID string, now time.Time, ttl time.Duration) (bool, error)

	// ClearSpawnLease unsets spawn_started_at (on connect or session end).
	ClearSpawnLease(ctx context.Context, projectID, agentID string) error
}

// MessageStore persists chat messages and per-sender read cursors.
type MessageStore interface {
	SaveChatMessage(ctx context.Context, msg *ChatMessage) error

	// ListMessagesForAgent returns every message the agent sent or received
	// in the project, ordered by (created_at, id).
	ListMessagesForAgent(ctx context.Context, projectID, agentID string, limit int) ([]*ChatMessage, error)

	// ListMessagesBetween returns the pairwise history between two agents,
	// ordered by (created_at, id).
	ListMessagesBetween(ctx context.Context, projectID, agentA, agentB string, limit int) ([]*ChatMessage, error)

	ListMessagesByConversation(ctx context.Context, conversationID string) ([]*ChatMessage, error)

	// Read cursors for the UI badge. Independent from pending detection.
	SetReadCursor(ctx context.Context, projectID, agentID, senderID string, readAt time.Time) error
	GetReadCursors(ctx context.Context, projectID, agentID string) (map[string]time.Time, error)
}

// NotificationStore persists polled notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *AgentNotification) error
	ListUnreadNotifications(ctx context.Context, agentID, projectID string) ([]*AgentNotification, error)
	MarkNotificationRead(ctx context.Context, id string, readAt time.Time) error
	MarkAllNotificationsRead(ctx context.Context, agentID, projectID string, readAt time.Time) (int, error)
	DeleteNotificationsOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// ConversationStore persists conversations and delegations.
type ConversationStore interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// AdvanceConversation is a compare-and-swap on (state, turn_count): it
	// writes the new state and incremented turn count iff the persisted
	// values still match. ErrNotFound means a concurrent turn won.
	AdvanceConversation(ctx context.Context, id, expectedState string, expectedTurns int, newState string, newTurns int, updatedAt time.Time) error

	CreateDelegation(ctx context.Context, d *ChatDelegation) error
	GetDelegation(ctx context.Context, id string) (*ChatDelegation, error)
	ListPendingDelegations(ctx context.Context, targetAgentID, projectID string) ([]*ChatDelegation, error)

	// UpdateDelegationStatus moves a delegation between lifecycle states with
	// a guard on the expected current status.
	UpdateDelegationStatus(ctx context.Context, id, expectedStatus, newStatus, result string, processedAt *time.Time) error
}

// Store is the combined persistence interface. SQLiteStore implements all of
// it in one struct; services depend on the narrow slices they need.
type Store interface {
	AgentStore
	TaskStore
	SessionStore
	MessageStore
	NotificationStore
	ConversationStore

	// Close releases any resources held by the store
	Close() error
}
