// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows service tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing. Its conditional
// updates mirror the SQLite compare-and-swap semantics exactly.
type MockStore struct {
	mu            sync.RWMutex
	agents        map[string]*Agent
	tasks         map[string]*Task
	sessions      map[string]*AgentSession           // keyed by token
	assignments   map[string]*ProjectAgentAssignment // keyed by "project:agent"
	messages      map[string]*ChatMessage
	cursors       map[string]time.Time // keyed by "project:agent:sender"
	notifications map[string]*AgentNotification
	delegations   map[string]*ChatDelegation
	conversations map[string]*Conversation

	// FailNotifications makes CreateNotification fail, for testing that
	// auxiliary writes never roll back primary transitions.
	FailNotifications error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:        make(map[string]*Agent),
		tasks:         make(map[string]*Task),
		sessions:      make(map[string]*AgentSession),
		assignments:   make(map[string]*ProjectAgentAssignment),
		messages:      make(map[string]*ChatMessage),
		cursors:       make(map[string]time.Time),
		notifications: make(map[string]*AgentNotification),
		delegations:   make(map[string]*ChatDelegation),
		conversations: make(map[string]*Conversation),
	}
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error { return nil }

// --- agents ---

func (m *MockStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.ID]; ok {
		return ErrDuplicate
	}
	a := *agent
	if a.Status == "" {
		a.Status = AgentStatusActive
	}
	m.agents[a.ID] = &a
	return nil
}

func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Agent
	for _, a := range m.agents {
		result := *a
		out = append(out, &result)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- tasks ---

func (m *MockStore) CreateTask(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrDuplicate
	}
	t := *task
	if t.Status == "" {
		t.Status = TaskStatusBacklog
	}
	if t.ApprovalStatus == "" {
		t.ApprovalStatus = ApprovalApproved
	}
	t.Dependencies = append([]string(nil), task.Dependencies...)
	m.tasks[t.ID] = &t
	return nil
}

func (m *MockStore) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *t
	result.Dependencies = append([]string(nil), t.Dependencies...)
	return &result, nil
}

func (m *MockStore) ListTasksByProject(ctx context.Context, projectID string) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.ProjectID != projectID {
			continue
		}
		result := *t
		result.Dependencies = append([]string(nil), t.Dependencies...)
		out = append(out, &result)
	}
	sortTasks(out)
	return out, nil
}

func (m *MockStore) ListTasksByAssignee(ctx context.Context, projectID, assigneeID string) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.ProjectID != projectID || t.AssigneeID != assigneeID {
			continue
		}
		result := *t
		result.Dependencies = append([]string(nil), t.Dependencies...)
		out = append(out, &result)
	}
	sortTasks(out)
	return out, nil
}

func (m *MockStore) UpdateTaskStatus(ctx context.Context, id, expectedStatus, expectedChangedBy, newStatus, changedBy, blockedReason string, changedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != expectedStatus || t.StatusChangedByAgentID != expectedChangedBy {
		return ErrNotFound
	}
	t.Status = newStatus
	t.StatusChangedByAgentID = changedBy
	at := changedAt
	t.StatusChangedAt = &at
	t.BlockedReason = blockedReason
	return nil
}

func (m *MockStore) UpdateTaskAssignee(ctx context.Context, id, assigneeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.AssigneeID = assigneeID
	return nil
}

func (m *MockStore) DecideTaskApproval(ctx context.Context, id, approvalStatus, decidedBy, rejectedReason string, decidedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.ApprovalStatus != ApprovalPending {
		return ErrNotFound
	}
	t.ApprovalStatus = approvalStatus
	switch approvalStatus {
	case ApprovalApproved:
		t.ApprovedBy = decidedBy
		at := decidedAt
		t.ApprovedAt = &at
	case ApprovalRejected:
		t.RejectedReason = rejectedReason
	}
	return nil
}

// --- sessions / lease ---

func (m *MockStore) CreateSession(ctx context.Context, sess *AgentSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sess.Token]; ok {
		return ErrDuplicate
	}
	s := *sess
	if s.State == "" {
		s.State = SessionStateActive
	}
	m.sessions[s.Token] = &s
	return nil
}

func (m *MockStore) GetSession(ctx context.Context, token string) (*AgentSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

func (m *MockStore) FindActiveSession(ctx context.Context, agentID, projectID, purpose string) (*AgentSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	var newest *AgentSession
	for _, s := range m.sessions {
		if s.AgentID != agentID || s.ProjectID != projectID || s.Purpose != purpose {
			continue
		}
		if !s.ExpiresAt.After(now) {
			continue
		}
		if newest == nil || s.CreatedAt.After(newest.CreatedAt) {
			newest = s
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	result := *newest
	return &result, nil
}

func (m *MockStore) MarkSessionTerminating(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return ErrNotFound
	}
	s.State = SessionStateTerminating
	return nil
}

func (m *MockStore) DeleteSession(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[token]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, token)
	return nil
}

func (m *MockStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for token, s := range m.sessions {
		if !s.ExpiresAt.After(now) {
			delete(m.sessions, token)
			count++
		}
	}
	return count, nil
}

func (m *MockStore) DeleteSessionsByAgent(ctx context.Context, agentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for token, s := range m.sessions {
		if s.AgentID == agentID {
			delete(m.sessions, token)
			count++
		}
	}
	return count, nil
}

func assignmentKey(projectID, agentID string) string {
	return projectID + ":" + agentID
}

func (m *MockStore) EnsureAssignment(ctx context.Context, projectID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := assignmentKey(projectID, agentID)
	if _, ok := m.assignments[key]; !ok {
		m.assignments[key] = &ProjectAgentAssignment{ProjectID: projectID, AgentID: agentID}
	}
	return nil
}

func (m *MockStore) GetAssignment(ctx context.Context, projectID, agentID string) (*ProjectAgentAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[assignmentKey(projectID, agentID)]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	if a.SpawnStartedAt != nil {
		at := *a.SpawnStartedAt
		result.SpawnStartedAt = &at
	}
	return &result, nil
}

func (m *MockStore) AcquireSpawnLease(ctx context.Context, projectID, agentID string, now time.Time, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[assignmentKey(projectID, agentID)]
	if !ok {
		return false, nil
	}
	cutoff := now.Add(-ttl)
	if a.SpawnStartedAt != nil && !a.SpawnStartedAt.Before(cutoff) {
		return false, nil
	}
	at := now
	a.SpawnStartedAt = &at
	return true, nil
}

func (m *MockStore) ClearSpawnLease(ctx context.Context, projectID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.assignments[assignmentKey(projectID, agentID)]; ok {
		a.SpawnStartedAt = nil
	}
	return nil
}

// --- messages / cursors ---

func (m *MockStore) SaveChatMessage(ctx context.Context, msg *ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; ok {
		return ErrDuplicate
	}
	cp := *msg
	m.messages[cp.ID] = &cp
	return nil
}

func (m *MockStore) ListMessagesForAgent(ctx context.Context, projectID, agentID string, limit int) ([]*ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ChatMessage
	for _, msg := range m.messages {
		if msg.ProjectID != projectID {
			continue
		}
		if msg.SenderID != agentID && msg.ReceiverID != agentID {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	sortMessages(out)
	return tailMessages(out, limit), nil
}

func (m *MockStore) ListMessagesBetween(ctx context.Context, projectID, agentA, agentB string, limit int) ([]*ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ChatMessage
	for _, msg := range m.messages {
		if msg.ProjectID != projectID {
			continue
		}
		pair := (msg.SenderID == agentA && msg.ReceiverID == agentB) ||
			(msg.SenderID == agentB && msg.ReceiverID == agentA)
		if !pair {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	sortMessages(out)
	return tailMessages(out, limit), nil
}

func (m *MockStore) ListMessagesByConversation(ctx context.Context, conversationID string) ([]*ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ChatMessage
	for _, msg := range m.messages {
		if msg.ConversationID != conversationID {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	sortMessages(out)
	return out, nil
}

func (m *MockStore) SetReadCursor(ctx context.Context, projectID, agentID, senderID string, readAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[projectID+":"+agentID+":"+senderID] = readAt
	return nil
}

func (m *MockStore) GetReadCursors(ctx context.Context, projectID, agentID string) (map[string]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := projectID + ":" + agentID + ":"
	out := make(map[string]time.Time)
	for key, at := range m.cursors {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out[key[len(prefix):]] = at
		}
	}
	return out, nil
}

// --- notifications ---

func (m *MockStore) CreateNotification(ctx context.Context, n *AgentNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNotifications != nil {
		return m.FailNotifications
	}
	if _, ok := m.notifications[n.ID]; ok {
		return ErrDuplicate
	}
	cp := *n
	m.notifications[cp.ID] = &cp
	return nil
}

func (m *MockStore) ListUnreadNotifications(ctx context.Context, agentID, projectID string) ([]*AgentNotification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AgentNotification
	for _, n := range m.notifications {
		if n.TargetAgentID != agentID || n.TargetProjectID != projectID || n.IsRead {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MockStore) MarkNotificationRead(ctx context.Context, id string, readAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return ErrNotFound
	}
	n.IsRead = true
	at := readAt
	n.ReadAt = &at
	return nil
}

func (m *MockStore) MarkAllNotificationsRead(ctx context.Context, agentID, projectID string, readAt time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.notifications {
		if n.TargetAgentID == agentID && n.TargetProjectID == projectID && !n.IsRead {
			n.IsRead = true
			at := readAt
			n.ReadAt = &at
			count++
		}
	}
	return count, nil
}

func (m *MockStore) DeleteNotificationsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, n := range m.notifications {
		if n.CreatedAt.Before(cutoff) {
			delete(m.notifications, id)
			count++
		}
	}
	return count, nil
}

// --- conversations / delegations ---

func (m *MockStore) CreateConversation(ctx context.Context, c *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[c.ID]; ok {
		return ErrDuplicate
	}
	cp := *c
	if cp.State == "" {
		cp.State = ConversationPending
	}
	m.conversations[cp.ID] = &cp
	return nil
}

func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

func (m *MockStore) AdvanceConversation(ctx context.Context, id, expectedState string, expectedTurns int, newState string, newTurns int, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok || c.State != expectedState || c.TurnCount != expectedTurns {
		return ErrNotFound
	}
	c.State = newState
	c.TurnCount = newTurns
	c.UpdatedAt = updatedAt
	return nil
}

func (m *MockStore) CreateDelegation(ctx context.Context, d *ChatDelegation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.delegations[d.ID]; ok {
		return ErrDuplicate
	}
	cp := *d
	if cp.Status == "" {
		cp.Status = DelegationPending
	}
	m.delegations[cp.ID] = &cp
	return nil
}

func (m *MockStore) GetDelegation(ctx context.Context, id string) (*ChatDelegation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.delegations[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *d
	return &result, nil
}

func (m *MockStore) ListPendingDelegations(ctx context.Context, targetAgentID, projectID string) ([]*ChatDelegation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ChatDelegation
	for _, d := range m.delegations {
		if d.TargetAgentID != targetAgentID || d.ProjectID != projectID || d.Status != DelegationPending {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MockStore) UpdateDelegationStatus(ctx context.Context, id, expectedStatus, newStatus, result string, processedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.delegations[id]
	if !ok || d.Status != expectedStatus {
		return ErrNotFound
	}
	d.Status = newStatus
	d.Result = result
	if processedAt != nil {
		at := *processedAt
		d.ProcessedAt = &at
	}
	return nil
}

// --- helpers ---

func sortTasks(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

func sortMessages(msgs []*ChatMessage) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

func tailMessages(msgs []*ChatMessage, limit int) []*ChatMessage {
	if limit > 0 && len(msgs) > limit {
		return msgs[len(msgs)-limit:]
	}
	return msgs
}
