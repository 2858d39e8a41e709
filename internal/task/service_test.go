// ABOUTME: Tests for the task status state machine, last-writer lock and approvals
// ABOUTME: Exercises the full transition matrix and the hierarchy-based overrides

package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/crew-control/internal/fault"
	"github.com/2389/crew-control/internal/hierarchy"
	"github.com/2389/crew-control/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.MockStore) {
	t.Helper()
	s := store.NewMockStore()
	svc := New(s, hierarchy.New(s), nil, nil)
	return svc, s
}

func seedAgent(t *testing.T, s *store.MockStore, id, agentType, parent string) {
	t.Helper()
	require.NoError(t, s.CreateAgent(context.Background(), &store.Agent{
		ID:            id,
		Type:          agentType,
		ParentAgentID: parent,
		CreatedAt:     time.Now(),
	}))
}

func seedTask(t *testing.T, s *store.MockStore, task *store.Task) {
	t.Helper()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	require.NoError(t, s.CreateTask(context.Background(), task))
}

func TestTransitionMatrix(t *testing.T) {
	all := []string{
		store.TaskStatusBacklog,
		store.TaskStatusTodo,
		store.TaskStatusInProgress,
		store.TaskStatusBlocked,
		store.TaskStatusDone,
		store.TaskStatusCancelled,
	}
	allowed := map[string][]string{
		store.TaskStatusBacklog:    {store.TaskStatusTodo, store.TaskStatusCancelled},
		store.TaskStatusTodo:       {store.TaskStatusBacklog, store.TaskStatusInProgress, store.TaskStatusCancelled},
		store.TaskStatusInProgress: {store.TaskStatusTodo, store.TaskStatusBlocked, store.TaskStatusDone, store.TaskStatusCancelled},
		store.TaskStatusBlocked:    {store.TaskStatusInProgress, store.TaskStatusCancelled},
		store.TaskStatusDone:       {},
		store.TaskStatusCancelled:  {},
	}

	for _, from := range all {
		allowedSet := map[string]bool{}
		for _, to := range allowed[from] {
			allowedSet[to] = true
		}
		for _, to := range all {
			got := TransitionAllowed(from, to)
			assert.Equal(t, allowedSet[to], got, "%s -> %s", from, to)
		}
	}
}

func TestChangeStatus_HappyPath(t *testing.T) {
	svc, s := newTestService(t)
	seedAgent(t, s, "agt_worker01", store.AgentTypeAI, "")
	seedTask(t, s, &store.Task{ID: "t1", ProjectID: "p1", Title: "build"})

	result, err := svc.ChangeStatus(context.Background(), "t1", store.TaskStatusTodo, "agt_worker01", "")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusTodo, result.Task.Status)
	assert.Equal(t, "agt_worker01", result.Task.StatusChangedByAgentID)
	require.NotNil(t, result.Task.StatusChangedAt)
}

func TestChangeStatus_SameStateIsConflict(t *testing.T) {
	svc, s := newTestService(t)
	seedTask(t, s, &store.Task{ID: "t1", ProjectID: "p1", Title: "x", Status: store.TaskStatusTodo})

	_, err := svc.ChangeStatus(context.Background(), "t1", store.TaskStatusTodo, "agt_a", "")
	assert.ErrorIs(t, err, fault.ErrConflict)
}

func TestChangeStatus_TerminalStates(t *testing.T) {
	svc, s := newTestService(t)
	seedTask(t, s, &store.Task{ID: "done", ProjectID: "p1", Title: "x", Status: store.TaskStatusDone})
	seedTask(t, s, &store.Task{ID: "cancelled", ProjectID: "p1", Title: "x", Status: store.TaskStatusCancelled})

	_, err := svc.ChangeStatus(context.Background(), "done", store.TaskStatusTodo, "agt_a", "")
	assert.ErrorIs(t, err, fault.ErrConflict)

	_, err = svc.ChangeStatus(context.Background(), "cancelled", store.TaskStatusTodo, "agt_a", "")
	assert.ErrorIs(t, err, fault.ErrConflict)
}

func TestChangeStatus_UnknownStatus(t *testing.T) {
	svc, s := newTestService(t)
	seedTask(t, s, &store.Task{ID: "t1", ProjectID: "p1", Title: "x"})

	_, err := svc.ChangeStatus(context.Background(), "t1", "shipped", "agt_a", "")
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestChangeStatus_BlockedRequiresReason(t *testing.T) {
	svc, s := newTestService(t)
	seedTask(t, s, &store.Task{ID: "t1", ProjectID: "p1", Title: "x", Status: store.TaskStatusInProgress})

	_, err := svc.ChangeStatus(context.Background(), "t1", store.TaskStatusBlocked, "agt_a", "")
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestChangeStatus_LeavingBlockedClearsReason(t *testing.T) {
	svc, s := newTestService(t)
	seedTask(t, s, &store.Task{ID: "t1", ProjectID: "p1", Title: "x", Status: store.TaskStatusInProgress})
	ctx := context.Background()

	_, err := svc.ChangeStatus(ctx, "t1", store.TaskStatusBlocked, "agt_a", "waiting on review")
	require.NoError(t, err)

	result, err := svc.ChangeStatus(ctx, "t1", store.TaskStatusInProgress, "agt_a", "")
	require.NoError(t, err)
	assert.Empty(t, result.Task.BlockedReason)
}

func TestChangeStatus_LastWriterLock(t *testing.T) {
	svc, s := newTestService(t)
	seedAgent(t, s, "agt_mgr", store.AgentTypeHuman, "")
	seedAgent(t, s, "agt_worker01", store.AgentTypeAI, "agt_mgr")
	seedAgent(t, s, "agt_other", store.AgentTypeAI, "agt_mgr")
	seedTask(t, s, &store.Task{ID: "t1", ProjectID: "p1", Title: "x"})
	ctx := context.Background()

	// First change is unrestricted.
	_, err := svc.ChangeStatus(ctx, "t1", store.TaskStatusTodo, "agt_mgr", "")
	require.NoError(t, err)

	// A descendant of the last writer may follow up.
	_, err = svc.ChangeStatus(ctx, "t1", store.TaskStatusInProgress, "agt_worker01", "")
	require.NoError(t, err)

	// A sibling of the last writer may not.
	_, err = svc.ChangeStatus(ctx, "t1", store.TaskStatusDone, "agt_other", "")
	assert.ErrorIs(t, err, fault.ErrAuthorization)

	// The last writer itself always may.
	_, err = svc.ChangeStatus(ctx, "t1", store.TaskStatusDone, "agt_worker01", "")
	require.NoError(t, err)
}

func TestChangeStatus_ConcurrentWriteSurfaces(t *testing.T) {
	svc, s := newTestService(t)
	seedTask(t, s, &store.Task{ID: "t1", ProjectID: "p1", Title: "x"})
	ctx := context.Background()

	// Simulate the row changing between our read and the conditional write by
	// mutating through the store directly.
	_, err := svc.ChangeStatus(ctx, "t1", store.TaskStatusTodo, "agt_a", "")
	require.NoError(t, err)

	// Another writer moved it on; a stale expected state loses.
	err = s.UpdateTaskStatus(ctx, "t1", store.TaskStatusBacklog, "", store.TaskStatusTodo, "agt_b", "", time.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

type failingNotifier struct{ err error }

func (f *failingNotifier) NotifyInterrupt(ctx context.Context, agentID, projectID, taskID, reason string) error {
	return f.err
}

func TestChangeStatus_InterruptFailureDoesNotRollBack(t *testing.T) {
	s := store.NewMockStore()
	svc := New(s, hierarchy.New(s), &failingNotifier{err: errors.New("queue down")}, nil)
	seedTask(t, s, &store.Task{ID: "t1", ProjectID: "p1", Title: "x", AssigneeID: "agt_w", Status: store.TaskStatusInProgress})

	result, err := svc.ChangeStatus(context.Background(), "t1", store.TaskStatusBlocked, "agt_w", "stuck")
	require.NoError(t, err, "primary transition commits despite auxiliary failure")
	assert.False(t, result.InterruptNotified)

	persisted, err := s.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusBlocked, persisted.Status)
	assert.Equal(t, "stuck", persisted.BlockedReason)
}

func TestReassign(t *testing.T) {
	svc, s := newTestService(t)
	seedTask(t, s, &store.Task{ID: "t1", ProjectID: "p1", Title: "x", AssigneeID: "agt_a", Status: store.TaskStatusTodo})
	seedTask(t, s, &store.Task{ID: "t2", ProjectID: "p1", Title: "y", AssigneeID: "agt_a", Status: store.TaskStatusInProgress})
	seedTask(t, s, &store.Task{ID: "t3", ProjectID: "p1", Title: "z", AssigneeID: "agt_a", Status: store.TaskStatusBlocked, BlockedReason: "r"})
	ctx := context.Background()

	updated, err := svc.Reassign(ctx, "t1", "agt_b")
	require.NoError(t, err)
	assert.Equal(t, "agt_b", updated.AssigneeID)

	_, err = svc.Reassign(ctx, "t2", "agt_b")
	assert.ErrorIs(t, err, fault.ErrConflict)

	_, err = svc.Reassign(ctx, "t3", "agt_b")
	assert.ErrorIs(t, err, fault.ErrConflict)
}

func TestCreate_SelfDependencyRejected(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Create(context.Background(), CreateInput{
		ID:           "t1",
		ProjectID:    "p1",
		Title:        "x",
		Dependencies: []string{"t1"},
	})
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestCreate_DedupesDependencies(t *testing.T) {
	svc, _ := newTestService(t)

	created, err := svc.Create(context.Background(), CreateInput{
		ProjectID:    "p1",
		Title:        "x",
		Dependencies: []string{"a", "b", "a", "", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, created.Dependencies)
}

func TestRequest_SelfAssignAutoApproves(t *testing.T) {
	svc, s := newTestService(t)
	seedAgent(t, s, "agt_w", store.AgentTypeAI, "")

	created, err := svc.Request(context.Background(), RequestInput{
		RequesterID: "agt_w",
		AssigneeID:  "agt_w",
		ProjectID:   "p1",
		Title:       "self task",
	})
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalApproved, created.ApprovalStatus)
}

func TestRequest_AncestorAutoApproves(t *testing.T) {
	svc, s := newTestService(t)
	seedAgent(t, s, "agt_tanaka", store.AgentTypeHuman, "")
	seedAgent(t, s, "agt_worker01", store.AgentTypeAI, "agt_tanaka")

	created, err := svc.Request(context.Background(), RequestInput{
		RequesterID: "agt_tanaka",
		AssigneeID:  "agt_worker01",
		ProjectID:   "p1",
		Title:       "delegated",
	})
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalApproved, created.ApprovalStatus)
	assert.Equal(t, "agt_tanaka", created.RequesterID)
}

func TestRequest_PeerNeedsApproval(t *testing.T) {
	svc, s := newTestService(t)
	seedAgent(t, s, "agt_tanaka", store.AgentTypeHuman, "")
	seedAgent(t, s, "agt_sato", store.AgentTypeAI, "agt_tanaka")
	seedAgent(t, s, "agt_worker01", store.AgentTypeAI, "agt_tanaka")

	created, err := svc.Request(context.Background(), RequestInput{
		RequesterID: "agt_sato",
		AssigneeID:  "agt_worker01",
		ProjectID:   "p1",
		Title:       "peer request",
	})
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalPending, created.ApprovalStatus)
}

func TestRequest_UnknownAssignee(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Request(context.Background(), RequestInput{
		RequesterID: "agt_a",
		AssigneeID:  "agt_missing",
		ProjectID:   "p1",
		Title:       "x",
	})
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestApprove_HumanAncestorOnly(t *testing.T) {
	svc, s := newTestService(t)
	seedAgent(t, s, "agt_tanaka", store.AgentTypeHuman, "")
	seedAgent(t, s, "agt_sato", store.AgentTypeAI, "agt_tanaka")
	seedAgent(t, s, "agt_worker01", store.AgentTypeAI, "agt_tanaka")
	seedAgent(t, s, "agt_outsider", store.AgentTypeHuman, "")
	seedTask(t, s, &store.Task{
		ID: "t1", ProjectID: "p1", Title: "x",
		AssigneeID:     "agt_worker01",
		ApprovalStatus: store.ApprovalPending,
		RequesterID:    "agt_sato",
	})
	ctx := context.Background()

	// AI agents cannot approve, even ancestors.
	_, err := svc.Approve(ctx, "t1", "agt_sato")
	assert.ErrorIs(t, err, fault.ErrAuthorization)

	// Humans outside the assignee's chain cannot approve.
	_, err = svc.Approve(ctx, "t1", "agt_outsider")
	assert.ErrorIs(t, err, fault.ErrAuthorization)

	// A human ancestor may.
	approved, err := svc.Approve(ctx, "t1", "agt_tanaka")
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalApproved, approved.ApprovalStatus)
	assert.Equal(t, "agt_tanaka", approved.ApprovedBy)
	require.NotNil(t, approved.ApprovedAt)
}

func TestApprove_DecisionIsTerminal(t *testing.T) {
	svc, s := newTestService(t)
	seedAgent(t, s, "agt_tanaka", store.AgentTypeHuman, "")
	seedAgent(t, s, "agt_worker01", store.AgentTypeAI, "agt_tanaka")
	seedTask(t, s, &store.Task{
		ID: "t1", ProjectID: "p1", Title: "x",
		AssigneeID:     "agt_worker01",
		ApprovalStatus: store.ApprovalPending,
	})
	ctx := context.Background()

	_, err := svc.Approve(ctx, "t1", "agt_tanaka")
	require.NoError(t, err)

	_, err = svc.Approve(ctx, "t1", "agt_tanaka")
	assert.ErrorIs(t, err, fault.ErrConflict)

	_, err = svc.Reject(ctx, "t1", "agt_tanaka", "changed my mind")
	assert.ErrorIs(t, err, fault.ErrConflict)
}

func TestReject_RequiresReason(t *testing.T) {
	svc, s := newTestService(t)
	seedTask(t, s, &store.Task{
		ID: "t1", ProjectID: "p1", Title: "x",
		ApprovalStatus: store.ApprovalPending,
	})

	_, err := svc.Reject(context.Background(), "t1", "agt_tanaka", "")
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestReject_RecordsReason(t *testing.T) {
	svc, s := newTestService(t)
	seedAgent(t, s, "agt_tanaka", store.AgentTypeHuman, "")
	seedAgent(t, s, "agt_worker01", store.AgentTypeAI, "agt_tanaka")
	seedTask(t, s, &store.Task{
		ID: "t1", ProjectID: "p1", Title: "x",
		AssigneeID:     "agt_worker01",
		ApprovalStatus: store.ApprovalPending,
	})

	rejected, err := svc.Reject(context.Background(), "t1", "agt_tanaka", "out of scope")
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalRejected, rejected.ApprovalStatus)
	assert.Equal(t, "out of scope", rejected.RejectedReason)
}

func TestDependents(t *testing.T) {
	svc, s := newTestService(t)
	seedTask(t, s, &store.Task{ID: "base", ProjectID: "p1", Title: "base"})
	seedTask(t, s, &store.Task{ID: "d1", ProjectID: "p1", Title: "d1", Dependencies: []string{"base"}})
	seedTask(t, s, &store.Task{ID: "d2", ProjectID: "p1", Title: "d2", Dependencies: []string{"base", "d1"}})
	seedTask(t, s, &store.Task{ID: "other", ProjectID: "p1", Title: "other"})

	dependents, err := svc.Dependents(context.Background(), "base")
	require.NoError(t, err)

	ids := make([]string, 0, len(dependents))
	for _, d := range dependents {
		ids = append(ids, d.ID)
	}
	assert.ElementsMatch(t, []string{"d1", "d2"}, ids)
}
