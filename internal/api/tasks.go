// ABOUTME: HTTP handlers for task lifecycle: create, status, assignee, approvals
// ABOUTME: Thin JSON decoding over the task service; all policy lives there

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/2389/crew-control/internal/store"
	"github.com/2389/crew-control/internal/task"
)

// CreateTaskRequest is the JSON request body for POST /api/tasks.
type CreateTaskRequest struct {
	ID           string   `json:"id,omitempty"`
	ProjectID    string   `json:"project_id"`
	Title        string   `json:"title"`
	AssigneeID   string   `json:"assignee_id,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// RequestTaskRequest is the JSON request body for POST /api/tasks/request.
type RequestTaskRequest struct {
	RequesterID  string   `json:"requester_id"`
	AssigneeID   string   `json:"assignee_id"`
	ProjectID    string   `json:"project_id"`
	Title        string   `json:"title"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// ChangeStatusRequest is the JSON request body for POST /api/tasks/{id}/status.
type ChangeStatusRequest struct {
	NewStatus     string `json:"new_status"`
	CallerAgentID string `json:"caller_agent_id"`
	BlockedReason string `json:"blocked_reason,omitempty"`
}

// ReassignRequest is the JSON request body for POST /api/tasks/{id}/assignee.
type ReassignRequest struct {
	AssigneeID string `json:"assignee_id"`
}

// DecisionRequest is the JSON request body for approve/reject.
type DecisionRequest struct {
	CallerAgentID string `json:"caller_agent_id"`
	Reason        string `json:"reason,omitempty"`
}

// TaskResponse is the JSON shape of a task.
type TaskResponse struct {
	ID                string   `json:"id"`
	ProjectID         string   `json:"project_id"`
	Title             string   `json:"title"`
	AssigneeID        string   `json:"assignee_id,omitempty"`
	Dependencies      []string `json:"dependencies,omitempty"`
	Status            string   `json:"status"`
	StatusChangedBy   string   `json:"status_changed_by,omitempty"`
	StatusChangedAt   string   `json:"status_changed_at,omitempty"`
	BlockedReason     string   `json:"blocked_reason,omitempty"`
	ApprovalStatus    string   `json:"approval_status"`
	RequesterID       string   `json:"requester_id,omitempty"`
	ApprovedBy        string   `json:"approved_by,omitempty"`
	ApprovedAt        string   `json:"approved_at,omitempty"`
	RejectedReason    string   `json:"rejected_reason,omitempty"`
	InterruptNotified *bool    `json:"interrupt_notified,omitempty"`
	CreatedAt         string   `json:"created_at"`
}

func taskResponse(t *store.Task) TaskResponse {
	resp := TaskResponse{
		ID:              t.ID,
		ProjectID:       t.ProjectID,
		Title:           t.Title,
		AssigneeID:      t.AssigneeID,
		Dependencies:    t.Dependencies,
		Status:          t.Status,
		StatusChangedBy: t.StatusChangedByAgentID,
		BlockedReason:   t.BlockedReason,
		ApprovalStatus:  t.ApprovalStatus,
		RequesterID:     t.RequesterID,
		ApprovedBy:      t.ApprovedBy,
		RejectedReason:  t.RejectedReason,
		CreatedAt:       t.CreatedAt.Format(time.RFC3339),
	}
	if t.StatusChangedAt != nil {
		resp.StatusChangedAt = t.StatusChangedAt.Format(time.RFC3339)
	}
	if t.ApprovedAt != nil {
		resp.ApprovedAt = t.ApprovedAt.Format(time.RFC3339)
	}
	return resp
}

// handleTasks handles /api/tasks: POST creates, GET lists by project or assignee.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req CreateTaskRequest
		if !s.decodeJSON(w, r, &req) {
			return
		}
		t, err := s.tasks.Create(r.Context(), task.CreateInput{
			ID:           req.ID,
			ProjectID:    req.ProjectID,
			Title:        req.Title,
			AssigneeID:   req.AssigneeID,
			Dependencies: req.Dependencies,
		})
		if err != nil {
			s.sendServiceError(w, err)
			return
		}
		s.sendJSON(w, http.StatusCreated, taskResponse(t))

	case http.MethodGet:
		projectID := r.URL.Query().Get("project_id")
		if projectID == "" {
			s.sendJSONError(w, http.StatusBadRequest, "project_id query param required")
			return
		}
		var (
			tasks []*store.Task
			err   error
		)
		if assigneeID := r.URL.Query().Get("assignee_id"); assigneeID != "" {
			tasks, err = s.tasks.ListByAssignee(r.Context(), projectID, assigneeID)
		} else {
			tasks, err = s.tasks.ListByProject(r.Context(), projectID)
		}
		if err != nil {
			s.sendServiceError(w, err)
			return
		}
		resp := make([]TaskResponse, 0, len(tasks))
		for _, t := range tasks {
			resp = append(resp, taskResponse(t))
		}
		s.sendJSON(w, http.StatusOK, resp)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleRequestTask handles POST /api/tasks/request.
func (s *Server) handleRequestTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req RequestTaskRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	t, err := s.tasks.Request(r.Context(), task.RequestInput{
		RequesterID:  s.callerID(r, req.RequesterID),
		AssigneeID:   req.AssigneeID,
		ProjectID:    req.ProjectID,
		Title:        req.Title,
		Dependencies: req.Dependencies,
	})
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, taskResponse(t))
}

// handleTaskRoutes dispatches /api/tasks/{id} and its sub-resources.
func (s *Server) handleTaskRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	parts := strings.SplitN(rest, "/", 2)
	taskID := parts[0]
	if taskID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "task id is required")
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		s.handleGetTask(w, r, taskID)
	case "status":
		s.handleChangeStatus(w, r, taskID)
	case "assignee":
		s.handleReassign(w, r, taskID)
	case "approve":
		s.handleApprove(w, r, taskID)
	case "reject":
		s.handleReject(w, r, taskID)
	case "dependents":
		s.handleDependents(w, r, taskID)
	default:
		s.sendJSONError(w, http.StatusNotFound, "unknown task action")
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	t, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, taskResponse(t))
}

func (s *Server) handleChangeStatus(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req ChangeStatusRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	result, err := s.tasks.ChangeStatus(r.Context(), taskID, req.NewStatus, s.callerID(r, req.CallerAgentID), req.BlockedReason)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	resp := taskResponse(result.Task)
	if result.Task.Status == store.TaskStatusBlocked {
		notified := result.InterruptNotified
		resp.InterruptNotified = &notified
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReassign(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req ReassignRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	t, err := s.tasks.Reassign(r.Context(), taskID, req.AssigneeID)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, taskResponse(t))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req DecisionRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	t, err := s.tasks.Approve(r.Context(), taskID, s.callerID(r, req.CallerAgentID))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, taskResponse(t))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req DecisionRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	t, err := s.tasks.Reject(r.Context(), taskID, s.callerID(r, req.CallerAgentID), req.Reason)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, taskResponse(t))
}

func (s *Server) handleDependents(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tasks, err := s.tasks.Dependents(r.Context(), taskID)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	resp := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		resp = append(resp, taskResponse(t))
	}
	s.sendJSON(w, http.StatusOK, resp)
}
