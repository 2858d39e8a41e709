// ABOUTME: HTTP handler for the worker poll endpoint
// ABOUTME: One GET returns everything the worker should act on next

package api

import (
	"net/http"

	"github.com/2389/crew-control/internal/dispatch"
)

// PollResponse is the JSON response for GET /api/poll.
type PollResponse struct {
	Instruction        string                 `json:"instruction"`
	Notifications      []NotificationResponse `json:"notifications,omitempty"`
	AssignedTasks      []TaskResponse         `json:"assigned_tasks,omitempty"`
	PendingApprovals   []TaskResponse         `json:"pending_approvals,omitempty"`
	PendingMessages    []MessageResponse      `json:"pending_messages,omitempty"`
	PendingDelegations []DelegationResponse   `json:"pending_delegations,omitempty"`
}

// handlePoll handles GET /api/poll: the worker's "what should I do" call.
// Idempotent; workers call it in a loop.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agentID := s.callerID(r, r.URL.Query().Get("agent_id"))
	projectID := r.URL.Query().Get("project_id")
	if agentID == "" || projectID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "agent_id and project_id are required")
		return
	}

	answer, err := s.dispatcher.NextAction(r.Context(), agentID, projectID)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	resp := PollResponse{Instruction: string(answer.Instruction)}
	if answer.Instruction == dispatch.InstructionExit {
		s.sendJSON(w, http.StatusOK, resp)
		return
	}
	for _, n := range answer.Notifications {
		resp.Notifications = append(resp.Notifications, notificationResponse(n))
	}
	for _, t := range answer.AssignedTasks {
		resp.AssignedTasks = append(resp.AssignedTasks, taskResponse(t))
	}
	for _, t := range answer.PendingApprovals {
		resp.PendingApprovals = append(resp.PendingApprovals, taskResponse(t))
	}
	for _, m := range answer.PendingMessages {
		resp.PendingMessages = append(resp.PendingMessages, messageResponse(m))
	}
	for _, d := range answer.PendingDelegations {
		resp.PendingDelegations = append(resp.PendingDelegations, delegationResponse(d))
	}
	s.sendJSON(w, http.StatusOK, resp)
}
