// ABOUTME: HTTP handlers for the notification queue: list unread, mark read
// ABOUTME: Reads are poll-safe; only the explicit read marks consume

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/2389/crew-control/internal/store"
)

// NotificationResponse is the JSON shape of a notification.
type NotificationResponse struct {
	ID          string `json:"id"`
	AgentID     string `json:"agent_id"`
	ProjectID   string `json:"project_id"`
	Type        string `json:"type"`
	Action      string `json:"action,omitempty"`
	Message     string `json:"message,omitempty"`
	Instruction string `json:"instruction,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	Read        bool   `json:"read"`
	CreatedAt   string `json:"created_at"`
}

// MarkNotificationsReadRequest is the JSON request body for POST /api/notifications/read.
type MarkNotificationsReadRequest struct {
	AgentID   string `json:"agent_id"`
	ProjectID string `json:"project_id"`
	ID        string `json:"id,omitempty"` // empty means mark all
}

func notificationResponse(n *store.AgentNotification) NotificationResponse {
	return NotificationResponse{
		ID:          n.ID,
		AgentID:     n.TargetAgentID,
		ProjectID:   n.TargetProjectID,
		Type:        n.Type,
		Action:      n.Action,
		Message:     n.Message,
		Instruction: n.Instruction,
		TaskID:      n.TaskID,
		Read:        n.IsRead,
		CreatedAt:   n.CreatedAt.Format(time.RFC3339),
	}
}

// handleNotifications handles GET /api/notifications.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agentID := r.URL.Query().Get("agent_id")
	projectID := r.URL.Query().Get("project_id")
	if agentID == "" || projectID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "agent_id and project_id query params required")
		return
	}
	notifications, err := s.notifications.FindUnread(r.Context(), agentID, projectID)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	resp := make([]NotificationResponse, 0, len(notifications))
	for _, n := range notifications {
		resp = append(resp, notificationResponse(n))
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleNotificationRoutes dispatches /api/notifications/{action}.
func (s *Server) handleNotificationRoutes(w http.ResponseWriter, r *http.Request) {
	action := strings.TrimPrefix(r.URL.Path, "/api/notifications/")
	switch action {
	case "read":
		s.handleMarkNotificationsRead(w, r)
	default:
		s.sendJSONError(w, http.StatusNotFound, "unknown notification action")
	}
}

func (s *Server) handleMarkNotificationsRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req MarkNotificationsReadRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	if req.ID != "" {
		if err := s.notifications.MarkRead(r.Context(), req.ID); err != nil {
			s.sendServiceError(w, err)
			return
		}
		s.sendJSON(w, http.StatusOK, map[string]string{"result": "success"})
		return
	}

	agentID := s.callerID(r, req.AgentID)
	n, err := s.notifications.MarkAllRead(r.Context(), agentID, req.ProjectID)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"result": "success", "marked": n})
}
