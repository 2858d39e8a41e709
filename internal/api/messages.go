// ABOUTME: HTTP handlers for chat messages: send, history, pending, unread, read
// ABOUTME: Pending and unread are distinct views; see the message service

package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/crew-control/internal/message"
	"github.com/2389/crew-control/internal/store"
)

// SendMessageRequest is the JSON request body for POST /api/messages.
type SendMessageRequest struct {
	ProjectID      string `json:"project_id"`
	SenderID       string `json:"sender_id"`
	ReceiverID     string `json:"receiver_id,omitempty"`
	Content        string `json:"content"`
	RelatedTaskID  string `json:"related_task_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	// ClientMessageID lets a retrying client resend safely.
	ClientMessageID string `json:"client_message_id,omitempty"`
}

// MessageResponse is the JSON shape of a chat message.
type MessageResponse struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	SenderID       string `json:"sender_id"`
	ReceiverID     string `json:"receiver_id,omitempty"`
	Content        string `json:"content"`
	RelatedTaskID  string `json:"related_task_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// UnreadCountsResponse is the JSON response for GET /api/messages/unread.
type UnreadCountsResponse struct {
	BySender map[string]int `json:"by_sender"`
	Total    int            `json:"total"`
}

// MarkReadRequest is the JSON request body for POST /api/messages/read.
type MarkReadRequest struct {
	ProjectID string `json:"project_id"`
	AgentID   string `json:"agent_id"`
	SenderID  string `json:"sender_id"`
}

func messageResponse(m *store.ChatMessage) MessageResponse {
	return MessageResponse{
		ID:             m.ID,
		ProjectID:      m.ProjectID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		RelatedTaskID:  m.RelatedTaskID,
		ConversationID: m.ConversationID,
		CreatedAt:      m.CreatedAt.Format(time.RFC3339Nano),
	}
}

func messageListResponse(msgs []*store.ChatMessage) []MessageResponse {
	resp := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, messageResponse(m))
	}
	return resp
}

// handleMessages handles POST /api/messages.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req SendMessageRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	msg, err := s.messages.Send(r.Context(), message.SendInput{
		ProjectID:       req.ProjectID,
		SenderID:        s.callerID(r, req.SenderID),
		ReceiverID:      req.ReceiverID,
		Content:         req.Content,
		RelatedTaskID:   req.RelatedTaskID,
		ConversationID:  req.ConversationID,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, messageResponse(msg))
}

// handleMessageRoutes dispatches /api/messages/{view}.
func (s *Server) handleMessageRoutes(w http.ResponseWriter, r *http.Request) {
	view := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	switch view {
	case "pending":
		s.handlePendingMessages(w, r)
	case "unread":
		s.handleUnreadCounts(w, r)
	case "read":
		s.handleMarkMessagesRead(w, r)
	case "history":
		s.handleMessageHistory(w, r)
	default:
		s.sendJSONError(w, http.StatusNotFound, "unknown message view")
	}
}

func (s *Server) handlePendingMessages(w http.ResponseWriter, r *http.Request) {
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
	limit, ok := parseLimit(r)
	if !ok {
		s.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	msgs, err := s.messages.PendingForAgent(r.Context(), projectID, agentID, limit)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, messageListResponse(msgs))
}

func (s *Server) handleUnreadCounts(w http.ResponseWriter, r *http.Request) {
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
	counts, total, err := s.messages.UnreadCounts(r.Context(), projectID, agentID)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, UnreadCountsResponse{BySender: counts, Total: total})
}

func (s *Server) handleMarkMessagesRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req MarkReadRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	agentID := s.callerID(r, req.AgentID)
	if err := s.messages.MarkRead(r.Context(), req.ProjectID, agentID, req.SenderID); err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"result": "success"})
}

func (s *Server) handleMessageHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	projectID := r.URL.Query().Get("project_id")
	agentA := r.URL.Query().Get("agent_a")
	agentB := r.URL.Query().Get("agent_b")
	if projectID == "" || agentA == "" || agentB == "" {
		s.sendJSONError(w, http.StatusBadRequest, "project_id, agent_a and agent_b query params required")
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		s.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	msgs, err := s.messages.History(r.Context(), projectID, agentA, agentB, limit)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, messageListResponse(msgs))
}

// parseLimit reads an optional positive ?limit= query parameter.
func parseLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, false
	}
	return limit, true
}
