// ABOUTME: HTTP handlers for AI-to-AI conversations and chat delegations
// ABOUTME: Turn posting, cooperative end, delegation claim/settle

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/2389/crew-control/internal/store"
)

// StartConversationRequest is the JSON request body for POST /api/conversations.
type StartConversationRequest struct {
	ProjectID   string `json:"project_id"`
	InitiatorID string `json:"initiator_id"`
	TargetID    string `json:"target_id"`
	MaxTurns    int    `json:"max_turns,omitempty"`
}

// ConversationResponse is the JSON shape of a conversation.
type ConversationResponse struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	ParticipantA string `json:"participant_a"`
	ParticipantB string `json:"participant_b"`
	State        string `json:"state"`
	MaxTurns     int    `json:"max_turns"`
	TurnCount    int    `json:"turn_count"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// PostTurnRequest is the JSON request body for POST /api/conversations/{id}/messages.
type PostTurnRequest struct {
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
}

// EndConversationRequest is the JSON request body for POST /api/conversations/{id}/end.
type EndConversationRequest struct {
	CallerAgentID string `json:"caller_agent_id"`
}

// DelegateRequest is the JSON request body for POST /api/delegations.
type DelegateRequest struct {
	AgentID       string `json:"agent_id"`
	ProjectID     string `json:"project_id"`
	TargetAgentID string `json:"target_agent_id"`
	Purpose       string `json:"purpose,omitempty"`
	Context       string `json:"context,omitempty"`
}

// ClaimDelegationRequest is the JSON request body for POST /api/delegations/claim.
type ClaimDelegationRequest struct {
	TargetAgentID string `json:"target_agent_id"`
	ProjectID     string `json:"project_id"`
}

// SettleDelegationRequest is the JSON request body for delegation complete/fail.
type SettleDelegationRequest struct {
	Result string `json:"result,omitempty"`
}

// DelegationResponse is the JSON shape of a delegation.
type DelegationResponse struct {
	ID            string `json:"id"`
	AgentID       string `json:"agent_id"`
	ProjectID     string `json:"project_id"`
	TargetAgentID string `json:"target_agent_id"`
	Purpose       string `json:"purpose,omitempty"`
	Context       string `json:"context,omitempty"`
	Status        string `json:"status"`
	Result        string `json:"result,omitempty"`
	ProcessedAt   string `json:"processed_at,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func conversationResponse(c *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:           c.ID,
		ProjectID:    c.ProjectID,
		ParticipantA: c.ParticipantA,
		ParticipantB: c.ParticipantB,
		State:        c.State,
		MaxTurns:     c.MaxTurns,
		TurnCount:    c.TurnCount,
		CreatedAt:    c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    c.UpdatedAt.Format(time.RFC3339),
	}
}

func delegationResponse(d *store.ChatDelegation) DelegationResponse {
	resp := DelegationResponse{
		ID:            d.ID,
		AgentID:       d.AgentID,
		ProjectID:     d.ProjectID,
		TargetAgentID: d.TargetAgentID,
		Purpose:       d.Purpose,
		Context:       d.Context,
		Status:        d.Status,
		Result:        d.Result,
		CreatedAt:     d.CreatedAt.Format(time.RFC3339),
	}
	if d.ProcessedAt != nil {
		resp.ProcessedAt = d.ProcessedAt.Format(time.RFC3339)
	}
	return resp
}

// handleConversations handles POST /api/conversations.
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req StartConversationRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	c, err := s.conversations.Start(r.Context(), req.ProjectID, s.callerID(r, req.InitiatorID), req.TargetID, req.MaxTurns)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, conversationResponse(c))
}

// handleConversationRoutes dispatches /api/conversations/{id} and sub-resources.
func (s *Server) handleConversationRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.SplitN(rest, "/", 2)
	conversationID := parts[0]
	if conversationID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "conversation id is required")
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		s.handleGetConversation(w, r, conversationID)
	case "messages":
		s.handleConversationMessages(w, r, conversationID)
	case "end":
		s.handleEndConversation(w, r, conversationID)
	default:
		s.sendJSONError(w, http.StatusNotFound, "unknown conversation action")
	}
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request, conversationID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	c, err := s.conversations.Get(r.Context(), conversationID)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, conversationResponse(c))
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request, conversationID string) {
	switch r.Method {
	case http.MethodPost:
		var req PostTurnRequest
		if !s.decodeJSON(w, r, &req) {
			return
		}
		msg, err := s.conversations.PostMessage(r.Context(), conversationID, s.callerID(r, req.SenderID), req.Content)
		if err != nil {
			s.sendServiceError(w, err)
			return
		}
		s.sendJSON(w, http.StatusCreated, messageResponse(msg))

	case http.MethodGet:
		msgs, err := s.conversations.Thread(r.Context(), conversationID)
		if err != nil {
			s.sendServiceError(w, err)
			return
		}
		s.sendJSON(w, http.StatusOK, messageListResponse(msgs))

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEndConversation(w http.ResponseWriter, r *http.Request, conversationID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req EndConversationRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	c, err := s.conversations.End(r.Context(), conversationID, s.callerID(r, req.CallerAgentID))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, conversationResponse(c))
}

// handleDelegations handles POST /api/delegations and GET /api/delegations.
func (s *Server) handleDelegations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req DelegateRequest
		if !s.decodeJSON(w, r, &req) {
			return
		}
		d, err := s.conversations.Delegate(r.Context(), s.callerID(r, req.AgentID), req.ProjectID, req.TargetAgentID, req.Purpose, req.Context)
		if err != nil {
			s.sendServiceError(w, err)
			return
		}
		s.sendJSON(w, http.StatusCreated, delegationResponse(d))

	case http.MethodGet:
		targetAgentID := r.URL.Query().Get("target_agent_id")
		projectID := r.URL.Query().Get("project_id")
		if targetAgentID == "" || projectID == "" {
			s.sendJSONError(w, http.StatusBadRequest, "target_agent_id and project_id query params required")
			return
		}
		pending, err := s.conversations.FindPendingDelegations(r.Context(), targetAgentID, projectID)
		if err != nil {
			s.sendServiceError(w, err)
			return
		}
		resp := make([]DelegationResponse, 0, len(pending))
		for _, d := range pending {
			resp = append(resp, delegationResponse(d))
		}
		s.sendJSON(w, http.StatusOK, resp)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleDelegationRoutes dispatches /api/delegations/{claim|id/complete|id/fail}.
func (s *Server) handleDelegationRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/delegations/")

	if rest == "claim" {
		s.handleClaimDelegation(w, r)
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		s.sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}
	delegationID, action := parts[0], parts[1]

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req SettleDelegationRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	var (
		d   *store.ChatDelegation
		err error
	)
	switch action {
	case "complete":
		d, err = s.conversations.CompleteDelegation(r.Context(), delegationID, req.Result)
	case "fail":
		d, err = s.conversations.FailDelegation(r.Context(), delegationID, req.Result)
	default:
		s.sendJSONError(w, http.StatusNotFound, "unknown delegation action")
		return
	}
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, delegationResponse(d))
}

func (s *Server) handleClaimDelegation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req ClaimDelegationRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	d, err := s.conversations.ClaimDelegation(r.Context(), s.callerID(r, req.TargetAgentID), req.ProjectID)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	if d == nil {
		// Nothing pending; an empty claim is a success.
		s.sendJSON(w, http.StatusOK, map[string]any{"delegation": nil})
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"delegation": delegationResponse(d)})
}
