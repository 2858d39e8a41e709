// ABOUTME: HTTP handlers for login sessions and the chat spawn-lease lifecycle
// ABOUTME: start/connect/end mirror the supervisor's maintenance loop

package api

import (
	"net/http"
	"time"
)

// SessionRequest is the JSON request body for session operations.
type SessionRequest struct {
	AgentID   string `json:"agent_id"`
	ProjectID string `json:"project_id"`
	Purpose   string `json:"purpose,omitempty"`
}

// SessionResponse is the JSON shape of a created session.
type SessionResponse struct {
	Token     string `json:"token"`
	AgentID   string `json:"agent_id"`
	ProjectID string `json:"project_id"`
	Purpose   string `json:"purpose"`
	State     string `json:"state"`
	ExpiresAt string `json:"expires_at"`
}

// StartSessionResponse is the JSON response for POST /api/sessions/start.
type StartSessionResponse struct {
	Result string `json:"result"`
}

// LogoutRequest is the JSON request body for POST /api/sessions/logout.
type LogoutRequest struct {
	Token string `json:"token"`
}

// handleStartSession handles POST /api/sessions/start. The result tells the
// supervisor whether to spawn a worker.
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req SessionRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	result, err := s.sessions.StartChat(r.Context(), req.AgentID, req.ProjectID)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, StartSessionResponse{Result: string(result)})
}

// handleConnectSession handles POST /api/sessions/connect: the spawned worker
// trades its spawn lease for a chat session token.
func (s *Server) handleConnectSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req SessionRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.sessions.Connect(r.Context(), req.AgentID, req.ProjectID)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, SessionResponse{
		Token:     sess.Token,
		AgentID:   sess.AgentID,
		ProjectID: sess.ProjectID,
		Purpose:   sess.Purpose,
		State:     sess.State,
		ExpiresAt: sess.ExpiresAt.Format(time.RFC3339),
	})
}

// handleEndSession handles POST /api/sessions/end.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req SessionRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	result, err := s.sessions.EndChat(r.Context(), req.AgentID, req.ProjectID)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, StartSessionResponse{Result: string(result)})
}

// handleLogin handles POST /api/sessions/login.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req SessionRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.sessions.Login(r.Context(), req.AgentID, req.ProjectID, req.Purpose)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, SessionResponse{
		Token:     sess.Token,
		AgentID:   sess.AgentID,
		ProjectID: sess.ProjectID,
		Purpose:   sess.Purpose,
		State:     sess.State,
		ExpiresAt: sess.ExpiresAt.Format(time.RFC3339),
	})
}

// handleLogout handles POST /api/sessions/logout.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req LogoutRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Token == "" {
		s.sendJSONError(w, http.StatusBadRequest, "token is required")
		return
	}
	if err := s.sessions.Logout(r.Context(), req.Token); err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"result": "success"})
}
