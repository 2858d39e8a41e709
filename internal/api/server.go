// ABOUTME: HTTP API server exposing the crew-control tool surface
// ABOUTME: Routes JSON requests to the task, session, message and conversation services

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/2389/crew-control/internal/auth"
	"github.com/2389/crew-control/internal/conversation"
	"github.com/2389/crew-control/internal/dispatch"
	"github.com/2389/crew-control/internal/fault"
	"github.com/2389/crew-control/internal/message"
	"github.com/2389/crew-control/internal/notify"
	"github.com/2389/crew-control/internal/session"
	"github.com/2389/crew-control/internal/store"
	"github.com/2389/crew-control/internal/task"
)

// Server holds the services behind the HTTP tool surface.
type Server struct {
	tasks         *task.Service
	sessions      *session.Registry
	messages      *message.Service
	notifications *notify.Center
	conversations *conversation.Manager
	dispatcher    *dispatch.Dispatcher
	agents        store.AgentStore
	verifier      auth.TokenVerifier
	logger        *slog.Logger
}

// New creates an API server. verifier may be nil to disable authentication.
func New(
	tasks *task.Service,
	sessions *session.Registry,
	messages *message.Service,
	notifications *notify.Center,
	conversations *conversation.Manager,
	dispatcher *dispatch.Dispatcher,
	agents store.AgentStore,
	verifier auth.TokenVerifier,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		tasks:         tasks,
		sessions:      sessions,
		messages:      messages,
		notifications: notifications,
		conversations: conversations,
		dispatcher:    dispatcher,
		agents:        agents,
		verifier:      verifier,
		logger:        logger.With("component", "api"),
	}
}

// Handler builds the route table. With a verifier configured every /api route
// goes through the JWT middleware; without one the routes are open.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoint - no auth required
	mux.HandleFunc("/health", s.handleHealth)

	routes := map[string]http.HandlerFunc{
		"/api/tasks":            s.handleTasks,
		"/api/tasks/":           s.handleTaskRoutes,
		"/api/tasks/request":    s.handleRequestTask,
		"/api/sessions/start":   s.handleStartSession,
		"/api/sessions/connect": s.handleConnectSession,
		"/api/sessions/end":     s.handleEndSession,
		"/api/sessions/login":   s.handleLogin,
		"/api/sessions/logout":  s.handleLogout,
		"/api/messages":         s.handleMessages,
		"/api/messages/":        s.handleMessageRoutes,
		"/api/notifications":    s.handleNotifications,
		"/api/notifications/":   s.handleNotificationRoutes,
		"/api/conversations":    s.handleConversations,
		"/api/conversations/":   s.handleConversationRoutes,
		"/api/delegations":      s.handleDelegations,
		"/api/delegations/":     s.handleDelegationRoutes,
		"/api/poll":             s.handlePoll,
	}

	if s.verifier != nil {
		middleware := auth.HTTPAuthMiddleware(s.agents, s.verifier)
		for pattern, handler := range routes {
			if pattern == "/api/sessions/login" {
				// Login is how tokens are obtained in the first place.
				mux.HandleFunc(pattern, handler)
				continue
			}
			mux.Handle(pattern, middleware(handler))
		}
		s.logger.Info("HTTP auth middleware enabled")
	} else {
		for pattern, handler := range routes {
			mux.HandleFunc(pattern, handler)
		}
		s.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	return mux
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// callerID returns the authenticated agent id, falling back to the value the
// request supplied when auth is disabled.
func (s *Server) callerID(r *http.Request, fallback string) string {
	if authCtx := auth.FromContext(r.Context()); authCtx != nil {
		return authCtx.AgentID
	}
	return fallback
}

// sendJSON writes a JSON response with the given status code.
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}

// sendServiceError maps the service error taxonomy onto HTTP status codes.
func (s *Server) sendServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fault.ErrValidation):
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, fault.ErrAuthorization):
		s.sendJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, fault.ErrNotFound), errors.Is(err, store.ErrNotFound):
		s.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, fault.ErrConflict):
		s.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, fault.ErrConcurrency):
		s.sendJSONError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("internal error", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeJSON parses a JSON request body into dst.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
