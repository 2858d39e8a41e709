// ABOUTME: Tests for the HTTP auth middleware and the human-only guard
// ABOUTME: Uses httptest with an in-memory agent store

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/crew-control/internal/store"
)

func okHandler(captured **AuthContext) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			*captured = FromContext(r.Context())
		}
		w.WriteHeader(http.StatusOK)
	})
}

func newAuthedRequest(t *testing.T, v *JWTVerifier, agentID string) *http.Request {
	t.Helper()
	token, err := v.Generate(agentID, time.Hour)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func TestHTTPAuthMiddleware(t *testing.T) {
	s := store.NewMockStore()
	require.NoError(t, s.CreateAgent(context.Background(), &store.Agent{
		ID: "agt_h", Type: store.AgentTypeHuman, CreatedAt: time.Now(),
	}))
	v := NewJWTVerifier([]byte("test-secret"))

	var captured *AuthContext
	handler := HTTPAuthMiddleware(s, v)(okHandler(&captured))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newAuthedRequest(t, v, "agt_h"))

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, captured)
	assert.Equal(t, "agt_h", captured.AgentID)
	assert.True(t, captured.IsHuman())
}

func TestHTTPAuthMiddleware_Rejections(t *testing.T) {
	s := store.NewMockStore()
	v := NewJWTVerifier([]byte("test-secret"))
	handler := HTTPAuthMiddleware(s, v)(okHandler(nil))

	t.Run("no header", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("not bearer", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
		r.Header.Set("Authorization", "Basic abc")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
		r.Header.Set("Authorization", "Bearer garbage")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown agent", func(t *testing.T) {
		// Valid token, but no such agent row.
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, newAuthedRequest(t, v, "agt_ghost"))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestRequireHumanHTTP(t *testing.T) {
	handler := RequireHumanHTTP()(okHandler(nil))

	t.Run("human passes", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r = r.WithContext(WithAuth(r.Context(), &AuthContext{AgentID: "agt_h", AgentType: store.AgentTypeHuman}))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("ai forbidden", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r = r.WithContext(WithAuth(r.Context(), &AuthContext{AgentID: "agt_w", AgentType: store.AgentTypeAI}))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestFromContext_Absent(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
}
