// ABOUTME: Session registry: login sessions plus the chat spawn-lease state machine
// ABOUTME: The lease gives at-most-one spawn per TTL window without a distributed lock

package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/crew-control/internal/fault"
	"github.com/2389/crew-control/internal/store"
)

// Defaults used when the config leaves them zero.
const (
	DefaultLoginTTL     = 24 * time.Hour
	DefaultSpawnTimeout = 120 * time.Second
)

// StartResult is the outcome of a StartChat call.
type StartResult string

const (
	// StartSuccess means this caller won the spawn lease; the supervisor
	// should spawn a worker now.
	StartSuccess StartResult = "success"
	// StartAlreadyActive means an unexpired chat session already exists.
	StartAlreadyActive StartResult = "alreadyActive"
	// StartSpawnInProgress means another start call holds the lease and its
	// spawn timeout has not elapsed.
	StartSpawnInProgress StartResult = "spawnInProgress"
)

// EndResult is the outcome of an EndChat call.
type EndResult string

const (
	EndSuccess         EndResult = "success"
	EndNoActiveSession EndResult = "noActiveSession"
)

// SessionStore is the slice of the store the registry needs.
type SessionStore interface {
	CreateSession(ctx context.Context, sess *store.AgentSession) error
	GetSession(ctx context.Context, token string) (*store.AgentSession, error)
	FindActiveSession(ctx context.Context, agentID, projectID, purpose string) (*store.AgentSession, error)
	MarkSessionTerminating(ctx context.Context, token string) error
	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)
	DeleteSessionsByAgent(ctx context.Context, agentID string) (int, error)
	EnsureAssignment(ctx context.Context, projectID, agentID string) error
	GetAssignment(ctx context.Context, projectID, agentID string) (*store.ProjectAgentAssignment, error)
	AcquireSpawnLease(ctx context.Context, projectID, agentID string, now time.Time, ttl time.Duration) (bool, error)
	ClearSpawnLease(ctx context.Context, projectID, agentID string) error
}

// Registry manages sessions and the spawn lease.
type Registry struct {
	store        SessionStore
	loginTTL     time.Duration
	spawnTimeout time.Duration
	logger       *slog.Logger
}

// New creates a Registry. Zero durations fall back to the defaults.
func New(ss SessionStore, loginTTL, spawnTimeout time.Duration, logger *slog.Logger) *Registry {
	if loginTTL <= 0 {
		loginTTL = DefaultLoginTTL
	}
	if spawnTimeout <= 0 {
		spawnTimeout = DefaultSpawnTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:        ss,
		loginTTL:     loginTTL,
		spawnTimeout: spawnTimeout,
		logger:       logger.With("component", "session"),
	}
}

// Login creates a session with a random opaque token.
func (r *Registry) Login(ctx context.Context, agentID, projectID, purpose string) (*store.AgentSession, error) {
	if agentID == "" || projectID == "" {
		return nil, fault.Validationf("agent_id and project_id are required")
	}
	if purpose != store.SessionPurposeChat && purpose != store.SessionPurposeTask {
		return nil, fault.Validationf("unknown session purpose %q", purpose)
	}

	token, err := generateToken(32)
	if err != nil {
		return nil, fmt.Errorf("generating session token: %w", err)
	}

	now := time.Now()
	sess := &store.AgentSession{
		Token:     token,
		AgentID:   agentID,
		ProjectID: projectID,
		Purpose:   purpose,
		State:     store.SessionStateActive,
		ExpiresAt: now.Add(r.loginTTL),
		CreatedAt: now,
	}
	if err := r.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	r.logger.Info("session created", "agent", agentID, "project", projectID, "purpose", purpose)
	return sess, nil
}

// StartChat drives the disconnected -> connecting edge of the chat
// maintenance state machine. Idempotent: repeated calls within the spawn
// timeout never trigger a second spawn.
func (r *Registry) StartChat(ctx context.Context, agentID, projectID string) (StartResult, error) {
	if agentID == "" || projectID == "" {
		return "", fault.Validationf("agent_id and project_id are required")
	}

	// Connected already? Terminating still counts: the worker process is
	// alive until it observes the flag and logs out.
	if _, err := r.store.FindActiveSession(ctx, agentID, projectID, store.SessionPurposeChat); err == nil {
		return StartAlreadyActive, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("checking active session: %w", err)
	}

	if err := r.store.EnsureAssignment(ctx, projectID, agentID); err != nil {
		return "", fmt.Errorf("ensuring assignment: %w", err)
	}

	// Single-statement lease grab; losing it means a concurrent start call
	// within the timeout window owns the spawn.
	acquired, err := r.store.AcquireSpawnLease(ctx, projectID, agentID, time.Now(), r.spawnTimeout)
	if err != nil {
		return "", fmt.Errorf("acquiring spawn lease: %w", err)
	}
	if !acquired {
		return StartSpawnInProgress, nil
	}

	r.logger.Info("spawn lease granted", "agent", agentID, "project", projectID)
	return StartSuccess, nil
}

// Connect is called when the spawned worker authenticates. It creates the
// chat session the rest of the system observes as "connected" and releases
// the spawn lease.
func (r *Registry) Connect(ctx context.Context, agentID, projectID string) (*store.AgentSession, error) {
	sess, err := r.Login(ctx, agentID, projectID, store.SessionPurposeChat)
	if err != nil {
		return nil, err
	}
	if err := r.store.ClearSpawnLease(ctx, projectID, agentID); err != nil {
		// The lease will expire on its own; log and keep the session.
		r.logger.Warn("clearing spawn lease failed", "agent", agentID, "project", projectID, "error", err)
	}
	return sess, nil
}

// EndChat asks the connected worker to stop: the session flips to
// terminating so the worker's next poll returns an exit instruction, and the
// spawn lease is released. Calling it with no active session is a no-op
// success.
func (r *Registry) EndChat(ctx context.Context, agentID, projectID string) (EndResult, error) {
	if agentID == "" || projectID == "" {
		return "", fault.Validationf("agent_id and project_id are required")
	}

	// Release the lease in either case so a stale spawn attempt cannot block
	// the next start.
	defer func() {
		if err := r.store.ClearSpawnLease(ctx, projectID, agentID); err != nil {
			r.logger.Warn("clearing spawn lease failed", "agent", agentID, "project", projectID, "error", err)
		}
	}()

	sess, err := r.store.FindActiveSession(ctx, agentID, projectID, store.SessionPurposeChat)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return EndNoActiveSession, nil
		}
		return "", fmt.Errorf("finding active session: %w", err)
	}
	if sess.State == store.SessionStateTerminating {
		// Already asked to stop; idempotent.
		return EndSuccess, nil
	}

	if err := r.store.MarkSessionTerminating(ctx, sess.Token); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return EndNoActiveSession, nil
		}
		return "", fmt.Errorf("marking session terminating: %w", err)
	}

	r.logger.Info("chat session terminating", "agent", agentID, "project", projectID)
	return EndSuccess, nil
}

// Logout removes the session row after the worker has cleaned up.
func (r *Registry) Logout(ctx context.Context, token string) error {
	if err := r.store.DeleteSession(ctx, token); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Already gone; logging out twice is fine.
			return nil
		}
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// FindActive returns the newest unexpired session for (agent, project,
// purpose) or fault.ErrNotFound.
func (r *Registry) FindActive(ctx context.Context, agentID, projectID, purpose string) (*store.AgentSession, error) {
	sess, err := r.store.FindActiveSession(ctx, agentID, projectID, purpose)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.NotFoundf("no active %s session for %s", purpose, agentID)
		}
		return nil, fmt.Errorf("finding active session: %w", err)
	}
	return sess, nil
}

// Validate resolves a presented token to its unexpired session.
func (r *Registry) Validate(ctx context.Context, token string) (*store.AgentSession, error) {
	sess, err := r.store.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.NotFoundf("unknown session token")
		}
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if !sess.ExpiresAt.After(time.Now()) {
		return nil, fault.NotFoundf("session expired")
	}
	return sess, nil
}

// DeleteExpired is storage hygiene, not a correctness requirement: expiry is
// already checked lazily on every read.
func (r *Registry) DeleteExpired(ctx context.Context) (int, error) {
	return r.store.DeleteExpiredSessions(ctx, time.Now())
}

// DeleteByAgent removes every session belonging to an agent.
func (r *Registry) DeleteByAgent(ctx context.Context, agentID string) (int, error) {
	return r.store.DeleteSessionsByAgent(ctx, agentID)
}

// generateToken returns a URL-safe base64 token from crypto/rand.
func generateToken(bytes int) (string, error) {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
