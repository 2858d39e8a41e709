// ABOUTME: One-shot chat delegations: one agent asks another to converse on its behalf
// ABOUTME: pending -> processing -> completed|failed, guarded by conditional updates

package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/crew-control/internal/fault"
	"github.com/2389/crew-control/internal/store"
)

// Delegate creates a pending delegation addressed to targetAgentID.
func (m *Manager) Delegate(ctx context.Context, agentID, projectID, targetAgentID, purpose, contextText string) (*store.ChatDelegation, error) {
	if agentID == "" || projectID == "" || targetAgentID == "" {
		return nil, fault.Validationf("agent, project and target are required")
	}
	if agentID == targetAgentID {
		return nil, fault.Validationf("an agent cannot delegate to itself")
	}

	d := &store.ChatDelegation{
		ID:            uuid.New().String(),
		AgentID:       agentID,
		ProjectID:     projectID,
		TargetAgentID: targetAgentID,
		Purpose:       purpose,
		Context:       contextText,
		Status:        store.DelegationPending,
		CreatedAt:     time.Now(),
	}
	if err := m.store.CreateDelegation(ctx, d); err != nil {
		return nil, fmt.Errorf("creating delegation: %w", err)
	}

	m.logger.Info("delegation created", "delegation_id", d.ID, "from", agentID, "to", targetAgentID)
	return d, nil
}

// ClaimDelegation moves the oldest pending delegation for (target, project)
// to processing and returns it. No pending work returns (nil, nil): an empty
// claim is an idempotent success, not an error.
func (m *Manager) ClaimDelegation(ctx context.Context, targetAgentID, projectID string) (*store.ChatDelegation, error) {
	pending, err := m.store.ListPendingDelegations(ctx, targetAgentID, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing pending delegations: %w", err)
	}

	for _, d := range pending {
		err := m.store.UpdateDelegationStatus(ctx, d.ID, store.DelegationPending, store.DelegationProcessing, "", nil)
		if err == nil {
			d.Status = store.DelegationProcessing
			m.logger.Info("delegation claimed", "delegation_id", d.ID, "by", targetAgentID)
			return d, nil
		}
		if errors.Is(err, store.ErrNotFound) {
			// A concurrent poller claimed it first; try the next one.
			continue
		}
		return nil, fmt.Errorf("claiming delegation: %w", err)
	}
	return nil, nil
}

// CompleteDelegation settles a processing delegation with a result.
func (m *Manager) CompleteDelegation(ctx context.Context, id, result string) (*store.ChatDelegation, error) {
	return m.settleDelegation(ctx, id, store.DelegationCompleted, result)
}

// FailDelegation settles a processing delegation as failed.
func (m *Manager) FailDelegation(ctx context.Context, id, result string) (*store.ChatDelegation, error) {
	return m.settleDelegation(ctx, id, store.DelegationFailed, result)
}

func (m *Manager) settleDelegation(ctx context.Context, id, status, result string) (*store.ChatDelegation, error) {
	d, err := m.store.GetDelegation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.NotFoundf("delegation %s", id)
		}
		return nil, fmt.Errorf("loading delegation: %w", err)
	}
	if d.Status != store.DelegationProcessing {
		return nil, fault.Conflictf("delegation %s is %s, not processing", id, d.Status)
	}

	now := time.Now()
	err = m.store.UpdateDelegationStatus(ctx, id, store.DelegationProcessing, status, result, &now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.Concurrencyf("delegation %s settled concurrently", id)
		}
		return nil, fmt.Errorf("settling delegation: %w", err)
	}

	d.Status = status
	d.Result = result
	d.ProcessedAt = &now
	m.logger.Info("delegation settled", "delegation_id", id, "status", status)
	return d, nil
}

// FindPendingDelegations returns pending delegations addressed to the agent.
func (m *Manager) FindPendingDelegations(ctx context.Context, targetAgentID, projectID string) ([]*store.ChatDelegation, error) {
	return m.store.ListPendingDelegations(ctx, targetAgentID, projectID)
}

// HasPendingDelegations reports whether any delegation awaits the agent.
func (m *Manager) HasPendingDelegations(ctx context.Context, targetAgentID, projectID string) (bool, error) {
	pending, err := m.store.ListPendingDelegations(ctx, targetAgentID, projectID)
	if err != nil {
		return false, err
	}
	return len(pending) > 0, nil
}
