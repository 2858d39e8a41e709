// ABOUTME: Ancestor/descendant queries over the agent parent-pointer graph
// ABOUTME: Pure reads, bounded by a visited set so cyclic data cannot hang them

package hierarchy

import (
	"context"
	"errors"

	"github.com/2389/crew-control/internal/store"
)

// AgentResolver is the slice of the store the hierarchy needs.
type AgentResolver interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	ListAgents(ctx context.Context) ([]*store.Agent, error)
}

// Hierarchy answers ancestry questions used by every authorization check.
type Hierarchy struct {
	agents AgentResolver
}

// New creates a Hierarchy over the given agent resolver.
func New(agents AgentResolver) *Hierarchy {
	return &Hierarchy{agents: agents}
}

// IsAncestorOf reports whether ancestorID appears on descendantID's parent
// chain. It walks descendant -> parent -> ... -> root. Parent data is
// untrusted: a visited set caps the walk so malformed cycles terminate.
// Unknown agents and broken parent links answer false, not an error.
func (h *Hierarchy) IsAncestorOf(ctx context.Context, ancestorID, descendantID string) (bool, error) {
	if ancestorID == "" || descendantID == "" || ancestorID == descendantID {
		return false, nil
	}

	visited := map[string]bool{}
	current := descendantID
	for current != "" && !visited[current] {
		visited[current] = true

		agent, err := h.agents.GetAgent(ctx, current)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		if agent.ParentAgentID == ancestorID {
			return true, nil
		}
		current = agent.ParentAgentID
	}
	return false, nil
}

// FindAllDescendants returns every agent below agentID, breadth first. The
// visited set bounds the walk against cyclic parent data; the root itself is
// not included.
func (h *Hierarchy) FindAllDescendants(ctx context.Context, agentID string) ([]*store.Agent, error) {
	all, err := h.agents.ListAgents(ctx)
	if err != nil {
		return nil, err
	}

	children := make(map[string][]*store.Agent)
	for _, a := range all {
		if a.ParentAgentID != "" {
			children[a.ParentAgentID] = append(children[a.ParentAgentID], a)
		}
	}

	visited := map[string]bool{agentID: true}
	queue := []string{agentID}
	var out []*store.Agent
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range children[current] {
			if visited[child.ID] {
				continue
			}
			visited[child.ID] = true
			out = append(out, child)
			queue = append(queue, child.ID)
		}
	}
	return out, nil
}
