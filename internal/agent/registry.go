package agent

import (
	"sync"

	"github.com/mostlyfutures/orchestra/pkg/orcherr"
)

// Registry tracks every agent known to the orchestrator. It is read-heavy;
// only mutation (Register/Unregister) takes the exclusive lock, matching
// spec.md §5's guidance for the agent registry's locking discipline.
//
// Grounded on internal/orchestrator/agent_registry.go in the teacher repo,
// generalized from a result-cache keyed by agent id into the full §3 Agent
// registry with liveness and type-indexed lookup for dispatch.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// Register adds a new agent. It fails with orcherr.InvalidDefinition if
// the id is already registered, leaving the prior registration untouched
// (spec.md §8 property 10).
func (r *Registry) Register(a *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.ID]; exists {
		return orcherr.New(orcherr.InvalidDefinition, "registry.Register", errDuplicateAgent(a.ID))
	}
	r.agents[a.ID] = a
	return nil
}

// Unregister removes an agent. It is a no-op if the id is not registered.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id)
}

// Get returns the agent for id, or (nil, false) if unknown.
func (r *Registry) Get(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// All returns a snapshot slice of every registered agent.
func (r *Registry) All() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// ByType returns every registered agent whose Type equals typ.
func (r *Registry) ByType(typ string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Agent
	for _, a := range r.agents {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

type duplicateAgentError struct{ id string }

func (e *duplicateAgentError) Error() string { return "agent already registered: " + e.id }

func errDuplicateAgent(id string) error { return &duplicateAgentError{id: id} }
