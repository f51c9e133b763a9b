package orchestrator

import (
	"github.com/mostlyfutures/orchestra/internal/agent"
	"github.com/mostlyfutures/orchestra/internal/bus"
)

// registryDirectory adapts the live agent registry to bus.Directory, so
// the bus always resolves the current set of registered agents instead
// of a snapshot taken at construction time.
type registryDirectory struct {
	registry *agent.Registry
}

func (d *registryDirectory) Endpoint(agentID string) (bus.Endpoint, bool) {
	a, ok := d.registry.Get(agentID)
	if !ok {
		return bus.Endpoint{}, false
	}
	return bus.Endpoint{AgentID: a.ID, Type: a.Type, Address: a.Endpoint}, true
}

func (d *registryDirectory) ByType(typeTag string) []bus.Endpoint {
	agents := d.registry.ByType(typeTag)
	out := make([]bus.Endpoint, 0, len(agents))
	for _, a := range agents {
		out = append(out, bus.Endpoint{AgentID: a.ID, Type: a.Type, Address: a.Endpoint})
	}
	return out
}
