package bus

// Endpoint describes one reachable peer on the bus.
type Endpoint struct {
	AgentID string
	Type    string
	Address string
}

// Directory resolves agent ids and type tags to network endpoints. The
// orchestrator facade implements this over its agent registry; the bus
// package itself stays decoupled from internal/agent so it can be tested
// and reused independently, matching the teacher's preference for small
// collaborator interfaces over concrete cross-package imports.
type Directory interface {
	Endpoint(agentID string) (Endpoint, bool)
	ByType(typeTag string) []Endpoint
}

// StaticDirectory is a fixed-table Directory, primarily useful for tests
// and for deployments where the agent set is known up front.
type StaticDirectory struct {
	endpoints map[string]Endpoint
}

// NewStaticDirectory builds a StaticDirectory from a slice of endpoints.
func NewStaticDirectory(endpoints []Endpoint) *StaticDirectory {
	d := &StaticDirectory{endpoints: make(map[string]Endpoint, len(endpoints))}
	for _, e := range endpoints {
		d.endpoints[e.AgentID] = e
	}
	return d
}

func (d *StaticDirectory) Endpoint(agentID string) (Endpoint, bool) {
	e, ok := d.endpoints[agentID]
	return e, ok
}

func (d *StaticDirectory) ByType(typeTag string) []Endpoint {
	var out []Endpoint
	for _, e := range d.endpoints {
		if e.Type == typeTag {
			out = append(out, e)
		}
	}
	return out
}
