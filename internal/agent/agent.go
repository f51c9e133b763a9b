// Package agent defines the orchestrator's view of a worker agent: its
// identity, capabilities, endpoint, liveness, and runtime metrics. Lifecycle
// state transitions live in the sibling internal/lifecycle package; Agent
// only carries the current snapshot.
package agent

import (
	"sync"
	"time"

	"github.com/mostlyfutures/orchestra/internal/lifecycle"
)

// Metrics tracks per-agent counters and the most recent resource usage
// samples reported by the agent.
type Metrics struct {
	OperationsCompleted int64
	OperationsFailed    int64
	CPUUsage            float64
	MemoryUsage         float64
}

// Agent is the orchestrator's record for one registered worker.
type Agent struct {
	ID       string
	Name     string
	Type     string // worker role, e.g. "parse", "build", "simulate"
	Endpoint string // transport address used by the message bus

	mu           sync.RWMutex
	capabilities map[string]string
	lastHeartbeat time.Time
	heartbeatInterval time.Duration
	metrics      Metrics
	machine      *lifecycle.Machine
	inFlight     int
	registeredAt time.Time
}

// New creates an Agent in the Uninitialized lifecycle state.
func New(id, name, typ, endpoint string, heartbeatInterval time.Duration) *Agent {
	return &Agent{
		ID:                id,
		Name:              name,
		Type:              typ,
		Endpoint:          endpoint,
		capabilities:      make(map[string]string),
		heartbeatInterval: heartbeatInterval,
		lastHeartbeat:     time.Now(),
		machine:           lifecycle.NewMachine(),
		registeredAt:      time.Now(),
	}
}

// SetCapability sets a single capability-name/capability-value pair.
func (a *Agent) SetCapability(name, value string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.capabilities[name] = value
}

// Capability returns the value for a capability name and whether it was set.
func (a *Agent) Capability(name string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.capabilities[name]
	return v, ok
}

// Capabilities returns a copy of all capabilities.
func (a *Agent) Capabilities() map[string]string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]string, len(a.capabilities))
	for k, v := range a.capabilities {
		out[k] = v
	}
	return out
}

// Heartbeat records that the agent is alive as of now.
func (a *Agent) Heartbeat() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastHeartbeat = time.Now()
}

// Alive reports whether the agent's last heartbeat is within its configured
// heartbeat interval (times two, to tolerate one missed beat).
func (a *Agent) Alive() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.heartbeatInterval <= 0 {
		return true
	}
	return time.Since(a.lastHeartbeat) <= 2*a.heartbeatInterval
}

// Machine returns the agent's lifecycle FSM.
func (a *Agent) Machine() *lifecycle.Machine {
	return a.machine
}

// State returns the agent's current lifecycle state.
func (a *Agent) State() lifecycle.State {
	return a.machine.State()
}

// RecordSuccess increments the completed-operations counter and decrements
// the in-flight counter.
func (a *Agent) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics.OperationsCompleted++
	if a.inFlight > 0 {
		a.inFlight--
	}
}

// RecordFailure increments the failed-operations counter and decrements the
// in-flight counter.
func (a *Agent) RecordFailure() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics.OperationsFailed++
	if a.inFlight > 0 {
		a.inFlight--
	}
}

// BeginOperation increments the in-flight counter; call when a step is
// dispatched to this agent.
func (a *Agent) BeginOperation() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inFlight++
}

// InFlight returns the number of operations currently dispatched to this
// agent and not yet resolved.
func (a *Agent) InFlight() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.inFlight
}

// RegisteredAt returns when the agent was first registered.
func (a *Agent) RegisteredAt() time.Time {
	return a.registeredAt
}

// SampleUsage records a CPU/memory usage sample.
func (a *Agent) SampleUsage(cpu, mem float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics.CPUUsage = cpu
	a.metrics.MemoryUsage = mem
}

// Snapshot returns a copy of the agent's metrics.
func (a *Agent) Snapshot() Metrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.metrics
}
