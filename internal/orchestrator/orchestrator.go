package orchestrator

import (
	"sync"
	"time"

	"github.com/mostlyfutures/orchestra/internal/agent"
	"github.com/mostlyfutures/orchestra/internal/bus"
	"github.com/mostlyfutures/orchestra/internal/config"
	"github.com/mostlyfutures/orchestra/internal/lifecycle"
	"github.com/mostlyfutures/orchestra/internal/resources"
	"github.com/mostlyfutures/orchestra/internal/workflow"
	"github.com/mostlyfutures/orchestra/pkg/orcherr"
)

// Statistics summarizes the live state of every composed component, for
// the `statistics()` operation of spec.md §4.6.
type Statistics struct {
	AgentCount      int
	ResourceStats   map[string]resources.Stats
	ActiveExecution int
	Degraded        bool
}

// Orchestrator is the single entry point composing the token bucket
// manager, agent registry, message bus, and workflow engine, per
// spec.md §4.6.
type Orchestrator struct {
	opts *options

	mu       sync.RWMutex
	running  bool
	degraded bool
	cfg      *config.Config

	registry  *agent.Registry
	resources *resources.Manager
	bus       *bus.Bus
	engine    *workflow.Engine

	workflowsMu sync.RWMutex
	workflows   map[string]*workflow.Workflow

	executionsMu sync.Mutex
	executions   map[string]bool // executionID -> still tracked (for bulk cancel on stop)
}

// New constructs an Orchestrator from the given Options. It does not
// start any component; call Initialize then Start.
func New(opts ...Option) *Orchestrator {
	o := defaultOptions()
	for _, apply := range opts {
		apply(o)
	}
	return &Orchestrator{
		opts:       o,
		registry:   agent.NewRegistry(),
		workflows:  make(map[string]*workflow.Workflow),
		executions: make(map[string]bool),
	}
}

// Initialize loads the configuration document at configPath and wires
// the resource manager, bus, and engine accordingly. The bus begins
// serving inbound RPCs here; the resource manager's refill and
// expiration loops do not run until Start.
func (o *Orchestrator) Initialize(configPath string) error {
	cfg, err := config.LoadFromPath(configPath)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg = cfg

	o.resources = resources.NewManager(time.Duration(cfg.ExpirationSweepIntervalMs) * time.Millisecond)
	for _, r := range cfg.Resources {
		if err := o.resources.RegisterResource(resources.ResourceConfig{
			Type:           r.Type,
			MaxTokens:      r.MaxTokens,
			RefillRate:     r.RefillRatePerSec,
			BurstSize:      r.Burst,
			RefillInterval: time.Duration(r.RefillIntervalMs) * time.Millisecond,
		}); err != nil {
			return err
		}
	}
	listenAddr := cfg.BindAddress
	if o.opts.listenOverride != "" {
		listenAddr = o.opts.listenOverride
	}
	b, err := bus.New(bus.Config{
		SelfID:         "orchestrator",
		Directory:      &registryDirectory{registry: o.registry},
		ListenAddr:     listenAddr,
		TLS:            bus.TLSFiles{CertFile: cfg.TLS.Cert, KeyFile: cfg.TLS.Key, CAFile: cfg.TLS.CA},
		RequestTimeout: time.Duration(cfg.DefaultStepTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	o.bus = b

	o.engine = workflow.New(workflow.Config{
		Registry:           o.registry,
		Resources:          o.resources,
		Bus:                o.bus,
		DefaultStepTimeout: time.Duration(cfg.DefaultStepTimeoutMs) * time.Millisecond,
		SchedulingTick:     o.opts.schedulingTick,
	})

	o.opts.logger.Log("initialized with bind_address=%s", listenAddr)
	return nil
}

// Start launches the resource manager's refill and sweep loop and marks
// the orchestrator running; the bus is already serving from Initialize.
// registerAgent and execute are illegal before Start, per spec.md §4.6.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.resources == nil {
		return orcherr.New(orcherr.InvalidDefinition, "orchestrator.Start", errNotInitialized)
	}
	if o.running {
		return nil
	}
	o.resources.Start()
	o.running = true
	o.opts.logger.Log("started")
	return nil
}

// Stop cancels every in-flight execution, terminates every agent's
// lifecycle via a Terminate event, and stops the bus and resource
// manager, in that order, per spec.md §4.6.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	o.mu.Unlock()

	o.executionsMu.Lock()
	ids := make([]string, 0, len(o.executions))
	for id := range o.executions {
		ids = append(ids, id)
	}
	o.executionsMu.Unlock()
	for _, id := range ids {
		_ = o.engine.Cancel(id)
	}

	for _, a := range o.registry.All() {
		_ = a.Machine().Fire(lifecycle.Terminate, "orchestrator stop")
	}

	o.bus.Stop()
	o.resources.Stop()
	o.opts.logger.Log("stopped")
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (o *Orchestrator) IsRunning() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running
}

func (o *Orchestrator) requireRunning(op string) error {
	if !o.IsRunning() {
		return orcherr.New(orcherr.InvalidDefinition, op, errNotRunning)
	}
	return nil
}

// RegisterAgent adds a to the live registry. Illegal before Start.
//
// The configuration's `quotas[]` entries key by agent_type (spec.md §6),
// while the resource manager enforces quotas per concrete agent id
// (spec.md §3's AgentQuota). Registration is where the two are
// reconciled: every quota rule matching a's type is applied to a's
// specific id at the moment it joins the registry.
func (o *Orchestrator) RegisterAgent(a *agent.Agent) error {
	if err := o.requireRunning("orchestrator.RegisterAgent"); err != nil {
		return err
	}
	if err := o.registry.Register(a); err != nil {
		return err
	}
	o.mu.RLock()
	cfg := o.cfg
	o.mu.RUnlock()
	if cfg != nil {
		for _, q := range cfg.Quotas {
			if q.AgentType == a.Type {
				o.resources.SetAgentQuota(a.ID, q.ResourceType, q.Max)
			}
		}
	}
	return nil
}

// UnregisterAgent removes an agent from the live registry.
func (o *Orchestrator) UnregisterAgent(id string) {
	o.registry.Unregister(id)
}

// DefineWorkflow validates wf's DAG and stores it for later execution.
// Workflows are immutable once defined; redefining an id is rejected.
func (o *Orchestrator) DefineWorkflow(wf *workflow.Workflow) error {
	if err := workflow.Define(wf); err != nil {
		return err
	}
	o.workflowsMu.Lock()
	defer o.workflowsMu.Unlock()
	if _, exists := o.workflows[wf.ID]; exists {
		return orcherr.New(orcherr.InvalidDefinition, "orchestrator.DefineWorkflow", errDuplicateWorkflow(wf.ID))
	}
	o.workflows[wf.ID] = wf
	return nil
}

// Execute starts running the named workflow. Illegal before Start.
func (o *Orchestrator) Execute(workflowID string, initialVars map[string]string) (string, error) {
	if err := o.requireRunning("orchestrator.Execute"); err != nil {
		return "", err
	}
	o.workflowsMu.RLock()
	wf, ok := o.workflows[workflowID]
	o.workflowsMu.RUnlock()
	if !ok {
		return "", orcherr.New(orcherr.UnknownEntity, "orchestrator.Execute", errUnknownWorkflow(workflowID))
	}

	execID, err := o.engine.Execute(wf, initialVars)
	if err != nil {
		return "", err
	}
	o.executionsMu.Lock()
	o.executions[execID] = true
	o.executionsMu.Unlock()
	return execID, nil
}

// Cancel cancels a running execution. Idempotent.
func (o *Orchestrator) Cancel(executionID string) error {
	return o.engine.Cancel(executionID)
}

// Status returns the current snapshot of an execution.
func (o *Orchestrator) Status(executionID string) (workflow.ExecutionResult, error) {
	return o.engine.Status(executionID)
}

// Results blocks until an execution completes and returns its result.
func (o *Orchestrator) Results(executionID string) (workflow.ExecutionResult, error) {
	return o.engine.Results(executionID)
}

// SendMessage delivers msg synchronously via the bus.
func (o *Orchestrator) SendMessage(msg bus.Message) (bus.Response, error) {
	return o.bus.Send(msg)
}

// BroadcastMessage delivers msg to every agent of the given type tag.
func (o *Orchestrator) BroadcastMessage(msg bus.Message, typeTag string) []bus.BroadcastResult {
	return o.bus.Broadcast(msg, typeTag)
}

// AllocateResources requests tokens directly, bypassing the workflow
// engine, per spec.md §4.6's `allocateResources` operation.
func (o *Orchestrator) AllocateResources(req resources.Request) (*resources.Grant, error) {
	return o.resources.Request(req)
}

// ReleaseResources releases a previously granted allocation.
func (o *Orchestrator) ReleaseResources(allocationID string) bool {
	return o.resources.Release(allocationID)
}

// Statistics reports a snapshot of every composed component's counters.
func (o *Orchestrator) Statistics() Statistics {
	o.mu.RLock()
	cfg := o.cfg
	degraded := o.degraded
	o.mu.RUnlock()

	stats := Statistics{
		AgentCount:    o.registry.Count(),
		ResourceStats: make(map[string]resources.Stats),
		Degraded:      degraded,
	}
	if cfg != nil {
		for _, r := range cfg.Resources {
			stats.ResourceStats[r.Type] = o.resources.Stats(r.Type)
		}
	}
	o.executionsMu.Lock()
	stats.ActiveExecution = len(o.executions)
	o.executionsMu.Unlock()
	return stats
}

var errNotInitialized = &facadeError{"orchestrator not initialized; call Initialize first"}
var errNotRunning = &facadeError{"orchestrator not running; call Start first"}

type facadeError struct{ msg string }

func (e *facadeError) Error() string { return e.msg }

type unknownWorkflowError struct{ id string }

func (e *unknownWorkflowError) Error() string { return "unknown workflow: " + e.id }

func errUnknownWorkflow(id string) error { return &unknownWorkflowError{id: id} }

type duplicateWorkflowError struct{ id string }

func (e *duplicateWorkflowError) Error() string { return "workflow already defined: " + e.id }

func errDuplicateWorkflow(id string) error { return &duplicateWorkflowError{id: id} }
