package workflow

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mostlyfutures/orchestra/internal/agent"
	"github.com/mostlyfutures/orchestra/internal/bus"
	"github.com/mostlyfutures/orchestra/internal/lifecycle"
	"github.com/mostlyfutures/orchestra/internal/resources"
	"github.com/mostlyfutures/orchestra/pkg/orcherr"
)

// defaultResourceType is the resource consumed by a step that declares
// none, per spec.md §4.5 step 3b.
const defaultResourceType = "compute"

// defaultMaxDispatchWait bounds how long a step keeps retrying against an
// empty agent pool before it gives up and fails with DispatchFailed. A
// step denied by resource exhaustion is unaffected: it is retried on every
// scheduling tick with no deadline, since its step timeout only starts
// once tokens are granted.
const defaultMaxDispatchWait = 10 * time.Second

// cancelMessageType is the bus message Type sent to a Running step's
// agent on cancellation, carrying the same correlation id as the
// original dispatch so the handler can match it to the work in flight,
// per spec.md §4.5's cancellation contract.
const cancelMessageType = "cancel"

// MessageSender is the slice of *bus.Bus the engine actually needs. Engine
// depends on this interface rather than the concrete type so it can be
// driven by a fake transport in tests without standing up real TLS
// listeners.
type MessageSender interface {
	Send(bus.Message) (bus.Response, error)
}

// Engine executes Workflows as concurrent DAGs over registered live
// agents, per spec.md §4.5. It composes the agent registry, the resource
// manager, and the message bus; none of those components know about
// Engine, keeping the dependency direction one-way.
type Engine struct {
	registry  *agent.Registry
	resources *resources.Manager
	bus       MessageSender

	defaultStepTimeout time.Duration
	tick               time.Duration
	maxDispatchWait    time.Duration

	mu         sync.RWMutex
	executions map[string]*execution
}

// Config bundles the collaborators and tuning knobs an Engine needs.
type Config struct {
	Registry           *agent.Registry
	Resources          *resources.Manager
	Bus                MessageSender
	DefaultStepTimeout time.Duration
	SchedulingTick     time.Duration
	MaxDispatchWait    time.Duration
}

// New constructs an Engine. A zero DefaultStepTimeout defaults to 30s; a
// zero SchedulingTick defaults to 20ms.
func New(cfg Config) *Engine {
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = 30 * time.Second
	}
	if cfg.SchedulingTick <= 0 {
		cfg.SchedulingTick = 20 * time.Millisecond
	}
	if cfg.MaxDispatchWait <= 0 {
		cfg.MaxDispatchWait = defaultMaxDispatchWait
	}
	return &Engine{
		registry:           cfg.Registry,
		resources:          cfg.Resources,
		bus:                cfg.Bus,
		defaultStepTimeout: cfg.DefaultStepTimeout,
		tick:               cfg.SchedulingTick,
		maxDispatchWait:    cfg.MaxDispatchWait,
		executions:         make(map[string]*execution),
	}
}

// Define validates a Workflow's DAG — unique step ids, no dangling
// dependencies, no cycles — without executing it. Callers should call
// this at workflow-definition time, per spec.md §3's "verified at
// define-time" invariant.
func Define(wf *Workflow) error {
	ctx := newExecutionContext("validate-only", wf)
	_, err := buildDAG(wf, ctx)
	return err
}

type execution struct {
	mu              sync.Mutex
	wf              *Workflow
	ctx             *ExecutionContext
	dag             *dag
	dispatching     map[string]bool
	running         map[string]runningDispatch
	dispatchWaiting map[string]time.Time // first tick a step found no live agent
	cancelled       bool
	done            chan struct{}
}

// runningDispatch records enough about an in-flight dispatch for Cancel
// to reach the agent that is currently working on it.
type runningDispatch struct {
	agentID       string
	correlationID string
}

// Execute starts running wf asynchronously and returns an execution id
// immediately; execution proceeds independently of the caller, per
// spec.md §4.5.
func (e *Engine) Execute(wf *Workflow, initialVars map[string]string) (string, error) {
	ctx := newExecutionContext(uuid.NewString(), wf)
	for k, v := range initialVars {
		ctx.Variables[k] = v
	}

	g, err := buildDAG(wf, ctx)
	if err != nil {
		return "", err
	}

	ex := &execution{
		wf:              wf,
		ctx:             ctx,
		dag:             g,
		dispatching:     make(map[string]bool),
		running:         make(map[string]runningDispatch),
		dispatchWaiting: make(map[string]time.Time),
		done:            make(chan struct{}),
	}

	e.mu.Lock()
	e.executions[ctx.ExecutionID] = ex
	e.mu.Unlock()

	go e.run(ex)
	return ctx.ExecutionID, nil
}

func (e *Engine) run(ex *execution) {
	defer close(ex.done)
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		if ex.dag.allTerminal() {
			return
		}
		if e.tryFinalizeBlocked(ex) && ex.dag.allTerminal() {
			return
		}

		for _, id := range ex.dag.getReady() {
			ex.mu.Lock()
			if ex.cancelled {
				ex.mu.Unlock()
				continue
			}
			if ex.dispatching[id] {
				ex.mu.Unlock()
				continue
			}
			ex.dispatching[id] = true
			ex.mu.Unlock()

			go e.dispatch(ex, id)
		}

		<-ticker.C
	}
}

// tryFinalizeBlocked marks every step that can never become ready —
// because a transitive dependency failed or was cancelled — as Failed,
// so blocked dependents reach a terminal status and the execution can
// complete instead of leaving them Pending. Reports whether it changed
// anything.
func (e *Engine) tryFinalizeBlocked(ex *execution) bool {
	changed := false
	ex.mu.Lock()
	defer ex.mu.Unlock()
	for id, record := range ex.ctx.Steps {
		if record.Status.terminal() {
			continue
		}
		if ex.dag.blockedByFailure(id) {
			record.Status = StepFailed
			record.EndedAt = time.Now()
			changed = true
		}
	}
	return changed
}

func (e *Engine) dispatch(ex *execution, stepID string) {
	step := ex.dag.step(stepID)

	resourceType := step.ResourceType
	if resourceType == "" {
		resourceType = defaultResourceType
	}
	cost := step.ResourceCost
	if cost <= 0 {
		cost = 1
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.defaultStepTimeout
	}

	chosen := e.pickAgent(step.AgentType)
	if chosen == nil {
		if e.dispatchWaitExpired(ex, stepID) {
			e.finishStep(ex, stepID, StepFailed, nil,
				orcherr.New(orcherr.DispatchFailed, "workflow.dispatch", errNoAgentAvailable(step.AgentType)),
				false, false)
			return
		}
		e.releaseDispatchAttempt(ex, stepID)
		return
	}
	e.clearDispatchWait(ex, stepID)

	grant, err := e.resources.Request(resources.Request{
		AgentID:      chosen.ID,
		ResourceType: resourceType,
		Tokens:       cost,
		TTL:          timeout,
	})
	if err != nil {
		var oe *orcherr.Error
		if errors.As(err, &oe) && oe.Kind == orcherr.UnknownEntity {
			e.finishStep(ex, stepID, StepFailed, nil, err, false, false)
			return
		}
		// Resource exhausted: leave the step Ready and retry on the next tick.
		e.releaseDispatchAttempt(ex, stepID)
		return
	}

	e.markRunning(ex, stepID)
	chosen.BeginOperation()

	payload, merr := json.Marshal(mergeParams(ex.ctx.Variables, step.Parameters))
	if merr != nil {
		e.resources.Release(grant.AllocationID)
		e.finishStep(ex, stepID, StepFailed, nil, merr, false, false)
		return
	}

	correlationID := ex.ctx.ExecutionID + ":" + stepID
	msg := bus.Message{
		Sender:        "orchestrator",
		Receiver:      chosen.ID,
		Type:          step.Action,
		Payload:       payload,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
	}

	ex.mu.Lock()
	ex.running[stepID] = runningDispatch{agentID: chosen.ID, correlationID: correlationID}
	ex.mu.Unlock()

	type outcome struct {
		resp bus.Response
		err  error
	}
	respCh := make(chan outcome, 1)
	go func() {
		resp, err := e.bus.Send(msg)
		respCh <- outcome{resp, err}
	}()

	select {
	case o := <-respCh:
		e.resources.Release(grant.AllocationID)
		if o.err != nil {
			chosen.RecordFailure()
			e.finishStep(ex, stepID, StepFailed, nil, o.err, false, false)
			return
		}
		if !o.resp.Ok {
			chosen.RecordFailure()
			e.finishStep(ex, stepID, StepFailed, nil, errors.New(o.resp.Error), false, false)
			return
		}
		chosen.RecordSuccess()
		var outputs map[string]string
		_ = json.Unmarshal(o.resp.Payload, &outputs)
		e.finishStep(ex, stepID, StepSucceeded, outputs, nil, false, false)

	case <-time.After(timeout):
		e.resources.Release(grant.AllocationID)
		chosen.RecordFailure()
		e.finishStep(ex, stepID, StepFailed, nil, orcherr.New(orcherr.Timeout, "workflow.dispatch", errStepTimedOut(stepID)), true, false)

	case <-cancelSignal(ex):
		e.resources.Release(grant.AllocationID)
		e.finishStep(ex, stepID, StepCancelled, nil, nil, false, true)
	}
}

func cancelSignal(ex *execution) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for {
			ex.mu.Lock()
			cancelled := ex.cancelled
			ex.mu.Unlock()
			if cancelled {
				close(ch)
				return
			}
			select {
			case <-ex.done:
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}()
	return ch
}

// pickAgent selects a live agent of the given type whose lifecycle state
// is Ready or Running, tie-breaking by fewest operations-in-flight then
// earliest registration, per spec.md §4.5 step 3a.
func (e *Engine) pickAgent(agentType string) *agent.Agent {
	candidates := e.registry.ByType(agentType)
	var eligible []*agent.Agent
	for _, a := range candidates {
		if !a.Alive() {
			continue
		}
		state := a.State()
		if state != lifecycle.Ready && state != lifecycle.Running {
			continue
		}
		eligible = append(eligible, a)
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].InFlight() != eligible[j].InFlight() {
			return eligible[i].InFlight() < eligible[j].InFlight()
		}
		return eligible[i].RegisteredAt().Before(eligible[j].RegisteredAt())
	})
	return eligible[0]
}

func (e *Engine) releaseDispatchAttempt(ex *execution, stepID string) {
	ex.mu.Lock()
	delete(ex.dispatching, stepID)
	ex.mu.Unlock()
}

// dispatchWaitExpired records the first tick a step finds no live agent and
// reports whether it has now been waiting longer than maxDispatchWait.
func (e *Engine) dispatchWaitExpired(ex *execution, stepID string) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	first, seen := ex.dispatchWaiting[stepID]
	if !seen {
		ex.dispatchWaiting[stepID] = time.Now()
		return false
	}
	return time.Since(first) >= e.maxDispatchWait
}

func (e *Engine) clearDispatchWait(ex *execution, stepID string) {
	ex.mu.Lock()
	delete(ex.dispatchWaiting, stepID)
	ex.mu.Unlock()
}

func (e *Engine) markRunning(ex *execution, stepID string) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	record := ex.ctx.Steps[stepID]
	record.Status = StepRunning
	record.StartedAt = time.Now()
}

func (e *Engine) finishStep(ex *execution, stepID string, status StepStatus, outputs map[string]string, err error, timedOut, cancelled bool) {
	ex.mu.Lock()
	record := ex.ctx.Steps[stepID]
	record.Status = status
	record.EndedAt = time.Now()
	record.Err = err
	record.TimedOut = timedOut
	record.Cancelled = cancelled
	delete(ex.running, stepID)
	delete(ex.dispatchWaiting, stepID)
	if status == StepSucceeded {
		prefixed := make(map[string]string, len(outputs))
		for k, v := range outputs {
			prefixed[stepID+"."+k] = v
			ex.ctx.Variables[stepID+"."+k] = v
		}
		record.Outputs = prefixed
	}
	delete(ex.dispatching, stepID)
	ex.mu.Unlock()
}

func mergeParams(base, overlay map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// Cancel flips the execution's cancel flag, signals every Running step via
// the bus with a cancel message sharing its correlation id, and marks
// Ready/Pending steps Cancelled immediately. Idempotent.
func (e *Engine) Cancel(executionID string) error {
	e.mu.RLock()
	ex, ok := e.executions[executionID]
	e.mu.RUnlock()
	if !ok {
		return orcherr.New(orcherr.UnknownEntity, "workflow.Cancel", errUnknownExecution(executionID))
	}

	ex.mu.Lock()
	if ex.cancelled {
		ex.mu.Unlock()
		return nil
	}
	ex.cancelled = true
	for _, record := range ex.ctx.Steps {
		if record.Status == StepPending || record.Status == StepReady {
			record.Status = StepCancelled
			record.Cancelled = true
			record.EndedAt = time.Now()
		}
	}
	running := make([]runningDispatch, 0, len(ex.running))
	for _, rd := range ex.running {
		running = append(running, rd)
	}
	ex.mu.Unlock()

	for _, rd := range running {
		go e.sendCancel(rd)
	}
	return nil
}

// sendCancel notifies a dispatched agent that its step's correlation id
// has been cancelled. Best-effort: the local dispatch goroutine abandons
// the step via cancelSignal regardless of whether the agent receives or
// acts on this message.
func (e *Engine) sendCancel(rd runningDispatch) {
	_, _ = e.bus.Send(bus.Message{
		Sender:        "orchestrator",
		Receiver:      rd.agentID,
		Type:          cancelMessageType,
		Timestamp:     time.Now(),
		CorrelationID: rd.correlationID,
	})
}

// Status returns a snapshot of one execution's current step records.
func (e *Engine) Status(executionID string) (ExecutionResult, error) {
	e.mu.RLock()
	ex, ok := e.executions[executionID]
	e.mu.RUnlock()
	if !ok {
		return ExecutionResult{}, orcherr.New(orcherr.UnknownEntity, "workflow.Status", errUnknownExecution(executionID))
	}
	return snapshot(ex), nil
}

// Results blocks until the execution reaches completion and returns its
// final ExecutionResult.
func (e *Engine) Results(executionID string) (ExecutionResult, error) {
	e.mu.RLock()
	ex, ok := e.executions[executionID]
	e.mu.RUnlock()
	if !ok {
		return ExecutionResult{}, orcherr.New(orcherr.UnknownEntity, "workflow.Results", errUnknownExecution(executionID))
	}
	<-ex.done
	return snapshot(ex), nil
}

func snapshot(ex *execution) ExecutionResult {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	steps := make(map[string]StepRecord, len(ex.ctx.Steps))
	for id, record := range ex.ctx.Steps {
		steps[id] = *record
	}
	vars := make(map[string]string, len(ex.ctx.Variables))
	for k, v := range ex.ctx.Variables {
		vars[k] = v
	}
	return ExecutionResult{
		ExecutionID: ex.ctx.ExecutionID,
		WorkflowID:  ex.ctx.WorkflowID,
		Steps:       steps,
		Variables:   vars,
	}
}

type executionNotFoundError struct{ id string }

func (e *executionNotFoundError) Error() string { return "unknown execution: " + e.id }

func errUnknownExecution(id string) error { return &executionNotFoundError{id: id} }

type stepTimeoutError struct{ id string }

func (e *stepTimeoutError) Error() string { return "step timed out: " + e.id }

func errStepTimedOut(id string) error { return &stepTimeoutError{id: id} }

type noAgentAvailableError struct{ agentType string }

func (e *noAgentAvailableError) Error() string {
	return "no live agent of type " + e.agentType + " available to dispatch"
}

func errNoAgentAvailable(agentType string) error { return &noAgentAvailableError{agentType: agentType} }
