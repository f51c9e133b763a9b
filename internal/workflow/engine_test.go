package workflow

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mostlyfutures/orchestra/internal/agent"
	"github.com/mostlyfutures/orchestra/internal/bus"
	"github.com/mostlyfutures/orchestra/internal/lifecycle"
	"github.com/mostlyfutures/orchestra/internal/resources"
	"github.com/mostlyfutures/orchestra/pkg/orcherr"
)

// fakeBus answers every message with a handler keyed by message type,
// standing in for a real mTLS bus.Bus in engine tests.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string]func(bus.Message) bus.Response
	calls    int
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]func(bus.Message) bus.Response)}
}

func (f *fakeBus) on(messageType string, fn func(bus.Message) bus.Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[messageType] = fn
}

func (f *fakeBus) Send(m bus.Message) (bus.Response, error) {
	f.mu.Lock()
	fn := f.handlers[m.Type]
	f.calls++
	f.mu.Unlock()
	if fn == nil {
		return bus.Response{}, errNoHandler
	}
	return fn(m), nil
}

var errNoHandler = &noHandlerError{}

type noHandlerError struct{}

func (*noHandlerError) Error() string { return "fake bus: no handler registered" }

func newTestEngine(t *testing.T, fb *fakeBus, resourceTokens int) (*Engine, *agent.Registry, *resources.Manager) {
	t.Helper()
	reg := agent.NewRegistry()
	mgr := resources.NewManager(10 * time.Millisecond)
	if err := mgr.RegisterResource(resources.ResourceConfig{
		Type:           "compute",
		MaxTokens:      resourceTokens,
		RefillRate:     resourceTokens,
		BurstSize:      resourceTokens,
		RefillInterval: 10 * time.Millisecond,
	}); err != nil {
		t.Fatalf("RegisterResource: %v", err)
	}
	eng := New(Config{
		Registry:           reg,
		Resources:          mgr,
		Bus:                fb,
		DefaultStepTimeout: 2 * time.Second,
		SchedulingTick:     5 * time.Millisecond,
	})
	return eng, reg, mgr
}

func readyAgent(t *testing.T, reg *agent.Registry, id, typ string) *agent.Agent {
	t.Helper()
	a := agent.New(id, id, typ, "n/a", 0)
	if err := a.Machine().Fire(lifecycle.Initialize, ""); err != nil {
		t.Fatalf("fire Initialize: %v", err)
	}
	if err := a.Machine().Fire(lifecycle.InitializationComplete, ""); err != nil {
		t.Fatalf("fire InitializationComplete: %v", err)
	}
	if err := reg.Register(a); err != nil {
		t.Fatalf("register: %v", err)
	}
	return a
}

func okResponse(outputs map[string]string) bus.Response {
	payload, _ := json.Marshal(outputs)
	return bus.Response{Ok: true, Payload: payload}
}

func TestLinearWorkflowSucceeds(t *testing.T) {
	fb := newFakeBus()
	eng, reg, _ := newTestEngine(t, fb, 2)
	readyAgent(t, reg, "w1", "worker")

	fb.on("step1", func(m bus.Message) bus.Response { return okResponse(map[string]string{"out": "1"}) })
	fb.on("step2", func(m bus.Message) bus.Response { return okResponse(map[string]string{"out": "2"}) })

	wf := &Workflow{
		ID: "linear",
		Steps: []WorkflowStep{
			{ID: "a", AgentType: "worker", Action: "step1"},
			{ID: "b", AgentType: "worker", Action: "step2", DependsOn: []string{"a"}},
		},
	}

	execID, err := eng.Execute(wf, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	result, err := eng.Results(execID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if result.Steps["a"].Status != StepSucceeded || result.Steps["b"].Status != StepSucceeded {
		t.Fatalf("expected both steps to succeed, got %+v", result.Steps)
	}
	if result.Variables["a.out"] != "1" || result.Variables["b.out"] != "2" {
		t.Fatalf("expected prefixed outputs merged into variables, got %+v", result.Variables)
	}
}

func TestFanOutFanInWorkflow(t *testing.T) {
	fb := newFakeBus()
	eng, reg, _ := newTestEngine(t, fb, 4)
	readyAgent(t, reg, "w1", "worker")
	readyAgent(t, reg, "w2", "worker")

	for _, step := range []string{"left", "right", "join"} {
		s := step
		fb.on(s, func(m bus.Message) bus.Response { return okResponse(map[string]string{"done": s}) })
	}

	wf := &Workflow{
		ID: "diamond",
		Steps: []WorkflowStep{
			{ID: "start", AgentType: "worker", Action: "left"},
			{ID: "a", AgentType: "worker", Action: "left", DependsOn: []string{"start"}},
			{ID: "b", AgentType: "worker", Action: "right", DependsOn: []string{"start"}},
			{ID: "join", AgentType: "worker", Action: "join", DependsOn: []string{"a", "b"}},
		},
	}

	execID, err := eng.Execute(wf, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	result, err := eng.Results(execID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	for id, record := range result.Steps {
		if record.Status != StepSucceeded {
			t.Fatalf("step %s expected Succeeded, got %s", id, record.Status)
		}
	}
}

func TestFailedStepBlocksDependents(t *testing.T) {
	fb := newFakeBus()
	eng, reg, _ := newTestEngine(t, fb, 2)
	readyAgent(t, reg, "w1", "worker")

	fb.on("fails", func(m bus.Message) bus.Response { return bus.Response{Ok: false, Error: "boom"} })
	fb.on("unreached", func(m bus.Message) bus.Response { return okResponse(nil) })

	wf := &Workflow{
		ID: "chain",
		Steps: []WorkflowStep{
			{ID: "a", AgentType: "worker", Action: "fails"},
			{ID: "b", AgentType: "worker", Action: "unreached", DependsOn: []string{"a"}},
		},
	}

	execID, err := eng.Execute(wf, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	result, err := eng.Results(execID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if result.Steps["a"].Status != StepFailed {
		t.Fatalf("expected 'a' to fail, got %s", result.Steps["a"].Status)
	}
	if result.Steps["b"].Status != StepFailed {
		t.Fatalf("expected 'b' blocked by failed dependency to end Failed, got %s", result.Steps["b"].Status)
	}
}

func TestStepTimeoutMarksStepFailed(t *testing.T) {
	fb := newFakeBus()
	eng, reg, _ := newTestEngine(t, fb, 2)
	readyAgent(t, reg, "w1", "worker")

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	fb.on("slow", func(m bus.Message) bus.Response {
		<-block
		return okResponse(nil)
	})

	wf := &Workflow{
		ID: "timeout-wf",
		Steps: []WorkflowStep{
			{ID: "a", AgentType: "worker", Action: "slow", Timeout: 30 * time.Millisecond},
		},
	}

	execID, err := eng.Execute(wf, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	result, err := eng.Results(execID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if result.Steps["a"].Status != StepFailed || !result.Steps["a"].TimedOut {
		t.Fatalf("expected step to fail with TimedOut set, got %+v", result.Steps["a"])
	}
}

func TestUnknownResourceFailsStepImmediately(t *testing.T) {
	fb := newFakeBus()
	eng, reg, _ := newTestEngine(t, fb, 2)
	readyAgent(t, reg, "w1", "worker")
	fb.on("go", func(m bus.Message) bus.Response { return okResponse(nil) })

	wf := &Workflow{
		ID: "bad-resource",
		Steps: []WorkflowStep{
			{ID: "a", AgentType: "worker", Action: "go", ResourceType: "quantum-flux"},
		},
	}

	execID, err := eng.Execute(wf, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	result, err := eng.Results(execID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if result.Steps["a"].Status != StepFailed {
		t.Fatalf("expected step with unknown resource to fail immediately, got %s", result.Steps["a"].Status)
	}
}

func TestResourceStarvationRetriesUntilGranted(t *testing.T) {
	fb := newFakeBus()
	eng, reg, mgr := newTestEngine(t, fb, 1)
	readyAgent(t, reg, "w1", "worker")
	fb.on("busy", func(m bus.Message) bus.Response { return okResponse(nil) })

	// Pre-hold the only token so the first scheduling attempts are denied.
	grant, err := mgr.Request(resources.Request{AgentID: "blocker", ResourceType: "compute", Tokens: 1, TTL: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("pre-grant: %v", err)
	}

	wf := &Workflow{
		ID: "starved",
		Steps: []WorkflowStep{
			{ID: "a", AgentType: "worker", Action: "busy"},
		},
	}
	execID, err := eng.Execute(wf, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	time.Sleep(15 * time.Millisecond)
	mgr.Release(grant.AllocationID)

	result, err := eng.Results(execID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if result.Steps["a"].Status != StepSucceeded {
		t.Fatalf("expected step to eventually succeed once the token freed up, got %s", result.Steps["a"].Status)
	}
}

func TestCancelMarksPendingStepsCancelled(t *testing.T) {
	fb := newFakeBus()
	eng, reg, _ := newTestEngine(t, fb, 1)
	readyAgent(t, reg, "w1", "worker")

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	fb.on("hold", func(m bus.Message) bus.Response {
		<-block
		return okResponse(nil)
	})
	fb.on("never", func(m bus.Message) bus.Response { return okResponse(nil) })

	cancelMsgs := make(chan bus.Message, 1)
	fb.on(cancelMessageType, func(m bus.Message) bus.Response {
		cancelMsgs <- m
		return bus.Response{Ok: true}
	})

	wf := &Workflow{
		ID: "cancel-wf",
		Steps: []WorkflowStep{
			{ID: "a", AgentType: "worker", Action: "hold", Timeout: time.Minute},
			{ID: "b", AgentType: "worker", Action: "never", DependsOn: []string{"a"}},
		},
	}
	execID, err := eng.Execute(wf, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := eng.Cancel(execID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := eng.Cancel(execID); err != nil {
		t.Fatalf("second Cancel should be idempotent: %v", err)
	}

	status, err := eng.Status(execID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Steps["b"].Status != StepCancelled {
		t.Fatalf("expected pending step 'b' cancelled, got %s", status.Steps["b"].Status)
	}

	select {
	case m := <-cancelMsgs:
		if m.Receiver != "w1" {
			t.Fatalf("expected cancel message addressed to w1, got %s", m.Receiver)
		}
		if m.CorrelationID != execID+":a" {
			t.Fatalf("expected cancel message to carry step a's correlation id, got %s", m.CorrelationID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected Cancel to signal the running step 'a' over the bus")
	}
}

func TestDispatchFailsAfterNoAgentEverBecomesAvailable(t *testing.T) {
	fb := newFakeBus()
	reg := agent.NewRegistry() // deliberately no agents registered
	mgr := resources.NewManager(10 * time.Millisecond)
	if err := mgr.RegisterResource(resources.ResourceConfig{
		Type:           "compute",
		MaxTokens:      1,
		RefillRate:     1,
		BurstSize:      1,
		RefillInterval: 10 * time.Millisecond,
	}); err != nil {
		t.Fatalf("RegisterResource: %v", err)
	}
	eng := New(Config{
		Registry:           reg,
		Resources:          mgr,
		Bus:                fb,
		DefaultStepTimeout: 2 * time.Second,
		SchedulingTick:     5 * time.Millisecond,
		MaxDispatchWait:    20 * time.Millisecond,
	})

	wf := &Workflow{
		ID: "no-agent",
		Steps: []WorkflowStep{
			{ID: "a", AgentType: "ghost", Action: "go"},
		},
	}
	execID, err := eng.Execute(wf, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	result, err := eng.Results(execID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	record := result.Steps["a"]
	if record.Status != StepFailed {
		t.Fatalf("expected step to fail once no agent ever became available, got %s", record.Status)
	}
	var oe *orcherr.Error
	if !errors.As(record.Err, &oe) || oe.Kind != orcherr.DispatchFailed {
		t.Fatalf("expected DispatchFailed error, got %v", record.Err)
	}
}
