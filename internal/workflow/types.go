// Package workflow implements the declared-DAG execution model of
// spec.md §3 and §4.5: immutable Workflow definitions made of
// WorkflowSteps, executed against an ExecutionContext by an Engine that
// dispatches steps to live agents through the message bus and resource
// manager.
package workflow

import "time"

// StepStatus is the lifecycle a single step's execution passes through.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepReady     StepStatus = "ready"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
)

// terminal reports whether a status never transitions further.
func (s StepStatus) terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepCancelled:
		return true
	default:
		return false
	}
}

// WorkflowStep is one node of a workflow's DAG.
type WorkflowStep struct {
	ID           string
	AgentType    string
	Action       string
	Parameters   map[string]string
	DependsOn    []string
	Timeout      time.Duration
	ResourceType string
	ResourceCost int
}

// Workflow is an immutable, named collection of steps plus globals visible
// to every step. Define validates its DAG; Engine.Execute rejects a
// Workflow that fails the same checks.
type Workflow struct {
	ID      string
	Name    string
	Steps   []WorkflowStep
	Globals map[string]string
}

// StepRecord is the mutable per-step execution state tracked inside an
// ExecutionContext.
type StepRecord struct {
	Status    StepStatus
	StartedAt time.Time
	EndedAt   time.Time
	Outputs   map[string]string
	Err       error
	TimedOut  bool
	Cancelled bool
}

// ExecutionContext is created once per workflow execution and carries the
// shared variable store and every step's record.
type ExecutionContext struct {
	ExecutionID string
	WorkflowID  string
	Variables   map[string]string
	Steps       map[string]*StepRecord
}

// newExecutionContext seeds Variables from the workflow's globals and
// initializes every step's record to Pending, per spec.md §4.5 step 1.
func newExecutionContext(executionID string, wf *Workflow) *ExecutionContext {
	vars := make(map[string]string, len(wf.Globals))
	for k, v := range wf.Globals {
		vars[k] = v
	}
	steps := make(map[string]*StepRecord, len(wf.Steps))
	for _, s := range wf.Steps {
		steps[s.ID] = &StepRecord{Status: StepPending}
	}
	return &ExecutionContext{
		ExecutionID: executionID,
		WorkflowID:  wf.ID,
		Variables:   vars,
		Steps:       steps,
	}
}

// ExecutionResult aggregates the terminal state of every step once an
// execution has finished.
type ExecutionResult struct {
	ExecutionID string
	WorkflowID  string
	Steps       map[string]StepRecord
	Variables   map[string]string
}
