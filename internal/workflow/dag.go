package workflow

import (
	"sync"

	"github.com/mostlyfutures/orchestra/pkg/orcherr"
)

// dag is the dependency graph behind one ExecutionContext: step ids are
// nodes, and an edge from a step to each of its dependencies records a
// "blocked by" relationship. It tracks live StepRecords directly so
// readiness can be derived from actual execution status rather than a
// separately maintained completed-set.
//
// Grounded on internal/graph/graph.go in the teacher repo: the node/edge
// maps, the three-color cycle detector, and the GetReady traversal are
// carried over near verbatim and generalized from *models.Task to
// *StepRecord plus the workflow's static dependency edges.
type dag struct {
	mu    sync.RWMutex
	steps map[string]*WorkflowStep
	edges map[string][]string
	ctx   *ExecutionContext
}

func buildDAG(wf *Workflow, ctx *ExecutionContext) (*dag, error) {
	g := &dag{
		steps: make(map[string]*WorkflowStep, len(wf.Steps)),
		edges: make(map[string][]string, len(wf.Steps)),
		ctx:   ctx,
	}

	for i := range wf.Steps {
		s := &wf.Steps[i]
		if _, exists := g.steps[s.ID]; exists {
			return nil, orcherr.New(orcherr.InvalidDefinition, "workflow.buildDAG", errDuplicateStep(s.ID))
		}
		g.steps[s.ID] = s
		g.edges[s.ID] = nil
	}

	for _, s := range wf.Steps {
		for _, depID := range s.DependsOn {
			if _, exists := g.steps[depID]; !exists {
				return nil, orcherr.New(orcherr.InvalidDefinition, "workflow.buildDAG", errDanglingDependency(s.ID, depID))
			}
			g.edges[s.ID] = append(g.edges[s.ID], depID)
		}
	}

	if g.hasCycleLocked() {
		return nil, orcherr.New(orcherr.InvalidDefinition, "workflow.buildDAG", errCycleDetected)
	}
	return g, nil
}

// hasCycleLocked runs a three-color DFS over the static dependency edges.
func (g *dag) hasCycleLocked() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[string]int, len(g.steps))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = gray
		for _, dep := range g.edges[id] {
			switch colors[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		colors[id] = black
		return false
	}

	for id := range g.steps {
		if colors[id] == white {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

// getReady returns every step id whose status is Pending or Ready and
// whose dependencies have all Succeeded, per spec.md §4.5's dependency
// re-evaluation rule.
func (g *dag) getReady() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for id, record := range g.ctx.Steps {
		if record.Status != StepPending && record.Status != StepReady {
			continue
		}
		allDone := true
		for _, depID := range g.edges[id] {
			if g.ctx.Steps[depID].Status != StepSucceeded {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, id)
		}
	}
	return ready
}

// blockedByFailure reports whether id has a transitive dependency that
// failed or was cancelled, meaning it can never become ready, per
// spec.md §4.5's default failure policy.
func (g *dag) blockedByFailure(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	visited := make(map[string]bool)
	var walk func(string) bool
	walk = func(curr string) bool {
		if visited[curr] {
			return false
		}
		visited[curr] = true
		for _, dep := range g.edges[curr] {
			status := g.ctx.Steps[dep].Status
			if status == StepFailed || status == StepCancelled {
				return true
			}
			if walk(dep) {
				return true
			}
		}
		return false
	}
	return walk(id)
}

func (g *dag) step(id string) *WorkflowStep {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.steps[id]
}

func (g *dag) allTerminal() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, record := range g.ctx.Steps {
		if !record.Status.terminal() {
			return false
		}
	}
	return true
}

var errCycleDetected = &cycleError{}

type cycleError struct{}

func (*cycleError) Error() string { return "workflow dependency graph contains a cycle" }

type duplicateStepError struct{ id string }

func (e *duplicateStepError) Error() string { return "duplicate step id: " + e.id }

func errDuplicateStep(id string) error { return &duplicateStepError{id: id} }

type danglingDependencyError struct{ step, dep string }

func (e *danglingDependencyError) Error() string {
	return "step " + e.step + " depends on unknown step " + e.dep
}

func errDanglingDependency(step, dep string) error {
	return &danglingDependencyError{step: step, dep: dep}
}
