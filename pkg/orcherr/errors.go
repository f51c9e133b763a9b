// Package orcherr defines the error taxonomy shared by every orchestrator
// component. Components never return bare errors for expected failure
// modes; they wrap them in *Error so callers can switch on Kind instead of
// pattern-matching error strings.
package orcherr

import "fmt"

// Kind is one of the closed set of error categories the orchestrator core
// can report. See spec.md §7.
type Kind string

const (
	// UnknownEntity means a referenced id (agent, workflow, execution,
	// allocation) does not exist.
	UnknownEntity Kind = "unknown_entity"
	// IllegalTransition means the lifecycle FSM rejected a (state, event) pair.
	IllegalTransition Kind = "illegal_transition"
	// ResourceExhausted means a token bucket or quota could not satisfy a request.
	ResourceExhausted Kind = "resource_exhausted"
	// InvalidDefinition means a workflow has a cycle, a dangling dependency,
	// or a duplicate step id.
	InvalidDefinition Kind = "invalid_definition"
	// DispatchFailed means no live agent of the required type was available.
	DispatchFailed Kind = "dispatch_failed"
	// Timeout means a deadline was exceeded on a step or bus call.
	Timeout Kind = "timeout"
	// Cancelled means the operation was cancelled by the caller or shutdown.
	Cancelled Kind = "cancelled"
	// TransportError means a bus-level authentication, connection, or
	// serialization failure occurred.
	TransportError Kind = "transport_error"
	// InternalInvariant means an assertion about the data model failed. Fatal.
	InternalInvariant Kind = "internal_invariant"
)

// Error is the concrete error type returned by orchestrator-core operations.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "bucket.request"
	Err  error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap lets errors.Is/errors.As traverse to the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, orcherr.New(orcherr.Timeout, "", nil)) style checks,
// though switching on a recovered *Error's Kind field is preferred.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error of the given kind for operation op, wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Recoverable reports whether the failing operation may simply be retried
// or observed by the containing execution without aborting it, per spec.md
// §7's propagation rules. InternalInvariant is never recoverable.
func (e *Error) Recoverable() bool {
	switch e.Kind {
	case ResourceExhausted, Timeout, Cancelled, DispatchFailed, TransportError:
		return true
	default:
		return false
	}
}
