// Package lifecycle implements the per-agent finite-state machine described
// in spec.md §4.2. It is grounded on original_source/src/orchestrator/
// agent_lifecycle.{h,cpp}, generalized from the PIMPL'd C++ class into a
// narrow Go type with an explicit transition table and hook chain.
package lifecycle

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"
)

// State is one of the seven lifecycle states an agent can occupy.
type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
	Running
	Paused
	Error
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Initializing:
		return "Initializing"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	case Error:
		return "Error"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Event is one of the ten events that can drive a state transition.
type Event int

const (
	Initialize Event = iota
	InitializationComplete
	InitializationFailed
	Start
	Stop
	Pause
	Resume
	ErrorOccurred
	RecoveryComplete
	Terminate
)

func (e Event) String() string {
	switch e {
	case Initialize:
		return "Initialize"
	case InitializationComplete:
		return "InitializationComplete"
	case InitializationFailed:
		return "InitializationFailed"
	case Start:
		return "Start"
	case Stop:
		return "Stop"
	case Pause:
		return "Pause"
	case Resume:
		return "Resume"
	case ErrorOccurred:
		return "ErrorOccurred"
	case RecoveryComplete:
		return "RecoveryComplete"
	case Terminate:
		return "Terminate"
	default:
		return "Unknown"
	}
}

type transitionKey struct {
	from  State
	event Event
}

// transitions is the fixed table from spec.md §4.2. Terminate is legal from
// any non-terminal state and is applied as a wildcard fallback in Fire.
var transitions = map[transitionKey]State{
	{Uninitialized, Initialize}:              Initializing,
	{Initializing, InitializationComplete}:    Ready,
	{Initializing, InitializationFailed}:      Error,
	{Ready, Start}:                            Running,
	{Running, Stop}:                           Ready,
	{Running, Pause}:                          Paused,
	{Paused, Resume}:                          Running,
	{Paused, Stop}:                            Ready,
	{Running, ErrorOccurred}:                  Error,
	{Error, RecoveryComplete}:                 Ready,
}

// Transition records one entry in an agent's append-only history.
type Transition struct {
	From  State
	To    State
	Event Event
	At    time.Time
	Data  string
}

// TransitionHandler runs after the exit hooks of From and before the state
// changes to To, carrying the event data supplied to Fire.
type TransitionHandler func(from, to State, event Event, data string)

// StateHandler runs on entry to or exit from a single state.
type StateHandler func(state State)

// Machine is a single agent's lifecycle FSM. All public methods are safe
// for concurrent use; each agent's Machine is serialized by its own
// transition lock (spec.md §5), so transition atomicity across hooks is
// preserved without a global lock. Concurrent Fire calls from distinct
// goroutines block on that lock until the in-flight transition finishes;
// a hook that calls Fire on its own Machine from the same goroutine is
// rejected instead of deadlocking.
type Machine struct {
	mu sync.Mutex

	state   State
	history []Transition

	transitionHandlers map[transitionKey][]TransitionHandler
	entryHandlers      map[State][]StateHandler
	exitHandlers       map[State][]StateHandler

	transMu sync.Mutex // serializes Fire calls across goroutines

	holderMu sync.Mutex
	holder   uint64 // id of the goroutine currently inside Fire; 0 means none
}

// NewMachine creates a Machine starting in Uninitialized.
func NewMachine() *Machine {
	return &Machine{
		state:              Uninitialized,
		transitionHandlers: make(map[transitionKey][]TransitionHandler),
		entryHandlers:      make(map[State][]StateHandler),
		exitHandlers:       make(map[State][]StateHandler),
	}
}

// goroutineID extracts the numeric id from the calling goroutine's stack
// header ("goroutine 123 [running]:"), used only to tell a hook that
// re-enters Fire on its own goroutine apart from a genuinely concurrent
// caller on another one.
func goroutineID() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if idx := bytes.IndexByte(buf, ' '); idx >= 0 {
		buf = buf[:idx]
	}
	id, _ := strconv.ParseUint(string(buf), 10, 64)
	return id
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History returns a copy of the append-only transition history.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// OnTransition registers a handler fired for (from, event) -> to, after the
// exit hooks of from and before the state changes to to.
func (m *Machine) OnTransition(from State, event Event, to State, h TransitionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := transitionKey{from, event}
	m.transitionHandlers[key] = append(m.transitionHandlers[key], h)
	_ = to // to is part of the table already; kept for documentation at call sites
}

// OnEntry registers a handler fired on entry to state.
func (m *Machine) OnEntry(state State, h StateHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entryHandlers[state] = append(m.entryHandlers[state], h)
}

// OnExit registers a handler fired on exit from state.
func (m *Machine) OnExit(state State, h StateHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exitHandlers[state] = append(m.exitHandlers[state], h)
}

// ErrIllegalTransition is returned by Fire when (state, event) is absent
// from the transition table.
type ErrIllegalTransition struct {
	From  State
	Event Event
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition: no edge from %s on %s", e.From, e.Event)
}

// ErrReentrantHook is returned when a hook attempts to fire another event
// on the same Machine while already inside a Fire call.
type ErrReentrantHook struct{}

func (e *ErrReentrantHook) Error() string {
	return "lifecycle: hook attempted to fire an event re-entrantly"
}

// Fire attempts (state, event) -> target per the transition table, running
// exit(old) -> transition handlers -> state update -> entry(new) in that
// order, and appending to history. Terminate is legal from any state except
// Terminated itself, which is absorbing.
//
// Fire serializes with any other Fire call on the same Machine: a call
// from another goroutine blocks until the in-flight transition (hooks
// included) finishes. A hook that calls Fire again on its own Machine,
// on the same goroutine, is rejected with ErrReentrantHook instead of
// deadlocking on its own lock.
func (m *Machine) Fire(event Event, data string) error {
	gid := goroutineID()

	m.holderMu.Lock()
	if m.holder == gid {
		m.holderMu.Unlock()
		return &ErrReentrantHook{}
	}
	m.holderMu.Unlock()

	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.holderMu.Lock()
	m.holder = gid
	m.holderMu.Unlock()
	defer func() {
		m.holderMu.Lock()
		m.holder = 0
		m.holderMu.Unlock()
	}()

	m.mu.Lock()
	from := m.state
	to, ok := lookupTransition(from, event)
	if !ok {
		m.mu.Unlock()
		return &ErrIllegalTransition{From: from, Event: event}
	}
	exitHooks := append([]StateHandler(nil), m.exitHandlers[from]...)
	transHooks := append([]TransitionHandler(nil), m.transitionHandlers[transitionKey{from, event}]...)
	entryHooks := append([]StateHandler(nil), m.entryHandlers[to]...)
	m.mu.Unlock()

	for _, h := range exitHooks {
		h(from)
	}
	for _, h := range transHooks {
		h(from, to, event, data)
	}

	m.mu.Lock()
	m.state = to
	m.history = append(m.history, Transition{From: from, To: to, Event: event, At: time.Now(), Data: data})
	m.mu.Unlock()

	for _, h := range entryHooks {
		h(to)
	}

	return nil
}

// lookupTransition resolves the table entry for (from, event), with
// Terminate treated as a wildcard from any non-terminal state.
func lookupTransition(from State, event Event) (State, bool) {
	if event == Terminate {
		if from == Terminated {
			return Terminated, false
		}
		return Terminated, true
	}
	to, ok := transitions[transitionKey{from, event}]
	return to, ok
}
