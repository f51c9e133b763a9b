package orchestrator

import "time"

// Option configures an Orchestrator at construction time. Use the With*
// functions below to build one.
//
// Grounded on internal/orchestrator/options.go in the teacher repo: the
// Option func(*options) shape and toOrchestratorConfig-style defaulting
// are carried over directly, narrowed to the handful of knobs this core
// actually needs beyond what the configuration file already covers.
type Option func(*options)

type options struct {
	logger         *DebugLogger
	schedulingTick time.Duration
	listenOverride string
}

func defaultOptions() *options {
	return &options{
		logger:         NopLogger(),
		schedulingTick: 20 * time.Millisecond,
	}
}

// WithLogger sets the debug logger used by the orchestrator and the
// components it constructs.
func WithLogger(l *DebugLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithSchedulingTick overrides the workflow engine's scheduling loop
// interval; mainly useful to speed up tests.
func WithSchedulingTick(d time.Duration) Option {
	return func(o *options) { o.schedulingTick = d }
}

// WithListenAddrOverride overrides the bus listen address from the
// loaded configuration file; mainly useful to bind an ephemeral port in
// tests.
func WithListenAddrOverride(addr string) Option {
	return func(o *options) { o.listenOverride = addr }
}
