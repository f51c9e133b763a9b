// Package bus implements the mutually-authenticated message transport
// described in spec.md §4.3. Every RPC travels over a crypto/tls-secured
// net/rpc connection that requires and verifies a client certificate —
// the idiomatic-Go rendering of the original implementation's gRPC+TLS
// channel (see original_source/src/orchestrator/communication/grpc_protocol.h),
// chosen because no example repo in the retrieval pack imports a gRPC
// stack or any third-party mTLS transport library.
package bus

import "time"

// Message is one unit of traffic on the bus: a request addressed to a
// single agent, or, with Receiver left empty, a broadcast candidate.
type Message struct {
	Sender        string
	Receiver      string
	Type          string
	Payload       []byte
	Timestamp     time.Time
	CorrelationID string
}

// Response answers a Message. Ok is false when the handler itself reports
// a business-level failure (as opposed to a transport-level delivery
// failure, which surfaces as an error return instead of a Response).
type Response struct {
	CorrelationID string
	Payload       []byte
	Ok            bool
	Error         string
}

// Handler processes one inbound Message and produces a Response.
// Handlers run on the receiving node's executor and must be safe for
// concurrent invocation, per spec.md §4.3.
type Handler func(Message) Response

// AsyncCallback receives the outcome of a sendAsync call exactly once:
// either a Response, or a non-nil err describing a delivery failure.
type AsyncCallback func(Response, error)

// BroadcastResult pairs one recipient with its individual outcome so
// partial broadcast failures are reported per-recipient rather than
// collapsed into a single error, per spec.md §4.3.
type BroadcastResult struct {
	AgentID  string
	Response Response
	Err      error
}
