package bus

import (
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/mostlyfutures/orchestra/pkg/orcherr"
)

// Bus is one node's view of the message transport: it serves inbound
// RPCs for handlers registered locally, and dials out to peers resolved
// through a Directory for outbound Send/SendAsync/Broadcast calls.
type Bus struct {
	selfID    string
	directory Directory
	clientTLS func() (*tlsDialer, error)

	mu        sync.RWMutex
	handlers  map[string]Handler
	listener  net.Listener
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	timeout time.Duration
}

type tlsDialer struct {
	dial func(addr string, msg Message) (Response, error)
}

// Config bundles everything needed to construct a Bus.
type Config struct {
	SelfID         string
	Directory      Directory
	ListenAddr     string
	TLS            TLSFiles
	RequestTimeout time.Duration
}

// New constructs a Bus bound to the given identity and directory. When
// cfg.ListenAddr is set, New binds the listener and starts serving inbound
// RPCs for locally registered handlers before it returns.
func New(cfg Config) (*Bus, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	clientTLS, err := LoadClientTLS(cfg.TLS)
	if err != nil {
		return nil, err
	}
	b := &Bus{
		selfID:    cfg.SelfID,
		directory: cfg.Directory,
		handlers:  make(map[string]Handler),
		closed:    make(chan struct{}),
		timeout:   cfg.RequestTimeout,
	}
	b.clientTLS = func() (*tlsDialer, error) {
		return &tlsDialer{dial: func(addr string, msg Message) (Response, error) {
			return dialAndCall(addr, clientTLS, msg)
		}}, nil
	}

	if cfg.ListenAddr != "" {
		serverTLS, err := LoadServerTLS(cfg.TLS)
		if err != nil {
			return nil, err
		}
		listener, err := tls.Listen("tcp", cfg.ListenAddr, serverTLS)
		if err != nil {
			return nil, orcherr.New(orcherr.TransportError, "bus.New", err)
		}
		b.listener = listener
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			_ = b.acceptLoop()
		}()
	}
	return b, nil
}

// Addr returns the address the bus is listening on, or "" if it was
// constructed without a ListenAddr.
func (b *Bus) Addr() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// RegisterHandler installs fn as the handler for messageType on this node.
// It fails if a handler is already installed for that type, per spec.md
// §4.3's "at most one handler per type" rule.
func (b *Bus) RegisterHandler(messageType string, fn Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[messageType]; exists {
		return orcherr.New(orcherr.InvalidDefinition, "bus.RegisterHandler", errDuplicateHandler(messageType))
	}
	b.handlers[messageType] = fn
	return nil
}

// dispatch runs the locally registered handler for msg.Type, or reports a
// delivery failure if none is registered.
func (b *Bus) dispatch(msg Message) Response {
	b.mu.RLock()
	fn, ok := b.handlers[msg.Type]
	b.mu.RUnlock()
	if !ok {
		return Response{CorrelationID: msg.CorrelationID, Ok: false, Error: "no handler registered for type " + msg.Type}
	}
	return fn(msg)
}

// Send delivers msg synchronously and returns the receiver's response, or
// a transport-level error if the receiver is unknown, unreachable, or
// fails to answer within the configured timeout.
func (b *Bus) Send(msg Message) (Response, error) {
	ep, ok := b.directory.Endpoint(msg.Receiver)
	if !ok {
		return Response{}, orcherr.New(orcherr.TransportError, "bus.Send", errUnknownReceiver(msg.Receiver))
	}

	dialer, err := b.clientTLS()
	if err != nil {
		return Response{}, err
	}

	type result struct {
		resp Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := dialer.dial(ep.Address, msg)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-time.After(b.timeout):
		return Response{}, orcherr.New(orcherr.Timeout, "bus.Send", errRoundTripTimeout(msg.Receiver))
	}
}

// SendAsync delivers msg without blocking the caller. onResponse runs
// exactly once, on a separate goroutine, with either the receiver's
// response or a delivery-failure error.
func (b *Bus) SendAsync(msg Message, onResponse AsyncCallback) {
	go func() {
		resp, err := b.Send(msg)
		onResponse(resp, err)
	}()
}

// Broadcast sends msg to every endpoint of the given type tag concurrently
// and returns one BroadcastResult per recipient; a failure reaching one
// recipient never prevents the others from being attempted or reported.
func (b *Bus) Broadcast(msg Message, typeTag string) []BroadcastResult {
	recipients := b.directory.ByType(typeTag)
	results := make([]BroadcastResult, len(recipients))

	var wg sync.WaitGroup
	for i, ep := range recipients {
		wg.Add(1)
		go func(i int, ep Endpoint) {
			defer wg.Done()
			m := msg
			m.Receiver = ep.AgentID
			resp, err := b.Send(m)
			results[i] = BroadcastResult{AgentID: ep.AgentID, Response: resp, Err: err}
		}(i, ep)
	}
	wg.Wait()
	return results
}

// Stop closes the listening socket, if any, and waits for the serve loop
// to exit. It is safe to call Stop more than once: concurrent callers all
// block until the first one finishes the shutdown sequence.
func (b *Bus) Stop() {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.mu.RLock()
		l := b.listener
		b.mu.RUnlock()
		if l != nil {
			_ = l.Close()
		}
		b.wg.Wait()
	})
}

type duplicateHandlerError struct{ messageType string }

func (e *duplicateHandlerError) Error() string {
	return "handler already registered for message type: " + e.messageType
}

func errDuplicateHandler(t string) error { return &duplicateHandlerError{messageType: t} }

type unknownReceiverError struct{ id string }

func (e *unknownReceiverError) Error() string { return "unknown receiver: " + e.id }

func errUnknownReceiver(id string) error { return &unknownReceiverError{id: id} }

type roundTripTimeoutError struct{ receiver string }

func (e *roundTripTimeoutError) Error() string {
	return "round trip to " + e.receiver + " exceeded configured timeout"
}

func errRoundTripTimeout(receiver string) error { return &roundTripTimeoutError{receiver: receiver} }
