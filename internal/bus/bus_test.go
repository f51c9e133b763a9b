package bus

import (
	"sync"
	"testing"
	"time"
)

func newLinkedBuses(t *testing.T) (orchestrator, agent *Bus, dir *StaticDirectory) {
	t.Helper()
	ca := newTestCA(t)
	orchFiles := ca.issue(t, "orch", "orchestrator")
	agentFiles := ca.issue(t, "agent", "agent-1")

	dir = NewStaticDirectory(nil)

	a, err := New(Config{
		SelfID:     "agent-1",
		Directory:  dir,
		ListenAddr: "127.0.0.1:0",
		TLS:        agentFiles,
	})
	if err != nil {
		t.Fatalf("new agent bus: %v", err)
	}
	t.Cleanup(a.Stop)

	o, err := New(Config{
		SelfID:         "orchestrator",
		Directory:      dir,
		ListenAddr:     "127.0.0.1:0",
		TLS:            orchFiles,
		RequestTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new orchestrator bus: %v", err)
	}
	t.Cleanup(o.Stop)

	dir.endpoints = map[string]Endpoint{
		"agent-1":      {AgentID: "agent-1", Type: "worker", Address: a.Addr()},
		"orchestrator": {AgentID: "orchestrator", Type: "core", Address: o.Addr()},
	}
	return o, a, dir
}

func TestSendSynchronousRoundTrip(t *testing.T) {
	orch, agent, _ := newLinkedBuses(t)

	if err := agent.RegisterHandler("ping", func(m Message) Response {
		return Response{CorrelationID: m.CorrelationID, Ok: true, Payload: []byte("pong")}
	}); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	resp, err := orch.Send(Message{Sender: "orchestrator", Receiver: "agent-1", Type: "ping", CorrelationID: "c1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !resp.Ok || string(resp.Payload) != "pong" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.CorrelationID != "c1" {
		t.Fatalf("expected correlation id echoed, got %q", resp.CorrelationID)
	}
}

func TestSendUnknownReceiverFailsImmediately(t *testing.T) {
	orch, _, _ := newLinkedBuses(t)
	_, err := orch.Send(Message{Receiver: "ghost", Type: "ping"})
	if err == nil {
		t.Fatal("expected delivery failure for unknown receiver")
	}
}

func TestRegisterHandlerRejectsDuplicate(t *testing.T) {
	_, agent, _ := newLinkedBuses(t)
	noop := func(Message) Response { return Response{Ok: true} }
	if err := agent.RegisterHandler("task", noop); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := agent.RegisterHandler("task", noop); err == nil {
		t.Fatal("expected second registration for same type to fail")
	}
}

func TestSendAsyncInvokesCallbackExactlyOnce(t *testing.T) {
	orch, agent, _ := newLinkedBuses(t)
	_ = agent.RegisterHandler("job", func(m Message) Response {
		return Response{Ok: true, Payload: []byte("done")}
	})

	results := make(chan Response, 2)
	orch.SendAsync(Message{Receiver: "agent-1", Type: "job"}, func(r Response, err error) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		results <- r
	})

	select {
	case r := <-results:
		if string(r.Payload) != "done" {
			t.Fatalf("unexpected payload: %q", r.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}
}

func TestBroadcastReportsPerRecipientFailures(t *testing.T) {
	orch, agent, dir := newLinkedBuses(t)
	_ = agent.RegisterHandler("announce", func(m Message) Response {
		return Response{Ok: true}
	})
	dir.endpoints["agent-2"] = Endpoint{AgentID: "agent-2", Type: "worker", Address: "127.0.0.1:1"}

	results := orch.Broadcast(Message{Sender: "orchestrator", Type: "announce"}, "worker")
	if len(results) != 2 {
		t.Fatalf("expected 2 broadcast results, got %d", len(results))
	}

	var sawSuccess, sawFailure bool
	for _, r := range results {
		switch r.AgentID {
		case "agent-1":
			if r.Err != nil {
				t.Fatalf("expected agent-1 to succeed, got %v", r.Err)
			}
			sawSuccess = true
		case "agent-2":
			if r.Err == nil {
				t.Fatal("expected agent-2 to fail since nothing listens on 127.0.0.1:1")
			}
			sawFailure = true
		}
	}
	if !sawSuccess || !sawFailure {
		t.Fatalf("expected one success and one failure, got %+v", results)
	}
}

func TestSendTimesOutWhenHandlerNeverResponds(t *testing.T) {
	ca := newTestCA(t)
	orchFiles := ca.issue(t, "orch2", "orchestrator")
	agentFiles := ca.issue(t, "agent2", "agent-1")
	dir := NewStaticDirectory(nil)

	a, err := New(Config{SelfID: "agent-1", Directory: dir, ListenAddr: "127.0.0.1:0", TLS: agentFiles})
	if err != nil {
		t.Fatalf("new agent bus: %v", err)
	}
	defer a.Stop()

	o, err := New(Config{
		SelfID:         "orchestrator",
		Directory:      dir,
		TLS:            orchFiles,
		RequestTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new orchestrator bus: %v", err)
	}
	defer o.Stop()

	block := make(chan struct{})
	defer close(block)
	_ = a.RegisterHandler("slow", func(m Message) Response {
		<-block
		return Response{Ok: true}
	})

	dir.endpoints = map[string]Endpoint{
		"agent-1": {AgentID: "agent-1", Address: a.Addr()},
	}

	_, err = o.Send(Message{Receiver: "agent-1", Type: "slow"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestStopIsSafeUnderConcurrentCallers(t *testing.T) {
	ca := newTestCA(t)
	agentFiles := ca.issue(t, "agent3", "agent-1")
	dir := NewStaticDirectory(nil)

	a, err := New(Config{SelfID: "agent-1", Directory: dir, ListenAddr: "127.0.0.1:0", TLS: agentFiles})
	if err != nil {
		t.Fatalf("new agent bus: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Stop()
		}()
	}
	wg.Wait()
}
