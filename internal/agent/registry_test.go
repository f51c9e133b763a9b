package agent

import (
	"testing"
	"time"
)

func TestRegisterDuplicateRejected(t *testing.T) {
	r := NewRegistry()
	a1 := New("a1", "Parser One", "parse", "localhost:9001", time.Second)
	if err := r.Register(a1); err != nil {
		t.Fatalf("first register: %v", err)
	}

	a1dup := New("a1", "Parser One (dup)", "parse", "localhost:9002", time.Second)
	if err := r.Register(a1dup); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}

	got, ok := r.Get("a1")
	if !ok || got.Endpoint != "localhost:9001" {
		t.Fatalf("prior registration must be unaffected, got %+v", got)
	}
}

func TestByType(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(New("p1", "Parser", "parse", "h1", time.Second))
	_ = r.Register(New("b1", "Builder", "build", "h2", time.Second))
	_ = r.Register(New("p2", "Parser2", "parse", "h3", time.Second))

	parsers := r.ByType("parse")
	if len(parsers) != 2 {
		t.Fatalf("expected 2 parse agents, got %d", len(parsers))
	}
	if r.Count() != 3 {
		t.Fatalf("expected 3 total, got %d", r.Count())
	}

	r.Unregister("p1")
	if r.Count() != 2 {
		t.Fatalf("expected 2 after unregister, got %d", r.Count())
	}
}

func TestAliveHonorsHeartbeatInterval(t *testing.T) {
	a := New("a1", "Parser", "parse", "h1", 10*time.Millisecond)
	if !a.Alive() {
		t.Fatal("freshly created agent should be alive")
	}
	time.Sleep(30 * time.Millisecond)
	if a.Alive() {
		t.Fatal("agent should be stale after missing two heartbeat intervals")
	}
	a.Heartbeat()
	if !a.Alive() {
		t.Fatal("agent should be alive immediately after heartbeat")
	}
}
