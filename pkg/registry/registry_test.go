package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agentmesh/pkg/bus"
	"agentmesh/pkg/proto"
)

func okExecutor() Executor {
	return ExecutorFunc(func(_ context.Context, input proto.ExecutionInput) (proto.ExecutionOutput, error) {
		return proto.ExecutionOutput{ID: input.ID, Success: true}, nil
	})
}

func testAgent(id string, capacity int, caps ...string) *proto.Agent {
	capabilities := make([]proto.Capability, len(caps))
	for i, c := range caps {
		capabilities[i] = proto.Capability{Name: c, Version: "1.0"}
	}
	return &proto.Agent{
		ID:                 id,
		Name:               id,
		Capabilities:       capabilities,
		MaxConcurrentTasks: capacity,
	}
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	r := New(nil)

	if err := r.Register(testAgent("a1", 2, "echo"), okExecutor()); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	err := r.Register(testAgent("a1", 2, "echo"), okExecutor())
	if err == nil {
		t.Fatal("expected duplicate id rejection")
	}

	a, err := r.Get("a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Status != proto.AgentStatusIdle {
		t.Errorf("status = %s, want IDLE", a.Status)
	}
}

func TestRegisterEmitsEvent(t *testing.T) {
	b := bus.New()
	defer b.Close()

	var mu sync.Mutex
	var got []*proto.Message
	_, err := b.Subscribe(bus.Filter{Type: proto.MsgTypeAgentRegistered}, func(m *proto.Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	r := New(b)
	if err := r.Register(testAgent("a1", 1, "echo"), okExecutor()); err != nil {
		t.Fatalf("register: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("got %d agent:registered events, want 1", len(got))
	}
	if id, _ := got[0].GetPayload("agent_id"); id != "a1" {
		t.Errorf("agent_id = %v, want a1", id)
	}
}

func TestSelectByCapability(t *testing.T) {
	r := New(nil)
	mustRegister(t, r, testAgent("text", 2, "summarize", "translate"))
	mustRegister(t, r, testAgent("vision", 2, "ocr"))

	agents, err := r.Select([]string{"summarize"}, 1)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(agents) != 1 || agents[0].ID != "text" {
		t.Fatalf("selected %v, want [text]", ids(agents))
	}

	_, err = r.Select([]string{"summarize", "ocr"}, 1)
	if !IsCapabilityMismatch(err) {
		t.Errorf("expected capability mismatch, got %v", err)
	}
}

func TestSelectPrefersLeastLoaded(t *testing.T) {
	r := New(nil)
	mustRegister(t, r, testAgent("a1", 3, "echo"))
	mustRegister(t, r, testAgent("a2", 3, "echo"))

	if err := r.Reserve("a1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := r.Reserve("a1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := r.Reserve("a2"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	agents, err := r.Select([]string{"echo"}, 2)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("selected %d agents, want 2", len(agents))
	}
	if agents[0].ID != "a2" || agents[1].ID != "a1" {
		t.Errorf("order = %v, want [a2 a1]", ids(agents))
	}
}

func TestReserveEnforcesCapacity(t *testing.T) {
	r := New(nil)
	mustRegister(t, r, testAgent("a1", 2, "echo"))

	if err := r.Reserve("a1"); err != nil {
		t.Fatalf("reserve 1: %v", err)
	}
	if err := r.Reserve("a1"); err != nil {
		t.Fatalf("reserve 2: %v", err)
	}
	if err := r.Reserve("a1"); !IsAtCapacity(err) {
		t.Fatalf("reserve 3: got %v, want at-capacity", err)
	}

	a, _ := r.Get("a1")
	if a.Status != proto.AgentStatusBusy || a.CurrentTasks != 2 {
		t.Errorf("agent = %s/%d, want BUSY/2", a.Status, a.CurrentTasks)
	}

	r.Release("a1")
	r.Release("a1")
	a, _ = r.Get("a1")
	if a.Status != proto.AgentStatusIdle || a.CurrentTasks != 0 {
		t.Errorf("agent = %s/%d, want IDLE/0", a.Status, a.CurrentTasks)
	}
}

func TestUnregisterBlockedWhileBusy(t *testing.T) {
	r := New(nil)
	mustRegister(t, r, testAgent("a1", 1, "echo"))

	if err := r.Reserve("a1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := r.Unregister("a1", "shutdown", false); err == nil {
		t.Fatal("expected unregister to fail with in-flight task")
	}
	if err := r.Unregister("a1", "shutdown", true); err != nil {
		t.Fatalf("forced unregister failed: %v", err)
	}

	if _, err := r.Get("a1"); !IsNotFound(err) {
		t.Errorf("expected not-found after unregister, got %v", err)
	}
	// Release after forced termination must not panic.
	r.Release("a1")
}

func TestHeartbeatRecoversFromError(t *testing.T) {
	r := New(nil)
	mustRegister(t, r, testAgent("a1", 1, "echo"))

	r.MarkError("a1", errors.New("boom"))
	a, _ := r.Get("a1")
	if a.Status != proto.AgentStatusError {
		t.Fatalf("status = %s, want ERROR", a.Status)
	}

	if _, err := r.Select([]string{"echo"}, 1); err == nil {
		t.Error("ERROR agent must not be selectable")
	}

	if err := r.Heartbeat("a1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	a, _ = r.Get("a1")
	if a.Status != proto.AgentStatusIdle {
		t.Errorf("status = %s, want IDLE after heartbeat", a.Status)
	}
}

func TestStaleAgentsMarkedError(t *testing.T) {
	r := New(nil)
	stale := testAgent("stale", 1, "echo")
	stale.LastHeartbeat = time.Now().UTC().Add(-time.Hour)
	mustRegister(t, r, stale)
	mustRegister(t, r, testAgent("fresh", 1, "echo"))

	r.sweepStale(3 * time.Second)

	a, _ := r.Get("stale")
	if a.Status != proto.AgentStatusError {
		t.Errorf("stale status = %s, want ERROR", a.Status)
	}
	a, _ = r.Get("fresh")
	if a.Status != proto.AgentStatusIdle {
		t.Errorf("fresh status = %s, want IDLE", a.Status)
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	r := New(nil)
	mustRegister(t, r, testAgent("a1", 1, "echo"))

	a, _ := r.Get("a1")
	a.Status = proto.AgentStatusTerminated
	a.CurrentTasks = 99

	fresh, _ := r.Get("a1")
	if fresh.Status != proto.AgentStatusIdle || fresh.CurrentTasks != 0 {
		t.Error("mutating a snapshot leaked into registry state")
	}
}

func mustRegister(t *testing.T, r *Registry, a *proto.Agent) {
	t.Helper()
	if err := r.Register(a, okExecutor()); err != nil {
		t.Fatalf("register %s: %v", a.ID, err)
	}
}

func ids(agents []*proto.Agent) []string {
	out := make([]string, len(agents))
	for i, a := range agents {
		out[i] = a.ID
	}
	return out
}
