package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"

	"agentmesh/pkg/bus"
	"agentmesh/pkg/proto"
)

// recorder appends lifecycle events to a shared log so tests can assert
// ordering across plugins.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

type fakePlugin struct {
	meta    proto.PluginMeta
	rec     *recorder
	initErr error
}

func (p *fakePlugin) Meta() proto.PluginMeta { return p.meta }

func (p *fakePlugin) Init(context.Context) error {
	if p.initErr != nil {
		p.rec.add("init-fail:" + p.meta.ID)
		return p.initErr
	}
	p.rec.add("init:" + p.meta.ID)
	return nil
}

func (p *fakePlugin) Shutdown(context.Context) error {
	p.rec.add("shutdown:" + p.meta.ID)
	return nil
}

func newFake(rec *recorder, id string, deps ...string) *fakePlugin {
	return &fakePlugin{
		meta: proto.PluginMeta{ID: id, Name: id, Version: "1.0", Enabled: true, DependsOn: deps},
		rec:  rec,
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLoadOrdersByDependency(t *testing.T) {
	rec := &recorder{}
	m := NewManager(nil)

	// Declared out of dependency order on purpose.
	err := m.Load(context.Background(), []Plugin{
		newFake(rec, "metrics", "storage"),
		newFake(rec, "storage"),
		newFake(rec, "audit", "metrics", "storage"),
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := []string{"init:storage", "init:metrics", "init:audit"}
	if got := rec.snapshot(); !equalStrings(got, want) {
		t.Errorf("init order = %v, want %v", got, want)
	}
	if got := m.Loaded(); !equalStrings(got, []string{"storage", "metrics", "audit"}) {
		t.Errorf("loaded = %v", got)
	}
}

func TestLoadPreservesDeclarationOrderForIndependents(t *testing.T) {
	rec := &recorder{}
	m := NewManager(nil)

	err := m.Load(context.Background(), []Plugin{
		newFake(rec, "c"),
		newFake(rec, "a"),
		newFake(rec, "b"),
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := []string{"init:c", "init:a", "init:b"}
	if got := rec.snapshot(); !equalStrings(got, want) {
		t.Errorf("init order = %v, want %v", got, want)
	}
}

func TestLoadRollsBackOnInitFailure(t *testing.T) {
	rec := &recorder{}
	m := NewManager(nil)

	failing := newFake(rec, "broken", "second")
	failing.initErr = errors.New("boom")

	err := m.Load(context.Background(), []Plugin{
		newFake(rec, "first"),
		newFake(rec, "second", "first"),
		failing,
		newFake(rec, "never", "broken"),
	})
	if !IsKind(err, ErrKindInitFailure) {
		t.Fatalf("got %v, want initialization-failure", err)
	}

	want := []string{
		"init:first", "init:second", "init-fail:broken",
		"shutdown:second", "shutdown:first",
	}
	if got := rec.snapshot(); !equalStrings(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if got := m.Loaded(); len(got) != 0 {
		t.Errorf("loaded after rollback = %v, want empty", got)
	}
}

func TestLoadDetectsCycle(t *testing.T) {
	rec := &recorder{}
	m := NewManager(nil)

	err := m.Load(context.Background(), []Plugin{
		newFake(rec, "a", "b"),
		newFake(rec, "b", "c"),
		newFake(rec, "c", "a"),
	})
	if !IsKind(err, ErrKindCyclicDependency) {
		t.Fatalf("got %v, want cyclic-dependency", err)
	}
	if got := rec.snapshot(); len(got) != 0 {
		t.Errorf("no plugin should init on a cyclic graph, got %v", got)
	}
}

func TestLoadRejectsUnknownAndDisabledDependencies(t *testing.T) {
	rec := &recorder{}

	err := NewManager(nil).Load(context.Background(), []Plugin{
		newFake(rec, "a", "ghost"),
	})
	if !IsKind(err, ErrKindUnknownDependency) {
		t.Fatalf("unknown dep: got %v", err)
	}

	disabled := newFake(rec, "off")
	disabled.meta.Enabled = false
	err = NewManager(nil).Load(context.Background(), []Plugin{
		disabled,
		newFake(rec, "a", "off"),
	})
	if !IsKind(err, ErrKindUnknownDependency) {
		t.Fatalf("disabled dep: got %v", err)
	}
}

func TestLoadRejectsDuplicateIDs(t *testing.T) {
	rec := &recorder{}
	err := NewManager(nil).Load(context.Background(), []Plugin{
		newFake(rec, "a"),
		newFake(rec, "a"),
	})
	if !IsKind(err, ErrKindDuplicateID) {
		t.Fatalf("got %v, want duplicate-id", err)
	}
}

func TestShutdownReverseOrderOnce(t *testing.T) {
	rec := &recorder{}
	m := NewManager(nil)

	err := m.Load(context.Background(), []Plugin{
		newFake(rec, "a"),
		newFake(rec, "b", "a"),
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	m.Shutdown(context.Background())
	m.Shutdown(context.Background())

	want := []string{"init:a", "init:b", "shutdown:b", "shutdown:a"}
	if got := rec.snapshot(); !equalStrings(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

type hookPlugin struct {
	fakePlugin
	panicOnMessage bool
}

func (p *hookPlugin) OnMessage(msg *proto.Message) {
	if p.panicOnMessage {
		panic("hook panic")
	}
	p.rec.add("msg:" + p.meta.ID + ":" + string(msg.Type))
}

func (p *hookPlugin) OnAgentRegistered(agentID string) {
	p.rec.add("agent-registered:" + p.meta.ID + ":" + agentID)
}

func (p *hookPlugin) OnAgentUnregistered(agentID, reason string) {
	p.rec.add("agent-unregistered:" + p.meta.ID + ":" + agentID)
}

func newHook(rec *recorder, id string, deps ...string) *hookPlugin {
	return &hookPlugin{fakePlugin: *newFake(rec, id, deps...)}
}

func TestHooksDispatchInLoadOrder(t *testing.T) {
	b := bus.New()
	defer b.Close()

	rec := &recorder{}
	m := NewManager(b)
	defer m.Shutdown(context.Background())

	err := m.Load(context.Background(), []Plugin{
		newHook(rec, "first"),
		newHook(rec, "second", "first"),
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	msg := proto.NewMessage(proto.MsgTypeAgentRegistered, "registry", "")
	msg.SetPayload("agent_id", "a1")
	if err := b.Publish(msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	want := []string{
		"init:first", "init:second",
		"msg:first:agent:registered", "agent-registered:first:a1",
		"msg:second:agent:registered", "agent-registered:second:a1",
	}
	if got := rec.snapshot(); !equalStrings(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestPanickingHookIsIsolated(t *testing.T) {
	b := bus.New()
	defer b.Close()

	rec := &recorder{}
	m := NewManager(b)
	defer m.Shutdown(context.Background())

	bad := newHook(rec, "bad")
	bad.panicOnMessage = true
	err := m.Load(context.Background(), []Plugin{bad, newHook(rec, "good")})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	msg := proto.NewMessage(proto.MsgTypeSystemEvent, "test", "")
	if err := b.Publish(msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	want := []string{"init:bad", "init:good", "msg:good:system:event"}
	if got := rec.snapshot(); !equalStrings(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestHooklessPluginSkippedByDispatch(t *testing.T) {
	b := bus.New()
	defer b.Close()

	rec := &recorder{}
	m := NewManager(b)
	defer m.Shutdown(context.Background())

	// "plain" implements no hook interfaces; its absence from every hook set
	// is recorded at load, so dispatch passes over it entirely.
	err := m.Load(context.Background(), []Plugin{
		newFake(rec, "plain"),
		newHook(rec, "hooked"),
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	msg := proto.NewMessage(proto.MsgTypeAgentRegistered, "registry", "")
	msg.SetPayload("agent_id", "a1")
	if err := b.Publish(msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	want := []string{
		"init:plain", "init:hooked",
		"msg:hooked:agent:registered", "agent-registered:hooked:a1",
	}
	if got := rec.snapshot(); !equalStrings(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}
