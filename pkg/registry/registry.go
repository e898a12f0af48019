// Package registry tracks registered agents, their capacity and status.
//
// The registry is the sole writer of agent status and load counters; the
// dispatcher drives them through Reserve/Release and status transitions are
// validated against the agent state machine. Callers receive snapshots, never
// live pointers into registry state.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"agentmesh/pkg/bus"
	"agentmesh/pkg/logx"
	"agentmesh/pkg/proto"
)

// Executor is the uniform capability contract every agent implements.
// The orchestration core never inspects payload contents.
type Executor interface {
	Execute(ctx context.Context, input proto.ExecutionInput) (proto.ExecutionOutput, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, input proto.ExecutionInput) (proto.ExecutionOutput, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, input proto.ExecutionInput) (proto.ExecutionOutput, error) {
	return f(ctx, input)
}

type entry struct {
	agent *proto.Agent
	exec  Executor
}

// Registry is the authoritative in-process store of agent workers.
type Registry struct {
	entries map[string]*entry
	bus     *bus.Bus
	logger  *logx.Logger
	mu      sync.RWMutex
}

// New creates a registry publishing lifecycle events on the given bus.
func New(eventBus *bus.Bus) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		bus:     eventBus,
		logger:  logx.NewLogger("registry"),
	}
}

// Register adds an agent with its executor. It rejects duplicate ids and
// schema violations synchronously and emits agent:registered on success.
// Agents register INACTIVE (or with their declared status) and are moved to
// IDLE immediately since the executor is attached at registration time.
func (r *Registry) Register(agent *proto.Agent, exec Executor) error {
	if agent == nil {
		return fmt.Errorf("register: agent is required")
	}
	if exec == nil {
		return fmt.Errorf("register: executor is required for agent %s", agent.ID)
	}

	stored := agent.Clone()
	if stored.Status == "" {
		stored.Status = proto.AgentStatusInactive
	}
	if stored.RetryPolicy == (proto.RetryPolicy{}) {
		stored.RetryPolicy = proto.DefaultRetryPolicy
	}
	if stored.LastHeartbeat.IsZero() {
		stored.LastHeartbeat = time.Now().UTC()
	}
	if err := stored.Validate(); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	r.mu.Lock()
	if _, exists := r.entries[stored.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("register: agent id %s already exists", stored.ID)
	}
	if stored.Status == proto.AgentStatusInactive {
		stored.Status = proto.AgentStatusIdle
	}
	r.entries[stored.ID] = &entry{agent: stored, exec: exec}
	r.mu.Unlock()

	r.logger.Info("Registered agent %s (%s) with %d capabilities, capacity %d",
		stored.ID, stored.Name, len(stored.Capabilities), stored.MaxConcurrentTasks)

	r.publish(proto.MsgTypeAgentRegistered, stored.ID, map[string]any{
		"agent_id":     stored.ID,
		"name":         stored.Name,
		"capabilities": capabilityNames(stored.Capabilities),
	})
	return nil
}

// Unregister terminates an agent. It fails while the agent has in-flight
// tasks unless force is set. Termination is irreversible.
func (r *Registry) Unregister(id, reason string, force bool) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return &AgentError{Kind: ErrKindNotFound, AgentID: id, Msg: "not registered"}
	}
	if e.agent.CurrentTasks > 0 && !force {
		inflight := e.agent.CurrentTasks
		r.mu.Unlock()
		return &AgentError{
			Kind:    ErrKindAtCapacity,
			AgentID: id,
			Msg:     fmt.Sprintf("%d in-flight tasks; use force to terminate anyway", inflight),
		}
	}
	e.agent.Status = proto.AgentStatusTerminated
	delete(r.entries, id)
	r.mu.Unlock()

	r.logger.Info("Unregistered agent %s: %s", id, reason)

	r.publish(proto.MsgTypeAgentUnregistered, id, map[string]any{
		"agent_id": id,
		"reason":   reason,
		"forced":   force,
	})
	return nil
}

// Select returns up to count agents whose capability set is a superset of
// requirements and that have spare capacity, least-loaded first.
func (r *Registry) Select(requirements []string, count int) ([]*proto.Agent, error) {
	if count <= 0 {
		count = 1
	}

	r.mu.RLock()
	var capable int
	candidates := make([]*proto.Agent, 0, len(r.entries))
	for _, e := range r.entries {
		a := e.agent
		if !a.HasCapabilities(requirements) {
			continue
		}
		capable++
		available := a.Status == proto.AgentStatusIdle ||
			(a.Status == proto.AgentStatusBusy && a.CurrentTasks < a.MaxConcurrentTasks)
		if available {
			candidates = append(candidates, a.Clone())
		}
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		if capable == 0 {
			return nil, &AgentError{
				Kind: ErrKindCapabilityMismatch,
				Msg:  fmt.Sprintf("no agent declares capabilities %v", requirements),
			}
		}
		return nil, &AgentError{
			Kind: ErrKindNotFound,
			Msg:  fmt.Sprintf("no agent with capabilities %v has spare capacity", requirements),
		}
	}

	// Least current load first; ties broken by id for determinism.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CurrentTasks != candidates[j].CurrentTasks {
			return candidates[i].CurrentTasks < candidates[j].CurrentTasks
		}
		return candidates[i].ID < candidates[j].ID
	})

	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates, nil
}

// Get returns a snapshot of an agent.
func (r *Registry) Get(id string) (*proto.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, &AgentError{Kind: ErrKindNotFound, AgentID: id, Msg: "not registered"}
	}
	return e.agent.Clone(), nil
}

// ExecutorFor returns the executor registered for an agent.
func (r *Registry) ExecutorFor(id string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, &AgentError{Kind: ErrKindNotFound, AgentID: id, Msg: "not registered"}
	}
	return e.exec, nil
}

// Reserve claims a task slot on the agent, moving it to BUSY. Only the
// dispatcher's dispatch path calls this.
func (r *Registry) Reserve(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return &AgentError{Kind: ErrKindNotFound, AgentID: id, Msg: "not registered"}
	}
	a := e.agent
	switch a.Status {
	case proto.AgentStatusIdle, proto.AgentStatusBusy:
	default:
		return &AgentError{Kind: ErrKindNotFound, AgentID: id, Msg: fmt.Sprintf("not available (status %s)", a.Status)}
	}
	if a.CurrentTasks >= a.MaxConcurrentTasks {
		return &AgentError{Kind: ErrKindAtCapacity, AgentID: id, Msg: fmt.Sprintf("at capacity %d", a.MaxConcurrentTasks)}
	}

	a.CurrentTasks++
	if a.Status == proto.AgentStatusIdle {
		a.Status = proto.AgentStatusBusy
	}
	return nil
}

// Release returns a task slot, moving the agent back to IDLE when drained.
// Only the dispatcher's completion path calls this.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return // released after forced unregister
	}
	a := e.agent
	if a.CurrentTasks > 0 {
		a.CurrentTasks--
	}
	if a.CurrentTasks == 0 && a.Status == proto.AgentStatusBusy {
		a.Status = proto.AgentStatusIdle
	}
}

// Heartbeat records liveness. An agent in ERROR recovers to IDLE.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return &AgentError{Kind: ErrKindNotFound, AgentID: id, Msg: "not registered"}
	}
	a := e.agent
	a.LastHeartbeat = time.Now().UTC()
	recovered := false
	if a.Status == proto.AgentStatusError {
		a.Status = proto.AgentStatusIdle
		recovered = true
	}
	r.mu.Unlock()

	if recovered {
		r.logger.Info("Agent %s recovered from ERROR", id)
		r.publish(proto.MsgTypeAgentStatus, id, map[string]any{
			"agent_id": id,
			"status":   string(proto.AgentStatusIdle),
		})
	}
	return nil
}

// MarkError transitions an agent to ERROR. TERMINATED agents are untouched.
func (r *Registry) MarkError(id string, cause error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	a := e.agent
	if !a.Status.CanTransitionTo(proto.AgentStatusError) {
		r.mu.Unlock()
		return
	}
	a.Status = proto.AgentStatusError
	r.mu.Unlock()

	r.logger.Warn("Agent %s marked ERROR: %v", id, cause)
	r.publish(proto.MsgTypeAgentStatus, id, map[string]any{
		"agent_id": id,
		"status":   string(proto.AgentStatusError),
		"cause":    fmt.Sprint(cause),
	})
}

// All returns snapshots of every registered agent, ordered by id.
func (r *Registry) All() []*proto.Agent {
	r.mu.RLock()
	agents := make([]*proto.Agent, 0, len(r.entries))
	for _, e := range r.entries {
		agents = append(agents, e.agent.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// RunHealthChecks probes agent liveness every interval until the context is
// cancelled. An agent whose last heartbeat is older than three intervals is
// marked ERROR.
func (r *Registry) RunHealthChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepStale(3 * interval)
		}
	}
}

func (r *Registry) sweepStale(maxAge time.Duration) {
	cutoff := time.Now().UTC().Add(-maxAge)

	r.mu.RLock()
	var stale []string
	for id, e := range r.entries {
		a := e.agent
		if a.LastHeartbeat.Before(cutoff) &&
			(a.Status == proto.AgentStatusIdle || a.Status == proto.AgentStatusBusy) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.MarkError(id, fmt.Errorf("no heartbeat since %s", cutoff.Format(time.RFC3339)))
	}
}

func (r *Registry) publish(msgType proto.MsgType, correlationID string, payload map[string]any) {
	if r.bus == nil {
		return
	}
	msg := proto.NewMessage(msgType, "registry", "")
	msg.CorrelationID = correlationID
	for k, v := range payload {
		msg.SetPayload(k, v)
	}
	if err := r.bus.Publish(msg); err != nil {
		r.logger.Warn("Failed to publish %s: %v", msgType, err)
	}
}

func capabilityNames(caps []proto.Capability) []string {
	names := make([]string, len(caps))
	for i := range caps {
		names[i] = caps[i].Name
	}
	return names
}
