package proto

import (
	"fmt"
	"math"
	"time"
)

// AgentStatus is the lifecycle state of a registered agent worker.
type AgentStatus string

const (
	AgentStatusInactive   AgentStatus = "INACTIVE"
	AgentStatusIdle       AgentStatus = "IDLE"
	AgentStatusBusy       AgentStatus = "BUSY"
	AgentStatusError      AgentStatus = "ERROR"
	AgentStatusTerminated AgentStatus = "TERMINATED"
)

// agentTransitions is the valid agent state machine. TERMINATED is terminal.
//
//nolint:gochecknoglobals // Static transition table
var agentTransitions = map[AgentStatus][]AgentStatus{
	AgentStatusInactive: {AgentStatusIdle, AgentStatusTerminated},
	AgentStatusIdle:     {AgentStatusBusy, AgentStatusError, AgentStatusTerminated},
	AgentStatusBusy:     {AgentStatusIdle, AgentStatusError, AgentStatusTerminated},
	AgentStatusError:    {AgentStatusIdle, AgentStatusTerminated},
}

// CanTransitionTo reports whether the status may move to next.
func (s AgentStatus) CanTransitionTo(next AgentStatus) bool {
	for _, allowed := range agentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusInactive, AgentStatusIdle, AgentStatusBusy, AgentStatusError, AgentStatusTerminated:
		return true
	default:
		return false
	}
}

// Capability is a named, versioned ability an agent claims to provide.
type Capability struct {
	Name    string         `json:"name"`
	Version string         `json:"version"`
	Params  map[string]any `json:"params,omitempty"`
}

// RetryPolicy controls backoff between retry attempts.
type RetryPolicy struct {
	MaxRetries    int           `json:"max_retries" yaml:"maxRetries"`
	BaseDelay     time.Duration `json:"base_delay" yaml:"baseDelay"`
	MaxDelay      time.Duration `json:"max_delay" yaml:"maxDelay"`
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoffFactor"`
}

// DefaultRetryPolicy is applied when neither the task nor the agent sets one.
//
//nolint:gochecknoglobals // Shared default, copied by value
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:    3,
	BaseDelay:     100 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
}

// NextDelay returns the backoff before the attempt following retryCount
// failures: min(baseDelay * backoffFactor^retryCount, maxDelay).
func (p RetryPolicy) NextDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(factor, float64(retryCount)))
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		delay = p.MaxDelay
	}
	return delay
}

// Validate checks retry policy bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must be non-negative, got %d", p.MaxRetries)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("baseDelay must be non-negative, got %v", p.BaseDelay)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("maxDelay must be non-negative, got %v", p.MaxDelay)
	}
	if p.BackoffFactor < 1 {
		return fmt.Errorf("backoffFactor must be >= 1, got %v", p.BackoffFactor)
	}
	return nil
}

// Agent describes a registered worker. The registry is the sole writer of
// Status and CurrentTasks; everyone else reads snapshots.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Capabilities is ordered as declared at registration.
	Capabilities []Capability `json:"capabilities"`
	Status       AgentStatus  `json:"status"`
	// MaxConcurrentTasks bounds CurrentTasks at all times.
	MaxConcurrentTasks int         `json:"max_concurrent_tasks"`
	CurrentTasks       int         `json:"current_tasks"`
	RetryPolicy        RetryPolicy `json:"retry_policy"`
	LastHeartbeat      time.Time   `json:"last_heartbeat"`
}

// Validate checks registration invariants.
func (a *Agent) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if a.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if a.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("agent %s: max concurrent tasks must be positive, got %d", a.ID, a.MaxConcurrentTasks)
	}
	if a.CurrentTasks < 0 || a.CurrentTasks > a.MaxConcurrentTasks {
		return fmt.Errorf("agent %s: current tasks %d out of range [0,%d]", a.ID, a.CurrentTasks, a.MaxConcurrentTasks)
	}
	if a.Status != "" && !a.Status.Valid() {
		return fmt.Errorf("agent %s: unknown status %s", a.ID, a.Status)
	}
	for i := range a.Capabilities {
		if a.Capabilities[i].Name == "" {
			return fmt.Errorf("agent %s: capability %d has no name", a.ID, i)
		}
	}
	if err := a.RetryPolicy.Validate(); err != nil {
		return fmt.Errorf("agent %s: %w", a.ID, err)
	}
	return nil
}

// HasCapabilities reports whether the agent's capability set is a superset
// of the required names.
func (a *Agent) HasCapabilities(required []string) bool {
	for _, name := range required {
		found := false
		for i := range a.Capabilities {
			if a.Capabilities[i].Name == name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Clone returns a copy safe for callers to hold.
func (a *Agent) Clone() *Agent {
	clone := *a
	clone.Capabilities = append([]Capability(nil), a.Capabilities...)
	return &clone
}
