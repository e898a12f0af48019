package proto

import "time"

// ExecutionInput is the uniform request shape handed to every agent.
// The payload is opaque to the orchestration core.
type ExecutionInput struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
	// Context carries caller-provided metadata (trace ids, session info).
	Context map[string]any `json:"context,omitempty"`
	// Constraints carries caller-provided limits the agent may honor.
	Constraints map[string]any `json:"constraints,omitempty"`
}

// NewExecutionInput creates an input with a fresh id and UTC timestamp.
func NewExecutionInput(payload map[string]any) ExecutionInput {
	return ExecutionInput{
		ID:        NewID(),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// ExecutionOutput is the uniform response shape returned by every agent.
// Its ID always matches the input's ID.
type ExecutionOutput struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Payload   map[string]any `json:"payload,omitempty"`
	Errors    []string       `json:"errors,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
}

// PluginMeta identifies an extension module and its declared dependencies.
type PluginMeta struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
	// DependsOn lists plugin ids that must initialize before this one.
	DependsOn []string `json:"depends_on,omitempty" yaml:"dependsOn"`
}
