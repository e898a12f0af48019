package registry

import (
	"errors"
	"fmt"
)

// ErrorKind classifies agent errors for callers that branch on failure mode.
type ErrorKind string

const (
	// ErrKindNotFound means no registered agent matched.
	ErrKindNotFound ErrorKind = "not-found"
	// ErrKindAtCapacity means the agent has no spare task slots.
	ErrKindAtCapacity ErrorKind = "at-capacity"
	// ErrKindCapabilityMismatch means required capabilities are not declared.
	ErrKindCapabilityMismatch ErrorKind = "capability-mismatch"
)

// AgentError is the typed failure returned by registry operations.
type AgentError struct {
	Kind    ErrorKind
	AgentID string
	Msg     string
}

func (e *AgentError) Error() string {
	if e.AgentID != "" {
		return fmt.Sprintf("agent %s: %s (%s)", e.AgentID, e.Msg, e.Kind)
	}
	return fmt.Sprintf("%s (%s)", e.Msg, e.Kind)
}

// IsNotFound reports whether err is an agent-not-found failure.
func IsNotFound(err error) bool {
	var agentErr *AgentError
	return errors.As(err, &agentErr) && agentErr.Kind == ErrKindNotFound
}

// IsAtCapacity reports whether err is an at-capacity failure.
func IsAtCapacity(err error) bool {
	var agentErr *AgentError
	return errors.As(err, &agentErr) && agentErr.Kind == ErrKindAtCapacity
}

// IsCapabilityMismatch reports whether err is a capability-mismatch failure.
func IsCapabilityMismatch(err error) bool {
	var agentErr *AgentError
	return errors.As(err, &agentErr) && agentErr.Kind == ErrKindCapabilityMismatch
}
