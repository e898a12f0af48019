// Package echo provides a trivial reference agent that returns its input
// payload unchanged. Useful for wiring checks and dispatch tests.
package echo

import (
	"context"
	"time"

	"agentmesh/pkg/proto"
)

// Capability is the capability name the echo agent declares.
const Capability = "echo"

// Agent echoes the execution payload back as its result.
type Agent struct {
	// Delay, when set, simulates work before responding.
	Delay time.Duration
}

// New creates an echo agent.
func New() *Agent {
	return &Agent{}
}

// Execute returns the input payload unchanged.
func (a *Agent) Execute(ctx context.Context, input proto.ExecutionInput) (proto.ExecutionOutput, error) {
	if a.Delay > 0 {
		select {
		case <-time.After(a.Delay):
		case <-ctx.Done():
			return proto.ExecutionOutput{}, ctx.Err()
		}
	}
	return proto.ExecutionOutput{
		ID:        input.ID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Payload:   input.Payload,
	}, nil
}

// Definition returns the registry entry for an echo agent with the given id.
func Definition(id string) *proto.Agent {
	return &proto.Agent{
		ID:                 id,
		Name:               "Echo Agent",
		Capabilities:       []proto.Capability{{Name: Capability, Version: "1.0"}},
		MaxConcurrentTasks: 4,
	}
}
