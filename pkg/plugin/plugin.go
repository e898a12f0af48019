// Package plugin loads extension components in dependency order and fans
// lifecycle events out to the hooks they implement.
//
// A plugin declares its identity and dependencies through Meta. The manager
// initializes dependencies before dependents, rolls back already-initialized
// plugins in reverse order when an Init fails, and shuts the set down in
// reverse initialization order. Hooks are optional capabilities discovered
// by interface assertion.
package plugin

import (
	"context"

	"agentmesh/pkg/proto"
)

// Plugin is the contract every extension implements.
type Plugin interface {
	// Meta returns the plugin's identity, version and declared dependencies.
	Meta() proto.PluginMeta
	// Init prepares the plugin for use. All declared dependencies are
	// initialized before Init is called.
	Init(ctx context.Context) error
	// Shutdown releases the plugin's resources. Called at most once, in
	// reverse initialization order.
	Shutdown(ctx context.Context) error
}

// AgentHook receives agent registry lifecycle notifications.
type AgentHook interface {
	OnAgentRegistered(agentID string)
	OnAgentUnregistered(agentID, reason string)
}

// TaskHook receives task execution lifecycle notifications.
type TaskHook interface {
	OnExecutionStart(taskID, agentID string)
	OnExecutionComplete(taskID, agentID string, success bool)
}

// MessageHook receives every message published on the bus.
type MessageHook interface {
	OnMessage(msg *proto.Message)
}
