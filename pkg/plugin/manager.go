package plugin

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"agentmesh/pkg/bus"
	"agentmesh/pkg/logx"
	"agentmesh/pkg/proto"
)

// Manager owns the plugin set lifecycle.
type Manager struct {
	logger *logx.Logger
	bus    *bus.Bus

	mu       sync.Mutex
	loaded   []*loadedPlugin // initialization order
	sub      *bus.Subscription
	shutDown bool
}

// loadedPlugin records which hook interfaces a plugin implements, detected
// once at load time so dispatch never type-asserts per event.
type loadedPlugin struct {
	plugin   Plugin
	id       string
	messages MessageHook
	agents   AgentHook
	tasks    TaskHook
}

func newLoadedPlugin(p Plugin) *loadedPlugin {
	lp := &loadedPlugin{plugin: p, id: p.Meta().ID}
	lp.messages, _ = p.(MessageHook)
	lp.agents, _ = p.(AgentHook)
	lp.tasks, _ = p.(TaskHook)
	return lp
}

// NewManager creates a manager that dispatches bus traffic to plugin hooks.
func NewManager(eventBus *bus.Bus) *Manager {
	return &Manager{
		logger: logx.NewLogger("plugin"),
		bus:    eventBus,
	}
}

// Load initializes the given plugins in dependency order. Plugins whose meta
// marks them disabled are skipped; depending on a disabled or unknown plugin
// is an error. When a plugin's Init fails, every plugin initialized so far is
// shut down in reverse order and the init failure is returned.
func (m *Manager) Load(ctx context.Context, plugins []Plugin) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.loaded) > 0 {
		return fmt.Errorf("plugin manager already loaded")
	}

	enabled, err := filterEnabled(plugins)
	if err != nil {
		return err
	}
	ordered, err := sortByDependency(enabled)
	if err != nil {
		return err
	}

	for _, p := range ordered {
		meta := p.Meta()
		if err := p.Init(ctx); err != nil {
			m.logger.Error("Plugin %s init failed, rolling back %d plugins: %v",
				meta.ID, len(m.loaded), err)
			m.rollbackLocked(ctx)
			return &PluginError{Kind: ErrKindInitFailure, PluginID: meta.ID, Err: err}
		}
		m.loaded = append(m.loaded, newLoadedPlugin(p))
		m.logger.Info("Initialized plugin %s v%s", meta.ID, meta.Version)
	}

	if m.bus != nil && len(m.loaded) > 0 {
		sub, err := m.bus.Subscribe(bus.Filter{}, m.dispatch)
		if err != nil {
			m.rollbackLocked(ctx)
			return fmt.Errorf("plugin manager: subscribe: %w", err)
		}
		m.sub = sub
	}
	return nil
}

// Shutdown stops every loaded plugin in reverse initialization order. It is
// idempotent; shutdown errors are logged and do not stop the sequence.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutDown {
		return
	}
	m.shutDown = true

	if m.sub != nil && m.bus != nil {
		m.bus.Unsubscribe(m.sub)
		m.sub = nil
	}
	m.rollbackLocked(ctx)
}

// Loaded returns the ids of successfully initialized plugins in
// initialization order.
func (m *Manager) Loaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, len(m.loaded))
	for i, lp := range m.loaded {
		ids[i] = lp.id
	}
	return ids
}

func (m *Manager) rollbackLocked(ctx context.Context) {
	for i := len(m.loaded) - 1; i >= 0; i-- {
		lp := m.loaded[i]
		if err := lp.plugin.Shutdown(ctx); err != nil {
			m.logger.Warn("Plugin %s shutdown failed: %v", lp.id, err)
		}
	}
	m.loaded = nil
}

// dispatch fans a bus message out to the hook interfaces each plugin
// implements, in initialization order. A panicking hook is isolated so the
// rest of the chain still runs.
func (m *Manager) dispatch(msg *proto.Message) {
	m.mu.Lock()
	plugins := make([]*loadedPlugin, len(m.loaded))
	copy(plugins, m.loaded)
	m.mu.Unlock()

	for _, lp := range plugins {
		m.invoke(lp, msg)
	}
}

func (m *Manager) invoke(lp *loadedPlugin, msg *proto.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("Plugin %s hook panicked on %s: %v", lp.id, msg.Type, r)
		}
	}()

	if lp.messages != nil {
		lp.messages.OnMessage(msg)
	}

	switch msg.Type {
	case proto.MsgTypeAgentRegistered:
		if lp.agents != nil {
			lp.agents.OnAgentRegistered(stringField(msg, "agent_id"))
		}
	case proto.MsgTypeAgentUnregistered:
		if lp.agents != nil {
			lp.agents.OnAgentUnregistered(stringField(msg, "agent_id"), stringField(msg, "reason"))
		}
	case proto.MsgTypeExecutionStart:
		if lp.tasks != nil {
			lp.tasks.OnExecutionStart(stringField(msg, "task_id"), stringField(msg, "agent_id"))
		}
	case proto.MsgTypeExecutionComplete, proto.MsgTypeExecutionError:
		if lp.tasks != nil {
			lp.tasks.OnExecutionComplete(stringField(msg, "task_id"), stringField(msg, "agent_id"),
				msg.Type == proto.MsgTypeExecutionComplete)
		}
	}
}

func stringField(msg *proto.Message, key string) string {
	if v, ok := msg.GetPayload(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func filterEnabled(plugins []Plugin) ([]Plugin, error) {
	seen := make(map[string]bool, len(plugins))
	disabled := make(map[string]bool)
	enabled := make([]Plugin, 0, len(plugins))

	for _, p := range plugins {
		meta := p.Meta()
		if meta.ID == "" {
			return nil, &PluginError{Kind: ErrKindDuplicateID, PluginID: "", Msg: "empty plugin id"}
		}
		if seen[meta.ID] {
			return nil, &PluginError{Kind: ErrKindDuplicateID, PluginID: meta.ID}
		}
		seen[meta.ID] = true
		if !meta.Enabled {
			disabled[meta.ID] = true
			continue
		}
		enabled = append(enabled, p)
	}

	for _, p := range enabled {
		meta := p.Meta()
		for _, dep := range meta.DependsOn {
			if disabled[dep] {
				return nil, &PluginError{
					Kind:     ErrKindUnknownDependency,
					PluginID: meta.ID,
					Msg:      fmt.Sprintf("dependency %s is disabled", dep),
				}
			}
			if !seen[dep] {
				return nil, &PluginError{
					Kind:     ErrKindUnknownDependency,
					PluginID: meta.ID,
					Msg:      fmt.Sprintf("dependency %s is not registered", dep),
				}
			}
		}
	}
	return enabled, nil
}

// sortByDependency orders plugins so dependencies precede dependents,
// preserving declaration order among independent plugins. Cycles are
// detected by the visiting/visited coloring of the DFS.
func sortByDependency(plugins []Plugin) ([]Plugin, error) {
	byID := make(map[string]Plugin, len(plugins))
	for _, p := range plugins {
		byID[p.Meta().ID] = p
	}

	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // done
	)
	color := make(map[string]int, len(plugins))
	ordered := make([]Plugin, 0, len(plugins))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return &PluginError{
				Kind:     ErrKindCyclicDependency,
				PluginID: id,
				Msg:      strings.Join(append(path, id), " -> "),
			}
		}
		color[id] = gray
		path = append(path, id)
		for _, dep := range byID[id].Meta().DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		ordered = append(ordered, byID[id])
		return nil
	}

	for _, p := range plugins {
		if err := visit(p.Meta().ID); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
