package main

import (
	"context"
	"fmt"

	"agentmesh/pkg/config"
	"agentmesh/pkg/eventlog"
	"agentmesh/pkg/journal"
	"agentmesh/pkg/logx"
	"agentmesh/pkg/plugin"
	"agentmesh/pkg/proto"
)

// The JSONL event log and the SQLite journal ship as plugins so they
// participate in dependency-ordered init, hook dispatch, and rollback.
// Config-declared plugins are resolved against this built-in set.

func buildPlugins(cfg *config.Config) ([]plugin.Plugin, error) {
	constructors := map[string]func(meta proto.PluginMeta) plugin.Plugin{
		"eventlog": func(meta proto.PluginMeta) plugin.Plugin {
			return newEventlogPlugin(meta, cfg.EventLog.Dir)
		},
		"journal": func(meta proto.PluginMeta) plugin.Plugin {
			return newJournalPlugin(meta, cfg.Journal.Path)
		},
	}

	metas := make([]proto.PluginMeta, 0, len(cfg.Plugins)+2)
	declared := make(map[string]bool, len(cfg.Plugins))
	for _, meta := range cfg.Plugins {
		declared[meta.ID] = true
		metas = append(metas, meta)
	}
	if cfg.EventLog.Enabled && !declared["eventlog"] {
		metas = append(metas, builtinMeta("eventlog", "JSONL event log"))
	}
	if cfg.Journal.Enabled && !declared["journal"] {
		metas = append(metas, builtinMeta("journal", "SQLite message journal"))
	}

	plugins := make([]plugin.Plugin, 0, len(metas))
	for _, meta := range metas {
		build, ok := constructors[meta.ID]
		if !ok {
			return nil, fmt.Errorf("unknown plugin %q in config", meta.ID)
		}
		plugins = append(plugins, build(meta))
	}
	return plugins, nil
}

func builtinMeta(id, name string) proto.PluginMeta {
	return proto.PluginMeta{ID: id, Name: name, Version: "1.0.0", Enabled: true}
}

// eventlogPlugin appends every bus message to a date-rotated JSONL file.
type eventlogPlugin struct {
	meta   proto.PluginMeta
	dir    string
	writer *eventlog.Writer
	logger *logx.Logger
}

func newEventlogPlugin(meta proto.PluginMeta, dir string) *eventlogPlugin {
	return &eventlogPlugin{meta: meta, dir: dir, logger: logx.NewLogger("eventlog-plugin")}
}

func (p *eventlogPlugin) Meta() proto.PluginMeta { return p.meta }

func (p *eventlogPlugin) Init(_ context.Context) error {
	w, err := eventlog.NewWriter(p.dir)
	if err != nil {
		return fmt.Errorf("failed to open event log in %s: %w", p.dir, err)
	}
	p.writer = w
	return nil
}

func (p *eventlogPlugin) Shutdown(_ context.Context) error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func (p *eventlogPlugin) OnMessage(msg *proto.Message) {
	if p.writer == nil {
		return
	}
	if err := p.writer.Write(msg); err != nil {
		p.logger.Warn("Failed to append %s message: %v", msg.Type, err)
	}
}

// journalPlugin records every bus message in the SQLite journal for
// after-the-fact correlation queries.
type journalPlugin struct {
	meta    proto.PluginMeta
	path    string
	journal *journal.Journal
	logger  *logx.Logger
}

func newJournalPlugin(meta proto.PluginMeta, path string) *journalPlugin {
	return &journalPlugin{meta: meta, path: path, logger: logx.NewLogger("journal-plugin")}
}

func (p *journalPlugin) Meta() proto.PluginMeta { return p.meta }

func (p *journalPlugin) Init(_ context.Context) error {
	j, err := journal.Open(p.path)
	if err != nil {
		return fmt.Errorf("failed to open journal at %s: %w", p.path, err)
	}
	p.journal = j
	return nil
}

func (p *journalPlugin) Shutdown(_ context.Context) error {
	if p.journal == nil {
		return nil
	}
	return p.journal.Close()
}

func (p *journalPlugin) OnMessage(msg *proto.Message) {
	if p.journal == nil {
		return
	}
	if err := p.journal.Append(context.Background(), msg); err != nil {
		p.logger.Warn("Failed to journal %s message: %v", msg.Type, err)
	}
}
