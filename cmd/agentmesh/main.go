// Command agentmesh runs the orchestration core: it loads configuration,
// wires the bus, registry, dispatcher and plugins, registers the built-in
// agents, and serves metrics until signalled to stop.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentmesh/pkg/agents/chat"
	"agentmesh/pkg/agents/echo"
	"agentmesh/pkg/bus"
	"agentmesh/pkg/cache"
	"agentmesh/pkg/config"
	"agentmesh/pkg/dispatch"
	"agentmesh/pkg/logx"
	"agentmesh/pkg/metrics"
	"agentmesh/pkg/plugin"
	"agentmesh/pkg/proto"
	"agentmesh/pkg/registry"
)

const shutdownGrace = 15 * time.Second

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the YAML config file")
	flag.Parse()

	if err := run(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "agentmesh: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logx.Configure(cfg.Logging.Level, cfg.Logging.Format)
	logger := logx.NewLogger("main")

	recorder := metrics.NewRecorder()
	eventBus := bus.New(
		bus.WithMaxSubscriptions(cfg.Bus.MaxSubscriptions),
		bus.WithHandlerTimeout(cfg.Bus.HandlerTimeout.Std()),
		bus.WithDeliveryObserver(recorder.BusDelivery),
	)
	defer eventBus.Close()

	publish(eventBus, proto.MsgTypeInitializing, nil)

	reg := registry.New(eventBus)
	healthCtx, stopHealth := context.WithCancel(context.Background())
	defer stopHealth()
	go reg.RunHealthChecks(healthCtx, cfg.HealthCheckInterval.Std())

	opts := []dispatch.Option{dispatch.WithMetrics(recorder)}
	if cfg.Cache.Enabled {
		opts = append(opts, dispatch.WithCache(cache.New(cfg.Cache.MaxEntries)))
		logger.Info("Execution cache enabled (%d entries)", cfg.Cache.MaxEntries)
	}
	dispatcher := dispatch.New(cfg, reg, eventBus, opts...)

	manager := plugin.NewManager(eventBus)
	plugins, err := buildPlugins(cfg)
	if err != nil {
		return err
	}
	if err := manager.Load(context.Background(), plugins); err != nil {
		return fmt.Errorf("plugin load failed: %w", err)
	}
	defer manager.Shutdown(context.Background())

	if err := registerAgents(reg, logger); err != nil {
		return err
	}

	srv := serveMetrics(cfg.Metrics.ListenAddr, reg, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	publish(eventBus, proto.MsgTypeReady, map[string]any{
		"agents":  reg.Count(),
		"plugins": len(manager.Loaded()),
	})
	logger.Info("agentmesh ready: %d agents, %d plugins", reg.Count(), len(manager.Loaded()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received %s, shutting down", sig)

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := dispatcher.Shutdown(drainCtx); err != nil {
		logger.Warn("Dispatcher drain incomplete: %v", err)
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

func registerAgents(reg *registry.Registry, logger *logx.Logger) error {
	if err := reg.Register(echo.Definition("echo-agent"), echo.New()); err != nil {
		return fmt.Errorf("failed to register echo agent: %w", err)
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		logger.Info("ANTHROPIC_API_KEY not set, chat agent disabled")
		return nil
	}
	if err := reg.Register(chat.Definition("chat-agent"), chat.New(apiKey)); err != nil {
		return fmt.Errorf("failed to register chat agent: %w", err)
	}
	return nil
}

func serveMetrics(addr string, reg *registry.Registry, logger *logx.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","agents":%d}`, reg.Count())
	})
	mux.HandleFunc("/logz", func(w http.ResponseWriter, r *http.Request) {
		var since time.Time
		if s := r.URL.Query().Get("since"); s != "" {
			if ts, err := time.Parse(time.RFC3339, s); err == nil {
				since = ts
			}
		}
		entries := logx.RecentEntries(r.URL.Query().Get("component"), since)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(entries)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed: %v", err)
		}
	}()
	logger.Info("Metrics listening on %s", addr)
	return srv
}

func publish(b *bus.Bus, msgType proto.MsgType, payload map[string]any) {
	msg := proto.NewMessage(msgType, "main", "")
	for k, v := range payload {
		msg.SetPayload(k, v)
	}
	_ = b.Publish(msg)
}
