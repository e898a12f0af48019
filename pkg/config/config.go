// Package config provides configuration loading and validation for the
// orchestration core.
//
// KEY PRINCIPLES:
//
//  1. VALIDATION FIRST: a config is validated before it is handed out;
//     invalid files are rejected at load time, not at first use.
//  2. VALUE-BASED ACCESS: Load returns the config by value semantics —
//     callers get their own copy and cannot mutate shared state.
//  3. NO RUNTIME STATE: dispatch counters, task history and similar state
//     never live here; config holds only user-settable options.
//
// Files are YAML with ${ENV_VAR} substitution applied before parsing.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"agentmesh/pkg/proto"
)

// Defaults applied to unset options.
const (
	DefaultMaxConcurrentTasks  = 10
	DefaultTaskTimeout         = 30 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultCacheMaxEntries     = 1024
	DefaultMaxSubscriptions    = 256
	DefaultHandlerTimeout      = 5 * time.Second
	DefaultMetricsListenAddr   = ":9090"
)

// Duration wraps time.Duration so YAML values like "100ms" parse naturally.
type Duration time.Duration

// UnmarshalYAML parses either a duration string ("2s") or integer nanoseconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var asString string
	if err := node.Decode(&asString); err == nil {
		parsed, perr := time.ParseDuration(asString)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", asString, perr)
		}
		*d = Duration(parsed)
		return nil
	}

	var asInt int64
	if err := node.Decode(&asInt); err != nil {
		return fmt.Errorf("duration must be a string or integer: %w", err)
	}
	*d = Duration(asInt)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RetryPolicyConfig is the retryPolicy config section.
type RetryPolicyConfig struct {
	MaxRetries    int      `yaml:"maxRetries"`
	BaseDelay     Duration `yaml:"baseDelay"`
	MaxDelay      Duration `yaml:"maxDelay"`
	BackoffFactor float64  `yaml:"backoffFactor"`
}

// Policy converts the section into the shared retry policy type.
func (r RetryPolicyConfig) Policy() proto.RetryPolicy {
	return proto.RetryPolicy{
		MaxRetries:    r.MaxRetries,
		BaseDelay:     r.BaseDelay.Std(),
		MaxDelay:      r.MaxDelay.Std(),
		BackoffFactor: r.BackoffFactor,
	}
}

// LoggingConfig controls diagnostic verbosity and encoding. It has no
// behavioral effect on dispatch.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CacheConfig gates the execution result cache.
type CacheConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxEntries int  `yaml:"maxEntries"`
}

// BusConfig bounds the message bus.
type BusConfig struct {
	MaxSubscriptions int      `yaml:"maxSubscriptions"`
	HandlerTimeout   Duration `yaml:"handlerTimeout"`
}

// EventLogConfig gates the JSONL message journal.
type EventLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// JournalConfig gates the SQLite lifecycle-event journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

// Config is the full recognized option surface.
type Config struct {
	MaxConcurrentTasks  int               `yaml:"maxConcurrentTasks"`
	TaskTimeout         Duration          `yaml:"taskTimeout"`
	HealthCheckInterval Duration          `yaml:"healthCheckInterval"`
	RetryPolicy         RetryPolicyConfig `yaml:"retryPolicy"`
	Logging             LoggingConfig     `yaml:"logging"`
	Cache               CacheConfig       `yaml:"cache"`
	Bus                 BusConfig         `yaml:"bus"`
	EventLog            EventLogConfig    `yaml:"eventLog"`
	Journal             JournalConfig     `yaml:"journal"`
	Metrics             MetricsConfig     `yaml:"metrics"`
	// Plugins is handed to the plugin manager in declaration order.
	Plugins []proto.PluginMeta `yaml:"plugins"`
}

// Default returns a config populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads, substitutes environment variables into, parses, and validates
// a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses and validates raw YAML config bytes.
func Parse(data []byte) (*Config, error) {
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrentTasks == 0 {
		c.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = Duration(DefaultTaskTimeout)
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = Duration(DefaultHealthCheckInterval)
	}
	if c.RetryPolicy == (RetryPolicyConfig{}) {
		def := proto.DefaultRetryPolicy
		c.RetryPolicy = RetryPolicyConfig{
			MaxRetries:    def.MaxRetries,
			BaseDelay:     Duration(def.BaseDelay),
			MaxDelay:      Duration(def.MaxDelay),
			BackoffFactor: def.BackoffFactor,
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = DefaultCacheMaxEntries
	}
	if c.Bus.MaxSubscriptions == 0 {
		c.Bus.MaxSubscriptions = DefaultMaxSubscriptions
	}
	if c.Bus.HandlerTimeout == 0 {
		c.Bus.HandlerTimeout = Duration(DefaultHandlerTimeout)
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = DefaultMetricsListenAddr
	}
}

// Validate rejects configs that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("maxConcurrentTasks must be positive, got %d", c.MaxConcurrentTasks)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("taskTimeout must be positive, got %v", c.TaskTimeout.Std())
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("healthCheckInterval must be positive, got %v", c.HealthCheckInterval.Std())
	}
	if err := c.RetryPolicy.Policy().Validate(); err != nil {
		return fmt.Errorf("retryPolicy: %w", err)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.maxEntries must be positive, got %d", c.Cache.MaxEntries)
	}
	if c.Bus.MaxSubscriptions <= 0 {
		return fmt.Errorf("bus.maxSubscriptions must be positive, got %d", c.Bus.MaxSubscriptions)
	}
	if c.Bus.HandlerTimeout <= 0 {
		return fmt.Errorf("bus.handlerTimeout must be positive, got %v", c.Bus.HandlerTimeout.Std())
	}
	if c.EventLog.Enabled && c.EventLog.Dir == "" {
		return fmt.Errorf("eventLog.dir is required when eventLog is enabled")
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when journal is enabled")
	}

	seen := make(map[string]bool, len(c.Plugins))
	for i := range c.Plugins {
		p := &c.Plugins[i]
		if p.ID == "" {
			return fmt.Errorf("plugins[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("plugins[%d]: duplicate plugin id %s", i, p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}
