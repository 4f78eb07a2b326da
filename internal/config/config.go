// Package config loads and validates application configuration from YAML
// files and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/statelinehq/stateline/model"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig                 `yaml:"server"`
	Definitions   DefinitionsConfig            `yaml:"definitions"`
	Store         StoreConfig                  `yaml:"store"`
	Redis         RedisConfig                  `yaml:"redis"`
	Resilience    ResilienceConfig             `yaml:"resilience"`
	Idempotency   IdempotencyConfig            `yaml:"idempotency"`
	Scheduler     SchedulerConfig              `yaml:"scheduler"`
	SLA           SLAConfig                    `yaml:"sla"`
	Bus           BusConfig                    `yaml:"bus"`
	Policies      map[string]model.StatePolicy `yaml:"policies"`
	Observability ObservabilityConfig          `yaml:"observability"`
}

// ServerConfig describes HTTP server settings for the operational surface.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefinitionsConfig locates the workflow definition YAML files loaded at
// startup.
type DefinitionsConfig struct {
	Dir string `yaml:"dir"`
}

// StoreConfig describes instance/job persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"` // "postgres" or "memory"
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig describes the Redis connection used by the stream log,
// broadcast channel, and idempotency store.
type RedisConfig struct {
	AddrEnv string `yaml:"addr_env"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
}

// ResilienceConfig describes the default retry and breaker settings applied
// to engine mutations and escalation delivery.
type ResilienceConfig struct {
	Retries              int           `yaml:"retries"`
	BackoffType          string        `yaml:"backoff_type"` // "exponential" or "linear"
	BackoffBase          time.Duration `yaml:"backoff_base"`
	BackoffMax           time.Duration `yaml:"backoff_max"`
	Jitter               float64       `yaml:"jitter"`
	FailureThreshold     int           `yaml:"failure_threshold"`
	OpenDuration         time.Duration `yaml:"open_duration"`
	HalfOpenMaxSuccesses int           `yaml:"half_open_max_successes"`
	HalfOpenMaxTrials    int           `yaml:"half_open_max_trials"`
}

// IdempotencyConfig describes the idempotency reservation cache.
type IdempotencyConfig struct {
	Driver     string        `yaml:"driver"` // "redis" or "memory"
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// SchedulerConfig describes the durable job queue and worker pool.
type SchedulerConfig struct {
	Workers         int            `yaml:"workers"`
	PollInterval    time.Duration  `yaml:"poll_interval"`
	AttemptTimeout  time.Duration  `yaml:"attempt_timeout"`
	DefaultAttempts int            `yaml:"default_attempts"`
	AttemptBudgets  map[string]int `yaml:"attempt_budgets"`
	AutomationCron  string         `yaml:"automation_cron"`
	OutboxCron      string         `yaml:"outbox_cron"`
}

// SLAConfig describes the SLA monitor and stuck-workflow detector.
type SLAConfig struct {
	ScanInterval   time.Duration `yaml:"scan_interval"`
	StuckThreshold time.Duration `yaml:"stuck_threshold"`
	DedupWindow    time.Duration `yaml:"dedup_window"`
}

// BusConfig describes the event fan-out transports.
type BusConfig struct {
	StreamKey     string        `yaml:"stream_key"`
	BroadcastChan string        `yaml:"broadcast_channel"`
	SeenTTL       time.Duration `yaml:"seen_ttl"`
	DispatchBuf   int           `yaml:"dispatch_buffer"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Floors enforced on operator-supplied intervals. A scan running more often
// than this gains nothing and hammers the store.
const (
	MinSLAScanInterval = 5 * time.Second
	MinPollInterval    = 100 * time.Millisecond
)

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Definitions: DefinitionsConfig{
			Dir: "definitions",
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "STATELINE_STORE_DSN",
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			AddrEnv: "STATELINE_REDIS_ADDR",
		},
		Resilience: ResilienceConfig{
			Retries:              5,
			BackoffType:          "exponential",
			BackoffBase:          200 * time.Millisecond,
			BackoffMax:           5 * time.Second,
			Jitter:               0.2,
			FailureThreshold:     5,
			OpenDuration:         30 * time.Second,
			HalfOpenMaxSuccesses: 2,
			HalfOpenMaxTrials:    3,
		},
		Idempotency: IdempotencyConfig{
			Driver:     "memory",
			DefaultTTL: 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Workers:         4,
			PollInterval:    time.Second,
			AttemptTimeout:  30 * time.Second,
			DefaultAttempts: 3,
			AutomationCron:  "@every 30s",
			OutboxCron:      "@every 5s",
		},
		SLA: SLAConfig{
			ScanInterval:   time.Minute,
			StuckThreshold: 6 * time.Hour,
			DedupWindow:    time.Hour,
		},
		Bus: BusConfig{
			StreamKey:     "stateline:events",
			BroadcastChan: "stateline:broadcast",
			SeenTTL:       time.Hour,
			DispatchBuf:   1024,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	cfg.clampFloors()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Store.Driver != "postgres" && c.Store.Driver != "memory" {
		errs = append(errs, "store.driver must be \"postgres\" or \"memory\"")
	}
	switch c.Resilience.BackoffType {
	case "exponential", "linear":
	default:
		errs = append(errs, "resilience.backoff_type must be \"exponential\" or \"linear\"")
	}
	if c.Resilience.Jitter < 0 || c.Resilience.Jitter >= 1 {
		errs = append(errs, "resilience.jitter must be in [0, 1)")
	}
	for name, pol := range c.Policies {
		if pol.SLA != nil && pol.SLA.BreachSeconds <= 0 {
			errs = append(errs, fmt.Sprintf("policies.%s.sla.breach_seconds must be positive", name))
		}
		if pol.AutoTransition != nil && pol.AutoTransition.Event == "" {
			errs = append(errs, fmt.Sprintf("policies.%s.auto_transition.event is required", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// clampFloors enforces interval floors so a misconfigured scan cannot spin.
func (c *Config) clampFloors() {
	if c.SLA.ScanInterval < MinSLAScanInterval {
		c.SLA.ScanInterval = MinSLAScanInterval
	}
	if c.Scheduler.PollInterval < MinPollInterval {
		c.Scheduler.PollInterval = MinPollInterval
	}
}

// RedisAddr resolves the Redis address, preferring the environment variable.
func (c *Config) RedisAddr() string {
	if c.Redis.AddrEnv != "" {
		if v := os.Getenv(c.Redis.AddrEnv); v != "" {
			return v
		}
	}
	return c.Redis.Addr
}

// StoreDSN resolves the Postgres DSN from the configured environment variable.
func (c *Config) StoreDSN() string {
	return os.Getenv(c.Store.DSNEnv)
}

// applyEnvOverrides reads STATELINE_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STATELINE_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("STATELINE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("STATELINE_DEFINITIONS_DIR"); v != "" {
		cfg.Definitions.Dir = v
	}
	if v := os.Getenv("STATELINE_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("STATELINE_SLA_SCAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SLA.ScanInterval = d
		}
	}
}
