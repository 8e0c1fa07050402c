// Package config loads the entityflow server configuration.
// Priority: ENTITYFLOW_* env vars > YAML file > defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/rendis/entityflow/internal/notify"
	"github.com/rendis/entityflow/internal/scheduler"
	"github.com/rendis/entityflow/pkg/schema"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ENTITYFLOW_"

// Store drivers.
const (
	DriverLibSQL   = "libsql"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all entityflow server configuration.
type Config struct {
	Log         LogConfig       `yaml:"log"`
	Store       StoreConfig     `yaml:"store"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
	Outbox      OutboxConfig    `yaml:"outbox"`
	Dispatch    DispatchConfig  `yaml:"dispatch"`
	Webhook     WebhookConfig   `yaml:"webhook"`
	Vault       VaultConfig     `yaml:"vault"`
	Metrics     MetricsConfig   `yaml:"metrics"`
	Tracing     TracingConfig   `yaml:"tracing"`
	MCP         MCPConfig       `yaml:"mcp"`
	Definitions []string        `yaml:"definitions"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	// DSN is a file URI for libsql and a connection string for postgres.
	DSN string `yaml:"dsn"`
}

type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Timezone is the IANA location calendar schedules are evaluated in.
	Timezone string `yaml:"timezone"`
}

type OutboxConfig struct {
	Lease       time.Duration `yaml:"lease"`
	BatchSize   int           `yaml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type DispatchConfig struct {
	BatchSize   int                  `yaml:"batch_size"`
	Concurrency int                  `yaml:"concurrency"`
	SendTimeout time.Duration        `yaml:"send_timeout"`
	MaxAttempts int                  `yaml:"max_attempts"`
	Retry       schema.RetryPolicy   `yaml:"retry"`
	Breaker     notify.BreakerConfig `yaml:"breaker"`
}

type WebhookConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// SigningSecret names the tenant vault secret used to sign bodies.
	SigningSecret string `yaml:"signing_secret"`
}

// VaultConfig holds key material for the secrets vault. The passphrase is
// normally supplied through ENTITYFLOW_VAULT_PASSPHRASE rather than the file.
type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
	Salt       string `yaml:"salt"`
}

type MetricsConfig struct {
	// ListenAddr serves /metrics when non-empty.
	ListenAddr string `yaml:"listen_addr"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log:   LogConfig{Level: "info", Format: "text"},
		Store: StoreConfig{Driver: DriverLibSQL, DSN: "file:" + filepath.Join(dataDir(), "entityflow.db")},
		Scheduler: SchedulerConfig{
			Interval: scheduler.DefaultInterval,
			Timezone: "UTC",
		},
		Outbox: OutboxConfig{
			Lease:       notify.DefaultOutboxLease,
			BatchSize:   notify.DefaultOutboxBatch,
			MaxAttempts: notify.DefaultOutboxMaxAttempts,
		},
		Dispatch: DispatchConfig{
			BatchSize:   notify.DefaultDispatchBatch,
			Concurrency: notify.DefaultConcurrency,
			SendTimeout: notify.DefaultSendTimeout,
			MaxAttempts: notify.DefaultMaxAttempts,
			Retry:       notify.DefaultRetryPolicy(),
			Breaker:     notify.DefaultBreakerConfig(),
		},
		Webhook: WebhookConfig{Timeout: 10 * time.Second},
		Vault:   VaultConfig{Salt: "entityflow"},
		Tracing: TracingConfig{ServiceName: "entityflow"},
	}
}

func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".entityflow"
	}
	return filepath.Join(home, ".entityflow")
}

// Load layers the YAML file at path (skipped when path is empty) and the
// process environment over the defaults, then validates the result.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode overlays YAML onto cfg. Unknown keys are rejected.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return schema.NewError(schema.ErrCodeInvalidDefinition, "decode config: "+err.Error()).WithCause(err)
	}
	return nil
}

type envBinding struct {
	name string
	set  func(cfg *Config, v string) error
}

var envBindings = []envBinding{
	{"LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Log.Format = v; return nil }},
	{"STORE_DRIVER", func(c *Config, v string) error { c.Store.Driver = v; return nil }},
	{"STORE_DSN", func(c *Config, v string) error { c.Store.DSN = v; return nil }},
	{"SCHEDULER_INTERVAL", func(c *Config, v string) error { return setDuration(&c.Scheduler.Interval, v) }},
	{"TIMEZONE", func(c *Config, v string) error { c.Scheduler.Timezone = v; return nil }},
	{"OUTBOX_LEASE", func(c *Config, v string) error { return setDuration(&c.Outbox.Lease, v) }},
	{"DISPATCH_CONCURRENCY", func(c *Config, v string) error { return setInt(&c.Dispatch.Concurrency, v) }},
	{"DISPATCH_MAX_ATTEMPTS", func(c *Config, v string) error { return setInt(&c.Dispatch.MaxAttempts, v) }},
	{"DISPATCH_SEND_TIMEOUT", func(c *Config, v string) error { return setDuration(&c.Dispatch.SendTimeout, v) }},
	{"WEBHOOK_SIGNING_SECRET", func(c *Config, v string) error { c.Webhook.SigningSecret = v; return nil }},
	{"VAULT_PASSPHRASE", func(c *Config, v string) error { c.Vault.Passphrase = v; return nil }},
	{"METRICS_ADDR", func(c *Config, v string) error { c.Metrics.ListenAddr = v; return nil }},
	{"TRACING", func(c *Config, v string) error { return setBool(&c.Tracing.Enabled, v) }},
	{"MCP", func(c *Config, v string) error { return setBool(&c.MCP.Enabled, v) }},
	{"DEFINITIONS", func(c *Config, v string) error { c.Definitions = splitList(v); return nil }},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok || v == "" {
			continue
		}
		if err := b.set(cfg, v); err != nil {
			return schema.NewErrorf(schema.ErrCodeInvalidDefinition, "%s%s: %s", EnvPrefix, b.name, err.Error())
		}
	}
	return nil
}

func setDuration(dst *time.Duration, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var problems []string
	if _, err := c.SlogLevel(); err != nil {
		problems = append(problems, "log.level: "+err.Error())
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		problems = append(problems, fmt.Sprintf("log.format: unknown format %q", c.Log.Format))
	}
	switch c.Store.Driver {
	case DriverLibSQL, DriverPostgres:
		if c.Store.DSN == "" {
			problems = append(problems, "store.dsn: required for driver "+c.Store.Driver)
		}
	case DriverMemory:
	default:
		problems = append(problems, fmt.Sprintf("store.driver: unknown driver %q", c.Store.Driver))
	}
	if c.Scheduler.Interval <= 0 {
		problems = append(problems, "scheduler.interval: must be positive")
	}
	if _, err := c.Location(); err != nil {
		problems = append(problems, "scheduler.timezone: "+err.Error())
	}
	if c.Outbox.Lease <= 0 || c.Outbox.BatchSize <= 0 || c.Outbox.MaxAttempts <= 0 {
		problems = append(problems, "outbox: lease, batch_size and max_attempts must be positive")
	}
	if c.Dispatch.BatchSize <= 0 || c.Dispatch.Concurrency <= 0 || c.Dispatch.MaxAttempts <= 0 {
		problems = append(problems, "dispatch: batch_size, concurrency and max_attempts must be positive")
	}
	if c.Dispatch.SendTimeout <= 0 {
		problems = append(problems, "dispatch.send_timeout: must be positive")
	}
	problems = append(problems, retryProblems(c.Dispatch.Retry)...)
	if len(problems) > 0 {
		return schema.NewErrorf(schema.ErrCodeInvalidDefinition, "invalid config: %s", strings.Join(problems, "; ")).
			WithDetails(map[string]any{"problems": problems})
	}
	return nil
}

func retryProblems(p schema.RetryPolicy) []string {
	var out []string
	if p.Max < 0 {
		out = append(out, "dispatch.retry.max: must not be negative")
	}
	switch p.Backoff {
	case "", "none", "constant", "linear", "exponential":
	default:
		out = append(out, fmt.Sprintf("dispatch.retry.backoff: unknown strategy %q", p.Backoff))
	}
	for name, v := range map[string]string{"delay": p.Delay, "max_delay": p.MaxDelay} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			out = append(out, "dispatch.retry."+name+": "+err.Error())
		}
	}
	return out
}

// SlogLevel parses Log.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(c.Log.Level))
	return lvl, err
}

// Location resolves Scheduler.Timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Scheduler.Timezone)
}
