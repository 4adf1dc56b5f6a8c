// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads engine configuration from a file and the
// environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/taskgraph/pkg/logging"
	"github.com/AleutianAI/taskgraph/pkg/telemetry"
	"github.com/AleutianAI/taskgraph/services/taskgraph/batch"
	"github.com/AleutianAI/taskgraph/services/taskgraph/timeout"
	"github.com/AleutianAI/taskgraph/services/taskgraph/validation"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendJSONL  = "jsonl"
	BackendBadger = "badger"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TASKGRAPH_"

// Config is the full engine configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after creation.
type Config struct {
	// Store selects and configures the durable store.
	Store StoreConfig `json:"store" yaml:"store" toml:"store"`

	// Transaction configures scopes.
	Transaction TransactionConfig `json:"transaction" yaml:"transaction" toml:"transaction"`

	// Timeout configures the scope timeout manager.
	Timeout TimeoutConfig `json:"timeout" yaml:"timeout" toml:"timeout"`

	// Batch configures the batch processor.
	Batch BatchConfig `json:"batch" yaml:"batch" toml:"batch"`

	// Logging configures the process logger.
	Logging LoggingConfig `json:"logging" yaml:"logging" toml:"logging"`

	// Observability toggles tracing and metrics.
	Observability ObservabilityConfig `json:"observability" yaml:"observability" toml:"observability"`
}

// StoreConfig selects a store backend.
type StoreConfig struct {
	Backend    string        `json:"backend" yaml:"backend" toml:"backend"`
	Path       string        `json:"path" yaml:"path" toml:"path"`
	Watch      bool          `json:"watch" yaml:"watch" toml:"watch"`
	InMemory   bool          `json:"in_memory" yaml:"in_memory" toml:"in_memory"`
	SyncWrites bool          `json:"sync_writes" yaml:"sync_writes" toml:"sync_writes"`
	GCInterval time.Duration `json:"gc_interval" yaml:"gc_interval" toml:"gc_interval"`
}

// TransactionConfig configures scopes.
type TransactionConfig struct {
	// DefaultMode is the dependency mode for interactive scopes.
	DefaultMode string `json:"default_mode" yaml:"default_mode" toml:"default_mode"`

	// BatchMode is the dependency mode for scopes opened by bulk apply,
	// where forward references within the batch are expected.
	BatchMode string `json:"batch_mode" yaml:"batch_mode" toml:"batch_mode"`
}

// TimeoutConfig configures scope timeouts.
type TimeoutConfig struct {
	Scope      time.Duration `json:"scope" yaml:"scope" toml:"scope"`
	MaxRetries int           `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay" yaml:"base_delay" toml:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay" yaml:"max_delay" toml:"max_delay"`
}

// BatchConfig configures the batch processor.
type BatchConfig struct {
	Size             int           `json:"size" yaml:"size" toml:"size"`
	Concurrency      int           `json:"concurrency" yaml:"concurrency" toml:"concurrency"`
	MaxAttempts      int           `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	BaseDelay        time.Duration `json:"base_delay" yaml:"base_delay" toml:"base_delay"`
	MaxDelay         time.Duration `json:"max_delay" yaml:"max_delay" toml:"max_delay"`
	FailureThreshold float64       `json:"failure_threshold" yaml:"failure_threshold" toml:"failure_threshold"`

	// RateLimit caps store-bound attempts per second. Zero is unlimited.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
	RateBurst int     `json:"rate_burst" yaml:"rate_burst" toml:"rate_burst"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level" toml:"level"`
	JSON  bool   `json:"json" yaml:"json" toml:"json"`
	Dir   string `json:"dir" yaml:"dir" toml:"dir"`
	Quiet bool   `json:"quiet" yaml:"quiet" toml:"quiet"`
}

// ObservabilityConfig toggles tracing and metrics and picks exporters.
type ObservabilityConfig struct {
	TracingEnabled bool `json:"tracing_enabled" yaml:"tracing_enabled" toml:"tracing_enabled"`
	MetricsEnabled bool `json:"metrics_enabled" yaml:"metrics_enabled" toml:"metrics_enabled"`

	// TraceExporter is "none", "stdout", or "otlp".
	TraceExporter string `json:"trace_exporter" yaml:"trace_exporter" toml:"trace_exporter"`

	// MetricExporter is "none", "stdout", or "prometheus".
	MetricExporter string `json:"metric_exporter" yaml:"metric_exporter" toml:"metric_exporter"`

	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPInsecure bool   `json:"otlp_insecure" yaml:"otlp_insecure" toml:"otlp_insecure"`

	// MetricsFile receives a Prometheus text dump when the process exits.
	MetricsFile string `json:"metrics_file" yaml:"metrics_file" toml:"metrics_file"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend:    BackendJSONL,
			Path:       ".taskgraph",
			SyncWrites: true,
			GCInterval: 5 * time.Minute,
		},
		Transaction: TransactionConfig{
			DefaultMode: string(validation.ModeStrict),
			BatchMode:   string(validation.ModeDeferred),
		},
		Timeout: TimeoutConfig{
			Scope:      timeout.DefaultTimeout,
			MaxRetries: timeout.DefaultMaxRetries,
			BaseDelay:  timeout.DefaultBaseDelay,
			MaxDelay:   timeout.DefaultMaxDelay,
		},
		Batch: BatchConfig{
			Size:             50,
			Concurrency:      batch.DefaultConcurrency,
			MaxAttempts:      batch.DefaultMaxAttempts,
			BaseDelay:        batch.DefaultBaseDelay,
			MaxDelay:         batch.DefaultMaxDelay,
			FailureThreshold: batch.DefaultFailureThreshold,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: true,
			TraceExporter:  telemetry.ExporterNone,
			MetricExporter: telemetry.ExporterNone,
			OTLPEndpoint:   telemetry.DefaultConfig().OTLPEndpoint,
			OTLPInsecure:   true,
		},
	}
}

// Load loads configuration with priority: env > file > defaults.
//
// # Inputs
//
//   - path: YAML, JSON, or TOML file. Optional; a missing file is not an
//     error. The format follows the extension, with YAML then JSON tried
//     for anything other than .toml.
//
// # Outputs
//
//   - Config: Merged configuration.
//   - error: Non-nil if the file exists but is invalid, or the merged
//     configuration fails Validate.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("environment override: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parse toml: %w", err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

// applyEnv overrides fields from TASKGRAPH_* variables. Unlike unset
// variables, malformed values are errors.
func applyEnv(cfg *Config) error {
	var errs []error
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = i
		}
	}
	float := func(name string, dst *float64) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("STORE_BACKEND", &cfg.Store.Backend)
	str("STORE_PATH", &cfg.Store.Path)
	boolean("STORE_WATCH", &cfg.Store.Watch)
	boolean("STORE_IN_MEMORY", &cfg.Store.InMemory)

	str("DEFAULT_MODE", &cfg.Transaction.DefaultMode)
	str("BATCH_MODE", &cfg.Transaction.BatchMode)

	duration("SCOPE_TIMEOUT", &cfg.Timeout.Scope)
	integer("TIMEOUT_MAX_RETRIES", &cfg.Timeout.MaxRetries)
	duration("TIMEOUT_BASE_DELAY", &cfg.Timeout.BaseDelay)

	integer("BATCH_SIZE", &cfg.Batch.Size)
	integer("BATCH_CONCURRENCY", &cfg.Batch.Concurrency)
	integer("BATCH_MAX_ATTEMPTS", &cfg.Batch.MaxAttempts)
	float("BATCH_FAILURE_THRESHOLD", &cfg.Batch.FailureThreshold)
	float("BATCH_RATE_LIMIT", &cfg.Batch.RateLimit)

	str("LOG_LEVEL", &cfg.Logging.Level)
	boolean("LOG_JSON", &cfg.Logging.JSON)
	str("LOG_DIR", &cfg.Logging.Dir)

	boolean("TRACING_ENABLED", &cfg.Observability.TracingEnabled)
	boolean("METRICS_ENABLED", &cfg.Observability.MetricsEnabled)
	str("TRACE_EXPORTER", &cfg.Observability.TraceExporter)
	str("METRIC_EXPORTER", &cfg.Observability.MetricExporter)
	str("OTLP_ENDPOINT", &cfg.Observability.OTLPEndpoint)
	str("METRICS_FILE", &cfg.Observability.MetricsFile)

	return errors.Join(errs...)
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendJSONL, BackendBadger:
		if c.Store.Path == "" && !(c.Store.Backend == BackendBadger && c.Store.InMemory) {
			return fmt.Errorf("store.path is required for the %s backend", c.Store.Backend)
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	for name, m := range map[string]string{
		"transaction.default_mode": c.Transaction.DefaultMode,
		"transaction.batch_mode":   c.Transaction.BatchMode,
	} {
		if !validation.Mode(m).IsValid() {
			return fmt.Errorf("%s must be STRICT or DEFERRED, got %q", name, m)
		}
	}
	if c.Timeout.Scope <= 0 {
		return errors.New("timeout.scope must be > 0")
	}
	if c.Timeout.BaseDelay < 0 || c.Timeout.MaxDelay < 0 {
		return errors.New("timeout delays must be >= 0")
	}
	if c.Batch.Size < 1 {
		return errors.New("batch.size must be >= 1")
	}
	if err := c.BatchOptions().Validate(); err != nil {
		return fmt.Errorf("batch: %w", err)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if err := c.TelemetryConfig("").Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	return nil
}

// TimeoutManagerConfig converts to timeout.Config.
func (c Config) TimeoutManagerConfig() timeout.Config {
	return timeout.Config{
		Timeout:    c.Timeout.Scope,
		MaxRetries: c.Timeout.MaxRetries,
		BaseDelay:  c.Timeout.BaseDelay,
		MaxDelay:   c.Timeout.MaxDelay,
	}
}

// BatchOptions converts to batch.Options.
func (c Config) BatchOptions() batch.Options {
	return batch.Options{
		Concurrency:      c.Batch.Concurrency,
		MaxAttempts:      c.Batch.MaxAttempts,
		BaseDelay:        c.Batch.BaseDelay,
		MaxDelay:         c.Batch.MaxDelay,
		FailureThreshold: c.Batch.FailureThreshold,
		RateLimit:        c.Batch.RateLimit,
		RateBurst:        c.Batch.RateBurst,
	}
}

// TelemetryConfig converts to telemetry.Config for service.
func (c Config) TelemetryConfig(service string) telemetry.Config {
	tc := telemetry.DefaultConfig()
	if service != "" {
		tc.ServiceName = service
	}
	tc.TraceExporter = c.Observability.TraceExporter
	tc.MetricExporter = c.Observability.MetricExporter
	tc.OTLPEndpoint = c.Observability.OTLPEndpoint
	tc.OTLPInsecure = c.Observability.OTLPInsecure
	tc.MetricsFile = c.Observability.MetricsFile
	return tc
}

// LoggerConfig converts to logging.Config for service.
func (c Config) LoggerConfig(service string) logging.Config {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.Dir,
		Service: service,
		JSON:    c.Logging.JSON,
		Quiet:   c.Logging.Quiet,
	}
}
