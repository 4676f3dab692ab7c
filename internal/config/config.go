// Package config loads engine and store settings.
//
// Settings come from three layers, later layers winning:
//
//  1. Built-in defaults (Default)
//  2. A .cue or .yaml file, validated against the embedded CUE schema or
//     decoded strictly with yaml.v3
//  3. DURABLE_* environment variables
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/roach88/durable/internal/backoff"
	"github.com/roach88/durable/internal/engine"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the full set of runtime settings.
type Config struct {
	Store StoreConfig `json:"store" yaml:"store"`
	Retry RetryConfig `json:"retry" yaml:"retry"`

	ConflictRetries    int     `json:"conflict_retries" yaml:"conflict_retries"`
	MaxEntries         int     `json:"max_entries" yaml:"max_entries"`
	InvokeRate         float64 `json:"invoke_rate" yaml:"invoke_rate"` // dispatches per second, 0 = unlimited
	InvokeBurst        int     `json:"invoke_burst" yaml:"invoke_burst"`
	RecoverConcurrency int     `json:"recover_concurrency" yaml:"recover_concurrency"`
	LogLevel           string  `json:"log_level" yaml:"log_level"`
	ReplayLogging      bool    `json:"replay_logging" yaml:"replay_logging"`
}

// StoreConfig selects and configures the execution store.
type StoreConfig struct {
	Driver       string   `json:"driver" yaml:"driver"`
	Path         string   `json:"path" yaml:"path"` // sqlite file
	DSN          string   `json:"dsn" yaml:"dsn"`   // postgres URL
	MaxOpenConns int      `json:"max_open_conns" yaml:"max_open_conns"`
	PingTimeout  Duration `json:"ping_timeout" yaml:"ping_timeout"`
}

// RetryConfig is the invocation retry policy.
type RetryConfig struct {
	MaxAttempts    int      `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     Duration `json:"max_backoff" yaml:"max_backoff"`
	Jitter         bool     `json:"jitter" yaml:"jitter"`
	AttemptTimeout Duration `json:"attempt_timeout" yaml:"attempt_timeout"`
}

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string like \"250ms\"", node.Line)
	}
	if err := d.UnmarshalText([]byte(node.Value)); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	return nil
}

// Default returns the settings used when nothing is configured.
// They match the defaults in schema.cue.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Driver:       DriverSQLite,
			Path:         "durable.db",
			MaxOpenConns: 10,
			PingTimeout:  Duration(2 * time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts:    engine.DefaultMaxAttempts,
			InitialBackoff: Duration(100 * time.Millisecond),
			MaxBackoff:     Duration(10 * time.Second),
			Jitter:         true,
		},
		ConflictRetries:    engine.DefaultConflictRetries,
		MaxEntries:         engine.DefaultMaxEntries,
		InvokeBurst:        1,
		RecoverConcurrency: engine.DefaultRecoverConcurrency,
		LogLevel:           "info",
	}
}

// Validate checks ranges and cross-field rules. All problems are reported
// together.
func (c Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
		if c.Store.MaxOpenConns < 1 {
			errs = append(errs, errors.New("store.max_open_conns must be >= 1"))
		}
		if c.Store.PingTimeout <= 0 {
			errs = append(errs, errors.New("store.ping_timeout must be positive"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of sqlite, postgres, memory", c.Store.Driver))
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be >= 1"))
	}
	if c.Retry.InitialBackoff < 0 || c.Retry.MaxBackoff < 0 || c.Retry.AttemptTimeout < 0 {
		errs = append(errs, errors.New("retry durations must not be negative"))
	}
	switch {
	case c.Retry.InitialBackoff > 0 && c.Retry.MaxBackoff == 0:
		errs = append(errs, errors.New("retry.max_backoff must be > 0 when retry.initial_backoff is set"))
	case c.Retry.MaxBackoff > 0 && c.Retry.InitialBackoff > c.Retry.MaxBackoff:
		errs = append(errs, errors.New("retry.initial_backoff must be <= retry.max_backoff"))
	}
	if c.ConflictRetries < 0 {
		errs = append(errs, errors.New("conflict_retries must be >= 0"))
	}
	if c.MaxEntries < 0 {
		errs = append(errs, errors.New("max_entries must be >= 0"))
	}
	if c.InvokeRate < 0 {
		errs = append(errs, errors.New("invoke_rate must be >= 0"))
	}
	if c.InvokeRate > 0 && c.InvokeBurst < 1 {
		errs = append(errs, errors.New("invoke_burst must be >= 1 when invoke_rate is set"))
	}
	if c.RecoverConcurrency < 1 {
		errs = append(errs, errors.New("recover_concurrency must be >= 1"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ParseLevel maps a log_level string to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q: %w", s, err)
	}
	return level, nil
}

// Level returns the configured log level, falling back to Info.
func (c Config) Level() slog.Level {
	level, _ := ParseLevel(c.LogLevel)
	return level
}

// Backoff builds the retry delay strategy.
func (r RetryConfig) Backoff() backoff.Strategy {
	initial, maxDelay := r.InitialBackoff.Std(), r.MaxBackoff.Std()
	switch {
	case r.Jitter:
		return backoff.NewExponentialWithJitter(initial, maxDelay)
	case initial == maxDelay:
		return backoff.NewConstant(initial)
	default:
		return backoff.NewExponential(initial, maxDelay)
	}
}

// Policy returns the engine retry policy.
func (r RetryConfig) Policy() engine.RetryPolicy {
	return engine.RetryPolicy{
		MaxAttempts:    r.MaxAttempts,
		Backoff:        r.Backoff(),
		AttemptTimeout: r.AttemptTimeout.Std(),
	}
}

// EngineOptions translates the config into engine options.
func (c Config) EngineOptions() []engine.Option {
	opts := []engine.Option{
		engine.WithRetryPolicy(c.Retry.Policy()),
		engine.WithConflictRetries(c.ConflictRetries),
		engine.WithMaxEntries(c.MaxEntries),
		engine.WithRecoverConcurrency(c.RecoverConcurrency),
		engine.WithReplayLogging(c.ReplayLogging),
	}
	if c.InvokeRate > 0 {
		opts = append(opts, engine.WithInvokeRateLimit(rate.Limit(c.InvokeRate), c.InvokeBurst))
	}
	return opts
}
