package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/backoff"
	"github.com/roach88/durable/internal/engine"
	"github.com/roach88/durable/internal/store/memory"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_CUE(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "durable.cue"))
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "durable.db", cfg.Store.Path, "schema default applies")
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Retry.InitialBackoff.Std())
	assert.Equal(t, 2*time.Second, cfg.Retry.MaxBackoff.Std())
	assert.False(t, cfg.Retry.Jitter)
	assert.Equal(t, 3, cfg.ConflictRetries)
	assert.Equal(t, 250, cfg.MaxEntries)
	assert.Equal(t, 20.0, cfg.InvokeRate)
	assert.Equal(t, 4, cfg.InvokeBurst)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
	assert.True(t, cfg.ReplayLogging)
}

func TestLoad_YAML(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "durable.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "/var/lib/durable/history.db", cfg.Store.Path)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, 1500*time.Millisecond, cfg.Retry.AttemptTimeout.Std())
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.InitialBackoff.Std(), "unset fields keep defaults")
	assert.Equal(t, 5, cfg.ConflictRetries)
	assert.Equal(t, 8, cfg.RecoverConcurrency)
}

func TestLoad_UnknownFieldsRejected(t *testing.T) {
	for _, name := range []string{"unknown_field.yaml", "unknown_field.cue"} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(filepath.Join("testdata", name))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "pathh")
		})
	}
}

func TestLoad_SchemaViolation(t *testing.T) {
	_, err := Load(filepath.Join("testdata", "bad_driver.cue"))
	require.Error(t, err)

	var fileErr *FileError
	assert.ErrorAs(t, err, &fileErr)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join("testdata", "nope.yaml"))
	assert.Error(t, err)
}

func TestParse_UnsupportedExtension(t *testing.T) {
	_, err := Parse("durable.toml", []byte(`x = 1`))
	assert.ErrorContains(t, err, "unsupported extension")
}

func TestParse_EmptyYAML(t *testing.T) {
	cfg, err := Parse("empty.yaml", nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_BadDuration(t *testing.T) {
	_, err := Parse("bad.yaml", []byte("retry:\n  max_backoff: forever\n"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("DURABLE_STORE_DRIVER", "postgres")
	t.Setenv("DURABLE_STORE_DSN", "postgres://localhost/durable")
	t.Setenv("DURABLE_MAX_ATTEMPTS", "7")
	t.Setenv("DURABLE_MAX_BACKOFF", "30s")
	t.Setenv("DURABLE_INVOKE_RATE", "12.5")
	t.Setenv("DURABLE_REPLAY_LOGGING", "true")
	t.Setenv("DURABLE_LOG_LEVEL", "warn")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/durable", cfg.Store.DSN)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxBackoff.Std())
	assert.Equal(t, 12.5, cfg.InvokeRate)
	assert.True(t, cfg.ReplayLogging)
	assert.Equal(t, slog.LevelWarn, cfg.Level())
	require.NoError(t, cfg.Validate())
}

func TestApplyEnv_OverridesFile(t *testing.T) {
	t.Setenv("DURABLE_MAX_ENTRIES", "9")
	cfg, err := Load(filepath.Join("testdata", "durable.cue"))
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.MaxEntries)
}

func TestApplyEnv_BadValue(t *testing.T) {
	t.Setenv("DURABLE_CONFLICT_RETRIES", "many")
	cfg := Default()
	assert.ErrorContains(t, cfg.ApplyEnv(), "DURABLE_CONFLICT_RETRIES")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }, "store.dsn"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"inverted backoff", func(c *Config) { c.Retry.InitialBackoff = Duration(time.Minute) }, "initial_backoff"},
		{"unbounded backoff", func(c *Config) { c.Retry.MaxBackoff = 0 }, "max_backoff must be > 0"},
		{"negative quota", func(c *Config) { c.MaxEntries = -1 }, "max_entries"},
		{"rate without burst", func(c *Config) { c.InvokeRate = 5; c.InvokeBurst = 0 }, "invoke_burst"},
		{"zero recover concurrency", func(c *Config) { c.RecoverConcurrency = 0 }, "recover_concurrency"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Retry.MaxAttempts = 0
	cfg.RecoverConcurrency = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_attempts")
	assert.Contains(t, err.Error(), "recover_concurrency")
}

func TestRetryConfig_Backoff(t *testing.T) {
	r := RetryConfig{InitialBackoff: Duration(time.Second), MaxBackoff: Duration(time.Second)}
	assert.IsType(t, &backoff.Constant{}, r.Backoff())

	r.MaxBackoff = Duration(time.Minute)
	assert.IsType(t, &backoff.Exponential{}, r.Backoff())

	r.Jitter = true
	assert.IsType(t, &backoff.ExponentialWithJitter{}, r.Backoff())
}

func TestEngineOptions(t *testing.T) {
	cfg := Default()
	cfg.InvokeRate = 0
	base := len(cfg.EngineOptions())

	cfg.InvokeRate = 10
	assert.Len(t, cfg.EngineOptions(), base+1, "a rate adds the limiter option")

	e := engine.New(memory.New(), cfg.EngineOptions()...)
	assert.NotNil(t, e)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	s, closeFn, err := OpenStore(ctx, StoreConfig{Driver: DriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, s)
	require.NoError(t, closeFn())

	s, closeFn, err = OpenStore(ctx, StoreConfig{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "d.db")})
	require.NoError(t, err)
	assert.NotNil(t, s)
	require.NoError(t, closeFn())

	_, _, err = OpenStore(ctx, StoreConfig{Driver: "mysql"})
	assert.Error(t, err)
}
