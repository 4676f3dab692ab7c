package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"

	"github.com/roach88/durable/internal/env"
)

//go:embed schema.cue
var schemaCUE string

// FileError is a config file problem with its source position, when known.
type FileError struct {
	Message string
	Pos     token.Pos
}

func (e *FileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

// Load reads path (if non-empty), applies DURABLE_* overrides, and
// validates the result. The format is chosen by extension.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		cfg, err = Parse(path, data)
		if err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse decodes data as CUE or YAML depending on filename's extension.
// Fields missing from data keep their defaults.
func Parse(filename string, data []byte) (Config, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".cue":
		return parseCUE(filename, data)
	case ".yaml", ".yml":
		return parseYAML(data)
	}
	return Config{}, fmt.Errorf("config %s: unsupported extension (want .cue, .yaml or .yml)", filename)
}

func parseCUE(filename string, data []byte) (Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile schema: %w", err)
	}

	user := ctx.CompileBytes(data, cue.Filename(filename))
	if err := user.Err(); err != nil {
		return Config{}, formatCUEError(err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(user)
	if err := v.Validate(cue.Concrete(true), cue.Final()); err != nil {
		return Config{}, formatCUEError(err)
	}

	// Decode through JSON so Duration's text unmarshalling applies.
	raw, err := v.MarshalJSON()
	if err != nil {
		return Config{}, formatCUEError(err)
	}
	cfg := Default()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", filename, err)
	}
	return cfg, nil
}

func parseYAML(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		// An empty document leaves the defaults in place.
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("decode yaml: %w", err)
	}
	return cfg, nil
}

// formatCUEError keeps the first error and its position.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &FileError{Message: first.Error(), Pos: positions[0]}
	}
	return &FileError{Message: first.Error()}
}

// ApplyEnv overrides fields from DURABLE_* variables.
func (c *Config) ApplyEnv() error {
	var err error

	c.Store.Driver = env.String("DURABLE_STORE_DRIVER", c.Store.Driver)
	c.Store.Path = env.String("DURABLE_STORE_PATH", c.Store.Path)
	c.Store.DSN = env.String("DURABLE_STORE_DSN", c.Store.DSN)
	c.LogLevel = env.String("DURABLE_LOG_LEVEL", c.LogLevel)

	if c.Retry.MaxAttempts, err = env.Int("DURABLE_MAX_ATTEMPTS", c.Retry.MaxAttempts); err != nil {
		return err
	}
	if err := envDuration("DURABLE_INITIAL_BACKOFF", &c.Retry.InitialBackoff); err != nil {
		return err
	}
	if err := envDuration("DURABLE_MAX_BACKOFF", &c.Retry.MaxBackoff); err != nil {
		return err
	}
	if err := envDuration("DURABLE_ATTEMPT_TIMEOUT", &c.Retry.AttemptTimeout); err != nil {
		return err
	}
	if c.Retry.Jitter, err = env.Bool("DURABLE_BACKOFF_JITTER", c.Retry.Jitter); err != nil {
		return err
	}
	if c.ConflictRetries, err = env.Int("DURABLE_CONFLICT_RETRIES", c.ConflictRetries); err != nil {
		return err
	}
	if c.MaxEntries, err = env.Int("DURABLE_MAX_ENTRIES", c.MaxEntries); err != nil {
		return err
	}
	if c.InvokeRate, err = env.Float("DURABLE_INVOKE_RATE", c.InvokeRate); err != nil {
		return err
	}
	if c.InvokeBurst, err = env.Int("DURABLE_INVOKE_BURST", c.InvokeBurst); err != nil {
		return err
	}
	if c.RecoverConcurrency, err = env.Int("DURABLE_RECOVER_CONCURRENCY", c.RecoverConcurrency); err != nil {
		return err
	}
	if c.ReplayLogging, err = env.Bool("DURABLE_REPLAY_LOGGING", c.ReplayLogging); err != nil {
		return err
	}
	return nil
}

func envDuration(key string, dst *Duration) error {
	d, err := env.Duration(key, dst.Std())
	if err != nil {
		return err
	}
	*dst = Duration(d)
	return nil
}
