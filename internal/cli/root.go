package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/roach88/durable/internal/config"
	"github.com/roach88/durable/internal/demo"
	"github.com/roach88/durable/internal/engine"
	"github.com/roach88/durable/internal/ir"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	Config   string // path to a .cue or .yaml config file
	Database string // sqlite path; overrides the configured store
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the durable CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "durable",
		Version: ir.EngineVersion,
		Short:   "durable - durable execution orchestrator",
		Long: `Run orchestrations whose every step and invocation is recorded in an
append-only history, so a crashed execution resumes by replay instead of
repeating side effects.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "config file (.cue, .yaml or .yml)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewRecoverCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// session is the config, logger and open store shared by one command.
type session struct {
	cfg    config.Config
	logger *slog.Logger
	store  engine.ExecutionStore
	close  func() error
}

// loadConfig reads --config and applies --db.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.Config)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Database != "" {
		cfg.Store.Driver = config.DriverSQLite
		cfg.Store.Path = o.Database
	}
	return cfg, nil
}

// open loads the config, builds the logger and opens the store.
// The caller must call session.Close.
func (o *RootOptions) open(cmd *cobra.Command) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	level := cfg.Level()
	if o.Verbose {
		level = slog.LevelDebug
	}
	logger := newLogger(cmd.ErrOrStderr(), level)

	logger.Debug("opening store", "driver", cfg.Store.Driver)
	st, closeFn, err := config.OpenStore(cmd.Context(), cfg.Store)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return &session{cfg: cfg, logger: logger, store: st, close: closeFn}, nil
}

// Close releases the store, logging any error.
func (s *session) Close() {
	if err := s.close(); err != nil {
		s.logger.Error("error closing store", "error", err)
	}
}

// engine builds an engine over st with the demo orchestrations registered.
// st is usually s.store, or a wrapper around it.
func (s *session) engine(st engine.ExecutionStore, svc *demo.Services, extra ...engine.Option) *engine.Engine {
	opts := append(s.cfg.EngineOptions(), engine.WithLogger(s.logger))
	opts = append(opts, svc.Options()...)
	opts = append(opts, extra...)
	e := engine.New(st, opts...)
	svc.Register(e)
	return e
}

// newLogger returns a tint logger writing to w, coloured only on a terminal.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		NoColor:    !isTerminal(w),
	}))
}

// isTerminal reports whether w is a terminal file.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
