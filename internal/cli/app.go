package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/matchsync/internal/config"
	"github.com/roach88/matchsync/internal/engine"
	"github.com/roach88/matchsync/internal/logging"
	"github.com/roach88/matchsync/internal/outbox"
	"github.com/roach88/matchsync/internal/remote"
	"github.com/roach88/matchsync/internal/store"
)

// Error codes for structured CLI output.
const (
	ErrCodeGeneric      = "E001" // Generic/unknown error
	ErrCodeConfig       = "E002" // Config load or validation failed
	ErrCodeDatabase     = "E003" // Outbox database could not be opened
	ErrCodeInvalidMatch = "E004" // Match input rejected before enqueue
	ErrCodeNotFound     = "E005" // Entry not in the outbox
	ErrCodeNotFailed    = "E006" // Entry is pending, not failed
	ErrCodeNoRemote     = "E007" // remote.base_url not configured
	ErrCodeReadFailed   = "E008" // Input file unreadable
	ErrCodeLocked       = "E009" // Outbox database owned by another process
)

// errNoRemote is returned by the placeholder submitter when no remote is
// configured; entries stay queued as transient failures.
var errNoRemote = errors.New("remote.base_url is not configured")

// app is the wiring shared by every command that touches the outbox.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
	engine *engine.Engine

	closeLog func() error
}

// appNeeds describes what a command expects from openApp.
type appNeeds struct {
	remote bool // fail fast when no remote is configured
	daemon bool // long-running; logs go to stderr at the configured level
}

// openApp loads config, opens the outbox and builds an engine.
//
// The outbox file is owned by one process at a time. While serve runs,
// other commands fail with ErrCodeLocked and should go through its API.
func openApp(cmd *cobra.Command, opts *RootOptions, needs appNeeds) (*app, error) {
	f := opts.formatter(cmd)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fail(f, ErrCodeConfig, ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.DB.Path = opts.Database
	}

	logger, closeLog, err := logging.New(cfg.Logging, opts.Verbose, logSink(cmd, opts, needs.daemon))
	if err != nil {
		return nil, fail(f, ErrCodeConfig, ExitCommandError, "failed to build logger", err)
	}

	sub, err := buildSubmitter(cfg, opts, logger)
	if err != nil {
		_ = closeLog()
		return nil, fail(f, ErrCodeConfig, ExitCommandError, "failed to build remote client", err)
	}
	if sub == nil {
		if needs.remote {
			_ = closeLog()
			return nil, fail(f, ErrCodeNoRemote, ExitCommandError, "cannot deliver", errNoRemote)
		}
		sub = engine.SubmitFunc(func(context.Context, string, []outbox.Record) ([]outbox.Record, error) {
			return nil, outbox.NewTransientError(errNoRemote)
		})
	}

	st, err := store.Open(cfg.DB.Path)
	if errors.Is(err, store.ErrLocked) {
		_ = closeLog()
		return nil, fail(f, ErrCodeLocked, ExitCommandError,
			"outbox is in use (is matchsync serve running? use its API instead)", err)
	}
	if err != nil {
		_ = closeLog()
		return nil, fail(f, ErrCodeDatabase, ExitCommandError, "failed to open database", err)
	}

	engOpts := []engine.Option{
		engine.WithRetryPolicy(cfg.RetryPolicy()),
		engine.WithSubmitTimeout(cfg.Sync.SubmitTimeout),
		engine.WithPollInterval(cfg.Sync.PollInterval),
		engine.WithLogger(logger.Named("engine")),
	}
	if opts.IDGenerator != nil {
		engOpts = append(engOpts, engine.WithIDGenerator(opts.IDGenerator))
	}
	if opts.Clock != nil {
		engOpts = append(engOpts, engine.WithClock(opts.Clock))
	}

	eng, err := engine.New(st, sub, engOpts...)
	if err != nil {
		_ = st.Close()
		_ = closeLog()
		return nil, fail(f, ErrCodeDatabase, ExitCommandError, "failed to load outbox", err)
	}

	logger.Debug("outbox opened",
		zap.String("db", cfg.DB.Path),
		zap.Int("entries", len(eng.Entries())),
	)
	return &app{cfg: cfg, logger: logger, store: st, engine: eng, closeLog: closeLog}, nil
}

func buildSubmitter(cfg *config.Config, opts *RootOptions, logger *zap.Logger) (engine.Submitter, error) {
	if opts.Submitter != nil {
		return opts.Submitter, nil
	}
	if cfg.Remote.BaseURL == "" {
		return nil, nil
	}
	return remote.NewClient(cfg.RemoteClient(), logger.Named("remote"))
}

// logSink keeps logs off stdout so JSON output stays parseable. One-shot
// commands stay quiet unless verbose; serve always logs.
func logSink(cmd *cobra.Command, opts *RootOptions, daemon bool) io.Writer {
	if opts.Verbose || daemon {
		return cmd.ErrOrStderr()
	}
	return io.Discard
}

// Close stops the engine, then closes the database and the log file.
func (a *app) Close() error {
	var errs []error
	if err := a.engine.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	if err := a.closeLog(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// fail reports an error through the formatter and returns the matching
// ExitError.
func fail(f *OutputFormatter, code string, exit int, message string, err error) error {
	detail := message
	if err != nil {
		detail = fmt.Sprintf("%s: %v", message, err)
	}
	_ = f.Error(code, detail, nil)
	return WrapExitError(exit, fmt.Sprintf("%s: %s", code, message), err)
}

// entryError maps engine errors for retry and discard.
func entryError(f *OutputFormatter, id string, err error) error {
	switch {
	case errors.Is(err, outbox.ErrNotFound):
		return fail(f, ErrCodeNotFound, ExitCommandError, fmt.Sprintf("entry %s not found", id), nil)
	case errors.Is(err, outbox.ErrNotFailed):
		return fail(f, ErrCodeNotFailed, ExitFailure, fmt.Sprintf("entry %s has not failed", id), nil)
	default:
		return fail(f, ErrCodeGeneric, ExitFailure, fmt.Sprintf("entry %s", id), err)
	}
}
