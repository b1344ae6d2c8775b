package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/matchsync/internal/api"
	"github.com/roach88/matchsync/internal/connectivity"
	"github.com/roach88/matchsync/internal/match"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and the local API",
		Long: `Run the sync engine in the background: deliver on enqueue, when the
remote becomes reachable, on every poll tick and when a backoff expires.
The local HTTP API serves the match-entry UI.

Example:
  matchsync serve --listen 127.0.0.1:8710`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "API listen address (overrides api.listen)")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(cmd, opts.RootOptions, appNeeds{daemon: true})
	if err != nil {
		return err
	}
	defer a.Close()

	f := opts.formatter(cmd)
	logger := a.logger

	v, err := match.NewValidator()
	if err != nil {
		return fail(f, ErrCodeGeneric, ExitCommandError, "failed to load match schema", err)
	}
	cache := match.NewCache()
	synth := match.NewSynthesizer(nil, nil)
	if n := a.engine.Reattach(cache, synth); n > 0 {
		logger.Info("restored provisional matches", zap.Int("count", n))
	}

	var monitor *connectivity.Monitor
	if probeURL := a.cfg.ProbeURL(); probeURL != "" {
		monitor, err = connectivity.NewMonitor(
			connectivity.HTTPProber{URL: probeURL},
			a.engine,
			a.cfg.Connectivity.Interval,
			a.cfg.Connectivity.Timeout,
			logger.Named("connectivity"),
		)
		if err != nil {
			return fail(f, ErrCodeConfig, ExitCommandError, "failed to build connectivity monitor", err)
		}
	}

	addr := opts.Listen
	if addr == "" {
		addr = a.cfg.API.Listen
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fail(f, ErrCodeGeneric, ExitCommandError, "failed to listen", err)
	}

	srv := api.NewServer(a.engine, v, cache,
		api.WithSynthesizer(synth),
		api.WithLogger(logger.Named("api")),
	)
	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := a.engine.Start(gctx); err != nil {
		_ = ln.Close()
		return fail(f, ErrCodeGeneric, ExitFailure, "failed to start engine", err)
	}

	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if monitor != nil {
		g.Go(func() error { return monitor.Run(gctx) })
	} else {
		logger.Warn("no remote configured; entries stay queued")
	}

	bound := ln.Addr().String()
	logger.Info("serving", zap.String("addr", bound), zap.String("db", a.cfg.DB.Path))
	_ = f.Success(ServeInfo{Listen: bound, DB: a.cfg.DB.Path})
	if opts.serveReady != nil {
		opts.serveReady(bound)
	}

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "serve failed", err)
	}
	logger.Info("stopped")
	return nil
}
