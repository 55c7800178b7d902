//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/backhaul/internal/config"
	"github.com/sheerbytes/backhaul/internal/events"
	"github.com/sheerbytes/backhaul/internal/logging"
	"github.com/sheerbytes/backhaul/internal/metrics"
	"github.com/sheerbytes/backhaul/internal/ops"
	"github.com/sheerbytes/backhaul/internal/server"
	"github.com/sheerbytes/backhaul/internal/termio"
)

const version = "v0.1.0"

// exitError carries the process exit status out of cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	code := run(os.Args[1:])
	termio.Flush()
	os.Exit(code)
}

func run(args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	if err == nil {
		return 0
	}
	fmt.Fprintf(termio.Stderr(), "backhauld: %v\n", err)
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	var setupErr *server.SetupError
	if errors.As(err, &setupErr) {
		return setupErr.Code
	}
	return server.ExitConfig
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "backhauld [control-port] [data-port]",
		Short:         "Two-channel file transfer server",
		Version:       version,
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer(cmd.Flags(), args)
			if err != nil {
				return &exitError{code: server.ExitConfig, err: err}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	config.BindServerFlags(cmd.Flags())
	return cmd
}

func serve(ctx context.Context, cfg config.ServerConfig) error {
	logger := logging.New("backhauld", cfg.LogLevel, termio.Stderr())
	if cfg.ConfigFile != "" {
		logger.Info("loaded config file", "path", cfg.ConfigFile)
	}

	m := metrics.New()
	hub := events.NewHub(logger)
	m.ObserveEventDrops(hub.Dropped)
	srv := server.New(cfg, server.Options{
		Logger:  logger,
		Metrics: m,
		Events:  hub,
	})
	if err := srv.Listen(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.OpsListen != "" {
		ln, err := ops.Listen(cfg.OpsListen)
		if err != nil {
			return &exitError{code: server.ExitOpsListen, err: fmt.Errorf("ops listen %s: %w", cfg.OpsListen, err)}
		}
		handler := ops.NewHandler(ops.Options{
			Health: func() ops.Health {
				st := srv.Stats()
				return ops.Health{OK: true, Pairings: st.Pairings, Uploads: st.Uploads, Downloads: st.Downloads}
			},
			Metrics: m.Handler(),
			Hub:     hub,
			Logger:  logger,
		})
		g.Go(func() error {
			return ops.Serve(ctx, ln, handler, logger)
		})
	}
	g.Go(func() error {
		return srv.Serve(ctx)
	})
	err := g.Wait()
	if dropped := termio.Stderr().Dropped(); dropped > 0 {
		fmt.Fprintf(termio.Stderr(), "backhauld: %d log lines dropped\n", dropped)
	}
	return err
}
