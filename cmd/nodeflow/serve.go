package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/scheduler"
	"github.com/rendis/nodeflow/pkg/mcp"
)

// Transports accepted by serve.
const (
	transportStdio = "stdio"
	transportSSE   = "sse"
)

// runServe serves the MCP tools until interrupted. Scheduled workflows run
// and stale runs are reconciled in the background for the whole lifetime.
func runServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	transport := fs.String("transport", transportStdio, "MCP transport: stdio or sse")
	noScheduler := fs.Bool("no-scheduler", false, "do not run scheduled workflows")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *transport != transportStdio && *transport != transportSSE {
		fmt.Fprintf(stderr, "Error: unknown transport %q (want stdio or sse)\n", *transport)
		return 2
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	// stdout carries the stdio transport, so logs always go to stderr.
	logger := logging.New(stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, *transport, !*noScheduler, logger); err != nil {
		logger.Error("serve failed", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg Config, transport string, withScheduler bool, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := mcp.NewNodeflowServer(mcp.NodeflowServerDeps{
		Runner:        a.engine,
		Store:         a.store,
		Validator:     a.validator,
		PlatformToken: cfg.PlatformToken,
		Credentials:   a.credentials,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	staleAfter, err := cfg.staleRunAfter()
	if err != nil {
		return err
	}
	reconciler := scheduler.NewReconciler(a.store, cfg.ReconcileSchedule, staleAfter, logger)
	if err := reconciler.Start(ctx); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}
	defer reconciler.Stop()

	if withScheduler {
		sched := scheduler.NewScheduler(a.store, a.engine, scheduler.Config{
			PlatformToken: cfg.PlatformToken,
			Credentials:   a.credentials,
			Validator:     a.validator,
			OnRunFinished: srv.Notifier().RunFinished,
		}, logger)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	logger.Info("nodeflow serving",
		slog.String("transport", transport),
		slog.String("version", version),
		slog.Bool("scheduler", withScheduler))

	if transport == transportSSE {
		return srv.ServeSSE(ctx, cfg.ListenAddr, cfg.BaseURL)
	}
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
