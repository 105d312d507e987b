package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/keybridge/component"
	"github.com/c360/keybridge/componentregistry"
	"github.com/c360/keybridge/config"
	"github.com/c360/keybridge/flow"
	"github.com/c360/keybridge/gateway"
	"github.com/c360/keybridge/health"
	"github.com/c360/keybridge/metric"
	"github.com/c360/keybridge/natsclient"
	"github.com/c360/keybridge/pkg/retry"
	"github.com/c360/keybridge/session"
)

func newRunCommand(opts *cliOptions) *cobra.Command {
	var noGateway bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured flow and HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			opts.applyLogConfig(cmd, cfg)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return runFlow(ctx, opts, cfg, !noGateway)
		},
	}
	cmd.Flags().BoolVar(&noGateway, "no-gateway", false, "Run the flow without the HTTP gateway")
	return cmd
}

// app holds everything runFlow starts, for orderly shutdown.
type app struct {
	metrics  *metric.MetricsRegistry
	monitor  *health.Monitor
	sessions *session.Registry
	runtime  *flow.Runtime
	gateway  *gateway.Server
	logger   *slog.Logger
}

// newApp builds sessions, nodes and the gateway without connecting anything.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		metrics: metric.NewMetricsRegistry(),
		monitor: health.NewMonitor(),
		logger:  logger,
	}

	base, err := natsclient.NewOpener(natsclient.WithOpenerMetrics(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("create NATS opener: %w", err)
	}
	a.sessions, err = buildSessions(cfg, sessionDeps{
		base:    base,
		metrics: a.metrics,
		monitor: a.monitor,
		logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	registry := component.NewRegistry()
	if err := componentregistry.Register(registry); err != nil {
		return nil, fmt.Errorf("register node types: %w", err)
	}

	a.runtime, err = flow.NewRuntime(registry, a.sessions,
		flow.WithLogger(logger),
		flow.WithMetrics(a.metrics),
		flow.WithHealthMonitor(a.monitor),
		flow.WithWorkers(cfg.Flow.Workers, cfg.Flow.QueueSize),
	)
	if err != nil {
		return nil, err
	}
	if err := a.runtime.Build(cfg); err != nil {
		return nil, fmt.Errorf("build flow: %w", err)
	}
	return a, nil
}

func (a *app) withGateway(cfg *config.Config) error {
	srv, err := gateway.NewServer(a.runtime, cfg.HTTP,
		gateway.WithLogger(a.logger),
		gateway.WithMetrics(a.metrics),
		gateway.WithHealthMonitor(a.monitor),
		gateway.WithConfig(config.NewSafeConfig(cfg)),
	)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	a.gateway = srv
	return nil
}

func runFlow(ctx context.Context, opts *cliOptions, cfg *config.Config, withGateway bool) error {
	logger := opts.logger
	logger.Info("starting keybridge", "config_path", opts.configPath,
		"sessions", len(cfg.Sessions), "nodes", len(cfg.Nodes))

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	if withGateway {
		if err := a.withGateway(cfg); err != nil {
			return err
		}
	}

	warm := retry.Quick()
	warm.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("session connect failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}
	if err := warmSessions(ctx, a.sessions, warm, logger); err != nil {
		_ = a.shutdown(opts.shutdownTimeout)
		return err
	}

	if err := a.runtime.Start(ctx); err != nil {
		_ = a.shutdown(opts.shutdownTimeout)
		return fmt.Errorf("start flow: %w", err)
	}
	if a.gateway != nil {
		if err := a.gateway.Start(ctx); err != nil {
			_ = a.shutdown(opts.shutdownTimeout)
			return err
		}
	}
	logger.Info("keybridge started")

	<-ctx.Done()
	logger.Info("received shutdown signal")

	if err := a.shutdown(opts.shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("keybridge shutdown complete")
	return nil
}

// shutdown stops the gateway, then the flow, then closes sessions.
func (a *app) shutdown(timeout time.Duration) error {
	var errs []error
	if a.gateway != nil {
		errs = append(errs, a.gateway.Stop(timeout))
	}
	errs = append(errs, a.runtime.Stop(timeout))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	errs = append(errs, a.sessions.CloseAll(ctx))

	err := stderrors.Join(errs...)
	if err != nil {
		a.logger.Error("shutdown error", "error", err)
	}
	return err
}
