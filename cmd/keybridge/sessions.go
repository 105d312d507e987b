package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/keybridge/config"
	"github.com/c360/keybridge/health"
	"github.com/c360/keybridge/metric"
	"github.com/c360/keybridge/natsclient"
	"github.com/c360/keybridge/pkg/retry"
	"github.com/c360/keybridge/session"
	"github.com/c360/keybridge/transport"
)

// natsOptions maps one session's settings onto NATS client options.
func natsOptions(name string, sc config.SessionConfig) []natsclient.ClientOption {
	clientName := sc.Name
	if clientName == "" {
		clientName = appName + "-" + name
	}
	opts := []natsclient.ClientOption{natsclient.WithName(clientName)}

	if sc.ConnectTimeout > 0 {
		opts = append(opts, natsclient.WithTimeout(sc.ConnectTimeout))
	}
	if sc.SubjectPrefix != "" {
		opts = append(opts, natsclient.WithSubjectPrefix(sc.SubjectPrefix))
	}
	switch {
	case sc.Token != "":
		opts = append(opts, natsclient.WithToken(sc.Token))
	case sc.Username != "":
		opts = append(opts, natsclient.WithCredentials(sc.Username, sc.Password))
	}
	if sc.TLS.Enabled() {
		opts = append(opts, natsclient.WithTLS(sc.TLS.CertFile, sc.TLS.KeyFile, sc.TLS.CAFile))
	}
	return opts
}

// sessionDeps are shared by every session manager.
type sessionDeps struct {
	base    *natsclient.Opener
	metrics *metric.MetricsRegistry
	monitor *health.Monitor
	logger  *slog.Logger
}

// newManager creates the manager of one configured session. Each session
// gets its own transport registry so its credentials stay its own.
func (d sessionDeps) newManager(name string, sc config.SessionConfig) (*session.Manager, error) {
	transports := transport.NewRegistry()
	opts := append(natsOptions(name, sc), natsclient.WithLogger(d.logger.With("session", name)))
	d.base.Derive(opts...).Register(transports)

	sessOpts := []session.Option{
		session.WithName(name),
		session.WithLogger(d.logger),
		session.WithMetrics(d.metrics),
		session.WithHealthMonitor(d.monitor),
	}
	if sc.ConnectTimeout > 0 {
		sessOpts = append(sessOpts, session.WithConnectTimeout(sc.ConnectTimeout))
	}
	return session.NewManager(sc.Locator, transports, sessOpts...)
}

// buildSessions creates a manager per configured session. Nothing connects
// until a session is first used.
func buildSessions(cfg *config.Config, deps sessionDeps) (*session.Registry, error) {
	sessions := session.NewRegistry()
	for _, name := range cfg.SessionNames() {
		m, err := deps.newManager(name, cfg.Sessions[name])
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", name, err)
		}
		if err := sessions.Add(m); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// warmSessions connects every session concurrently, retrying transient
// failures, so a bad locator surfaces before the flow starts.
func warmSessions(ctx context.Context, sessions *session.Registry, rc retry.Config, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range sessions.Names() {
		m, err := sessions.Get(name)
		if err != nil {
			return err
		}
		g.Go(func() error {
			start := time.Now()
			err := retry.Do(gctx, rc, func() error {
				_, err := m.Get(gctx)
				return err
			})
			if err != nil {
				return fmt.Errorf("connect session %s: %w", name, err)
			}
			logger.Info("session connected", "session", name, "locator", m.Locator(),
				"duration_ms", time.Since(start).Milliseconds())
			return nil
		})
	}
	return g.Wait()
}
