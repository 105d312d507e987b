package component

import (
	"log/slog"

	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/health"
	"github.com/c360/keybridge/metric"
	"github.com/c360/keybridge/session"
)

// Dependencies provides everything a node factory may need.
type Dependencies struct {
	Sessions        *session.Registry       // Named session managers
	SessionName     string                  // Session entry the node is bound to
	MetricsRegistry *metric.MetricsRegistry // Metrics registry for Prometheus (can be nil)
	HealthMonitor   *health.Monitor         // Status channel for background loops (can be nil)
	Logger          *slog.Logger            // Structured logger (can be nil, defaults to slog.Default())
	Output          Emitter                 // Receives the node's output messages
}

// GetLogger returns the configured logger or a default logger if none is provided
func (d *Dependencies) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// GetLoggerWithComponent returns a logger configured with node context
func (d *Dependencies) GetLoggerWithComponent(componentName string) *slog.Logger {
	return d.GetLogger().With("component", componentName)
}

// Session resolves the session manager named by SessionName.
func (d *Dependencies) Session() (*session.Manager, error) {
	name := d.SessionName
	if name == "" || d.Sessions == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingSession, "Dependencies", "Session", "resolve session")
	}
	return d.Sessions.Get(name)
}
