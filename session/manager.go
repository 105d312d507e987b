// Package session owns connections to the substrate: one Manager per configured
// locator, shared by every node that names it.
package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/health"
	"github.com/c360/keybridge/metric"
	"github.com/c360/keybridge/transport"
)

// DefaultConnectTimeout bounds a connection attempt when none is configured.
const DefaultConnectTimeout = 10 * time.Second

// State is the connection state of a Manager.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Manager lazily opens and caches one session for a locator. Concurrent callers
// share a single in-flight connection attempt. Once closed, a Manager stays closed.
type Manager struct {
	name           string
	locator        string
	opener         transport.Opener
	connectTimeout time.Duration
	logger         *slog.Logger
	metrics        *metric.Metrics
	monitor        *health.Monitor

	mu      sync.Mutex
	state   State
	session transport.Session
	group   singleflight.Group
}

// Option configures a Manager
type Option func(*Manager)

// WithName sets the name used in logs, metrics and health reports
func WithName(name string) Option {
	return func(m *Manager) {
		m.name = name
	}
}

// WithConnectTimeout bounds each shared connection attempt
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records session state and connect attempts
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(m *Manager) {
		m.metrics = registry.CoreMetrics()
	}
}

// WithHealthMonitor publishes connection state changes
func WithHealthMonitor(monitor *health.Monitor) Option {
	return func(m *Manager) {
		m.monitor = monitor
	}
}

// NewManager creates a manager for locator. No connection is made until Get.
func NewManager(locator string, opener transport.Opener, opts ...Option) (*Manager, error) {
	if locator == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingSession, "session.Manager", "NewManager", "validate locator")
	}
	if opener == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: nil opener", errors.ErrMissingConfig),
			"session.Manager", "NewManager", "validate opener")
	}

	m := &Manager{
		name:           "default",
		locator:        locator,
		opener:         opener,
		connectTimeout: DefaultConnectTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "session", "session", m.name)
	m.metrics.RecordSessionState(m.name, metric.SessionDisconnected)
	return m, nil
}

// Name returns the manager name
func (m *Manager) Name() string {
	return m.name
}

// Locator returns the configured locator
func (m *Manager) Locator() string {
	return m.locator
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Get returns the live session, connecting if necessary. If a connection attempt
// is already running, Get waits for it instead of starting another. ctx bounds only
// this caller's wait; the attempt itself is bounded by the connect timeout.
func (m *Manager) Get(ctx context.Context) (transport.Session, error) {
	m.mu.Lock()
	switch m.state {
	case Closed:
		m.mu.Unlock()
		return nil, errors.WrapFatal(errors.ErrSessionClosed, "session.Manager", "Get", "get session")
	case Connected:
		if m.session != nil && !m.session.IsClosed() {
			s := m.session
			m.mu.Unlock()
			return s, nil
		}
		m.logger.Warn("session closed by runtime, reconnecting", "locator", m.locator)
		m.session = nil
		m.setStateLocked(Disconnected)
	}
	if m.state == Disconnected {
		m.setStateLocked(Connecting)
	}
	ch := m.group.DoChan("connect", m.connect)
	m.mu.Unlock()

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(transport.Session), nil
	case <-ctx.Done():
		return nil, errors.WrapTransient(ctx.Err(), "session.Manager", "Get", "wait for connection")
	}
}

// connect runs once per shared attempt.
func (m *Manager) connect() (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
	defer cancel()

	start := time.Now()
	m.logger.Debug("opening session", "locator", m.locator)
	sess, err := m.opener.Open(ctx, m.locator)

	m.mu.Lock()
	if err != nil {
		if m.state != Closed {
			m.setStateLocked(Disconnected)
		}
		m.mu.Unlock()
		m.metrics.RecordSessionConnect(m.name, err)
		return nil, m.connectError(ctx, err)
	}

	if m.state == Closed {
		m.mu.Unlock()
		m.logger.Info("closing session opened after manager close", "locator", m.locator)
		if cerr := sess.Close(context.Background()); cerr != nil {
			m.logger.Error("failed to close late session", "error", cerr)
		}
		return nil, errors.WrapFatal(errors.ErrSessionClosed, "session.Manager", "connect", "install session")
	}

	m.session = sess
	m.setStateLocked(Connected)
	m.mu.Unlock()

	m.metrics.RecordSessionConnect(m.name, nil)
	m.logger.Info("session connected", "locator", m.locator, "duration", time.Since(start))
	return sess, nil
}

func (m *Manager) connectError(ctx context.Context, err error) error {
	switch {
	case errors.IsHostUnsupported(err):
		m.logger.Error("transport not supported on this host", "locator", m.locator, "error", err)
		m.report(err)
		return errors.WrapFatal(err, "session.Manager", "connect", "open "+m.locator)
	case stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
		err = fmt.Errorf("%w after %s: %v", errors.ErrConnectionTimeout, m.connectTimeout, err)
	}
	m.logger.Warn("session connect failed", "locator", m.locator, "error", err)
	m.report(err)
	return errors.WrapTransient(err, "session.Manager", "connect", "open "+m.locator)
}

// Close closes the live session, if any. The manager is Closed afterwards even if
// the runtime reports a close failure. Close is idempotent.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return nil
	}
	sess := m.session
	m.session = nil
	m.setStateLocked(Closed)
	m.mu.Unlock()

	if sess == nil {
		return nil
	}
	if err := sess.Close(ctx); err != nil {
		m.logger.Error("failed to close session", "error", err)
		return errors.Wrap(err, "session.Manager", "Close", "close session")
	}
	m.logger.Info("session closed")
	return nil
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	m.metrics.RecordSessionState(m.name, int(s))
	if m.monitor == nil {
		return
	}
	switch s {
	case Connected:
		m.monitor.UpdateHealthy(m.monitorName(), "connected")
	case Connecting:
		m.monitor.UpdateDegraded(m.monitorName(), "connecting")
	case Closed:
		m.monitor.Remove(m.monitorName())
	}
}

func (m *Manager) report(err error) {
	if m.monitor != nil {
		m.monitor.ReportError(m.monitorName(), err)
	}
}

func (m *Manager) monitorName() string {
	return "session/" + m.name
}
