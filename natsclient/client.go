package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/c360/keybridge/errors"
)

// ConnectionStatus is the state of one client's connection.
type ConnectionStatus int

// Connection states. StatusCircuitOpen is reported by the Opener for a server
// whose circuit is open; a Client never holds it.
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// endpoint is a declared subscriber or queryable that must see EOF when the
// connection goes away.
type endpoint interface {
	terminate()
}

// Client is a session on a NATS server. It maps key expressions onto subjects
// and implements transport.Session. A Client connects once; reconnects after
// that are left to the NATS library, and a connection it gives up on closes
// the session.
type Client struct {
	url      string
	id       string
	subjects subjects
	status   atomic.Int32
	logger   *slog.Logger
	metrics  *natsMetrics

	settings connSettings

	onDisconnect     func(error)
	onReconnect      func()
	onHealthChange   func(bool)
	onConnectionLost func(error)
	healthInterval   time.Duration
	healthDone       chan struct{}

	endpointsMu sync.Mutex
	endpoints   map[endpoint]struct{}

	mu      sync.RWMutex
	conn    *nats.Conn
	closeMu sync.Mutex
	closed  atomic.Bool
}

// connSettings are the nats.Options a Client connects with. Secrets are
// cleared on Close.
type connSettings struct {
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	prefix        string
	name          string
	compression   bool

	username string
	password string
	token    string

	tlsCertFile string
	tlsKeyFile  string
	tlsCAFile   string
	tlsEnabled  bool
}

// NewClient creates a disconnected client for url.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:    url,
		id:     uuid.NewString(),
		logger: slog.Default(),
		settings: connSettings{
			maxReconnects: -1,
			reconnectWait: 2 * time.Second,
			pingInterval:  30 * time.Second,
			timeout:       5 * time.Second,
			drainTimeout:  30 * time.Second,
		},
		healthInterval: 10 * time.Second,
		endpoints:      make(map[endpoint]struct{}),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "natsclient", "client_id", c.id)

	s, err := newSubjects(c.settings.prefix)
	if err != nil {
		return nil, err
	}
	c.subjects = s
	return c, nil
}

// URL returns the server URL.
func (m *Client) URL() string { return m.url }

// ID returns the session id stamped on every outgoing message as its origin.
func (m *Client) ID() string { return m.id }

// SubjectPrefix returns the root of the data subjects.
func (m *Client) SubjectPrefix() string { return m.subjects.data }

// Status returns the connection status.
func (m *Client) Status() ConnectionStatus {
	return ConnectionStatus(m.status.Load())
}

// IsHealthy reports whether the connection is up.
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

func (m *Client) setStatus(status ConnectionStatus) {
	m.status.Store(int32(status))
	m.metrics.recordStatus(m.url, status)
}

func (m *Client) connection() *nats.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

func (m *Client) natsOptions() []nats.Option {
	s := m.settings
	opts := []nats.Option{
		nats.MaxReconnects(s.maxReconnects),
		nats.ReconnectWait(s.reconnectWait),
		nats.PingInterval(s.pingInterval),
		nats.Timeout(s.timeout),
		nats.DrainTimeout(s.drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
		nats.ErrorHandler(m.handleError),
	}

	switch {
	case s.token != "":
		opts = append(opts, nats.Token(s.token))
	case s.username != "":
		opts = append(opts, nats.UserInfo(s.username, s.password))
	}
	if s.tlsEnabled {
		if s.tlsCertFile != "" && s.tlsKeyFile != "" {
			opts = append(opts, nats.ClientCert(s.tlsCertFile, s.tlsKeyFile))
		}
		if s.tlsCAFile != "" {
			opts = append(opts, nats.RootCAs(s.tlsCAFile))
		}
	}
	if s.name != "" {
		opts = append(opts, nats.Name(s.name))
	}
	if s.compression {
		opts = append(opts, nats.Compression(true))
	}
	return opts
}

// Connect dials the server. It returns when the connection is up, the dial
// fails or ctx ends, whichever comes first.
func (m *Client) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return errors.WrapFatal(errors.ErrSessionClosed, "Client", "Connect", "connect")
	}

	m.setStatus(StatusConnecting)
	m.logger.Debug("connecting", "url", m.url)
	start := time.Now()

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(m.url, m.natsOptions()...)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			m.setStatus(StatusDisconnected)
			return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrNoConnection, r.err),
				"Client", "Connect", "establish connection")
		}
		m.mu.Lock()
		m.conn = r.conn
		m.mu.Unlock()
	case <-ctx.Done():
		m.setStatus(StatusDisconnected)
		// The dial may still succeed; that connection must not leak.
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	m.setStatus(StatusConnected)
	m.metrics.recordConnect(m.url)
	m.logger.Info("connected to NATS", "url", m.url, "duration_ms", time.Since(start).Milliseconds())

	if m.healthInterval > 0 {
		m.startHealthMonitoring()
	}
	if m.onHealthChange != nil {
		m.onHealthChange(true)
	}
	return nil
}

// IsClosed reports whether the session was closed locally or by the server.
func (m *Client) IsClosed() bool {
	if m.closed.Load() {
		return true
	}
	conn := m.connection()
	return conn == nil || conn.IsClosed()
}

// Close undeclares every endpoint and drains the connection, bounded by the
// drain timeout and ctx.
func (m *Client) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.stopHealthMonitoring()
	m.terminateEndpoints()

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.settings.username, m.settings.password, m.settings.token = "", "", ""
	m.mu.Unlock()

	defer m.setStatus(StatusDisconnected)
	if conn == nil {
		return nil
	}
	defer conn.Close()

	drainTimeout := m.settings.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		drainTimeout = min(drainTimeout, max(time.Until(deadline), 0))
	}
	drained := make(chan error, 1)
	go func() { drained <- conn.Drain() }()

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()

	select {
	case err := <-drained:
		if err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			m.logger.Warn("drain failed", "error", err)
			return errors.Wrap(err, "Client", "Close", "drain connection")
		}
		return nil
	case <-timer.C:
		m.logger.Warn("drain timed out, closing", "timeout", drainTimeout)
		return errors.WrapTransient(fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Close", "drain timeout")
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "Client", "Close", "context cancelled during drain")
	}
}

func (m *Client) connected() (*nats.Conn, error) {
	if m.closed.Load() {
		return nil, errors.ErrSessionClosed
	}
	conn := m.connection()
	if conn == nil {
		return nil, ErrNotConnected
	}
	if conn.IsClosed() {
		return nil, errors.ErrSessionClosed
	}
	return conn, nil
}

func (m *Client) track(e endpoint) {
	m.endpointsMu.Lock()
	defer m.endpointsMu.Unlock()
	m.endpoints[e] = struct{}{}
}

func (m *Client) untrack(e endpoint) {
	m.endpointsMu.Lock()
	defer m.endpointsMu.Unlock()
	delete(m.endpoints, e)
}

func (m *Client) terminateEndpoints() {
	m.endpointsMu.Lock()
	eps := make([]endpoint, 0, len(m.endpoints))
	for e := range m.endpoints {
		eps = append(eps, e)
	}
	clear(m.endpoints)
	m.endpointsMu.Unlock()

	for _, e := range eps {
		e.terminate()
	}
}

func (m *Client) handleDisconnect(_ *nats.Conn, err error) {
	if m.closed.Load() {
		return
	}
	m.setStatus(StatusReconnecting)
	m.logger.Warn("disconnected from NATS", "url", m.url, "error", err)

	if m.onDisconnect != nil {
		go m.onDisconnect(err)
	}
	if m.onHealthChange != nil {
		go m.onHealthChange(false)
	}
}

func (m *Client) handleReconnect(_ *nats.Conn) {
	m.setStatus(StatusConnected)
	m.metrics.recordReconnect(m.url)
	m.logger.Info("reconnected to NATS", "url", m.url)

	if m.onReconnect != nil {
		go m.onReconnect()
	}
	if m.onHealthChange != nil {
		go m.onHealthChange(true)
	}
}

// handleClosed runs when the connection is gone for good, either after Close
// or once reconnection gave up. Declared endpoints then see EOF.
func (m *Client) handleClosed(conn *nats.Conn) {
	m.setStatus(StatusDisconnected)
	if m.closed.Load() {
		return
	}
	m.logger.Error("NATS connection lost", "url", m.url, "error", conn.LastError())
	m.terminateEndpoints()

	if m.onConnectionLost != nil {
		go m.onConnectionLost(conn.LastError())
	}
	if m.onHealthChange != nil {
		go m.onHealthChange(false)
	}
}

func (m *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		m.logger.Error("NATS subscription error", "subject", sub.Subject, "error", err)
		return
	}
	m.logger.Error("NATS error", "error", err)
}

// startHealthMonitoring probes the connection with a round trip every
// healthInterval and reports flips to onHealthChange.
func (m *Client) startHealthMonitoring() {
	m.stopHealthMonitoring()

	done := make(chan struct{})
	m.mu.Lock()
	m.healthDone = done
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.healthInterval)
		defer ticker.Stop()
		lastHealthy := m.IsHealthy()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			conn := m.connection()
			if conn == nil {
				continue
			}

			healthy := conn.IsConnected()
			if healthy {
				if _, err := conn.RTT(); err != nil {
					healthy = false
				}
			}
			switch status := m.Status(); {
			case healthy && status != StatusConnected:
				m.setStatus(StatusConnected)
			case !healthy && status == StatusConnected:
				m.setStatus(StatusReconnecting)
			}

			if healthy != lastHealthy && m.onHealthChange != nil {
				m.onHealthChange(healthy)
			}
			lastHealthy = healthy
		}
	}()
}

func (m *Client) stopHealthMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.healthDone != nil {
		close(m.healthDone)
		m.healthDone = nil
	}
}
