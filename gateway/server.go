package gateway

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/c360/keybridge/config"
	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/flow"
	"github.com/c360/keybridge/health"
	"github.com/c360/keybridge/metric"
	"github.com/c360/keybridge/pkg/tlsutil"
)

// MaxRequestSize bounds an inject request body.
const MaxRequestSize int64 = 1 << 20

// SystemName is the component name of the aggregate health report.
const SystemName = "keybridge"

// Server exposes a flow runtime over HTTP and websockets.
type Server struct {
	rt      *flow.Runtime
	cfg     config.HTTPConfig
	logger  *slog.Logger
	metrics *metric.MetricsRegistry
	monitor *health.Monitor
	config  *config.SafeConfig

	limiter  *rate.Limiter
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	requests *prometheus.CounterVec

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	tls      *tls.Config
	shutdown chan struct{}
	streams  sync.WaitGroup

	running        atomic.Bool
	stopped        bool
	requestsTotal  atomic.Uint64
	requestsFailed atomic.Uint64
	clients        atomic.Int64
	dropped        atomic.Uint64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics serves the registry on /metrics and counts requests into it.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Server) { s.metrics = registry }
}

// WithHealthMonitor serves the monitor aggregate on /health.
func WithHealthMonitor(monitor *health.Monitor) Option {
	return func(s *Server) { s.monitor = monitor }
}

// WithConfig serves the sanitized configuration on /api/config.
func WithConfig(cfg *config.SafeConfig) Option {
	return func(s *Server) { s.config = cfg }
}

// NewServer creates a gateway for rt. It does not listen until Start.
func NewServer(rt *flow.Runtime, cfg config.HTTPConfig, opts ...Option) (*Server, error) {
	if rt == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "NewServer", "flow runtime is required")
	}
	if cfg.InjectRate < 0 || cfg.InjectBurst < 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "NewServer", "rate limits must not be negative")
	}

	s := &Server{
		rt:       rt,
		cfg:      cfg,
		logger:   slog.Default(),
		shutdown: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "gateway")
	s.limiter = newLimiter(cfg.InjectRate, cfg.InjectBurst)

	tlsConfig, err := tlsutil.LoadServerConfig(tlsutil.ServerConfig{
		CertFile:          cfg.TLS.CertFile,
		KeyFile:           cfg.TLS.KeyFile,
		MinVersion:        cfg.TLS.MinVersion,
		ClientCAFiles:     cfg.TLS.ClientCAFiles,
		RequireClientCert: cfg.TLS.RequireClientCert,
		AllowedClientCNs:  cfg.TLS.AllowedClientCNs,
	})
	if err != nil {
		return nil, err
	}
	s.tls = tlsConfig

	if s.metrics != nil {
		s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keybridge",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Gateway requests by route and status code",
		}, []string{"route", "code"})
		if err := s.metrics.RegisterCounterVec("gateway", "requests_total", s.requests); err != nil {
			return nil, err
		}
	}

	s.mux = http.NewServeMux()
	s.routes()
	return s, nil
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond == 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (s *Server) routes() {
	s.handle("POST /api/nodes/{name}/inject", "inject", s.handleInject)
	s.handle("GET /api/nodes", "nodes", s.handleNodes)
	s.handle("GET /api/nodes/{name}", "node", s.handleNode)
	s.mux.HandleFunc("GET /api/nodes/{name}/ws", s.handleStream)
	s.handle("GET /api/flow", "flow", s.handleFlow)
	s.handle("GET /api/config", "config", s.handleConfig)
	s.handle("GET /health", "health", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// Handler returns the gateway routes, for mounting or testing without Start.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Server", "Start", "gateway already running")
	}
	if s.stopped {
		return errors.WrapFatal(errors.ErrShuttingDown, "Server", "Start", "gateway was stopped")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", "listen on "+s.cfg.Addr)
	}
	if s.tls != nil {
		ln = tls.NewListener(ln, s.tls)
	}

	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.running.Store(true)

	srv := s.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway server failed", "error", err)
		}
	}()

	s.logger.Info("gateway listening", "addr", ln.Addr().String(), "tls", s.tls != nil)
	return nil
}

// Addr returns the bound address, or "" when not started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes open streams and shuts the server down within timeout. A
// stopped server cannot be started again.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	s.stopped = true
	close(s.shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.srv.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	s.listener = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown")
	}
	return nil
}

// Stats reports request and stream counters.
type Stats struct {
	Requests int64  `json:"requests"`
	Failed   int64  `json:"failed"`
	Clients  int64  `json:"clients"`
	Dropped  uint64 `json:"dropped"`
}

// Stats returns a snapshot of the gateway counters.
func (s *Server) Stats() Stats {
	return Stats{
		Requests: int64(s.requestsTotal.Load()),
		Failed:   int64(s.requestsFailed.Load()),
		Clients:  s.clients.Load(),
		Dropped:  s.dropped.Load(),
	}
}
