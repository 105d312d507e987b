// Package subscribe forwards samples received on a key expression to a handler.
package subscribe

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/health"
	"github.com/c360/keybridge/keyexpr"
	"github.com/c360/keybridge/metric"
	"github.com/c360/keybridge/transport"
)

// receiveBackoff throttles the loop after a receive failure.
const receiveBackoff = 100 * time.Millisecond

// SessionSource hands out the live session. *session.Manager implements it.
type SessionSource interface {
	Get(ctx context.Context) (transport.Session, error)
}

// Handler receives every sample. It runs on the receive loop.
type Handler func(ctx context.Context, sample transport.Sample)

// Config describes a subscription.
type Config struct {
	Name    string
	KeyExpr string
	Options transport.SubscriberOptions
}

// Subscriber owns one subscription and its receive loop.
type Subscriber struct {
	sessions SessionSource
	cfg      Config
	key      keyexpr.KeyExpr
	handler  Handler
	logger   *slog.Logger
	metrics  *metric.Metrics
	monitor  *health.Monitor

	mu      sync.Mutex
	sub     transport.Subscriber
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// Option configures a Subscriber
type Option func(*Subscriber)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Subscriber) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics counts received samples and loop errors
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Subscriber) {
		s.metrics = registry.CoreMetrics()
	}
}

// WithHealthMonitor publishes loop state
func WithHealthMonitor(monitor *health.Monitor) Option {
	return func(s *Subscriber) {
		s.monitor = monitor
	}
}

// NewSubscriber validates cfg and creates a stopped subscriber.
func NewSubscriber(sessions SessionSource, cfg Config, handler Handler, opts ...Option) (*Subscriber, error) {
	if sessions == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingSession, "subscribe.Subscriber", "NewSubscriber", "validate session")
	}
	if cfg.KeyExpr == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingKeyExpr, "subscribe.Subscriber", "NewSubscriber", "validate key expression")
	}
	key, err := keyexpr.New(cfg.KeyExpr)
	if err != nil {
		return nil, errors.WrapInvalid(err, "subscribe.Subscriber", "NewSubscriber", "validate key expression")
	}
	if handler == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "subscribe.Subscriber", "NewSubscriber", "validate handler")
	}
	if cfg.Name == "" {
		cfg.Name = "subscribe"
	}

	s := &Subscriber{
		sessions: sessions,
		cfg:      cfg,
		key:      key,
		handler:  handler,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "subscribe", "node", cfg.Name, "key_expr", cfg.KeyExpr)
	return s, nil
}

// Start declares the subscriber and starts the receive loop.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "subscribe.Subscriber", "Start", "start")
	}

	sess, err := s.sessions.Get(ctx)
	if err != nil {
		s.report(err)
		return errors.Wrap(err, "subscribe.Subscriber", "Start", "get session")
	}
	sub, err := sess.DeclareSubscriber(ctx, s.key, s.cfg.Options)
	if err != nil {
		s.report(err)
		return errors.WrapTransient(err, "subscribe.Subscriber", "Start", "declare subscriber")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.sub = sub
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(loopCtx, sub, s.done)

	s.logger.Info("subscriber declared")
	if s.monitor != nil {
		s.monitor.UpdateHealthy(s.cfg.Name, "subscribed")
	}
	return nil
}

func (s *Subscriber) loop(ctx context.Context, sub transport.Subscriber, done chan struct{}) {
	defer close(done)

	for {
		sample, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if stderrors.Is(err, io.EOF) {
				s.logger.Info("subscriber closed by runtime")
				if s.monitor != nil {
					s.monitor.UpdateDegraded(s.cfg.Name, "subscriber closed")
				}
				return
			}
			s.logger.Error("failed to receive sample", "error", err)
			s.metrics.RecordError(s.cfg.Name, errors.Classify(err).String())
			s.report(err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveBackoff):
			}
			continue
		}

		s.metrics.RecordSample(s.cfg.Name)
		s.handler(ctx, sample)
	}
}

// IsRunning reports whether the receive loop is active.
func (s *Subscriber) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop cancels the receive loop and undeclares the subscriber.
func (s *Subscriber) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, done, sub := s.cancel, s.done, s.sub
	s.sub = nil
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("receive loop did not stop in time", "timeout", timeout)
	}

	ctx, cancelStop := context.WithTimeout(context.Background(), timeout)
	defer cancelStop()

	var err error
	if uerr := sub.Undeclare(ctx); uerr != nil {
		s.logger.Error("failed to undeclare subscriber", "error", uerr)
		err = errors.Wrap(uerr, "subscribe.Subscriber", "Stop", "undeclare subscriber")
	}
	if s.monitor != nil {
		s.monitor.Remove(s.cfg.Name)
	}
	s.logger.Info("subscriber stopped")
	return err
}

func (s *Subscriber) report(err error) {
	if s.monitor != nil {
		s.monitor.ReportError(s.cfg.Name, err)
	}
}
