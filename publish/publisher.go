// Package publish puts single values on a key expression.
package publish

import (
	"context"
	"log/slog"

	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/keyexpr"
	"github.com/c360/keybridge/metric"
	"github.com/c360/keybridge/option"
	"github.com/c360/keybridge/payload"
	"github.com/c360/keybridge/transport"
)

// SessionSource hands out the live session. *session.Manager implements it.
type SessionSource interface {
	Get(ctx context.Context) (transport.Session, error)
}

// Config holds the node-level defaults of a Publisher.
type Config struct {
	Name string
	// KeyExpr is used when a request carries none, or always when ForceKeyExpr is set.
	KeyExpr      string
	ForceKeyExpr bool
	Defaults     transport.PutOptions
}

// Request is one publication.
type Request struct {
	KeyExpr string
	Payload any
	Options transport.PutOptions
}

// Publisher encodes payloads and puts them through a shared session.
type Publisher struct {
	sessions SessionSource
	cfg      Config
	logger   *slog.Logger
	metrics  *metric.Metrics
}

// Option configures a Publisher
type Option func(*Publisher)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics counts publications and failures
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(p *Publisher) {
		p.metrics = registry.CoreMetrics()
	}
}

// NewPublisher creates a publisher. A configured default key must be valid, and
// ForceKeyExpr requires one.
func NewPublisher(sessions SessionSource, cfg Config, opts ...Option) (*Publisher, error) {
	if sessions == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingSession, "publish.Publisher", "NewPublisher", "validate session")
	}
	if cfg.KeyExpr != "" {
		if err := keyexpr.Validate(cfg.KeyExpr); err != nil {
			return nil, errors.WrapInvalid(err, "publish.Publisher", "NewPublisher", "validate key expression")
		}
	} else if cfg.ForceKeyExpr {
		return nil, errors.WrapInvalid(errors.ErrMissingKeyExpr, "publish.Publisher", "NewPublisher", "validate key expression")
	}
	if cfg.Name == "" {
		cfg.Name = "put"
	}

	p := &Publisher{
		sessions: sessions,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "publish", "node", cfg.Name)
	return p, nil
}

// ResolveKey returns the key a request would be published on.
func (p *Publisher) ResolveKey(requested string) (keyexpr.KeyExpr, error) {
	key := requested
	if p.cfg.ForceKeyExpr || key == "" {
		key = p.cfg.KeyExpr
	}
	if key == "" {
		return "", errors.WrapInvalid(errors.ErrMissingKeyExpr, "publish.Publisher", "Publish", "resolve key expression")
	}
	k, err := keyexpr.New(key)
	if err != nil {
		return "", errors.WrapInvalid(err, "publish.Publisher", "Publish", "resolve key expression")
	}
	return k, nil
}

// Publish encodes req.Payload and puts it on the resolved key.
func (p *Publisher) Publish(ctx context.Context, req Request) error {
	key, err := p.ResolveKey(req.KeyExpr)
	if err != nil {
		return err
	}
	if req.Payload == nil {
		return errors.WrapInvalid(errors.ErrMissingPayload, "publish.Publisher", "Publish", "validate payload")
	}

	data, kind := payload.Encode(req.Payload)
	opts := option.Merge(req.Options, p.cfg.Defaults)
	if !opts.Encoding.IsSet() {
		opts.Encoding = option.Some(kind.Encoding())
	}

	sess, err := p.sessions.Get(ctx)
	if err != nil {
		p.metrics.RecordError(p.cfg.Name, errors.Classify(err).String())
		return errors.Wrap(err, "publish.Publisher", "Publish", "get session")
	}
	if err := sess.Put(ctx, key, data, opts); err != nil {
		p.metrics.RecordError(p.cfg.Name, errors.Classify(err).String())
		p.logger.Warn("put failed", "key_expr", key.String(), "error", err)
		if errors.IsInvalid(err) {
			return errors.WrapInvalid(err, "publish.Publisher", "Publish", "put")
		}
		return errors.WrapTransient(err, "publish.Publisher", "Publish", "put")
	}

	p.metrics.RecordPublished(p.cfg.Name)
	p.logger.Debug("published", "key_expr", key.String(), "bytes", len(data), "encoding", opts.Encoding.OrElse(""))
	return nil
}
