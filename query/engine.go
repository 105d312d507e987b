// Package query issues requests against a key-expression selector and collects the
// replies in arrival order.
package query

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"time"

	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/keyexpr"
	"github.com/c360/keybridge/metric"
	"github.com/c360/keybridge/option"
	"github.com/c360/keybridge/payload"
	"github.com/c360/keybridge/transport"
)

// DefaultTimeout applies when neither the call nor the node configures a timeout.
const DefaultTimeout = 10 * time.Second

// SessionSource hands out the live session. *session.Manager implements it.
type SessionSource interface {
	Get(ctx context.Context) (transport.Session, error)
}

// Config holds the node-level defaults of an Engine.
type Config struct {
	// Name identifies the engine in logs and metrics.
	Name string
	// Selector is used when a request carries none.
	Selector string
	// Defaults fill every option the request leaves unset.
	Defaults transport.GetOptions
}

// Request is one query.
type Request struct {
	Selector string
	// Payload is encoded with the payload codec; nil sends no payload.
	Payload any
	Options transport.GetOptions
}

// Success is a reply carrying a sample.
type Success struct {
	KeyExpr    keyexpr.KeyExpr
	Payload    []byte
	Encoding   string
	Kind       transport.SampleKind
	Timestamp  time.Time
	Attachment []byte
}

// Failure is an error reply from a responder.
type Failure struct {
	Payload  []byte
	Encoding string
}

// Reply is exactly one of Success or Failure.
type Reply struct {
	Success *Success
	Failure *Failure
}

// OK reports whether the reply is a Success.
func (r Reply) OK() bool {
	return r.Success != nil
}

// classify copies reply payloads so results never alias runtime buffers.
func classify(r transport.Reply) Reply {
	if r.Sample != nil {
		return Reply{Success: &Success{
			KeyExpr:    r.Sample.KeyExpr,
			Payload:    payload.Decode(r.Sample.Payload),
			Encoding:   r.Sample.Encoding,
			Kind:       r.Sample.Kind,
			Timestamp:  r.Sample.Timestamp,
			Attachment: r.Sample.Attachment,
		}}
	}
	f := &Failure{}
	if r.Err != nil {
		f.Payload = payload.Decode(r.Err.Payload)
		f.Encoding = r.Err.Encoding
	}
	return Reply{Failure: f}
}

// Engine runs queries through a shared session.
type Engine struct {
	sessions SessionSource
	cfg      Config
	logger   *slog.Logger
	metrics  *metric.Metrics
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records query counts, replies and durations
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(e *Engine) {
		e.metrics = registry.CoreMetrics()
	}
}

// NewEngine creates an engine. A configured default selector must be valid.
func NewEngine(sessions SessionSource, cfg Config, opts ...Option) (*Engine, error) {
	if sessions == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingSession, "query.Engine", "NewEngine", "validate session")
	}
	if cfg.Selector != "" {
		if _, err := keyexpr.ParseSelector(cfg.Selector); err != nil {
			return nil, errors.WrapInvalid(err, "query.Engine", "NewEngine", "validate selector")
		}
	}
	if cfg.Name == "" {
		cfg.Name = "query"
	}

	e := &Engine{
		sessions: sessions,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "query", "node", cfg.Name)
	return e, nil
}

// Query issues req and returns every reply received before the stream completed.
//
// A reply stream that fails part way is not an error: the replies collected so far
// are returned. Cancelling ctx ends collection and returns the partial replies
// together with the context error.
func (e *Engine) Query(ctx context.Context, req Request) ([]Reply, error) {
	selector := req.Selector
	if selector == "" {
		selector = e.cfg.Selector
	}
	if selector == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingSelector, "query.Engine", "Query", "resolve selector")
	}
	sel, err := keyexpr.ParseSelector(selector)
	if err != nil {
		return nil, errors.WrapInvalid(err, "query.Engine", "Query", "parse selector")
	}

	opts := e.resolveOptions(req)

	start := time.Now()
	sess, err := e.sessions.Get(ctx)
	if err != nil {
		e.metrics.RecordQuery(e.cfg.Name, 0, 0, time.Since(start), err)
		return nil, errors.Wrap(err, "query.Engine", "Query", "get session")
	}

	timeout, _ := opts.Timeout.Get()
	e.logger.Debug("issuing query", "selector", sel.String(), "timeout", timeout)

	rx, err := sess.Get(ctx, sel, opts)
	if err != nil {
		e.metrics.RecordQuery(e.cfg.Name, 0, 0, time.Since(start), err)
		return nil, errors.WrapTransient(err, "query.Engine", "Query", "issue query")
	}

	replies, err := e.collect(ctx, rx)
	ok := 0
	for _, r := range replies {
		if r.OK() {
			ok++
		}
	}
	e.metrics.RecordQuery(e.cfg.Name, ok, len(replies)-ok, time.Since(start), err)
	e.logger.Debug("query complete", "selector", sel.String(), "reply_count", len(replies),
		"duration", time.Since(start))
	return replies, err
}

func (e *Engine) resolveOptions(req Request) transport.GetOptions {
	opts := option.Merge(req.Options, e.cfg.Defaults)
	if !opts.Timeout.IsSet() {
		opts.Timeout = option.Some(DefaultTimeout)
	}
	if req.Payload != nil {
		data, kind := payload.Encode(req.Payload)
		opts.Payload = option.Some(data)
		if !opts.Encoding.IsSet() {
			opts.Encoding = option.Some(kind.Encoding())
		}
	}
	return opts
}

func (e *Engine) collect(ctx context.Context, rx transport.Receiver[transport.Reply]) ([]Reply, error) {
	replies := make([]Reply, 0)
	for {
		r, err := rx.Receive(ctx)
		if err == nil {
			replies = append(replies, classify(r))
			continue
		}
		if stderrors.Is(err, io.EOF) {
			return replies, nil
		}
		if ctx.Err() != nil {
			return replies, errors.Wrap(ctx.Err(), "query.Engine", "Query", "receive replies")
		}
		e.logger.Warn("reply stream ended with error", "error", err, "reply_count", len(replies))
		return replies, nil
	}
}
