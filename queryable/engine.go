// Package queryable answers queries from the pipeline. Each incoming query is parked
// in a pending table under a fresh Handle until the pipeline finalizes it.
package queryable

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/health"
	"github.com/c360/keybridge/keyexpr"
	"github.com/c360/keybridge/metric"
	"github.com/c360/keybridge/option"
	"github.com/c360/keybridge/payload"
	"github.com/c360/keybridge/transport"
)

// defaultErrorPayload is sent by Error actions without a payload.
const defaultErrorPayload = "Error"

// lateFinalizeTimeout bounds the finalize of a query received while stopping.
const lateFinalizeTimeout = 5 * time.Second

// SessionSource hands out the live session. *session.Manager implements it.
type SessionSource interface {
	Get(ctx context.Context) (transport.Session, error)
}

// Handler receives every incoming query. It runs on the receive loop and should
// hand the query off rather than block.
type Handler func(ctx context.Context, in Incoming)

// Config describes a responder.
type Config struct {
	// Name identifies the engine in logs, metrics and health reports.
	Name    string
	KeyExpr string
	Options transport.QueryableOptions
	// ReplyDefaults and ErrorDefaults fill the options an action leaves unset.
	ReplyDefaults transport.ReplyOptions
	ErrorDefaults transport.ReplyErrOptions
}

type entry struct {
	mu      sync.Mutex
	query   transport.Query
	errored bool
	done    bool
}

// Engine declares a queryable and correlates pipeline actions with pending queries.
type Engine struct {
	sessions SessionSource
	cfg      Config
	key      keyexpr.KeyExpr
	handler  Handler
	logger   *slog.Logger
	metrics  *metric.Metrics
	monitor  *health.Monitor

	mu        sync.Mutex
	pending   map[Handle]*entry
	queryable transport.Queryable
	cancel    context.CancelFunc
	done      chan struct{}
	running   bool
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

// WithMetrics records incoming queries, actions and the pending table size
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(e *Engine) {
		e.metrics = registry.CoreMetrics()
	}
}

// WithHealthMonitor publishes loop failures, which have no caller to return to
func WithHealthMonitor(monitor *health.Monitor) Option {
	return func(e *Engine) {
		e.monitor = monitor
	}
}

// NewEngine validates cfg and creates a stopped engine.
func NewEngine(sessions SessionSource, cfg Config, handler Handler, opts ...Option) (*Engine, error) {
	if sessions == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingSession, "queryable.Engine", "NewEngine", "validate session")
	}
	if cfg.KeyExpr == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingKeyExpr, "queryable.Engine", "NewEngine", "validate key expression")
	}
	key, err := keyexpr.New(cfg.KeyExpr)
	if err != nil {
		return nil, errors.WrapInvalid(err, "queryable.Engine", "NewEngine", "validate key expression")
	}
	if handler == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: nil handler", errors.ErrMissingConfig),
			"queryable.Engine", "NewEngine", "validate handler")
	}
	if cfg.Name == "" {
		cfg.Name = "queryable"
	}

	e := &Engine{
		sessions: sessions,
		cfg:      cfg,
		key:      key,
		handler:  handler,
		logger:   slog.Default(),
		pending:  make(map[Handle]*entry),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "queryable", "node", cfg.Name, "key_expr", cfg.KeyExpr)
	return e, nil
}

// Start declares the queryable and starts the receive loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "queryable.Engine", "Start", "start")
	}

	sess, err := e.sessions.Get(ctx)
	if err != nil {
		e.report(err)
		return errors.Wrap(err, "queryable.Engine", "Start", "get session")
	}
	qa, err := sess.DeclareQueryable(ctx, e.key, e.cfg.Options)
	if err != nil {
		e.report(err)
		return errors.WrapTransient(err, "queryable.Engine", "Start", "declare queryable")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.queryable = qa
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true

	// Healthy first, so an immediate loop failure is not overwritten.
	if e.monitor != nil {
		e.monitor.UpdateHealthy(e.cfg.Name, "waiting for queries")
	}
	go e.loop(loopCtx, qa, e.done)

	e.logger.Info("queryable declared", "complete", e.cfg.Options.Complete.OrElse(false))
	return nil
}

func (e *Engine) loop(ctx context.Context, qa transport.Queryable, done chan struct{}) {
	defer close(done)

	for {
		q, err := qa.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if stderrors.Is(err, io.EOF) {
				e.logger.Info("queryable closed by runtime")
				if e.monitor != nil {
					e.monitor.UpdateDegraded(e.cfg.Name, "queryable closed")
				}
				return
			}
			// A broken receiver ends this loop only; pending queries stay
			// answerable until Stop.
			e.logger.Error("receive loop stopped", "error", err)
			e.metrics.RecordError(e.cfg.Name, errors.Classify(err).String())
			e.report(err)
			return
		}

		h := newHandle()
		e.mu.Lock()
		if ctx.Err() != nil {
			// Stop already swept the table.
			e.mu.Unlock()
			e.finalizeLate(ctx, h, q)
			return
		}
		e.pending[h] = &entry{query: q}
		pending := len(e.pending)
		e.mu.Unlock()

		e.metrics.RecordQueryableQuery(e.cfg.Name, pending)
		e.logger.Debug("query received", "query_id", h.String(), "selector", q.Selector().String())

		e.handler(ctx, Incoming{
			Handle:     h,
			KeyExpr:    q.KeyExpr(),
			Parameters: q.Parameters(),
			Selector:   q.Selector(),
			Payload:    q.Payload(),
			Encoding:   q.Encoding(),
			Attachment: q.Attachment(),
		})
	}
}

func (e *Engine) finalizeLate(ctx context.Context, h Handle, q transport.Query) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lateFinalizeTimeout)
	defer cancel()
	if err := q.Finalize(fctx); err != nil {
		e.logger.Warn("failed to finalize query received during stop", "query_id", h.String(), "error", err)
	}
}

// Respond applies action to the pending query identified by h. Actions on the same
// handle are serialized. Unknown or finalized handles yield ErrQueryNotFound and
// leave the table unchanged. An error is sent at most once per query; replies
// and Finalize stay legal after it.
func (e *Engine) Respond(ctx context.Context, h Handle, action Action) error {
	if action == nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: nil action", errors.ErrInvalidData), "queryable.Engine", "Respond", "validate action")
	}

	e.mu.Lock()
	ent, ok := e.pending[h]
	e.mu.Unlock()
	if !ok {
		return errors.WrapInvalid(errors.ErrQueryNotFound, "queryable.Engine", "Respond", "lookup "+h.String())
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.done {
		return errors.WrapInvalid(errors.ErrQueryNotFound, "queryable.Engine", "Respond", "lookup "+h.String())
	}

	var err error
	switch a := action.(type) {
	case Reply:
		err = e.reply(ctx, ent, a)
	case Error:
		if ent.errored {
			err = errors.WrapInvalid(errors.ErrQueryErrored, "queryable.Engine", "Respond", "error "+h.String())
			break
		}
		err = e.replyErr(ctx, ent, a)
		ent.errored = err == nil
	case Finalize:
		err = ent.query.Finalize(ctx)
		if err == nil {
			ent.done = true
			e.mu.Lock()
			delete(e.pending, h)
			e.mu.Unlock()
		}
	default:
		err = errors.WrapInvalid(fmt.Errorf("%w: unsupported action %T", errors.ErrInvalidData, action),
			"queryable.Engine", "Respond", "dispatch action")
	}

	e.metrics.RecordQueryableAction(e.cfg.Name, action.actionName(), e.Pending(), err)
	if err != nil {
		e.logger.Warn("query action failed", "query_id", h.String(), "action", action.actionName(), "error", err)
		if errors.IsInvalid(err) {
			return err
		}
		return errors.WrapTransient(err, "queryable.Engine", "Respond", action.actionName())
	}
	return nil
}

func (e *Engine) reply(ctx context.Context, ent *entry, a Reply) error {
	if a.KeyExpr == "" {
		return errors.WrapInvalid(errors.ErrMissingKeyExpr, "queryable.Engine", "Respond", "validate reply")
	}
	if err := keyexpr.Validate(string(a.KeyExpr)); err != nil {
		return errors.WrapInvalid(err, "queryable.Engine", "Respond", "validate reply")
	}
	if a.Payload == nil {
		return errors.WrapInvalid(errors.ErrMissingPayload, "queryable.Engine", "Respond", "validate reply")
	}
	data, kind := payload.Encode(a.Payload)
	opts := option.Merge(a.Options, e.cfg.ReplyDefaults)
	if !opts.Encoding.IsSet() {
		opts.Encoding = option.Some(kind.Encoding())
	}
	return ent.query.Reply(ctx, a.KeyExpr, data, opts)
}

func (e *Engine) replyErr(ctx context.Context, ent *entry, a Error) error {
	body := a.Payload
	if body == nil {
		body = defaultErrorPayload
	}
	data, kind := payload.Encode(body)
	opts := option.Merge(a.Options, e.cfg.ErrorDefaults)
	if !opts.Encoding.IsSet() {
		opts.Encoding = option.Some(kind.Encoding())
	}
	return ent.query.ReplyErr(ctx, data, opts)
}

// Reply sends a successful answer for h.
func (e *Engine) Reply(ctx context.Context, h Handle, key keyexpr.KeyExpr, body any, opts transport.ReplyOptions) error {
	return e.Respond(ctx, h, Reply{KeyExpr: key, Payload: body, Options: opts})
}

// Error sends an error answer for h.
func (e *Engine) Error(ctx context.Context, h Handle, body any, opts transport.ReplyErrOptions) error {
	return e.Respond(ctx, h, Error{Payload: body, Options: opts})
}

// Finalize completes the query for h.
func (e *Engine) Finalize(ctx context.Context, h Handle) error {
	return e.Respond(ctx, h, Finalize{})
}

// Pending returns the number of queries awaiting finalization.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// IsRunning reports whether the receive loop is active.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Stop cancels the receive loop, finalizes every pending query and undeclares the
// queryable. Finalize failures are logged and never stop the shutdown.
func (e *Engine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel, done, qa := e.cancel, e.done, e.queryable
	e.queryable = nil
	e.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(timeout):
		e.logger.Warn("receive loop did not stop in time", "timeout", timeout)
	}

	ctx, cancelStop := context.WithTimeout(context.Background(), timeout)
	defer cancelStop()

	e.finalizeAll(ctx)

	var err error
	if qa != nil {
		if uerr := qa.Undeclare(ctx); uerr != nil {
			e.logger.Error("failed to undeclare queryable", "error", uerr)
			err = errors.Wrap(uerr, "queryable.Engine", "Stop", "undeclare queryable")
		}
	}
	if e.monitor != nil {
		e.monitor.Remove(e.cfg.Name)
	}
	e.logger.Info("queryable stopped")
	return err
}

func (e *Engine) finalizeAll(ctx context.Context) {
	e.mu.Lock()
	entries := make(map[Handle]*entry, len(e.pending))
	for h, ent := range e.pending {
		entries[h] = ent
	}
	e.pending = make(map[Handle]*entry)
	e.mu.Unlock()

	for h, ent := range entries {
		ent.mu.Lock()
		if !ent.done {
			if err := ent.query.Finalize(ctx); err != nil {
				e.logger.Warn("failed to finalize pending query on stop", "query_id", h.String(), "error", err)
			}
			ent.done = true
		}
		ent.mu.Unlock()
	}
	e.metrics.RecordQueryableAction(e.cfg.Name, "stop", 0, nil)
}

func (e *Engine) report(err error) {
	if e.monitor != nil {
		e.monitor.ReportError(e.cfg.Name, err)
	}
}
