// Package queryablenode is the pipeline node that answers queries on a key
// expression. Incoming queries are emitted with a queryId; messages sent back
// to the node with that queryId reply to, fail or finalize the query.
package queryablenode

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/c360/keybridge/component"
	"github.com/c360/keybridge/component/flowgraph"
	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/keyexpr"
	"github.com/c360/keybridge/message"
	"github.com/c360/keybridge/node/base"
	"github.com/c360/keybridge/option"
	"github.com/c360/keybridge/payload"
	"github.com/c360/keybridge/queryable"
	"github.com/c360/keybridge/transport"
)

// Config holds the node configuration.
type Config struct {
	KeyExpr       string                           `json:"key_expr"`
	Complete      option.Value[bool]               `json:"complete,omitzero"`
	AllowedOrigin option.Value[transport.Locality] `json:"allowed_origin,omitzero"`

	// Reply defaults; a message answering a query overrides each of them.
	Encoding          option.Value[string]                      `json:"encoding,omitzero"`
	Priority          option.Value[transport.Priority]          `json:"priority,omitzero"`
	CongestionControl option.Value[transport.CongestionControl] `json:"congestion_control,omitzero"`
	Express           option.Value[bool]                        `json:"express,omitzero"`
	// Attachment is encoded with the payload codec.
	Attachment any `json:"attachment,omitempty"`
	// ErrorEncoding tags error replies.
	ErrorEncoding option.Value[string] `json:"error_encoding,omitzero"`
}

func (c *Config) replyDefaults() transport.ReplyOptions {
	opts := transport.ReplyOptions{
		Encoding:          c.Encoding,
		Priority:          c.Priority,
		CongestionControl: c.CongestionControl,
		Express:           c.Express,
	}
	if c.Attachment != nil {
		data, _ := payload.Encode(c.Attachment)
		opts.Attachment = option.Some(data)
	}
	return opts
}

// Validate implements component.Validatable.
func (c *Config) Validate() error {
	if c.KeyExpr == "" {
		return errors.WrapInvalid(errors.ErrMissingKeyExpr, "queryable", "Validate", "key_expr is required")
	}
	if err := keyexpr.Validate(c.KeyExpr); err != nil {
		return errors.WrapInvalid(err, "queryable", "Validate", "key expression")
	}
	return nil
}

// Node declares a queryable and correlates pipeline answers with queries.
type Node struct {
	*base.Node
	cfg    Config
	engine *queryable.Engine

	mu      sync.Mutex
	started bool
}

// New is the component.Factory for queryable nodes.
func New(name string, rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var cfg Config
	if err := component.SafeUnmarshal(rawConfig, &cfg); err != nil {
		return nil, errors.Wrap(err, "queryable", "New", "parse config")
	}
	sessions, err := deps.Session()
	if err != nil {
		return nil, errors.Wrap(err, "queryable", "New", "resolve session")
	}

	n := &Node{
		Node: base.New(component.Metadata{
			Name:        name,
			Type:        "queryable",
			Description: "Answers queries on a key expression from the pipeline",
			Version:     "1.0.0",
		}, deps),
		cfg: cfg,
	}
	n.engine, err = queryable.NewEngine(sessions, queryable.Config{
		Name:    name,
		KeyExpr: cfg.KeyExpr,
		Options: transport.QueryableOptions{Complete: cfg.Complete, AllowedOrigin: cfg.AllowedOrigin},

		ReplyDefaults: cfg.replyDefaults(),
		ErrorDefaults: transport.ReplyErrOptions{Encoding: cfg.ErrorEncoding},
	}, n.handle,
		queryable.WithLogger(n.Logger()),
		queryable.WithMetrics(deps.MetricsRegistry),
		queryable.WithHealthMonitor(deps.HealthMonitor))
	if err != nil {
		return nil, errors.Wrap(err, "queryable", "New", "create engine")
	}
	return n, nil
}

// InputPorts returns the answer input.
func (n *Node) InputPorts() []component.Port {
	return []component.Port{component.InputPort("Answers carrying queryId: reply, error or finalize")}
}

// OutputPorts returns the queries output.
func (n *Node) OutputPorts() []component.Port {
	return []component.Port{component.OutputPort(0, "queries", "One message per received query")}
}

// Binding reports the declared key expression.
func (n *Node) Binding() flowgraph.Binding {
	return flowgraph.Binding{Role: flowgraph.RoleResponder, KeyExpr: n.cfg.KeyExpr}
}

// Pending returns the number of queries awaiting finalization.
func (n *Node) Pending() int {
	return n.engine.Pending()
}

// Initialize performs no I/O.
func (n *Node) Initialize() error { return nil }

// Start declares the queryable. ctx bounds the receive loop.
func (n *Node) Start(ctx context.Context) error {
	if err := n.engine.Start(ctx); err != nil {
		return n.Fail(errors.Wrap(err, n.Name(), "Start", "declare queryable"))
	}
	n.mu.Lock()
	n.started = true
	n.mu.Unlock()
	n.SetStatus("ready")
	return nil
}

// Stop finalizes pending queries and undeclares the queryable.
func (n *Node) Stop(timeout time.Duration) error {
	n.mu.Lock()
	started := n.started
	n.started = false
	n.mu.Unlock()
	if !started {
		return nil
	}
	if err := n.engine.Stop(timeout); err != nil {
		return n.Fail(errors.Wrap(err, n.Name(), "Stop", "undeclare queryable"))
	}
	n.SetStatus("stopped")
	return nil
}

func (n *Node) handle(ctx context.Context, in queryable.Incoming) {
	n.Received()

	var body any
	if in.Payload != nil {
		body = payload.Value(in.Payload, in.Encoding)
	}
	msg := message.New(n.Name(), body)
	msg.Topic = in.KeyExpr.String()
	msg.QueryID = in.Handle.String()
	msg.Meta = &message.Meta{
		Type:       message.MetaQuery,
		KeyExpr:    in.KeyExpr.String(),
		Parameters: string(in.Parameters),
		Selector:   in.Selector.String(),
		Encoding:   in.Encoding,
		Attachment: in.Attachment,
	}

	if err := n.Emit(ctx, 0, msg); err != nil {
		// Nobody can answer; release the requester now instead of at its timeout.
		n.Logger().Warn("failed to emit query, finalizing", "query_id", msg.QueryID, "error", err)
		if ferr := n.engine.Finalize(ctx, in.Handle); ferr != nil {
			n.Logger().Warn("failed to finalize unemitted query", "query_id", msg.QueryID, "error", ferr)
		}
	}
}

// Process applies the answer in msg to the query named by msg.QueryID: finalize
// when msg.Finalize is set, an error reply when msg.Error is set, otherwise a
// reply on msg.KeyExpr or msg.Topic.
func (n *Node) Process(ctx context.Context, msg *message.Message) error {
	n.Received()

	action, h, err := n.action(msg)
	if err == nil {
		err = n.engine.Respond(ctx, h, action)
	}
	if err != nil {
		return n.Fail(errors.Wrap(err, n.Name(), "Process", "answer query"))
	}
	n.SetStatus("ready")
	return nil
}

func (n *Node) action(msg *message.Message) (queryable.Action, queryable.Handle, error) {
	if msg.QueryID == "" {
		return nil, queryable.Handle{}, errors.WrapInvalid(errors.ErrMissingQueryID, n.Name(), "Process", "read queryId")
	}
	h, err := queryable.ParseHandle(msg.QueryID)
	if err != nil {
		return nil, queryable.Handle{}, err
	}

	switch {
	case msg.Finalize:
		return queryable.Finalize{}, h, nil
	case msg.Error:
		return queryable.Error{Payload: msg.Payload, Options: base.ReplyErrOptions(msg)}, h, nil
	}

	key := base.FirstNonEmpty(msg.KeyExpr, msg.Topic)
	if key == "" {
		return nil, h, errors.WrapInvalid(errors.ErrMissingKeyExpr, n.Name(), "Process", "resolve reply key")
	}
	return queryable.Reply{
		KeyExpr: keyexpr.KeyExpr(key),
		Payload: msg.Payload,
		Options: base.ReplyOptions(msg),
	}, h, nil
}

// Register registers the queryable node factory.
func Register(registry *component.Registry) error {
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "queryable",
		Factory:     New,
		Type:        "bridge",
		Description: "Answers queries on a key expression from the pipeline",
		Version:     "1.0.0",
	})
}
