// Package querynode is the pipeline node that turns each input message into a
// query and emits the collected replies as one message.
package querynode

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360/keybridge/component"
	"github.com/c360/keybridge/component/flowgraph"
	"github.com/c360/keybridge/config"
	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/keyexpr"
	"github.com/c360/keybridge/message"
	"github.com/c360/keybridge/node/base"
	"github.com/c360/keybridge/option"
	"github.com/c360/keybridge/payload"
	"github.com/c360/keybridge/pkg/timestamp"
	"github.com/c360/keybridge/query"
	"github.com/c360/keybridge/transport"
)

// Config holds the node configuration.
type Config struct {
	// Selector is used when a message carries neither selector nor topic.
	Selector string `json:"selector"`
	// Timeout in milliseconds, as a number or numeric string. Defaults to 10000.
	Timeout any `json:"timeout,omitempty"`

	Target             option.Value[transport.QueryTarget]       `json:"target,omitzero"`
	Consolidation      option.Value[transport.ConsolidationMode] `json:"consolidation,omitzero"`
	Priority           option.Value[transport.Priority]          `json:"priority,omitzero"`
	CongestionControl  option.Value[transport.CongestionControl] `json:"congestion_control,omitzero"`
	Express            option.Value[bool]                        `json:"express,omitzero"`
	AllowedDestination option.Value[transport.Locality]          `json:"allowed_destination,omitzero"`
	Encoding           option.Value[string]                      `json:"encoding,omitzero"`

	// Attachment and Payload are encoded with the payload codec. Payload is
	// sent when the triggering message carries none.
	Attachment any `json:"attachment,omitempty"`
	Payload    any `json:"payload,omitempty"`
}

// Validate implements component.Validatable.
func (c *Config) Validate() error {
	if c.Selector == "" {
		return nil
	}
	if _, err := keyexpr.ParseSelector(c.Selector); err != nil {
		return errors.WrapInvalid(err, "query", "Validate", "selector")
	}
	return nil
}

func (c *Config) defaults() transport.GetOptions {
	return transport.GetOptions{
		Timeout:            option.Some(config.ParseTimeout(c.Timeout)),
		Target:             c.Target,
		Consolidation:      c.Consolidation,
		Priority:           c.Priority,
		CongestionControl:  c.CongestionControl,
		Express:            c.Express,
		AllowedDestination: c.AllowedDestination,
		Encoding:           c.Encoding,
		Attachment:         encoded(c.Attachment),
		Payload:            encoded(c.Payload),
	}
}

func encoded(v any) option.Value[[]byte] {
	if v == nil {
		return option.None[[]byte]()
	}
	data, _ := payload.Encode(v)
	return option.Some(data)
}

// Node issues queries.
type Node struct {
	*base.Node
	cfg    Config
	engine *query.Engine
}

// New is the component.Factory for query nodes.
func New(name string, rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var cfg Config
	if err := component.SafeUnmarshal(rawConfig, &cfg); err != nil {
		return nil, errors.Wrap(err, "query", "New", "parse config")
	}
	sessions, err := deps.Session()
	if err != nil {
		return nil, errors.Wrap(err, "query", "New", "resolve session")
	}

	n := &Node{
		Node: base.New(component.Metadata{
			Name:        name,
			Type:        "query",
			Description: "Queries a selector and emits the replies",
			Version:     "1.0.0",
		}, deps),
		cfg: cfg,
	}
	n.engine, err = query.NewEngine(sessions, query.Config{
		Name:     name,
		Selector: cfg.Selector,
		Defaults: cfg.defaults(),
	}, query.WithLogger(n.Logger()), query.WithMetrics(deps.MetricsRegistry))
	if err != nil {
		return nil, errors.Wrap(err, "query", "New", "create engine")
	}
	return n, nil
}

// InputPorts returns the query trigger input.
func (n *Node) InputPorts() []component.Port {
	return []component.Port{component.InputPort("Query triggers; selector or topic override the configured selector")}
}

// OutputPorts returns the replies output.
func (n *Node) OutputPorts() []component.Port {
	return []component.Port{component.OutputPort(0, "replies", "The input message with the reply array as payload")}
}

// Binding reports the configured selector's key expression.
func (n *Node) Binding() flowgraph.Binding {
	b := flowgraph.Binding{Role: flowgraph.RoleRequester}
	if sel, err := keyexpr.ParseSelector(n.cfg.Selector); err == nil {
		b.KeyExpr = sel.KeyExpr.String()
	}
	return b
}

// Process queries msg.Selector, else msg.Topic, else the configured selector,
// and emits a copy of msg whose payload is the array of replies. Nothing is
// emitted when no reply arrived.
func (n *Node) Process(ctx context.Context, msg *message.Message) error {
	n.Received()
	n.SetStatus("querying")

	replies, err := n.engine.Query(ctx, query.Request{
		Selector: base.FirstNonEmpty(msg.Selector, msg.Topic),
		Payload:  msg.Payload,
		Options:  base.GetOptions(msg),
	})
	if len(replies) > 0 {
		out := msg.Clone()
		out.Payload = ReplyMessages(replies)
		if emitErr := n.Emit(ctx, 0, out); emitErr != nil && err == nil {
			err = emitErr
		}
	}
	if err != nil {
		return n.Fail(errors.Wrap(err, n.Name(), "Process", "query"))
	}
	n.SetStatus(fmt.Sprintf("%d replies", len(replies)))
	return nil
}

// ReplyMessages converts replies into pipeline messages in arrival order.
func ReplyMessages(replies []query.Reply) []*message.Message {
	out := make([]*message.Message, 0, len(replies))
	for _, r := range replies {
		out = append(out, replyMessage(r))
	}
	return out
}

func replyMessage(r query.Reply) *message.Message {
	if s := r.Success; s != nil {
		m := message.New("", payload.Value(s.Payload, s.Encoding))
		m.Topic = s.KeyExpr.String()
		m.Meta = &message.Meta{
			Type:       message.MetaSample,
			KeyExpr:    s.KeyExpr.String(),
			Encoding:   s.Encoding,
			Kind:       s.Kind.String(),
			Timestamp:  timestamp.ToUnixMs(s.Timestamp),
			Attachment: s.Attachment,
		}
		return m
	}

	f := r.Failure
	if f == nil {
		f = &query.Failure{}
	}
	m := message.New("", payload.Value(f.Payload, f.Encoding))
	m.Error = true
	m.Meta = &message.Meta{Type: message.MetaError, Encoding: f.Encoding}
	return m
}

// Register registers the query node factory.
func Register(registry *component.Registry) error {
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "query",
		Factory:     New,
		Type:        "bridge",
		Description: "Queries a selector and emits the replies",
		Version:     "1.0.0",
	})
}
