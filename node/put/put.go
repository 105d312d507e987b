// Package putnode is the pipeline node that publishes each input message on a
// key expression.
package putnode

import (
	"context"
	"encoding/json"

	"github.com/c360/keybridge/component"
	"github.com/c360/keybridge/component/flowgraph"
	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/keyexpr"
	"github.com/c360/keybridge/message"
	"github.com/c360/keybridge/node/base"
	"github.com/c360/keybridge/option"
	"github.com/c360/keybridge/publish"
	"github.com/c360/keybridge/transport"
)

// Config holds the node configuration. Option values left empty are unset and
// use the runtime defaults.
type Config struct {
	// KeyExpr is used when a message names no key, or always with ForceKeyExpr.
	KeyExpr      string `json:"key_expr"`
	ForceKeyExpr bool   `json:"force_key_expr"`

	Encoding           option.Value[string]                      `json:"encoding,omitzero"`
	Priority           option.Value[transport.Priority]          `json:"priority,omitzero"`
	CongestionControl  option.Value[transport.CongestionControl] `json:"congestion_control,omitzero"`
	Express            option.Value[bool]                        `json:"express,omitzero"`
	Reliability        option.Value[transport.Reliability]       `json:"reliability,omitzero"`
	AllowedDestination option.Value[transport.Locality]          `json:"allowed_destination,omitzero"`
}

// Validate implements component.Validatable.
func (c *Config) Validate() error {
	if c.KeyExpr != "" {
		if err := keyexpr.Validate(c.KeyExpr); err != nil {
			return errors.WrapInvalid(err, "put", "Validate", "key expression")
		}
	} else if c.ForceKeyExpr {
		return errors.WrapInvalid(errors.ErrMissingKeyExpr, "put", "Validate", "force_key_expr requires key_expr")
	}
	return nil
}

func (c *Config) defaults() transport.PutOptions {
	return transport.PutOptions{
		Encoding:           c.Encoding,
		Priority:           c.Priority,
		CongestionControl:  c.CongestionControl,
		Express:            c.Express,
		Reliability:        c.Reliability,
		AllowedDestination: c.AllowedDestination,
	}
}

// Node publishes input messages.
type Node struct {
	*base.Node
	cfg       Config
	publisher *publish.Publisher
}

// New is the component.Factory for put nodes.
func New(name string, rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var cfg Config
	if err := component.SafeUnmarshal(rawConfig, &cfg); err != nil {
		return nil, errors.Wrap(err, "put", "New", "parse config")
	}
	sessions, err := deps.Session()
	if err != nil {
		return nil, errors.Wrap(err, "put", "New", "resolve session")
	}

	n := &Node{
		Node: base.New(component.Metadata{
			Name:        name,
			Type:        "put",
			Description: "Publishes each input message on a key expression",
			Version:     "1.0.0",
		}, deps),
		cfg: cfg,
	}
	n.publisher, err = publish.NewPublisher(sessions, publish.Config{
		Name:         name,
		KeyExpr:      cfg.KeyExpr,
		ForceKeyExpr: cfg.ForceKeyExpr,
		Defaults:     cfg.defaults(),
	}, publish.WithLogger(n.Logger()), publish.WithMetrics(deps.MetricsRegistry))
	if err != nil {
		return nil, errors.Wrap(err, "put", "New", "create publisher")
	}
	return n, nil
}

// InputPorts returns the message input.
func (n *Node) InputPorts() []component.Port {
	return []component.Port{component.InputPort("Messages to publish; keyExpr or topic select the key")}
}

// OutputPorts returns nothing; put nodes are sinks.
func (n *Node) OutputPorts() []component.Port { return nil }

// Binding reports the configured key expression.
func (n *Node) Binding() flowgraph.Binding {
	return flowgraph.Binding{Role: flowgraph.RolePublisher, KeyExpr: n.cfg.KeyExpr}
}

// Process publishes msg. The key is msg.KeyExpr, then msg.Topic, then the
// configured key, unless ForceKeyExpr pins the configured one.
func (n *Node) Process(ctx context.Context, msg *message.Message) error {
	n.Received()

	err := n.publisher.Publish(ctx, publish.Request{
		KeyExpr: base.FirstNonEmpty(msg.KeyExpr, msg.Topic),
		Payload: msg.Payload,
		Options: base.PutOptions(msg),
	})
	if err != nil {
		return n.Fail(errors.Wrap(err, n.Name(), "Process", "publish"))
	}
	n.SetStatus("sent")
	return nil
}

// Register registers the put node factory.
func Register(registry *component.Registry) error {
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "put",
		Factory:     New,
		Type:        "bridge",
		Description: "Publishes each input message on a key expression",
		Version:     "1.0.0",
	})
}
