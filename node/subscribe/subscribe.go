// Package subscribenode is the pipeline node that emits every sample published
// on a key expression.
package subscribenode

import (
	"context"
	"encoding/json"
	"time"

	"github.com/c360/keybridge/component"
	"github.com/c360/keybridge/component/flowgraph"
	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/keyexpr"
	"github.com/c360/keybridge/message"
	"github.com/c360/keybridge/node/base"
	"github.com/c360/keybridge/option"
	"github.com/c360/keybridge/payload"
	"github.com/c360/keybridge/pkg/timestamp"
	"github.com/c360/keybridge/subscribe"
	"github.com/c360/keybridge/transport"
)

// Config holds the node configuration.
type Config struct {
	KeyExpr       string                           `json:"key_expr"`
	AllowedOrigin option.Value[transport.Locality] `json:"allowed_origin,omitzero"`
}

// Validate implements component.Validatable.
func (c *Config) Validate() error {
	if c.KeyExpr == "" {
		return errors.WrapInvalid(errors.ErrMissingKeyExpr, "subscribe", "Validate", "key_expr is required")
	}
	if err := keyexpr.Validate(c.KeyExpr); err != nil {
		return errors.WrapInvalid(err, "subscribe", "Validate", "key expression")
	}
	return nil
}

// Node forwards samples into the pipeline.
type Node struct {
	*base.Node
	cfg        Config
	subscriber *subscribe.Subscriber
}

// New is the component.Factory for subscribe nodes.
func New(name string, rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var cfg Config
	if err := component.SafeUnmarshal(rawConfig, &cfg); err != nil {
		return nil, errors.Wrap(err, "subscribe", "New", "parse config")
	}
	sessions, err := deps.Session()
	if err != nil {
		return nil, errors.Wrap(err, "subscribe", "New", "resolve session")
	}

	n := &Node{
		Node: base.New(component.Metadata{
			Name:        name,
			Type:        "subscribe",
			Description: "Emits every sample published on a key expression",
			Version:     "1.0.0",
		}, deps),
		cfg: cfg,
	}
	n.subscriber, err = subscribe.NewSubscriber(sessions, subscribe.Config{
		Name:    name,
		KeyExpr: cfg.KeyExpr,
		Options: transport.SubscriberOptions{AllowedOrigin: cfg.AllowedOrigin},
	}, n.handle,
		subscribe.WithLogger(n.Logger()),
		subscribe.WithMetrics(deps.MetricsRegistry),
		subscribe.WithHealthMonitor(deps.HealthMonitor))
	if err != nil {
		return nil, errors.Wrap(err, "subscribe", "New", "create subscriber")
	}
	return n, nil
}

// InputPorts returns nothing; subscribe nodes are sources.
func (n *Node) InputPorts() []component.Port { return nil }

// OutputPorts returns the samples output.
func (n *Node) OutputPorts() []component.Port {
	return []component.Port{component.OutputPort(0, "samples", "One message per received sample")}
}

// Binding reports the subscribed key expression.
func (n *Node) Binding() flowgraph.Binding {
	return flowgraph.Binding{Role: flowgraph.RoleSubscriber, KeyExpr: n.cfg.KeyExpr}
}

// Initialize performs no I/O.
func (n *Node) Initialize() error { return nil }

// Start declares the subscriber. ctx bounds the receive loop.
func (n *Node) Start(ctx context.Context) error {
	if err := n.subscriber.Start(ctx); err != nil {
		return n.Fail(errors.Wrap(err, n.Name(), "Start", "declare subscriber"))
	}
	n.SetStatus("subscribed")
	return nil
}

// Stop undeclares the subscriber.
func (n *Node) Stop(timeout time.Duration) error {
	if !n.subscriber.IsRunning() {
		return nil
	}
	if err := n.subscriber.Stop(timeout); err != nil {
		return n.Fail(errors.Wrap(err, n.Name(), "Stop", "undeclare subscriber"))
	}
	n.SetStatus("stopped")
	return nil
}

func (n *Node) handle(ctx context.Context, s transport.Sample) {
	n.Received()

	if err := n.Emit(ctx, 0, SampleMessage(n.Name(), s)); err != nil {
		n.Logger().Warn("failed to emit sample", "key_expr", s.KeyExpr.String(), "error", err)
	}
}

// SampleMessage converts a received sample into a pipeline message.
func SampleMessage(source string, s transport.Sample) *message.Message {
	msg := message.New(source, payload.Value(s.Payload, s.Encoding))
	msg.Topic = s.KeyExpr.String()
	msg.Meta = &message.Meta{
		Type:              message.MetaSample,
		KeyExpr:           s.KeyExpr.String(),
		Encoding:          s.Encoding,
		Kind:              s.Kind.String(),
		Timestamp:         timestamp.ToUnixMs(s.Timestamp),
		Priority:          option.Some(s.Priority),
		CongestionControl: option.Some(s.CongestionControl),
		Express:           option.Some(s.Express),
		Attachment:        s.Attachment,
	}
	return msg
}

// Register registers the subscribe node factory.
func Register(registry *component.Registry) error {
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "subscribe",
		Factory:     New,
		Type:        "bridge",
		Description: "Emits every sample published on a key expression",
		Version:     "1.0.0",
	})
}
