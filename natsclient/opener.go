package natsclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/metric"
	"github.com/c360/keybridge/transport"
)

// Schemes lists the locator schemes the NATS runtime serves.
var Schemes = []string{"nats", "tls", "ws", "wss", "tcp"}

// Opener opens a connected Client per locator. It implements transport.Opener.
// Connects to a server that keeps failing are cut short by a circuit breaker
// shared by the opener and everything derived from it.
type Opener struct {
	opts    []ClientOption
	metrics *natsMetrics
	breaker *breaker
}

// OpenerOption configures an Opener
type OpenerOption func(*Opener) error

// WithClientOptions applies opts to every client the opener creates
func WithClientOptions(opts ...ClientOption) OpenerOption {
	return func(o *Opener) error {
		o.opts = append(o.opts, opts...)
		return nil
	}
}

// WithOpenerMetrics registers the runtime metrics once and shares them across
// every client the opener creates
func WithOpenerMetrics(registry *metric.MetricsRegistry) OpenerOption {
	return func(o *Opener) error {
		m, err := newNATSMetrics(registry)
		if err != nil {
			return err
		}
		o.metrics = m
		return nil
	}
}

// WithCircuitBreaker opens the circuit for a server after threshold
// consecutive failed connects, backing off up to maxBackoff. A threshold below
// one disables the breaker.
func WithCircuitBreaker(threshold int, maxBackoff time.Duration) OpenerOption {
	return func(o *Opener) error {
		o.breaker = newBreaker(threshold, maxBackoff)
		return nil
	}
}

// NewOpener creates an opener.
func NewOpener(opts ...OpenerOption) (*Opener, error) {
	o := &Opener{breaker: newBreaker(DefaultBreakerThreshold, DefaultBreakerMaxBackoff)}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errors.WrapInvalid(err, "Opener", "NewOpener", "apply option")
		}
	}
	return o, nil
}

// Derive returns an opener with opts appended that shares o's metrics, so
// sessions with different credentials can report into one registry.
func (o *Opener) Derive(opts ...ClientOption) *Opener {
	return &Opener{
		opts:    append(append([]ClientOption{}, o.opts...), opts...),
		metrics: o.metrics,
		breaker: o.breaker,
	}
}

// Register binds the opener to its schemes in r.
func (o *Opener) Register(r *transport.Registry) {
	r.Register(o, Schemes...)
}

// Open connects a new client to locator.
func (o *Opener) Open(ctx context.Context, locator string) (transport.Session, error) {
	url, err := ServerURL(locator)
	if err != nil {
		return nil, err
	}
	if wait, ok := o.breaker.allow(url); !ok {
		o.metrics.recordStatus(url, StatusCircuitOpen)
		return nil, errors.WrapTransient(fmt.Errorf("%w, retry in %v", ErrCircuitOpen, wait.Round(time.Millisecond)),
			"Opener", "Open", "check circuit")
	}

	opts := append([]ClientOption{}, o.opts...)
	if o.metrics != nil {
		opts = append(opts, withNATSMetrics(o.metrics))
	}
	client, err := NewClient(url, opts...)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		_ = client.Close(context.Background())
		// A caller giving up says nothing about the server.
		if ctx.Err() == nil {
			if _, opened := o.breaker.failure(url); opened {
				o.metrics.recordStatus(url, StatusCircuitOpen)
			}
		}
		return nil, err
	}
	o.breaker.success(url)
	return client, nil
}

// ServerURL converts a locator into a NATS server URL. URL forms pass through;
// "tcp/host:port" and "tls/host:port" become nats:// and tls:// URLs. Several
// comma separated endpoints are kept as a server list.
func ServerURL(locator string) (string, error) {
	parts := strings.Split(strings.TrimSpace(locator), ",")
	for i, p := range parts {
		u, err := serverURL(strings.TrimSpace(p))
		if err != nil {
			return "", err
		}
		parts[i] = u
	}
	return strings.Join(parts, ","), nil
}

func serverURL(locator string) (string, error) {
	scheme := transport.Scheme(locator)
	switch {
	case strings.Contains(locator, "://"):
		switch scheme {
		case "nats", "tls", "ws", "wss":
			return locator, nil
		}
	case scheme == "tcp":
		return "nats://" + strings.TrimPrefix(locator, locator[:len(scheme)+1]), nil
	case scheme == "tls":
		return "tls://" + strings.TrimPrefix(locator, locator[:len(scheme)+1]), nil
	}
	return "", &errors.UnsupportedHostError{
		Locator:   locator,
		Scheme:    scheme,
		Supported: Schemes,
		Hint:      fmt.Sprintf("The NATS runtime accepts nats://host:port, tls://host:port, ws(s)://host:port, tcp/host:port or tls/host:port, not %q.", locator),
	}
}
