package natsclient

import (
	"log/slog"
	"time"

	"github.com/c360/keybridge/metric"
)

// ClientOption configures a Client.
type ClientOption func(*Client) error

// WithLogger sets the client logger. Nil keeps slog.Default.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithMaxReconnects bounds automatic reconnection attempts; -1 retries forever.
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) error {
		c.settings.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the pause between reconnection attempts.
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.settings.reconnectWait = d
		return nil
	}
}

// WithPingInterval sets the server ping interval.
func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.settings.pingInterval = d
		return nil
	}
}

// WithTimeout sets the dial timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.settings.timeout = d
		return nil
	}
}

// WithDrainTimeout bounds how long Close drains in-flight messages.
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.settings.drainTimeout = d
		return nil
	}
}

// WithHealthInterval sets the round-trip probe interval; 0 disables probing.
func WithHealthInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.healthInterval = d
		return nil
	}
}

// WithCredentials authenticates with a username and password.
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.settings.username = username
		c.settings.password = password
		return nil
	}
}

// WithToken authenticates with a token. It wins over credentials.
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.settings.token = token
		return nil
	}
}

// WithTLS enables TLS. Empty paths fall back to the system roots and no
// client certificate.
func WithTLS(certFile, keyFile, caFile string) ClientOption {
	return func(c *Client) error {
		c.settings.tlsCertFile = certFile
		c.settings.tlsKeyFile = keyFile
		c.settings.tlsCAFile = caFile
		c.settings.tlsEnabled = true
		return nil
	}
}

// WithName announces name to the server.
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.settings.name = name
		return nil
	}
}

// WithCompression asks the server for compressed websocket frames.
func WithCompression(enabled bool) ClientOption {
	return func(c *Client) error {
		c.settings.compression = enabled
		return nil
	}
}

// WithSubjectPrefix sets the subject root key expressions are mapped under.
func WithSubjectPrefix(prefix string) ClientOption {
	return func(c *Client) error {
		c.settings.prefix = prefix
		return nil
	}
}

// WithDisconnectCallback runs fn, on its own goroutine, when the connection drops.
func WithDisconnectCallback(fn func(error)) ClientOption {
	return func(c *Client) error {
		c.onDisconnect = fn
		return nil
	}
}

// WithReconnectCallback runs fn, on its own goroutine, after a reconnect.
func WithReconnectCallback(fn func()) ClientOption {
	return func(c *Client) error {
		c.onReconnect = fn
		return nil
	}
}

// WithHealthChangeCallback reports connection health flips.
func WithHealthChangeCallback(fn func(healthy bool)) ClientOption {
	return func(c *Client) error {
		c.onHealthChange = fn
		return nil
	}
}

// WithConnectionLostCallback runs fn once reconnection has given up.
func WithConnectionLostCallback(fn func(error)) ClientOption {
	return func(c *Client) error {
		c.onConnectionLost = fn
		return nil
	}
}

// WithMetrics records traffic and connection state in registry. Clients that
// share a registry must share the metrics, so prefer WithOpenerMetrics when
// sessions are reopened.
func WithMetrics(registry *metric.MetricsRegistry) ClientOption {
	return func(c *Client) error {
		m, err := newNATSMetrics(registry)
		if err != nil {
			return err
		}
		c.metrics = m
		return nil
	}
}

func withNATSMetrics(m *natsMetrics) ClientOption {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}
