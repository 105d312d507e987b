package natsclient

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/keybridge/metric"
)

// natsMetrics tracks traffic and connection state of every client built from
// the same opener. All methods are nil-safe.
type natsMetrics struct {
	status     *prometheus.GaugeVec
	connects   *prometheus.CounterVec
	reconnects *prometheus.CounterVec
	messages   *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	dropped    *prometheus.CounterVec
}

func newNATSMetrics(registry *metric.MetricsRegistry) (*natsMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &natsMetrics{
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "keybridge",
			Subsystem: "nats",
			Name:      "connection_status",
			Help:      "Connection status (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=circuit_open)",
		}, []string{"url"}),

		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keybridge",
			Subsystem: "nats",
			Name:      "connects_total",
			Help:      "Successful connections",
		}, []string{"url"}),

		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keybridge",
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Automatic reconnections",
		}, []string{"url"}),

		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keybridge",
			Subsystem: "nats",
			Name:      "messages_total",
			Help:      "Messages by direction and type",
		}, []string{"direction", "type"}),

		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keybridge",
			Subsystem: "nats",
			Name:      "payload_bytes_total",
			Help:      "Payload bytes by direction",
		}, []string{"direction"}),

		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keybridge",
			Subsystem: "nats",
			Name:      "dropped_total",
			Help:      "Inbound messages discarded by reason",
		}, []string{"reason"}),
	}

	if err := registry.RegisterGaugeVec("natsclient", "connection_status", m.status); err != nil {
		return nil, err
	}
	counters := map[string]*prometheus.CounterVec{
		"connects_total":      m.connects,
		"reconnects_total":    m.reconnects,
		"messages_total":      m.messages,
		"payload_bytes_total": m.bytes,
		"dropped_total":       m.dropped,
	}
	for name, vec := range counters {
		if err := registry.RegisterCounterVec("natsclient", name, vec); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *natsMetrics) recordStatus(url string, s ConnectionStatus) {
	if m == nil {
		return
	}
	m.status.WithLabelValues(url).Set(float64(s))
}

func (m *natsMetrics) recordConnect(url string) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(url).Inc()
}

func (m *natsMetrics) recordReconnect(url string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(url).Inc()
}

func (m *natsMetrics) recordOut(kind string, n int) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues("out", kind).Inc()
	m.bytes.WithLabelValues("out").Add(float64(n))
}

func (m *natsMetrics) recordIn(kind string, n int) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues("in", kind).Inc()
	m.bytes.WithLabelValues("in").Add(float64(n))
}

func (m *natsMetrics) recordDrop(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}
