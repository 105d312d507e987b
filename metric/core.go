package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "keybridge"

// Session states reported by the session_state gauge.
const (
	SessionDisconnected = 0
	SessionConnecting   = 1
	SessionConnected    = 2
	SessionClosed       = 3
)

// Metrics contains the bridge-level metrics shared by every node
type Metrics struct {
	// Session metrics
	SessionState    *prometheus.GaugeVec
	SessionConnects *prometheus.CounterVec

	// Query metrics
	Queries       *prometheus.CounterVec
	QueryReplies  *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec

	// Queryable metrics
	QueryablePending *prometheus.GaugeVec
	QueryableQueries *prometheus.CounterVec
	QueryableActions *prometheus.CounterVec

	// Pub/sub metrics
	MessagesPublished *prometheus.CounterVec
	SamplesReceived   *prometheus.CounterVec

	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all bridge metrics
func NewMetrics() *Metrics {
	return &Metrics{
		SessionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "state",
				Help:      "Session state (0=disconnected, 1=connecting, 2=connected, 3=closed)",
			},
			[]string{"session"},
		),

		SessionConnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "connects_total",
				Help:      "Total number of connect attempts by result",
			},
			[]string{"session", "result"},
		),

		Queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queries_total",
				Help:      "Total number of queries issued by result",
			},
			[]string{"node", "result"},
		),

		QueryReplies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "replies_total",
				Help:      "Total number of query replies received by kind (ok, error)",
			},
			[]string{"node", "kind"},
		),

		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "duration_seconds",
				Help:      "Time from query issue to reply stream completion",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"node"},
		),

		QueryablePending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queryable",
				Name:      "pending",
				Help:      "Number of queries awaiting finalization",
			},
			[]string{"node"},
		),

		QueryableQueries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queryable",
				Name:      "queries_total",
				Help:      "Total number of queries received by responders",
			},
			[]string{"node"},
		),

		QueryableActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queryable",
				Name:      "actions_total",
				Help:      "Total number of responder actions by action and result",
			},
			[]string{"node", "action", "result"},
		),

		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "published_total",
				Help:      "Total number of publications",
			},
			[]string{"node"},
		),

		SamplesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "samples",
				Name:      "received_total",
				Help:      "Total number of samples received by subscribers",
			},
			[]string{"node"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by error class",
			},
			[]string{"node", "kind"},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.SessionState,
		c.SessionConnects,
		c.Queries,
		c.QueryReplies,
		c.QueryDuration,
		c.QueryablePending,
		c.QueryableQueries,
		c.QueryableActions,
		c.MessagesPublished,
		c.SamplesReceived,
		c.ErrorsTotal,
	}
}

// RecordSessionState updates the session state gauge
func (c *Metrics) RecordSessionState(session string, state int) {
	if c == nil {
		return
	}
	c.SessionState.WithLabelValues(session).Set(float64(state))
}

// RecordSessionConnect counts a connect attempt
func (c *Metrics) RecordSessionConnect(session string, err error) {
	if c == nil {
		return
	}
	c.SessionConnects.WithLabelValues(session, result(err)).Inc()
}

// RecordQuery records a completed query
func (c *Metrics) RecordQuery(node string, ok, failed int, duration time.Duration, err error) {
	if c == nil {
		return
	}
	c.Queries.WithLabelValues(node, result(err)).Inc()
	c.QueryReplies.WithLabelValues(node, "ok").Add(float64(ok))
	c.QueryReplies.WithLabelValues(node, "error").Add(float64(failed))
	c.QueryDuration.WithLabelValues(node).Observe(duration.Seconds())
}

// RecordQueryableQuery counts an incoming query and updates the pending gauge
func (c *Metrics) RecordQueryableQuery(node string, pending int) {
	if c == nil {
		return
	}
	c.QueryableQueries.WithLabelValues(node).Inc()
	c.QueryablePending.WithLabelValues(node).Set(float64(pending))
}

// RecordQueryableAction counts a responder action and updates the pending gauge
func (c *Metrics) RecordQueryableAction(node, action string, pending int, err error) {
	if c == nil {
		return
	}
	c.QueryableActions.WithLabelValues(node, action, result(err)).Inc()
	c.QueryablePending.WithLabelValues(node).Set(float64(pending))
}

// RecordPublished increments the publication counter
func (c *Metrics) RecordPublished(node string) {
	if c == nil {
		return
	}
	c.MessagesPublished.WithLabelValues(node).Inc()
}

// RecordSample increments the received sample counter
func (c *Metrics) RecordSample(node string) {
	if c == nil {
		return
	}
	c.SamplesReceived.WithLabelValues(node).Inc()
}

// RecordError increments the error counter
func (c *Metrics) RecordError(node, kind string) {
	if c == nil {
		return
	}
	c.ErrorsTotal.WithLabelValues(node, kind).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
