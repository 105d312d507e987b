package metric

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/keybridge/errors"
)

// MetricsRegistrar is what engines and the NATS runtime need to publish
// their own collectors.
type MetricsRegistrar interface {
	RegisterCounterVec(owner, metricName string, counterVec *prometheus.CounterVec) error
	RegisterGaugeVec(owner, metricName string, gaugeVec *prometheus.GaugeVec) error
	RegisterHistogramVec(owner, metricName string, histogramVec *prometheus.HistogramVec) error
	Unregister(owner, metricName string) bool
}

// MetricsRegistry owns a private Prometheus registry holding the core bridge
// metrics, Go runtime collectors and any collectors registered by owners.
type MetricsRegistry struct {
	prom    *prometheus.Registry
	Metrics *Metrics

	mu    sync.RWMutex
	owned map[string]prometheus.Collector // keyed by owner.name
}

// NewMetricsRegistry creates a registry with the core metrics registered.
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prom:    prometheus.NewRegistry(),
		Metrics: NewMetrics(),
		owned:   make(map[string]prometheus.Collector),
	}
	r.prom.MustRegister(r.Metrics.collectors()...)
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry exposes the underlying registry, mainly for Gather.
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prom
}

// CoreMetrics returns the core metrics. Safe on a nil registry, so callers
// built without metrics can skip a nil check.
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	if r == nil {
		return nil
	}
	return r.Metrics
}

// Handler serves the registry for scraping, OpenMetrics included.
func (r *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (r *MetricsRegistry) RegisterCounterVec(owner, metricName string, counterVec *prometheus.CounterVec) error {
	return r.register("RegisterCounterVec", owner, metricName, counterVec)
}

func (r *MetricsRegistry) RegisterGaugeVec(owner, metricName string, gaugeVec *prometheus.GaugeVec) error {
	return r.register("RegisterGaugeVec", owner, metricName, gaugeVec)
}

func (r *MetricsRegistry) RegisterHistogramVec(owner, metricName string, histogramVec *prometheus.HistogramVec) error {
	return r.register("RegisterHistogramVec", owner, metricName, histogramVec)
}

// register adds c under owner.metricName. Registering the same key twice,
// or a collector Prometheus already knows, is an invalid error.
func (r *MetricsRegistry) register(method, owner, metricName string, c prometheus.Collector) error {
	key := owner + "." + metricName

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.owned[key]; dup {
		return errors.WrapInvalid(fmt.Errorf("metric %s already registered for %s", metricName, owner),
			"MetricsRegistry", method, "register "+key)
	}

	err := r.prom.Register(c)
	var already prometheus.AlreadyRegisteredError
	switch {
	case err == nil:
		r.owned[key] = c
		return nil
	case stderrors.As(err, &already):
		return errors.WrapInvalid(err, "MetricsRegistry", method, "register "+key)
	default:
		return errors.WrapFatal(err, "MetricsRegistry", method, "register "+key)
	}
}

// Unregister removes the collector registered under owner.metricName and
// reports whether one was removed.
func (r *MetricsRegistry) Unregister(owner, metricName string) bool {
	key := owner + "." + metricName

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.owned[key]
	if !ok || !r.prom.Unregister(c) {
		return false
	}
	delete(r.owned, key)
	return true
}
