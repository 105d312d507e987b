// Package metric provides Prometheus-based metrics for keybridge.
//
// MetricsRegistry owns a private prometheus.Registry holding the bridge core metrics
// (session state, query and responder activity, publications, errors) together with
// the Go runtime and process collectors. Components that need their own collectors
// register them through the MetricsRegistrar interface, keyed by owner and name so
// duplicate registrations fail with an Invalid error instead of a panic.
//
// Basic usage:
//
//	registry := metric.NewMetricsRegistry()
//	m := registry.CoreMetrics()
//	m.RecordSessionState("default", metric.SessionConnected)
//	m.RecordQuery("ping", replies, failures, time.Since(start), err)
//
//	mux.Handle("/metrics", registry.Handler())
//
// Record methods are safe on a nil *Metrics, so components built without a registry
// need no conditionals.
package metric
