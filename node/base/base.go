// Package base provides the bookkeeping every pipeline node shares: metadata,
// flow counters, health status and output delivery.
package base

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/keybridge/component"
	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/health"
	"github.com/c360/keybridge/message"
	"github.com/c360/keybridge/metric"
)

// Node implements the Discoverable bookkeeping for a pipeline node. Concrete
// nodes embed it and add ports and behavior.
type Node struct {
	meta    component.Metadata
	logger  *slog.Logger
	output  component.Emitter
	metrics *metric.Metrics
	monitor *health.Monitor

	messagesIn  atomic.Int64
	messagesOut atomic.Int64
	errorCount  atomic.Int64

	mu           sync.RWMutex
	status       string
	failing      bool
	lastError    string
	lastActivity time.Time
	created      time.Time
}

// New creates the bookkeeping for the node described by meta.
func New(meta component.Metadata, deps component.Dependencies) *Node {
	n := &Node{
		meta:    meta,
		logger:  deps.GetLoggerWithComponent(meta.Type).With("node", meta.Name),
		output:  deps.Output,
		monitor: deps.HealthMonitor,
		status:  "ready",
		created: time.Now(),
	}
	if deps.MetricsRegistry != nil {
		n.metrics = deps.MetricsRegistry.CoreMetrics()
	}
	return n
}

// Meta returns the node metadata
func (n *Node) Meta() component.Metadata { return n.meta }

// Name returns the instance name
func (n *Node) Name() string { return n.meta.Name }

// Logger returns the node-scoped logger
func (n *Node) Logger() *slog.Logger { return n.logger }

// Metrics returns the core bridge metrics, nil when disabled.
func (n *Node) Metrics() *metric.Metrics { return n.metrics }

// HealthMonitor returns the shared monitor, nil when disabled.
func (n *Node) HealthMonitor() *health.Monitor { return n.monitor }

// Received counts one input message.
func (n *Node) Received() {
	n.messagesIn.Add(1)
	n.touch()
}

// Emit sends msg on an output port. Messages are dropped silently when the node
// has no output.
func (n *Node) Emit(ctx context.Context, port int, msg *message.Message) error {
	if n.output == nil {
		return nil
	}
	if msg.Source == "" {
		msg.Source = n.meta.Name
	}
	if err := n.output.Emit(ctx, port, msg); err != nil {
		return n.Fail(errors.Wrap(err, n.meta.Name, "Emit", "deliver output"))
	}
	n.messagesOut.Add(1)
	n.touch()
	return nil
}

// Fail records err against the node and returns it unchanged.
func (n *Node) Fail(err error) error {
	if err == nil {
		return nil
	}
	n.errorCount.Add(1)
	n.mu.Lock()
	n.failing = true
	n.status = "error"
	n.lastError = err.Error()
	n.mu.Unlock()
	n.metrics.RecordError(n.meta.Name, errors.Classify(err).String())
	n.logger.Debug("node operation failed", "error", err)
	return err
}

// SetStatus records a successful state such as "sent" or "3 replies" and
// clears a previous failure.
func (n *Node) SetStatus(status string) {
	n.mu.Lock()
	n.failing = false
	n.status = status
	n.mu.Unlock()
}

// Health returns current health status
func (n *Node) Health() component.HealthStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return component.HealthStatus{
		Healthy:    !n.failing,
		LastCheck:  time.Now(),
		ErrorCount: int(n.errorCount.Load()),
		LastError:  n.lastError,
		Uptime:     time.Since(n.created),
		Status:     n.status,
	}
}

// DataFlow returns current data flow metrics
func (n *Node) DataFlow() component.FlowMetrics {
	in := n.messagesIn.Load()
	errs := n.errorCount.Load()

	n.mu.RLock()
	last := n.lastActivity
	n.mu.RUnlock()

	m := component.FlowMetrics{
		MessagesIn:   in,
		MessagesOut:  n.messagesOut.Load(),
		Errors:       errs,
		LastActivity: last,
	}
	if secs := time.Since(n.created).Seconds(); secs > 0 {
		m.MessagesPerSecond = float64(in) / secs
	}
	if in > 0 {
		m.ErrorRate = float64(errs) / float64(in)
	}
	return m
}

func (n *Node) touch() {
	n.mu.Lock()
	n.lastActivity = time.Now()
	n.mu.Unlock()
}
