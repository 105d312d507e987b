// Package worker provides the bounded worker pool that delivers pipeline messages.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/keybridge/metric"
)

// Pool processes work items of type T on a fixed set of goroutines.
type Pool[T any] struct {
	name      string
	workers   int
	queueSize int
	processor func(context.Context, T) error
	logger    *slog.Logger

	workChan chan T
	quit     chan struct{}
	metrics  *poolMetrics
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	metricsRegistry *metric.MetricsRegistry
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry exports the pool's queue depth and throughput under the
// given pool name.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, name string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		if name != "" {
			p.name = name
		}
	}
}

// WithLogger sets the logger used for processing failures
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(p *Pool[T]) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool creates a pool. Non-positive sizes fall back to 10 workers and a queue of
// 1000. It panics on a nil processor.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	p := &Pool[T]{
		name:      "default",
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		logger:    slog.Default(),
		workChan:  make(chan T, queueSize),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "worker_pool", "pool", p.name)
	if p.metricsRegistry != nil {
		p.metrics = metricsFor(p.metricsRegistry)
	}
	return p
}

// Submit enqueues work without blocking. A full queue drops the item.
func (p *Pool[T]) Submit(work T) error {
	if err := p.accepting(); err != nil {
		return err
	}
	select {
	case p.workChan <- work:
		p.recordSubmit()
		return nil
	default:
		p.dropped.Add(1)
		p.metrics.drop(p.name)
		return ErrQueueFull
	}
}

// SubmitWait enqueues work, waiting for queue space until ctx is done or the pool
// stops.
func (p *Pool[T]) SubmitWait(ctx context.Context, work T) error {
	if err := p.accepting(); err != nil {
		return err
	}
	select {
	case p.workChan <- work:
		p.recordSubmit()
		return nil
	case <-p.quit:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool[T]) accepting() error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}
	return nil
}

func (p *Pool[T]) recordSubmit() {
	p.submitted.Add(1)
	p.metrics.submit(p.name, len(p.workChan))
}

// Start launches the workers. ctx bounds every processor call.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.started = true
	return nil
}

// Stop refuses new work, lets the workers drain what is queued and waits up to
// timeout for them.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.quit)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case work := <-p.workChan:
			p.process(ctx, work)
		case <-p.quit:
			for {
				select {
				case work := <-p.workChan:
					p.process(ctx, work)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool[T]) process(ctx context.Context, work T) {
	start := time.Now()
	err := p.processor(ctx, work)
	p.processed.Add(1)
	if err != nil {
		p.failed.Add(1)
		p.logger.Debug("Work item failed", "error", err)
	}
	p.metrics.done(p.name, len(p.workChan), time.Since(start), err)
}

// poolMetrics is shared by every pool on one registry; pools are told apart by the
// pool label.
type poolMetrics struct {
	queueDepth *prometheus.GaugeVec
	submitted  *prometheus.CounterVec
	processed  *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

var (
	sharedMu      sync.Mutex
	sharedMetrics = map[*metric.MetricsRegistry]*poolMetrics{}
)

func metricsFor(registry *metric.MetricsRegistry) *poolMetrics {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if m, ok := sharedMetrics[registry]; ok {
		return m
	}

	m := &poolMetrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "keybridge", Subsystem: "worker", Name: "queue_depth",
			Help: "Current worker pool queue depth",
		}, []string{"pool"}),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keybridge", Subsystem: "worker", Name: "submitted_total",
			Help: "Total work items submitted",
		}, []string{"pool"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keybridge", Subsystem: "worker", Name: "processed_total",
			Help: "Total work items processed",
		}, []string{"pool", "status"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keybridge", Subsystem: "worker", Name: "dropped_total",
			Help: "Total work items dropped due to a full queue",
		}, []string{"pool"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "keybridge", Subsystem: "worker", Name: "processing_duration_seconds",
			Help:    "Time spent processing work items",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"pool"}),
	}

	// Registration failures leave the collectors unexported but usable.
	_ = registry.RegisterGaugeVec("worker_pool", "queue_depth", m.queueDepth)
	_ = registry.RegisterCounterVec("worker_pool", "submitted_total", m.submitted)
	_ = registry.RegisterCounterVec("worker_pool", "processed_total", m.processed)
	_ = registry.RegisterCounterVec("worker_pool", "dropped_total", m.dropped)
	_ = registry.RegisterHistogramVec("worker_pool", "processing_duration_seconds", m.duration)

	sharedMetrics[registry] = m
	return m
}

func (m *poolMetrics) submit(pool string, depth int) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(pool).Inc()
	m.queueDepth.WithLabelValues(pool).Set(float64(depth))
}

func (m *poolMetrics) drop(pool string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(pool).Inc()
}

func (m *poolMetrics) done(pool string, depth int, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.processed.WithLabelValues(pool, status).Inc()
	m.queueDepth.WithLabelValues(pool).Set(float64(depth))
	m.duration.WithLabelValues(pool).Observe(d.Seconds())
}
