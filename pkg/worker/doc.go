// Package worker runs a fixed number of goroutines over a bounded queue.
//
// The flow runtime uses one pool to deliver messages between nodes so a slow node
// applies backpressure instead of spawning unbounded goroutines:
//
//	pool := worker.NewPool[Delivery](8, 1024, deliver,
//	    worker.WithMetricsRegistry[Delivery](registry, "flow"),
//	)
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
//	err := pool.SubmitWait(ctx, Delivery{...})
//
// Submit never blocks and reports ErrQueueFull when the queue is at capacity;
// SubmitWait waits for room. Stop refuses new work and drains what is already
// queued before returning.
//
// Statistics are always tracked and returned by Stats. Prometheus metrics are
// exported only when a registry is configured; every pool on a registry shares the
// same collectors, labelled by pool name.
package worker
