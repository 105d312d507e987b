// Package flow runs a configured pipeline of bridge nodes.
//
// A Runtime builds every enabled node of a config.Config through the
// component registry, binds it to its named session and wires its output
// ports to the inputs of other nodes:
//
//	rt, err := flow.NewRuntime(registry, sessions,
//		flow.WithLogger(logger),
//		flow.WithMetrics(metrics),
//		flow.WithWorkers(cfg.Flow.Workers, cfg.Flow.QueueSize))
//	if err := rt.Build(cfg); err != nil {
//		return err
//	}
//	if err := rt.Start(ctx); err != nil {
//		return err
//	}
//	defer rt.Stop(5 * time.Second)
//
// Messages travel between nodes through a bounded worker pool, so a slow
// node applies back pressure to its producers instead of growing a queue
// without limit. Fan-out wires give every target its own copy of the
// message envelope.
//
// Nodes start in name order and stop in reverse. A node that fails to start
// stops the ones started before it.
//
// Taps observe a node's output without being part of the flow; the gateway
// uses them to stream node output over websockets. Inject feeds a message to
// a node input from outside the flow.
package flow
