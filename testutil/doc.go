// Package testutil provides in-memory fakes and builders for tests.
//
// # Network
//
// Network is an in-memory substrate runtime implementing transport.Opener.
// Sessions opened on one Network see each other's publications and queries,
// routed by key expression intersection. Faults can be injected:
//
//	net := testutil.NewNetwork()
//	net.SetReachable(false)          // Open fails with a connection error
//	net.SetOpenDelay(50*time.Millisecond)
//	net.SetFinalizeFault(func(q transport.Query) error { ... })
//
// Counters (OpenCalls, OpenSessions, Queryables, Published) let tests assert
// how the code under test used the runtime.
//
// # Recorder
//
// Recorder captures pipeline output and satisfies component.Emitter, so node
// tests can hand it to a factory as Dependencies.Output and wait for messages:
//
//	rec := testutil.NewRecorder()
//	...
//	msgs := rec.WaitForCount(t, 1, time.Second)
//
// # FlowBuilder
//
// FlowBuilder assembles configuration documents with sessions and nodes for
// config and flow runtime tests.
//
// The package does not import session or component so that their own tests can
// use it.
package testutil
