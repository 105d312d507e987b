// Package keybridge bridges a flow pipeline and a key-expression addressed
// pub/sub and request/reply substrate.
//
// Pipeline nodes publish samples, subscribe to key expressions, send queries
// and answer them. The substrate itself (routing, discovery, persistence) is
// provided by an external runtime; keybridge manages how local callers use a
// session to it safely.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│   cmd/keybridge  +  gateway         │  CLI, HTTP inject, websocket taps
//	└─────────────────────────────────────┘
//	           ↓ drives
//	┌─────────────────────────────────────┐
//	│   flow.Runtime                      │  Build, wire, start, stop nodes
//	│   node/{put,subscribe,query,        │  Message <-> engine calls
//	│         queryable}                  │
//	└─────────────────────────────────────┘
//	           ↓ calls
//	┌─────────────────────────────────────┐
//	│   publish  subscribe  query         │  Engines over one session
//	│   queryable                         │  Pending-query correlation
//	└─────────────────────────────────────┘
//	           ↓ share
//	┌─────────────────────────────────────┐
//	│   session.Manager                   │  One lazy, de-duplicated
//	│   transport.Opener (natsclient)     │  connection per endpoint
//	└─────────────────────────────────────┘
//
// # Query Correlation
//
// A query collects every reply, in arrival order, until the runtime closes
// the reply channel or the deadline elapses. A queryable files each incoming
// query under a fresh handle; the pipeline answers it with any number of
// replies and errors, then finalizes it. Stopping a queryable finalizes every
// query still pending.
//
//	┌────────┐  query demo/ping   ┌───────────┐  message{queryId}  ┌──────────┐
//	│ client │ ─────────────────→ │ queryable │ ─────────────────→ │ pipeline │
//	│        │ ←───── replies ─── │  engine   │ ←── reply/final ── │          │
//	└────────┘                    └───────────┘                    └──────────┘
//
// # Packages
//
// Core:
//   - payload: value to bytes encoding and back, with encoding metadata
//   - session: connection manager and registry of configured sessions
//   - query: outbound request engine
//   - queryable: responder engine and pending table
//
// Supporting:
//   - keyexpr: key expressions, selectors and parameters
//   - option, transport: option values, enums and the runtime contract
//   - natsclient: substrate runtime over NATS
//   - publish, subscribe: put and subscription engines
//   - message, component, flow, node: the pipeline
//   - gateway: HTTP and websocket surface of a running flow
//
// Infrastructure:
//   - config: YAML/JSON loading, schema and validation
//   - errors: classified errors (transient, invalid, fatal)
//   - metric, health: Prometheus registry and health monitor
//   - pkg/retry, pkg/worker, pkg/buffer, pkg/timestamp, pkg/tlsutil
//
// # Usage
//
//	opener, _ := natsclient.NewOpener()
//	transports := transport.NewRegistry()
//	opener.Register(transports)
//
//	sess, _ := session.NewManager("nats://localhost:4222", transports)
//	engine, _ := query.NewEngine(sess, query.Config{Name: "probe"})
//	replies, err := engine.Query(ctx, query.Request{Selector: "demo/**"})
//
// # Binary
//
//	keybridge validate -c keybridge.yaml
//	keybridge run -c keybridge.yaml
//	keybridge query 'demo/**' --locator nats://localhost:4222
//	keybridge put demo/a '{"v":1}' --json --locator nats://localhost:4222
//
// # Testing
//
// testutil.Network is an in-memory runtime for mem/ locators, so engines,
// nodes and the gateway are tested without a broker. natsclient integration
// tests start a NATS server with testcontainers.
package keybridge
