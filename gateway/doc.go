// Package gateway exposes a running flow over HTTP.
//
// Routes:
//
//	POST /api/nodes/{name}/inject   deliver a JSON message to a node input (rate limited)
//	GET  /api/nodes                 status of every node
//	GET  /api/nodes/{name}          status of one node
//	GET  /api/nodes/{name}/ws       websocket stream of a node's outputs
//	GET  /api/flow                  connectivity analysis
//	GET  /api/config                configuration with credentials masked
//	GET  /health                    aggregate of the health monitor
//	GET  /metrics                   Prometheus exposition
//
// Every JSON route echoes or assigns an X-Request-ID header. Errors are
// returned as {"error": ..., "status": ...} with internal detail removed:
// invalid requests map to 400, transient failures to 503 (504 on timeout).
//
// Stream frames are Envelope values. Each client has a bounded ring buffer;
// when it fills, the oldest frames for that client are dropped and counted in
// Stats.
//
// Setting http.tls.cert_file and key_file serves every route over HTTPS.
// Listing client_ca_files adds client certificate verification, optionally
// required and restricted to allowed common names.
package gateway
