// Package message defines the pipeline message exchanged between nodes.
//
// A Message is a JSON object. Besides the payload and topic it carries the
// per-message option overrides nodes honour (encoding, priority, timeout and the
// rest), the correlation fields a queryable expects (queryId, finalize, error),
// and, on messages produced from the substrate, a Meta block describing the
// sample or query they came from:
//
//	{
//	  "id": "4f1c...",
//	  "topic": "demo/ping",
//	  "payload": "pong",
//	  "queryId": "9b2e...",
//	  "priority": "data_high",
//	  "timeout": 5000,
//	  "meta": {"type": "sample", "keyExpr": "demo/ping", "encoding": "zenoh/string"}
//	}
//
// Enum overrides accept the numeric value or the lower-case name; an empty string
// or null leaves the option unset.
package message
