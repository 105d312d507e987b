// Package natsclient runs the key-expression session contract on top of NATS core.
//
// The client wraps the NATS Go client with context propagation on every call
// and structured slog logging. It is reached
// through an Opener registered on a transport.Registry, so the rest of the bridge
// only ever sees a transport.Session.
//
// # Subject Mapping
//
// Key expressions map onto subjects one chunk per token. Data is published under
// the subject prefix (default "keybridge") and queries under the prefix plus "_q":
//
//	demo/ping          -> keybridge.demo.ping
//	sensors/*/temp     -> keybridge.sensors.*.temp
//	sensors/**         -> keybridge.sensors, keybridge.sensors.>
//	a/**/b             -> keybridge.a.> (filtered again client side)
//
// Characters NATS treats as token separators or wildcards are percent-escaped, so
// "a.b" becomes the single token "a%2Eb".
//
// Sample metadata (encoding, kind, timestamp, priority, congestion control,
// attachment and origin) travels in "Kb-" message headers.
//
// # Queries
//
// A query with a concrete key is published to its query subject; a wildcard
// selector is sent on the broadcast subject that every queryable also listens on,
// and each queryable keeps only the queries whose key intersects its own. Replies
// come back on a private inbox. Each responder sends any number of ok or err
// replies followed by one final marker.
//
// Completion follows the query target:
//
//	BestMatching   first responder's final marker, or the deadline
//	All            the deadline
//	AllComplete    the deadline, answered only by complete queryables
//
// A NATS no-responders notice ends the query immediately with no replies.
//
// # Basic Usage
//
//	opener, err := natsclient.NewOpener(
//	    natsclient.WithClientOptions(natsclient.WithName("bridge")),
//	)
//	if err != nil {
//	    return err
//	}
//	registry := transport.NewRegistry()
//	opener.Register(registry)
//
//	sess, err := registry.Open(ctx, "tcp/127.0.0.1:4222")
//	if err != nil {
//	    return err
//	}
//	defer sess.Close(ctx)
//
//	err = sess.Put(ctx, "demo/ping", []byte("hello"), transport.PutOptions{})
//
// # Circuit Breaker
//
// The Opener keeps one circuit per server URL, shared with every opener it
// derives. After the configured number of consecutive failed connects
// (default 5, see WithCircuitBreaker) Open fails fast with a transient
// ErrCircuitOpen. Once the backoff elapses one connect is let through; if it
// fails too the backoff doubles, up to the configured maximum. A caller
// cancelling its context does not count as a failure.
//
// # Testing
//
// NewTestClient starts a NATS server with testcontainers and returns a connected
// client; tests needing a second peer call Open on it. Those tests carry the
// integration build tag.
package natsclient
