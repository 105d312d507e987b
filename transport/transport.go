// Package transport defines the contract between the bridge and a key-expression
// pub/sub + request/reply runtime.
//
// The bridge never talks to a concrete client library directly. A runtime is
// reached through an Opener, and every blocking read goes through a Receiver whose
// Receive honours context cancellation and reports completion with io.EOF.
package transport

import (
	"context"

	"github.com/c360/keybridge/keyexpr"
)

// Opener opens sessions to a locator.
type Opener interface {
	Open(ctx context.Context, locator string) (Session, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, locator string) (Session, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, locator string) (Session, error) {
	return f(ctx, locator)
}

// Session is an open connection to the substrate.
type Session interface {
	// Put publishes payload on a concrete key.
	Put(ctx context.Context, key keyexpr.KeyExpr, payload []byte, opts PutOptions) error
	// Get issues a query and returns the stream of replies. The stream ends with
	// io.EOF once the runtime decides the query is complete or opts.Timeout elapses.
	Get(ctx context.Context, selector keyexpr.Selector, opts GetOptions) (Receiver[Reply], error)
	// DeclareSubscriber starts receiving samples published on keys intersecting key.
	DeclareSubscriber(ctx context.Context, key keyexpr.KeyExpr, opts SubscriberOptions) (Subscriber, error)
	// DeclareQueryable starts receiving queries whose key intersects key.
	DeclareQueryable(ctx context.Context, key keyexpr.KeyExpr, opts QueryableOptions) (Queryable, error)
	// IsClosed reports whether the session was closed by either side.
	IsClosed() bool
	// Close releases the session.
	Close(ctx context.Context) error
}

// Receiver yields items until the stream completes with io.EOF.
type Receiver[T any] interface {
	Receive(ctx context.Context) (T, error)
}

// Subscriber is a declared subscription.
type Subscriber interface {
	Receiver[Sample]
	KeyExpr() keyexpr.KeyExpr
	Undeclare(ctx context.Context) error
}

// Queryable is a declared responder.
type Queryable interface {
	Receiver[Query]
	KeyExpr() keyexpr.KeyExpr
	Undeclare(ctx context.Context) error
}

// Query is an incoming request as seen by a responder. Reply and ReplyErr may be
// called any number of times; Finalize ends the query for the requester.
type Query interface {
	KeyExpr() keyexpr.KeyExpr
	Parameters() keyexpr.Parameters
	Selector() keyexpr.Selector
	// Payload returns nil when the request carried no payload.
	Payload() []byte
	Encoding() string
	Attachment() []byte
	Reply(ctx context.Context, key keyexpr.KeyExpr, payload []byte, opts ReplyOptions) error
	ReplyErr(ctx context.Context, payload []byte, opts ReplyErrOptions) error
	Finalize(ctx context.Context) error
}
