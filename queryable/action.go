package queryable

import (
	"github.com/c360/keybridge/keyexpr"
	"github.com/c360/keybridge/transport"
)

// Action is a response to a pending query: Reply, Error or Finalize.
type Action interface {
	actionName() string
}

// Reply sends a successful answer. The query stays pending.
type Reply struct {
	KeyExpr keyexpr.KeyExpr
	// Payload is encoded with the payload codec and must not be nil.
	Payload any
	Options transport.ReplyOptions
}

// Error sends an error answer, at most once per query. The query stays pending.
type Error struct {
	// Payload defaults to "Error" when nil.
	Payload any
	Options transport.ReplyErrOptions
}

// Finalize completes the query for the requester and forgets the handle.
type Finalize struct{}

func (Reply) actionName() string    { return "reply" }
func (Error) actionName() string    { return "error" }
func (Finalize) actionName() string { return "finalize" }

// Incoming is a query as delivered to the pipeline.
type Incoming struct {
	Handle     Handle
	KeyExpr    keyexpr.KeyExpr
	Parameters keyexpr.Parameters
	Selector   keyexpr.Selector
	// Payload is nil when the request carried none.
	Payload    []byte
	Encoding   string
	Attachment []byte
}
