package transport

import (
	"time"

	"github.com/c360/keybridge/keyexpr"
	"github.com/c360/keybridge/option"
)

// Sample is a published value.
type Sample struct {
	KeyExpr           keyexpr.KeyExpr
	Payload           []byte
	Encoding          string
	Kind              SampleKind
	Timestamp         time.Time
	Priority          Priority
	CongestionControl CongestionControl
	Express           bool
	Attachment        []byte
}

// ReplyError is an error answer from a responder.
type ReplyError struct {
	Payload  []byte
	Encoding string
}

// Reply is one answer to a query: either a Sample or an error, never both.
type Reply struct {
	Sample *Sample
	Err    *ReplyError
}

// OK reports whether the reply carries a sample.
func (r Reply) OK() bool {
	return r.Sample != nil
}

// PutOptions tune a publication. Unset values use runtime defaults.
type PutOptions struct {
	Encoding           option.Value[string]
	Priority           option.Value[Priority]
	CongestionControl  option.Value[CongestionControl]
	Express            option.Value[bool]
	Reliability        option.Value[Reliability]
	AllowedDestination option.Value[Locality]
	Attachment         option.Value[[]byte]
	Timestamp          option.Value[time.Time]
}

// GetOptions tune a query.
type GetOptions struct {
	Timeout            option.Value[time.Duration]
	Target             option.Value[QueryTarget]
	Consolidation      option.Value[ConsolidationMode]
	Payload            option.Value[[]byte]
	Encoding           option.Value[string]
	Attachment         option.Value[[]byte]
	Priority           option.Value[Priority]
	CongestionControl  option.Value[CongestionControl]
	Express            option.Value[bool]
	AllowedDestination option.Value[Locality]
}

// ReplyOptions tune a successful reply.
type ReplyOptions struct {
	Encoding          option.Value[string]
	Priority          option.Value[Priority]
	CongestionControl option.Value[CongestionControl]
	Express           option.Value[bool]
	Attachment        option.Value[[]byte]
	Timestamp         option.Value[time.Time]
}

// ReplyErrOptions tune an error reply.
type ReplyErrOptions struct {
	Encoding option.Value[string]
}

// SubscriberOptions tune a subscription.
type SubscriberOptions struct {
	AllowedOrigin option.Value[Locality]
}

// QueryableOptions tune a responder declaration.
type QueryableOptions struct {
	Complete      option.Value[bool]
	AllowedOrigin option.Value[Locality]
}
