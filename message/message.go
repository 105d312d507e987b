package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/option"
	"github.com/c360/keybridge/payload"
	"github.com/c360/keybridge/pkg/timestamp"
	"github.com/c360/keybridge/transport"
)

// Message is one unit of pipeline traffic.
type Message struct {
	ID      string `json:"id"`
	Topic   string `json:"topic,omitempty"`
	Payload any    `json:"payload,omitempty"`

	// KeyExpr and Selector override Topic for put and query nodes.
	KeyExpr  string `json:"keyExpr,omitempty"`
	Selector string `json:"selector,omitempty"`

	// QueryID correlates a queryable's answer with the query it emitted.
	QueryID  string `json:"queryId,omitempty"`
	Finalize bool   `json:"finalize,omitempty"`
	Error    bool   `json:"error,omitempty"`

	Overrides

	Meta *Meta `json:"meta,omitempty"`

	Source    string `json:"source,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

// Overrides are per-message option values. Set values win over the node's
// configured defaults.
type Overrides struct {
	Encoding           option.Value[string]                      `json:"encoding,omitzero"`
	Priority           option.Value[transport.Priority]          `json:"priority,omitzero"`
	CongestionControl  option.Value[transport.CongestionControl] `json:"congestionControl,omitzero"`
	Express            option.Value[bool]                        `json:"express,omitzero"`
	Reliability        option.Value[transport.Reliability]       `json:"reliability,omitzero"`
	AllowedDestination option.Value[transport.Locality]          `json:"allowedDestination,omitzero"`
	Target             option.Value[transport.QueryTarget]       `json:"target,omitzero"`
	Consolidation      option.Value[transport.ConsolidationMode] `json:"consolidation,omitzero"`
	// Timeout is in milliseconds.
	Timeout option.Value[int64] `json:"timeout,omitzero"`
	// Attachment is encoded with the payload codec.
	Attachment any `json:"attachment,omitempty"`
	// Timestamp is Unix milliseconds, seconds or an RFC3339 string.
	Timestamp any `json:"timestamp,omitempty"`
}

// Meta describes the sample, reply or query a message was built from.
type Meta struct {
	Type              string                                    `json:"type"`
	KeyExpr           string                                    `json:"keyExpr,omitempty"`
	Encoding          string                                    `json:"encoding,omitempty"`
	Kind              string                                    `json:"kind,omitempty"`
	Timestamp         int64                                     `json:"timestamp,omitempty"`
	Priority          option.Value[transport.Priority]          `json:"priority,omitzero"`
	CongestionControl option.Value[transport.CongestionControl] `json:"congestionControl,omitzero"`
	Express           option.Value[bool]                        `json:"express,omitzero"`
	Parameters        string                                    `json:"parameters,omitempty"`
	Selector          string                                    `json:"selector,omitempty"`
	Attachment        []byte                                    `json:"attachment,omitempty"`
}

// Meta types.
const (
	MetaSample = "sample"
	MetaError  = "error"
	MetaQuery  = "query"
)

// New creates a message with a fresh id and creation time.
func New(source string, body any) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Payload:   body,
		Source:    source,
		CreatedAt: timestamp.Now(),
	}
}

// Clone returns a shallow copy with a new id, leaving the original untouched.
func (m *Message) Clone() *Message {
	c := *m
	c.ID = uuid.NewString()
	if m.Meta != nil {
		meta := *m.Meta
		c.Meta = &meta
	}
	return &c
}

// Bytes returns the payload encoded with the payload codec and its kind.
func (m *Message) Bytes() ([]byte, payload.Kind) {
	return payload.Encode(m.Payload)
}

// HasPayload reports whether the message carries a payload.
func (m *Message) HasPayload() bool {
	return m.Payload != nil
}

// AttachmentBytes returns the encoded attachment, if any.
func (m *Message) AttachmentBytes() option.Value[[]byte] {
	if m.Attachment == nil {
		return option.None[[]byte]()
	}
	data, _ := payload.Encode(m.Attachment)
	return option.Some(data)
}

// TimeoutDuration returns the timeout override. Non-positive values are ignored.
func (m *Message) TimeoutDuration() option.Value[time.Duration] {
	ms, ok := m.Timeout.Get()
	if !ok || ms <= 0 {
		return option.None[time.Duration]()
	}
	return option.Some(time.Duration(ms) * time.Millisecond)
}

// TimestampValue returns the timestamp override as a time.
func (m *Message) TimestampValue() option.Value[time.Time] {
	t := timestamp.ParseTime(m.Timestamp)
	if t.IsZero() {
		return option.None[time.Time]()
	}
	return option.Some(t)
}

// Validate checks the fields every message must carry.
func (m *Message) Validate() error {
	if m == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Message", "Validate", "nil message")
	}
	if m.ID == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: missing id", errors.ErrInvalidData), "Message", "Validate", "id check")
	}
	if m.Finalize && m.Error {
		return errors.WrapInvalid(fmt.Errorf("%w: finalize and error are exclusive", errors.ErrInvalidData),
			"Message", "Validate", "flag check")
	}
	return nil
}

// Parse decodes a message from JSON, assigning an id when the sender left it out.
func Parse(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.WrapInvalid(err, "Message", "Parse", "JSON decoding")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = timestamp.Now()
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
