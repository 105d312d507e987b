package base

import (
	"github.com/c360/keybridge/message"
	"github.com/c360/keybridge/transport"
)

// PutOptions converts the per-message overrides of msg for a publication.
func PutOptions(msg *message.Message) transport.PutOptions {
	return transport.PutOptions{
		Encoding:           msg.Encoding,
		Priority:           msg.Priority,
		CongestionControl:  msg.CongestionControl,
		Express:            msg.Express,
		Reliability:        msg.Reliability,
		AllowedDestination: msg.AllowedDestination,
		Attachment:         msg.AttachmentBytes(),
		Timestamp:          msg.TimestampValue(),
	}
}

// GetOptions converts the per-message overrides of msg for a query. The query
// payload is not part of the options; it travels as the request payload.
func GetOptions(msg *message.Message) transport.GetOptions {
	return transport.GetOptions{
		Timeout:            msg.TimeoutDuration(),
		Target:             msg.Target,
		Consolidation:      msg.Consolidation,
		Encoding:           msg.Encoding,
		Attachment:         msg.AttachmentBytes(),
		Priority:           msg.Priority,
		CongestionControl:  msg.CongestionControl,
		Express:            msg.Express,
		AllowedDestination: msg.AllowedDestination,
	}
}

// ReplyOptions converts the per-message overrides of msg for a query reply.
func ReplyOptions(msg *message.Message) transport.ReplyOptions {
	return transport.ReplyOptions{
		Encoding:          msg.Encoding,
		Priority:          msg.Priority,
		CongestionControl: msg.CongestionControl,
		Express:           msg.Express,
		Attachment:        msg.AttachmentBytes(),
		Timestamp:         msg.TimestampValue(),
	}
}

// ReplyErrOptions converts the per-message overrides of msg for an error reply.
func ReplyErrOptions(msg *message.Message) transport.ReplyErrOptions {
	return transport.ReplyErrOptions{Encoding: msg.Encoding}
}

// FirstNonEmpty returns the first non-empty value.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
