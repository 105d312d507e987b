package natsclient

import (
	"encoding/base64"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/keybridge/keyexpr"
	"github.com/c360/keybridge/transport"
)

// Header names carried on every message the runtime sends.
const (
	HeaderKey           = "Kb-Key"
	HeaderSelector      = "Kb-Selector"
	HeaderEncoding      = "Kb-Encoding"
	HeaderKind          = "Kb-Kind"
	HeaderTimestamp     = "Kb-Timestamp"
	HeaderPriority      = "Kb-Priority"
	HeaderCongestion    = "Kb-Congestion"
	HeaderExpress       = "Kb-Express"
	HeaderReliability   = "Kb-Reliability"
	HeaderAttachment    = "Kb-Attachment"
	HeaderOrigin        = "Kb-Origin"
	HeaderDestination   = "Kb-Destination"
	HeaderTarget        = "Kb-Target"
	HeaderConsolidation = "Kb-Consolidation"
	HeaderReply         = "Kb-Reply"
	HeaderResponder     = "Kb-Responder"
)

// Reply types carried in HeaderReply.
const (
	replyOK    = "ok"
	replyErr   = "err"
	replyFinal = "final"
)

// natsStatusHeader and natsNoResponders mark the server's no-responders notice.
const (
	natsStatusHeader = "Status"
	natsNoResponders = "503"
)

func setInt(h nats.Header, name string, v int) {
	h.Set(name, strconv.Itoa(v))
}

func getInt(h nats.Header, name string, fallback int) int {
	v := h.Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func setAttachment(h nats.Header, a []byte) {
	if len(a) > 0 {
		h.Set(HeaderAttachment, base64.StdEncoding.EncodeToString(a))
	}
}

func getAttachment(h nats.Header) []byte {
	v := h.Get(HeaderAttachment)
	if v == "" {
		return nil
	}
	a, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil
	}
	return a
}

func setTimestamp(h nats.Header, ts time.Time) {
	h.Set(HeaderTimestamp, ts.UTC().Format(time.RFC3339Nano))
}

func getTimestamp(h nats.Header) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, h.Get(HeaderTimestamp))
	if err != nil {
		return time.Time{}
	}
	return ts
}

func putHeader(origin string, key keyexpr.KeyExpr, opts transport.PutOptions) nats.Header {
	h := nats.Header{}
	h.Set(HeaderKey, key.String())
	h.Set(HeaderOrigin, origin)
	h.Set(HeaderKind, transport.SampleKindPut.String())
	if enc, ok := opts.Encoding.Get(); ok {
		h.Set(HeaderEncoding, enc)
	}
	setTimestamp(h, opts.Timestamp.OrElse(time.Now()))
	setInt(h, HeaderPriority, int(opts.Priority.OrElse(transport.DefaultPriority)))
	setInt(h, HeaderCongestion, int(opts.CongestionControl.OrElse(transport.CongestionDrop)))
	setInt(h, HeaderReliability, int(opts.Reliability.OrElse(transport.Reliable)))
	setInt(h, HeaderDestination, int(opts.AllowedDestination.OrElse(transport.LocalityAny)))
	if opts.Express.OrElse(false) {
		h.Set(HeaderExpress, "true")
	}
	setAttachment(h, opts.Attachment.OrElse(nil))
	return h
}

// sampleFrom decodes a data message. The key header wins over the subject.
func sampleFrom(msg *nats.Msg, fallback keyexpr.KeyExpr) transport.Sample {
	h := msg.Header
	key := fallback
	if k, err := keyexpr.New(h.Get(HeaderKey)); err == nil {
		key = k
	}
	kind := transport.SampleKindPut
	if k, err := transport.ParseSampleKind(h.Get(HeaderKind)); err == nil {
		kind = k
	}
	return transport.Sample{
		KeyExpr:           key,
		Payload:           msg.Data,
		Encoding:          h.Get(HeaderEncoding),
		Kind:              kind,
		Timestamp:         getTimestamp(h),
		Priority:          transport.Priority(getInt(h, HeaderPriority, int(transport.DefaultPriority))),
		CongestionControl: transport.CongestionControl(getInt(h, HeaderCongestion, int(transport.CongestionDrop))),
		Express:           h.Get(HeaderExpress) == "true",
		Attachment:        getAttachment(h),
	}
}

func queryHeader(origin string, sel keyexpr.Selector, opts transport.GetOptions) nats.Header {
	h := nats.Header{}
	h.Set(HeaderKey, sel.KeyExpr.String())
	h.Set(HeaderSelector, sel.String())
	h.Set(HeaderOrigin, origin)
	if enc, ok := opts.Encoding.Get(); ok {
		h.Set(HeaderEncoding, enc)
	}
	setInt(h, HeaderTarget, int(opts.Target.OrElse(transport.TargetBestMatching)))
	setInt(h, HeaderConsolidation, int(opts.Consolidation.OrElse(transport.ConsolidationAuto)))
	setInt(h, HeaderPriority, int(opts.Priority.OrElse(transport.DefaultPriority)))
	setInt(h, HeaderCongestion, int(opts.CongestionControl.OrElse(transport.CongestionBlock)))
	setInt(h, HeaderDestination, int(opts.AllowedDestination.OrElse(transport.LocalityAny)))
	if opts.Express.OrElse(false) {
		h.Set(HeaderExpress, "true")
	}
	setAttachment(h, opts.Attachment.OrElse(nil))
	return h
}

func replyHeader(responder, kind string) nats.Header {
	h := nats.Header{}
	h.Set(HeaderReply, kind)
	h.Set(HeaderResponder, responder)
	return h
}

// isNoResponders reports the server notice sent when a request reached nobody.
func isNoResponders(msg *nats.Msg) bool {
	return len(msg.Data) == 0 && msg.Header != nil && msg.Header.Get(natsStatusHeader) == natsNoResponders
}

// localityAllows reports whether a message from origin may reach self under l.
func localityAllows(l transport.Locality, origin, self string) bool {
	switch l {
	case transport.LocalitySessionLocal:
		return origin == self
	case transport.LocalityRemote:
		return origin != self
	default:
		return true
	}
}
