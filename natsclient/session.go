package natsclient

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/keyexpr"
	"github.com/c360/keybridge/transport"
)

// DefaultGetTimeout bounds a query whose options carry no timeout.
const DefaultGetTimeout = 10 * time.Second

// endpointBuffer is the per-endpoint backlog before NATS dispatch blocks.
const endpointBuffer = 256

var _ transport.Session = (*Client)(nil)

func (m *Client) publish(ctx context.Context, conn *nats.Conn, msg *nats.Msg, express bool, kind string) error {
	if err := conn.PublishMsg(msg); err != nil {
		return err
	}
	m.metrics.recordOut(kind, len(msg.Data))
	if express {
		return conn.FlushWithContext(ctx)
	}
	return nil
}

// Put publishes payload on a concrete key.
func (m *Client) Put(ctx context.Context, key keyexpr.KeyExpr, payload []byte, opts transport.PutOptions) error {
	conn, err := m.connected()
	if err != nil {
		return err
	}
	subject, err := m.subjects.DataSubject(key)
	if err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    payload,
		Header:  putHeader(m.id, key, opts),
	}
	if err := m.publish(ctx, conn, msg, opts.Express.OrElse(false), "put"); err != nil {
		return errors.WrapTransient(err, "Client", "Put", "publish")
	}
	return nil
}

// DeclareSubscriber subscribes to every subject covering key.
func (m *Client) DeclareSubscriber(
	_ context.Context, key keyexpr.KeyExpr, opts transport.SubscriberOptions,
) (transport.Subscriber, error) {
	conn, err := m.connected()
	if err != nil {
		return nil, err
	}
	if err := keyexpr.Validate(string(key)); err != nil {
		return nil, err
	}

	filterSubjects, exact := m.subjects.DataFilters(key)
	s := &subscriber{
		client: m,
		key:    key,
		exact:  exact,
		origin: opts.AllowedOrigin.OrElse(transport.LocalityAny),
		ch:     make(chan transport.Sample, endpointBuffer),
		done:   make(chan struct{}),
	}
	for _, subject := range filterSubjects {
		sub, err := conn.Subscribe(subject, s.handle)
		if err != nil {
			s.terminate()
			return nil, errors.WrapTransient(err, "Client", "DeclareSubscriber", "subscribe "+subject)
		}
		s.subs = append(s.subs, sub)
	}
	m.track(s)
	m.logger.Debug("declared subscriber", "key_expr", key.String(), "subjects", filterSubjects)
	return s, nil
}

type subscriber struct {
	client *Client
	key    keyexpr.KeyExpr
	exact  bool
	origin transport.Locality
	subs   []*nats.Subscription
	ch     chan transport.Sample
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) handle(msg *nats.Msg) {
	self := s.client.id
	origin := msg.Header.Get(HeaderOrigin)
	dest := transport.Locality(getInt(msg.Header, HeaderDestination, int(transport.LocalityAny)))
	if !localityAllows(s.origin, origin, self) || !localityAllows(dest, origin, self) {
		s.client.metrics.recordDrop("locality")
		return
	}

	fallback, _ := s.client.subjects.KeyFromSubject(msg.Subject)
	sample := sampleFrom(msg, fallback)
	if sample.KeyExpr == "" || (!s.exact && !s.key.Intersects(sample.KeyExpr)) {
		s.client.metrics.recordDrop("key_mismatch")
		return
	}
	s.client.metrics.recordIn("sample", len(msg.Data))

	select {
	case s.ch <- sample:
	case <-s.done:
	}
}

func (s *subscriber) KeyExpr() keyexpr.KeyExpr { return s.key }

func (s *subscriber) Receive(ctx context.Context) (transport.Sample, error) {
	select {
	case v := <-s.ch:
		return v, nil
	case <-s.done:
		return transport.Sample{}, io.EOF
	case <-ctx.Done():
		return transport.Sample{}, ctx.Err()
	}
}

func (s *subscriber) terminate() {
	s.once.Do(func() {
		close(s.done)
		for _, sub := range s.subs {
			_ = sub.Unsubscribe()
		}
	})
}

func (s *subscriber) Undeclare(_ context.Context) error {
	s.terminate()
	s.client.untrack(s)
	return nil
}

// Get sends a query to every responder whose key may intersect the selector and
// streams the replies back through a private inbox.
func (m *Client) Get(
	ctx context.Context, sel keyexpr.Selector, opts transport.GetOptions,
) (transport.Receiver[transport.Reply], error) {
	conn, err := m.connected()
	if err != nil {
		return nil, err
	}
	if err := keyexpr.Validate(string(sel.KeyExpr)); err != nil {
		return nil, err
	}

	inbox := nats.NewInbox()
	msgs := make(chan *nats.Msg, endpointBuffer)
	sub, err := conn.ChanSubscribe(inbox, msgs)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Get", "subscribe inbox")
	}

	var data []byte
	if p, ok := opts.Payload.Get(); ok {
		data = p
	}
	msg := &nats.Msg{
		Subject: m.subjects.QuerySubject(sel.KeyExpr),
		Reply:   inbox,
		Data:    data,
		Header:  queryHeader(m.id, sel, opts),
	}
	if err := m.publish(ctx, conn, msg, opts.Express.OrElse(false), "query"); err != nil {
		_ = sub.Unsubscribe()
		return nil, errors.WrapTransient(err, "Client", "Get", "publish query")
	}

	g := &getStream{
		client:        m,
		sub:           sub,
		msgs:          msgs,
		out:           make(chan transport.Reply, endpointBuffer),
		target:        opts.Target.OrElse(transport.TargetBestMatching),
		consolidation: opts.Consolidation.OrElse(transport.ConsolidationAuto),
		latest:        make(map[keyexpr.KeyExpr]time.Time),
	}
	go g.run(ctx, opts.Timeout.OrElse(DefaultGetTimeout))
	return transport.NewChanReceiver[transport.Reply](g.out, nil), nil
}

type getStream struct {
	client        *Client
	sub           *nats.Subscription
	msgs          chan *nats.Msg
	out           chan transport.Reply
	target        transport.QueryTarget
	consolidation transport.ConsolidationMode
	responder     string
	latest        map[keyexpr.KeyExpr]time.Time
}

// run completes on the first final of the chosen responder for BestMatching, at
// the deadline otherwise, and immediately when the server reports no responders.
func (g *getStream) run(ctx context.Context, timeout time.Duration) {
	defer close(g.out)
	defer func() { _ = g.sub.Unsubscribe() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case msg := <-g.msgs:
			if isNoResponders(msg) {
				return
			}
			reply, keep, done := g.decode(msg)
			if keep {
				select {
				case g.out <- reply:
				case <-ctx.Done():
					return
				case <-timer.C:
					return
				}
			}
			if done {
				return
			}
		}
	}
}

func (g *getStream) decode(msg *nats.Msg) (transport.Reply, bool, bool) {
	responder := msg.Header.Get(HeaderResponder)
	if g.target == transport.TargetBestMatching {
		if g.responder == "" {
			g.responder = responder
		} else if responder != g.responder {
			g.client.metrics.recordDrop("other_responder")
			return transport.Reply{}, false, false
		}
	}

	switch msg.Header.Get(HeaderReply) {
	case replyFinal:
		return transport.Reply{}, false, g.target == transport.TargetBestMatching
	case replyErr:
		g.client.metrics.recordIn("reply_err", len(msg.Data))
		return transport.Reply{Err: &transport.ReplyError{
			Payload:  msg.Data,
			Encoding: msg.Header.Get(HeaderEncoding),
		}}, true, false
	case replyOK:
		sample := sampleFrom(msg, "")
		if sample.KeyExpr == "" {
			g.client.metrics.recordDrop("key_mismatch")
			return transport.Reply{}, false, false
		}
		if g.consolidation == transport.ConsolidationMonotonic || g.consolidation == transport.ConsolidationLatest {
			if last, ok := g.latest[sample.KeyExpr]; ok && sample.Timestamp.Before(last) {
				g.client.metrics.recordDrop("consolidated")
				return transport.Reply{}, false, false
			}
			g.latest[sample.KeyExpr] = sample.Timestamp
		}
		g.client.metrics.recordIn("reply", len(msg.Data))
		return transport.Reply{Sample: &sample}, true, false
	default:
		g.client.metrics.recordDrop("malformed")
		return transport.Reply{}, false, false
	}
}

// DeclareQueryable subscribes to the query subjects covering key.
func (m *Client) DeclareQueryable(
	_ context.Context, key keyexpr.KeyExpr, opts transport.QueryableOptions,
) (transport.Queryable, error) {
	conn, err := m.connected()
	if err != nil {
		return nil, err
	}
	if err := keyexpr.Validate(string(key)); err != nil {
		return nil, err
	}

	q := &queryable{
		client:    m,
		key:       key,
		complete:  opts.Complete.OrElse(false),
		origin:    opts.AllowedOrigin.OrElse(transport.LocalityAny),
		responder: uuid.NewString(),
		ch:        make(chan transport.Query, endpointBuffer),
		done:      make(chan struct{}),
	}
	filterSubjects := m.subjects.QueryFilters(key)
	for _, subject := range filterSubjects {
		sub, err := conn.Subscribe(subject, q.handle)
		if err != nil {
			q.terminate()
			return nil, errors.WrapTransient(err, "Client", "DeclareQueryable", "subscribe "+subject)
		}
		q.subs = append(q.subs, sub)
	}
	m.track(q)
	m.logger.Debug("declared queryable", "key_expr", key.String(), "subjects", filterSubjects)
	return q, nil
}

type queryable struct {
	client    *Client
	key       keyexpr.KeyExpr
	complete  bool
	origin    transport.Locality
	responder string
	subs      []*nats.Subscription
	ch        chan transport.Query
	done      chan struct{}
	once      sync.Once
}

func (q *queryable) accepts(msg *nats.Msg) (keyexpr.Selector, bool, string) {
	if msg.Reply == "" {
		return keyexpr.Selector{}, false, "malformed"
	}
	queryKey, err := keyexpr.New(msg.Header.Get(HeaderKey))
	if err != nil {
		return keyexpr.Selector{}, false, "malformed"
	}
	sel, err := keyexpr.ParseSelector(msg.Header.Get(HeaderSelector))
	if err != nil || sel.KeyExpr != queryKey {
		sel = keyexpr.Selector{KeyExpr: queryKey}
	}
	if !q.key.Intersects(queryKey) {
		return sel, false, "key_mismatch"
	}
	target := transport.QueryTarget(getInt(msg.Header, HeaderTarget, int(transport.TargetBestMatching)))
	if target == transport.TargetAllComplete && !(q.complete && q.key.Includes(queryKey)) {
		return sel, false, "incomplete"
	}
	self := q.client.id
	origin := msg.Header.Get(HeaderOrigin)
	dest := transport.Locality(getInt(msg.Header, HeaderDestination, int(transport.LocalityAny)))
	if !localityAllows(q.origin, origin, self) || !localityAllows(dest, origin, self) {
		return sel, false, "locality"
	}
	return sel, true, ""
}

func (q *queryable) handle(msg *nats.Msg) {
	sel, ok, reason := q.accepts(msg)
	if !ok {
		q.client.metrics.recordDrop(reason)
		return
	}
	q.client.metrics.recordIn("query", len(msg.Data))

	var body []byte
	if len(msg.Data) > 0 {
		body = msg.Data
	}
	query := &natsQuery{
		client:     q.client,
		reply:      msg.Reply,
		selector:   sel,
		payload:    body,
		encoding:   msg.Header.Get(HeaderEncoding),
		attachment: getAttachment(msg.Header),
		responder:  q.responder,
	}

	select {
	case q.ch <- query:
	case <-q.done:
	}
}

func (q *queryable) KeyExpr() keyexpr.KeyExpr { return q.key }

func (q *queryable) Receive(ctx context.Context) (transport.Query, error) {
	select {
	case v := <-q.ch:
		return v, nil
	case <-q.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *queryable) terminate() {
	q.once.Do(func() {
		close(q.done)
		for _, sub := range q.subs {
			_ = sub.Unsubscribe()
		}
	})
}

func (q *queryable) Undeclare(_ context.Context) error {
	q.terminate()
	q.client.untrack(q)
	return nil
}

// natsQuery answers one request on its reply inbox.
type natsQuery struct {
	client     *Client
	reply      string
	selector   keyexpr.Selector
	payload    []byte
	encoding   string
	attachment []byte
	responder  string

	mu        sync.Mutex
	finalized bool
}

func (q *natsQuery) KeyExpr() keyexpr.KeyExpr       { return q.selector.KeyExpr }
func (q *natsQuery) Parameters() keyexpr.Parameters { return q.selector.Parameters }
func (q *natsQuery) Selector() keyexpr.Selector     { return q.selector }
func (q *natsQuery) Payload() []byte                { return q.payload }
func (q *natsQuery) Encoding() string               { return q.encoding }
func (q *natsQuery) Attachment() []byte             { return q.attachment }

func (q *natsQuery) send(ctx context.Context, kind string, h nats.Header, data []byte, express bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finalized {
		return fmt.Errorf("query %q already finalized", q.selector)
	}
	conn, err := q.client.connected()
	if err != nil {
		return err
	}
	msg := &nats.Msg{Subject: q.reply, Data: data, Header: h}
	if err := q.client.publish(ctx, conn, msg, express, kind); err != nil {
		return errors.WrapTransient(err, "natsQuery", "send", kind)
	}
	if kind == replyFinal {
		q.finalized = true
	}
	return nil
}

// Reply answers with a sample. The key must intersect the query key.
func (q *natsQuery) Reply(ctx context.Context, key keyexpr.KeyExpr, payload []byte, opts transport.ReplyOptions) error {
	if err := keyexpr.Validate(string(key)); err != nil {
		return err
	}
	if !key.Intersects(q.selector.KeyExpr) {
		return fmt.Errorf("%w %q: reply key does not match query %q", errors.ErrInvalidKeyExpr, key, q.selector.KeyExpr)
	}
	h := putHeader(q.client.id, key, transport.PutOptions{
		Encoding:          opts.Encoding,
		Priority:          opts.Priority,
		CongestionControl: opts.CongestionControl,
		Express:           opts.Express,
		Attachment:        opts.Attachment,
		Timestamp:         opts.Timestamp,
	})
	h.Set(HeaderReply, replyOK)
	h.Set(HeaderResponder, q.responder)
	return q.send(ctx, replyOK, h, payload, opts.Express.OrElse(false))
}

// ReplyErr answers with an error payload.
func (q *natsQuery) ReplyErr(ctx context.Context, payload []byte, opts transport.ReplyErrOptions) error {
	h := replyHeader(q.responder, replyErr)
	if enc, ok := opts.Encoding.Get(); ok {
		h.Set(HeaderEncoding, enc)
	}
	return q.send(ctx, replyErr, h, payload, false)
}

// Finalize tells the requester this responder is done. It succeeds once.
func (q *natsQuery) Finalize(ctx context.Context) error {
	return q.send(ctx, replyFinal, replyHeader(q.responder, replyFinal), nil, true)
}
