package testutil

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/keyexpr"
	"github.com/c360/keybridge/transport"
)

// DefaultGetTimeout bounds a Get that carries no timeout option.
const DefaultGetTimeout = 10 * time.Second

// Network is an in-memory key-expression runtime implementing transport.Opener.
// Sessions opened on the same Network see each other's publications and queries.
// Faults can be injected to exercise connection and responder failure paths.
// Thread-safe for concurrent use from multiple goroutines.
type Network struct {
	mu          sync.Mutex
	sessions    map[*memSession]struct{}
	subscribers map[*memSubscriber]struct{}
	queryables  map[*memQueryable]struct{}
	published   []transport.Sample

	unreachable   bool
	openDelay     time.Duration
	closeErr      error
	finalizeFault func(q transport.Query) error

	openCalls atomic.Int64
	nextID    atomic.Int64
}

// NewNetwork creates an empty, reachable network.
func NewNetwork() *Network {
	return &Network{
		sessions:    make(map[*memSession]struct{}),
		subscribers: make(map[*memSubscriber]struct{}),
		queryables:  make(map[*memQueryable]struct{}),
	}
}

// Open opens a session (matches transport.Opener).
func (n *Network) Open(ctx context.Context, locator string) (transport.Session, error) {
	n.openCalls.Add(1)

	n.mu.Lock()
	delay := n.openDelay
	n.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.unreachable {
		return nil, fmt.Errorf("%w: endpoint %s unreachable", errors.ErrNoConnection, locator)
	}
	s := &memSession{id: n.nextID.Add(1), net: n}
	n.sessions[s] = struct{}{}
	return s, nil
}

// SetReachable toggles whether Open succeeds.
func (n *Network) SetReachable(reachable bool) {
	n.mu.Lock()
	n.unreachable = !reachable
	n.mu.Unlock()
}

// SetOpenDelay makes every Open wait d before answering.
func (n *Network) SetOpenDelay(d time.Duration) {
	n.mu.Lock()
	n.openDelay = d
	n.mu.Unlock()
}

// SetCloseError makes session Close report err. The session still closes.
func (n *Network) SetCloseError(err error) {
	n.mu.Lock()
	n.closeErr = err
	n.mu.Unlock()
}

// SetFinalizeFault installs a hook consulted by every Query.Finalize; a non-nil
// return fails the finalize and leaves the query open.
func (n *Network) SetFinalizeFault(fn func(q transport.Query) error) {
	n.mu.Lock()
	n.finalizeFault = fn
	n.mu.Unlock()
}

// OpenCalls returns how many times Open was called.
func (n *Network) OpenCalls() int {
	return int(n.openCalls.Load())
}

// OpenSessions returns the number of sessions not yet closed.
func (n *Network) OpenSessions() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sessions)
}

// Queryables returns the number of declared queryables.
func (n *Network) Queryables() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queryables)
}

// Published returns a copy of every sample put on the network.
func (n *Network) Published() []transport.Sample {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]transport.Sample, len(n.published))
	copy(out, n.published)
	return out
}

// Drop closes every session from the runtime side, as a broker restart would.
func (n *Network) Drop() {
	n.mu.Lock()
	sessions := make([]*memSession, 0, len(n.sessions))
	for s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.mu.Unlock()

	for _, s := range sessions {
		s.shutdown()
	}
}

func allowed(l transport.Locality, from, to int64) bool {
	switch l {
	case transport.LocalitySessionLocal:
		return from == to
	case transport.LocalityRemote:
		return from != to
	default:
		return true
	}
}

type memSession struct {
	id     int64
	net    *Network
	closed atomic.Bool
}

func (s *memSession) IsClosed() bool {
	return s.closed.Load()
}

func (s *memSession) Close(_ context.Context) error {
	s.net.mu.Lock()
	err := s.net.closeErr
	s.net.mu.Unlock()

	s.shutdown()
	return err
}

func (s *memSession) shutdown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	n := s.net
	n.mu.Lock()
	delete(n.sessions, s)
	var subs []*memSubscriber
	for sub := range n.subscribers {
		if sub.session == s {
			subs = append(subs, sub)
		}
	}
	var qs []*memQueryable
	for q := range n.queryables {
		if q.session == s {
			qs = append(qs, q)
		}
	}
	n.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Undeclare(context.Background())
	}
	for _, q := range qs {
		_ = q.Undeclare(context.Background())
	}
}

func (s *memSession) Put(ctx context.Context, key keyexpr.KeyExpr, payload []byte, opts transport.PutOptions) error {
	if s.IsClosed() {
		return errors.ErrSessionClosed
	}
	if err := keyexpr.Validate(string(key)); err != nil {
		return err
	}
	if key.IsWild() {
		return fmt.Errorf("%w %q: put requires a concrete key", errors.ErrInvalidKeyExpr, key)
	}

	sample := transport.Sample{
		KeyExpr:           key,
		Payload:           append([]byte(nil), payload...),
		Encoding:          opts.Encoding.OrElse(""),
		Kind:              transport.SampleKindPut,
		Timestamp:         opts.Timestamp.OrElse(time.Now()),
		Priority:          opts.Priority.OrElse(transport.DefaultPriority),
		CongestionControl: opts.CongestionControl.OrElse(transport.CongestionDrop),
		Express:           opts.Express.OrElse(false),
		Attachment:        opts.Attachment.OrElse(nil),
	}
	dest := opts.AllowedDestination.OrElse(transport.LocalityAny)

	s.net.mu.Lock()
	s.net.published = append(s.net.published, sample)
	var targets []*memSubscriber
	for sub := range s.net.subscribers {
		if !sub.key.Intersects(key) {
			continue
		}
		if !allowed(dest, s.id, sub.session.id) || !allowed(sub.origin, s.id, sub.session.id) {
			continue
		}
		targets = append(targets, sub)
	}
	s.net.mu.Unlock()

	// Deliver outside the lock
	for _, sub := range targets {
		select {
		case sub.ch <- sample:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *memSession) DeclareSubscriber(_ context.Context, key keyexpr.KeyExpr, opts transport.SubscriberOptions) (transport.Subscriber, error) {
	if s.IsClosed() {
		return nil, errors.ErrSessionClosed
	}
	if err := keyexpr.Validate(string(key)); err != nil {
		return nil, err
	}
	sub := &memSubscriber{
		session: s,
		key:     key,
		origin:  opts.AllowedOrigin.OrElse(transport.LocalityAny),
		ch:      make(chan transport.Sample, 256),
		done:    make(chan struct{}),
	}
	s.net.mu.Lock()
	s.net.subscribers[sub] = struct{}{}
	s.net.mu.Unlock()
	return sub, nil
}

func (s *memSession) DeclareQueryable(_ context.Context, key keyexpr.KeyExpr, opts transport.QueryableOptions) (transport.Queryable, error) {
	if s.IsClosed() {
		return nil, errors.ErrSessionClosed
	}
	if err := keyexpr.Validate(string(key)); err != nil {
		return nil, err
	}
	q := &memQueryable{
		session:  s,
		key:      key,
		complete: opts.Complete.OrElse(false),
		origin:   opts.AllowedOrigin.OrElse(transport.LocalityAny),
		ch:       make(chan *memQuery, 64),
		done:     make(chan struct{}),
	}
	s.net.mu.Lock()
	s.net.queryables[q] = struct{}{}
	s.net.mu.Unlock()
	return q, nil
}

func (s *memSession) Get(ctx context.Context, sel keyexpr.Selector, opts transport.GetOptions) (transport.Receiver[transport.Reply], error) {
	if s.IsClosed() {
		return nil, errors.ErrSessionClosed
	}
	if err := keyexpr.Validate(string(sel.KeyExpr)); err != nil {
		return nil, err
	}

	target := opts.Target.OrElse(transport.TargetBestMatching)
	dest := opts.AllowedDestination.OrElse(transport.LocalityAny)

	s.net.mu.Lock()
	var matched []*memQueryable
	for q := range s.net.queryables {
		if !q.key.Intersects(sel.KeyExpr) {
			continue
		}
		if !allowed(dest, s.id, q.session.id) || !allowed(q.origin, s.id, q.session.id) {
			continue
		}
		if target == transport.TargetAllComplete && !(q.complete && q.key.Includes(sel.KeyExpr)) {
			continue
		}
		matched = append(matched, q)
	}
	s.net.mu.Unlock()

	if target == transport.TargetBestMatching && len(matched) > 1 {
		best := matched[0]
		for _, q := range matched[1:] {
			if q.complete && !best.complete {
				best = q
			}
		}
		matched = []*memQueryable{best}
	}

	call := &getCall{
		replies: make(chan transport.Reply, 256),
		done:    make(chan struct{}),
		pending: len(matched),
	}
	if len(matched) == 0 {
		call.close()
		return transport.NewChanReceiver[transport.Reply](call.replies, nil), nil
	}

	timeout := opts.Timeout.OrElse(DefaultGetTimeout)
	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			call.close()
		case <-call.done:
		}
	}()

	for _, q := range matched {
		mq := &memQuery{
			net:        s.net,
			call:       call,
			selector:   sel,
			payload:    opts.Payload.OrElse(nil),
			encoding:   opts.Encoding.OrElse(""),
			attachment: opts.Attachment.OrElse(nil),
		}
		select {
		case q.ch <- mq:
		case <-q.done:
			call.finish()
		case <-ctx.Done():
			call.close()
			return nil, ctx.Err()
		}
	}
	return transport.NewChanReceiver[transport.Reply](call.replies, nil), nil
}

type getCall struct {
	mu      sync.Mutex
	replies chan transport.Reply
	done    chan struct{}
	pending int
	closed  bool
}

func (c *getCall) send(r transport.Reply) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.replies <- r:
		return true
	default:
		return false
	}
}

func (c *getCall) finish() {
	c.mu.Lock()
	c.pending--
	last := c.pending <= 0
	c.mu.Unlock()
	if last {
		c.close()
	}
}

func (c *getCall) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.replies)
	close(c.done)
}

type memSubscriber struct {
	session *memSession
	key     keyexpr.KeyExpr
	origin  transport.Locality
	ch      chan transport.Sample
	done    chan struct{}
	once    sync.Once
}

func (s *memSubscriber) KeyExpr() keyexpr.KeyExpr { return s.key }

func (s *memSubscriber) Receive(ctx context.Context) (transport.Sample, error) {
	select {
	case v := <-s.ch:
		return v, nil
	case <-s.done:
		return transport.Sample{}, io.EOF
	case <-ctx.Done():
		return transport.Sample{}, ctx.Err()
	}
}

func (s *memSubscriber) Undeclare(_ context.Context) error {
	s.once.Do(func() {
		s.session.net.mu.Lock()
		delete(s.session.net.subscribers, s)
		s.session.net.mu.Unlock()
		close(s.done)
	})
	return nil
}

type memQueryable struct {
	session  *memSession
	key      keyexpr.KeyExpr
	complete bool
	origin   transport.Locality
	ch       chan *memQuery
	done     chan struct{}
	once     sync.Once
}

func (q *memQueryable) KeyExpr() keyexpr.KeyExpr { return q.key }

func (q *memQueryable) Receive(ctx context.Context) (transport.Query, error) {
	select {
	case v := <-q.ch:
		return v, nil
	case <-q.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *memQueryable) Undeclare(_ context.Context) error {
	q.once.Do(func() {
		q.session.net.mu.Lock()
		delete(q.session.net.queryables, q)
		q.session.net.mu.Unlock()
		close(q.done)
	})
	return nil
}

type memQuery struct {
	net        *Network
	call       *getCall
	selector   keyexpr.Selector
	payload    []byte
	encoding   string
	attachment []byte

	mu        sync.Mutex
	finalized bool
}

func (q *memQuery) KeyExpr() keyexpr.KeyExpr       { return q.selector.KeyExpr }
func (q *memQuery) Parameters() keyexpr.Parameters { return q.selector.Parameters }
func (q *memQuery) Selector() keyexpr.Selector     { return q.selector }
func (q *memQuery) Payload() []byte                { return q.payload }
func (q *memQuery) Encoding() string               { return q.encoding }
func (q *memQuery) Attachment() []byte             { return q.attachment }

func (q *memQuery) Reply(_ context.Context, key keyexpr.KeyExpr, payload []byte, opts transport.ReplyOptions) error {
	if err := keyexpr.Validate(string(key)); err != nil {
		return err
	}
	if !key.Intersects(q.selector.KeyExpr) {
		return fmt.Errorf("%w %q: reply key does not match query %q", errors.ErrInvalidKeyExpr, key, q.selector.KeyExpr)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finalized {
		return fmt.Errorf("reply to finalized query %q", q.selector)
	}
	q.call.send(transport.Reply{Sample: &transport.Sample{
		KeyExpr:           key,
		Payload:           append([]byte(nil), payload...),
		Encoding:          opts.Encoding.OrElse(""),
		Kind:              transport.SampleKindPut,
		Timestamp:         opts.Timestamp.OrElse(time.Now()),
		Priority:          opts.Priority.OrElse(transport.DefaultPriority),
		CongestionControl: opts.CongestionControl.OrElse(transport.CongestionDrop),
		Express:           opts.Express.OrElse(false),
		Attachment:        opts.Attachment.OrElse(nil),
	}})
	return nil
}

func (q *memQuery) ReplyErr(_ context.Context, payload []byte, opts transport.ReplyErrOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finalized {
		return fmt.Errorf("error reply to finalized query %q", q.selector)
	}
	q.call.send(transport.Reply{Err: &transport.ReplyError{
		Payload:  append([]byte(nil), payload...),
		Encoding: opts.Encoding.OrElse(""),
	}})
	return nil
}

func (q *memQuery) Finalize(_ context.Context) error {
	q.net.mu.Lock()
	fault := q.net.finalizeFault
	q.net.mu.Unlock()
	if fault != nil {
		if err := fault(q); err != nil {
			return err
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finalized {
		return fmt.Errorf("query %q already finalized", q.selector)
	}
	q.finalized = true
	q.call.finish()
	return nil
}

// WaitForPublished waits until at least count samples were put on key.
func WaitForPublished(t *testing.T, n *Network, key keyexpr.KeyExpr, count int, timeout time.Duration) []transport.Sample {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var matched []transport.Sample
		for _, s := range n.Published() {
			if s.KeyExpr == key {
				matched = append(matched, s)
			}
		}
		if len(matched) >= count {
			return matched
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d samples on %s", count, key)
	return nil
}
