package query

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/keyexpr"
	"github.com/c360/keybridge/metric"
	"github.com/c360/keybridge/option"
	"github.com/c360/keybridge/session"
	"github.com/c360/keybridge/testutil"
	"github.com/c360/keybridge/transport"
)

// scriptedSession replays a fixed reply stream and records the last Get call.
type scriptedSession struct {
	transport.Session

	mu       sync.Mutex
	replies  []transport.Reply
	tailErr  error
	block    bool
	lastSel  keyexpr.Selector
	lastOpts transport.GetOptions
}

func (s *scriptedSession) IsClosed() bool { return false }

func (s *scriptedSession) Get(_ context.Context, sel keyexpr.Selector, opts transport.GetOptions) (transport.Receiver[transport.Reply], error) {
	s.mu.Lock()
	s.lastSel, s.lastOpts = sel, opts
	s.mu.Unlock()

	ch := make(chan transport.Reply, len(s.replies))
	for _, r := range s.replies {
		ch <- r
	}
	if !s.block {
		close(ch)
	}
	tail := s.tailErr
	return transport.NewChanReceiver[transport.Reply](ch, func() error { return tail }), nil
}

type staticSource struct {
	sess  transport.Session
	err   error
	calls int
}

func (s *staticSource) Get(context.Context) (transport.Session, error) {
	s.calls++
	return s.sess, s.err
}

func ok(key, body string) transport.Reply {
	return transport.Reply{Sample: &transport.Sample{KeyExpr: keyexpr.KeyExpr(key), Payload: []byte(body), Encoding: "zenoh/string"}}
}

func fail(body string) transport.Reply {
	return transport.Reply{Err: &transport.ReplyError{Payload: []byte(body), Encoding: "zenoh/string"}}
}

func TestNewEngine_Validation(t *testing.T) {
	_, err := NewEngine(nil, Config{})
	assert.ErrorIs(t, err, errors.ErrMissingSession)

	_, err = NewEngine(&staticSource{}, Config{Selector: "bad//sel"})
	assert.ErrorIs(t, err, errors.ErrInvalidKeyExpr)
}

func TestQuery_PreservesOrderAndClassifies(t *testing.T) {
	sess := &scriptedSession{replies: []transport.Reply{
		ok("demo/a", "1"), fail("bad"), ok("demo/b", "2"),
	}}
	e, err := NewEngine(&staticSource{sess: sess}, Config{Selector: "demo/**"})
	require.NoError(t, err)

	replies, err := e.Query(context.Background(), Request{})
	require.NoError(t, err)
	require.Len(t, replies, 3)

	assert.True(t, replies[0].OK())
	assert.Equal(t, keyexpr.KeyExpr("demo/a"), replies[0].Success.KeyExpr)
	assert.False(t, replies[1].OK())
	assert.Equal(t, "bad", string(replies[1].Failure.Payload))
	assert.Equal(t, "2", string(replies[2].Success.Payload))
	assert.Equal(t, keyexpr.KeyExpr("demo/**"), sess.lastSel.KeyExpr)
}

func TestQuery_RepliesOwnTheirPayload(t *testing.T) {
	success, failure := ok("demo/a", "pong"), fail("bad")
	sess := &scriptedSession{replies: []transport.Reply{success, failure}}
	e, err := NewEngine(&staticSource{sess: sess}, Config{Selector: "demo/a"})
	require.NoError(t, err)

	replies, err := e.Query(context.Background(), Request{})
	require.NoError(t, err)
	require.Len(t, replies, 2)

	// The runtime may reuse its buffers once a reply is handed over.
	copy(success.Sample.Payload, "xxxx")
	copy(failure.Err.Payload, "xxx")
	assert.Equal(t, "pong", string(replies[0].Success.Payload))
	assert.Equal(t, "bad", string(replies[1].Failure.Payload))
}

func TestQuery_MidStreamErrorReturnsPartial(t *testing.T) {
	sess := &scriptedSession{
		replies: []transport.Reply{ok("demo/a", "1"), ok("demo/a", "2")},
		tailErr: stderrors.New("link reset"),
	}
	e, err := NewEngine(&staticSource{sess: sess}, Config{Selector: "demo/a"})
	require.NoError(t, err)

	replies, err := e.Query(context.Background(), Request{})
	require.NoError(t, err)
	assert.Len(t, replies, 2)
}

func TestQuery_ZeroRepliesIsEmptyResult(t *testing.T) {
	e, err := NewEngine(&staticSource{sess: &scriptedSession{}}, Config{Selector: "demo/a"})
	require.NoError(t, err)

	replies, err := e.Query(context.Background(), Request{})
	require.NoError(t, err)
	assert.NotNil(t, replies)
	assert.Empty(t, replies)
}

func TestQuery_MissingSelectorBeforeSession(t *testing.T) {
	src := &staticSource{sess: &scriptedSession{}}
	e, err := NewEngine(src, Config{})
	require.NoError(t, err)

	_, err = e.Query(context.Background(), Request{})
	assert.ErrorIs(t, err, errors.ErrMissingSelector)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, 0, src.calls)

	_, err = e.Query(context.Background(), Request{Selector: "a/#"})
	assert.ErrorIs(t, err, errors.ErrInvalidKeyExpr)
	assert.Equal(t, 0, src.calls)
}

func TestQuery_RequestSelectorOverridesDefault(t *testing.T) {
	sess := &scriptedSession{}
	e, err := NewEngine(&staticSource{sess: sess}, Config{Selector: "demo/default"})
	require.NoError(t, err)

	_, err = e.Query(context.Background(), Request{Selector: "demo/call?limit=2"})
	require.NoError(t, err)
	assert.Equal(t, "demo/call?limit=2", sess.lastSel.String())
}

func TestQuery_OptionPrecedence(t *testing.T) {
	sess := &scriptedSession{}
	e, err := NewEngine(&staticSource{sess: sess}, Config{
		Selector: "demo/a",
		Defaults: transport.GetOptions{
			Timeout:       option.Some(10 * time.Second),
			Target:        option.Some(transport.TargetAll),
			Consolidation: option.Some(transport.ConsolidationNone),
			Payload:       option.Some([]byte("node-body")),
			Encoding:      option.Some("text/plain"),
			Attachment:    option.Some([]byte("node-att")),
		},
	})
	require.NoError(t, err)

	_, err = e.Query(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, option.Some([]byte("node-body")), sess.lastOpts.Payload)
	assert.Equal(t, option.Some("text/plain"), sess.lastOpts.Encoding)
	assert.Equal(t, option.Some([]byte("node-att")), sess.lastOpts.Attachment)

	_, err = e.Query(context.Background(), Request{
		Payload: "call-body",
		Options: transport.GetOptions{
			Timeout:    option.Some(5 * time.Second),
			Target:     option.Some(transport.TargetAllComplete),
			Encoding:   option.Some("text/csv"),
			Attachment: option.Some([]byte("call-att")),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, option.Some(5*time.Second), sess.lastOpts.Timeout)
	assert.Equal(t, option.Some(transport.TargetAllComplete), sess.lastOpts.Target)
	assert.Equal(t, option.Some(transport.ConsolidationNone), sess.lastOpts.Consolidation)
	assert.Equal(t, option.Some([]byte("call-body")), sess.lastOpts.Payload)
	assert.Equal(t, option.Some("text/csv"), sess.lastOpts.Encoding)
	assert.Equal(t, option.Some([]byte("call-att")), sess.lastOpts.Attachment)
}

func TestQuery_DefaultTimeout(t *testing.T) {
	sess := &scriptedSession{}
	e, err := NewEngine(&staticSource{sess: sess}, Config{Selector: "demo/a"})
	require.NoError(t, err)

	_, err = e.Query(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, option.Some(DefaultTimeout), sess.lastOpts.Timeout)
}

func TestQuery_PayloadEncoding(t *testing.T) {
	sess := &scriptedSession{}
	e, err := NewEngine(&staticSource{sess: sess}, Config{Selector: "demo/a"})
	require.NoError(t, err)

	_, err = e.Query(context.Background(), Request{Payload: map[string]int{"n": 1}})
	require.NoError(t, err)
	assert.Equal(t, option.Some([]byte(`{"n":1}`)), sess.lastOpts.Payload)
	assert.Equal(t, option.Some("application/json"), sess.lastOpts.Encoding)
}

func TestQuery_SessionError(t *testing.T) {
	e, err := NewEngine(&staticSource{err: errors.WrapTransient(errors.ErrNoConnection, "s", "Get", "open")},
		Config{Selector: "demo/a"})
	require.NoError(t, err)

	_, err = e.Query(context.Background(), Request{})
	assert.ErrorIs(t, err, errors.ErrNoConnection)
	assert.True(t, errors.IsTransient(err))
}

func TestQuery_ContextCancelReturnsPartial(t *testing.T) {
	sess := &scriptedSession{replies: []transport.Reply{ok("demo/a", "1")}, block: true}
	e, err := NewEngine(&staticSource{sess: sess}, Config{Selector: "demo/a"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	replies, err := e.Query(ctx, Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, replies, 1)
}

func TestQuery_EndToEndWithResponder(t *testing.T) {
	net := testutil.NewNetwork()
	mgr, err := session.NewManager("mem", net)
	require.NoError(t, err)
	defer mgr.Close(context.Background())

	ctx := context.Background()
	sess, err := mgr.Get(ctx)
	require.NoError(t, err)
	qa, err := sess.DeclareQueryable(ctx, keyexpr.MustNew("demo/ping"), transport.QueryableOptions{})
	require.NoError(t, err)

	go func() {
		q, err := qa.Receive(ctx)
		if err != nil {
			return
		}
		_ = q.Reply(ctx, "demo/ping", []byte("pong 1"), transport.ReplyOptions{})
		_ = q.Reply(ctx, "demo/ping", []byte("pong 2"), transport.ReplyOptions{})
		_ = q.Finalize(ctx)
	}()

	registry := metric.NewMetricsRegistry()
	e, err := NewEngine(mgr, Config{Name: "ping", Selector: "demo/ping"}, WithMetrics(registry))
	require.NoError(t, err)

	replies, err := e.Query(ctx, Request{Options: transport.GetOptions{Timeout: option.Some(2 * time.Second)}})
	require.NoError(t, err)
	require.Len(t, replies, 2)
	assert.Equal(t, "pong 1", string(replies[0].Success.Payload))
	assert.Equal(t, "pong 2", string(replies[1].Success.Payload))
}
