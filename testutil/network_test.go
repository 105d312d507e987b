package testutil

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/keyexpr"
	"github.com/c360/keybridge/option"
	"github.com/c360/keybridge/transport"
)

func TestNetwork_PutSubscribe(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()

	pub, err := n.Open(ctx, "mem")
	require.NoError(t, err)
	sub, err := n.Open(ctx, "mem")
	require.NoError(t, err)

	s, err := sub.DeclareSubscriber(ctx, keyexpr.MustNew("demo/**"), transport.SubscriberOptions{})
	require.NoError(t, err)

	require.NoError(t, pub.Put(ctx, keyexpr.MustNew("demo/temp"), []byte("21"), transport.PutOptions{
		Encoding: option.Some("zenoh/string"),
	}))
	require.NoError(t, pub.Put(ctx, keyexpr.MustNew("other/temp"), []byte("x"), transport.PutOptions{}))

	sample, err := s.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, keyexpr.KeyExpr("demo/temp"), sample.KeyExpr)
	assert.Equal(t, "21", string(sample.Payload))
	assert.Equal(t, "zenoh/string", sample.Encoding)

	require.NoError(t, s.Undeclare(ctx))
	_, err = s.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.Len(t, n.Published(), 2)
}

func TestNetwork_GetCompletesOnFinalize(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()
	sess, err := n.Open(ctx, "mem")
	require.NoError(t, err)

	qa, err := sess.DeclareQueryable(ctx, keyexpr.MustNew("demo/ping"), transport.QueryableOptions{})
	require.NoError(t, err)

	go func() {
		q, err := qa.Receive(ctx)
		if err != nil {
			return
		}
		_ = q.Reply(ctx, q.KeyExpr(), []byte("pong"), transport.ReplyOptions{})
		_ = q.ReplyErr(ctx, []byte("nope"), transport.ReplyErrOptions{})
		_ = q.Finalize(ctx)
	}()

	sel, err := keyexpr.ParseSelector("demo/ping")
	require.NoError(t, err)
	rx, err := sess.Get(ctx, sel, transport.GetOptions{Timeout: option.Some(2 * time.Second)})
	require.NoError(t, err)

	r1, err := rx.Receive(ctx)
	require.NoError(t, err)
	require.True(t, r1.OK())
	assert.Equal(t, "pong", string(r1.Sample.Payload))

	r2, err := rx.Receive(ctx)
	require.NoError(t, err)
	require.False(t, r2.OK())
	assert.Equal(t, "nope", string(r2.Err.Payload))

	_, err = rx.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestNetwork_GetWithoutResponders(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()
	sess, err := n.Open(ctx, "mem")
	require.NoError(t, err)

	rx, err := sess.Get(ctx, keyexpr.Selector{KeyExpr: "nobody/home"}, transport.GetOptions{})
	require.NoError(t, err)
	_, err = rx.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestNetwork_FaultInjection(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()

	n.SetReachable(false)
	_, err := n.Open(ctx, "mem")
	assert.ErrorIs(t, err, errors.ErrNoConnection)

	n.SetReachable(true)
	sess, err := n.Open(ctx, "mem")
	require.NoError(t, err)
	assert.Equal(t, 2, n.OpenCalls())

	n.Drop()
	assert.True(t, sess.IsClosed())
	assert.Equal(t, 0, n.OpenSessions())

	closeErr := errors.ErrConnectionLost
	n.SetCloseError(closeErr)
	sess, err = n.Open(ctx, "mem")
	require.NoError(t, err)
	assert.ErrorIs(t, sess.Close(ctx), closeErr)
	assert.True(t, sess.IsClosed())
}
