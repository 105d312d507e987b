package subscribenode

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/keybridge/component"
	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/keyexpr"
	"github.com/c360/keybridge/message"
	"github.com/c360/keybridge/node/nodetest"
	"github.com/c360/keybridge/option"
	"github.com/c360/keybridge/transport"
)

func TestNode_EmitsSamples(t *testing.T) {
	env := nodetest.NewEnv(t)
	n := env.Create(t, New, "sensors", map[string]any{"key_expr": "sensors/*/temp"}).(*Node)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Stop(time.Second) })

	peer := env.Peer(t)
	ctx := context.Background()
	require.NoError(t, peer.Put(ctx, keyexpr.MustNew("sensors/a/temp"), []byte("21.5"), transport.PutOptions{
		Encoding:   option.Some("zenoh/string"),
		Priority:   option.Some(transport.PriorityDataHigh),
		Express:    option.Some(true),
		Attachment: option.Some([]byte("unit=C")),
	}))
	require.NoError(t, peer.Put(ctx, keyexpr.MustNew("sensors/b/humidity"), []byte("40"), transport.PutOptions{}))
	require.NoError(t, peer.Put(ctx, keyexpr.MustNew("sensors/b/temp"), []byte(`{"c":19}`), transport.PutOptions{
		Encoding: option.Some("application/json"),
	}))

	emitted := env.Output.WaitForCount(t, 2, 2*time.Second)
	require.Len(t, emitted, 2)

	first := emitted[0].Message
	assert.Equal(t, "21.5", first.Payload)
	assert.Equal(t, "sensors/a/temp", first.Topic)
	assert.Equal(t, "sensors", first.Source)
	require.NotNil(t, first.Meta)
	assert.Equal(t, message.MetaSample, first.Meta.Type)
	assert.Equal(t, "put", first.Meta.Kind)
	assert.Equal(t, transport.PriorityDataHigh, first.Meta.Priority.OrElse(0))
	assert.True(t, first.Meta.Express.OrElse(false))
	assert.Equal(t, []byte("unit=C"), first.Meta.Attachment)
	assert.NotZero(t, first.Meta.Timestamp)

	assert.Equal(t, json.RawMessage(`{"c":19}`), emitted[1].Message.Payload)
	assert.Equal(t, int64(2), n.DataFlow().MessagesIn)
	assert.Equal(t, int64(2), n.DataFlow().MessagesOut)
}

func TestNode_StopUndeclares(t *testing.T) {
	env := nodetest.NewEnv(t)
	n := env.Create(t, New, "sensors", map[string]any{"key_expr": "sensors/**"}).(*Node)
	require.NoError(t, n.Start(context.Background()))
	require.NoError(t, n.Stop(time.Second))

	require.NoError(t, env.Peer(t).Put(context.Background(), keyexpr.MustNew("sensors/x"), []byte("1"), transport.PutOptions{}))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, env.Output.Count())
}

func TestNode_StartUnreachable(t *testing.T) {
	env := nodetest.NewEnv(t)
	env.Network.SetReachable(false)
	n := env.Create(t, New, "sensors", map[string]any{"key_expr": "sensors/**"}).(*Node)

	err := n.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.False(t, n.Health().Healthy)

	env.Network.SetReachable(true)
	require.NoError(t, n.Start(context.Background()))
	assert.True(t, n.Health().Healthy)
	require.NoError(t, n.Stop(time.Second))
}

func TestNew_Validation(t *testing.T) {
	env := nodetest.NewEnv(t)
	_, err := New("s", json.RawMessage(`{}`), env.Deps())
	assert.ErrorIs(t, err, errors.ErrMissingKeyExpr)

	_, err = New("s", json.RawMessage(`{"key_expr":"a","allowed_origin":"nowhere"}`), env.Deps())
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestNode_Lifecycle(t *testing.T) {
	env := nodetest.NewEnv(t)
	component.StandardLifecycleTests(t, func() component.LifecycleComponent {
		return env.Create(t, New, "sensors", map[string]any{"key_expr": "sensors/**"}).(*Node)
	})
}
