package putnode

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/keybridge/component"
	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/message"
	"github.com/c360/keybridge/node/nodetest"
	"github.com/c360/keybridge/option"
	"github.com/c360/keybridge/transport"
)

func newNode(t *testing.T, env *nodetest.Env, cfg map[string]any) *Node {
	t.Helper()
	return env.Create(t, New, "put", cfg).(*Node)
}

func TestNew_Validation(t *testing.T) {
	env := nodetest.NewEnv(t)

	tests := []struct {
		name    string
		raw     string
		deps    component.Dependencies
		wantErr error
	}{
		{"force without key", `{"force_key_expr":true}`, env.Deps(), errors.ErrMissingKeyExpr},
		{"invalid key", `{"key_expr":"a//b"}`, env.Deps(), errors.ErrInvalidKeyExpr},
		{"bad priority", `{"priority":"urgent"}`, env.Deps(), errors.ErrInvalidConfig},
		{"missing session", `{"key_expr":"a"}`, component.Dependencies{Sessions: env.Sessions}, errors.ErrMissingSession},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("put", json.RawMessage(tt.raw), tt.deps)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestProcess_KeyPrecedence(t *testing.T) {
	env := nodetest.NewEnv(t)
	n := newNode(t, env, map[string]any{"key_expr": "demo/config"})
	ctx := context.Background()

	msg := message.New("", "a")
	msg.KeyExpr = "demo/key"
	msg.Topic = "demo/topic"
	require.NoError(t, n.Process(ctx, msg))

	msg = message.New("", "b")
	msg.Topic = "demo/topic"
	require.NoError(t, n.Process(ctx, msg))

	require.NoError(t, n.Process(ctx, message.New("", "c")))

	published := env.Network.Published()
	require.Len(t, published, 3)
	assert.Equal(t, "demo/key", published[0].KeyExpr.String())
	assert.Equal(t, "demo/topic", published[1].KeyExpr.String())
	assert.Equal(t, "demo/config", published[2].KeyExpr.String())
	assert.Equal(t, []byte("c"), published[2].Payload)
	assert.Equal(t, "sent", n.Health().Status)
	assert.Equal(t, int64(3), n.DataFlow().MessagesIn)
}

func TestProcess_ForceKeyExpr(t *testing.T) {
	env := nodetest.NewEnv(t)
	n := newNode(t, env, map[string]any{"key_expr": "demo/fixed", "force_key_expr": true})

	msg := message.New("", 42)
	msg.KeyExpr = "demo/other"
	require.NoError(t, n.Process(context.Background(), msg))

	published := env.Network.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "demo/fixed", published[0].KeyExpr.String())
	assert.Equal(t, []byte("42"), published[0].Payload)
}

func TestProcess_Options(t *testing.T) {
	env := nodetest.NewEnv(t)
	n := newNode(t, env, map[string]any{
		"key_expr": "demo/opts",
		"priority": "data_low",
		"express":  true,
		"encoding": "",
	})

	msg := message.New("", map[string]any{"v": 1})
	msg.Priority = option.Some(transport.PriorityRealTime)
	msg.Attachment = "att"
	require.NoError(t, n.Process(context.Background(), msg))

	require.NoError(t, n.Process(context.Background(), message.New("", "plain")))

	published := env.Network.Published()
	require.Len(t, published, 2)
	assert.Equal(t, transport.PriorityRealTime, published[0].Priority, "message overrides config")
	assert.True(t, published[0].Express, "config applies when the message is silent")
	assert.Equal(t, "application/json", published[0].Encoding)
	assert.Equal(t, []byte("att"), published[0].Attachment)
	assert.Equal(t, transport.PriorityDataLow, published[1].Priority)
	assert.Equal(t, "zenoh/string", published[1].Encoding)
}

func TestProcess_Errors(t *testing.T) {
	env := nodetest.NewEnv(t)
	n := newNode(t, env, nil)
	ctx := context.Background()

	err := n.Process(ctx, message.New("", "x"))
	assert.ErrorIs(t, err, errors.ErrMissingKeyExpr)

	msg := message.New("", nil)
	msg.Topic = "demo/x"
	err = n.Process(ctx, msg)
	assert.ErrorIs(t, err, errors.ErrMissingPayload)

	h := n.Health()
	assert.False(t, h.Healthy)
	assert.Equal(t, 2, h.ErrorCount)
	assert.Empty(t, env.Network.Published())

	env.Network.SetReachable(false)
	msg = message.New("", "x")
	msg.Topic = "demo/x"
	err = n.Process(ctx, msg)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestRegister(t *testing.T) {
	r := component.NewRegistry()
	require.NoError(t, Register(r))
	_, ok := r.GetFactory("put")
	assert.True(t, ok)
}
