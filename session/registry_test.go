package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/testutil"
)

func TestRegistry(t *testing.T) {
	net := testutil.NewNetwork()
	reg := NewRegistry()

	a, err := NewManager("mem/a", net, WithName("a"))
	require.NoError(t, err)
	b, err := NewManager("mem/b", net, WithName("b"))
	require.NoError(t, err)

	require.NoError(t, reg.Add(a))
	require.NoError(t, reg.Add(b))
	assert.True(t, errors.IsInvalid(reg.Add(a)))
	assert.Equal(t, []string{"a", "b"}, reg.Names())

	got, err := reg.Get("a")
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, errors.ErrMissingSession)

	_, err = a.Get(context.Background())
	require.NoError(t, err)
	_, err = b.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, net.OpenSessions())

	require.NoError(t, reg.CloseAll(context.Background()))
	assert.Equal(t, 0, net.OpenSessions())
	assert.Equal(t, Closed, a.State())
	assert.Equal(t, Closed, b.State())
}
