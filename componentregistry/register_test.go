package componentregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/keybridge/component"
	"github.com/c360/keybridge/errors"
)

func TestRegister(t *testing.T) {
	r := component.NewRegistry()
	require.NoError(t, Register(r))
	assert.Equal(t, []string{"put", "query", "queryable", "subscribe"}, r.ListComponentTypes())

	err := Register(r)
	require.Error(t, err, "registering twice must fail")
	assert.True(t, errors.IsInvalid(err))

	err = Register(nil)
	assert.True(t, errors.IsFatal(err))
}
