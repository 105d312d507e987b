package component

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/keybridge/errors"
)

func TestValidateFactoryConfig(t *testing.T) {
	deep := strings.Repeat(`{"a":`, MaxJSONDepth+2) + "1" + strings.Repeat("}", MaxJSONDepth+2)
	bigArray := "[" + strings.TrimSuffix(strings.Repeat("1,", MaxArraySize+1), ",") + "]"

	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"empty", "", false},
		{"object", `{"key_expr":"demo/**","timeout":5000}`, false},
		{"malformed", `{"key_expr":`, true},
		{"too deep", deep, true},
		{"array too large", bigArray, true},
		{"control character", `{"k":"a\u0001b"}`, true},
		{"newline allowed", `{"k":"a\nb"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFactoryConfig(json.RawMessage(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateComponentName(t *testing.T) {
	for _, name := range []string{"ping", "query-1", "sensors.temp", "a_b"} {
		assert.NoError(t, ValidateComponentName(name), name)
	}
	for _, name := range []string{"", "-x", "a/b", "a b", strings.Repeat("x", MaxNameLength+1)} {
		assert.Error(t, ValidateComponentName(name), name)
	}
}

func TestSafeUnmarshal(t *testing.T) {
	var cfg stubConfig
	require.NoError(t, SafeUnmarshal(json.RawMessage(`{"key_expr":"demo/ping"}`), &cfg))
	assert.Equal(t, "demo/ping", cfg.KeyExpr)

	err := SafeUnmarshal(json.RawMessage(`{"key_expr":"demo/ping"}`), cfg)
	require.Error(t, err, "non-pointer target")

	err = SafeUnmarshal(json.RawMessage(`{"key_expr":1}`), &cfg)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	var empty stubConfig
	err = SafeUnmarshal(nil, &empty)
	assert.ErrorIs(t, err, errors.ErrMissingKeyExpr, "empty config is still validated")
}
