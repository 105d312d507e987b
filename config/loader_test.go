package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/keybridge/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func newTestLoader(env map[string]string) *Loader {
	l := NewLoader()
	l.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	return l
}

func TestLoader_LoadJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"version": "1.0.0",
		"sessions": {
			"local": {"locator": "nats://127.0.0.1:4222", "connect_timeout": "3s", "subject_prefix": "lab"}
		},
		"nodes": {
			"sensors": {"type": "subscribe", "session": "local", "wires": [["mirror"]], "config": {"key_expr": "demo/**"}},
			"mirror": {"type": "put", "session": "local", "config": {"key_expr": "demo/mirror"}}
		}
	}`)

	loader := newTestLoader(nil)
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "1.0.0", cfg.Version)
	require.Contains(t, cfg.Sessions, "local")
	assert.Equal(t, 3*time.Second, cfg.Sessions["local"].ConnectTimeout)
	assert.Equal(t, "lab", cfg.Sessions["local"].SubjectPrefix)

	assert.Equal(t, []string{"mirror", "sensors"}, cfg.NodeNames())
	sensors := cfg.Nodes["sensors"]
	assert.Equal(t, NodeTypeSubscribe, sensors.Type)
	assert.True(t, sensors.IsEnabled())
	assert.Equal(t, [][]string{{"mirror"}}, sensors.Wires)
	assert.JSONEq(t, `{"key_expr":"demo/**"}`, string(sensors.Config))
}

func TestLoader_LoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
log:
  level: debug
  format: json
sessions:
  local:
    locator: tcp/127.0.0.1:4222
    connect_timeout: 1500
nodes:
  ask:
    type: query
    session: local
    enabled: false
    config:
      selector: demo/ping
      timeout: 250
`)

	loader := newTestLoader(nil)
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 1500*time.Millisecond, cfg.Sessions["local"].ConnectTimeout)
	assert.False(t, cfg.Nodes["ask"].IsEnabled())
	assert.JSONEq(t, `{"selector":"demo/ping","timeout":250}`, string(cfg.Nodes["ask"].Config))
}

func TestLoader_Defaults(t *testing.T) {
	path := writeFile(t, "empty.json", `{}`)

	cfg, err := newTestLoader(nil).LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTP.Addr)
	assert.Equal(t, float64(DefaultInjectRate), cfg.HTTP.InjectRate)
	assert.Equal(t, DefaultInjectBurst, cfg.HTTP.InjectBurst)
	assert.Equal(t, DefaultWorkers, cfg.Flow.Workers)
	assert.Equal(t, DefaultQueueSize, cfg.Flow.QueueSize)
	assert.NotNil(t, cfg.Sessions)
	assert.NotNil(t, cfg.Nodes)
}

func TestLoader_Layers(t *testing.T) {
	base := writeFile(t, "base.yaml", `
http: {addr: ":9000"}
sessions:
  local: {locator: "nats://base:4222", subject_prefix: base}
nodes:
  mirror:
    type: put
    session: local
    config: {key_expr: demo/mirror, priority: data}
`)
	override := writeFile(t, "override.json", `{
		"sessions": {"local": {"locator": "nats://prod:4222"}},
		"nodes": {"mirror": {"config": {"priority": "real_time"}}}
	}`)

	loader := newTestLoader(nil)
	loader.AddLayer(base)
	loader.AddLayer(override)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, "nats://prod:4222", cfg.Sessions["local"].Locator)
	assert.Equal(t, "base", cfg.Sessions["local"].SubjectPrefix)
	assert.JSONEq(t, `{"key_expr":"demo/mirror","priority":"real_time"}`, string(cfg.Nodes["mirror"].Config))
}

func TestLoader_EnvOverrides(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"sessions": {"edge-1": {"locator": "nats://file:4222"}}
	}`)

	loader := newTestLoader(map[string]string{
		"KEYBRIDGE_LOG_LEVEL":               "warn",
		"KEYBRIDGE_HTTP_ADDR":               ":7000",
		"KEYBRIDGE_FLOW_WORKERS":            "8",
		"KEYBRIDGE_SESSION_EDGE_1_LOCATOR":  "nats://env:4222",
		"KEYBRIDGE_SESSION_EDGE_1_PASSWORD": "secret",
		"KEYBRIDGE_SESSION_EDGE_1_USERNAME": "bridge",
	})
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, 8, cfg.Flow.Workers)
	assert.Equal(t, "nats://env:4222", cfg.Sessions["edge-1"].Locator)
	assert.Equal(t, "bridge", cfg.Sessions["edge-1"].Username)
	assert.Equal(t, "secret", cfg.Sessions["edge-1"].Password)
}

func TestLoader_EnvOverrideInvalid(t *testing.T) {
	path := writeFile(t, "config.json", `{}`)

	_, err := newTestLoader(map[string]string{"KEYBRIDGE_FLOW_WORKERS": "many"}).LoadFile(path)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = newTestLoader(map[string]string{"KEYBRIDGE_LOG_LEVEL": "de\x00bug"}).LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "null byte")
}

func TestLoader_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown top level field",
			content: `{"platform": {"org": "c360"}}`,
			wantErr: "Additional property platform",
		},
		{
			name:    "missing locator",
			content: `{"sessions": {"local": {"subject_prefix": "x"}}}`,
			wantErr: "locator",
		},
		{
			name:    "unknown node type",
			content: `{"sessions": {"local": {"locator": "nats://h:4222"}}, "nodes": {"n": {"type": "mqtt", "session": "local"}}}`,
			wantErr: "nodes.n.type",
		},
		{
			name:    "unknown session reference",
			content: `{"sessions": {"local": {"locator": "nats://h:4222"}}, "nodes": {"n": {"type": "put", "session": "remote"}}}`,
			wantErr: `unknown session "remote"`,
		},
		{
			name:    "unknown wire target",
			content: `{"sessions": {"local": {"locator": "nats://h:4222"}}, "nodes": {"n": {"type": "subscribe", "session": "local", "wires": [["ghost"]]}}}`,
			wantErr: `unknown node "ghost"`,
		},
		{
			name:    "bad duration",
			content: `{"sessions": {"local": {"locator": "nats://h:4222", "connect_timeout": "soon"}}}`,
			wantErr: "connect_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "config.json", tt.content)
			loader := newTestLoader(nil)
			loader.EnableValidation(true)

			_, err := loader.LoadFile(path)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoader_RejectsFiles(t *testing.T) {
	loader := newTestLoader(nil)

	_, err := loader.LoadFile(writeFile(t, "config.toml", `x = 1`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only JSON or YAML")

	_, err = loader.LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	_, err = loader.LoadFile(writeFile(t, "broken.json", `{"log": `))
	require.Error(t, err)

	_, err = loader.LoadFile(writeFile(t, "broken.yaml", "log: [unclosed"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrParsingFailed)
}

func TestDeepMergeMaps(t *testing.T) {
	base := map[string]any{
		"a": map[string]any{"x": 1, "y": 2},
		"b": "keep",
	}
	override := map[string]any{
		"a": map[string]any{"y": 3, "z": 4},
		"b": nil,
		"c": []any{"new"},
	}

	merged := deepMergeMaps(base, override)
	assert.Equal(t, map[string]any{"x": 1, "y": 3, "z": 4}, merged["a"])
	assert.Equal(t, "keep", merged["b"])
	assert.Equal(t, []any{"new"}, merged["c"])
	assert.Equal(t, map[string]any{"x": 1, "y": 2}, base["a"], "base must not be mutated")
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "EDGE_1", envName("edge-1"))
	assert.Equal(t, "LAB_LOCAL", envName("lab.local"))
	assert.Equal(t, "A1", envName("a1"))
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`{"sessions": {"local": {"locator": "mem/local", "connect_timeout": "250ms"}}}`), "json")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Sessions["local"].ConnectTimeout)
	assert.Equal(t, DefaultWorkers, cfg.Flow.Workers)

	cfg, err = Parse([]byte("flow:\n  workers: 2\n"), "yaml")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Flow.Workers)

	_, err = Parse([]byte(`{"nodes": {"x": {"type": "put"}}}`), "json")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
