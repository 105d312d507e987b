package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/keybridge/component"
	"github.com/c360/keybridge/componentregistry"
	"github.com/c360/keybridge/config"
	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/flow"
	"github.com/c360/keybridge/health"
	"github.com/c360/keybridge/keyexpr"
	"github.com/c360/keybridge/node/nodetest"
	"github.com/c360/keybridge/pkg/tlsutil"
	"github.com/c360/keybridge/testutil"
	"github.com/c360/keybridge/transport"
)

// mirrorFlow republishes demo/sensors/** samples on demo/mirror. The mirror
// node also accepts injected messages.
func mirrorFlow() *testutil.FlowBuilder {
	return testutil.NewFlowBuilder().
		AddSession("local", "mem/local").
		AddNode("sensors", "subscribe", "local", map[string]any{"key_expr": "demo/sensors/**"}, []string{"mirror"}).
		AddNode("mirror", "put", "local", map[string]any{"key_expr": "demo/mirror", "force_key_expr": true})
}

type fixture struct {
	env    *nodetest.Env
	rt     *flow.Runtime
	server *Server
	http   *httptest.Server
}

func newFixture(t *testing.T, fb *testutil.FlowBuilder, httpCfg config.HTTPConfig, start bool, opts ...Option) *fixture {
	t.Helper()
	env := nodetest.NewEnv(t)

	registry := component.NewRegistry()
	require.NoError(t, componentregistry.Register(registry))
	rt, err := flow.NewRuntime(registry, env.Sessions,
		flow.WithMetrics(env.Metrics), flow.WithHealthMonitor(env.Health), flow.WithWorkers(2, 16))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Stop(time.Second) })

	data, err := fb.BuildJSON()
	require.NoError(t, err)
	cfg, err := config.Parse(data, "json")
	require.NoError(t, err)
	require.NoError(t, rt.Build(cfg))
	if start {
		require.NoError(t, rt.Start(context.Background()))
	}

	opts = append([]Option{WithMetrics(env.Metrics), WithHealthMonitor(env.Health)}, opts...)
	server, err := NewServer(rt, httpCfg, opts...)
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &fixture{env: env, rt: rt, server: server, http: ts}
}

func (f *fixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.http.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.http.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestServer_Inject(t *testing.T) {
	f := newFixture(t, mirrorFlow(), config.HTTPConfig{}, true)

	resp := f.post(t, "/api/nodes/mirror/inject", `{"payload": "hello"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	body := decode[injectResponse](t, resp)
	assert.Equal(t, "mirror", body.Node)
	assert.NotEmpty(t, body.ID)

	got := testutil.WaitForPublished(t, f.env.Network, keyexpr.MustNew("demo/mirror"), 1, 2*time.Second)
	assert.Equal(t, "hello", string(got[0].Payload))
}

func TestServer_InjectKeepsRequestID(t *testing.T) {
	f := newFixture(t, mirrorFlow(), config.HTTPConfig{}, true)

	req, err := http.NewRequest(http.MethodPost, f.http.URL+"/api/nodes/mirror/inject", strings.NewReader(`{"payload":1}`))
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "trace-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "trace-42", resp.Header.Get("X-Request-ID"))
}

func TestServer_InjectErrors(t *testing.T) {
	tests := []struct {
		name   string
		start  bool
		path   string
		body   string
		status int
	}{
		{"unknown node", true, "/api/nodes/ghost/inject", `{}`, http.StatusNotFound},
		{"malformed json", true, "/api/nodes/mirror/inject", `{"payload":`, http.StatusBadRequest},
		{"conflicting flags", true, "/api/nodes/mirror/inject", `{"finalize":true,"error":true}`, http.StatusBadRequest},
		{"node without input", true, "/api/nodes/sensors/inject", `{}`, http.StatusBadRequest},
		{"flow not started", false, "/api/nodes/mirror/inject", `{}`, http.StatusServiceUnavailable},
		{"body too large", true, "/api/nodes/mirror/inject",
			`{"payload":"` + strings.Repeat("x", int(MaxRequestSize)) + `"}`, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, mirrorFlow(), config.HTTPConfig{}, tt.start)

			resp := f.post(t, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

			body := decode[map[string]any](t, resp)
			assert.EqualValues(t, tt.status, body["status"])
			assert.NotContains(t, body["error"], "mem/local", "locators are not exposed")
		})
	}
}

func TestServer_InjectRateLimit(t *testing.T) {
	f := newFixture(t, mirrorFlow(), config.HTTPConfig{InjectRate: 0.001, InjectBurst: 1}, true)

	first := f.post(t, "/api/nodes/mirror/inject", `{"payload":"a"}`)
	assert.Equal(t, http.StatusAccepted, first.StatusCode)

	second := f.post(t, "/api/nodes/mirror/inject", `{"payload":"b"}`)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, "1", second.Header.Get("Retry-After"))
	assert.EqualValues(t, 1, f.server.Stats().Failed)
}

func TestServer_Nodes(t *testing.T) {
	f := newFixture(t, mirrorFlow(), config.HTTPConfig{}, true)

	resp := f.get(t, "/api/nodes")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	nodes := decode[[]map[string]any](t, resp)
	require.Len(t, nodes, 2)
	assert.Equal(t, "mirror", nodes[0]["name"])
	assert.Equal(t, "started", nodes[0]["state"])

	one := f.get(t, "/api/nodes/sensors")
	require.Equal(t, http.StatusOK, one.StatusCode)
	node := decode[map[string]any](t, one)
	assert.Equal(t, "sensors", node["name"])

	missing := f.get(t, "/api/nodes/ghost")
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestServer_Flow(t *testing.T) {
	f := newFixture(t, mirrorFlow(), config.HTTPConfig{}, false)

	resp := f.get(t, "/api/flow")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
}

func TestServer_Config(t *testing.T) {
	cfg := config.Defaults()
	cfg.Sessions["local"] = config.SessionConfig{Locator: "nats://broker:4222", Username: "bridge", Password: "hunter2"}
	safe := config.NewSafeConfig(cfg)

	f := newFixture(t, mirrorFlow(), config.HTTPConfig{}, false, WithConfig(safe))
	resp := f.get(t, "/api/config")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
	assert.Contains(t, string(data), `"password":"***"`)

	bare := newFixture(t, mirrorFlow(), config.HTTPConfig{}, false)
	assert.Equal(t, http.StatusNotFound, bare.get(t, "/api/config").StatusCode)
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t, mirrorFlow(), config.HTTPConfig{}, true)

	resp := f.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[health.Status](t, resp)
	assert.Equal(t, SystemName, status.Component)

	f.env.Health.UpdateUnhealthy("session/local", "connection lost")
	resp = f.get(t, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t, mirrorFlow(), config.HTTPConfig{}, true)

	f.post(t, "/api/nodes/ghost/inject", `{}`)

	resp := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `keybridge_gateway_requests_total{code="404",route="inject"} 1`)
}

func TestServer_Stream(t *testing.T) {
	f := newFixture(t, mirrorFlow(), config.HTTPConfig{}, true)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/nodes/sensors/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.server.Stats().Clients == 1 }, time.Second, 5*time.Millisecond)

	peer := f.env.Peer(t)
	require.NoError(t, peer.Put(context.Background(), keyexpr.MustNew("demo/sensors/t1"), []byte("21.5"), transport.PutOptions{}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "sensors", env.Node)
	assert.Equal(t, 0, env.Port)
	require.NotNil(t, env.Message)
	assert.Equal(t, "demo/sensors/t1", env.Message.Topic)

	conn.Close()
	require.Eventually(t, func() bool { return f.server.Stats().Clients == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestServer_StreamUnknownNode(t *testing.T) {
	f := newFixture(t, mirrorFlow(), config.HTTPConfig{}, true)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/nodes/ghost/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_StartStop(t *testing.T) {
	f := newFixture(t, mirrorFlow(), config.HTTPConfig{Addr: "127.0.0.1:0"}, true)
	srv, err := NewServer(f.rt, config.HTTPConfig{Addr: "127.0.0.1:0"})
	require.NoError(t, err)

	require.NoError(t, srv.Start(context.Background()))
	addr := srv.Addr()
	require.NotEmpty(t, addr)

	err = srv.Start(context.Background())
	assert.True(t, errors.IsFatal(err), "second start")

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/nodes/sensors/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, srv.Stop(2*time.Second))
	assert.Empty(t, srv.Addr())
	assert.EqualValues(t, 0, srv.Stats().Clients)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	assert.Error(t, srv.Start(context.Background()), "a stopped server stays stopped")
	require.NoError(t, srv.Stop(time.Second))
}

func TestServer_TLS(t *testing.T) {
	dir := t.TempDir()
	server := testutil.WriteTestCert(t, dir, "localhost")
	client := testutil.WriteTestCert(t, dir, "operator")

	f := newFixture(t, mirrorFlow(), config.HTTPConfig{}, true)
	srv, err := NewServer(f.rt, config.HTTPConfig{
		Addr: "127.0.0.1:0",
		TLS: config.ServerTLSConfig{
			CertFile:          server.CertFile,
			KeyFile:           server.KeyFile,
			ClientCAFiles:     []string{client.CertFile},
			RequireClientCert: true,
		},
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(time.Second) })

	roots, err := tlsutil.LoadCertPool(server.CertFile)
	require.NoError(t, err)
	clientCert, err := tls.LoadX509KeyPair(client.CertFile, client.KeyFile)
	require.NoError(t, err)

	httpsClient := &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{
		TLSClientConfig: &tls.Config{RootCAs: roots, Certificates: []tls.Certificate{clientCert}, MinVersion: tls.VersionTLS12},
	}}
	resp, err := httpsClient.Get("https://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	anonymous := &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{
		TLSClientConfig: &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12},
	}}
	_, err = anonymous.Get("https://" + srv.Addr() + "/health")
	assert.Error(t, err, "client certificate is required")
}

func TestNewServer_Errors(t *testing.T) {
	_, err := NewServer(nil, config.HTTPConfig{})
	assert.True(t, errors.IsFatal(err))

	f := newFixture(t, mirrorFlow(), config.HTTPConfig{}, false)
	_, err = NewServer(f.rt, config.HTTPConfig{InjectRate: -1})
	assert.True(t, errors.IsInvalid(err))

	_, err = NewServer(f.rt, config.HTTPConfig{}, WithMetrics(f.env.Metrics))
	assert.Error(t, err, "gateway metrics register once per registry")

	_, err = NewServer(f.rt, config.HTTPConfig{TLS: config.ServerTLSConfig{CertFile: "absent.pem", KeyFile: "absent.pem"}})
	assert.True(t, errors.IsFatal(err), "unreadable certificate")
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		msg    string
	}{
		{errors.WrapInvalid(errors.ErrInvalidData, "X", "Y", "z"), http.StatusBadRequest, "invalid request"},
		{errors.WrapTransient(errors.ErrNotStarted, "X", "Y", "z"), http.StatusServiceUnavailable, "service temporarily unavailable"},
		{errors.WrapTransient(context.DeadlineExceeded, "X", "Y", "z"), http.StatusGatewayTimeout, "request timeout"},
		{errors.WrapFatal(errors.ErrMissingConfig, "X", "Y", "z"), http.StatusInternalServerError, "internal server error"},
		{io.EOF, http.StatusInternalServerError, "internal server error"},
		{nil, http.StatusInternalServerError, "internal server error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, mapErrorToHTTPStatus(tt.err), "%v", tt.err)
		assert.Equal(t, tt.msg, sanitizeError(tt.err), "%v", tt.err)
	}
}

func TestGetOrGenerateRequestID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", bytes.NewReader(nil))
	id := getOrGenerateRequestID(r)
	assert.Len(t, id, 16)

	r.Header.Set("X-Request-ID", "given")
	assert.Equal(t, "given", getOrGenerateRequestID(r))
}
