// Package nodetest wires pipeline nodes to an in-memory network for tests.
package nodetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/keybridge/component"
	"github.com/c360/keybridge/health"
	"github.com/c360/keybridge/metric"
	"github.com/c360/keybridge/session"
	"github.com/c360/keybridge/testutil"
	"github.com/c360/keybridge/transport"
)

// SessionName is the session every Env registers.
const SessionName = "local"

// Env is a network, a session registry bound to it and an output recorder.
type Env struct {
	Network  *testutil.Network
	Sessions *session.Registry
	Output   *testutil.Recorder
	Metrics  *metric.MetricsRegistry
	Health   *health.Monitor
}

// NewEnv creates an Env. Sessions are closed when the test ends.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	env := &Env{
		Network:  testutil.NewNetwork(),
		Sessions: session.NewRegistry(),
		Output:   testutil.NewRecorder(),
		Metrics:  metric.NewMetricsRegistry(),
		Health:   health.NewMonitor(),
	}
	m, err := session.NewManager("mem/"+SessionName, env.Network,
		session.WithName(SessionName), session.WithMetrics(env.Metrics), session.WithHealthMonitor(env.Health))
	require.NoError(t, err)
	require.NoError(t, env.Sessions.Add(m))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = env.Sessions.CloseAll(ctx)
	})
	return env
}

// Deps returns node dependencies bound to the Env session and recorder.
func (e *Env) Deps() component.Dependencies {
	return component.Dependencies{
		Sessions:        e.Sessions,
		SessionName:     SessionName,
		MetricsRegistry: e.Metrics,
		HealthMonitor:   e.Health,
		Output:          e.Output,
	}
}

// Peer opens an independent session on the network, playing the other side.
func (e *Env) Peer(t *testing.T) transport.Session {
	t.Helper()
	sess, err := e.Network.Open(context.Background(), "mem/peer")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close(context.Background()) })
	return sess
}

// Create runs factory with cfg marshaled to JSON.
func (e *Env) Create(t *testing.T, factory component.Factory, name string, cfg map[string]any) component.Discoverable {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	comp, err := factory(name, raw, e.Deps())
	require.NoError(t, err)
	return comp
}
