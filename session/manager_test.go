package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/health"
	"github.com/c360/keybridge/metric"
	"github.com/c360/keybridge/testutil"
	"github.com/c360/keybridge/transport"
)

func newManager(t *testing.T, net *testutil.Network, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager("mem/test", net, opts...)
	require.NoError(t, err)
	return m
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager("", testutil.NewNetwork())
	assert.ErrorIs(t, err, errors.ErrMissingSession)
	assert.True(t, errors.IsInvalid(err))

	_, err = NewManager("mem", nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestManager_ConcurrentGetSharesOneConnect(t *testing.T) {
	net := testutil.NewNetwork()
	net.SetOpenDelay(100 * time.Millisecond)
	m := newManager(t, net)

	const callers = 10
	sessions := make([]transport.Session, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = m.Get(context.Background())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, net.OpenCalls())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, sessions[0], sessions[i])
	}
	assert.Equal(t, Connected, m.State())
}

func TestManager_ConcurrentGetSharesFailure(t *testing.T) {
	net := testutil.NewNetwork()
	net.SetOpenDelay(100 * time.Millisecond)
	net.SetReachable(false)
	m := newManager(t, net)

	const callers = 5
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Get(context.Background())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, net.OpenCalls())
	for _, err := range errs {
		assert.ErrorIs(t, err, errors.ErrNoConnection)
	}
	assert.Equal(t, Disconnected, m.State())
}

func TestManager_RetryAfterEndpointBecomesReachable(t *testing.T) {
	net := testutil.NewNetwork()
	net.SetReachable(false)
	m := newManager(t, net)

	_, err := m.Get(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, Disconnected, m.State())

	net.SetReachable(true)
	sess, err := m.Get(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, sess)
	assert.Equal(t, 2, net.OpenCalls())
}

func TestManager_ReusesLiveSession(t *testing.T) {
	net := testutil.NewNetwork()
	m := newManager(t, net)

	first, err := m.Get(context.Background())
	require.NoError(t, err)
	second, err := m.Get(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, net.OpenCalls())
}

func TestManager_ReconnectsAfterRuntimeDrop(t *testing.T) {
	net := testutil.NewNetwork()
	m := newManager(t, net)

	first, err := m.Get(context.Background())
	require.NoError(t, err)

	net.Drop()
	require.True(t, first.IsClosed())

	second, err := m.Get(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, net.OpenCalls())
}

func TestManager_HostUnsupported(t *testing.T) {
	reg := transport.NewRegistry()
	reg.Register(testutil.NewNetwork(), "mem")

	m, err := NewManager("udp/10.0.0.1:7447", reg)
	require.NoError(t, err)

	_, err = m.Get(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsHostUnsupported(err))
	assert.True(t, errors.IsFatal(err))
	assert.False(t, errors.IsTransient(err))
	assert.Contains(t, err.Error(), "Supported locator schemes: mem")
}

func TestManager_ConnectTimeout(t *testing.T) {
	net := testutil.NewNetwork()
	net.SetOpenDelay(time.Second)
	m := newManager(t, net, WithConnectTimeout(20*time.Millisecond))

	_, err := m.Get(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConnectionTimeout)
	assert.True(t, errors.IsTransient(err))
}

func TestManager_CallerContextBoundsOnlyItsWait(t *testing.T) {
	net := testutil.NewNetwork()
	net.SetOpenDelay(80 * time.Millisecond)
	m := newManager(t, net)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The shared attempt keeps running and a later caller joins it
	sess, err := m.Get(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, sess)
	assert.Equal(t, 1, net.OpenCalls())
}

func TestManager_Close(t *testing.T) {
	net := testutil.NewNetwork()
	m := newManager(t, net)

	sess, err := m.Get(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Close(context.Background()))
	assert.True(t, sess.IsClosed())
	assert.Equal(t, Closed, m.State())

	// Idempotent
	require.NoError(t, m.Close(context.Background()))

	_, err = m.Get(context.Background())
	assert.ErrorIs(t, err, errors.ErrSessionClosed)
	assert.Equal(t, 1, net.OpenCalls())
}

func TestManager_CloseFailureStillCloses(t *testing.T) {
	net := testutil.NewNetwork()
	m := newManager(t, net)

	_, err := m.Get(context.Background())
	require.NoError(t, err)

	net.SetCloseError(errors.ErrConnectionLost)
	err = m.Close(context.Background())
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
	assert.Equal(t, Closed, m.State())

	_, err = m.Get(context.Background())
	assert.ErrorIs(t, err, errors.ErrSessionClosed)
}

func TestManager_CloseWithoutSession(t *testing.T) {
	net := testutil.NewNetwork()
	m := newManager(t, net)

	require.NoError(t, m.Close(context.Background()))
	assert.Equal(t, 0, net.OpenCalls())
}

func TestManager_ConnectCompletingAfterCloseIsDiscarded(t *testing.T) {
	net := testutil.NewNetwork()
	net.SetOpenDelay(50 * time.Millisecond)
	m := newManager(t, net)

	done := make(chan error, 1)
	go func() {
		_, err := m.Get(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool { return m.State() == Connecting }, time.Second, time.Millisecond)
	require.NoError(t, m.Close(context.Background()))

	err := <-done
	assert.ErrorIs(t, err, errors.ErrSessionClosed)
	assert.Equal(t, Closed, m.State())
	assert.Eventually(t, func() bool { return net.OpenSessions() == 0 }, time.Second, 5*time.Millisecond)
}

func TestManager_ReportsHealthAndMetrics(t *testing.T) {
	net := testutil.NewNetwork()
	monitor := health.NewMonitor()
	registry := metric.NewMetricsRegistry()
	m := newManager(t, net, WithName("edge"), WithHealthMonitor(monitor), WithMetrics(registry))

	_, err := m.Get(context.Background())
	require.NoError(t, err)

	status, ok := monitor.Get("session/edge")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())
	assert.Equal(t, "edge", m.Name())
	assert.Equal(t, "mem/test", m.Locator())
}
