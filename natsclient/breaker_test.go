package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/metric"
)

// fakeClock lets breaker tests move time by hand.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, maxBackoff time.Duration) (*breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := newBreaker(threshold, maxBackoff)
	b.now = clock.now
	return b, clock
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, clock := newTestBreaker(3, time.Minute)
	const url = "nats://a:4222"

	for range 2 {
		_, opened := b.failure(url)
		assert.False(t, opened)
	}
	assert.Equal(t, 2, b.failures(url))
	_, ok := b.allow(url)
	assert.True(t, ok, "closed below the threshold")

	open, opened := b.failure(url)
	require.True(t, opened)
	assert.Equal(t, time.Second, open)

	wait, ok := b.allow(url)
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)

	_, ok = b.allow("nats://b:4222")
	assert.True(t, ok, "circuits are per server")

	clock.advance(time.Second)
	_, ok = b.allow(url)
	assert.True(t, ok, "a probe is let through once the backoff elapsed")
}

func TestBreaker_FailedProbeDoublesBackoff(t *testing.T) {
	b, clock := newTestBreaker(1, 5*time.Second)
	const url = "nats://a:4222"

	var opens []time.Duration
	for range 5 {
		open, opened := b.failure(url)
		require.True(t, opened)
		opens = append(opens, open)
		clock.advance(open)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}, opens)

	b.success(url)
	assert.Equal(t, 0, b.failures(url))
	open, opened := b.failure(url)
	assert.True(t, opened)
	assert.Equal(t, time.Second, open, "success resets the backoff")
}

func TestBreaker_Disabled(t *testing.T) {
	b, _ := newTestBreaker(0, time.Minute)
	for range 10 {
		_, opened := b.failure("nats://a:4222")
		assert.False(t, opened)
	}
	_, ok := b.allow("nats://a:4222")
	assert.True(t, ok)

	var nilBreaker *breaker
	_, ok = nilBreaker.allow("nats://a:4222")
	assert.True(t, ok)
	nilBreaker.success("nats://a:4222")
}

func TestOpener_CircuitFailsFast(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	o, err := NewOpener(
		WithOpenerMetrics(registry),
		WithCircuitBreaker(1, time.Minute),
		WithClientOptions(WithTimeout(200*time.Millisecond), WithMaxReconnects(0), WithHealthInterval(0)),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = o.Open(ctx, "nats://127.0.0.1:1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen, "the first failure only trips the breaker")

	start := time.Now()
	_, err = o.Open(ctx, "tcp/127.0.0.1:1")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, errors.IsTransient(err))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	_, err = o.Derive(WithToken("t")).Open(ctx, "nats://127.0.0.1:1")
	assert.ErrorIs(t, err, ErrCircuitOpen, "derived openers share the breaker")

	assert.Equal(t, float64(StatusCircuitOpen),
		testutil.ToFloat64(o.metrics.status.WithLabelValues("nats://127.0.0.1:1")))
}
