package component

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/keybridge/errors"
)

// LifecycleFactory creates a new LifecycleComponent for testing
type LifecycleFactory func() LifecycleComponent

// StandardLifecycleTests runs the lifecycle checks every node with background
// work must pass: start after initialize, double start rejected, stop idempotent,
// restart after stop and concurrent start/stop without panics.
func StandardLifecycleTests(t *testing.T, factory LifecycleFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, comp LifecycleComponent)
	}{
		{"Start", testStart},
		{"StopWithoutStart", testStopWithoutStart},
		{"DoubleStart", testDoubleStart},
		{"DoubleStop", testDoubleStop},
		{"RestartAfterStop", testRestartAfterStop},
		{"CancelledContext", testCancelledContext},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			comp := factory()
			require.NotNil(t, comp, "factory returned nil")
			require.NoError(t, comp.Initialize())
			tt.test(t, comp)
			_ = comp.Stop(time.Second)
		})
	}

	t.Run("ConcurrentStartStop", func(t *testing.T) {
		testConcurrentStartStop(t, factory)
	})
}

func testStart(t *testing.T, comp LifecycleComponent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, comp.Start(ctx))
	assert.True(t, comp.Health().Healthy, "started node should report healthy")
	assert.NoError(t, comp.Stop(5*time.Second))
}

func testStopWithoutStart(t *testing.T, comp LifecycleComponent) {
	assert.NoError(t, comp.Stop(5*time.Second))
}

func testDoubleStart(t *testing.T, comp LifecycleComponent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, comp.Start(ctx))
	err := comp.Start(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
	assert.NoError(t, comp.Stop(5*time.Second))
}

func testDoubleStop(t *testing.T, comp LifecycleComponent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, comp.Start(ctx))
	assert.NoError(t, comp.Stop(5*time.Second))
	assert.NoError(t, comp.Stop(5*time.Second), "second Stop should be a no-op")
}

func testRestartAfterStop(t *testing.T, comp LifecycleComponent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, comp.Start(ctx))
	require.NoError(t, comp.Stop(5*time.Second))
	require.NoError(t, comp.Start(ctx), "Start after Stop should succeed")
	assert.NoError(t, comp.Stop(5*time.Second))
}

func testCancelledContext(t *testing.T, comp LifecycleComponent) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Either refuse to start or start and stop cleanly; never hang.
	if err := comp.Start(ctx); err == nil {
		assert.NoError(t, comp.Stop(5*time.Second))
	}
}

func testConcurrentStartStop(t *testing.T, factory LifecycleFactory) {
	comp := factory()
	require.NotNil(t, comp)
	require.NoError(t, comp.Initialize())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	starts := make([]error, 10)
	for i := range starts {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			starts[idx] = comp.Start(ctx)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range starts {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one concurrent Start should succeed")

	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, comp.Stop(5*time.Second))
		}()
	}
	wg.Wait()
}
