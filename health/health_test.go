package health

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty", "", ""},
		{"nats url", "cannot connect to nats://user:pw@broker:4222", "cannot connect to [URL]"},
		{"locator", "dial tcp/10.0.0.7:7447 refused", "dial [URL] refused"},
		{"file path", "failed to open /etc/keybridge/config.yaml", "failed to open [PATH]"},
		{"key expression kept", `query "demo/ping" not found`, `query "demo/ping" not found`},
		{"ip address", "peer 192.168.1.10 reset", "peer [IP] reset"},
		{"credentials", "auth failed token=abc123", "auth failed [REDACTED]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Sanitize(tt.input))
		})
	}
}

func TestFromError(t *testing.T) {
	s := FromError("pong", errors.New("finalize failed at nats://broker:4222"))
	assert.True(t, s.IsUnhealthy())
	assert.False(t, s.Healthy)
	assert.Equal(t, "finalize failed at [URL]", s.Message)

	s = FromError("pong", nil)
	assert.True(t, s.IsHealthy())
}

func TestAggregate(t *testing.T) {
	assert.True(t, Aggregate("sys", nil).IsHealthy())

	agg := Aggregate("sys", []Status{NewHealthy("b", ""), NewDegraded("a", "")})
	assert.True(t, agg.IsDegraded())
	assert.Equal(t, "a", agg.SubStatuses[0].Component)

	agg = Aggregate("sys", []Status{NewDegraded("a", ""), NewUnhealthy("c", "")})
	assert.True(t, agg.IsUnhealthy())
}

func TestMonitor_UpdateAndAggregate(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("ping", "connected")
	m.ReportError("pong", errors.New("receive failed"))

	s, ok := m.Get("pong")
	require.True(t, ok)
	assert.Equal(t, "receive failed", s.Message)
	assert.Len(t, m.GetAll(), 2)
	assert.True(t, m.AggregateHealth("keybridge").IsUnhealthy())

	m.Remove("pong")
	assert.True(t, m.AggregateHealth("keybridge").IsHealthy())
}

func TestMonitor_OnChange(t *testing.T) {
	m := NewMonitor()

	var mu sync.Mutex
	var seen []string
	m.OnChange(func(_ Status, current Status) {
		mu.Lock()
		seen = append(seen, current.Component+":"+current.Status)
		mu.Unlock()
	})

	m.UpdateHealthy("sub", "listening")
	m.UpdateHealthy("sub", "listening") // unchanged, not reported
	m.UpdateUnhealthy("sub", "link down")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"sub:healthy", "sub:unhealthy"}, seen)
}

func TestMonitor_ConcurrentUpdates(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				m.UpdateHealthy("node", "ok")
			} else {
				m.ReportError("node", errors.New("boom"))
			}
			_ = m.AggregateHealth("sys")
		}(i)
	}
	wg.Wait()
	_, ok := m.Get("node")
	assert.True(t, ok)
}
