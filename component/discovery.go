package component

import (
	"time"

	"github.com/c360/keybridge/health"
)

// Discoverable is implemented by every node so the runtime and the gateway can
// describe it.
type Discoverable interface {
	// Meta returns basic node information
	Meta() Metadata

	// InputPorts returns the ports the node accepts messages on
	InputPorts() []Port

	// OutputPorts returns the ports the node emits messages on
	OutputPorts() []Port

	// Health returns current health status
	Health() HealthStatus

	// DataFlow returns current data flow metrics
	DataFlow() FlowMetrics
}

// Metadata describes what a node is
type Metadata struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

// HealthStatus describes the current health state of a node
type HealthStatus struct {
	Healthy    bool          `json:"healthy"`
	LastCheck  time.Time     `json:"last_check"`
	ErrorCount int           `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
	Uptime     time.Duration `json:"uptime"`
	// Status is a short human readable state such as "ready" or "3 replies".
	Status string `json:"status,omitempty"`
}

// Report converts the node health into a health.Status for the monitor. Error
// text is sanitized.
func (h HealthStatus) Report(name string) health.Status {
	state := "unhealthy"
	if h.Healthy {
		state = "healthy"
	}

	message := h.Status
	if message == "" {
		message = state
	}
	if h.LastError != "" {
		message = health.Sanitize(h.LastError)
	}

	return health.Status{
		Component: name,
		Healthy:   h.Healthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
		Metrics: &health.Metrics{
			Uptime:       h.Uptime,
			ErrorCount:   h.ErrorCount,
			LastActivity: h.LastCheck,
		},
	}
}

// FlowMetrics describes the messages that went through a node
type FlowMetrics struct {
	MessagesIn        int64     `json:"messages_in"`
	MessagesOut       int64     `json:"messages_out"`
	Errors            int64     `json:"errors"`
	MessagesPerSecond float64   `json:"messages_per_second"`
	ErrorRate         float64   `json:"error_rate"`
	LastActivity      time.Time `json:"last_activity"`
}
