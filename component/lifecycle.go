package component

import (
	"context"
	"time"

	"github.com/c360/keybridge/message"
)

// State represents the current lifecycle state of a node
type State int

const (
	// StateCreated indicates the node was created but not initialized
	StateCreated State = iota
	// StateInitialized indicates the node was initialized but not started
	StateInitialized
	// StateStarted indicates the node is running
	StateStarted
	// StateStopped indicates the node was stopped
	StateStopped
	// StateFailed indicates a lifecycle operation failed
	StateFailed
)

// String returns a string representation of the node state
func (cs State) String() string {
	switch cs {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LifecycleComponent is a node owning background work:
//   - Initialize() error                  setup only, no I/O
//   - Start(ctx context.Context) error    ctx bounds the background work
//   - Stop(timeout time.Duration) error   graceful shutdown within timeout
type LifecycleComponent interface {
	Discoverable
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// Input is implemented by nodes that accept pipeline messages.
type Input interface {
	Process(ctx context.Context, msg *message.Message) error
}

// Emitter delivers a node's output. port is the output port index.
type Emitter interface {
	Emit(ctx context.Context, port int, msg *message.Message) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, port int, msg *message.Message) error

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, port int, msg *message.Message) error {
	return f(ctx, port, msg)
}

// ManagedComponent tracks a node and its lifecycle state for the flow runtime.
type ManagedComponent struct {
	Name      string
	Component Discoverable
	State     State

	// Cancel stops the context the node was started with.
	Cancel context.CancelFunc

	// StartOrder records the order nodes were started in for reverse shutdown
	StartOrder int

	// LastError tracks the last error that occurred during lifecycle operations
	LastError error
}

// IsLifecycleComponent checks if a node supports lifecycle management
func IsLifecycleComponent(comp Discoverable) bool {
	_, ok := comp.(LifecycleComponent)
	return ok
}

// AsLifecycleComponent safely casts a node to LifecycleComponent
func AsLifecycleComponent(comp Discoverable) (LifecycleComponent, bool) {
	lc, ok := comp.(LifecycleComponent)
	return lc, ok
}

// AsInput safely casts a node to Input
func AsInput(comp Discoverable) (Input, bool) {
	in, ok := comp.(Input)
	return in, ok
}
