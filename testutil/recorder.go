package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/c360/keybridge/message"
)

// Emitted is one message captured by a Recorder.
type Emitted struct {
	Port    int
	Message *message.Message
}

// Recorder captures node output. It satisfies component.Emitter.
// Thread-safe for concurrent use from multiple goroutines.
type Recorder struct {
	mu       sync.Mutex
	messages []Emitted
	err      error
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit records msg, or returns the injected error.
func (r *Recorder) Emit(_ context.Context, port int, msg *message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.messages = append(r.messages, Emitted{Port: port, Message: msg})
	return nil
}

// SetError makes every later Emit fail with err; nil restores delivery.
func (r *Recorder) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Messages returns a copy of everything emitted so far.
func (r *Recorder) Messages() []Emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]Emitted, len(r.messages))
	copy(result, r.messages)
	return result
}

// Count returns the number of emitted messages.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// Clear forgets everything emitted so far.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}

// WaitForCount waits until at least count messages were emitted and returns them.
func (r *Recorder) WaitForCount(t *testing.T, count int, timeout time.Duration) []Emitted {
	t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if msgs := r.Messages(); len(msgs) >= count {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d emitted messages (got %d)", count, r.Count())
			return nil
		}
		<-ticker.C
	}
}
