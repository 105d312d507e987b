// Package buffer provides a fixed-size, thread-safe ring buffer with an
// overflow policy, for decoupling producers that must never block from a
// slower consumer.
//
//	ring := buffer.NewRing[Frame](64, buffer.WithOverflowPolicy[Frame](buffer.DropOldest))
//	ring.Write(frame)            // never blocks
//	<-ring.Notify()              // wakes the consumer
//	batch := ring.Drain(16)
package buffer

import (
	"sync"

	"github.com/c360/keybridge/errors"
)

// OverflowPolicy defines what a full buffer does with a new item.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item to make room.
	DropOldest OverflowPolicy = iota

	// DropNewest discards the item being written.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback receives each item lost to overflow. It runs without the
// buffer lock held.
type DropCallback[T any] func(item T)

// Option configures a Ring.
type Option[T any] func(*Ring[T])

// WithOverflowPolicy sets the overflow policy. The default is DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(r *Ring[T]) { r.policy = policy }
}

// WithDropCallback sets the function called for every dropped item.
func WithDropCallback[T any](fn DropCallback[T]) Option[T] {
	return func(r *Ring[T]) { r.onDrop = fn }
}

// Stats is a snapshot of buffer counters.
type Stats struct {
	Writes  uint64
	Reads   uint64
	Drops   uint64
	Size    int
	MaxSize int
}

// Ring is a fixed-capacity circular buffer. Writes never block.
type Ring[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int // next write position
	tail   int // next read position
	size   int
	closed bool

	policy OverflowPolicy
	onDrop DropCallback[T]
	notify chan struct{}
	stats  Stats
}

// NewRing creates a ring holding at most capacity items. Capacity below one
// is raised to one.
func NewRing[T any](capacity int, opts ...Option[T]) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	r := &Ring[T]{
		items:  make([]T, capacity),
		notify: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Write adds item, applying the overflow policy when full. It reports
// whether an item was dropped to accept or refuse this one.
func (r *Ring[T]) Write(item T) (dropped bool, err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, errors.WrapInvalid(errors.ErrShuttingDown, "Ring", "Write", "buffer closed")
	}

	var lost T
	if r.size == len(r.items) {
		dropped = true
		r.stats.Drops++
		if r.policy == DropNewest {
			r.mu.Unlock()
			if r.onDrop != nil {
				r.onDrop(item)
			}
			return true, nil
		}
		lost = r.items[r.tail]
		r.tail = (r.tail + 1) % len(r.items)
		r.size--
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % len(r.items)
	r.size++
	r.stats.Writes++
	r.stats.MaxSize = max(r.stats.MaxSize, r.size)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	if dropped && r.onDrop != nil {
		r.onDrop(lost)
	}
	return dropped, nil
}

// Read removes the oldest item.
func (r *Ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	item := r.items[r.tail]
	r.items[r.tail] = zero
	r.tail = (r.tail + 1) % len(r.items)
	r.size--
	r.stats.Reads++
	return item, true
}

// Drain removes up to n items, oldest first. n <= 0 drains everything.
func (r *Ring[T]) Drain(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > r.size {
		n = r.size
	}
	if n == 0 {
		return nil
	}

	var zero T
	out := make([]T, n)
	for i := range out {
		out[i] = r.items[r.tail]
		r.items[r.tail] = zero
		r.tail = (r.tail + 1) % len(r.items)
	}
	r.size -= n
	r.stats.Reads += uint64(n)
	return out
}

// Notify returns a channel that receives after writes. Several writes may
// collapse into one signal, so consumers drain until empty.
func (r *Ring[T]) Notify() <-chan struct{} {
	return r.notify
}

// Len returns the number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the capacity.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// Stats returns a snapshot of the counters.
func (r *Ring[T]) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Size = r.size
	return s
}

// Close rejects further writes. Buffered items stay readable.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}
