package transport

import (
	"context"
	"io"
)

// ChanReceiver adapts a channel to Receiver. Closing the channel completes the
// stream; if errFn returns a non-nil error at that point it is reported instead
// of io.EOF.
type ChanReceiver[T any] struct {
	ch    <-chan T
	errFn func() error
}

// NewChanReceiver returns a Receiver reading from ch. errFn may be nil.
func NewChanReceiver[T any](ch <-chan T, errFn func() error) *ChanReceiver[T] {
	return &ChanReceiver[T]{ch: ch, errFn: errFn}
}

// Receive blocks until an item arrives, the channel closes, or ctx is done.
func (r *ChanReceiver[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case v, ok := <-r.ch:
		if ok {
			return v, nil
		}
		if r.errFn != nil {
			if err := r.errFn(); err != nil {
				return zero, err
			}
		}
		return zero, io.EOF
	}
}
