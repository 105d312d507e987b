package worker

import (
	stderrors "errors"
	"fmt"

	"github.com/c360/keybridge/errors"
)

// Pool errors wrap the shared lifecycle sentinels, so callers can match
// either errors.ErrNotStarted or ErrPoolNotStarted.
var (
	ErrPoolNotStarted     = fmt.Errorf("worker pool: %w", errors.ErrNotStarted)
	ErrPoolStopped        = fmt.Errorf("worker pool stopped: %w", errors.ErrShuttingDown)
	ErrPoolAlreadyStarted = fmt.Errorf("worker pool: %w", errors.ErrAlreadyStarted)
	ErrQueueFull          = fmt.Errorf("worker pool queue full: %w", errors.ErrResourceExhausted)

	ErrNilProcessor = stderrors.New("processor function cannot be nil")
	ErrStopTimeout  = stderrors.New("timeout waiting for workers to stop")
)
