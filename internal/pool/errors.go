package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolExhausted matches any *ExhaustedError via errors.Is.
	ErrPoolExhausted = errors.New("worker pool exhausted")

	// ErrUnknownWorker is returned for worker IDs not in the pool.
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrTaskHeld is returned by MarkBusy when another worker already holds the task.
	ErrTaskHeld = errors.New("task already held by another worker")
)

// ExhaustedError is returned by Acquire when no idle worker of the requested
// type exists and the pool is at capacity. Callers defer the task and try
// again later; it is never fatal.
type ExhaustedError struct {
	Capacity int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("worker pool exhausted (capacity %d)", e.Capacity)
}

func (e *ExhaustedError) Unwrap() error { return ErrPoolExhausted }

// InvalidTransitionError reports an illegal worker state change. It signals a
// bookkeeping bug in the caller.
type InvalidTransitionError struct {
	WorkerID string
	From     Status
	To       Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("worker %s: invalid transition %s -> %s", e.WorkerID, e.From, e.To)
}
