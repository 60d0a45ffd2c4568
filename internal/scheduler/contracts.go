package scheduler

import (
	"context"
	"time"
)

// ResultStatus is the outcome reported by an execution contract.
type ResultStatus int

const (
	ResultCompleted ResultStatus = iota
	ResultFailed
	// ResultUnavailable means the task never ran because its workers are
	// temporarily refusing work. It does not count as an attempt.
	ResultUnavailable
)

func (s ResultStatus) String() string {
	switch s {
	case ResultCompleted:
		return "completed"
	case ResultUnavailable:
		return "unavailable"
	default:
		return "failed"
	}
}

// Result is what an Executor reports for one attempt at a task.
type Result struct {
	Status ResultStatus
	Error      string // Set when Status is ResultFailed or ResultUnavailable
	Output     string
	RetryAfter time.Duration // Earliest useful retry for ResultUnavailable
}

// Completed builds a successful result.
func Completed(output string) Result {
	return Result{Status: ResultCompleted, Output: output}
}

// Failed builds a failed result from err.
func Failed(err error) Result {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Result{Status: ResultFailed, Error: msg}
}

// Unavailable builds a result for a task that was refused before it ran.
func Unavailable(err error, retryAfter time.Duration) Result {
	res := Failed(err)
	res.Status = ResultUnavailable
	res.RetryAfter = retryAfter
	return res
}

// Executor runs a single task. Implementations own timeouts and
// cancellation of the work itself; the scheduler treats a timed-out attempt
// exactly like any other failed one. Execute must not return before the work
// it started has stopped. Execute is called without any
// scheduler lock held and may take minutes.
type Executor interface {
	Execute(ctx context.Context, task Task) Result
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task Task) Result

// Execute calls f(ctx, task).
func (f ExecutorFunc) Execute(ctx context.Context, task Task) Result {
	return f(ctx, task)
}

// Assigner picks the worker specialization for a task. It must be fast,
// synchronous and free of side effects.
type Assigner interface {
	AssignType(task Task) WorkerType
}

// AssignerFunc adapts a function to the Assigner interface.
type AssignerFunc func(task Task) WorkerType

// AssignType calls f(task).
func (f AssignerFunc) AssignType(task Task) WorkerType {
	return f(task)
}

// FieldAssigner uses the worker type stored on the task, falling back to
// Default when the task carries none or an unknown one.
type FieldAssigner struct {
	Default WorkerType
}

// AssignType implements Assigner.
func (a FieldAssigner) AssignType(task Task) WorkerType {
	if task.WorkerType.Valid() {
		return task.WorkerType
	}
	if a.Default.Valid() {
		return a.Default
	}
	return WorkerBackend
}
