package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/swarm/internal/scheduler"
)

// RetryConfig configures the delay before a failed task is requeued.
type RetryConfig struct {
	InitialInterval     time.Duration // Delay after the first failure (default 100ms)
	MaxInterval         time.Duration // Upper bound on the delay (default 10s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// newBackOff builds a per-task exponential policy. It never gives up on its
// own; the attempt limit is enforced by the coordinator.
func (c RetryConfig) newBackOff() backoff.BackOff {
	def := DefaultRetryConfig()
	if c.InitialInterval <= 0 {
		c.InitialInterval = def.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = def.MaxInterval
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	if c.RandomizationFactor < 0 || c.RandomizationFactor > 1 {
		c.RandomizationFactor = def.RandomizationFactor
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.MaxElapsedTime = 0
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.RandomizationFactor
	b.Reset()
	return b
}

// BreakerConfig configures the per-worker-type circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32        // Failures that trip the breaker (default 5)
	OpenTimeout         time.Duration // Time spent open before probing (default 30s)
}

// halfOpenPoll is how long a task refused by a half-open breaker waits
// before asking again. The probe in flight decides the breaker's fate.
const halfOpenPoll = time.Second

// CircuitBreakerRegistry manages per-worker-type circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	logger   *slog.Logger
	breakers map[scheduler.WorkerType]*gobreaker.CircuitBreaker

	openMu   sync.Mutex
	openedAt map[string]time.Time // Breaker name -> when it last opened
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry(cfg BreakerConfig, logger *slog.Logger) *CircuitBreakerRegistry {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreakerRegistry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[scheduler.WorkerType]*gobreaker.CircuitBreaker),
		openedAt: make(map[string]time.Time),
	}
}

// Get returns the circuit breaker for the given worker type.
// Creates a new one if it doesn't exist.
func (r *CircuitBreakerRegistry) Get(workerType scheduler.WorkerType) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[workerType]; ok {
		return cb
	}

	trip := r.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(workerType),
		MaxRequests: 1, // One probe in half-open state
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state changed", "worker_type", name, "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen {
				r.openMu.Lock()
				r.openedAt[name] = time.Now()
				r.openMu.Unlock()
			}
		},
		IsSuccessful: func(err error) bool {
			// Cancellation by the caller is not a worker failure
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	r.breakers[workerType] = cb
	return cb
}

// RetryAfter estimates how long a task refused with err should wait before
// the breaker for workerType will take it.
func (r *CircuitBreakerRegistry) RetryAfter(workerType scheduler.WorkerType, err error) time.Duration {
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return min(halfOpenPoll, r.cfg.OpenTimeout)
	}

	r.openMu.Lock()
	opened, ok := r.openedAt[string(workerType)]
	r.openMu.Unlock()
	if !ok {
		return r.cfg.OpenTimeout
	}
	// Wake just after the breaker moves to half-open.
	return max(time.Until(opened.Add(r.cfg.OpenTimeout)), 0) + 10*time.Millisecond
}

// ResilientExecutor wraps an Executor with a per-attempt timeout and a
// circuit breaker per worker type. Timeouts are reported as failed results.
// Tasks refused by an open breaker come back as unavailable, with a hint of
// when the breaker will probe again.
type ResilientExecutor struct {
	Next     scheduler.Executor
	Breakers *CircuitBreakerRegistry // Optional
	Timeout  time.Duration           // Zero disables the per-attempt timeout
}

type attemptError struct{ msg string }

func (e *attemptError) Error() string { return e.msg }

// Execute implements scheduler.Executor.
func (e *ResilientExecutor) Execute(ctx context.Context, task scheduler.Task) scheduler.Result {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	if e.Breakers == nil {
		return e.attempt(ctx, task)
	}

	var res scheduler.Result
	_, err := e.Breakers.Get(task.WorkerType).Execute(func() (interface{}, error) {
		res = e.attempt(ctx, task)
		if res.Status != scheduler.ResultFailed {
			return nil, nil
		}
		// Cancellation is reported as is so IsSuccessful can ignore it
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, &attemptError{msg: res.Error}
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		wait := e.Breakers.RetryAfter(task.WorkerType, err)
		return scheduler.Unavailable(fmt.Errorf("%s workers unavailable: %w", task.WorkerType, err), wait)
	}
	return res
}

// attempt runs Next once. It waits for Next to return even after the
// deadline so that a worker slot is never freed while its work still runs.
func (e *ResilientExecutor) attempt(ctx context.Context, task scheduler.Task) scheduler.Result {
	res := e.Next.Execute(ctx, task)
	if res.Status == scheduler.ResultFailed && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return scheduler.Failed(fmt.Errorf("task %d timed out after %s: %s", task.ID, e.Timeout, res.Error))
	}
	return res
}
