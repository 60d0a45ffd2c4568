package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/pool"
	"github.com/aristath/swarm/internal/scheduler"
)

// DefaultMaxRetries is the number of attempts a task gets before it fails.
const DefaultMaxRetries = 3

// ErrStopped is returned by Run when Stop or context cancellation ended the
// run before every task finished.
var ErrStopped = errors.New("run stopped before completion")

// DeadlockError reports a run where nothing is ready, nothing is in flight
// and some tasks never finished.
type DeadlockError struct {
	Stuck []scheduler.TaskID
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("scheduler deadlock: %d task(s) can never run: %v", len(e.Stuck), e.Stuck)
}

// TaskLoader supplies the task universe of a project.
type TaskLoader interface {
	LoadTasks(ctx context.Context, projectID int) ([]*scheduler.Task, error)
}

// StatusRecorder persists task status changes. Errors are logged and never
// stop the run.
type StatusRecorder interface {
	UpdateTaskStatus(ctx context.Context, id scheduler.TaskID, status scheduler.TaskStatus, workerID string) error
}

// Config configures the coordinator.
type Config struct {
	ProjectID  int
	Capacity   int // Worker pool size (default 10)
	MaxRetries int // Total attempts per task (default 3)
	Retry      RetryConfig
	Logger     *slog.Logger
}

// Deps are the collaborators the coordinator drives.
type Deps struct {
	Loader   TaskLoader
	Executor scheduler.Executor
	Assigner scheduler.Assigner // FieldAssigner if nil
	Emitter  events.Emitter     // Discard if nil
	Recorder StatusRecorder     // Optional
}

// Coordinator drives one run: it loads the project's tasks, dispatches ready
// tasks onto pooled workers and reacts to their results until every task is
// completed, failed or blocked behind a failure.
//
// The dependency graph and all per-run bookkeeping are owned by the Run
// goroutine. Dispatch goroutines only execute and report back over a channel.
type Coordinator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	pool   *pool.Pool
	graph  *scheduler.DependencyGraph

	stopOnce sync.Once
	stopCh   chan struct{}
	started  atomic.Bool

	stateMu sync.RWMutex
	tasks   map[scheduler.TaskID]*scheduler.Task // Guarded by stateMu for readers outside Run
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config, deps Deps) *Coordinator {
	if cfg.Capacity <= 0 {
		cfg.Capacity = pool.DefaultCapacity
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if deps.Assigner == nil {
		deps.Assigner = scheduler.FieldAssigner{Default: scheduler.WorkerBackend}
	}
	if deps.Emitter == nil {
		deps.Emitter = events.Discard
	}
	logger := cfg.Logger.With("project_id", cfg.ProjectID)

	return &Coordinator{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		pool: pool.New(pool.Config{
			ProjectID: cfg.ProjectID,
			Capacity:  cfg.Capacity,
			Logger:    logger,
		}, deps.Emitter),
		graph:  scheduler.NewDependencyGraph(),
		stopCh: make(chan struct{}),
		tasks:  make(map[scheduler.TaskID]*scheduler.Task),
	}
}

// Stop asks the run to finish cooperatively: no new tasks are dispatched and
// in-flight tasks run to completion. Safe to call multiple times.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Pool exposes the worker pool for observers.
func (c *Coordinator) Pool() *pool.Pool {
	return c.pool
}

// Tasks returns copies of the run's tasks ordered by ID.
func (c *Coordinator) Tasks() []scheduler.Task {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	out := make([]scheduler.Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, *t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// attemptResult is what a dispatch goroutine sends back to the loop.
type attemptResult struct {
	taskID   scheduler.TaskID
	workerID string
	result   scheduler.Result
	elapsed  time.Duration
	panicked bool
}

// runState is the loop goroutine's private bookkeeping.
type runState struct {
	completed scheduler.TaskSet
	failed    scheduler.TaskSet
	blocked   map[scheduler.TaskID][]scheduler.TaskID // Blocked behind a failure, for good
	inFlight  map[scheduler.TaskID]string             // taskID -> workerID
	delayed   map[scheduler.TaskID]time.Time          // Requeued, not before
	attempts  map[scheduler.TaskID]int
	backoffs  map[scheduler.TaskID]backoff.BackOff
}

func (s *runState) terminal(id scheduler.TaskID) bool {
	if s.completed.Has(id) || s.failed.Has(id) {
		return true
	}
	_, ok := s.blocked[id]
	return ok
}

func (s *runState) nextDue() (time.Time, bool) {
	var next time.Time
	found := false
	for _, at := range s.delayed {
		if !found || at.Before(next) {
			next = at
			found = true
		}
	}
	return next, found
}

// Run executes the project once. It returns a report whenever the task set
// was loaded and built; the error is non-nil for cancelled, deadlocked or
// aborted runs. Run may only be called once per Coordinator.
func (c *Coordinator) Run(ctx context.Context) (*Report, error) {
	if !c.started.CompareAndSwap(false, true) {
		return nil, errors.New("coordinator already ran")
	}

	tasks, err := c.deps.Loader.LoadTasks(ctx, c.cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	if err := c.graph.Build(tasks); err != nil {
		return nil, fmt.Errorf("failed to build dependency graph: %w", err)
	}

	report := &Report{
		RunID:     uuid.New().String(),
		ProjectID: c.cfg.ProjectID,
		Total:     len(tasks),
		StartedAt: time.Now(),
	}
	logger := c.logger.With("run_id", report.RunID)
	logger.Info("run started", "tasks", len(tasks), "capacity", c.cfg.Capacity, "max_retries", c.cfg.MaxRetries)

	st := &runState{
		completed: scheduler.NewTaskSet(),
		failed:    scheduler.NewTaskSet(),
		blocked:   make(map[scheduler.TaskID][]scheduler.TaskID),
		inFlight:  make(map[scheduler.TaskID]string),
		delayed:   make(map[scheduler.TaskID]time.Time),
		attempts:  make(map[scheduler.TaskID]int),
		backoffs:  make(map[scheduler.TaskID]backoff.BackOff),
	}
	c.seed(ctx, tasks, st)

	// Every task has at most one attempt in flight, so sends never block.
	results := make(chan attemptResult, len(tasks)+1)
	var g errgroup.Group
	g.SetLimit(c.cfg.Capacity)
	execCtx := context.WithoutCancel(ctx)

	stopCh := c.stopCh
	ctxDone := ctx.Done()
	stopping := false
	var runErr error

	for {
		if !stopping {
			select {
			case <-stopCh:
				stopping, stopCh = true, nil
			case <-ctxDone:
				stopping, ctxDone = true, nil
			default:
			}
		}
		if !stopping {
			if err := c.dispatchReady(ctx, execCtx, st, &g, results); err != nil {
				logger.Error("aborting run", "error", err)
				runErr = err
				stopping = true
			}
		}

		if c.allTerminal(st) {
			break
		}
		// Nothing running and nothing waiting on a timer means no event
		// can ever make progress again.
		if len(st.inFlight) == 0 {
			if stopping {
				break
			}
			if len(st.delayed) == 0 {
				stuck := c.stuck(st)
				logger.Error("deadlock detected", "stuck", stuck)
				runErr = &DeadlockError{Stuck: stuck}
				break
			}
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if due, ok := st.nextDue(); ok && !stopping {
			timer = time.NewTimer(time.Until(due))
			timerC = timer.C
		}

		select {
		case res := <-results:
			if err := c.handleResult(ctx, st, res); err != nil {
				logger.Error("aborting run", "error", err)
				runErr = err
				stopping = true
			}
		case <-timerC:
			// Release every retry that is due; dispatch picks them up
			now := time.Now()
			for id, at := range st.delayed {
				if !at.After(now) {
					delete(st.delayed, id)
				}
			}
		case <-stopCh:
			logger.Info("stop requested, waiting for in-flight tasks", "in_flight", len(st.inFlight))
			stopping = true
			stopCh = nil
		case <-ctxDone:
			logger.Info("context cancelled, waiting for in-flight tasks", "in_flight", len(st.inFlight))
			stopping = true
			ctxDone = nil
		}
		if timer != nil {
			timer.Stop()
		}
	}

	_ = g.Wait()
	c.pool.RetireAll()

	c.fillReport(report, st)
	switch {
	case runErr != nil:
		var deadlock *DeadlockError
		if errors.As(runErr, &deadlock) {
			report.Outcome = OutcomeDeadlocked
			report.Stuck = deadlock.Stuck
		} else {
			report.Outcome = OutcomeAborted
		}
	case !c.allTerminal(st):
		report.Outcome = OutcomeCancelled
		report.Stuck = c.stuck(st)
		runErr = ErrStopped
	case len(st.failed) == 0 && len(st.blocked) == 0:
		report.Outcome = OutcomeSuccess
	default:
		report.Outcome = OutcomePartialSuccess
	}

	logger.Info("run finished",
		"outcome", report.Outcome,
		"completed", len(report.Completed),
		"failed", len(report.Failed),
		"blocked", len(report.Blocked),
		"duration", report.Duration())
	return report, runErr
}

// seed records the loaded tasks, resets leftovers from earlier runs to
// pending and marks tasks with unmet dependencies blocked.
func (c *Coordinator) seed(ctx context.Context, tasks []*scheduler.Task, st *runState) {
	c.stateMu.Lock()
	for _, t := range tasks {
		cp := t.Clone()
		if cp.Status != scheduler.TaskCompleted {
			cp.Status = scheduler.TaskPending
			cp.AssignedWorkerID = ""
		}
		c.tasks[cp.ID] = cp
	}
	c.stateMu.Unlock()

	for _, id := range c.graph.Tasks() {
		if c.graph.IsCompleted(id) {
			st.completed.Add(id)
		}
	}

	for _, id := range c.graph.Tasks() {
		if st.completed.Has(id) {
			continue
		}
		unmet := c.unmetDependencies(id, st)
		if len(unmet) == 0 {
			continue
		}
		c.setStatus(ctx, id, scheduler.TaskBlocked, "")
		c.deps.Emitter.Emit(events.TaskBlocked{
			Meta:      events.Now(c.cfg.ProjectID),
			TaskID:    id,
			BlockedBy: unmet,
		})
	}
}

func (c *Coordinator) unmetDependencies(id scheduler.TaskID, st *runState) []scheduler.TaskID {
	var unmet []scheduler.TaskID
	for _, dep := range c.graph.Dependencies(id) {
		if !st.completed.Has(dep) {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// readyTasks returns dispatchable tasks, highest priority first, then the
// deepest dependency chain, then lowest ID.
func (c *Coordinator) readyTasks(st *runState) []*scheduler.Task {
	var ready []*scheduler.Task
	for _, id := range c.graph.ReadyTasks(st.completed) {
		if _, busy := st.inFlight[id]; busy {
			continue
		}
		if _, waiting := st.delayed[id]; waiting {
			continue
		}
		if st.terminal(id) {
			continue
		}
		ready = append(ready, c.task(id))
	}

	sort.SliceStable(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if da, db := c.graph.Depth(a.ID), c.graph.Depth(b.ID); da != db {
			return da > db
		}
		return a.ID < b.ID
	})
	return ready
}

// dispatchReady hands every ready task a worker if one can be had. Tasks
// that find the pool exhausted stay pending for a later pass. A non-nil
// error means the pool's bookkeeping is broken and the run must stop.
func (c *Coordinator) dispatchReady(ctx, execCtx context.Context, st *runState, g *errgroup.Group, results chan<- attemptResult) error {
	for _, task := range c.readyTasks(st) {
		workerType := c.deps.Assigner.AssignType(*task)

		workerID, err := c.pool.Acquire(workerType)
		if errors.Is(err, pool.ErrPoolExhausted) {
			if evicted, ok := c.pool.EvictIdle(workerType); ok {
				c.logger.Debug("evicted idle worker", "worker_id", evicted, "for_type", workerType)
				workerID, err = c.pool.Acquire(workerType)
			}
		}
		if errors.Is(err, pool.ErrPoolExhausted) {
			c.logger.Debug("pool exhausted, deferring task", "task_id", task.ID, "worker_type", workerType)
			continue
		}
		if err != nil {
			// No worker can ever take this task.
			c.logger.Error("cannot acquire worker", "task_id", task.ID, "worker_type", workerType, "error", err)
			c.failTask(ctx, st, task.ID, "")
			continue
		}

		if err := c.pool.MarkBusy(workerID, task.ID); err != nil {
			return fmt.Errorf("failed to mark worker %s busy for task %d: %w", workerID, task.ID, err)
		}

		c.setStatus(ctx, task.ID, scheduler.TaskAssigned, workerID)
		c.deps.Emitter.Emit(events.TaskAssigned{
			Meta:      events.Now(c.cfg.ProjectID),
			TaskID:    task.ID,
			WorkerID:  workerID,
			TaskTitle: task.Title,
		})
		c.setStatus(ctx, task.ID, scheduler.TaskInProgress, workerID)

		st.inFlight[task.ID] = workerID
		st.attempts[task.ID]++

		snapshot := *task.Clone()
		snapshot.WorkerType = workerType
		c.logger.Info("task dispatched", "task_id", task.ID, "worker_id", workerID, "attempt", st.attempts[task.ID])

		g.Go(func() error {
			start := time.Now()
			res, panicked := c.execute(execCtx, snapshot)
			results <- attemptResult{
				taskID:   snapshot.ID,
				workerID: workerID,
				result:   res,
				elapsed:  time.Since(start),
				panicked: panicked,
			}
			return nil
		})
	}
	return nil
}

// execute runs one attempt, turning a panic into a failed result.
func (c *Coordinator) execute(ctx context.Context, task scheduler.Task) (res scheduler.Result, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			res = scheduler.Failed(fmt.Errorf("executor panic: %v", r))
			panicked = true
		}
	}()
	return c.deps.Executor.Execute(ctx, task), false
}

func (c *Coordinator) handleResult(ctx context.Context, st *runState, res attemptResult) error {
	delete(st.inFlight, res.taskID)
	logger := c.logger.With("task_id", res.taskID, "worker_id", res.workerID)

	if res.result.Status == scheduler.ResultCompleted {
		if err := c.pool.MarkIdle(res.workerID); err != nil {
			return fmt.Errorf("failed to mark worker %s idle: %w", res.workerID, err)
		}
		logger.Info("task completed", "elapsed", res.elapsed)
		c.setStatus(ctx, res.taskID, scheduler.TaskCompleted, res.workerID)
		st.completed.Add(res.taskID)

		for _, id := range c.graph.Unblock(res.taskID) {
			if st.terminal(id) {
				continue
			}
			c.setStatus(ctx, id, scheduler.TaskPending, "")
			c.deps.Emitter.Emit(events.TaskUnblocked{
				Meta:        events.Now(c.cfg.ProjectID),
				TaskID:      id,
				UnblockedBy: events.TaskIDPtr(res.taskID),
			})
		}
		c.emitProgress(st)
		return nil
	}

	// A worker whose executor panicked is not trusted with another task
	if res.panicked {
		logger.Warn("retiring worker after executor panic")
		c.pool.Retire(res.workerID)
	} else if err := c.pool.Release(res.workerID); err != nil {
		return fmt.Errorf("failed to release worker %s: %w", res.workerID, err)
	}

	if res.result.Status == scheduler.ResultUnavailable {
		// Never ran, so the attempt is handed back
		st.attempts[res.taskID]--
		delay := max(res.result.RetryAfter, 0)
		st.delayed[res.taskID] = time.Now().Add(delay)
		logger.Info("workers unavailable, requeueing task", "retry_in", delay, "reason", res.result.Error)
		c.setStatus(ctx, res.taskID, scheduler.TaskPending, "")
		return nil
	}

	attempts := st.attempts[res.taskID]
	if attempts < c.cfg.MaxRetries {
		b, ok := st.backoffs[res.taskID]
		if !ok {
			b = c.cfg.Retry.newBackOff()
			st.backoffs[res.taskID] = b
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			delay = 0
		}
		st.delayed[res.taskID] = time.Now().Add(delay)
		logger.Warn("task failed, retrying", "attempt", attempts, "max_attempts", c.cfg.MaxRetries, "retry_in", delay, "error", res.result.Error)
		c.setStatus(ctx, res.taskID, scheduler.TaskPending, "")
		return nil
	}

	logger.Error("task failed permanently", "attempts", attempts, "error", res.result.Error)
	c.failTask(ctx, st, res.taskID, res.workerID)
	return nil
}

// failTask marks id failed and blocks everything downstream of it for the
// rest of the run.
func (c *Coordinator) failTask(ctx context.Context, st *runState, id scheduler.TaskID, workerID string) {
	c.setStatus(ctx, id, scheduler.TaskFailed, workerID)
	st.failed.Add(id)
	delete(st.delayed, id)

	for _, dep := range c.graph.TransitiveDependents(id) {
		if st.completed.Has(dep) || st.failed.Has(dep) {
			continue
		}
		unmet := c.unmetDependencies(dep, st)
		st.blocked[dep] = unmet
		c.setStatus(ctx, dep, scheduler.TaskBlocked, "")
		c.deps.Emitter.Emit(events.TaskBlocked{
			Meta:      events.Now(c.cfg.ProjectID),
			TaskID:    dep,
			BlockedBy: unmet,
		})
	}
	c.emitProgress(st)
}

func (c *Coordinator) allTerminal(st *runState) bool {
	for _, id := range c.graph.Tasks() {
		if !st.terminal(id) {
			return false
		}
	}
	return true
}

func (c *Coordinator) stuck(st *runState) []scheduler.TaskID {
	var stuck []scheduler.TaskID
	for _, id := range c.graph.Tasks() {
		if !st.terminal(id) {
			stuck = append(stuck, id)
		}
	}
	return stuck
}

func (c *Coordinator) task(id scheduler.TaskID) *scheduler.Task {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.tasks[id]
}

// setStatus updates the task, emits the change and hands it to the recorder.
func (c *Coordinator) setStatus(ctx context.Context, id scheduler.TaskID, status scheduler.TaskStatus, workerID string) {
	c.stateMu.Lock()
	t := c.tasks[id]
	from := t.Status
	if from != status && !scheduler.CanTransition(from, status) {
		c.logger.Error("unexpected task transition", "task_id", id, "from", from.String(), "to", status.String())
	}
	t.Status = status
	t.AssignedWorkerID = workerID
	c.stateMu.Unlock()

	c.deps.Emitter.Emit(events.TaskStatusChanged{
		Meta:     events.Now(c.cfg.ProjectID),
		TaskID:   id,
		Status:   status,
		WorkerID: workerID,
	})

	if c.deps.Recorder != nil {
		if err := c.deps.Recorder.UpdateTaskStatus(context.WithoutCancel(ctx), id, status, workerID); err != nil {
			c.logger.Warn("failed to record task status", "task_id", id, "status", status.String(), "error", err)
		}
	}
}

func (c *Coordinator) emitProgress(st *runState) {
	waiting := 0
	c.stateMu.RLock()
	for _, t := range c.tasks {
		if t.Status == scheduler.TaskBlocked {
			waiting++
		}
	}
	c.stateMu.RUnlock()

	c.deps.Emitter.Emit(events.ProgressUpdate{
		Meta:       events.Now(c.cfg.ProjectID),
		Completed:  len(st.completed),
		Failed:     len(st.failed),
		Blocked:    waiting,
		InProgress: len(st.inFlight),
		Total:      c.graph.Len(),
	})
}

func (c *Coordinator) fillReport(r *Report, st *runState) {
	r.FinishedAt = time.Now()
	r.Completed = st.completed.Sorted()
	r.Failed = st.failed.Sorted()
	r.Blocked = make(map[scheduler.TaskID][]scheduler.TaskID, len(st.blocked))
	for id, deps := range st.blocked {
		r.Blocked[id] = append([]scheduler.TaskID(nil), deps...)
	}
	r.Attempts = make(map[scheduler.TaskID]int, len(st.attempts))
	for id, n := range st.attempts {
		if n > 0 {
			r.Attempts[id] = n
		}
	}
}
