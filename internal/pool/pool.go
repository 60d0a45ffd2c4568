// Package pool manages the bounded set of worker handles a run dispatches
// tasks onto.
package pool

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/scheduler"
)

// DefaultCapacity is the pool size used when Config.Capacity is not set.
const DefaultCapacity = 10

// Status is the state of a worker handle.
type Status int

const (
	StatusIdle Status = iota
	StatusBusy
	StatusBlocked
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusBusy:
		return "busy"
	case StatusBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// WorkerInfo is a point-in-time copy of a worker handle.
type WorkerInfo struct {
	ID             string
	Type           scheduler.WorkerType
	Status         Status
	CurrentTaskID  scheduler.TaskID
	HasTask        bool
	CompletedCount int
	BlockedBy      []scheduler.TaskID
	CreatedAt      time.Time
}

// Config holds pool settings.
type Config struct {
	ProjectID int
	Capacity  int // Maximum live handles; DefaultCapacity if <= 0
	Logger    *slog.Logger
}

// workerSeq numbers handles across every pool in the process.
var workerSeq atomic.Uint64

func nextWorkerID(t scheduler.WorkerType) string {
	return fmt.Sprintf("%s-worker-%03d", t, workerSeq.Add(1))
}

// Pool owns every worker handle of a run. All methods are safe for
// concurrent use. The lock only covers bookkeeping; events are handed to a
// non-blocking emitter while it is held so that each worker's events leave
// in transition order.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	logger  *slog.Logger
	emitter events.Emitter
	workers map[string]*WorkerInfo
	order   []string                    // Worker IDs in creation order
	holders map[scheduler.TaskID]string // taskID -> busy or blocked worker
}

// New creates an empty pool. A nil emitter discards events.
func New(cfg Config, emitter events.Emitter) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if emitter == nil {
		emitter = events.Discard
	}
	return &Pool{
		cfg:     cfg,
		logger:  cfg.Logger,
		emitter: emitter,
		workers: make(map[string]*WorkerInfo),
		holders: make(map[scheduler.TaskID]string),
	}
}

// Acquire returns the oldest idle worker of workerType, creating one if none
// is idle and the pool has room. It never blocks; a full pool yields an
// *ExhaustedError.
func (p *Pool) Acquire(workerType scheduler.WorkerType) (string, error) {
	if !workerType.Valid() {
		return "", fmt.Errorf("unknown worker type %q", workerType)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range p.order {
		w := p.workers[id]
		if w.Type == workerType && w.Status == StatusIdle {
			return id, nil
		}
	}

	if len(p.workers) >= p.cfg.Capacity {
		return "", &ExhaustedError{Capacity: p.cfg.Capacity}
	}

	w := &WorkerInfo{
		ID:        nextWorkerID(workerType),
		Type:      workerType,
		Status:    StatusIdle,
		CreatedAt: time.Now(),
	}
	p.workers[w.ID] = w
	p.order = append(p.order, w.ID)

	p.logger.Debug("worker created", "worker_id", w.ID, "worker_type", workerType, "pool_size", len(p.workers))
	p.emitter.Emit(events.WorkerCreated{
		Meta:       events.Now(p.cfg.ProjectID),
		WorkerID:   w.ID,
		WorkerType: workerType,
	})
	return w.ID, nil
}

// MarkBusy binds taskID to an idle worker.
func (p *Pool) MarkBusy(workerID string, taskID scheduler.TaskID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, err := p.get(workerID)
	if err != nil {
		return err
	}
	if w.Status != StatusIdle {
		return &InvalidTransitionError{WorkerID: workerID, From: w.Status, To: StatusBusy}
	}
	if holder, ok := p.holders[taskID]; ok {
		return fmt.Errorf("task %d held by %s: %w", taskID, holder, ErrTaskHeld)
	}

	w.Status = StatusBusy
	w.CurrentTaskID = taskID
	w.HasTask = true
	p.holders[taskID] = workerID
	p.emitStatus(w)
	return nil
}

// MarkIdle returns a busy worker to idle after a successful task and counts
// the completion.
func (p *Pool) MarkIdle(workerID string) error {
	return p.toIdle(workerID, StatusBusy, true)
}

// Release returns a busy worker to idle without counting a completion. It is
// used after a failed attempt.
func (p *Pool) Release(workerID string) error {
	return p.toIdle(workerID, StatusBusy, false)
}

// MarkBlocked parks a busy worker until blocking tasks finish.
func (p *Pool) MarkBlocked(workerID string, blocking []scheduler.TaskID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, err := p.get(workerID)
	if err != nil {
		return err
	}
	if w.Status != StatusBusy {
		return &InvalidTransitionError{WorkerID: workerID, From: w.Status, To: StatusBlocked}
	}

	w.Status = StatusBlocked
	w.BlockedBy = append([]scheduler.TaskID(nil), blocking...)
	p.emitStatus(w)
	return nil
}

// Unblock returns a blocked worker to idle.
func (p *Pool) Unblock(workerID string) error {
	return p.toIdle(workerID, StatusBlocked, false)
}

func (p *Pool) toIdle(workerID string, from Status, completed bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, err := p.get(workerID)
	if err != nil {
		return err
	}
	if w.Status != from {
		return &InvalidTransitionError{WorkerID: workerID, From: w.Status, To: StatusIdle}
	}

	p.clearTask(w)
	w.Status = StatusIdle
	w.BlockedBy = nil
	if completed {
		w.CompletedCount++
	}
	p.emitStatus(w)
	return nil
}

// Retire removes a worker regardless of its state. Retiring an unknown or
// already retired worker is a no-op.
func (p *Pool) Retire(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retire(workerID)
}

// RetireAll removes every worker, oldest first.
func (p *Pool) RetireAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range append([]string(nil), p.order...) {
		p.retire(id)
	}
}

// EvictIdle retires the oldest idle worker whose type is not keep, freeing a
// slot for keep. It reports the retired worker, if any.
func (p *Pool) EvictIdle(keep scheduler.WorkerType) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range p.order {
		w := p.workers[id]
		if w.Status == StatusIdle && w.Type != keep {
			p.retire(id)
			return id, true
		}
	}
	return "", false
}

func (p *Pool) retire(workerID string) {
	w, ok := p.workers[workerID]
	if !ok {
		return
	}
	p.clearTask(w)
	delete(p.workers, workerID)
	for i, id := range p.order {
		if id == workerID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}

	p.logger.Debug("worker retired", "worker_id", workerID, "completed_count", w.CompletedCount)
	p.emitter.Emit(events.WorkerRetired{
		Meta:           events.Now(p.cfg.ProjectID),
		WorkerID:       workerID,
		CompletedCount: w.CompletedCount,
	})
}

// Snapshot returns copies of all workers in creation order.
func (p *Pool) Snapshot() []WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]WorkerInfo, 0, len(p.order))
	for _, id := range p.order {
		info := *p.workers[id]
		info.BlockedBy = append([]scheduler.TaskID(nil), info.BlockedBy...)
		out = append(out, info)
	}
	return out
}

// Get returns a copy of one worker.
func (p *Pool) Get(workerID string) (WorkerInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[workerID]
	if !ok {
		return WorkerInfo{}, false
	}
	info := *w
	info.BlockedBy = append([]scheduler.TaskID(nil), w.BlockedBy...)
	return info, true
}

// Len returns the number of live workers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Capacity returns the maximum number of live workers.
func (p *Pool) Capacity() int {
	return p.cfg.Capacity
}

func (p *Pool) get(workerID string) (*WorkerInfo, error) {
	w, ok := p.workers[workerID]
	if !ok {
		return nil, fmt.Errorf("worker %s: %w", workerID, ErrUnknownWorker)
	}
	return w, nil
}

func (p *Pool) clearTask(w *WorkerInfo) {
	if w.HasTask && p.holders[w.CurrentTaskID] == w.ID {
		delete(p.holders, w.CurrentTaskID)
	}
	w.CurrentTaskID = 0
	w.HasTask = false
}

func (p *Pool) emitStatus(w *WorkerInfo) {
	e := events.WorkerStatusChanged{
		Meta:     events.Now(p.cfg.ProjectID),
		WorkerID: w.ID,
		Status:   w.Status.String(),
	}
	if w.HasTask {
		e.CurrentTaskID = events.TaskIDPtr(w.CurrentTaskID)
	}
	p.emitter.Emit(e)
}
