package scheduler

import (
	"fmt"
	"sort"
)

// TaskID identifies a task. IDs are assigned by the store.
type TaskID int

// TaskSet is a set of task IDs.
type TaskSet map[TaskID]struct{}

// NewTaskSet creates a set containing ids.
func NewTaskSet(ids ...TaskID) TaskSet {
	s := make(TaskSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts id into the set.
func (s TaskSet) Add(id TaskID) { s[id] = struct{}{} }

// Has reports whether id is in the set. Safe on a nil set.
func (s TaskSet) Has(id TaskID) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of members.
func (s TaskSet) Len() int { return len(s) }

// Sorted returns the members in ascending order.
func (s TaskSet) Sorted() []TaskID {
	out := make([]TaskID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending    TaskStatus = iota // Waiting to be picked up
	TaskAssigned                     // Worker acquired, not yet dispatched
	TaskInProgress                   // Executing on a worker
	TaskBlocked                      // Waiting on unmet or failed dependencies
	TaskCompleted                    // Finished successfully
	TaskFailed                       // Retries exhausted
)

var taskStatusNames = [...]string{
	TaskPending:    "pending",
	TaskAssigned:   "assigned",
	TaskInProgress: "in_progress",
	TaskBlocked:    "blocked",
	TaskCompleted:  "completed",
	TaskFailed:     "failed",
}

func (s TaskStatus) String() string {
	if s < 0 || int(s) >= len(taskStatusNames) {
		return fmt.Sprintf("TaskStatus(%d)", int(s))
	}
	return taskStatusNames[s]
}

// ParseTaskStatus converts a wire name back into a TaskStatus.
func ParseTaskStatus(name string) (TaskStatus, error) {
	for i, n := range taskStatusNames {
		if n == name {
			return TaskStatus(i), nil
		}
	}
	return TaskPending, fmt.Errorf("unknown task status %q", name)
}

// Terminal reports whether no further transitions happen within a run.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case TaskPending:
		return to == TaskAssigned || to == TaskBlocked || to == TaskFailed
	case TaskAssigned:
		return to == TaskInProgress || to == TaskPending
	case TaskInProgress:
		return to == TaskCompleted || to == TaskFailed || to == TaskPending || to == TaskBlocked
	case TaskBlocked:
		return to == TaskPending || to == TaskBlocked
	}
	return false
}

// WorkerType is a worker specialization.
type WorkerType string

const (
	WorkerBackend  WorkerType = "backend"
	WorkerFrontend WorkerType = "frontend"
	WorkerTest     WorkerType = "test"
)

// KnownWorkerTypes lists every specialization a pool can create.
var KnownWorkerTypes = []WorkerType{WorkerBackend, WorkerFrontend, WorkerTest}

// Valid reports whether t is one of KnownWorkerTypes.
func (t WorkerType) Valid() bool {
	for _, k := range KnownWorkerTypes {
		if t == k {
			return true
		}
	}
	return false
}

// Task represents a unit of assignable work.
type Task struct {
	ID               TaskID
	ProjectID        int
	Title            string
	Description      string
	WorkerType       WorkerType // Optional hint used by FieldAssigner
	Priority         int        // Higher runs first among ready tasks
	DependsOn        []TaskID   // Tasks this task requires
	Status           TaskStatus
	AssignedWorkerID string
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]TaskID(nil), t.DependsOn...)
	}
	return &cp
}

func sortIDs(ids []TaskID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
