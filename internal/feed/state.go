package feed

import (
	"github.com/aristath/swarm/internal/pool"
	"github.com/aristath/swarm/internal/scheduler"
)

// WorkerState is the resync view of one worker handle.
type WorkerState struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Status         string            `json:"status"`
	CurrentTaskID  *scheduler.TaskID `json:"current_task_id"`
	CompletedCount int               `json:"completed_count"`
}

// TaskState is the resync view of one task.
type TaskState struct {
	ID             scheduler.TaskID   `json:"id"`
	Title          string             `json:"title"`
	Status         string             `json:"status"`
	WorkerType     string             `json:"worker_type,omitempty"`
	AssignedWorker string             `json:"assigned_worker,omitempty"`
	Priority       int                `json:"priority"`
	DependsOn      []scheduler.TaskID `json:"depends_on"`
}

// State is the full snapshot served on /state so a client that missed
// events can rebuild its view.
type State struct {
	ProjectID int           `json:"project_id"`
	Workers   []WorkerState `json:"workers"`
	Tasks     []TaskState   `json:"tasks"`
}

// StateFunc produces the current snapshot.
type StateFunc func() State

// NewState converts a pool snapshot and task copies into a State.
func NewState(projectID int, workers []pool.WorkerInfo, tasks []scheduler.Task) State {
	s := State{
		ProjectID: projectID,
		Workers:   make([]WorkerState, 0, len(workers)),
		Tasks:     make([]TaskState, 0, len(tasks)),
	}
	for _, w := range workers {
		ws := WorkerState{
			ID:             w.ID,
			Type:           string(w.Type),
			Status:         w.Status.String(),
			CompletedCount: w.CompletedCount,
		}
		if w.HasTask {
			id := w.CurrentTaskID
			ws.CurrentTaskID = &id
		}
		s.Workers = append(s.Workers, ws)
	}
	for _, t := range tasks {
		deps := t.DependsOn
		if deps == nil {
			deps = []scheduler.TaskID{}
		}
		s.Tasks = append(s.Tasks, TaskState{
			ID:             t.ID,
			Title:          t.Title,
			Status:         t.Status.String(),
			WorkerType:     string(t.WorkerType),
			AssignedWorker: t.AssignedWorkerID,
			Priority:       t.Priority,
			DependsOn:      deps,
		})
	}
	return s
}
