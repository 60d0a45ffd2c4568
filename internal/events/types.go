package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/swarm/internal/scheduler"
)

// Type identifies the kind of lifecycle event. The values are the wire names.
type Type string

const (
	TypeWorkerCreated       Type = "worker_created"
	TypeWorkerRetired       Type = "worker_retired"
	TypeWorkerStatusChanged Type = "worker_status_changed"
	TypeTaskAssigned        Type = "task_assigned"
	TypeTaskBlocked         Type = "task_blocked"
	TypeTaskUnblocked       Type = "task_unblocked"
	TypeTaskStatusChanged   Type = "task_status_changed"
	TypeProgressUpdate      Type = "progress_update"
)

// Event is the base interface for all events.
//
// Every concrete event also implements json.Marshaler and encodes to a flat
// object with "type", "project_id" and "timestamp" plus its payload fields.
type Event interface {
	EventType() Type
	// Entity names the worker or task the event is about. Events with the
	// same entity are delivered in emission order.
	Entity() string
}

// Meta carries the fields common to every event.
type Meta struct {
	ProjectID int
	Timestamp time.Time
}

// Now stamps a Meta for projectID with the current UTC time.
func Now(projectID int) Meta {
	return Meta{ProjectID: projectID, Timestamp: time.Now().UTC()}
}

const timestampLayout = "2006-01-02T15:04:05.000Z"

type header struct {
	Type      Type   `json:"type"`
	ProjectID int    `json:"project_id"`
	Timestamp string `json:"timestamp"`
}

func (m Meta) header(t Type) header {
	return header{
		Type:      t,
		ProjectID: m.ProjectID,
		Timestamp: m.Timestamp.UTC().Format(timestampLayout),
	}
}

func workerEntity(id string) string         { return "worker:" + id }
func taskEntity(id scheduler.TaskID) string { return fmt.Sprintf("task:%d", id) }

// WorkerCreated is published when the pool creates a new worker handle.
type WorkerCreated struct {
	Meta
	WorkerID   string
	WorkerType scheduler.WorkerType
}

func (e WorkerCreated) EventType() Type { return TypeWorkerCreated }
func (e WorkerCreated) Entity() string  { return workerEntity(e.WorkerID) }

func (e WorkerCreated) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		header
		WorkerID       string `json:"worker_id"`
		WorkerType     string `json:"worker_type"`
		Status         string `json:"status"`
		CompletedCount int    `json:"completed_count"`
	}{e.header(TypeWorkerCreated), e.WorkerID, string(e.WorkerType), "idle", 0})
}

// WorkerRetired is published when a worker handle is removed from the pool.
type WorkerRetired struct {
	Meta
	WorkerID       string
	CompletedCount int
}

func (e WorkerRetired) EventType() Type { return TypeWorkerRetired }
func (e WorkerRetired) Entity() string  { return workerEntity(e.WorkerID) }

func (e WorkerRetired) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		header
		WorkerID       string `json:"worker_id"`
		CompletedCount int    `json:"completed_count"`
	}{e.header(TypeWorkerRetired), e.WorkerID, e.CompletedCount})
}

// WorkerStatusChanged is published on every worker state transition.
type WorkerStatusChanged struct {
	Meta
	WorkerID      string
	Status        string
	CurrentTaskID *scheduler.TaskID // nil when the worker holds no task
}

func (e WorkerStatusChanged) EventType() Type { return TypeWorkerStatusChanged }
func (e WorkerStatusChanged) Entity() string  { return workerEntity(e.WorkerID) }

func (e WorkerStatusChanged) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		header
		WorkerID      string            `json:"worker_id"`
		Status        string            `json:"status"`
		CurrentTaskID *scheduler.TaskID `json:"current_task_id,omitempty"`
	}{e.header(TypeWorkerStatusChanged), e.WorkerID, e.Status, e.CurrentTaskID})
}

// TaskAssigned is published when a task is bound to a worker.
type TaskAssigned struct {
	Meta
	TaskID    scheduler.TaskID
	WorkerID  string
	TaskTitle string
}

func (e TaskAssigned) EventType() Type { return TypeTaskAssigned }
func (e TaskAssigned) Entity() string  { return taskEntity(e.TaskID) }

func (e TaskAssigned) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		header
		TaskID    scheduler.TaskID `json:"task_id"`
		WorkerID  string           `json:"worker_id"`
		TaskTitle string           `json:"task_title,omitempty"`
	}{e.header(TypeTaskAssigned), e.TaskID, e.WorkerID, e.TaskTitle})
}

// TaskBlocked is published when a task waits on unmet or failed dependencies.
type TaskBlocked struct {
	Meta
	TaskID    scheduler.TaskID
	BlockedBy []scheduler.TaskID
}

func (e TaskBlocked) EventType() Type { return TypeTaskBlocked }
func (e TaskBlocked) Entity() string  { return taskEntity(e.TaskID) }

func (e TaskBlocked) MarshalJSON() ([]byte, error) {
	blockedBy := e.BlockedBy
	if blockedBy == nil {
		blockedBy = []scheduler.TaskID{}
	}
	return json.Marshal(struct {
		header
		TaskID       scheduler.TaskID   `json:"task_id"`
		BlockedBy    []scheduler.TaskID `json:"blocked_by"`
		BlockedCount int                `json:"blocked_count"`
	}{e.header(TypeTaskBlocked), e.TaskID, blockedBy, len(blockedBy)})
}

// TaskUnblocked is published when the last dependency of a task completes.
type TaskUnblocked struct {
	Meta
	TaskID      scheduler.TaskID
	UnblockedBy *scheduler.TaskID
}

func (e TaskUnblocked) EventType() Type { return TypeTaskUnblocked }
func (e TaskUnblocked) Entity() string  { return taskEntity(e.TaskID) }

func (e TaskUnblocked) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		header
		TaskID      scheduler.TaskID  `json:"task_id"`
		UnblockedBy *scheduler.TaskID `json:"unblocked_by,omitempty"`
	}{e.header(TypeTaskUnblocked), e.TaskID, e.UnblockedBy})
}

// TaskStatusChanged is published on every task status transition.
type TaskStatusChanged struct {
	Meta
	TaskID   scheduler.TaskID
	Status   scheduler.TaskStatus
	WorkerID string
}

func (e TaskStatusChanged) EventType() Type { return TypeTaskStatusChanged }
func (e TaskStatusChanged) Entity() string  { return taskEntity(e.TaskID) }

func (e TaskStatusChanged) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		header
		TaskID   scheduler.TaskID `json:"task_id"`
		Status   string           `json:"status"`
		WorkerID string           `json:"worker_id,omitempty"`
	}{e.header(TypeTaskStatusChanged), e.TaskID, e.Status.String(), e.WorkerID})
}

// ProgressUpdate summarizes run progress after each completion.
type ProgressUpdate struct {
	Meta
	Completed  int
	Failed     int
	Blocked    int
	InProgress int
	Total      int
}

func (e ProgressUpdate) EventType() Type { return TypeProgressUpdate }
func (e ProgressUpdate) Entity() string  { return fmt.Sprintf("project:%d", e.ProjectID) }

// Percentage returns the completed share of all tasks, 0 to 100.
func (e ProgressUpdate) Percentage() float64 {
	if e.Total == 0 {
		return 0
	}
	return float64(e.Completed) / float64(e.Total) * 100
}

func (e ProgressUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		header
		Completed  int     `json:"completed"`
		Total      int     `json:"total"`
		Percentage float64 `json:"percentage"`
		Failed     int     `json:"failed"`
		Blocked    int     `json:"blocked"`
		InProgress int     `json:"in_progress"`
	}{e.header(TypeProgressUpdate), e.Completed, e.Total, e.Percentage(), e.Failed, e.Blocked, e.InProgress})
}

// TaskIDPtr returns a pointer to id, for the optional task ID fields.
func TaskIDPtr(id scheduler.TaskID) *scheduler.TaskID {
	return &id
}
