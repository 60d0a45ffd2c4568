package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/swarm/internal/scheduler"
)

// ErrTaskNotFound is returned when a task ID does not exist.
var ErrTaskNotFound = errors.New("task not found")

// CreateTask inserts a task with its declared dependencies and returns the
// new ID, which is also written back to task.ID. Dependencies may name tasks
// that do not exist yet.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *scheduler.Task) (scheduler.TaskID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	status := task.Status.String()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (project_id, title, description, worker_type, priority, status, assigned_worker)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, task.ProjectID, task.Title, task.Description, string(task.WorkerType), task.Priority, status, task.AssignedWorkerID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert task: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get task id: %w", err)
	}
	id := scheduler.TaskID(rowID)

	for _, depID := range task.DependsOn {
		if err := insertDependency(ctx, tx, id, depID); err != nil {
			return 0, err
		}
	}
	if err := syncDependsOn(ctx, tx, id); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	task.ID = id
	return id, nil
}

// AddDependency records "taskID depends on dependsOnID" in both the
// normalized edge table and the task's JSON list, in one transaction.
// Adding an existing edge is a no-op.
func (s *SQLiteStore) AddDependency(ctx context.Context, taskID, dependsOnID scheduler.TaskID) error {
	return s.changeDependency(ctx, taskID, func(tx *sql.Tx) error {
		return insertDependency(ctx, tx, taskID, dependsOnID)
	})
}

// RemoveDependency deletes an edge from both representations.
func (s *SQLiteStore) RemoveDependency(ctx context.Context, taskID, dependsOnID scheduler.TaskID) error {
	return s.changeDependency(ctx, taskID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM task_dependencies WHERE task_id = ? AND depends_on_id = ?
		`, taskID, dependsOnID)
		if err != nil {
			return fmt.Errorf("failed to delete dependency %d -> %d: %w", taskID, dependsOnID, err)
		}
		return nil
	})
}

func (s *SQLiteStore) changeDependency(ctx context.Context, taskID scheduler.TaskID, change func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, taskID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %d: %w", taskID, ErrTaskNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to check task existence: %w", err)
	}

	if err := change(tx); err != nil {
		return err
	}
	if err := syncDependsOn(ctx, tx, taskID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertDependency(ctx context.Context, tx *sql.Tx, taskID, dependsOnID scheduler.TaskID) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_dependencies (task_id, depends_on_id)
		VALUES (?, ?)
		ON CONFLICT(task_id, depends_on_id) DO NOTHING
	`, taskID, dependsOnID)
	if err != nil {
		return fmt.Errorf("failed to insert dependency %d -> %d: %w", taskID, dependsOnID, err)
	}
	return nil
}

// syncDependsOn rewrites the JSON convenience column from the edge table.
func syncDependsOn(ctx context.Context, tx *sql.Tx, taskID scheduler.TaskID) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT depends_on_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_id
	`, taskID)
	if err != nil {
		return fmt.Errorf("failed to query dependencies: %w", err)
	}
	deps := []scheduler.TaskID{}
	for rows.Next() {
		var depID scheduler.TaskID
		if err := rows.Scan(&depID); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, depID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating dependencies: %w", err)
	}

	encoded, err := json.Marshal(deps)
	if err != nil {
		return fmt.Errorf("failed to encode dependencies: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET depends_on = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, string(encoded), taskID); err != nil {
		return fmt.Errorf("failed to update depends_on: %w", err)
	}
	return nil
}

const taskColumns = `id, project_id, title, description, worker_type, priority, status, assigned_worker`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*scheduler.Task, error) {
	task := &scheduler.Task{}
	var workerType, status string
	if err := row.Scan(&task.ID, &task.ProjectID, &task.Title, &task.Description, &workerType, &task.Priority, &status, &task.AssignedWorkerID); err != nil {
		return nil, err
	}
	task.WorkerType = scheduler.WorkerType(workerType)

	parsed, err := scheduler.ParseTaskStatus(status)
	if err != nil {
		return nil, fmt.Errorf("task %d: %w", task.ID, err)
	}
	task.Status = parsed
	task.DependsOn = []scheduler.TaskID{}
	return task, nil
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, id scheduler.TaskID) (*scheduler.Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var depID scheduler.TaskID
		if err := rows.Scan(&depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		task.DependsOn = append(task.DependsOn, depID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return task, nil
}

// LoadTasks returns every task of a project ordered by ID. Dependencies come
// from the normalized edge table only.
func (s *SQLiteStore) LoadTasks(ctx context.Context, projectID int) ([]*scheduler.Task, error) {
	deps, err := s.loadEdges(ctx, projectID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		if d, ok := deps[task.ID]; ok {
			task.DependsOn = d
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

func (s *SQLiteStore) loadEdges(ctx context.Context, projectID int) (map[scheduler.TaskID][]scheduler.TaskID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.task_id, d.depends_on_id
		FROM task_dependencies d
		JOIN tasks t ON t.id = d.task_id
		WHERE t.project_id = ?
		ORDER BY d.task_id, d.depends_on_id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	deps := make(map[scheduler.TaskID][]scheduler.TaskID)
	for rows.Next() {
		var taskID, depID scheduler.TaskID
		if err := rows.Scan(&taskID, &depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps[taskID] = append(deps[taskID], depID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return deps, nil
}

// UpdateTaskStatus records a task's status and the worker holding it.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id scheduler.TaskID, status scheduler.TaskStatus, workerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, assigned_worker = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status.String(), workerID, id)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task %d: %w", id, ErrTaskNotFound)
	}
	return nil
}

// DependsOnJSON returns the denormalized dependency list stored on a task.
func (s *SQLiteStore) DependsOnJSON(ctx context.Context, id scheduler.TaskID) ([]scheduler.TaskID, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT depends_on FROM tasks WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query depends_on: %w", err)
	}

	var deps []scheduler.TaskID
	if err := json.Unmarshal([]byte(raw), &deps); err != nil {
		return nil, fmt.Errorf("failed to decode depends_on: %w", err)
	}
	return deps, nil
}
