package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDuplicateTask is returned by Build when two tasks share an ID.
var ErrDuplicateTask = errors.New("duplicate task id")

// CycleDetectedError reports a dependency cycle. Path lists the tasks on the
// cycle in traversal order, without repeating the first task at the end.
type CycleDetectedError struct {
	Path []TaskID
}

func (e *CycleDetectedError) Error() string {
	parts := make([]string, 0, len(e.Path)+1)
	for _, id := range e.Path {
		parts = append(parts, fmt.Sprintf("%d", id))
	}
	if len(e.Path) > 0 {
		parts = append(parts, fmt.Sprintf("%d", e.Path[0]))
	}
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(parts, " -> "))
}

// DanglingDependencyError reports a dependency on a task that does not exist.
type DanglingDependencyError struct {
	TaskID    TaskID
	MissingID TaskID
}

func (e *DanglingDependencyError) Error() string {
	return fmt.Sprintf("task %d depends on non-existent task %d", e.TaskID, e.MissingID)
}
