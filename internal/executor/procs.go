package executor

import (
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"sync"

	"github.com/aristath/swarm/internal/scheduler"
)

type trackedProcess struct {
	cmd    *exec.Cmd
	taskID scheduler.TaskID
}

// ProcessManager tracks the worker processes currently running, keyed by
// pid, so shutdown can kill them and report which tasks they belonged to.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]trackedProcess
}

// NewProcessManager creates an empty ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{procs: make(map[int]trackedProcess)}
}

// Track registers a started process as running taskID.
func (pm *ProcessManager) Track(cmd *exec.Cmd, taskID scheduler.TaskID) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	pm.procs[cmd.Process.Pid] = trackedProcess{cmd: cmd, taskID: taskID}
	pm.mu.Unlock()
}

// Untrack forgets a process once it has been waited on.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	delete(pm.procs, cmd.Process.Pid)
	pm.mu.Unlock()
}

// KillAll kills the process group of every tracked process. Entries stay
// tracked until their runner has waited on them.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, p := range pm.procs {
		if err := killProcessGroup(p.cmd); err != nil {
			errs = append(errs, fmt.Errorf("task %d (pid %d): %w", p.taskID, pid, err))
		}
	}
	return errors.Join(errs...)
}

// Running returns the IDs of tasks with a live process, ascending.
func (pm *ProcessManager) Running() []scheduler.TaskID {
	pm.mu.Lock()
	ids := make([]scheduler.TaskID, 0, len(pm.procs))
	for _, p := range pm.procs {
		ids = append(ids, p.taskID)
	}
	pm.mu.Unlock()

	slices.Sort(ids)
	return ids
}

// Count returns the number of tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
