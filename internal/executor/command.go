package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/aristath/swarm/internal/scheduler"
)

// Command is the program run for one worker type.
type Command struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// Config configures a CommandExecutor.
type Config struct {
	Commands map[scheduler.WorkerType]Command
	Dir      string   // Working directory; empty means the current one
	Env      []string // Extra KEY=VALUE pairs added to the inherited environment
	Procs    *ProcessManager
	Logger   *slog.Logger
}

// CommandExecutor runs each task as an external process chosen by the
// task's worker type. The task is described to the process through SWARM_*
// environment variables. Exit status 0 completes the task with stdout as its
// output; anything else fails it with stderr in the error.
type CommandExecutor struct {
	commands map[scheduler.WorkerType]Command
	dir      string
	env      []string
	procs    *ProcessManager
	logger   *slog.Logger
}

// New creates a CommandExecutor. A nil Procs gets a fresh ProcessManager.
func New(cfg Config) *CommandExecutor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Procs == nil {
		cfg.Procs = NewProcessManager()
	}
	commands := make(map[scheduler.WorkerType]Command, len(cfg.Commands))
	for t, c := range cfg.Commands {
		commands[t] = Command{Command: c.Command, Args: append([]string(nil), c.Args...)}
	}
	return &CommandExecutor{
		commands: commands,
		dir:      cfg.Dir,
		env:      append([]string(nil), cfg.Env...),
		procs:    cfg.Procs,
		logger:   cfg.Logger,
	}
}

// Processes returns the manager tracking this executor's running processes.
func (e *CommandExecutor) Processes() *ProcessManager {
	return e.procs
}

// Execute implements scheduler.Executor.
func (e *CommandExecutor) Execute(ctx context.Context, task scheduler.Task) scheduler.Result {
	worker, ok := e.commands[task.WorkerType]
	if !ok || worker.Command == "" {
		return scheduler.Failed(fmt.Errorf("no command configured for worker type %q", task.WorkerType))
	}

	cmd := newCommand(ctx, worker.Command, worker.Args...)
	cmd.Dir = e.dir
	cmd.Env = append(os.Environ(), e.env...)
	cmd.Env = append(cmd.Env, taskEnv(task)...)

	e.logger.Debug("starting worker process",
		"task_id", task.ID,
		"worker_type", task.WorkerType,
		"command", worker.Command)

	stdout, stderr, err := runCommand(cmd, e.procs, task.ID)
	if err != nil {
		e.logger.Debug("worker process failed", "task_id", task.ID, "error", err)
		if msg := strings.TrimSpace(string(stderr)); msg != "" {
			return scheduler.Failed(fmt.Errorf("%w: %s", err, msg))
		}
		return scheduler.Failed(err)
	}

	return scheduler.Completed(strings.TrimSpace(string(stdout)))
}

func taskEnv(task scheduler.Task) []string {
	return []string{
		"SWARM_TASK_ID=" + strconv.Itoa(int(task.ID)),
		"SWARM_TASK_TITLE=" + task.Title,
		"SWARM_TASK_DESCRIPTION=" + task.Description,
		"SWARM_PROJECT_ID=" + strconv.Itoa(task.ProjectID),
		"SWARM_WORKER_TYPE=" + string(task.WorkerType),
	}
}
