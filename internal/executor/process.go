package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/aristath/swarm/internal/scheduler"
)

// waitDelay bounds how long Wait blocks on pipes held open by orphaned
// grandchildren after the process group was killed.
const waitDelay = 2 * time.Second

// newCommand creates an exec.Cmd that leads its own process group, so a
// worker script and everything it spawns die together.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = waitDelay
	return cmd
}

// runCommand runs cmd to completion and returns everything it wrote. exec
// copies both streams concurrently and Wait returns only once they are
// drained, so large outputs cannot block the child. When pm is non-nil the
// process is tracked under taskID while it runs.
func runCommand(cmd *exec.Cmd, pm *ProcessManager, taskID scheduler.TaskID) (stdout, stderr []byte, err error) {
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}
	if pm != nil {
		pm.Track(cmd, taskID)
		defer pm.Untrack(cmd)
	}

	if err := cmd.Wait(); err != nil {
		return outBuf.Bytes(), errBuf.Bytes(), fmt.Errorf("command failed: %w", err)
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}

// killProcessGroup sends SIGKILL to every process in cmd's group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group %d: %w", cmd.Process.Pid, err)
	}
	return nil
}
