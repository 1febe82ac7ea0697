// Package procutil provides a single process-tree teardown capability,
// replacing the OS-family-specific duplicated kill logic that appears twice
// in the original implementation (once in the worker pool, once in the
// queen scheduler).
//
// Grounded on worker_pool.py._kill_process_tree / queen_scheduler.py's
// near-identical copy: Windows uses `taskkill /F /T /PID`, Unix sends the
// process group a SIGKILL and falls back to killing just the leader.
package procutil

import (
	"context"
	"os/exec"
	"runtime"
	"time"
)

// Handle wraps an *os/exec.Cmd so the pool and queen packages can terminate
// or kill an entire process tree without duplicating OS-specific logic.
type Handle struct {
	cmd *exec.Cmd
}

// New wraps cmd. cmd must have been started with Start().
func New(cmd *exec.Cmd) *Handle { return &Handle{cmd: cmd} }

// Terminate attempts a graceful shutdown, waiting up to deadline for the
// process to exit on its own before returning. It never kills; callers that
// need a guaranteed-dead process call Kill after Terminate's deadline
// elapses, mirroring the pool's stop(timeout): graceful for timeout/2, then
// forced.
func (h *Handle) Terminate(ctx context.Context, deadline time.Duration) error {
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	if err := terminate(h.cmd); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- h.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(deadline):
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill forcibly terminates the entire process tree rooted at the command,
// selecting the platform driver at call time (taskkill on Windows, process
// group SIGKILL elsewhere, falling back to killing only the leader process
// if the group kill is refused by the OS).
func (h *Handle) Kill() error {
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	if err := killTree(h.cmd); err != nil {
		return h.cmd.Process.Kill()
	}
	return nil
}

// Platform reports the OS family driver in use, for logging/diagnostics.
func Platform() string {
	if runtime.GOOS == "windows" {
		return "windows-taskkill"
	}
	return "unix-process-group"
}
