//go:build windows

package procutil

import (
	"os/exec"
	"strconv"
)

// SetProcAttr is a no-op on Windows; taskkill's /T flag walks the whole
// child tree without needing a process-group setup step.
func SetProcAttr(cmd *exec.Cmd) {}

func terminate(cmd *exec.Cmd) error {
	// taskkill without /F requests a graceful close-window/terminate.
	return exec.Command("taskkill", "/T", "/PID", strconv.Itoa(cmd.Process.Pid)).Run()
}

func killTree(cmd *exec.Cmd) error {
	return exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(cmd.Process.Pid)).Run()
}
