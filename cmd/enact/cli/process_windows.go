//go:build windows

package cli

import (
	"os"
)

// isProcessRunning reports whether pid is alive. FindProcess on Windows
// opens a handle and fails for processes that have exited.
func isProcessRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	proc.Release()
	return true
}

// stopProcess kills the process on Windows (no graceful SIGTERM support).
func stopProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
