package utils

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// WritePIDFile writes pid to path with 0600 permissions.
func WritePIDFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

// ReadPIDFile reads a PID integer from path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // internal runtime path
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID from %s: %w", path, err)
	}
	return pid, nil
}

// IsProcessAlive returns true if a process with the given PID currently exists.
// Uses kill(pid, 0) - no signal is sent, only existence is checked.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

// TerminateProcess sends SIGTERM to pid, waits up to gracePeriod for it to
// exit, then falls back to SIGKILL. Signalling an already-exited process is
// not an error.
func TerminateProcess(ctx context.Context, pid int, gracePeriod time.Duration) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil // already gone
	}
	if err := proc.Signal(unix.SIGTERM); err != nil {
		if !IsProcessAlive(pid) {
			return nil
		}
		return proc.Kill()
	}
	if err := WaitFor(ctx, gracePeriod, 100*time.Millisecond, func() (bool, error) {
		return !IsProcessAlive(pid), nil
	}); err == nil {
		return nil
	}
	return proc.Kill()
}
