//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// killGroup sends SIGKILL to the child's process group, falling back to the
// pid alone when the group is already gone.
func killGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, syscall.SIGKILL)
	}
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// TerminatePID asks pid to exit with SIGTERM.
func TerminatePID(pid int) error { return signalPID(pid, syscall.SIGTERM) }

// KillPID forcefully kills pid.
func KillPID(pid int) error { return signalPID(pid, syscall.SIGKILL) }

func signalPID(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// Exists reports whether a process with pid is present.
func Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
