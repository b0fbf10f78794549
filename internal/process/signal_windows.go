//go:build windows

package process

import (
	"syscall"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const (
	PROCESS_TERMINATE         = 0x0001
	PROCESS_QUERY_INFORMATION = 0x0400
)

// killGroup terminates the child. Windows has no process-group kill that
// matches SIGKILL semantics, so only the child itself is terminated.
func killGroup(pid int) error { return terminate(pid) }

// TerminatePID and KillPID are the same on Windows.
func TerminatePID(pid int) error { return terminate(pid) }

func KillPID(pid int) error { return terminate(pid) }

func terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	handle, err := openProcess(PROCESS_TERMINATE, uint32(pid))
	if err != nil {
		// already gone
		return nil
	}
	defer closeHandle(handle)
	ret, _, err := procTerminateProcess.Call(uintptr(handle), uintptr(1))
	if ret == 0 {
		return err
	}
	return nil
}

// Exists reports whether a process with pid is present.
func Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	handle, err := openProcess(PROCESS_QUERY_INFORMATION, uint32(pid))
	if err != nil {
		return false
	}
	closeHandle(handle)
	return true
}

func openProcess(access uint32, processID uint32) (syscall.Handle, error) {
	ret, _, err := procOpenProcess.Call(uintptr(access), 0, uintptr(processID))
	if ret == 0 {
		return 0, err
	}
	return syscall.Handle(ret), nil
}

func closeHandle(handle syscall.Handle) {
	_, _, _ = procCloseHandle.Call(uintptr(handle))
}
