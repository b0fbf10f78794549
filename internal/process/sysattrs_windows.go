//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

const CREATE_NEW_PROCESS_GROUP = 0x00000200

func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: CREATE_NEW_PROCESS_GROUP}
}
