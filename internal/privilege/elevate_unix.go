//go:build !windows

package privilege

import (
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

func elevated() bool { return unix.Geteuid() == 0 }

func platformMechanisms() []Mechanism {
	return []Mechanism{
		{Name: "gksudo", Build: preserveEnv},
		// pkexec scrubs the environment, so pass it through env(1)
		{Name: "pkexec", Build: func(helper string, r Request) *exec.Cmd {
			args := append([]string{"env"}, r.Environ()...)
			args = append(args, r.Self)
			args = append(args, r.Argv()...)
			return exec.Command(helper, args...)
		}},
		{Name: "sudo", Build: preserveEnv},
	}
}

func preserveEnv(helper string, r Request) *exec.Cmd {
	args := append([]string{"-E", "--", r.Self}, r.Argv()...)
	cmd := exec.Command(helper, args...)
	cmd.Env = append(os.Environ(), r.Environ()...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	return cmd
}
