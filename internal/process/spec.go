package process

import (
	"errors"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/locorum/locikernel/internal/logger"
)

// Spec describes a child program. Path+Args is the direct form; Command is a
// single command line which is split or handed to the shell as needed.
type Spec struct {
	Name          string        `json:"name" mapstructure:"name"`
	Path          string        `json:"path" mapstructure:"path"`
	Args          []string      `json:"args" mapstructure:"args"`
	Command       string        `json:"command" mapstructure:"command"`
	WorkDir       string        `json:"work_dir" mapstructure:"work_dir"`
	Env           []string      `json:"env" mapstructure:"env"`
	CaptureStdout bool          `json:"-" mapstructure:"-"`
	Log           logger.Config `json:"-" mapstructure:"-"`
}

// Validate checks that the spec names something to run.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(s.Path) == "" && strings.TrimSpace(s.Command) == "" {
		return errors.New("path or command is required")
	}
	return nil
}

// Exe is the executable that will be run, used as the registry key.
func (s Spec) Exe() string {
	if s.Path != "" {
		return s.Path
	}
	if f := strings.Fields(s.Command); len(f) > 0 {
		return f[0]
	}
	return s.Name
}

// DisplayName falls back to the executable base name.
func (s Spec) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return filepath.Base(s.Exe())
}

// BuildCommand constructs an *exec.Cmd for the spec.
// For the Command form it avoids invoking a shell when not necessary, and it
// also respects an explicit shell invocation already present in the command
// string (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	if s.Path != "" {
		// #nosec G204 -- path comes from operator config or a validated launch request
		return exec.Command(s.Path, s.Args...)
	}
	argv := s.commandArgv()
	// #nosec G204 -- command line comes from operator config
	return exec.Command(argv[0], argv[1:]...)
}

func (s *Spec) commandArgv() []string {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return noopArgv()
	}
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		return shellArgv(afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellArgv(cmdStr)
	}
	return strings.Fields(cmdStr)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// It preserves the substring after "-c " verbatim to avoid breaking quoting.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// strip one pair of outer quotes so the shell parses the script itself
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
