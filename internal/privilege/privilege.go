// Package privilege runs the hardware readers with the rights they need.
//
// Phase one runs in the unprivileged kernel: if Detect reports no elevation
// it re-executes the kernel through an OS elevation helper and keeps the
// elevated child alive until shutdown. Phase two runs in that child: it
// waits for the shared store file and then drives the hardware readers.
package privilege

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/locorum/locikernel/internal/process"
)

const (
	// MarkerEnv is set on the re-executed kernel. Without it Detect always
	// reports false, so an operator starting the kernel as admin still gets
	// the two-phase split.
	MarkerEnv  = "LOCI_PPID"
	EnvEappDir = "LOCI_EAPP_DIR"
	EnvDBFile  = "LOCI_DB_FILE"

	DefaultPoll = 200 * time.Millisecond
	termGrace   = time.Second
)

var ErrNoMechanism = errors.New("no privilege elevation program available")

// Detect reports whether this process is the elevated half and holds the
// privileges the hardware readers need.
func Detect() bool {
	if os.Getenv(MarkerEnv) == "" {
		return false
	}
	return elevated()
}

// Mechanism wraps argv in an OS elevation helper.
type Mechanism struct {
	Name  string
	Build func(helper string, r Request) *exec.Cmd
}

// Request describes the elevated re-execution of the kernel.
type Request struct {
	Self    string   // kernel executable, defaults to os.Executable
	Args    []string // leading arguments, e.g. the hidden subcommand
	EappDir string
	DBFile  string
	PPID    int

	Mechanisms []Mechanism                   // defaults to the platform list
	LookPath   func(string) (string, error) // defaults to exec.LookPath
}

// Argv is the argument list handed to the elevated kernel. The eapp dir and
// store file travel both here and in the environment.
func (r Request) Argv() []string {
	out := append([]string{}, r.Args...)
	return append(out, r.EappDir, r.DBFile)
}

// Environ returns the variables the elevated side reads.
func (r Request) Environ() []string {
	return []string{
		MarkerEnv + "=" + strconv.Itoa(r.PPID),
		EnvEappDir + "=" + r.EappDir,
		EnvDBFile + "=" + r.DBFile,
	}
}

func (r Request) withDefaults() (Request, error) {
	if r.Self == "" {
		self, err := os.Executable()
		if err != nil {
			return r, fmt.Errorf("resolve own executable: %w", err)
		}
		r.Self = self
	}
	if r.PPID == 0 {
		r.PPID = os.Getpid()
	}
	if r.Mechanisms == nil {
		r.Mechanisms = platformMechanisms()
	}
	if r.LookPath == nil {
		r.LookPath = exec.LookPath
	}
	return r, nil
}

// Command builds the elevation command using the first helper found.
func (r Request) Command() (*exec.Cmd, string, error) {
	r, err := r.withDefaults()
	if err != nil {
		return nil, "", err
	}
	for _, m := range r.Mechanisms {
		helper, err := r.LookPath(m.Name)
		if err != nil {
			continue
		}
		return m.Build(helper, r), m.Name, nil
	}
	return nil, "", ErrNoMechanism
}

// Elevate starts the elevated kernel and waits. When ctx is cancelled the
// elevated child is asked to stop and then killed. It returns nil once the
// helper has exited.
func Elevate(ctx context.Context, r Request) error {
	cmd, mech, err := r.Command()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", mech, err)
	}
	pid := cmd.Process.Pid
	slog.Info("requested elevation", "mechanism", mech, "pid", pid)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	t := time.NewTicker(DefaultPoll)
	defer t.Stop()
	for {
		select {
		case err := <-exited:
			if err != nil {
				slog.Warn("elevated kernel exited", "mechanism", mech, "error", err)
			} else {
				slog.Info("elevated kernel exited", "mechanism", mech)
			}
			return nil
		case <-t.C:
		}
		if ctx.Err() == nil {
			continue
		}
		// helpers such as sudo relay SIGTERM but cannot relay SIGKILL
		_ = process.TerminatePID(pid)
		select {
		case <-exited:
		case <-time.After(termGrace):
			if err := cmd.Process.Kill(); err != nil {
				slog.Warn("kill elevated kernel", "pid", pid, "error", err)
			}
			<-exited
		}
		return nil
	}
}

// ResolveDirs returns the eapp dir and store file for the elevated side,
// preferring the environment over positional arguments.
func ResolveDirs(args []string, getenv func(string) string) (eapp, db string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	eapp, db = getenv(EnvEappDir), getenv(EnvDBFile)
	if eapp == "" && len(args) > 0 {
		eapp = args[0]
	}
	if db == "" && len(args) > 1 {
		db = args[1]
	}
	return eapp, db
}

// WaitForFile polls until path exists or ctx is done.
func WaitForFile(ctx context.Context, path string, poll time.Duration) error {
	if poll <= 0 {
		poll = DefaultPoll
	}
	logged := false
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if !logged {
			slog.Info("waiting for coordination store", "path", path)
			logged = true
		}
		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
