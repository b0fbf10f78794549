package process

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Process is a started child. One goroutine waits on it; every other
// method is non-blocking.
type Process struct {
	spec     Spec
	cmd      *exec.Cmd
	pid      int
	started  time.Time
	stdout   *os.File
	closers  []io.Closer
	waitDone chan struct{}

	mu       sync.Mutex
	exitErr  error
	exitedAt time.Time
}

// Start launches spec with the given environment. A nil env inherits the
// kernel's environment.
func Start(spec Spec, env []string) (*Process, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid spec: %w", err)
	}
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	configureSysProcAttr(cmd)

	p := &Process{spec: spec, waitDone: make(chan struct{})}
	outW, errW, err := spec.Log.Writers(spec.DisplayName())
	if err != nil {
		slog.Warn("child log writers unavailable", "name", spec.DisplayName(), "error", err)
	}
	var pw *os.File
	if spec.CaptureStdout {
		// our own pipe so that Wait never closes the read end under the decoder
		pr, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		p.stdout, pw = pr, w
		cmd.Stdout = pw
	} else if outW != nil {
		cmd.Stdout = outW
		p.closers = append(p.closers, outW)
	} else {
		cmd.Stdout = os.Stdout
	}
	if errW != nil {
		cmd.Stderr = errW
		p.closers = append(p.closers, errW)
	} else {
		cmd.Stderr = os.Stderr
	}
	if spec.CaptureStdout && outW != nil {
		_ = outW.Close()
	}

	if err := cmd.Start(); err != nil {
		if pw != nil {
			_ = pw.Close()
			_ = p.stdout.Close()
		}
		p.closeWriters()
		return nil, fmt.Errorf("start %s: %w", spec.DisplayName(), err)
	}
	if pw != nil {
		_ = pw.Close()
	}
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.started = time.Now()
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.exitedAt = time.Now()
	p.mu.Unlock()
	p.closeWriters()
	close(p.waitDone)
}

func (p *Process) closeWriters() {
	for _, c := range p.closers {
		_ = c.Close()
	}
	p.closers = nil
}

func (p *Process) PID() int { return p.pid }

func (p *Process) Spec() Spec { return p.spec }

func (p *Process) StartedAt() time.Time { return p.started }

// Stdout is the read end of the child's stdout when CaptureStdout was set.
func (p *Process) Stdout() io.ReadCloser {
	if p.stdout == nil {
		return nil
	}
	return p.stdout
}

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.waitDone }

// Exited reports whether the child has exited and, if so, its exit error.
// It never blocks.
func (p *Process) Exited() (bool, error) {
	select {
	case <-p.waitDone:
		p.mu.Lock()
		defer p.mu.Unlock()
		return true, p.exitErr
	default:
		return false, nil
	}
}

// Alive is the negation of Exited, for use as a decoder liveness check.
func (p *Process) Alive() bool {
	done, _ := p.Exited()
	return !done
}

// Kill forcefully terminates the child and its process group. Killing an
// already reaped child is a no-op.
func (p *Process) Kill() error {
	if !p.Alive() {
		return nil
	}
	if err := killGroup(p.pid); err != nil {
		if !p.Alive() {
			return nil
		}
		return fmt.Errorf("kill %s (pid %d): %w", p.spec.DisplayName(), p.pid, err)
	}
	return nil
}

// Wait blocks until the child exits or timeout elapses. It reports whether
// the child exited.
func (p *Process) Wait(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.waitDone:
		return true
	case <-t.C:
		return false
	}
}

// Close releases the stdout pipe.
func (p *Process) Close() error {
	if p.stdout != nil {
		return p.stdout.Close()
	}
	return nil
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	st := Status{Name: p.spec.DisplayName(), Exe: p.spec.Exe(), PID: p.pid, StartedAt: p.started, Running: p.Alive()}
	if !st.Running {
		p.mu.Lock()
		st.ExitedAt = p.exitedAt
		if p.exitErr != nil {
			st.ExitErr = p.exitErr.Error()
		}
		p.mu.Unlock()
	}
	return st
}
