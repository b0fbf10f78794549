// Package supervisor owns the kernel's child processes. A single goroutine
// holds the tracked set; everything else talks to it through commands.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/locorum/locikernel/internal/env"
	"github.com/locorum/locikernel/internal/launch"
	"github.com/locorum/locikernel/internal/logger"
	"github.com/locorum/locikernel/internal/metrics"
	"github.com/locorum/locikernel/internal/process"
	"github.com/locorum/locikernel/internal/store"
)

const (
	DefaultPoll       = 500 * time.Millisecond
	DefaultSweepEvery = 5
	killWait          = 2 * time.Second
	unregisterWait    = 2 * time.Second
)

var (
	ErrStopped  = errors.New("supervisor stopped")
	ErrNotFound = errors.New("child not tracked")
)

// Backend is the part of the coordination store the supervisor uses.
type Backend interface {
	store.Registry
	store.LaunchQueue
	store.EventLog
}

// Opener opens the coordination store. It is retried every cycle until it
// succeeds.
type Opener func(ctx context.Context) (Backend, error)

type Config struct {
	Children []process.Spec
	// UserProgramsDir holds extra programs started alongside Children.
	UserProgramsDir string
	// Disabled is matched by substring against child names.
	Disabled string
	// DBFile and EappDir are exported to user programs.
	DBFile  string
	EappDir string

	Env         *env.Env
	Log         logger.Config
	Poll        time.Duration
	SweepEvery  int
	LaunchBatch int
}

type Supervisor struct {
	cfg      Config
	open     Opener
	dispatch *launch.Dispatcher

	cmds chan func(context.Context)
	done chan struct{}

	// owned by the Run goroutine
	st        Backend
	tracked   map[int]*process.Process
	cycles    int
	announced bool
}

// New returns a supervisor. A nil dispatcher rejects every launch request.
func New(cfg Config, open Opener, d *launch.Dispatcher) *Supervisor {
	if cfg.Poll <= 0 {
		cfg.Poll = DefaultPoll
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = DefaultSweepEvery
	}
	if cfg.LaunchBatch <= 0 {
		cfg.LaunchBatch = store.LaunchBatch
	}
	return &Supervisor{
		cfg:      cfg,
		open:     open,
		dispatch: d,
		cmds:     make(chan func(context.Context)),
		done:     make(chan struct{}),
		tracked:  make(map[int]*process.Process),
	}
}

// Enabled reports whether name survives the disabled list.
func Enabled(name, disabled string) bool {
	return disabled == "" || !strings.Contains(disabled, name)
}

// Done is closed once Run has killed every child and returned.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Run starts the configured children and supervises them until ctx is
// cancelled, then kills every tracked child.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.done)
	s.ensureStore(ctx)
	s.startInitial(ctx)
	s.announce(ctx)

	t := time.NewTicker(s.cfg.Poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.killAll(ctx)
			return
		case cmd := <-s.cmds:
			cmd(ctx)
		case <-t.C:
			s.cycle(ctx)
		}
	}
}

func (s *Supervisor) cycle(ctx context.Context) {
	s.cycles++
	s.ensureStore(ctx)
	s.announce(ctx)
	s.drainLaunches(ctx)
	s.reap(ctx)
	if s.cycles%s.cfg.SweepEvery == 0 {
		s.sweep(ctx)
	}
	metrics.SetTracked(len(s.tracked))
}

func (s *Supervisor) ensureStore(ctx context.Context) {
	if s.st != nil || s.open == nil {
		return
	}
	st, err := s.open(ctx)
	if err != nil {
		slog.Debug("coordination store not available yet", "error", err)
		return
	}
	s.st = st
	// children started before the store opened are not in the registry yet
	for pid, p := range s.tracked {
		if err := st.Register(ctx, p.Spec().Exe(), pid); err != nil {
			slog.Warn("register child", "name", p.Spec().DisplayName(), "pid", pid, "error", err)
		}
	}
}

// announce broadcasts that the initial children are up, once.
func (s *Supervisor) announce(ctx context.Context) {
	if s.announced || s.st == nil {
		return
	}
	if err := store.AppendEventRetry(ctx, s.st, store.EventAllSpawned); err != nil {
		slog.Warn("append event", "event", store.EventAllSpawned, "error", err)
		return
	}
	s.announced = true
}

func (s *Supervisor) startInitial(ctx context.Context) {
	for _, spec := range s.cfg.Children {
		if !Enabled(spec.DisplayName(), s.cfg.Disabled) {
			slog.Info("child disabled", "name", spec.DisplayName())
			continue
		}
		spec.Log = s.cfg.Log
		if _, err := s.spawn(ctx, spec); err != nil {
			slog.Error("child failed to start", "name", spec.DisplayName(), "error", err)
		}
	}
	for _, spec := range s.userPrograms() {
		if _, err := s.spawn(ctx, spec); err != nil {
			slog.Error("user program failed to start", "name", spec.Name, "error", err)
		}
	}
	metrics.SetTracked(len(s.tracked))
}

func (s *Supervisor) userPrograms() []process.Spec {
	dir := s.cfg.UserProgramsDir
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("user programs dir", "dir", dir, "error", err)
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("read user programs dir", "dir", dir, "error", err)
		return nil
	}
	var out []process.Spec
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		out = append(out, process.Spec{
			Name:    e.Name(),
			Path:    filepath.Join(dir, e.Name()),
			WorkDir: dir,
			Env:     []string{"LOCI_DB_FILE=" + s.cfg.DBFile, "LOCI_EAPP_DIR=" + s.cfg.EappDir},
			Log:     s.cfg.Log,
		})
	}
	return out
}

func (s *Supervisor) spawn(ctx context.Context, spec process.Spec) (*process.Process, error) {
	var envs []string
	if s.cfg.Env != nil {
		envs = s.cfg.Env.Merge(spec.Env)
	} else if len(spec.Env) > 0 {
		envs = append(os.Environ(), spec.Env...)
	}
	p, err := process.Start(spec, envs)
	if err != nil {
		return nil, err
	}
	s.tracked[p.PID()] = p
	metrics.IncSpawn(spec.DisplayName())
	slog.Info("child started", "name", spec.DisplayName(), "pid", p.PID())
	if s.st != nil {
		if err := s.st.Register(ctx, spec.Exe(), p.PID()); err != nil {
			slog.Warn("register child", "name", spec.DisplayName(), "pid", p.PID(), "error", err)
		}
	}
	return p, nil
}

func (s *Supervisor) drainLaunches(ctx context.Context) {
	if s.st == nil {
		return
	}
	reqs, err := s.st.DequeueLaunch(ctx, s.cfg.LaunchBatch)
	if err != nil {
		slog.Warn("read launch requests", "error", err)
		return
	}
	for _, req := range reqs {
		if s.dispatch == nil {
			metrics.IncLaunch("rejected")
			slog.Warn("launch request rejected", "req_id", req.ReqID, "exe", req.ExeFile, "error", launch.ErrNotAllowed)
			continue
		}
		spec, err := s.dispatch.Spec(req)
		if err != nil {
			metrics.IncLaunch("rejected")
			slog.Warn("launch request rejected", "req_id", req.ReqID, "exe", req.ExeFile, "error", err)
			continue
		}
		spec.Log = s.cfg.Log
		if _, err := s.spawn(ctx, spec); err != nil {
			metrics.IncLaunch("failed")
			slog.Error("launch request failed", "req_id", req.ReqID, "exe", req.ExeFile, "error", err)
			continue
		}
		metrics.IncLaunch("spawned")
	}
}

func (s *Supervisor) reap(ctx context.Context) {
	for pid, p := range s.tracked {
		done, exitErr := p.Exited()
		if !done {
			continue
		}
		name := p.Spec().DisplayName()
		if exitErr != nil {
			slog.Warn("child exited", "name", name, "pid", pid, "error", exitErr)
		} else {
			slog.Info("child exited", "name", name, "pid", pid)
		}
		if s.st != nil {
			if err := s.st.Unregister(ctx, p.Spec().Exe(), pid); err != nil {
				slog.Warn("unregister child", "name", name, "pid", pid, "error", err)
			}
		}
		_ = p.Close()
		delete(s.tracked, pid)
		metrics.IncExit(name)
	}
}

func (s *Supervisor) sweep(ctx context.Context) {
	if s.st == nil || len(s.tracked) == 0 {
		return
	}
	n, err := s.st.SweepUnknown(ctx, s.pids())
	if err != nil {
		slog.Warn("registry sweep", "error", err)
		return
	}
	if n > 0 {
		slog.Info("removed stale registry rows", "count", n)
	}
}

func (s *Supervisor) pids() []int {
	out := make([]int, 0, len(s.tracked))
	for pid := range s.tracked {
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}

// killAll kills every tracked child and drops the registry rows of those
// confirmed dead. ctx is already cancelled, so store writes get their own
// deadline.
func (s *Supervisor) killAll(ctx context.Context) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unregisterWait)
	defer cancel()
	for pid, p := range s.tracked {
		if err := p.Kill(); err != nil {
			slog.Error("kill child", "name", p.Spec().DisplayName(), "pid", pid, "error", err)
			continue
		}
		if !p.Wait(killWait) {
			slog.Error("child did not exit after kill", "name", p.Spec().DisplayName(), "pid", pid)
			continue
		}
		if s.st != nil {
			if err := s.st.Unregister(wctx, p.Spec().Exe(), pid); err != nil {
				slog.Warn("unregister child", "name", p.Spec().DisplayName(), "pid", pid, "error", err)
			}
		}
		_ = p.Close()
	}
	slog.Info("supervisor stopped", "children", len(s.tracked))
	metrics.SetTracked(0)
}

// do runs fn on the owner goroutine and waits for it.
func (s *Supervisor) do(ctx context.Context, fn func(context.Context)) error {
	finished := make(chan struct{})
	select {
	case s.cmds <- func(c context.Context) { fn(c); close(finished) }:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Spawn starts and tracks an additional child. It returns the child's pid.
func (s *Supervisor) Spawn(ctx context.Context, spec process.Spec) (int, error) {
	var (
		pid    int
		runErr error
	)
	err := s.do(ctx, func(c context.Context) {
		if spec.Log == (logger.Config{}) {
			spec.Log = s.cfg.Log
		}
		p, err := s.spawn(c, spec)
		if err != nil {
			runErr = fmt.Errorf("spawn %s: %w", spec.DisplayName(), err)
			return
		}
		pid = p.PID()
	})
	if err != nil {
		return 0, err
	}
	return pid, runErr
}

// Snapshot returns the status of every tracked child, ordered by pid.
func (s *Supervisor) Snapshot(ctx context.Context) ([]process.Status, error) {
	var out []process.Status
	err := s.do(ctx, func(context.Context) {
		for _, pid := range s.pids() {
			out = append(out, s.tracked[pid].Snapshot())
		}
	})
	return out, err
}

// Kill forcefully stops a tracked child. It is reaped on the next cycle.
func (s *Supervisor) Kill(ctx context.Context, pid int) error {
	var runErr error
	err := s.do(ctx, func(context.Context) {
		p, ok := s.tracked[pid]
		if !ok {
			runErr = fmt.Errorf("%w: pid %d", ErrNotFound, pid)
			return
		}
		runErr = p.Kill()
	})
	if err != nil {
		return err
	}
	return runErr
}
