// Package hardware runs the hardware-facing reader children (radio decoder,
// GPS bridge) and feeds their output through the stream decoders.
package hardware

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"golang.org/x/time/rate"

	"github.com/locorum/locikernel/internal/decoder"
	"github.com/locorum/locikernel/internal/logger"
	"github.com/locorum/locikernel/internal/metrics"
	"github.com/locorum/locikernel/internal/process"
	"github.com/locorum/locikernel/internal/store"
)

const (
	DefaultRestartEvery = 1800 * time.Millisecond
	reapTimeout         = 2 * time.Second
)

// Reader configures one hardware reader child.
type Reader struct {
	Name     string   `mapstructure:"name"`
	Path     string   `mapstructure:"path"`
	Args     []string `mapstructure:"args"`
	Protocol string   `mapstructure:"protocol"`
}

// Runner keeps one reader alive until its context is cancelled.
type Runner struct {
	reader  Reader
	sink    store.PositionSink
	ledger  *PIDLedger
	env     []string
	log     logger.Config
	limiter *rate.Limiter
}

// NewRunner checks the reader's protocol. env is the full child
// environment; nil inherits ours.
func NewRunner(r Reader, sink store.PositionSink, ledger *PIDLedger, env []string, log logger.Config) (*Runner, error) {
	if _, ok := decoder.ForProtocol(r.Protocol); !ok {
		return nil, fmt.Errorf("reader %s: unknown protocol %q", r.Name, r.Protocol)
	}
	if r.Name == "" {
		r.Name = r.Protocol
	}
	if ledger == nil {
		ledger = NewPIDLedger()
	}
	return &Runner{
		reader:  r,
		sink:    sink,
		ledger:  ledger,
		env:     env,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(DefaultRestartEvery), 1),
	}, nil
}

// SetRestartEvery changes the minimum spacing between child starts.
func (r *Runner) SetRestartEvery(d time.Duration) {
	r.limiter.SetLimit(rate.Every(d))
}

func (r *Runner) Name() string { return r.reader.Name }

// Run starts the reader, decodes its output until it dies or asks for a
// restart, and starts it again. It returns when ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	missing := false
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		exe, err := exec.LookPath(r.reader.Path)
		if err != nil {
			if !missing {
				slog.Warn("hardware reader executable not found", "name", r.reader.Name, "path", r.reader.Path, "error", err)
				missing = true
			}
			continue
		}
		missing = false
		if holdOff := r.once(ctx, exe); holdOff > 0 {
			t := time.NewTimer(holdOff)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
}

func (r *Runner) once(ctx context.Context, exe string) time.Duration {
	proto, _ := decoder.ForProtocol(r.reader.Protocol)
	spec := process.Spec{Name: r.reader.Name, Path: exe, Args: r.reader.Args, CaptureStdout: true, Log: r.log}
	p, err := process.Start(spec, r.env)
	if err != nil {
		slog.Warn("hardware reader failed to start", "name", r.reader.Name, "error", err)
		return 0
	}
	r.ledger.Add(p.PID())
	metrics.IncSpawn(r.reader.Name)
	slog.Info("hardware reader started", "name", r.reader.Name, "pid", p.PID())

	stop := context.AfterFunc(ctx, func() { _ = p.Kill() })
	defer stop()

	s := decoder.NewLineStream(p.Stdout(), proto, r.sink)
	s.Run(ctx, p.Alive)

	if err := p.Kill(); err != nil {
		slog.Warn("hardware reader kill", "name", r.reader.Name, "error", err)
	}
	if !p.Wait(reapTimeout) {
		slog.Warn("hardware reader not reaped", "name", r.reader.Name, "pid", p.PID())
	}
	_ = p.Close()
	metrics.IncExit(r.reader.Name)
	if ctx.Err() == nil {
		metrics.IncHardwareRestart(r.reader.Name)
		slog.Info("hardware reader restarting", "name", r.reader.Name, "hold_off", s.HoldOff())
	}
	return s.HoldOff()
}
