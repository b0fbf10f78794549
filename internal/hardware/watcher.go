package hardware

import (
	"context"
	"log/slog"
	"time"

	"github.com/locorum/locikernel/internal/process"
	"github.com/locorum/locikernel/internal/shutdown"
	"github.com/locorum/locikernel/internal/store"
)

const (
	DefaultWatchEvery = 900 * time.Millisecond
	watchWindow       = 5 * time.Second
)

// EventWatcher polls the shared event log for the kernel's shutdown event,
// keeps the reader PID ledger under its ceiling and kills every recorded
// reader once it stops.
type EventWatcher struct {
	Events store.EventLog
	Token  *shutdown.Token
	Ledger *PIDLedger
	Every  time.Duration
	// Terminate and Kill default to process.TerminatePID and process.KillPID.
	Terminate func(pid int) error
	Kill      func(pid int) error
}

// Run polls until ctx is cancelled or the shutdown event is seen.
func (w *EventWatcher) Run(ctx context.Context) {
	every := w.Every
	if every <= 0 {
		every = DefaultWatchEvery
	}
	terminate, kill := w.Terminate, w.Kill
	if terminate == nil {
		terminate = process.TerminatePID
	}
	if kill == nil {
		kill = process.KillPID
	}
	defer func() {
		if n := w.Ledger.KillAll(kill); n > 0 {
			slog.Info("killed hardware readers", "count", n)
		}
	}()

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.Token.Done():
			return
		case <-t.C:
		}
		if w.poll(ctx) {
			w.Token.Trigger("kernel shutting down")
			return
		}
		if n := w.Ledger.EnforceCeiling(terminate); n > 0 {
			slog.Warn("reader pid ceiling exceeded, terminated oldest", "count", n, "ceiling", Ceiling)
		}
	}
}

func (w *EventWatcher) poll(ctx context.Context) bool {
	seen, err := w.Events.HasRecentEvent(ctx, store.EventShuttingDown, watchWindow)
	if err != nil {
		if ctx.Err() == nil {
			slog.Debug("event poll failed", "error", err)
		}
		return false
	}
	return seen
}
