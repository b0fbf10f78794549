package license

import (
	"context"
	"log/slog"
	"time"

	"github.com/locorum/locikernel/internal/shutdown"
)

const (
	// ExitFatal is the process exit code used when the watchdog forces termination.
	ExitFatal = 5

	DefaultGrace    = 48 * time.Hour
	DefaultDelay    = 600 * time.Second
	DefaultPoll     = time.Second
	DefaultMaxPolls = 15
)

// ShouldArm reports whether the watchdog must run: the license is invalid and
// the binary was built longer than grace ago. A zero build time counts as old.
func ShouldArm(valid bool, built, now time.Time, grace time.Duration) bool {
	if valid {
		return false
	}
	if built.IsZero() {
		return true
	}
	return now.Sub(built) >= grace
}

// Watchdog shuts the kernel down after Delay and forces an exit if the
// cooperative shutdown does not finish within MaxPolls polls.
type Watchdog struct {
	Token    *shutdown.Token
	Finished <-chan struct{} // closed once cooperative shutdown is complete
	Delay    time.Duration
	Poll     time.Duration
	MaxPolls int
	Exit     func(code int)
}

func (w *Watchdog) withDefaults() {
	if w.Delay <= 0 {
		w.Delay = DefaultDelay
	}
	if w.Poll <= 0 {
		w.Poll = DefaultPoll
	}
	if w.MaxPolls <= 0 {
		w.MaxPolls = DefaultMaxPolls
	}
}

// Run blocks until the watchdog fires or ctx is cancelled. It returns true when
// Exit was invoked.
func (w *Watchdog) Run(ctx context.Context) bool {
	w.withDefaults()
	slog.Warn("invalid license, kernel will exit", "after", w.Delay)
	t := time.NewTimer(w.Delay)
	select {
	case <-ctx.Done():
		t.Stop()
		return false
	case <-t.C:
	}
	slog.Error("license watchdog expired, shutting down")
	w.Token.Trigger("invalid license")

	tick := time.NewTicker(w.Poll)
	defer tick.Stop()
	for i := 0; i < w.MaxPolls; i++ {
		select {
		case <-w.Finished:
			return false
		case <-tick.C:
		}
	}
	slog.Error("cooperative shutdown did not complete, forcing exit", "code", ExitFatal)
	if w.Exit != nil {
		w.Exit(ExitFatal)
	}
	return true
}
