package store

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Event names shared by every process attached to the coordination store.
const (
	EventAllSpawned   = "all-subprograms-spawned"
	EventShuttingDown = "loci-shutting-down"
)

const (
	// DefaultEventTTL is how long an event row stays visible when the writer
	// does not say otherwise.
	DefaultEventTTL = 8000 * time.Millisecond
	// PositionTTL bounds how long position reports are kept.
	PositionTTL = time.Hour
	// LaunchBatch is the number of launch requests claimed per poll.
	LaunchBatch = 10
)

var ErrUnavailable = errors.New("coordination store unavailable")

// ProcessRow is one live child announced in the processes table. The same
// pair may appear more than once; readers treat rows as a multiset.
type ProcessRow struct {
	ExeFile string
	PID     int
}

// LaunchRequest asks the kernel to spawn a program. Any local process may
// enqueue one, so the fields are untrusted until validated.
type LaunchRequest struct {
	ID       int64
	ReqID    string
	ExeFile  string
	Cwd      string
	JSONEnv  string
	JSONArgs string
	At       time.Time
}

// Event is a lifecycle broadcast. Readers only consider recent rows.
type Event struct {
	Name string
	At   time.Time
}

// PositionReport is one decoded fix from a radio or GPS receiver.
type PositionReport struct {
	ID      string
	Lat     float64
	Lon     float64
	SrcTags string
	At      time.Time
}

// Registry tracks which child pids are alive.
type Registry interface {
	Register(ctx context.Context, exe string, pid int) error
	Unregister(ctx context.Context, exe string, pid int) error
	SweepUnknown(ctx context.Context, good []int) (int64, error)
	ListProcesses(ctx context.Context) ([]ProcessRow, error)
}

// LaunchQueue is the cross-process spawn request queue.
type LaunchQueue interface {
	EnqueueLaunch(ctx context.Context, req LaunchRequest) (LaunchRequest, error)
	DequeueLaunch(ctx context.Context, limit int) ([]LaunchRequest, error)
}

// EventLog is the append-only lifecycle broadcast channel.
type EventLog interface {
	AppendEvent(ctx context.Context, name string) error
	RecentEvents(ctx context.Context, window time.Duration, limit int) ([]Event, error)
	HasRecentEvent(ctx context.Context, name string, window time.Duration) (bool, error)
}

// PositionSink receives decoded position reports.
type PositionSink interface {
	InsertPosition(ctx context.Context, r PositionReport) error
}

// Store is the full coordination store.
type Store interface {
	Registry
	LaunchQueue
	EventLog
	PositionSink
	EnsureSchema(ctx context.Context) error
	RecentPositions(ctx context.Context, limit int) ([]PositionReport, error)
	Trim(ctx context.Context) error
	Path() string
	Close() error
}

// Retry calls fn until it succeeds, attempts run out or ctx is done. It
// sleeps delay between attempts and returns the last error.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}

// AppendEventRetry appends name with the shutdown-path retry policy.
func AppendEventRetry(ctx context.Context, log EventLog, name string) error {
	return Retry(ctx, 20, 100*time.Millisecond, func(ctx context.Context) error {
		return log.AppendEvent(ctx, name)
	})
}

// RunTrimmer trims s every interval until ctx is cancelled.
func RunTrimmer(ctx context.Context, s interface{ Trim(context.Context) error }, every time.Duration) {
	if every <= 0 {
		every = 10 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.Trim(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("store trim failed", "error", err)
			}
		}
	}
}
