package hardware

import (
	"log/slog"
	"sync"

	"github.com/locorum/locikernel/internal/process"
)

const (
	// Ceiling is the number of recorded reader PIDs above which the oldest
	// are culled.
	Ceiling = 100
	// Cull is how many of the oldest PIDs are terminated once Ceiling is passed.
	Cull = 50
)

type ledgerEntry struct {
	pid   int
	start int64
}

// PIDLedger remembers every reader PID started on this side, oldest first.
// Entries carry the OS start time so a recycled PID is never signalled.
type PIDLedger struct {
	mu      sync.Mutex
	entries []ledgerEntry
	startOf func(pid int) int64
}

func NewPIDLedger() *PIDLedger {
	return &PIDLedger{startOf: process.StartUnix}
}

// SetStartOf replaces the start-time lookup. A lookup returning 0 means
// unknown and disables the reuse check for that PID.
func (l *PIDLedger) SetStartOf(fn func(pid int) int64) {
	l.mu.Lock()
	l.startOf = fn
	l.mu.Unlock()
}

func (l *PIDLedger) Add(pid int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, ledgerEntry{pid: pid, start: l.startOf(pid)})
}

func (l *PIDLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *PIDLedger) PIDs() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.pid
	}
	return out
}

// EnforceCeiling terminates and forgets the Cull oldest PIDs when more than
// Ceiling are recorded. It returns how many PIDs were signalled.
func (l *PIDLedger) EnforceCeiling(kill func(pid int) error) int {
	l.mu.Lock()
	if len(l.entries) <= Ceiling {
		l.mu.Unlock()
		return 0
	}
	victims := append([]ledgerEntry(nil), l.entries[:Cull]...)
	l.entries = append([]ledgerEntry(nil), l.entries[Cull:]...)
	startOf := l.startOf
	l.mu.Unlock()
	return signal(victims, startOf, kill)
}

// KillAll signals and forgets every recorded PID.
func (l *PIDLedger) KillAll(kill func(pid int) error) int {
	l.mu.Lock()
	victims := l.entries
	l.entries = nil
	startOf := l.startOf
	l.mu.Unlock()
	return signal(victims, startOf, kill)
}

func signal(victims []ledgerEntry, startOf func(int) int64, kill func(int) error) int {
	n := 0
	for _, e := range victims {
		if e.start != 0 {
			if now := startOf(e.pid); now != 0 && now != e.start {
				slog.Debug("pid reused, not signalling", "pid", e.pid)
				continue
			}
		}
		if err := kill(e.pid); err != nil {
			slog.Debug("signal reader pid", "pid", e.pid, "error", err)
		}
		n++
	}
	return n
}
