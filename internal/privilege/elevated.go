package privilege

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/locorum/locikernel/internal/hardware"
	"github.com/locorum/locikernel/internal/logger"
	"github.com/locorum/locikernel/internal/shutdown"
	"github.com/locorum/locikernel/internal/store"
	"github.com/locorum/locikernel/internal/store/sqlite"
	"github.com/locorum/locikernel/internal/supervisor"
)

// HardwareStore is what the hardware side needs from the coordination store.
type HardwareStore interface {
	store.EventLog
	store.PositionSink
}

// Hardware is the set of readers run by whichever half holds the rights.
type Hardware struct {
	Readers  []hardware.Reader
	Disabled string
	Env      []string
	Log      logger.Config
	// WatchEvery overrides the shutdown-event poll period.
	WatchEvery time.Duration
}

// Run drives every enabled reader and the event watcher until tok is
// triggered, either locally or by the kernel's shutdown event.
func (h Hardware) Run(tok *shutdown.Token, st HardwareStore) error {
	ctx := tok.Context()
	ledger := hardware.NewPIDLedger()
	var wg sync.WaitGroup
	var errs []error
	for _, r := range h.Readers {
		if !supervisor.Enabled(r.Name, h.Disabled) {
			slog.Info("hardware reader disabled", "name", r.Name)
			continue
		}
		runner, err := hardware.NewRunner(r, st, ledger, h.Env, h.Log)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			runner.Run(ctx)
		}()
	}
	w := &hardware.EventWatcher{Events: st, Token: tok, Ledger: ledger, Every: h.WatchEvery}
	w.Run(ctx)
	wg.Wait()
	return errors.Join(errs...)
}

// Elevated configures phase two.
type Elevated struct {
	Hardware
	EappDir string
	DBFile  string
	Poll    time.Duration
	// Open defaults to opening the SQLite file without creating it.
	Open func(ctx context.Context, path string) (HardwareStore, func() error, error)
}

func openExisting(ctx context.Context, path string) (HardwareStore, func() error, error) {
	db, err := sqlite.Open(ctx, sqlite.Options{Path: path, NoCreate: true})
	if err != nil {
		return nil, nil, err
	}
	return db, db.Close, nil
}

// RunElevated waits for the store created by the unprivileged half, then
// runs the hardware readers until shutdown.
func RunElevated(tok *shutdown.Token, e Elevated) error {
	if e.DBFile == "" {
		return fmt.Errorf("elevated kernel started without a store file (set %s)", EnvDBFile)
	}
	ctx := tok.Context()
	if err := WaitForFile(ctx, e.DBFile, e.Poll); err != nil {
		return nil
	}
	open := e.Open
	if open == nil {
		open = openExisting
	}
	var (
		st      HardwareStore
		closeFn func() error
	)
	// the file can exist before its creator has finished opening it
	err := store.Retry(ctx, 50, e.pollOrDefault(), func(ctx context.Context) error {
		var err error
		st, closeFn, err = open(ctx, e.DBFile)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("open coordination store: %w", err)
	}
	defer func() { _ = closeFn() }()
	slog.Info("elevated kernel running", "eapp_dir", e.EappDir, "db_file", e.DBFile, "readers", len(e.Readers))
	return e.Hardware.Run(tok, st)
}

func (e Elevated) pollOrDefault() time.Duration {
	if e.Poll > 0 {
		return e.Poll
	}
	return DefaultPoll
}
