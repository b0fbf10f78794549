package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/locorum/locikernel/internal/config"
	"github.com/locorum/locikernel/internal/env"
	"github.com/locorum/locikernel/internal/hwid"
	"github.com/locorum/locikernel/internal/launch"
	"github.com/locorum/locikernel/internal/license"
	"github.com/locorum/locikernel/internal/logger"
	"github.com/locorum/locikernel/internal/metrics"
	"github.com/locorum/locikernel/internal/privilege"
	"github.com/locorum/locikernel/internal/process"
	"github.com/locorum/locikernel/internal/server"
	"github.com/locorum/locikernel/internal/shutdown"
	"github.com/locorum/locikernel/internal/store"
	"github.com/locorum/locikernel/internal/store/sqlite"
	"github.com/locorum/locikernel/internal/supervisor"
)

const (
	binDirDepth   = 4
	guiKillWait   = 2 * time.Second
	parentPoll    = time.Second
	privilegedCmd = "privileged"
)

// Run is the kernel entry point.
func (c *command) Run(g GlobalFlags) error {
	cfg, err := c.loadConfig(g)
	if err != nil {
		return err
	}
	closer, err := logger.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	tok := shutdown.New()
	defer notifySignals(tok)()

	// an operator may start us elevated with the marker already set
	if !cfg.Privilege.NoAdmin && privilege.Detect() {
		ppid, _ := strconv.Atoi(os.Getenv(privilege.MarkerEnv))
		return c.runElevated(cfg, tok, nil, ppid)
	}
	return c.runKernel(g, cfg, tok)
}

// Privileged is the elevated half started through privilege.Elevate.
func (c *command) Privileged(g GlobalFlags, f PrivilegedFlags, args []string) error {
	if f.PPID > 0 && os.Getenv(privilege.MarkerEnv) == "" {
		_ = os.Setenv(privilege.MarkerEnv, strconv.Itoa(f.PPID))
	}
	cfg, err := c.loadConfig(g)
	if err != nil {
		return err
	}
	closer, err := logger.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	tok := shutdown.New()
	defer notifySignals(tok)()
	ppid := f.PPID
	if ppid == 0 {
		ppid, _ = strconv.Atoi(os.Getenv(privilege.MarkerEnv))
	}
	return c.runElevated(cfg, tok, args, ppid)
}

func (c *command) runElevated(cfg *config.Config, tok *shutdown.Token, args []string, ppid int) error {
	eapp, dbFile := privilege.ResolveDirs(args, os.Getenv)
	if eapp == "" {
		eapp = cfg.Paths.Eapp
	}
	if dbFile == "" {
		dbFile = cfg.Paths.DBFile
	}
	if ppid > 0 {
		go watchParent(tok, ppid)
	}
	base, err := childEnv(cfg)
	if err != nil {
		return err
	}
	return privilege.RunElevated(tok, privilege.Elevated{
		Hardware: hardwareSet(cfg, base.Merge(nil)),
		EappDir:  eapp,
		DBFile:   dbFile,
	})
}

// watchParent stops the elevated half when the kernel that started it is gone.
func watchParent(tok *shutdown.Token, ppid int) {
	t := time.NewTicker(parentPoll)
	defer t.Stop()
	for {
		select {
		case <-tok.Done():
			return
		case <-t.C:
			if !process.Exists(ppid) {
				tok.Trigger("parent kernel exited")
				return
			}
		}
	}
}

func (c *command) runKernel(g GlobalFlags, cfg *config.Config, tok *shutdown.Token) error {
	runID := uuid.NewString()
	slog.Info("kernel starting", "run_id", runID, "data_dir", cfg.Paths.Data, "db_file", cfg.Paths.DBFile)
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		slog.Warn("metrics registration failed", "error", err)
	}

	finished := make(chan struct{})
	lic := checkLicense(cfg, tok, finished)

	ctx := context.Background()
	db, err := openStore(ctx, cfg.Paths.DBFile)
	if err != nil {
		return &exitCodeError{code: license.ExitFatal, err: fmt.Errorf("coordination store: %w", err)}
	}
	defer func() { _ = db.Close() }()

	id, _ := hwid.Current()
	_, _ = fmt.Fprintf(c.out, "\nHWID=%s\n\n", id)

	base, err := childEnv(cfg)
	if err != nil {
		return err
	}
	childEnvs := base.Merge(nil)

	var wg sync.WaitGroup
	startHardware(g, cfg, tok, db, childEnvs, &wg)

	go store.RunTrimmer(tok.Context(), db, cfg.Supervisor.TrimEvery)

	sup := supervisor.New(supervisor.Config{
		Children:        cfg.Children,
		UserProgramsDir: cfg.UserProgramsDir(),
		Disabled:        cfg.Disabled,
		DBFile:          cfg.Paths.DBFile,
		EappDir:         cfg.Paths.Eapp,
		Env:             base,
		Log:             cfg.Log,
		Poll:            cfg.Supervisor.Poll,
		SweepEvery:      cfg.Supervisor.SweepEvery,
		LaunchBatch:     cfg.Supervisor.LaunchBatch,
	}, func(context.Context) (supervisor.Backend, error) { return db, nil }, launch.NewDispatcher(cfg.Launch))
	go sup.Run(tok.Context())

	sampler := metrics.NewResourceSampler(metrics.DefaultSampleEvery)
	if err := sampler.Register(prometheus.DefaultRegisterer); err != nil {
		slog.Warn("resource metrics registration failed", "error", err)
	}
	go sampler.Run(tok.Context(), childTargets(sup))

	srv := startStatusServer(cfg, sup, db, lic, runID, sampler)

	if !cfg.GUI.NoDetach {
		detachConsole()
	}
	waitGUI(cfg, tok, childEnvs)

	tok.Trigger("kernel exiting")
	slog.Info("shutting down", "reason", tok.Reason())
	if err := store.AppendEventRetry(ctx, db, store.EventShuttingDown); err != nil {
		slog.Error("could not broadcast shutdown", "error", err)
	}
	<-sup.Done()
	wg.Wait()
	slog.Info("giving children time to exit", "grace", cfg.Supervisor.ExitGrace)
	time.Sleep(cfg.Supervisor.ExitGrace)
	if srv != nil {
		_ = srv.Close()
	}
	close(finished)
	return nil
}

func checkLicense(cfg *config.Config, tok *shutdown.Token, finished <-chan struct{}) license.Result {
	v := newVerifier(cfg)
	res := v.CheckSource(cfg.License.Source())
	metrics.SetLicenseValid(res.Valid)
	if res.Valid {
		slog.Info("license valid", "owner", res.Owner, "features", res.Features, "expires", res.Expires)
	} else {
		slog.Warn("no valid license", "reason", res.Err, "issuer_keys", v.TrustedKeys())
	}
	if license.ShouldArm(res.Valid, buildTime(), time.Now(), cfg.License.Grace) {
		wd := &license.Watchdog{Token: tok, Finished: finished, Delay: cfg.License.Delay, Exit: os.Exit}
		go wd.Run(context.Background())
	}
	return res
}

// openStore creates the store file and its schema. Any failure is fatal.
func openStore(ctx context.Context, path string) (*sqlite.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sqlite.Open(ctx, sqlite.Options{Path: path})
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// childEnv is the base environment of every child: ours, the configured
// globals, the store location, and bundled bin dirs in front of PATH.
func childEnv(cfg *config.Config) (*env.Env, error) {
	e := env.New()
	e.FromOS()
	global, err := cfg.GlobalEnv()
	if err != nil {
		return nil, err
	}
	for _, kv := range global {
		k, v, _ := strings.Cut(kv, "=")
		e.Set(k, v)
	}
	e.Set(config.EnvDBFile, cfg.Paths.DBFile)
	e.Set(config.EnvEappDir, cfg.Paths.Eapp)
	e.Set(config.EnvDataDir, cfg.Paths.Data)
	var bins []string
	if cfg.Paths.Install != "" {
		bins = append(bins, env.BinDirs(cfg.Paths.Install, binDirDepth)...)
	}
	bins = append(bins, env.BinDirs(cfg.Paths.Eapp, binDirDepth)...)
	e.PrependPath(bins...)
	return e, nil
}

func hardwareSet(cfg *config.Config, envs []string) privilege.Hardware {
	return privilege.Hardware{Readers: cfg.Hardware, Disabled: cfg.Disabled, Env: envs, Log: cfg.Log}
}

// startHardware runs the readers here when elevation is skipped, otherwise
// re-executes the kernel elevated.
func startHardware(g GlobalFlags, cfg *config.Config, tok *shutdown.Token, db *sqlite.DB, envs []string, wg *sync.WaitGroup) {
	if len(cfg.Hardware) == 0 {
		slog.Info("no hardware readers configured")
		return
	}
	wg.Add(1)
	if cfg.Privilege.NoAdmin {
		slog.Info("elevation skipped, running hardware readers unprivileged", "env", config.EnvNoAdmin)
		go func() {
			defer wg.Done()
			if err := hardwareSet(cfg, envs).Run(tok, db); err != nil {
				slog.Error("hardware readers", "error", err)
			}
		}()
		return
	}
	var args []string
	if g.ConfigPath != "" {
		abs, err := filepath.Abs(g.ConfigPath)
		if err == nil {
			args = append(args, "--config", abs)
		}
	}
	req := privilege.Request{Args: append(args, privilegedCmd), EappDir: cfg.Paths.Eapp, DBFile: cfg.Paths.DBFile}
	go func() {
		defer wg.Done()
		if err := privilege.Elevate(tok.Context(), req); err != nil {
			slog.Error("privilege elevation failed, hardware readers not running", "error", err)
		}
	}()
}

// childTargets lists the running children for the resource sampler.
func childTargets(sup *supervisor.Supervisor) func(context.Context) ([]metrics.Target, error) {
	return func(ctx context.Context) ([]metrics.Target, error) {
		sts, err := sup.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]metrics.Target, 0, len(sts))
		for _, st := range sts {
			if st.Running {
				out = append(out, metrics.Target{Name: st.Name, PID: st.PID})
			}
		}
		return out, nil
	}
}

func startStatusServer(cfg *config.Config, sup *supervisor.Supervisor, db *sqlite.DB, lic license.Result, runID string, res server.ResourceLister) *http.Server {
	if cfg.Status.Addr == "" {
		return nil
	}
	srv, err := server.NewServer(cfg.Status.Addr, server.NewRouter(sup, db, lic, runID, "").WithResources(res))
	if err != nil {
		slog.Error("status server not started", "error", err)
		return nil
	}
	slog.Info("status server listening", "addr", srv.Addr)
	return srv
}

// waitGUI runs the GUI child until it exits or the kernel shuts down. With
// no GUI configured, or in headless mode, it just waits for shutdown.
func waitGUI(cfg *config.Config, tok *shutdown.Token, envs []string) {
	spec := cfg.GUI.Spec
	if cfg.GUI.Headless || (spec.Path == "" && spec.Command == "") {
		slog.Info("running headless")
		<-tok.Done()
		return
	}
	if spec.Name == "" {
		spec.Name = "gui"
	}
	spec.Log = cfg.Log
	p, err := process.Start(spec, envs)
	if err != nil {
		slog.Error("gui failed to start, running headless", "error", err)
		<-tok.Done()
		return
	}
	select {
	case <-p.Done():
		done, exitErr := p.Exited()
		slog.Info("gui exited", "done", done, "error", exitErr)
		tok.Trigger("gui exited")
	case <-tok.Done():
		if err := p.Kill(); err != nil {
			slog.Warn("kill gui", "error", err)
		}
		p.Wait(guiKillWait)
	}
	_ = p.Close()
}

// notifySignals triggers tok on SIGINT/SIGTERM. The returned func stops it.
func notifySignals(tok *shutdown.Token) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	stop := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			tok.Trigger("signal " + sig.String())
		case <-stop:
		}
	}()
	return func() {
		signal.Stop(ch)
		close(stop)
	}
}
