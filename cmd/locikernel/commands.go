package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/locorum/locikernel/internal/config"
	"github.com/locorum/locikernel/internal/hwid"
	"github.com/locorum/locikernel/internal/license"
	"github.com/locorum/locikernel/internal/store"
	"github.com/locorum/locikernel/internal/store/sqlite"
)

const cliTimeout = 10 * time.Second

// command implements the CLI subcommands.
type command struct {
	out io.Writer
	// load overrides config.Load in tests.
	load func(path string) (*config.Config, error)
}

func (c *command) loadConfig(g GlobalFlags) (*config.Config, error) {
	if c.load != nil {
		return c.load(g.ConfigPath)
	}
	return config.Load(g.ConfigPath)
}

func newVerifier(cfg *config.Config) *license.Verifier {
	return license.NewVerifier(license.LoadIssuerFiles(cfg.License.Issuers), hwid.Default(), time.Now)
}

// openExisting opens the kernel's store without creating it.
func openExisting(ctx context.Context, cfg *config.Config) (*sqlite.DB, error) {
	db, err := sqlite.Open(ctx, sqlite.Options{Path: cfg.Paths.DBFile, NoCreate: true})
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return nil, fmt.Errorf("no coordination store at %s (is the kernel running?): %w", cfg.Paths.DBFile, err)
		}
		return nil, err
	}
	return db, nil
}

func (c *command) HWID() error {
	id, err := hwid.Current()
	if err != nil && !errors.Is(err, hwid.ErrUnsupported) {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "HWID=%s\n", id)
	return nil
}

func (c *command) LicenseCheck(g GlobalFlags) error {
	cfg, err := c.loadConfig(g)
	if err != nil {
		return err
	}
	res := newVerifier(cfg).CheckSource(cfg.License.Source())
	if !res.Valid {
		return fmt.Errorf("license invalid: %w", res.Err)
	}
	_, _ = fmt.Fprintf(c.out, "owner:    %s\n", res.Owner)
	_, _ = fmt.Fprintf(c.out, "features: %s\n", strings.Join(res.Features, ","))
	_, _ = fmt.Fprintf(c.out, "expires:  %s\n", res.Expires.Format(license.ExpireLayout))
	return nil
}

func (c *command) Launch(g GlobalFlags, f LaunchFlags) error {
	envs := map[string]string{}
	for _, kv := range f.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("invalid --env %q: want K=V", kv)
		}
		envs[k] = v
	}
	req := store.LaunchRequest{ReqID: uuid.NewString(), ExeFile: f.Exe, Cwd: f.Cwd}
	if len(envs) > 0 {
		b, err := json.Marshal(envs)
		if err != nil {
			return err
		}
		req.JSONEnv = string(b)
	}
	if len(f.Args) > 0 {
		b, err := json.Marshal(f.Args)
		if err != nil {
			return err
		}
		req.JSONArgs = string(b)
	}

	cfg, err := c.loadConfig(g)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()
	db, err := openExisting(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	saved, err := db.EnqueueLaunch(ctx, req)
	if err != nil {
		return fmt.Errorf("enqueue launch: %w", err)
	}
	_, _ = fmt.Fprintf(c.out, "queued launch request %s (id %d)\n", saved.ReqID, saved.ID)
	return nil
}

func (c *command) Events(g GlobalFlags, f EventsFlags) error {
	cfg, err := c.loadConfig(g)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()
	db, err := openExisting(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	evs, err := db.RecentEvents(ctx, f.Window, f.Limit)
	if err != nil {
		return err
	}
	for _, e := range evs {
		_, _ = fmt.Fprintf(c.out, "%s  %s\n", e.At.Format(time.RFC3339Nano), e.Name)
	}
	return nil
}

func (c *command) Positions(g GlobalFlags, f PositionsFlags) error {
	cfg, err := c.loadConfig(g)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()
	db, err := openExisting(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	reps, err := db.RecentPositions(ctx, f.Limit)
	if err != nil {
		return err
	}
	if f.JSON {
		printJSON(c.out, reps)
		return nil
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tLAT\tLON\tTAGS\tAT")
	for _, r := range reps {
		_, _ = fmt.Fprintf(tw, "%s\t%.6f\t%.6f\t%s\t%s\n", r.ID, r.Lat, r.Lon, r.SrcTags, r.At.Format(time.RFC3339))
	}
	return tw.Flush()
}
