package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/locorum/locikernel/internal/config"
	"github.com/locorum/locikernel/internal/license"
	"github.com/locorum/locikernel/internal/store"
	"github.com/locorum/locikernel/internal/store/sqlite"
)

// testKernel returns a command wired to a fresh store under a temp dir.
func testKernel(t *testing.T) (*command, *bytes.Buffer, *sqlite.DB, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Paths.Data = dir
	cfg.Paths.Eapp = filepath.Join(dir, "eapp")
	cfg.Paths.DBFile = filepath.Join(dir, "db", "db.db")
	db, err := openStore(context.Background(), cfg.Paths.DBFile)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	out := &bytes.Buffer{}
	c := &command{out: out, load: func(string) (*config.Config, error) { return cfg, nil }}
	return c, out, db, cfg
}

func execute(c *command, args ...string) error {
	root := buildRoot(c)
	root.SetArgs(args)
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	return root.Execute()
}

func TestCommandTree(t *testing.T) {
	root := buildRoot(&command{out: &bytes.Buffer{}})
	want := []string{"run", "privileged", "hwid", "license", "launch", "events", "positions"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("missing subcommand %q: %v", name, err)
		}
	}
	priv, _, _ := root.Find([]string{"privileged"})
	if !priv.Hidden {
		t.Fatalf("privileged should be hidden")
	}
	if priv.Flags().Lookup("ppid") == nil {
		t.Fatalf("privileged needs --ppid")
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Fatalf("root needs --config")
	}
}

func TestLaunchQueuesRequest(t *testing.T) {
	c, out, db, _ := testKernel(t)
	err := execute(c, "launch", "--exe", "apps/viewer", "--cwd", "/tmp", "--env", "MAP_THEME=dark", "--", "--fullscreen", "x")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if !strings.Contains(out.String(), "queued launch request") {
		t.Fatalf("unexpected output: %q", out.String())
	}
	reqs, err := db.DequeueLaunch(context.Background(), 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(reqs) != 1 {
		t.Fatalf("want 1 request, got %d", len(reqs))
	}
	r := reqs[0]
	if r.ExeFile != "apps/viewer" || r.Cwd != "/tmp" || r.ReqID == "" {
		t.Fatalf("unexpected request: %+v", r)
	}
	if r.JSONEnv != `{"MAP_THEME":"dark"}` {
		t.Fatalf("env: %q", r.JSONEnv)
	}
	if r.JSONArgs != `["--fullscreen","x"]` {
		t.Fatalf("args: %q", r.JSONArgs)
	}
}

func TestLaunchRejectsBadEnv(t *testing.T) {
	c, _, _, _ := testKernel(t)
	if err := execute(c, "launch", "--exe", "a", "--env", "NOEQUALS"); err == nil {
		t.Fatalf("expected error for malformed --env")
	}
}

func TestLaunchRequiresExe(t *testing.T) {
	c, _, _, _ := testKernel(t)
	if err := execute(c, "launch"); err == nil {
		t.Fatalf("expected error without --exe")
	}
}

func TestLaunchWithoutStore(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Paths.DBFile = filepath.Join(dir, "missing.db")
	c := &command{out: &bytes.Buffer{}, load: func(string) (*config.Config, error) { return cfg, nil }}
	err := execute(c, "launch", "--exe", "a")
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
}

func TestEventsPrintsRecent(t *testing.T) {
	c, out, db, _ := testKernel(t)
	if err := db.AppendEvent(context.Background(), store.EventAllSpawned); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := execute(c, "events", "--window", "1m"); err != nil {
		t.Fatalf("events: %v", err)
	}
	if !strings.Contains(out.String(), store.EventAllSpawned) {
		t.Fatalf("event missing from output: %q", out.String())
	}
}

func TestPositionsTableAndJSON(t *testing.T) {
	c, out, db, _ := testKernel(t)
	rep := store.PositionReport{ID: "4840D6", Lat: 51.5, Lon: -0.12, SrcTags: "adsb", At: time.Now()}
	if err := db.InsertPosition(context.Background(), rep); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := execute(c, "positions"); err != nil {
		t.Fatalf("positions: %v", err)
	}
	if !strings.Contains(out.String(), "4840D6") || !strings.Contains(out.String(), "51.500000") {
		t.Fatalf("table output: %q", out.String())
	}
	out.Reset()
	if err := execute(c, "positions", "--json"); err != nil {
		t.Fatalf("positions --json: %v", err)
	}
	if !strings.Contains(out.String(), `"ID": "4840D6"`) {
		t.Fatalf("json output: %q", out.String())
	}
}

func TestHWIDPrints(t *testing.T) {
	out := &bytes.Buffer{}
	if err := execute(&command{out: out}, "hwid"); err != nil {
		t.Fatalf("hwid: %v", err)
	}
	if !strings.HasPrefix(out.String(), "HWID=") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestLicenseCheckWithoutIssuers(t *testing.T) {
	c, _, _, cfg := testKernel(t)
	cfg.License.Text = "not a license"
	err := execute(c, "license", "check")
	if err == nil || !strings.Contains(err.Error(), "license invalid") {
		t.Fatalf("expected invalid license, got %v", err)
	}
}

func TestBuildTime(t *testing.T) {
	old := buildEpoch
	t.Cleanup(func() { buildEpoch = old })

	buildEpoch = ""
	if !buildTime().IsZero() {
		t.Fatalf("unset epoch should be zero")
	}
	buildEpoch = "1700000000"
	if got := buildTime(); got.Unix() != 1700000000 {
		t.Fatalf("got %v", got)
	}
	buildEpoch = "garbage"
	if !buildTime().IsZero() {
		t.Fatalf("bad epoch should be zero")
	}
	if !license.ShouldArm(false, time.Time{}, time.Now(), 48*time.Hour) {
		t.Fatalf("zero build time counts as old")
	}
}

func TestExitCodeErrorUnwraps(t *testing.T) {
	base := errors.New("schema")
	var err error = &exitCodeError{code: license.ExitFatal, err: base}
	var ec *exitCodeError
	if !errors.As(err, &ec) || ec.code != license.ExitFatal {
		t.Fatalf("errors.As failed")
	}
	if !errors.Is(err, base) {
		t.Fatalf("errors.Is failed")
	}
}
