package main

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/locorum/locikernel/internal/config"
	"github.com/locorum/locikernel/internal/shutdown"
)

func lookupEnv(kvs []string, k string) (string, bool) {
	for _, kv := range kvs {
		if strings.HasPrefix(kv, k+"=") {
			return kv[len(k)+1:], true
		}
	}
	return "", false
}

func TestChildEnvCarriesStoreAndBinDirs(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Paths.Data = dir
	cfg.Paths.Eapp = filepath.Join(dir, "eapp")
	cfg.Paths.DBFile = filepath.Join(dir, "db", "db.db")
	bin := filepath.Join(cfg.Paths.Eapp, "tools", "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg.Env = []string{"LOCI_TEST_GLOBAL=yes"}

	e, err := childEnv(cfg)
	if err != nil {
		t.Fatalf("childEnv: %v", err)
	}
	kvs := e.Merge(nil)
	if v, _ := lookupEnv(kvs, config.EnvDBFile); v != cfg.Paths.DBFile {
		t.Fatalf("%s = %q", config.EnvDBFile, v)
	}
	if v, _ := lookupEnv(kvs, config.EnvEappDir); v != cfg.Paths.Eapp {
		t.Fatalf("%s = %q", config.EnvEappDir, v)
	}
	if v, _ := lookupEnv(kvs, "LOCI_TEST_GLOBAL"); v != "yes" {
		t.Fatalf("global env not applied: %q", v)
	}
	path, _ := lookupEnv(kvs, "PATH")
	if !strings.HasPrefix(path, bin) {
		t.Fatalf("bin dir not prepended: %q", path)
	}
}

func TestOpenStoreCreatesDirAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "db", "db.db")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	db, err := openStore(ctx, path)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer func() { _ = db.Close() }()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("store file missing: %v", err)
	}
	if _, err := db.ListProcesses(ctx); err != nil {
		t.Fatalf("schema missing: %v", err)
	}
}

func TestWaitGUIHeadlessReturnsOnShutdown(t *testing.T) {
	cfg := &config.Config{}
	cfg.GUI.Headless = true
	tok := shutdown.New()
	done := make(chan struct{})
	go func() {
		waitGUI(cfg, tok, os.Environ())
		close(done)
	}()
	tok.Trigger("test")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("waitGUI did not return")
	}
}

func TestGUIExitTriggersShutdown(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a Unix shell")
	}
	cfg := &config.Config{}
	cfg.GUI.Command = "sh -c 'exit 0'"
	tok := shutdown.New()
	waitGUI(cfg, tok, os.Environ())
	if !tok.Triggered() || tok.Reason() != "gui exited" {
		t.Fatalf("token not triggered by gui exit: %q", tok.Reason())
	}
}

func TestWatchParentTriggersWhenParentGone(t *testing.T) {
	tok := shutdown.New()
	done := make(chan struct{})
	go func() {
		// pid far above any pid_max
		watchParent(tok, 1<<30)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("watchParent did not notice the missing parent")
	}
	if tok.Reason() != "parent kernel exited" {
		t.Fatalf("reason %q", tok.Reason())
	}
}
