package env

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func lookup(kvs []string, k string) (string, bool) {
	for _, kv := range kvs {
		if strings.HasPrefix(kv, k+"=") {
			return kv[len(k)+1:], true
		}
	}
	return "", false
}

func TestMergeOrderAndExpansion(t *testing.T) {
	e := New()
	e.env = Var{"HOME": "/home/loci", "LOCI_DATA_DIR": "/base"}
	e.Set("LOCI_DATA_DIR", "/data")
	e.Set("LOCI_DB_FILE", "${LOCI_DATA_DIR}/loci.db")
	out := e.Merge([]string{"LOCI_DATA_DIR=/child", "=bad", "MODE=headless"})

	if v, _ := lookup(out, "LOCI_DATA_DIR"); v != "/child" {
		t.Fatalf("per-child override lost: %q", v)
	}
	if v, _ := lookup(out, "LOCI_DB_FILE"); v != "/child/loci.db" {
		t.Fatalf("expansion: %q", v)
	}
	if v, _ := lookup(out, "HOME"); v != "/home/loci" {
		t.Fatalf("base missing: %q", v)
	}
	for _, kv := range out {
		if strings.HasPrefix(kv, "=") {
			t.Fatalf("empty key leaked: %q", kv)
		}
	}
}

func TestPrependPath(t *testing.T) {
	e := New()
	e.env = Var{"PATH": "/usr/bin"}
	e.PrependPath("/opt/a/bin")
	e.PrependPath("/opt/b/bin")
	v, _ := lookup(e.Merge(nil), "PATH")
	sep := string(os.PathListSeparator)
	want := "/opt/b/bin" + sep + "/opt/a/bin" + sep + "/usr/bin"
	if v != want {
		t.Fatalf("PATH = %q, want %q", v, want)
	}
}

func TestBinDirs(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"bin", "a/Bin", "a/b/c/bin", "a/b/c/d/bin", "lib"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	got := BinDirs(root, 4)
	if len(got) != 3 {
		t.Fatalf("expected 3 bin dirs within depth 4, got %v", got)
	}
	for _, p := range got {
		if !filepath.IsAbs(p) {
			t.Fatalf("expected absolute path, got %q", p)
		}
		if strings.Contains(p, filepath.Join("d", "bin")) {
			t.Fatalf("depth limit ignored: %q", p)
		}
	}
}
