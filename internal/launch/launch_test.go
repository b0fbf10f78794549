package launch

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locorum/locikernel/internal/store"
)

func writeExe(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	return p
}

func newTestDispatcher(t *testing.T) (*Dispatcher, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "apps", "bin"), 0o755))
	writeExe(t, filepath.Join(root, "apps", "bin"), "viewer")
	d := NewDispatcher(Policy{
		Executables: []string{filepath.Join(root, "apps", "**")},
		BaseDir:     root,
	})
	return d, root
}

func TestSpecAcceptsAllowedExecutable(t *testing.T) {
	d, root := newTestDispatcher(t)
	exe := filepath.Join(root, "apps", "bin", "viewer")
	spec, err := d.Spec(store.LaunchRequest{
		ExeFile:  exe,
		JSONEnv:  `{"MAP_THEME":"dark","LEVEL":"2"}`,
		JSONArgs: `["--fullscreen","--zoom","4"]`,
	})
	require.NoError(t, err)
	assert.Equal(t, "viewer", spec.Name)
	assert.Equal(t, exe, spec.Path)
	assert.Equal(t, filepath.Dir(exe), spec.WorkDir)
	assert.Equal(t, []string{"--fullscreen", "--zoom", "4"}, spec.Args)
	env := append([]string(nil), spec.Env...)
	sort.Strings(env)
	assert.Equal(t, []string{"LEVEL=2", "MAP_THEME=dark"}, env)
}

func TestSpecResolvesRelativeAgainstBaseDir(t *testing.T) {
	d, root := newTestDispatcher(t)
	spec, err := d.Spec(store.LaunchRequest{ExeFile: "apps/bin/viewer"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "apps", "bin", "viewer"), spec.Path)
}

func TestSpecRejectsOutsideAllowList(t *testing.T) {
	d, root := newTestDispatcher(t)
	other := writeExe(t, root, "stray")
	_, err := d.Spec(store.LaunchRequest{ExeFile: other})
	assert.True(t, errors.Is(err, ErrNotAllowed), "got %v", err)

	_, err = d.Spec(store.LaunchRequest{ExeFile: "apps/../stray"})
	assert.True(t, errors.Is(err, ErrNotAllowed), "traversal should be rejected, got %v", err)
}

func TestEmptyAllowListRejectsEverything(t *testing.T) {
	root := t.TempDir()
	exe := writeExe(t, root, "tool")
	_, err := NewDispatcher(Policy{}).Spec(store.LaunchRequest{ExeFile: exe})
	assert.True(t, errors.Is(err, ErrNotAllowed))
}

func TestSpecRejectsDirectoryAndMissing(t *testing.T) {
	d, root := newTestDispatcher(t)
	_, err := d.Spec(store.LaunchRequest{ExeFile: filepath.Join(root, "apps", "bin")})
	assert.Error(t, err)
	_, err = d.Spec(store.LaunchRequest{ExeFile: filepath.Join(root, "apps", "bin", "missing")})
	assert.Error(t, err)
	_, err = d.Spec(store.LaunchRequest{ExeFile: "  "})
	assert.True(t, errors.Is(err, ErrNotAllowed))
}

func TestSpecWorkDirPolicy(t *testing.T) {
	d, root := newTestDispatcher(t)
	exe := filepath.Join(root, "apps", "bin", "viewer")
	d.policy.WorkDirs = []string{filepath.Join(root, "apps")}

	_, err := d.Spec(store.LaunchRequest{ExeFile: exe, Cwd: root})
	assert.True(t, errors.Is(err, ErrNotAllowed))

	spec, err := d.Spec(store.LaunchRequest{ExeFile: exe, Cwd: filepath.Join(root, "apps")})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "apps"), spec.WorkDir)

	_, err = d.Spec(store.LaunchRequest{ExeFile: exe, Cwd: "relative/dir"})
	assert.True(t, errors.Is(err, ErrNotAllowed))
}

func TestSpecRejectsBadEnvironment(t *testing.T) {
	d, root := newTestDispatcher(t)
	exe := filepath.Join(root, "apps", "bin", "viewer")
	for _, raw := range []string{
		`{"LD_PRELOAD":"/tmp/evil.so"}`,
		`{"DYLD_INSERT_LIBRARIES":"x"}`,
		`{"BAD-KEY":"x"}`,
		`{"N":1}`,
		`["A=B"]`,
		`not json`,
	} {
		_, err := d.Spec(store.LaunchRequest{ExeFile: exe, JSONEnv: raw})
		assert.True(t, errors.Is(err, ErrNotAllowed), "env %s: got %v", raw, err)
	}
}

func TestSpecRejectsBadArguments(t *testing.T) {
	d, root := newTestDispatcher(t)
	exe := filepath.Join(root, "apps", "bin", "viewer")
	_, err := d.Spec(store.LaunchRequest{ExeFile: exe, JSONArgs: `{"a":"b"}`})
	assert.True(t, errors.Is(err, ErrNotAllowed))

	many := `["` + strings.Repeat(`x","`, DefaultMaxArgs) + `x"]`
	_, err = d.Spec(store.LaunchRequest{ExeFile: exe, JSONArgs: many})
	assert.True(t, errors.Is(err, ErrNotAllowed))
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, Policy{Executables: []string{"/opt/loci/**"}}.Validate())
	assert.Error(t, Policy{Executables: []string{"/opt/[loci"}}.Validate())
}
