// Package launch validates spawn requests read from the launch_req table.
//
// Any local process able to write the store file can enqueue a request, so
// nothing is trusted: the executable and working directory must match the
// operator's allow-list, the environment may not set loader variables, and
// arguments are bounded.
package launch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/locorum/locikernel/internal/process"
	"github.com/locorum/locikernel/internal/store"
)

const DefaultMaxArgs = 64

var ErrNotAllowed = errors.New("launch request not allowed")

// DefaultDenyEnv blocks dynamic loader injection.
var DefaultDenyEnv = []string{"LD_*", "DYLD_*"}

var envKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Policy is the operator allow-list. Patterns are doublestar globs matched
// against slash-separated absolute paths.
type Policy struct {
	Executables []string `mapstructure:"executables"`
	WorkDirs    []string `mapstructure:"work_dirs"`
	DenyEnv     []string `mapstructure:"deny_env"`
	MaxArgs     int      `mapstructure:"max_args"`
	// BaseDir resolves relative executables, normally the install dir.
	BaseDir string `mapstructure:"-"`
}

// Validate checks that every pattern in the policy compiles.
func (p Policy) Validate() error {
	for _, set := range [][]string{p.Executables, p.WorkDirs, p.DenyEnv} {
		for _, pat := range set {
			if !doublestar.ValidatePattern(filepath.ToSlash(pat)) {
				return fmt.Errorf("invalid glob %q", pat)
			}
		}
	}
	return nil
}

// Dispatcher turns queued requests into process specs.
type Dispatcher struct {
	policy Policy
}

func NewDispatcher(p Policy) *Dispatcher {
	if len(p.DenyEnv) == 0 {
		p.DenyEnv = DefaultDenyEnv
	}
	if p.MaxArgs <= 0 {
		p.MaxArgs = DefaultMaxArgs
	}
	return &Dispatcher{policy: p}
}

// Spec validates req and returns the spec to start. The returned Env holds
// only the request's own variables; callers merge it with the base env.
func (d *Dispatcher) Spec(req store.LaunchRequest) (process.Spec, error) {
	exe, err := d.executable(req.ExeFile)
	if err != nil {
		return process.Spec{}, err
	}
	cwd, err := d.workDir(req.Cwd, exe)
	if err != nil {
		return process.Spec{}, err
	}
	envs, err := d.environment(req.JSONEnv)
	if err != nil {
		return process.Spec{}, err
	}
	args, err := d.arguments(req.JSONArgs)
	if err != nil {
		return process.Spec{}, err
	}
	return process.Spec{Name: filepath.Base(exe), Path: exe, Args: args, WorkDir: cwd, Env: envs}, nil
}

func (d *Dispatcher) executable(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty executable", ErrNotAllowed)
	}
	exe := filepath.Clean(raw)
	if !filepath.IsAbs(exe) {
		if d.policy.BaseDir == "" {
			return "", fmt.Errorf("%w: relative executable %q", ErrNotAllowed, raw)
		}
		exe = filepath.Join(d.policy.BaseDir, exe)
	}
	if !matchAny(d.policy.Executables, exe) {
		return "", fmt.Errorf("%w: executable %q not in allow-list", ErrNotAllowed, exe)
	}
	fi, err := os.Stat(exe)
	if err != nil {
		return "", fmt.Errorf("executable %q: %w", exe, err)
	}
	if !fi.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %q is not a regular file", ErrNotAllowed, exe)
	}
	return exe, nil
}

func (d *Dispatcher) workDir(raw, exe string) (string, error) {
	cwd := strings.TrimSpace(raw)
	if cwd == "" {
		cwd = filepath.Dir(exe)
	}
	cwd = filepath.Clean(cwd)
	if !filepath.IsAbs(cwd) {
		return "", fmt.Errorf("%w: relative working directory %q", ErrNotAllowed, raw)
	}
	if len(d.policy.WorkDirs) > 0 && !matchAny(d.policy.WorkDirs, cwd) {
		return "", fmt.Errorf("%w: working directory %q not in allow-list", ErrNotAllowed, cwd)
	}
	fi, err := os.Stat(cwd)
	if err != nil || !fi.IsDir() {
		return "", fmt.Errorf("%w: working directory %q unusable", ErrNotAllowed, cwd)
	}
	return cwd, nil
}

func (d *Dispatcher) environment(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("%w: json_env must be an object of strings: %v", ErrNotAllowed, err)
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		if !envKey.MatchString(k) {
			return nil, fmt.Errorf("%w: invalid env key %q", ErrNotAllowed, k)
		}
		for _, pat := range d.policy.DenyEnv {
			if ok, _ := doublestar.Match(pat, k); ok {
				return nil, fmt.Errorf("%w: env key %q is denied", ErrNotAllowed, k)
			}
		}
		out = append(out, k+"="+v)
	}
	return out, nil
}

func (d *Dispatcher) arguments(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var args []string
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("%w: json_args must be an array of strings: %v", ErrNotAllowed, err)
	}
	if len(args) > d.policy.MaxArgs {
		return nil, fmt.Errorf("%w: %d arguments exceeds %d", ErrNotAllowed, len(args), d.policy.MaxArgs)
	}
	return args, nil
}

func matchAny(patterns []string, path string) bool {
	p := filepath.ToSlash(path)
	for _, pat := range patterns {
		if ok, _ := doublestar.Match(filepath.ToSlash(pat), p); ok {
			return true
		}
	}
	return false
}
