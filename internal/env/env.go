// Package env composes the environment handed to children: the kernel's own
// environment, kernel-wide variables, then per-child overrides.
package env

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

type Env struct {
	Var  Var      // global variables (K->V)
	env  Var      // cached base from OS environment
	path []string // directories prepended to PATH
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = parse(os.Environ())
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// PrependPath puts dirs in front of PATH for every merged environment.
// Later calls win over earlier ones.
func (e *Env) PrependPath(dirs ...string) {
	e.path = append(append([]string{}, dirs...), e.path...)
}

// Merge composes the final environment list applying order:
// base = OS env (or cached)
// then apply global e.Var overrides
// then apply perProc (slice of "K=V") overrides
// Returns the sorted environment slice in "K=V" form, with ${VAR} expansion
// performed using the composed map (simple expansion, no recursion).
func (e *Env) Merge(perProc []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(perProc))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	if len(e.path) > 0 {
		p := strings.Join(e.path, string(os.PathListSeparator))
		if cur := m["PATH"]; cur != "" {
			p += string(os.PathListSeparator) + cur
		}
		m["PATH"] = p
	}
	for k, v := range parse(perProc) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}

// BinDirs returns every directory named bin (any case) under root, descending
// at most depth levels. Unreadable directories are skipped.
func BinDirs(root string, depth int) []string {
	var out []string
	var walk func(dir string, remaining int)
	walk = func(dir string, remaining int) {
		if remaining < 1 {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, ent := range entries {
			if !ent.IsDir() {
				continue
			}
			p := filepath.Join(dir, ent.Name())
			if strings.EqualFold(ent.Name(), "bin") {
				if abs, err := filepath.Abs(p); err == nil {
					p = abs
				}
				out = append(out, p)
			}
			walk(p, remaining-1)
		}
	}
	walk(root, depth)
	return out
}
