// Package env composes the environment of initdb and the server process.
package env

import (
	"os"
	"runtime"
	"sort"
	"strings"
)

// localeVars are pinned so initdb picks a UTF-8 locale regardless of the
// caller's shell.
var localeVars = []string{"LC_ALL", "LC_CTYPE", "LANG"}

// DefaultLocale is C.UTF-8, or en_US.UTF-8 on macOS which lacks C.UTF-8.
func DefaultLocale() string {
	if runtime.GOOS == "darwin" {
		return "en_US.UTF-8"
	}
	return "C.UTF-8"
}

type Var map[string]string

// Env layers overrides on top of the current process environment.
type Env struct {
	Var  Var // overrides (K->V)
	base Var // cached OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// ForServer returns the environment for PostgreSQL binaries: the OS
// environment, the locale variables set to locale (DefaultLocale when
// empty) and then extra "K=V" entries.
func ForServer(locale string, extra []string) []string {
	if locale == "" {
		locale = DefaultLocale()
	}
	e := New()
	for _, k := range localeVars {
		e.Set(k, locale)
	}
	return e.Merge(extra)
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			base[k] = v
		}
	}
	e.base = base
}

// Set sets an override.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Merge applies the overrides, then extra "K=V" entries, on top of the OS
// environment and expands ${VAR} references once. Entries are sorted by key.
func (e *Env) Merge(extra []string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var)+len(extra))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for _, kv := range extra {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}
