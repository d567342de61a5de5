// Package env composes the environment handed to service processes: the
// supervisor's own environment overlaid with the [vars] table.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env is immutable; the With* methods return modified copies so one Env can
// be shared by every service.
type Env struct {
	vars Var // configured variables (K->V)
	base Var // base environment; nil means the OS environment at Merge time
}

func New() *Env {
	return &Env{vars: make(Var)}
}

// FromVars builds an Env carrying the given variables.
func FromVars(vars map[string]string) *Env {
	e := New()
	for k, v := range vars {
		if k != "" {
			e.vars[k] = v
		}
	}
	return e
}

// WithSet returns a copy of e with K=V added.
func (e *Env) WithSet(k, v string) *Env {
	c := e.clone()
	if k != "" {
		c.vars[k] = v
	}
	return c
}

// WithBase returns a copy of e that uses environ ("K=V" entries) instead of
// the OS environment as its base.
func (e *Env) WithBase(environ []string) *Env {
	c := e.clone()
	c.base = parse(environ)
	return c
}

// Vars returns a copy of the configured variables.
func (e *Env) Vars() Var {
	out := make(Var, len(e.vars))
	for k, v := range e.vars {
		out[k] = v
	}
	return out
}

// Merge composes the final environment list applying order:
// base = OS env (or the explicit base)
// then configured variables
// then perProc (slice of "K=V") overrides.
// ${VAR} references in values are expanded against the composed map (one
// level, no recursion). The result is sorted by key.
func (e *Env) Merge(perProc []string) []string {
	base := e.base
	if base == nil {
		base = parse(os.Environ())
	}
	m := make(Var, len(base)+len(e.vars)+len(perProc))
	for k, v := range base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range parse(perProc) {
		m[k] = v
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

func (e *Env) clone() *Env {
	c := &Env{vars: e.Vars()}
	if e.base != nil {
		c.base = make(Var, len(e.base))
		for k, v := range e.base {
			c.base[k] = v
		}
	}
	return c
}

// parse splits "K=V" entries, skipping malformed entries and empty keys.
func parse(environ []string) Var {
	m := make(Var, len(environ))
	for _, kv := range environ {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

// expand replaces ${VAR} with its value in m; unknown references are kept.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	return b.String()
}
