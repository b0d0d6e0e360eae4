// Package env composes the environment a launched command starts with.
package env

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

type Var map[string]string

var nameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Env holds connection-wide variables such as CUDA_VISIBLE_DEVICES. Values
// may reference other variables as ${NAME}; references to names not in the
// composed set stay literal.
type Env struct {
	Var Var
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// Parse builds an Env from "K=V" entries and rejects names a shell could
// not export.
func Parse(pairs []string) (*Env, error) {
	e := New()
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("env %q: missing '='", kv)
		}
		if !ValidName(k) {
			return nil, fmt.Errorf("env %q: invalid name", k)
		}
		e.Var[k] = v
	}
	return e, nil
}

// ValidName reports whether k is a portable shell variable name.
func ValidName(k string) bool { return nameRE.MatchString(k) }

// WithSet returns a copy of e with K=V applied.
func (e *Env) WithSet(k, v string) *Env {
	n := New()
	for kk, vv := range e.Var {
		n.Var[kk] = vv
	}
	n.Var[k] = v
	return n
}

// Merge applies perLaunch "K=V" overrides on top of e, expands ${VAR}
// references once and returns the pairs sorted by name. Entries with an
// invalid name are dropped.
func (e *Env) Merge(perLaunch []string) []string {
	m := make(Var, len(e.Var)+len(perLaunch))
	for k, v := range e.Var {
		if ValidName(k) {
			m[k] = v
		}
	}
	for _, kv := range perLaunch {
		if k, v, ok := strings.Cut(kv, "="); ok && ValidName(k) {
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
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}

// Quote wraps s in single quotes for POSIX sh.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Assignments renders merged pairs as NAME='value' words for env(1).
func Assignments(pairs []string) string {
	words := make([]string, 0, len(pairs))
	for _, kv := range pairs {
		k, v, _ := strings.Cut(kv, "=")
		words = append(words, k+"="+Quote(v))
	}
	return strings.Join(words, " ")
}
