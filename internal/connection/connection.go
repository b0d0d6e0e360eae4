// Package connection owns the remote host handles used to probe and launch
// operations. Connections are defined in configuration; sessions to them are
// established lazily and re-established after transport failures.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/detector"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/env"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/operation"
)

var (
	// ErrNotFound means no connection with that id is configured.
	ErrNotFound = errors.New("connection not found")
	// ErrUnavailable means the connection is configured but cannot be used now.
	ErrUnavailable = errors.New("connection unavailable")
)

type Kind string

const (
	KindSSH   Kind = "ssh"
	KindLocal Kind = "local"
)

// Config describes one remote host.
type Config struct {
	ID                    string        `json:"id" mapstructure:"id"`
	Name                  string        `json:"name" mapstructure:"name"`
	Kind                  Kind          `json:"kind" mapstructure:"kind"`
	Host                  string        `json:"host,omitempty" mapstructure:"host"`
	Port                  int           `json:"port,omitempty" mapstructure:"port"`
	User                  string        `json:"user,omitempty" mapstructure:"user"`
	KeyFile               string        `json:"-" mapstructure:"key_file"`
	Password              string        `json:"-" mapstructure:"password"`
	KnownHosts            string        `json:"-" mapstructure:"known_hosts"`
	InsecureIgnoreHostKey bool          `json:"-" mapstructure:"insecure_ignore_host_key"`
	DialTimeout           time.Duration `json:"-" mapstructure:"dial_timeout"`
	// Env is exported to every command launched on this host, as "K=V".
	Env []string `json:"-" mapstructure:"env"`
}

// Validate checks a single connection definition.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("connection id required")
	}
	switch c.Kind {
	case KindLocal:
	case KindSSH, "":
		if strings.TrimSpace(c.Host) == "" {
			return fmt.Errorf("connection %s: host required for ssh", c.ID)
		}
	default:
		return fmt.Errorf("connection %s: unknown kind %q", c.ID, c.Kind)
	}
	if _, err := env.Parse(c.Env); err != nil {
		return fmt.Errorf("connection %s: %w", c.ID, err)
	}
	return nil
}

// Result is the outcome of a command that ran to completion on a host.
type Result struct {
	Stdout   string
	ExitCode int
}

// Session is a usable handle to a host.
type Session interface {
	// Ready establishes the underlying transport if needed.
	Ready(ctx context.Context) error
	Probe(ctx context.Context, pid int) (operation.Outcome, error)
	Exec(ctx context.Context, cmd string) (Result, error)
	Close() error
}

// Options tunes sessions created by a Registry.
type Options struct {
	// ProbeRate caps liveness probes per second per connection; 0 disables.
	ProbeRate  float64
	ProbeBurst int
}

type entry struct {
	cfg  Config
	sess Session
}

// Registry maps connection ids to their sessions.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	opts    Options
}

// NewRegistry builds sessions for every configured connection. No network
// activity happens until a session is first used.
func NewRegistry(cfgs []Config, opts Options) (*Registry, error) {
	r := &Registry{entries: make(map[string]*entry, len(cfgs)), opts: opts}
	for _, c := range cfgs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.entries[c.ID]; dup {
			return nil, fmt.Errorf("duplicate connection id %q", c.ID)
		}
		var s Session
		switch c.Kind {
		case KindLocal:
			s = NewLocalSession(opts)
		default:
			c.Kind = KindSSH
			s = NewSSHSession(c, opts)
		}
		r.entries[c.ID] = &entry{cfg: c, sess: s}
	}
	return r, nil
}

// Attach registers a connection backed by a caller supplied session,
// replacing any existing entry with the same id.
func (r *Registry) Attach(cfg Config, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.entries[cfg.ID]; ok && old.sess != nil && old.sess != s {
		_ = old.sess.Close()
	}
	r.entries[cfg.ID] = &entry{cfg: cfg, sess: s}
}

// Get returns the definition of a connection.
func (r *Registry) Get(id string) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Config{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return e.cfg, nil
}

// IDs returns all connection ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// List returns every connection definition sorted by id.
func (r *Registry) List() []Config {
	ids := r.IDs()
	out := make([]Config, 0, len(ids))
	for _, id := range ids {
		if c, err := r.Get(id); err == nil {
			out = append(out, c)
		}
	}
	return out
}

// Session returns a ready session for id. It fails with ErrNotFound for an
// unknown id and with ErrUnavailable when the transport cannot be established.
func (r *Registry) Session(ctx context.Context, id string) (Session, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if e.sess == nil {
		return nil, fmt.Errorf("%s: no session: %w", id, ErrUnavailable)
	}
	if err := e.sess.Ready(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", id, ErrUnavailable, err)
	}
	return e.sess, nil
}

// Close tears down every session.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, e := range r.entries {
		if e.sess != nil {
			if err := e.sess.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", e.cfg.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// LocalSession runs probes and commands on this machine.
type LocalSession struct {
	prober detector.Prober
}

func NewLocalSession(opts Options) *LocalSession {
	return &LocalSession{prober: detector.NewPaced(detector.LocalProber{}, opts.ProbeRate, opts.ProbeBurst)}
}

func (s *LocalSession) Ready(ctx context.Context) error { return ctx.Err() }

func (s *LocalSession) Probe(ctx context.Context, pid int) (operation.Outcome, error) {
	return s.prober.Probe(ctx, pid)
}

func (s *LocalSession) Exec(ctx context.Context, cmd string) (Result, error) {
	out, code, err := detector.ExecRunner{}.Output(ctx, cmd)
	if err != nil {
		return Result{}, err
	}
	return Result{Stdout: out, ExitCode: code}, nil
}

func (s *LocalSession) Close() error { return nil }
