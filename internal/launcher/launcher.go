// Package launcher starts detached commands on a connection's host and
// signals them. It is the only writer of new running records.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/connection"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/env"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/events"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/metrics"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/operation"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/store"
)

var (
	ErrInvalidSignal   = errors.New("invalid signal")
	ErrNotRunning      = errors.New("operation not running")
	ErrCommandRequired = errors.New("command required")
)

var signals = map[string]bool{
	"TERM": true, "KILL": true, "INT": true, "HUP": true,
	"QUIT": true, "USR1": true, "USR2": true,
}

// ParseSignal normalises names like "sigterm" or "TERM". Empty means TERM.
func ParseSignal(s string) (string, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "SIG")
	if s == "" {
		return "TERM", nil
	}
	if !signals[s] {
		return "", fmt.Errorf("%w: %q", ErrInvalidSignal, s)
	}
	return s, nil
}

// Sessions resolves connection ids to ready sessions.
type Sessions interface {
	Get(id string) (connection.Config, error)
	Session(ctx context.Context, id string) (connection.Session, error)
}

type Options struct {
	// KillGrace is how long Kill waits for the pid to disappear.
	KillGrace time.Duration
	// PollInterval spaces liveness probes during KillGrace.
	PollInterval time.Duration
}

type Launcher struct {
	store store.Store
	conns Sessions
	bus   *events.Bus
	opts  Options
	now   func() time.Time
}

func New(st store.Store, conns Sessions, bus *events.Bus, opts Options) *Launcher {
	if opts.KillGrace <= 0 {
		opts.KillGrace = 3 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	return &Launcher{store: st, conns: conns, bus: bus, opts: opts, now: func() time.Time { return time.Now().UTC() }}
}

// LaunchCommand wraps command so it survives the session and prints its pid.
// vars are "K=V" pairs set through env(1).
func LaunchCommand(vars []string, command string) string {
	prefix := "nohup "
	if len(vars) > 0 {
		prefix += "env " + env.Assignments(vars) + " "
	}
	return prefix + "sh -c " + env.Quote(command) + " >/dev/null 2>&1 & echo $!"
}

// Launch starts command detached on the connection's host and records it as running.
func (l *Launcher) Launch(ctx context.Context, connID, name, command string) (operation.Record, error) {
	if strings.TrimSpace(command) == "" {
		return operation.Record{}, ErrCommandRequired
	}
	if strings.TrimSpace(name) == "" {
		name = firstWord(command)
	}
	cfg, err := l.conns.Get(connID)
	if err != nil {
		return operation.Record{}, err
	}
	vars, err := env.Parse(cfg.Env)
	if err != nil {
		return operation.Record{}, fmt.Errorf("launch on %s: %w", connID, err)
	}
	sess, err := l.conns.Session(ctx, connID)
	if err != nil {
		return operation.Record{}, err
	}
	res, err := sess.Exec(ctx, LaunchCommand(vars.Merge(nil), command))
	if err != nil {
		return operation.Record{}, fmt.Errorf("launch on %s: %w", connID, err)
	}
	if res.ExitCode != 0 {
		return operation.Record{}, fmt.Errorf("launch on %s: exit status %d", connID, res.ExitCode)
	}
	pid, err := parsePID(res.Stdout)
	if err != nil {
		return operation.Record{}, fmt.Errorf("launch on %s: %w", connID, err)
	}

	now := l.now()
	rec := operation.Record{
		ID:           uuid.NewString(),
		ConnectionID: connID,
		PID:          pid,
		Name:         name,
		Command:      command,
		Status:       operation.StatusRunning,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if err := l.store.Insert(ctx, rec); err != nil {
		// the process is running but untracked; say so loudly
		slog.Error("Launched process could not be recorded", "connection", connID, "pid", pid, "name", name, "error", err)
		return operation.Record{}, fmt.Errorf("record launched pid %d: %w", pid, err)
	}
	metrics.IncLaunch(connID)
	slog.Info("Operation launched", "connection", connID, "operation", rec.ID, "name", name, "pid", pid)
	launched := rec
	l.bus.Publish(events.Event{Type: events.TypeLaunched, ConnectionID: connID, Operation: &launched, OccurredAt: now})
	return rec, nil
}

// Kill signals a running operation and waits up to KillGrace for its pid to
// disappear. The record is moved to stopped only once the pid is confirmed
// gone; otherwise it is returned still running and a later pass settles it.
func (l *Launcher) Kill(ctx context.Context, connID, opID, signal string) (operation.Record, error) {
	sig, err := ParseSignal(signal)
	if err != nil {
		return operation.Record{}, err
	}
	if _, err := l.conns.Get(connID); err != nil {
		return operation.Record{}, err
	}
	rec, err := l.store.Get(ctx, opID)
	if err != nil {
		return operation.Record{}, err
	}
	if rec.ConnectionID != connID {
		return operation.Record{}, fmt.Errorf("%s on %s: %w", opID, connID, store.ErrNotFound)
	}
	if !rec.Running() {
		return rec, fmt.Errorf("%s: %w", opID, ErrNotRunning)
	}

	sess, err := l.conns.Session(ctx, connID)
	if err != nil {
		return rec, err
	}
	res, err := sess.Exec(ctx, fmt.Sprintf("kill -%s %d", sig, rec.PID))
	if err != nil {
		return rec, fmt.Errorf("kill %d on %s: %w", rec.PID, connID, err)
	}
	if res.ExitCode == 0 {
		metrics.IncKill(connID, sig)
	}

	// a non-zero kill usually means the pid is already gone; the probe decides
	dead, err := l.waitDead(ctx, sess, rec.PID)
	if err != nil {
		return rec, err
	}
	if !dead {
		if res.ExitCode != 0 {
			return rec, fmt.Errorf("kill %d on %s: exit status %d", rec.PID, connID, res.ExitCode)
		}
		slog.Info("Signal sent, operation still running", "connection", connID, "operation", opID, "signal", sig)
		return rec, nil
	}

	at := l.now()
	done, err := l.store.MarkStopped(ctx, opID, at)
	if err != nil {
		return rec, fmt.Errorf("persist stopped %s: %w", opID, err)
	}
	if !done {
		return l.store.Get(ctx, opID)
	}
	rec.Status = operation.StatusStopped
	rec.UpdatedAt = at
	metrics.IncTransition(connID)
	slog.Info("Operation stopped", "connection", connID, "operation", opID, "signal", sig, "pid", rec.PID)
	stopped := rec
	l.bus.Publish(events.Event{Type: events.TypeStopped, ConnectionID: connID, Operation: &stopped, OccurredAt: at})
	return rec, nil
}

func (l *Launcher) waitDead(ctx context.Context, p connection.Session, pid int) (bool, error) {
	deadline := time.Now().Add(l.opts.KillGrace)
	for {
		out, _ := p.Probe(ctx, pid)
		if out == operation.Dead {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(l.opts.PollInterval):
		}
	}
}

func parsePID(out string) (int, error) {
	lines := strings.Fields(out)
	if len(lines) == 0 {
		return 0, errors.New("no pid in launch output")
	}
	pid, err := strconv.Atoi(lines[len(lines)-1])
	if err != nil || !operation.ValidPID(pid) {
		return 0, fmt.Errorf("bad pid in launch output %q", strings.TrimSpace(out))
	}
	return pid, nil
}

func firstWord(cmd string) string {
	f := strings.Fields(cmd)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}
