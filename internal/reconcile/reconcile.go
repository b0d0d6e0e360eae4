// Package reconcile keeps locally recorded operation status consistent with
// process liveness on the remote host.
//
// A pass probes every running operation of one connection, with bounded
// concurrency, and moves the ones whose pid is gone to stopped. The only
// transition ever made is running to stopped, performed through a
// conditional store update, so passes racing on the same connection
// converge without double counting. A probe that cannot give a definite
// answer never changes status; it is tallied as an error instead.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/connection"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/events"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/metrics"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/operation"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/store"
)

const (
	DefaultConcurrency  = 4
	DefaultCheckTimeout = 10 * time.Second
)

// Trigger labels what started a pass.
type Trigger string

const (
	TriggerList Trigger = "list"
	TriggerSync Trigger = "sync"
	TriggerLoop Trigger = "loop"
)

type Summary = operation.Summary

// Sessions resolves connection ids. Session must fail with
// connection.ErrNotFound for unknown ids and connection.ErrUnavailable when
// the host cannot be reached.
type Sessions interface {
	Get(id string) (connection.Config, error)
	IDs() []string
	Session(ctx context.Context, id string) (connection.Session, error)
}

type Options struct {
	// Concurrency caps in-flight liveness checks per pass.
	Concurrency int
	// CheckTimeout bounds a single liveness check.
	CheckTimeout time.Duration
	// Retention is how long stopped records are kept by the Run loop; 0 keeps them forever.
	Retention time.Duration
}

type ListOptions struct {
	// SyncStatus probes running operations before returning. nil means true.
	SyncStatus *bool
}

type ListResult struct {
	Operations []operation.Record
	// Synced is true when a reconciliation pass ran before listing.
	Synced bool
	// Degraded is the reason sync was skipped although it was requested.
	Degraded string
	Summary  Summary
}

type Reconciler struct {
	store store.Store
	conns Sessions
	bus   *events.Bus
	opts  Options
	now   func() time.Time
}

func New(st store.Store, conns Sessions, bus *events.Bus, opts Options) *Reconciler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = DefaultCheckTimeout
	}
	return &Reconciler{
		store: st,
		conns: conns,
		bus:   bus,
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// ListOperations returns every operation of a connection, newest first. With
// sync enabled (the default) running operations are probed first and dead
// ones persisted as stopped. When the connection is unavailable the persisted
// rows are returned unchanged with Degraded set.
func (r *Reconciler) ListOperations(ctx context.Context, connID string, opts ListOptions) (ListResult, error) {
	if _, err := r.conns.Get(connID); err != nil {
		return ListResult{}, err
	}
	recs, err := r.store.ListByConnection(ctx, connID)
	if err != nil {
		return ListResult{}, fmt.Errorf("list operations for %s: %w", connID, err)
	}
	if opts.SyncStatus != nil && !*opts.SyncStatus {
		return ListResult{Operations: recs}, nil
	}

	sess, err := r.conns.Session(ctx, connID)
	if err != nil {
		if errors.Is(err, connection.ErrUnavailable) {
			metrics.IncDegraded(connID)
			slog.Warn("Connection unavailable, listing persisted operations", "connection", connID, "error", err)
			return ListResult{Operations: recs, Degraded: err.Error()}, nil
		}
		return ListResult{}, err
	}

	idx := make([]int, 0, len(recs))
	for i := range recs {
		if recs[i].Running() {
			idx = append(idx, i)
		}
	}
	sum := r.pass(ctx, sess, connID, TriggerList, recs, idx)
	return ListResult{Operations: recs, Synced: true, Summary: sum}, nil
}

// SyncOperations probes every running operation of a connection and reports
// how many were checked, moved to stopped, and could not be decided. Only an
// unknown connection or an unreadable store fails the call.
func (r *Reconciler) SyncOperations(ctx context.Context, connID string) (Summary, error) {
	sum, err := r.sync(ctx, connID, TriggerSync)
	if err != nil {
		return Summary{}, err
	}
	r.bus.Publish(events.Event{Type: events.TypeSynced, ConnectionID: connID, Summary: &sum, OccurredAt: r.now()})
	return sum, nil
}

func (r *Reconciler) sync(ctx context.Context, connID string, trigger Trigger) (Summary, error) {
	if _, err := r.conns.Get(connID); err != nil {
		return Summary{}, err
	}
	running, err := r.store.ListRunning(ctx, connID)
	if err != nil {
		return Summary{}, fmt.Errorf("list running operations for %s: %w", connID, err)
	}

	sess, err := r.conns.Session(ctx, connID)
	if err != nil {
		if !errors.Is(err, connection.ErrUnavailable) {
			return Summary{}, err
		}
		// every running operation is indeterminate
		metrics.IncDegraded(connID)
		slog.Warn("Connection unavailable, sync skipped", "connection", connID, "running", len(running), "error", err)
		return Summary{Checked: len(running), Errors: len(running)}, nil
	}

	idx := make([]int, len(running))
	for i := range idx {
		idx[i] = i
	}
	return r.pass(ctx, sess, connID, trigger, running, idx), nil
}

type tally struct {
	checked atomic.Int64
	synced  atomic.Int64
	errors  atomic.Int64
}

// pass probes recs[i] for every i in idx and updates those entries in place.
// Each worker owns a distinct index so no locking is needed on recs.
func (r *Reconciler) pass(ctx context.Context, sess connection.Session, connID string, trigger Trigger, recs []operation.Record, idx []int) Summary {
	start := time.Now()
	metrics.IncPass(connID, string(trigger))

	var t tally
	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for _, i := range idx {
		rec := &recs[i]
		g.Go(func() error {
			r.check(ctx, sess, connID, rec, &t)
			return nil
		})
	}
	_ = g.Wait()

	still := 0
	for _, i := range idx {
		if recs[i].Running() {
			still++
		}
	}
	metrics.SetRunning(connID, still)
	metrics.ObservePassDuration(string(trigger), time.Since(start).Seconds())

	sum := Summary{
		Checked: int(t.checked.Load()),
		Synced:  int(t.synced.Load()),
		Errors:  int(t.errors.Load()),
	}
	slog.Debug("Reconciliation pass finished", "connection", connID, "trigger", trigger,
		"checked", sum.Checked, "synced", sum.Synced, "errors", sum.Errors, "duration", time.Since(start))
	return sum
}

func (r *Reconciler) check(ctx context.Context, sess connection.Session, connID string, rec *operation.Record, t *tally) {
	t.checked.Add(1)

	cctx, cancel := context.WithTimeout(ctx, r.opts.CheckTimeout)
	out, err := sess.Probe(cctx, rec.PID)
	cancel()
	metrics.IncCheck(connID, out.String())

	switch out {
	case operation.Alive:
		return
	case operation.Dead:
	default:
		t.errors.Add(1)
		slog.Debug("Liveness check indeterminate", "connection", connID, "operation", rec.ID, "pid", rec.PID, "error", err)
		return
	}

	at := r.now()
	done, err := r.store.MarkStopped(ctx, rec.ID, at)
	if err != nil {
		t.errors.Add(1)
		metrics.IncPersistFailure(connID)
		slog.Warn("Failed to persist stopped status", "connection", connID, "operation", rec.ID, "pid", rec.PID, "error", err)
		return
	}
	if !done {
		// another pass got there first
		if cur, err := r.store.Get(ctx, rec.ID); err == nil {
			*rec = cur
		} else {
			rec.Status = operation.StatusStopped
		}
		return
	}

	t.synced.Add(1)
	rec.Status = operation.StatusStopped
	rec.UpdatedAt = at
	metrics.IncTransition(connID)
	slog.Info("Operation stopped", "connection", connID, "operation", rec.ID, "name", rec.Name, "pid", rec.PID)
	stopped := *rec
	r.bus.Publish(events.Event{Type: events.TypeStopped, ConnectionID: connID, Operation: &stopped, OccurredAt: at})
}

// Purge deletes stopped operations last updated more than olderThan ago.
// Running operations are never removed.
func (r *Reconciler) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	n, err := r.store.PurgeStoppedBefore(ctx, r.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge stopped operations: %w", err)
	}
	if n > 0 {
		slog.Info("Purged stopped operations", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// Run sweeps every connection each interval, purging stopped records past the
// retention window after each sweep, until ctx is done. A zero interval
// returns at once.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reconciler) sweep(ctx context.Context) {
	for _, id := range r.conns.IDs() {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.sync(ctx, id, TriggerLoop); err != nil {
			slog.Warn("Background sync failed", "connection", id, "error", err)
		}
	}
	if _, err := r.Purge(ctx, r.opts.Retention); err != nil {
		slog.Warn("Retention purge failed", "error", err)
	}
}
