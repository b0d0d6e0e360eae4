package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	commandcenter "github.com/husky2466-codo/ai-command-center-sub001"
	"github.com/husky2466-codo/ai-command-center-sub001/pkg/client"
)

type command struct {
	out    io.Writer
	global *GlobalFlags
}

func (c command) client() (*client.Client, error) {
	cfg := client.Config{
		BaseURL:  c.global.APIUrl,
		Timeout:  c.global.APITimeout,
		Insecure: c.global.Insecure,
	}
	if c.global.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: c.global.CACert}
	}
	return client.New(cfg)
}

// explain adds a hint when the server could not be reached at all.
func (c command) explain(err error) error {
	var ae *client.APIError
	if err == nil || errors.As(err, &ae) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("server not reachable at %s - start it with 'dgxctl serve': %w", c.global.APIUrl, err)
}

func (c command) json() bool { return c.global.Output == "json" }

func (c command) Connections(ctx context.Context) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	conns, err := cl.Connections(ctx)
	if err != nil {
		return c.explain(err)
	}
	if c.json() {
		return printJSON(c.out, conns)
	}
	tw := newTable(c.out, "ID", "NAME", "KIND", "HOST", "USER")
	for _, cn := range conns {
		host := cn.Host
		if cn.Port != 0 {
			host = fmt.Sprintf("%s:%d", cn.Host, cn.Port)
		}
		row(tw, cn.ID, cn.Name, cn.Kind, host, cn.User)
	}
	return tw.Flush()
}

func (c command) List(ctx context.Context, connID string, f ListFlags) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	var sync *bool
	if f.SyncSet {
		sync = &f.Sync
	}
	res, err := cl.ListOperations(ctx, connID, sync)
	if err != nil {
		return c.explain(err)
	}
	if c.json() {
		return printJSON(c.out, res)
	}
	if res.Degraded != "" {
		_, _ = fmt.Fprintf(c.out, "warning: status not refreshed: %s\n", res.Degraded)
	} else if res.Synced {
		_, _ = fmt.Fprintf(c.out, "checked %d, synced %d, errors %d\n", res.Summary.Checked, res.Summary.Synced, res.Summary.Errors)
	}
	tw := newTable(c.out, "ID", "NAME", "PID", "STATUS", "STARTED", "UPDATED")
	for _, op := range res.Operations {
		row(tw, op.ID, op.Name, fmt.Sprint(op.PID), op.Status, stamp(op.StartedAt), stamp(op.UpdatedAt))
	}
	return tw.Flush()
}

func (c command) Sync(ctx context.Context, connID string) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	sum, err := cl.SyncOperations(ctx, connID)
	if err != nil {
		return c.explain(err)
	}
	if c.json() {
		return printJSON(c.out, sum)
	}
	_, err = fmt.Fprintf(c.out, "checked %d, synced %d, errors %d\n", sum.Checked, sum.Synced, sum.Errors)
	return err
}

func (c command) Launch(ctx context.Context, connID string, f LaunchFlags) error {
	if strings.TrimSpace(f.Command) == "" {
		return errors.New("command is required")
	}
	cl, err := c.client()
	if err != nil {
		return err
	}
	op, err := cl.Launch(ctx, connID, client.LaunchRequest{Name: f.Name, Command: f.Command})
	if err != nil {
		return c.explain(err)
	}
	return c.printOperation(op)
}

func (c command) Kill(ctx context.Context, connID, opID string, f KillFlags) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	op, err := cl.Kill(ctx, connID, opID, f.Signal)
	if err != nil {
		return c.explain(err)
	}
	if !c.json() && op.Status == "running" {
		_, _ = fmt.Fprintf(c.out, "signal sent; pid %d still running\n", op.PID)
	}
	return c.printOperation(op)
}

// Watch prints events until ctx is canceled or the server closes the stream.
func (c command) Watch(ctx context.Context, connID string, f WatchFlags) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	err = cl.Events(ctx, client.EventsQuery{ConnectionID: connID, Type: f.Type}, func(e client.Event) error {
		if c.json() {
			b, err := json.Marshal(e)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.out, string(b))
			return err
		}
		line := fmt.Sprintf("%s  %-19s %s", e.OccurredAt.Local().Format(time.TimeOnly), e.Type, e.ConnectionID)
		if op := e.Operation; op != nil {
			line += fmt.Sprintf("  %s %s pid=%d %s", op.ID, op.Name, op.PID, op.Status)
		}
		if s := e.Summary; s != nil {
			line += fmt.Sprintf("  checked=%d synced=%d errors=%d", s.Checked, s.Synced, s.Errors)
		}
		_, err := fmt.Fprintln(c.out, line)
		return err
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return c.explain(err)
}

// Purge opens the configured store directly.
func (c command) Purge(ctx context.Context, f PurgeFlags) error {
	if c.global.ConfigPath == "" {
		return errors.New("--config is required for purge")
	}
	if f.OlderThan <= 0 {
		return errors.New("--older-than must be positive")
	}
	cfg, err := commandcenter.LoadConfig(c.global.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	// no history export or background loop for a one-shot purge
	cfg.History.Sinks = nil
	cfg.Reconcile.Interval = 0
	cfg.Metrics.Enabled = false
	svc, err := commandcenter.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()
	n, err := svc.Purge(ctx, f.OlderThan)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.out, "purged %d stopped operations\n", n)
	return err
}

func (c command) printOperation(op client.Operation) error {
	if c.json() {
		return printJSON(c.out, op)
	}
	tw := newTable(c.out, "ID", "NAME", "PID", "STATUS", "STARTED")
	row(tw, op.ID, op.Name, fmt.Sprint(op.PID), op.Status, stamp(op.StartedAt))
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row(tw, headers...)
	return tw
}

func row(tw *tabwriter.Writer, cols ...string) {
	_, _ = fmt.Fprintln(tw, strings.Join(cols, "\t"))
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
