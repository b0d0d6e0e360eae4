// Package commandcenter tracks processes launched on remote DGX hosts and
// keeps their recorded status consistent with what is actually running.
//
// Open wires the operation store, the connection registry, the event bus,
// the reconciler and the launcher from a Config. The returned Service is the
// embedding API; Handler exposes the same operations over HTTP.
package commandcenter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/config"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/connection"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/events"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/history"
	hfactory "github.com/husky2466-codo/ai-command-center-sub001/internal/history/factory"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/launcher"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/metrics"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/operation"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/reconcile"
	iapi "github.com/husky2466-codo/ai-command-center-sub001/internal/server"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/store"
	sfactory "github.com/husky2466-codo/ai-command-center-sub001/internal/store/factory"
	itls "github.com/husky2466-codo/ai-command-center-sub001/internal/tls"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type ConnectionConfig = connection.Config

type Operation = operation.Record

type Status = operation.Status

type Summary = operation.Summary

type ListOptions = reconcile.ListOptions

type ListResult = reconcile.ListResult

type Event = events.Event

type HistorySink = history.Sink

const (
	StatusRunning = operation.StatusRunning
	StatusStopped = operation.StatusStopped
	StatusUnknown = operation.StatusUnknown
)

var (
	ErrConnectionNotFound    = connection.ErrNotFound
	ErrConnectionUnavailable = connection.ErrUnavailable
	ErrOperationNotFound     = store.ErrNotFound
	ErrNotRunning            = launcher.ErrNotRunning
	ErrInvalidSignal         = launcher.ErrInvalidSignal
)

// LoadConfig reads a TOML config file with DGX_* environment overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Service is a running instance. It is safe for concurrent use.
type Service struct {
	cfg    Config
	store  store.Store
	conns  *connection.Registry
	bus    *events.Bus
	rec    *reconcile.Reconciler
	launch *launcher.Launcher
	sinks  []history.Sink

	cancel    context.CancelFunc
	loops     sync.WaitGroup // publishers: the periodic reconcile loop
	wg        sync.WaitGroup // bus consumers: audit log and history export
	closeOnce sync.Once
	closeErr  error
}

// Open builds a Service from cfg. ctx bounds initialisation only; background
// work (periodic reconciliation, history export) runs until Close.
func Open(ctx context.Context, cfg *Config) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	st, err := sfactory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("store schema: %w", err)
	}
	reg, err := connection.NewRegistry(cfg.Connections, cfg.ConnectionOptions())
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	sinks, err := hfactory.NewSinks(cfg.History.Sinks)
	if err != nil {
		_ = reg.Close()
		_ = st.Close()
		return nil, fmt.Errorf("history sinks: %w", err)
	}

	bus := events.New()
	bus.OnDrop(func(e events.Event) { metrics.IncEventDropped(string(e.Type)) })

	rec := reconcile.New(st, reg, bus, reconcile.Options{
		Concurrency:  cfg.Reconcile.Concurrency,
		CheckTimeout: cfg.Reconcile.CheckTimeout,
		Retention:    cfg.Reconcile.Retention,
	})
	l := launcher.New(st, reg, bus, launcher.Options{KillGrace: cfg.Reconcile.KillGrace})

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:    *cfg,
		store:  st,
		conns:  reg,
		bus:    bus,
		rec:    rec,
		launch: l,
		sinks:  sinks,
		cancel: cancel,
	}

	audit, _ := bus.Subscribe(events.DefaultBuffer)
	s.goBackground(func() { auditLog(audit) })
	if len(sinks) > 0 {
		ch, _ := bus.Subscribe(cfg.History.Buffer)
		// runs until Close closes the bus, so buffered events still reach the sinks
		s.goBackground(func() { history.Forward(context.Background(), ch, sinks...) })
	}
	if cfg.Reconcile.Interval > 0 {
		s.loops.Add(1)
		go func() {
			defer s.loops.Done()
			s.rec.Run(runCtx, cfg.Reconcile.Interval)
		}()
	}
	slog.Info("Command center ready",
		"connections", len(cfg.Connections),
		"history_sinks", len(sinks),
		"interval", cfg.Reconcile.Interval,
		"concurrency", cfg.Reconcile.Concurrency)
	return s, nil
}

func (s *Service) goBackground(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// auditLog writes every bus event to the service log until the bus closes.
func auditLog(ch <-chan events.Event) {
	for e := range ch {
		attrs := []any{"type", e.Type, "connection", e.ConnectionID}
		if op := e.Operation; op != nil {
			attrs = append(attrs, "operation", op.ID, "name", op.Name, "pid", op.PID, "status", op.Status)
		}
		if sum := e.Summary; sum != nil {
			attrs = append(attrs, "checked", sum.Checked, "synced", sum.Synced, "errors", sum.Errors)
		}
		slog.Info("Operation event", attrs...)
	}
}

func (s *Service) ListOperations(ctx context.Context, connID string, opts ListOptions) (ListResult, error) {
	return s.rec.ListOperations(ctx, connID, opts)
}

func (s *Service) SyncOperations(ctx context.Context, connID string) (Summary, error) {
	return s.rec.SyncOperations(ctx, connID)
}

func (s *Service) Launch(ctx context.Context, connID, name, command string) (Operation, error) {
	return s.launch.Launch(ctx, connID, name, command)
}

func (s *Service) Kill(ctx context.Context, connID, opID, signal string) (Operation, error) {
	return s.launch.Kill(ctx, connID, opID, signal)
}

func (s *Service) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.rec.Purge(ctx, olderThan)
}

func (s *Service) Connections() []ConnectionConfig { return s.conns.List() }

// Subscribe returns a stream of events and a cancel func.
func (s *Service) Subscribe(buffer int) (<-chan Event, func()) { return s.bus.Subscribe(buffer) }

func (s *Service) deps() iapi.Deps {
	d := iapi.Deps{Reconciler: s.rec, Launcher: s.launch, Connections: s.conns, Bus: s.bus}
	if s.cfg.Metrics.Enabled && s.cfg.Metrics.Listen == "" {
		d.Metrics = metrics.Handler()
	}
	return d
}

// Handler returns the HTTP API under the configured base path.
func (s *Service) Handler() http.Handler {
	return iapi.NewRouter(s.deps(), s.cfg.Server.BasePath).Handler()
}

// NewHTTPServer starts the HTTP API on the configured listen address,
// over TLS when server.tls is enabled.
func (s *Service) NewHTTPServer() (*http.Server, error) {
	tlsCfg, err := itls.Setup(s.cfg.Server.TLS)
	if err != nil {
		return nil, err
	}
	return iapi.NewServer(s.cfg.Server.Listen, s.cfg.Server.BasePath, s.deps(), tlsCfg)
}

// Close stops background work and releases every resource. It is safe to
// call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.loops.Wait()
		s.bus.Close()
		s.wg.Wait()
		history.CloseAll(s.sinks)
		s.closeErr = errors.Join(s.conns.Close(), s.store.Close())
	})
	return s.closeErr
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; serving continues in the background.
func ServeMetrics(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	return srv, nil
}
