package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	commandcenter "github.com/husky2466-codo/ai-command-center-sub001"
)

const shutdownTimeout = 10 * time.Second

// runServe blocks until ctx is canceled, then shuts the server down.
func runServe(ctx context.Context, flags ServeFlags, out io.Writer) error {
	if flags.ConfigPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=dgx.toml or provide as argument")
	}
	cfg, err := commandcenter.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Listen != "" {
		cfg.Server.Listen = flags.Listen
	}

	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, currentPID()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	log, closer, err := cfg.Log.New()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	svc, err := commandcenter.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			slog.Warn("Shutdown incomplete", "error", err)
		}
	}()

	servers := make([]*http.Server, 0, 2)
	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		ms, err := commandcenter.ServeMetrics(cfg.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		servers = append(servers, ms)
		slog.Info("Metrics server listening", "addr", ms.Addr)
	}
	api, err := svc.NewHTTPServer()
	if err != nil {
		shutdown(servers)
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}
	servers = append(servers, api)
	_, _ = fmt.Fprintf(out, "Starting dgxctl HTTP server on %s%s\n", api.Addr, cfg.Server.BasePath)
	slog.Info("API server listening", "addr", api.Addr, "base_path", cfg.Server.BasePath, "tls", api.TLSConfig != nil)

	<-ctx.Done()
	slog.Info("Shutting down")
	shutdown(servers)
	return nil
}

func shutdown(servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// deadline passed; drop what is left
			_ = s.Close()
		}
	}
}
