package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/connection"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/logger"
	itls "github.com/husky2466-codo/ai-command-center-sub001/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. DGX_STORE_DSN.
const EnvPrefix = "DGX"

// Config represents the top-level TOML structure.
type Config struct {
	EnvFiles    []string            `toml:"env_files" mapstructure:"env_files"`
	Server      ServerConfig        `toml:"server" mapstructure:"server"`
	Store       StoreConfig         `toml:"store" mapstructure:"store"`
	History     HistoryConfig       `toml:"history" mapstructure:"history"`
	Reconcile   ReconcileConfig     `toml:"reconcile" mapstructure:"reconcile"`
	Log         logger.Config       `toml:"log" mapstructure:"log"`
	Metrics     MetricsConfig       `toml:"metrics" mapstructure:"metrics"`
	Connections []connection.Config `toml:"connections" mapstructure:"connections"`
}

type ServerConfig struct {
	Listen   string      `toml:"listen" mapstructure:"listen"`
	BasePath string      `toml:"base_path" mapstructure:"base_path"`
	TLS      itls.Config `toml:"tls" mapstructure:"tls"`
}

type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type HistoryConfig struct {
	Sinks  []string `toml:"sinks" mapstructure:"sinks"`
	Buffer int      `toml:"buffer" mapstructure:"buffer"`
}

type ReconcileConfig struct {
	Concurrency  int           `toml:"concurrency" mapstructure:"concurrency"`
	CheckTimeout time.Duration `toml:"check_timeout" mapstructure:"check_timeout"`
	Interval     time.Duration `toml:"interval" mapstructure:"interval"`
	Retention    time.Duration `toml:"retention" mapstructure:"retention"`
	ProbeRate    float64       `toml:"probe_rate" mapstructure:"probe_rate"`
	ProbeBurst   int           `toml:"probe_burst" mapstructure:"probe_burst"`
	KillGrace    time.Duration `toml:"kill_grace" mapstructure:"kill_grace"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
	// Listen serves /metrics on a separate address; empty mounts it on the API server.
	Listen string `toml:"listen" mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.min_version", "1.3")
	v.SetDefault("store.dsn", "dgx.db")
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("history.buffer", 256)
	v.SetDefault("reconcile.concurrency", 4)
	v.SetDefault("reconcile.check_timeout", "10s")
	v.SetDefault("reconcile.interval", "0s")
	v.SetDefault("reconcile.retention", "0s")
	v.SetDefault("reconcile.probe_rate", 0.0)
	v.SetDefault("reconcile.probe_burst", 0)
	v.SetDefault("reconcile.kill_grace", "3s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "")
	v.SetDefault("log.color", true)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.source", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("env_files", []string{})
}

// Load reads the TOML file at path (optional) and applies DGX_* environment
// overrides on top of defaults. Files listed in env_files are loaded into the
// process environment first, without replacing variables already set.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	for _, p := range v.GetStringSlice("env_files") {
		if !filepath.IsAbs(p) && path != "" {
			p = filepath.Join(filepath.Dir(path), p)
		}
		if err := applyEnvFile(p); err != nil {
			return nil, err
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn required"))
	}
	if c.Reconcile.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("reconcile.concurrency must be positive, got %d", c.Reconcile.Concurrency))
	}
	if c.Reconcile.CheckTimeout <= 0 {
		errs = append(errs, errors.New("reconcile.check_timeout must be positive"))
	}
	if c.Reconcile.Interval < 0 || c.Reconcile.Retention < 0 {
		errs = append(errs, errors.New("reconcile.interval and reconcile.retention cannot be negative"))
	}
	if c.Reconcile.ProbeRate < 0 {
		errs = append(errs, errors.New("reconcile.probe_rate cannot be negative"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path must start with /, got %q", c.Server.BasePath))
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	seen := make(map[string]bool, len(c.Connections))
	for _, cc := range c.Connections {
		if err := cc.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[cc.ID] {
			errs = append(errs, fmt.Errorf("duplicate connection id %q", cc.ID))
		}
		seen[cc.ID] = true
	}
	return errors.Join(errs...)
}

// ConnectionOptions derives the per-session probe pacing. The burst defaults
// to the reconcile concurrency so a pass is never throttled below its fan-out.
func (c *Config) ConnectionOptions() connection.Options {
	burst := c.Reconcile.ProbeBurst
	if burst <= 0 {
		burst = c.Reconcile.Concurrency
	}
	return connection.Options{ProbeRate: c.Reconcile.ProbeRate, ProbeBurst: burst}
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

func applyEnvFile(path string) error {
	m, err := loadEnvFile(path)
	if err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	for k, v := range m {
		if _, set := os.LookupEnv(k); set {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return err
		}
	}
	return nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
