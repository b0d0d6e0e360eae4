package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/connection"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

const fullTOML = `
[server]
listen = "127.0.0.1:9090"
base_path = "/v1"

[server.tls]
enabled = true
dir = "/etc/dgx/tls"
auto_generate = true
hosts = ["dgx-control", "10.0.0.2"]

[store]
dsn = "postgres://dgx:secret@db:5432/dgx?sslmode=disable"

[history]
sinks = ["sqlite:///var/lib/dgx/history.db", "opensearch://search:9200/dgx-ops"]

[reconcile]
concurrency = 6
check_timeout = "4s"
interval = "30s"
retention = "168h"
probe_rate = 5.0

[log]
level = "debug"
file = "/var/log/dgx.log"
max_size_mb = 50
compress = true

[metrics]
enabled = true

[[connections]]
id = "dgx-1"
name = "DGX Spark"
host = "10.0.0.12"
user = "ubuntu"
key_file = "~/.ssh/dgx"
dial_timeout = "5s"

[[connections]]
id = "workstation"
kind = "local"
`

func TestLoadFull(t *testing.T) {
	dir := t.TempDir()
	c, err := Load(writeFile(t, dir, "dgx.toml", fullTOML))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", c.Server.Listen)
	assert.Equal(t, "/v1", c.Server.BasePath)
	assert.True(t, c.Server.TLS.Enabled)
	assert.True(t, c.Server.TLS.AutoGenerate)
	assert.Equal(t, "1.3", c.Server.TLS.MinVersion)
	assert.Equal(t, []string{"dgx-control", "10.0.0.2"}, c.Server.TLS.Hosts)
	assert.True(t, strings.HasPrefix(c.Store.DSN, "postgres://"))
	assert.Len(t, c.History.Sinks, 2)
	assert.Equal(t, 256, c.History.Buffer)

	assert.Equal(t, 6, c.Reconcile.Concurrency)
	assert.Equal(t, 4*time.Second, c.Reconcile.CheckTimeout)
	assert.Equal(t, 30*time.Second, c.Reconcile.Interval)
	assert.Equal(t, 168*time.Hour, c.Reconcile.Retention)
	assert.Equal(t, 3*time.Second, c.Reconcile.KillGrace)

	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "/var/log/dgx.log", c.Log.File)
	assert.Equal(t, 50, c.Log.MaxSizeMB)
	assert.Equal(t, 3, c.Log.MaxBackups)
	assert.True(t, c.Log.Compress)
	assert.True(t, c.Metrics.Enabled)

	require.Len(t, c.Connections, 2)
	assert.Equal(t, connection.Config{
		ID:          "dgx-1",
		Name:        "DGX Spark",
		Host:        "10.0.0.12",
		User:        "ubuntu",
		KeyFile:     "~/.ssh/dgx",
		DialTimeout: 5 * time.Second,
	}, c.Connections[0])
	assert.Equal(t, connection.KindLocal, c.Connections[1].Kind)

	opts := c.ConnectionOptions()
	assert.Equal(t, 5.0, opts.ProbeRate)
	assert.Equal(t, 6, opts.ProbeBurst, "burst follows concurrency")
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.Server.Listen)
	assert.Equal(t, "/api", c.Server.BasePath)
	assert.Equal(t, "dgx.db", c.Store.DSN)
	assert.Equal(t, 4, c.Reconcile.Concurrency)
	assert.Equal(t, 10*time.Second, c.Reconcile.CheckTimeout)
	assert.Zero(t, c.Reconcile.Interval)
	assert.Equal(t, "info", c.Log.Level)
	assert.True(t, c.Log.Color)
	assert.Empty(t, c.Connections)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DGX_RECONCILE_CONCURRENCY", "12")
	t.Setenv("DGX_STORE_DSN", "sqlite:///tmp/override.db")
	t.Setenv("DGX_LOG_LEVEL", "warn")

	c, err := Load(writeFile(t, t.TempDir(), "dgx.toml", fullTOML))
	require.NoError(t, err)
	assert.Equal(t, 12, c.Reconcile.Concurrency)
	assert.Equal(t, "sqlite:///tmp/override.db", c.Store.DSN)
	assert.Equal(t, "warn", c.Log.Level)
}

func TestEnvFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "secrets.env", "# store credentials\nDGX_STORE_DSN=postgres://from-env-file/db\nDGX_TEST_ONLY_MARKER=1\n")
	t.Setenv("DGX_TEST_ONLY_MARKER", "kept")
	t.Cleanup(func() { _ = os.Unsetenv("DGX_STORE_DSN") })

	c, err := Load(writeFile(t, dir, "dgx.toml", "env_files = [\"secrets.env\"]\n"))
	require.NoError(t, err)
	assert.Equal(t, "postgres://from-env-file/db", c.Store.DSN)
	assert.Equal(t, "kept", os.Getenv("DGX_TEST_ONLY_MARKER"), "existing variables win")
}

func TestLoadEnvFile(t *testing.T) {
	p := writeFile(t, t.TempDir(), ".env", "A=1\n#comment\nB = two\n\nnovalue\n")
	pairs, err := LoadEnvFile(p)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A=1", "B=two"}, pairs)

	_, err = LoadEnvFile(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		toml string
		want string
	}{
		{"duplicate connection", "[[connections]]\nid = \"a\"\nkind = \"local\"\n[[connections]]\nid = \"a\"\nkind = \"local\"\n", "duplicate connection id"},
		{"ssh without host", "[[connections]]\nid = \"a\"\n", "host required"},
		{"unknown kind", "[[connections]]\nid = \"a\"\nkind = \"telnet\"\nhost = \"h\"\n", "unknown kind"},
		{"empty id", "[[connections]]\nkind = \"local\"\n", "connection id required"},
		{"bad level", "[log]\nlevel = \"chatty\"\n", "unknown log level"},
		{"zero concurrency", "[reconcile]\nconcurrency = 0\n", "concurrency must be positive"},
		{"relative base path", "[server]\nbase_path = \"api\"\n", "base_path must start with /"},
		{"tls without material", "[server.tls]\nenabled = true\n", "server.tls"},
		{"bad duration", "[reconcile]\ncheck_timeout = \"soon\"\n", "decode config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, t.TempDir(), "c.toml", tt.toml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

// FuzzLoadEnvFile ensures arbitrary .env content never panics the parser
// and every returned pair has a key.
func FuzzLoadEnvFile(f *testing.F) {
	f.Add("A=1\nB=2\n")
	f.Add("#only comment")
	f.Add("=novalue\n  spaced = x  \n")
	f.Fuzz(func(t *testing.T, body string) {
		p := filepath.Join(t.TempDir(), "fuzz.env")
		if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
			t.Skip()
		}
		m, err := loadEnvFile(p)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for k := range m {
			if strings.ContainsRune(k, '\n') {
				t.Fatalf("key spans lines: %q", k)
			}
		}
	})
}
