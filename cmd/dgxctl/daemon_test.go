package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPidFileLifecycle(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "dgxctl.pid")

	require.NoError(t, writePidFile(pidFile, 4242))
	b, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(4242)+"\n", string(b))

	require.NoError(t, removePidFile(pidFile))
	assert.NoFileExists(t, pidFile)

	assert.NoError(t, removePidFile(pidFile), "already removed")
	assert.NoError(t, removePidFile(""))
}

func TestDaemonArgs(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		pidFile string
		want    []string
	}{
		{"bare flag", []string{"serve", "dgx.toml", "--daemonize"}, "", []string{"serve", "dgx.toml"}},
		{"separate values", []string{"serve", "--daemonize", "--pidfile", "/run/a.pid", "--logfile", "/tmp/o"}, "/run/a.pid", []string{"serve", "--pidfile", "/run/a.pid"}},
		{"inline values", []string{"serve", "--daemonize=true", "--logfile=/tmp/o", "--listen", ":9090"}, "", []string{"serve", "--listen", ":9090"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, daemonArgs(tt.in, tt.pidFile))
		})
	}
}
