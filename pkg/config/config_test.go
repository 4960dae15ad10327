package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lxtui/lxtui/pkg/engine"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, engine.DefaultConfig(), cfg.Engine)
	assert.True(t, cfg.LXD.UseEvents)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
engine:
  refresh_interval: 30s
  poll_interval: 250ms
  retry:
    max_attempts: 5
lxd:
  endpoint: https://lxd.example.com:8443
  project: staging
telemetry:
  logging:
    level: debug
    output: stderr
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Engine.RefreshInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.PollInterval)
	assert.Equal(t, 5, cfg.Engine.Retry.MaxAttempts)
	assert.Equal(t, engine.DefaultBaseDelay, cfg.Engine.Retry.BaseDelay, "unset keys keep defaults")
	assert.Equal(t, 50, cfg.Engine.MaxHistory)
	assert.Equal(t, "https://lxd.example.com:8443", cfg.LXD.Endpoint)
	assert.Equal(t, "staging", cfg.LXD.Project)
	assert.True(t, cfg.LXD.UseEvents)
	assert.Equal(t, "debug", cfg.Telemetry.Logging.Level)
	assert.Equal(t, "stderr", cfg.Telemetry.Logging.Output)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit path must exist")

	t.Setenv(PathEnv, filepath.Join(t.TempDir(), "absent.yaml"))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultConfig(), cfg.Engine)
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultConfig(), cfg.Engine)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "unknown key", content: "engine:\n  refresh_intervall: 5s\n"},
		{name: "zero poll interval", content: "engine:\n  poll_interval: 0s\n"},
		{name: "bad duration", content: "engine:\n  refresh_interval: soon\n"},
		{name: "zero history", content: "engine:\n  max_history: 0\n"},
		{name: "key without cert", content: "lxd:\n  client_cert: /etc/lxtui/client.crt\n"},
		{name: "bad log format", content: "telemetry:\n  logging:\n    format: xml\n"},
		{name: "not yaml", content: "engine: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			writeFile(t, path, tt.content)

			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestDefaultPathFromEnv(t *testing.T) {
	t.Setenv(PathEnv, "/etc/lxtui.yaml")
	assert.Equal(t, "/etc/lxtui.yaml", DefaultPath())
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "engine:\n  refresh_interval: 10s\n")

	w := NewWatcher(path, nil)
	w.delay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(cfg *Config) { changes <- cfg })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "engine:\n  refresh_interval: 3s\n")

	select {
	case cfg := <-changes:
		assert.Equal(t, 3*time.Second, cfg.Engine.RefreshInterval)
	case <-time.After(3 * time.Second):
		t.Fatal("expected a reload")
	}

	// Invalid content is skipped.
	writeFile(t, path, "engine:\n  poll_interval: 0s\n")
	select {
	case cfg := <-changes:
		t.Fatalf("unexpected reload of invalid config: %+v", cfg.Engine)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
