package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	require.NotEmpty(t, cfg.State.Root)
	require.Equal(t, time.Second, cfg.Scheduler.CheckIntervalDuration())
	require.Equal(t, 30*time.Second, cfg.Scheduler.ShutdownTimeoutDuration())
	require.Equal(t, "herdctl/agent:latest", cfg.Docker.DefaultImage)
	require.Empty(t, cfg.NATS.URL, "default bus must be in-memory")
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, "agents", cfg.Agents.Dir)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := `
state:
  root: /var/lib/herdctl
scheduler:
  checkInterval: 250
  shutdownTimeout: 5
nats:
  url: nats://localhost:4222
agents:
  dir: /etc/herdctl/agents
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "herdctl.yaml"), []byte(content), 0644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/herdctl", cfg.State.Root)
	require.Equal(t, 250*time.Millisecond, cfg.Scheduler.CheckIntervalDuration())
	require.Equal(t, 5*time.Second, cfg.Scheduler.ShutdownTimeoutDuration())
	require.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	require.Equal(t, "/etc/herdctl/agents", cfg.Agents.Dir)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HERDCTL_STATE_ROOT", "/tmp/env-root")
	t.Setenv("HERDCTL_LOGGING_LEVEL", "debug")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "/tmp/env-root", cfg.State.Root)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsInvalidCheckInterval(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "herdctl.yaml"),
		[]byte("scheduler:\n  checkInterval: 0\n"), 0644))

	_, err := LoadWithPath(dir)
	require.Error(t, err)
}
