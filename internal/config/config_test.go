package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: "127.0.0.1"
backend:
  url: http://backend.local
  timeout: 3s
store:
  driver: sqlite
  path: /var/lib/conductor/state.db
timeouts:
  created: 2m
  announce: 10m
  drain: 5s
  sweep: 30s
participants:
  idle: 1m
  purge: 5m
leave_policy:
  permanent_reasons: [exit, boot, kicked]
connection:
  suspend_after: 1m
apps:
  - id: quiz
    script: apps/quiz.lua
  - id: poll
    script: apps/poll.lua
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1:9090", cfg.Addr())
	assert.Equal(t, "http://backend.local", cfg.Backend.URL)
	assert.Equal(t, 3*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.Created)
	assert.Equal(t, 10*time.Minute, cfg.Timeouts.Announce)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Drain)
	require.NotNil(t, cfg.Participants.Idle)
	assert.Equal(t, time.Minute, *cfg.Participants.Idle)
	assert.Equal(t, []string{"exit", "boot", "kicked"}, cfg.LeavePolicy.PermanentReasons)
	assert.Equal(t, time.Minute, cfg.Connection.SuspendAfter)
	require.Len(t, cfg.Apps, 2)
	assert.Equal(t, AppConfig{ID: "poll", Script: "apps/poll.lua"}, cfg.Apps[1])

	// Untouched sections keep their defaults.
	assert.True(t, cfg.Hub.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 100*time.Millisecond, cfg.Admin.BroadcastThrottle)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
backend:
  url: http://from-file
`)
	t.Setenv("CONDUCTOR_SERVER_PORT", "7070")
	t.Setenv("CONDUCTOR_BACKEND_URL", "http://from-env")
	t.Setenv("CONDUCTOR_BACKEND_TIMEOUT", "750ms")
	t.Setenv("CONDUCTOR_HUB_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("CONDUCTOR_LOG_FORMAT", "json")
	t.Setenv("CONDUCTOR_TELEMETRY_ENDPOINT", "collector:4318")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "http://from-env", cfg.Backend.URL)
	assert.Equal(t, 750*time.Millisecond, cfg.Backend.Timeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Hub.AllowedOrigins)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "collector:4318", cfg.Telemetry.Endpoint)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad yaml", "server: [", "parse"},
		{"bad port", "server:\n  port: 70000\n", "server.port"},
		{"sqlite without path", "store:\n  driver: sqlite\n", "store.path"},
		{"unknown driver", "store:\n  driver: redis\n", "store.driver"},
		{"unknown log format", "log:\n  format: xml\n", "log.format"},
		{"no relay", "hub:\n  enabled: false\n", "transport.url"},
		{"app without id", "apps:\n  - script: a.lua\n", "id is required"},
		{"duplicate app", "apps:\n  - {id: a, script: a.lua}\n  - {id: a, script: b.lua}\n", "duplicate id"},
		{"app without script", "apps:\n  - id: a\n", "script is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Store.Driver = "nope"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "store.driver")
}
