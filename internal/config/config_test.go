// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, defaults, env var expansion, durations, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10*time.Minute, cfg.Streaming.IdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.Streaming.GracePeriod)
	assert.Equal(t, 250*time.Millisecond, cfg.Streaming.LateDeliveryDelay)
	assert.Equal(t, 5*time.Minute, cfg.Runner.Timeout)
	assert.Equal(t, "/ws", cfg.Server.WSPath)
}

func TestDefaultYAML_MatchesDefault(t *testing.T) {
	path := writeConfig(t, "stream.yaml", DefaultYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	want := Default()
	want.Server.AllowedOrigins = []string{}
	want.Runner.Headers = map[string]string{}
	assert.Equal(t, want, cfg)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, "stream.yaml", `
server:
  http_addr: "0.0.0.0:9000"
  allowed_origins: ["https://app.example.com"]
streaming:
  idle_timeout: "2m"
  send_buffer: 8
runner:
  kind: "http"
  url: "http://flows.internal/run"
  headers:
    X-Flow: "a"
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, "localhost:50051", cfg.Server.GRPCAddr, "unset values keep defaults")
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 2*time.Minute, cfg.Streaming.IdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.Streaming.GracePeriod)
	assert.Equal(t, 8, cfg.Streaming.SendBuffer)
	assert.Equal(t, "http", cfg.Runner.Kind)
	assert.Equal(t, "a", cfg.Runner.Headers["X-Flow"])
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "stream.toml", `
[server]
http_addr = "127.0.0.1:7000"
grpc_addr = ""

[streaming]
grace_period = "1m"
inbound_rate = 5.5

[database]
path = "/tmp/ledger.db"
retention = "24h"

[metrics]
enabled = false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Server.HTTPAddr)
	assert.Empty(t, cfg.Server.GRPCAddr)
	assert.Equal(t, time.Minute, cfg.Streaming.GracePeriod)
	assert.InDelta(t, 5.5, cfg.Streaming.InboundRate, 1e-9)
	assert.Equal(t, "/tmp/ledger.db", cfg.Database.Path)
	assert.Equal(t, 24*time.Hour, cfg.Database.Retention)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_FLOW_URL", "http://flow.test/run")
	t.Setenv("TEST_FLOW_TOKEN", "Bearer abc")

	path := writeConfig(t, "stream.yaml", `
runner:
  kind: "http"
  url: "${TEST_FLOW_URL}"
  headers:
    Authorization: "${TEST_FLOW_TOKEN}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://flow.test/run", cfg.Runner.URL)
	assert.Equal(t, "Bearer abc", cfg.Runner.Headers["Authorization"])
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"invalid yaml", "c.yaml", "server: [unclosed", "parsing config file"},
		{"invalid toml", "c.toml", "[server\nhttp_addr=", "parsing config file"},
		{"bad duration", "c.yaml", "streaming:\n  idle_timeout: \"soon\"", "idle_timeout"},
		{"empty http addr", "c.yaml", "server:\n  http_addr: \"\"", "server.http_addr is required"},
		{"bad ws path", "c.yaml", "server:\n  ws_path: \"ws\"", "ws_path"},
		{"zero send buffer", "c.yaml", "streaming:\n  send_buffer: 0", "send_buffer"},
		{"late delay beyond grace", "c.yaml", "streaming:\n  late_delivery_delay: \"1m\"", "late_delivery_delay"},
		{"http runner without url", "c.yaml", "runner:\n  kind: \"http\"", "runner.url is required"},
		{"unknown runner", "c.yaml", "runner:\n  kind: \"grpc\"", "runner.kind"},
		{"negative retention", "c.yaml", "database:\n  retention: \"-1h\"", "database.retention"},
		{"bad log level", "c.yaml", "logging:\n  level: \"loud\"", "logging.level"},
		{"bad log format", "c.yaml", "logging:\n  format: \"xml\"", "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadOrDefault(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")

	cfg, err := LoadOrDefault(missing, false)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = LoadOrDefault(missing, true)
	assert.Error(t, err, "an explicitly named file must exist")
}

func TestResolvePath(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	t.Setenv(EnvConfigPath, "")

	path, explicit := ResolvePath("/etc/coven/stream.yaml")
	assert.Equal(t, "/etc/coven/stream.yaml", path)
	assert.True(t, explicit)

	path, explicit = ResolvePath("")
	assert.Equal(t, filepath.Join(xdg, "coven", "stream.yaml"), path)
	assert.False(t, explicit)

	t.Setenv(EnvConfigPath, "/run/stream.toml")
	path, explicit = ResolvePath("")
	assert.Equal(t, "/run/stream.toml", path)
	assert.True(t, explicit)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_A", "alpha")

	assert.Equal(t, "alpha-", expandEnvVars("${TEST_A}-${TEST_UNSET_VAR_XYZ}"))
	assert.Equal(t, "no vars", expandEnvVars("no vars"))
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "stream.yaml")

	require.NoError(t, WriteDefault(path, false))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# coven-stream configuration"))

	err = WriteDefault(path, false)
	assert.ErrorContains(t, err, "already exists")
	assert.NoError(t, WriteDefault(path, true))
}
