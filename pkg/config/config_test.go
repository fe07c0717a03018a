package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veildns/veild/pkg/core"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "/var/lib/veild/state.json", cfg.StatePath)
	assert.Equal(t, "127.0.0.1:8553", cfg.Listen)
	assert.Equal(t, "1s", cfg.StatsInterval)
	assert.Equal(t, "10s", cfg.LatencyInterval)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Nil(t, cfg.Tunnel)
	require.NoError(t, cfg.Validate())
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFileYAML(t *testing.T) {
	path := writeTemp(t, "veild.yaml", `
listen: "0.0.0.0:9000"
statsInterval: "500ms"
tunnel:
  serverAddress: "filter.veildns.net"
  dnsServers:
    - "10.0.0.53"
  splitTunnel: true
filter:
  blocked:
    - "ads.example.com"
logging:
  level: "debug"
`)

	cfg := DefaultConfig()
	require.NoError(t, LoadFromFile(path, cfg))
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "500ms", cfg.StatsInterval)
	require.NotNil(t, cfg.Tunnel)
	assert.Equal(t, "filter.veildns.net", cfg.Tunnel.ServerAddress)
	assert.Equal(t, []string{"10.0.0.53"}, cfg.Tunnel.DNSServers)
	assert.True(t, cfg.Tunnel.SplitTunnel)
	assert.Equal(t, []string{"ads.example.com"}, cfg.Filter.Blocked)
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFileJSON(t *testing.T) {
	path := writeTemp(t, "veild.json", `{
  "listen": "127.0.0.1:9001",
  "tunnel": {
    "serverAddress": "filter.veildns.net",
    "dnsServers": ["10.0.0.53:5353"]
  }
}`)

	cfg := DefaultConfig()
	require.NoError(t, LoadFromFile(path, cfg))
	assert.Equal(t, "127.0.0.1:9001", cfg.Listen)
	require.NotNil(t, cfg.Tunnel)
	assert.Equal(t, []string{"10.0.0.53:5353"}, cfg.Tunnel.DNSServers)
}

func TestLoadFromFileTOML(t *testing.T) {
	path := writeTemp(t, "veild.toml", `
listen = "127.0.0.1:9002"
stats_interval = "2s"

[logging]
level = "warn"
`)

	cfg := DefaultConfig()
	require.NoError(t, LoadFromFile(path, cfg))
	assert.Equal(t, "127.0.0.1:9002", cfg.Listen)
	assert.Equal(t, "2s", cfg.StatsInterval)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadFromFileUnsupportedFormat(t *testing.T) {
	path := writeTemp(t, "veild.ini", "listen=nope")
	err := LoadFromFile(path, DefaultConfig())
	assert.Error(t, err)
}

func TestLoadFromFileMissing(t *testing.T) {
	err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"), DefaultConfig())
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("VEILD_STATE_PATH", "/tmp/veild-test/state.json")
	t.Setenv("VEILD_LISTEN", "127.0.0.1:9553")
	t.Setenv("VEILD_STATS_INTERVAL", "250ms")
	t.Setenv("VEILD_LOG_LEVEL", "debug")
	t.Setenv("VEILD_DNS_SERVERS", "10.0.0.53, 10.0.0.54")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	assert.Equal(t, "/tmp/veild-test/state.json", cfg.StatePath)
	assert.Equal(t, "127.0.0.1:9553", cfg.Listen)
	assert.Equal(t, "250ms", cfg.StatsInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.NotNil(t, cfg.Tunnel)
	assert.Equal(t, []string{"10.0.0.53", "10.0.0.54"}, cfg.Tunnel.DNSServers)
}

func TestLoadFromEnvKeepsExistingTunnel(t *testing.T) {
	t.Setenv("VEILD_DNS_SERVERS", "10.0.0.99")

	cfg := DefaultConfig()
	cfg.Tunnel = &core.TunnelConfiguration{
		ServerAddress: "filter.veildns.net",
		DNSServers:    []string{"10.0.0.53"},
	}
	LoadFromEnv(cfg)
	assert.Equal(t, "filter.veildns.net", cfg.Tunnel.ServerAddress)
	assert.Equal(t, []string{"10.0.0.99"}, cfg.Tunnel.DNSServers)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty state path", func(c *Config) { c.StatePath = "" }},
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"bad stats interval", func(c *Config) { c.StatsInterval = "soon" }},
		{"bad latency interval", func(c *Config) { c.LatencyInterval = "later" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad tunnel", func(c *Config) { c.Tunnel = &core.TunnelConfiguration{} }},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(cfg)
		assert.Error(t, cfg.Validate(), tc.name)
	}
}

func TestIntervalDurations(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, time.Second, cfg.StatsIntervalDuration())
	assert.Equal(t, 10*time.Second, cfg.LatencyIntervalDuration())

	cfg.StatsInterval = "garbage"
	cfg.LatencyInterval = "-5s"
	assert.Equal(t, time.Second, cfg.StatsIntervalDuration())
	assert.Equal(t, 10*time.Second, cfg.LatencyIntervalDuration())
}
