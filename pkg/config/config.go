// Package config provides configuration handling for the veild daemon.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/veildns/veild/pkg/core"
	"github.com/veildns/veild/pkg/logging"
)

// Config is the complete daemon configuration.
type Config struct {
	// StatePath is where the configuration store persists the active
	// tunnel configuration and last-known status.
	StatePath string `json:"state_path" yaml:"statePath" toml:"state_path"`

	// Listen is the control API listen address.
	Listen string `json:"listen" yaml:"listen" toml:"listen"`

	// StatsInterval is the stats publishing cadence, e.g. "1s".
	StatsInterval string `json:"stats_interval" yaml:"statsInterval" toml:"stats_interval"`

	// LatencyInterval is the resolver latency probe cadence, e.g. "10s".
	LatencyInterval string `json:"latency_interval" yaml:"latencyInterval" toml:"latency_interval"`

	// Tunnel optionally seeds the tunnel configuration on first start.
	// It is ignored when the store already holds one.
	Tunnel *core.TunnelConfiguration `json:"tunnel,omitempty" yaml:"tunnel,omitempty" toml:"tunnel,omitempty"`

	// Filter configures the built-in static engine. A real deployment
	// swaps in the external filtering engine instead.
	Filter FilterConfig `json:"filter" yaml:"filter" toml:"filter"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging" toml:"logging"`
}

// FilterConfig feeds the reference filtering engine.
type FilterConfig struct {
	// Blocked lists domains answered with NXDOMAIN, including their
	// subdomains.
	Blocked []string `json:"blocked,omitempty" yaml:"blocked,omitempty" toml:"blocked,omitempty"`

	// Rewrites maps domains to the address their A/AAAA queries are
	// answered with locally.
	Rewrites map[string]string `json:"rewrites,omitempty" yaml:"rewrites,omitempty" toml:"rewrites,omitempty"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level" toml:"level"`

	// File is the log file path; empty disables file logging.
	File string `json:"file" yaml:"file" toml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"max_size" yaml:"maxSize" toml:"max_size"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"max_backups" yaml:"maxBackups" toml:"max_backups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"max_age" yaml:"maxAge" toml:"max_age"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		StatePath:       "/var/lib/veild/state.json",
		Listen:          "127.0.0.1:8553",
		StatsInterval:   "1s",
		LatencyInterval: "10s",
		Logging: LoggingConfig{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a file, with the format chosen
// by extension (.json, .yaml/.yml or .toml).
func LoadFromFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse TOML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

// LoadFromEnv applies VEILD_* environment overrides on top of config.
func LoadFromEnv(config *Config) {
	if val := os.Getenv("VEILD_STATE_PATH"); val != "" {
		config.StatePath = val
	}
	if val := os.Getenv("VEILD_LISTEN"); val != "" {
		config.Listen = val
	}
	if val := os.Getenv("VEILD_STATS_INTERVAL"); val != "" {
		config.StatsInterval = val
	}
	if val := os.Getenv("VEILD_LATENCY_INTERVAL"); val != "" {
		config.LatencyInterval = val
	}
	if val := os.Getenv("VEILD_LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("VEILD_LOG_FILE"); val != "" {
		config.Logging.File = val
	}
	if val := os.Getenv("VEILD_LOG_MAX_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxSize = n
		}
	}
	if val := os.Getenv("VEILD_DNS_SERVERS"); val != "" {
		servers := strings.Split(val, ",")
		for i := range servers {
			servers[i] = strings.TrimSpace(servers[i])
		}
		if config.Tunnel == nil {
			config.Tunnel = &core.TunnelConfiguration{ServerAddress: "env"}
		}
		config.Tunnel.DNSServers = servers
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StatePath == "" {
		return fmt.Errorf("state path cannot be empty")
	}
	if c.Listen == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if _, err := time.ParseDuration(c.StatsInterval); err != nil {
		return fmt.Errorf("invalid stats interval: %w", err)
	}
	if _, err := time.ParseDuration(c.LatencyInterval); err != nil {
		return fmt.Errorf("invalid latency interval: %w", err)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Tunnel != nil {
		if err := c.Tunnel.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// StatsIntervalDuration returns the parsed stats cadence.
func (c *Config) StatsIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.StatsInterval)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// LatencyIntervalDuration returns the parsed latency probe cadence.
func (c *Config) LatencyIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.LatencyInterval)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.InfoLevel
	}
	logging.SetLevel(level)

	if c.Logging.File != "" {
		if err := logging.EnableFileLogging(c.Logging.File, c.Logging.MaxSize, c.Logging.MaxBackups, c.Logging.MaxAge); err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}
	return nil
}
