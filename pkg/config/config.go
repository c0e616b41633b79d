// Package config loads and validates the proxy configuration file.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level proxy configuration.
type Config struct {
	// ListenAddress is the TCP address the proxy accepts clients on.
	ListenAddress string `yaml:"listen_address"`

	// BufferSize is the per-direction relay buffer size in bytes (1-65536).
	BufferSize int `yaml:"buffer_size"`

	// MaxConnections caps concurrently proxied connections. Excess
	// connections queue in the OS accept backlog.
	MaxConnections int `yaml:"max_connections"`

	// ConnectTimeoutSec bounds target connection establishment, in seconds.
	ConnectTimeoutSec int `yaml:"connect_timeout"`

	// Users maps usernames to bcrypt hashes (or plaintext passwords, which
	// are hashed at startup). An empty map disables authentication.
	Users map[string]string `yaml:"users"`

	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig controls the logging sink.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `yaml:"level"`
	// Path is an optional log file; empty logs to console only.
	Path string `yaml:"path"`
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Listen     string `yaml:"listen"`
	Path       string `yaml:"path"`
	HealthPath string `yaml:"health_path"`
}

// DefaultConfig returns the configuration used when fields are absent
// from the file.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:     "127.0.0.1:1080",
		BufferSize:        4096,
		MaxConnections:    128,
		ConnectTimeoutSec: 10,
		Users:             map[string]string{},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			Listen:     ":9100",
			Path:       "/metrics",
			HealthPath: "/health",
		},
	}
}

// Load reads, parses and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("config: listen_address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		return fmt.Errorf("config: invalid listen_address %q: %w", c.ListenAddress, err)
	}
	if c.BufferSize < 1 || c.BufferSize > 65536 {
		return fmt.Errorf("config: buffer_size must be between 1 and 65536, got %d", c.BufferSize)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("config: max_connections must be at least 1, got %d", c.MaxConnections)
	}
	if c.ConnectTimeoutSec < 1 {
		return fmt.Errorf("config: connect_timeout must be at least 1 second, got %d", c.ConnectTimeoutSec)
	}
	if c.Metrics.Enabled {
		_, metricsPort, err := net.SplitHostPort(c.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("config: invalid metrics.listen %q: %w", c.Metrics.Listen, err)
		}
		if _, mainPort, err := net.SplitHostPort(c.ListenAddress); err == nil && mainPort == metricsPort {
			return fmt.Errorf("config: metrics.listen port %s conflicts with listen_address", metricsPort)
		}
	}
	return nil
}

// ConnectTimeout returns the connect timeout as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// GenerateExampleConfig returns a commented example configuration file.
func GenerateExampleConfig() string {
	return `# rust-proxy configuration

# Address the proxy listens on for SOCKS5 and HTTP clients.
listen_address: "127.0.0.1:1080"

# Relay buffer size in bytes (1-65536).
buffer_size: 4096

# Maximum number of concurrently proxied connections. Additional
# connections wait in the OS accept backlog until a slot frees up.
max_connections: 128

# Timeout for establishing target connections, in seconds.
connect_timeout: 10

# Username -> password map. Values may be bcrypt hashes generated with
# 'rust-proxy hash <password>' or plaintext (hashed at startup).
# An empty map disables authentication for both protocols.
users: {}
#  alice: "$2a$10$..."

log:
  level: "info"            # trace, debug, info, warn, error
  # path: "logs/proxy.log" # optional file sink in addition to console

# Optional Prometheus endpoint.
metrics:
  enabled: false
  listen: ":9100"
  path: "/metrics"
  health_path: "/health"
`
}

// WriteExampleConfig writes the example configuration to path.
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
