package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents a skipplus node or cluster's configuration.
type Config struct {
	Framework FrameworkConfig `yaml:"framework"`
	Overlay   OverlayConfig   `yaml:"overlay"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Emergency EmergencyConfig `yaml:"emergency"`
}

// FrameworkConfig contains general process settings.
type FrameworkConfig struct {
	Version   string `yaml:"version"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// OverlayConfig contains SKIP+ overlay tuning (spec.md §4.1-§4.3).
type OverlayConfig struct {
	// BitLength is the length in bits of a node's random rs string,
	// which bounds the overlay's level count.
	BitLength uint `yaml:"bit_length"`
	// TickInterval is how often a node runs its periodic timeout
	// maintenance routine.
	TickInterval time.Duration `yaml:"tick_interval"`
	// WorkerCount bounds the concurrent fire-and-forget linearise RPCs
	// a node's delegate/bridge pass may have in flight at once.
	WorkerCount int `yaml:"worker_count"`
	// OutboundRPSLimit caps how many linearise RPCs a node may initiate
	// per second. Zero means unlimited.
	OutboundRPSLimit float64 `yaml:"outbound_rps_limit"`
}

// ClusterConfig controls how many nodes this process starts and how
// they join an overlay.
type ClusterConfig struct {
	Host     string `yaml:"host"`
	BasePort int    `yaml:"base_port"`
	Count    int    `yaml:"count"`
	// Connect, if non-empty, is the host:port of an existing node this
	// process's first node should introduce itself to.
	Connect string `yaml:"connect"`
}

// MetricsConfig contains Prometheus exposition settings.
type MetricsConfig struct {
	Addr    string `yaml:"addr"`
	Enabled bool   `yaml:"enabled"`
}

// EmergencyConfig contains emergency stop settings.
type EmergencyConfig struct {
	StopFile           string        `yaml:"stop_file"`
	AutoCleanupTimeout time.Duration `yaml:"auto_cleanup_timeout"`
}

// DefaultConfig returns a default configuration for a single-node,
// unconnected cluster.
func DefaultConfig() *Config {
	return &Config{
		Framework: FrameworkConfig{
			Version:   "v1",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Overlay: OverlayConfig{
			BitLength:        16,
			TickInterval:     1 * time.Second,
			WorkerCount:      8,
			OutboundRPSLimit: 0,
		},
		Cluster: ClusterConfig{
			Host:     "127.0.0.1",
			BasePort: 33000,
			Count:    1,
		},
		Metrics: MetricsConfig{
			Addr:    ":9600",
			Enabled: true,
		},
		Emergency: EmergencyConfig{
			StopFile:           "/tmp/skipplus-emergency-stop",
			AutoCleanupTimeout: 5 * time.Minute,
		},
	}
}

// Load loads configuration from a YAML file, falling back to
// DefaultConfig() if path does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = "config.yaml"
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	if err := yaml.Unmarshal(expandedData, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Overlay.BitLength < 1 {
		return fmt.Errorf("overlay.bit_length must be at least 1")
	}
	if c.Overlay.BitLength%8 != 0 {
		return fmt.Errorf("overlay.bit_length must be a multiple of 8, got %d", c.Overlay.BitLength)
	}
	if c.Overlay.TickInterval <= 0 {
		return fmt.Errorf("overlay.tick_interval must be positive")
	}
	if c.Overlay.WorkerCount < 1 {
		return fmt.Errorf("overlay.worker_count must be at least 1")
	}
	if c.Cluster.Host == "" {
		return fmt.Errorf("cluster.host is required")
	}
	if c.Cluster.Count < 1 {
		return fmt.Errorf("cluster.count must be at least 1")
	}
	if c.Cluster.BasePort < 1 || c.Cluster.BasePort > 65535 {
		return fmt.Errorf("cluster.base_port must be a valid TCP port")
	}

	return nil
}
