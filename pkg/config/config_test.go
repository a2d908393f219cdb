package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig() should validate, got: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cluster.Count != DefaultConfig().Cluster.Count {
		t.Errorf("Cluster.Count = %d, want default %d", cfg.Cluster.Count, DefaultConfig().Cluster.Count)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cluster.Count = 5
	cfg.Cluster.BasePort = 9500
	cfg.Overlay.BitLength = 32

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Cluster.Count != 5 || loaded.Cluster.BasePort != 9500 || loaded.Overlay.BitLength != 32 {
		t.Errorf("loaded config = %+v, want count=5 base_port=9500 bit_length=32", loaded)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero bit length", func(c *Config) { c.Overlay.BitLength = 0 }},
		{"bit length not a multiple of 8", func(c *Config) { c.Overlay.BitLength = 10 }},
		{"zero tick interval", func(c *Config) { c.Overlay.TickInterval = 0 }},
		{"zero worker count", func(c *Config) { c.Overlay.WorkerCount = 0 }},
		{"empty host", func(c *Config) { c.Cluster.Host = "" }},
		{"zero count", func(c *Config) { c.Cluster.Count = 0 }},
		{"bad port", func(c *Config) { c.Cluster.BasePort = 70000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
