package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Remote.ChunkSize != 100000 {
		t.Errorf("ChunkSize = %d, want 100000", cfg.Remote.ChunkSize)
	}
	if cfg.Remote.SiteConcurrency != 2 {
		t.Errorf("SiteConcurrency = %d, want 2", cfg.Remote.SiteConcurrency)
	}
	if cfg.Loader.Debounce != 300*time.Millisecond {
		t.Errorf("Debounce = %v, want 300ms", cfg.Loader.Debounce)
	}
	if cfg.Loader.DownsampleGrid != 2*time.Hour {
		t.Errorf("DownsampleGrid = %v, want 2h", cfg.Loader.DownsampleGrid)
	}
	if cfg.Cache.TTL != 10*time.Minute {
		t.Errorf("Cache.TTL = %v, want 10m", cfg.Cache.TTL)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
remote:
  base_url: "https://data.example.org/api"
  chunk_size: 5000
loader:
  debounce: 150ms
  downsample_grid: 1h
cache:
  enabled: true
  dir: /var/lib/sonde
  ttl: 30m
server:
  listen: "127.0.0.1:9000"
logging:
  level: debug
  json: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Remote.BaseURL != "https://data.example.org/api" {
		t.Errorf("BaseURL = %q", cfg.Remote.BaseURL)
	}
	if cfg.Remote.ChunkSize != 5000 {
		t.Errorf("ChunkSize = %d, want 5000", cfg.Remote.ChunkSize)
	}

	// Unset fields keep their defaults.
	if cfg.Remote.SiteConcurrency != 2 {
		t.Errorf("SiteConcurrency = %d, want default 2", cfg.Remote.SiteConcurrency)
	}
	if cfg.Loader.ProgressInterval != 200*time.Millisecond {
		t.Errorf("ProgressInterval = %v, want default 200ms", cfg.Loader.ProgressInterval)
	}

	if cfg.Loader.Debounce != 150*time.Millisecond {
		t.Errorf("Debounce = %v, want 150ms", cfg.Loader.Debounce)
	}
	if cfg.Cache.Dir != "/var/lib/sonde" || cfg.Cache.TTL != 30*time.Minute {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.JSON {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	// Callers fall back to defaults on a missing file, so the not-exist
	// cause must survive wrapping.
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want wrapped os.ErrNotExist", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"empty base url", func(c *Config) { c.Remote.BaseURL = "" }, false},
		{"zero chunk size", func(c *Config) { c.Remote.ChunkSize = 0 }, false},
		{"zero concurrency", func(c *Config) { c.Remote.SiteConcurrency = 0 }, false},
		{"negative debounce", func(c *Config) { c.Loader.Debounce = -time.Second }, false},
		{"zero grid", func(c *Config) { c.Loader.DownsampleGrid = 0 }, false},
		{"zero ttl with cache", func(c *Config) { c.Cache.TTL = 0 }, false},
		{"zero ttl without cache", func(c *Config) { c.Cache.Enabled = false; c.Cache.TTL = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate: %v, want ok", err)
			}
			if !tt.ok && err == nil {
				t.Error("Validate: nil, want error")
			}
		})
	}
}
