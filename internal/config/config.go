// Package config holds the loader configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete loader configuration.
type Config struct {
	// Remote configures the remote query endpoint.
	Remote RemoteConfig `yaml:"remote"`

	// Loader configures request coordination and reuse policy.
	Loader LoaderConfig `yaml:"loader"`

	// Cache configures the persistent slice cache.
	Cache CacheConfig `yaml:"cache"`

	// Server configures the HTTP surface.
	Server ServerConfig `yaml:"server"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// RemoteConfig configures the remote query endpoint.
type RemoteConfig struct {
	// BaseURL is the query endpoint base URL.
	BaseURL string `yaml:"base_url"`

	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration `yaml:"timeout"`

	// ChunkSize is the requested page size for chunked fetches.
	ChunkSize int `yaml:"chunk_size"`

	// SiteConcurrency bounds how many sites are fetched in parallel.
	SiteConcurrency int `yaml:"site_concurrency"`

	// MaxDepths limits how many distinct depths the endpoint returns
	// per site. Zero means no limit.
	MaxDepths int `yaml:"max_depths"`
}

// LoaderConfig configures request coordination and reuse policy.
type LoaderConfig struct {
	// Debounce is the window in which rapid successive filter edits
	// coalesce into one request.
	Debounce time.Duration `yaml:"debounce"`

	// ProgressInterval throttles progress events to at most one per
	// interval.
	ProgressInterval time.Duration `yaml:"progress_interval"`

	// DownsampleGrid is the alignment grid for fidelity downsampling.
	// Records whose timestamp aligns to this grid survive the filter.
	DownsampleGrid time.Duration `yaml:"downsample_grid"`

	// SeriesPackThreshold is the row count above which series columns
	// are packed into preallocated fixed-width buffers.
	SeriesPackThreshold int `yaml:"series_pack_threshold"`
}

// CacheConfig configures the persistent slice cache.
type CacheConfig struct {
	// Enabled enables the persistent cache. When disabled every request
	// goes to the network.
	Enabled bool `yaml:"enabled"`

	// Dir is the on-disk store directory. Empty selects the in-memory
	// store.
	Dir string `yaml:"dir"`

	// TTL is the slice validity window.
	TTL time.Duration `yaml:"ttl"`

	// SweepOnStart removes expired slices opportunistically at startup.
	SweepOnStart bool `yaml:"sweep_on_start"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Listen is the listen address.
	Listen string `yaml:"listen"`

	// BearerToken, when set, is required on every request.
	BearerToken string `yaml:"bearer_token"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON selects JSON log output.
	JSON bool `yaml:"json"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			BaseURL:         "http://localhost:8600",
			Timeout:         30 * time.Second,
			ChunkSize:       100000,
			SiteConcurrency: 2,
		},
		Loader: LoaderConfig{
			Debounce:            300 * time.Millisecond,
			ProgressInterval:    200 * time.Millisecond,
			DownsampleGrid:      2 * time.Hour,
			SeriesPackThreshold: 20000,
		},
		Cache: CacheConfig{
			Enabled:      true,
			TTL:          10 * time.Minute,
			SweepOnStart: true,
		},
		Server: ServerConfig{
			Listen: "0.0.0.0:8610",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Remote.ChunkSize <= 0 {
		return fmt.Errorf("remote.chunk_size must be positive, got %d", c.Remote.ChunkSize)
	}
	if c.Remote.SiteConcurrency <= 0 {
		return fmt.Errorf("remote.site_concurrency must be positive, got %d", c.Remote.SiteConcurrency)
	}
	if c.Loader.Debounce < 0 {
		return fmt.Errorf("loader.debounce must not be negative")
	}
	if c.Loader.ProgressInterval <= 0 {
		return fmt.Errorf("loader.progress_interval must be positive")
	}
	if c.Loader.DownsampleGrid <= 0 {
		return fmt.Errorf("loader.downsample_grid must be positive")
	}
	if c.Loader.SeriesPackThreshold < 0 {
		return fmt.Errorf("loader.series_pack_threshold must not be negative")
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive when cache is enabled")
	}
	return nil
}
