// sonded serves redox-analysis datasets to dashboard clients: it loads
// sensor data from the remote query endpoint in chunks, caches monthly
// slices locally, and exposes query and progress endpoints over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/limnetic/sonde/internal/config"
	"github.com/limnetic/sonde/internal/coordinator"
	"github.com/limnetic/sonde/internal/fetch"
	"github.com/limnetic/sonde/internal/logging"
	"github.com/limnetic/sonde/internal/remote"
	"github.com/limnetic/sonde/internal/server"
	"github.com/limnetic/sonde/internal/slicecache"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sonded: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// CLI flags
	cfgPath := flag.String("config", "config.yaml", "config file path")
	listen := flag.String("listen", "", "listen address (overrides config)")
	baseURL := flag.String("remote", "", "remote query base URL (overrides config)")
	cacheDir := flag.String("cache-dir", "", "slice cache directory (overrides config)")
	noCache := flag.Bool("no-cache", false, "disable the persistent slice cache")
	flag.Parse()

	// .env is optional; real env vars win.
	_ = godotenv.Load()

	// Load config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.DefaultConfig()
		} else {
			return fmt.Errorf("load config: %w", err)
		}
	}

	// CLI and env overrides
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *baseURL != "" {
		cfg.Remote.BaseURL = *baseURL
	}
	if env := os.Getenv("SONDE_REMOTE_URL"); env != "" && *baseURL == "" {
		cfg.Remote.BaseURL = env
	}
	if env := os.Getenv("SONDE_BEARER_TOKEN"); env != "" {
		cfg.Server.BearerToken = env
	}
	if *cacheDir != "" {
		cfg.Cache.Dir = *cacheDir
	}
	if *noCache {
		cfg.Cache.Enabled = false
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	log := logging.Component("main")
	log.Info("sonded starting", "version", Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// =========================================================================
	// Slice cache (badger on disk, or in-memory)
	// =========================================================================

	var cache *slicecache.Cache
	if cfg.Cache.Enabled {
		var kv slicecache.KV
		if cfg.Cache.Dir != "" {
			badgerKV, err := slicecache.OpenBadger(cfg.Cache.Dir)
			if err != nil {
				return fmt.Errorf("open slice store: %w", err)
			}
			defer badgerKV.Close()
			kv = badgerKV
			log.Info("slice cache on disk", "dir", cfg.Cache.Dir, "ttl", cfg.Cache.TTL)
		} else {
			kv = slicecache.NewMemoryKV()
			log.Info("slice cache in memory", "ttl", cfg.Cache.TTL)
		}

		cache, err = slicecache.New(kv, cfg.Cache.TTL)
		if err != nil {
			return fmt.Errorf("create slice cache: %w", err)
		}

		if cfg.Cache.SweepOnStart {
			if removed, err := cache.Sweep(ctx); err != nil {
				log.Warn("cache sweep failed", "error", err)
			} else if removed > 0 {
				log.Info("cache sweep removed expired slices", "removed", removed)
			}
		}
	} else {
		log.Info("slice cache disabled")
	}

	// =========================================================================
	// Loader pipeline: remote client -> chunked fetcher -> coordinator
	// =========================================================================

	client := remote.New(cfg.Remote.BaseURL, cfg.Remote.Timeout)

	fetcher := fetch.New(client, fetch.Options{
		ChunkSize:        cfg.Remote.ChunkSize,
		SiteConcurrency:  cfg.Remote.SiteConcurrency,
		MaxDepths:        cfg.Remote.MaxDepths,
		ProgressInterval: cfg.Loader.ProgressInterval,
	})

	coord := coordinator.New(fetcher, cache, coordinator.Options{
		Debounce:            cfg.Loader.Debounce,
		DownsampleGrid:      cfg.Loader.DownsampleGrid,
		SeriesPackThreshold: cfg.Loader.SeriesPackThreshold,
	})
	defer coord.Close()

	// =========================================================================
	// HTTP surface
	// =========================================================================

	srv := server.New(cfg.Server, coord)

	log.Info("remote endpoint", "base_url", cfg.Remote.BaseURL,
		"chunk_size", cfg.Remote.ChunkSize, "site_concurrency", cfg.Remote.SiteConcurrency)

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	log.Info("sonded stopped")
	return nil
}
