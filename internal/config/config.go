// Package config loads the loader's tunable parameters from the
// environment, following the same Default/LoadFromEnv pair and validation
// style used throughout this codebase's other config loaders.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// LoaderConfig controls the fetch pipeline, cache, and loader.
type LoaderConfig struct {
	// EmbeddedDir is the directory of trusted, precompiled build outputs
	// consulted before the cache or network (§4.C tier 1).
	EmbeddedDir string

	// CacheDir is the root of the on-disk content-addressed blob store.
	CacheDir string

	// MetadataDBPath is the path to the cache's SQLite metadata database.
	MetadataDBPath string

	// MaxCacheSizeBytes bounds the sum of READY blob sizes (invariant C1).
	// Zero means the cache stores nothing; every get_or_put re-invokes the
	// producer.
	MaxCacheSizeBytes int64

	// ConcurrentDownloads bounds simultaneous network fetches. Must be
	// strictly positive.
	ConcurrentDownloads int

	// ManifestFetchTimeout is loaded and validated here, but the commands in
	// cmd/ do not apply it: the manifest fetch is bounded by
	// ModuleFetchTimeout like every other request.
	ManifestFetchTimeout time.Duration

	// ModuleFetchTimeout is the HTTP client timeout the commands in cmd/
	// construct their client with; it bounds each module and manifest fetch.
	ModuleFetchTimeout time.Duration
}

// DefaultLoaderConfig returns the loader's default configuration.
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		EmbeddedDir:          "./embedded",
		CacheDir:             "/var/lib/zipline/cache",
		MetadataDBPath:       "/var/lib/zipline/cache/metadata.db",
		MaxCacheSizeBytes:    512 * 1024 * 1024,
		ConcurrentDownloads:  3,
		ManifestFetchTimeout: 15 * time.Second,
		ModuleFetchTimeout:   60 * time.Second,
	}
}

// LoadLoaderConfigFromEnv loads a LoaderConfig from environment variables,
// falling back to DefaultLoaderConfig for anything unset.
func LoadLoaderConfigFromEnv() (LoaderConfig, error) {
	cfg := DefaultLoaderConfig()

	if val := os.Getenv("ZIPLINE_EMBEDDED_DIR"); val != "" {
		cfg.EmbeddedDir = val
	}

	if val := os.Getenv("ZIPLINE_CACHE_DIR"); val != "" {
		cfg.CacheDir = val
	}

	if val := os.Getenv("ZIPLINE_METADATA_DB_PATH"); val != "" {
		cfg.MetadataDBPath = val
	}

	if val := os.Getenv("ZIPLINE_MAX_CACHE_SIZE_BYTES"); val != "" {
		size, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid ZIPLINE_MAX_CACHE_SIZE_BYTES value: %w", err)
		}
		if size < 0 {
			return cfg, fmt.Errorf("ZIPLINE_MAX_CACHE_SIZE_BYTES must be non-negative")
		}
		cfg.MaxCacheSizeBytes = size
	}

	if val := os.Getenv("ZIPLINE_CONCURRENT_DOWNLOADS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid ZIPLINE_CONCURRENT_DOWNLOADS value: %w", err)
		}
		if n <= 0 {
			return cfg, fmt.Errorf("ZIPLINE_CONCURRENT_DOWNLOADS must be strictly positive")
		}
		cfg.ConcurrentDownloads = n
	}

	if val := os.Getenv("ZIPLINE_MANIFEST_FETCH_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid ZIPLINE_MANIFEST_FETCH_TIMEOUT: %w", err)
		}
		if d <= 0 {
			return cfg, fmt.Errorf("ZIPLINE_MANIFEST_FETCH_TIMEOUT must be at least 1ns")
		}
		cfg.ManifestFetchTimeout = d
	}

	if val := os.Getenv("ZIPLINE_MODULE_FETCH_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid ZIPLINE_MODULE_FETCH_TIMEOUT: %w", err)
		}
		if d <= 0 {
			return cfg, fmt.Errorf("ZIPLINE_MODULE_FETCH_TIMEOUT must be at least 1ns")
		}
		cfg.ModuleFetchTimeout = d
	}

	return cfg, nil
}
