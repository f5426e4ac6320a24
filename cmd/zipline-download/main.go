package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zipline/internal/cache"
	"zipline/internal/config"
	"zipline/internal/downloader"
	"zipline/internal/fetch"
	"zipline/internal/logging"
	"zipline/internal/observability"
)

func main() {
	var (
		manifestURL = flag.String("manifest-url", "", "URL of the application manifest to download")
		downloadDir = flag.String("download-dir", "", "directory to write resolved modules and manifest into")
		logLevel    = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	logger := logging.New(*logLevel)
	slog.SetDefault(logger)

	if *manifestURL == "" {
		fatalf("--manifest-url is required")
	}
	if *downloadDir == "" {
		fatalf("--download-dir is required")
	}

	cfg, err := config.LoadLoaderConfigFromEnv()
	if err != nil {
		fatalf("load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := cache.OpenStore(ctx, cfg.MetadataDBPath)
	if err != nil {
		fatalf("open metadata store: %v", err)
	}
	defer store.Close()

	wallClock := func() int64 { return time.Now().UnixMilli() }
	contentCache, err := cache.New(cfg.CacheDir, store, cfg.MaxCacheSizeBytes, wallClock)
	if err != nil {
		fatalf("open content cache: %v", err)
	}

	httpClient := fetch.NewDefaultHTTPClient(cfg.ModuleFetchTimeout)
	throttle := fetch.NewThrottle(cfg.ConcurrentDownloads)
	listener := observability.NewSlogListener(logger, "zipline-download")

	pipeline := fetch.New(cfg.EmbeddedDir, contentCache, httpClient, throttle, "zipline-download",
		fetch.WithListener(listener))
	dl := downloader.New(pipeline, "zipline-download", downloader.WithListener(listener))

	if err := dl.Download(ctx, *manifestURL, *downloadDir); err != nil {
		fatalf("download: %v", err)
	}

	logger.Info("download complete", "manifest_url", *manifestURL, "download_dir", *downloadDir)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "zipline-download: "+format+"\n", args...)
	os.Exit(1)
}
