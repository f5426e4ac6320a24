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
	"zipline/internal/fetch"
	"zipline/internal/loader"
	"zipline/internal/logging"
	"zipline/internal/observability"
)

// stdoutSink is a placeholder engine.Sink that records which modules would
// have been linked into a real JS engine; wiring an actual engine is out of
// scope here.
type stdoutSink struct {
	logger *slog.Logger
}

func (s *stdoutSink) Install(ctx context.Context, moduleID string, bytecode []byte) error {
	s.logger.Info("module ready to link", "module_id", moduleID, "bytecode_bytes", len(bytecode))
	return nil
}

func main() {
	var (
		manifestURL = flag.String("manifest-url", "", "URL of the application manifest to load")
		logLevel    = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	logger := logging.New(*logLevel)
	slog.SetDefault(logger)

	if *manifestURL == "" {
		fatalf("--manifest-url is required")
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
	listener := observability.NewSlogListener(logger, "zipline-load")

	pipeline := fetch.New(cfg.EmbeddedDir, contentCache, httpClient, throttle, "zipline-load",
		fetch.WithListener(listener))
	ld := loader.New(pipeline, "zipline-load", loader.WithListener(listener))

	sink := &stdoutSink{logger: logger}
	if err := ld.Load(ctx, sink, *manifestURL); err != nil {
		fatalf("load: %v", err)
	}

	logger.Info("load complete", "manifest_url", *manifestURL)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "zipline-load: "+format+"\n", args...)
	os.Exit(1)
}
