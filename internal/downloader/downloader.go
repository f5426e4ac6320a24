// Package downloader implements the sibling of loader that materializes a
// manifest's modules to a directory instead of linking them into an engine
// (spec §4.E). It reuses the same FetchPipeline tiered resolution; only the
// sink differs.
package downloader

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"zipline/internal/fetch"
	"zipline/internal/observability"
	"zipline/internal/zerrors"
	"zipline/pkg/zipline/manifest"
)

// manifestFilename is the name Downloader writes the resolved manifest
// under inside the target directory (spec §4.E, §6).
const manifestFilename = "manifest.zipline.json"

// Downloader resolves every module of a manifest and writes the raw
// ZiplineFile bytes to <download_dir>/<hex(module.sha256)>, plus the
// manifest JSON itself, using atomic temp+rename writes.
type Downloader struct {
	pipeline *fetch.Pipeline
	listener observability.Listener
	metrics  *metrics
	appName  string
}

// Option configures a Downloader at construction.
type Option func(*Downloader)

// WithListener attaches an observability.Listener for failure reporting.
func WithListener(l observability.Listener) Option {
	return func(d *Downloader) { d.listener = l }
}

// WithRegisterer registers the downloader's Prometheus metrics against reg.
// Without it the metrics are kept but registered nowhere.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(d *Downloader) { d.metrics = newMetrics(reg) }
}

// New constructs a Downloader around pipeline.
func New(pipeline *fetch.Pipeline, appName string, opts ...Option) *Downloader {
	d := &Downloader{
		pipeline: pipeline,
		listener: observability.NopListener{},
		appName:  appName,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = newMetrics(nil)
	}
	return d
}

// Download fetches manifestURL, resolves every module's bytes concurrently,
// and writes them under downloadDir. Dependency ordering is not enforced
// here: the sinks (independent files) have no ordering requirement, so
// every module task runs without waiting on its dependencies (spec §4.E).
// It fails fast on the first error, cancelling siblings.
func (d *Downloader) Download(ctx context.Context, manifestURL, downloadDir string) error {
	start := time.Now()
	m, err := d.pipeline.FetchManifest(ctx, manifestURL)
	if err != nil {
		d.metrics.observeDownload(time.Since(start).Seconds(), false)
		return err
	}

	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		d.metrics.observeDownload(time.Since(start).Seconds(), false)
		return zerrors.New(zerrors.KindCacheIoError, "create download dir", err)
	}

	wire, err := m.Marshal()
	if err != nil {
		d.metrics.observeDownload(time.Since(start).Seconds(), false)
		return zerrors.New(zerrors.KindMalformedManifest, "marshal manifest", err)
	}
	if err := writeAtomic(filepath.Join(downloadDir, manifestFilename), wire, 0o644); err != nil {
		d.metrics.observeDownload(time.Since(start).Seconds(), false)
		return zerrors.New(zerrors.KindCacheIoError, "write manifest", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)

	for _, id := range m.ModuleIDs() {
		id := id
		mod, _ := m.Module(id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.runTask(runCtx, downloadDir, manifestURL, id, mod); err != nil {
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}()
	}
	wg.Wait()

	d.metrics.observeDownload(time.Since(start).Seconds(), firstErr == nil)
	return firstErr
}

func (d *Downloader) runTask(ctx context.Context, downloadDir, manifestURL, id string, mod manifest.Module) error {
	data, err := d.pipeline.ResolveModuleBytes(ctx, id, mod, manifestURL)
	if err != nil {
		// The pipeline already reported this failure to the listener.
		return err
	}

	path := filepath.Join(downloadDir, mod.SHA256.String())
	if err := writeAtomic(path, data, 0o644); err != nil {
		wrapped := zerrors.New(zerrors.KindCacheIoError, "write module "+id, err)
		d.reportFailure(mod.URL, id, wrapped)
		return wrapped
	}

	d.metrics.observeModuleWritten()
	return nil
}

func (d *Downloader) reportFailure(url, moduleID string, err error) {
	kind := "Unknown"
	var zerr *zerrors.Error
	if errors.As(err, &zerr) {
		kind = zerr.Kind.String()
	}
	d.listener.OnFailure(observability.FailureEvent{
		AppName:  d.appName,
		URL:      url,
		ModuleID: moduleID,
		Kind:     kind,
		Err:      err,
		At:       time.Now(),
	})
}

// writeAtomic writes content to a temp file beside path and renames it into
// place, mirroring internal/provisioner/dispatcher's writeAtomic helper.
func writeAtomic(path string, content []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
