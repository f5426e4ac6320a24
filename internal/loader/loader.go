// Package loader orchestrates a full manifest load: fetching the manifest,
// resolving each module's bytes concurrently, and linking modules into the
// engine in dependency order (spec §4.D).
package loader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"zipline/internal/engine"
	"zipline/internal/fetch"
	"zipline/internal/observability"
	"zipline/internal/zerrors"
	"zipline/pkg/zipline/manifest"
	"zipline/pkg/zipline/ziplinefile"
)

// Loader loads all modules of a manifest into an engine.Sink, overlapping
// fetches with linking (spec §4.D's design rationale).
type Loader struct {
	pipeline *fetch.Pipeline
	listener observability.Listener
	metrics  *metrics
	appName  string
}

// Option configures a Loader at construction.
type Option func(*Loader)

// WithListener attaches an observability.Listener for failure and link
// reporting.
func WithListener(l observability.Listener) Option {
	return func(ld *Loader) { ld.listener = l }
}

// WithRegisterer registers the loader's Prometheus metrics against reg.
// Without it the metrics are kept but registered nowhere.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(ld *Loader) { ld.metrics = newMetrics(reg) }
}

// New constructs a Loader around pipeline. appName is reported on every
// FailureEvent.
func New(pipeline *fetch.Pipeline, appName string, opts ...Option) *Loader {
	l := &Loader{
		pipeline: pipeline,
		listener: observability.NopListener{},
		appName:  appName,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = newMetrics(nil)
	}
	return l
}

// Load implements spec §4.D's load(engine, manifest_url) contract: fetch
// and parse the manifest, spawn one concurrent task per module, resolve and
// decode each module's bytes, await upstream dependencies, then link on the
// engine's single-threaded dispatcher. It fails fast on the first task
// error, cancelling its siblings, and never leaks a task: every goroutine
// this call starts observes ctx.Done() at each suspension point and
// returns.
func (l *Loader) Load(ctx context.Context, sink engine.Sink, manifestURL string) error {
	start := time.Now()
	m, err := l.pipeline.FetchManifest(ctx, manifestURL)
	if err != nil {
		l.metrics.observeLoad(time.Since(start).Seconds(), false)
		return err
	}

	dispatcher := engine.NewDispatcher(sink)
	defer dispatcher.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ids := m.ModuleIDs()
	linked := make(map[string]chan struct{}, len(ids))
	for _, id := range ids {
		linked[id] = make(chan struct{})
	}

	correlationID := observability.NewCorrelationID()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)

	for _, id := range ids {
		id := id
		mod, _ := m.Module(id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(linked[id])

			if err := l.runTask(runCtx, dispatcher, manifestURL, id, mod, linked, correlationID); err != nil {
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}()
	}

	wg.Wait()
	l.metrics.observeLoad(time.Since(start).Seconds(), firstErr == nil)
	return firstErr
}

// runTask implements a single module's T_M per spec §4.D step 3: resolve,
// decode, await dependencies, then link.
func (l *Loader) runTask(ctx context.Context, dispatcher *engine.Dispatcher, manifestURL, id string, mod manifest.Module, linked map[string]chan struct{}, correlationID string) error {
	data, err := l.pipeline.ResolveModuleBytes(ctx, id, mod, manifestURL)
	if err != nil {
		// The pipeline already reported this failure to the listener.
		return err
	}

	zf, err := ziplinefile.Decode(data)
	if err != nil {
		wrapped := wrapDecodeError(err)
		l.reportFailure(mod.URL, id, correlationID, wrapped)
		return wrapped
	}

	for _, dep := range mod.DependsOnIDs {
		select {
		case <-linked[dep]:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		// A sibling already failed; do not link on top of a cancelled load.
		return err
	}

	if err := dispatcher.Install(ctx, id, zf.Bytecode); err != nil {
		wrapped := zerrors.New(zerrors.KindEngineError, "install "+id, err)
		l.reportFailure(mod.URL, id, correlationID, wrapped)
		return wrapped
	}

	l.metrics.observeLinked()
	l.listener.OnModuleLinked(observability.LinkEvent{
		CorrelationID: correlationID,
		ModuleID:      id,
		BytecodeBytes: len(zf.Bytecode),
		At:            time.Now(),
	})
	return nil
}

func (l *Loader) reportFailure(url, moduleID, correlationID string, err error) {
	kind := "Unknown"
	var zerr *zerrors.Error
	if errors.As(err, &zerr) {
		kind = zerr.Kind.String()
	}
	l.listener.OnFailure(observability.FailureEvent{
		CorrelationID: correlationID,
		AppName:       l.appName,
		URL:           url,
		ModuleID:      moduleID,
		Kind:          kind,
		Err:           err,
		At:            time.Now(),
	})
}

// wrapDecodeError classifies a ziplinefile decode error into the zerrors
// taxonomy: an unrecognized version tag is UnsupportedFileVersion, any
// other framing failure is MalformedZiplineFile (spec §6, §7).
func wrapDecodeError(err error) error {
	var unsupported *ziplinefile.UnsupportedVersionError
	if errors.As(err, &unsupported) {
		return zerrors.New(zerrors.KindUnsupportedFileVersion, "decode ziplinefile", err)
	}
	return zerrors.New(zerrors.KindMalformedZiplineFile, "decode ziplinefile", err)
}
