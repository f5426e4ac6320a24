// Package fetch implements the tiered module-bytes resolution pipeline
// (spec §4.C): embedded directory, then content cache, then network,
// bounded by a process-wide download throttle.
package fetch

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"zipline/internal/cache"
	"zipline/internal/observability"
	"zipline/internal/zerrors"
	"zipline/pkg/zipline/manifest"
)

// embeddedManifestFilename is the offline-fallback manifest's well-known
// name inside the embedded directory (spec §6).
const embeddedManifestFilename = "manifest.zipline.json"

// Pipeline resolves manifest and module bytes using the tiered lookup order
// spec §4.C describes. It does not interpret the bytes it returns.
type Pipeline struct {
	embeddedDir string
	cache       *cache.ContentCache
	http        HTTPClient
	throttle    *Throttle
	listener    observability.Listener
	metrics     *metrics
	appName     string
}

// Option configures a Pipeline at construction.
type Option func(*Pipeline)

// WithListener attaches an observability.Listener for failure reporting.
func WithListener(l observability.Listener) Option {
	return func(p *Pipeline) { p.listener = l }
}

// WithRegisterer registers the pipeline's Prometheus metrics against reg.
// Without it the metrics are kept but registered nowhere.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Pipeline) { p.metrics = newMetrics(reg) }
}

// New constructs a Pipeline. appName is reported on every FailureEvent, per
// spec §7's "application name and URL context" requirement.
func New(embeddedDir string, c *cache.ContentCache, httpClient HTTPClient, throttle *Throttle, appName string, opts ...Option) *Pipeline {
	p := &Pipeline{
		embeddedDir: embeddedDir,
		cache:       c,
		http:        httpClient,
		throttle:    throttle,
		listener:    observability.NopListener{},
		appName:     appName,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = newMetrics(nil)
	}
	return p
}

// FetchManifest downloads manifestURL over HTTP (throttled); on failure it
// falls back to the embedded manifest file. The result is parsed and
// validated. MalformedManifest from either source propagates to the caller
// after being reported to the listener.
func (p *Pipeline) FetchManifest(ctx context.Context, manifestURL string) (*manifest.Manifest, error) {
	data, netErr := p.fetchManifestOverHTTP(ctx, manifestURL)
	if netErr != nil {
		embedded, embErr := os.ReadFile(filepath.Join(p.embeddedDir, embeddedManifestFilename))
		if embErr != nil {
			p.reportFailure(manifestURL, "", "NetworkError", netErr)
			return nil, netErr
		}
		data = embedded
	}

	m, err := manifest.Parse(data)
	if err != nil {
		wrapped := zerrors.New(zerrors.KindMalformedManifest, "parse manifest "+manifestURL, err)
		p.reportFailure(manifestURL, "", "MalformedManifest", wrapped)
		return nil, wrapped
	}
	return m, nil
}

func (p *Pipeline) fetchManifestOverHTTP(ctx context.Context, manifestURL string) ([]byte, error) {
	release, err := p.throttle.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	p.metrics.setThrottleDepth(p.throttle.Len())
	defer func() {
		release()
		p.metrics.setThrottleDepth(p.throttle.Len())
	}()

	start := time.Now()
	data, err := p.http.Download(ctx, manifestURL)
	p.metrics.observeFetch(TierNetwork, time.Since(start).Seconds(), err == nil)
	if err != nil {
		return nil, zerrors.New(zerrors.KindNetworkError, "fetch manifest "+manifestURL, err)
	}
	return data, nil
}

// ResolveModuleBytes resolves the bytes for mod using the tiered lookup
// order: embedded directory, then cache-or-network. manifestURL supplies
// the base against which mod.URL is resolved when it is relative.
func (p *Pipeline) ResolveModuleBytes(ctx context.Context, moduleID string, mod manifest.Module, manifestURL string) ([]byte, error) {
	hexDigest := mod.SHA256.String()

	if data, ok := p.readEmbedded(hexDigest); ok {
		return data, nil
	}

	resolvedURL, err := resolveRelative(manifestURL, mod.URL)
	if err != nil {
		wrapped := zerrors.New(zerrors.KindNetworkError, "resolve module url "+mod.URL, err)
		p.reportFailure(mod.URL, moduleID, "NetworkError", wrapped)
		return nil, wrapped
	}

	producer := p.networkProducer(resolvedURL)

	start := time.Now()
	data, err := p.cache.GetOrPut(ctx, mod.SHA256, producer)
	p.metrics.observeFetch(TierCache, time.Since(start).Seconds(), err == nil)
	if err != nil {
		p.reportFailure(resolvedURL, moduleID, classifyKind(err), err)
		return nil, err
	}
	return data, nil
}

func (p *Pipeline) readEmbedded(hexDigest string) ([]byte, bool) {
	data, err := os.ReadFile(filepath.Join(p.embeddedDir, hexDigest))
	if err != nil {
		return nil, false
	}
	p.metrics.observeFetch(TierEmbedded, 0, true)
	return data, true
}

func (p *Pipeline) networkProducer(resolvedURL string) cache.Producer {
	return func(ctx context.Context) ([]byte, error) {
		release, err := p.throttle.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		p.metrics.setThrottleDepth(p.throttle.Len())
		defer func() {
			release()
			p.metrics.setThrottleDepth(p.throttle.Len())
		}()

		start := time.Now()
		data, err := p.http.Download(ctx, resolvedURL)
		p.metrics.observeFetch(TierNetwork, time.Since(start).Seconds(), err == nil)
		if err != nil {
			return nil, zerrors.New(zerrors.KindNetworkError, "fetch module "+resolvedURL, err)
		}
		return data, nil
	}
}

func (p *Pipeline) reportFailure(url, moduleID, kind string, err error) {
	p.listener.OnFailure(observability.FailureEvent{
		AppName:  p.appName,
		URL:      url,
		ModuleID: moduleID,
		Kind:     kind,
		Err:      err,
		At:       time.Now(),
	})
}

// classifyKind reports a human label for err's zerrors.Kind, falling back
// to "Unknown" for errors this package did not originate (e.g. a plain
// context cancellation).
func classifyKind(err error) string {
	var zerr *zerrors.Error
	if errors.As(err, &zerr) {
		return zerr.Kind.String()
	}
	return "Unknown"
}

// resolveRelative resolves ref (a module URL, possibly relative) against
// base (the manifest URL), per spec §6's "URL resolution of relative URLs
// is performed against the manifest URL's base."
func resolveRelative(base, ref string) (string, error) {
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if refURL.IsAbs() {
		return ref, nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(refURL).String(), nil
}
