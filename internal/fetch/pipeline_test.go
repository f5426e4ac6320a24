package fetch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"zipline/internal/cache"
	"zipline/internal/zerrors"
	"zipline/pkg/zipline/digest"
	"zipline/pkg/zipline/manifest"
)

type fakeHTTPClient struct {
	responses map[string][]byte
	errs      map[string]error
	calls     int32
}

func (f *fakeHTTPClient) Download(ctx context.Context, url string) ([]byte, error) {
	atomic.AddInt32(&f.calls, 1)
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	if data, ok := f.responses[url]; ok {
		return data, nil
	}
	return nil, errors.New("fake http client: no response configured for " + url)
}

func newTestPipeline(t *testing.T, embeddedDir string, http HTTPClient) *Pipeline {
	t.Helper()
	dir := t.TempDir()
	store, err := cache.OpenStore(context.Background(), filepath.Join(dir, "metadata.db"))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	c, err := cache.New(filepath.Join(dir, "blobs"), store, 1<<20, func() int64 { return 0 })
	if err != nil {
		t.Fatalf("cache.New failed: %v", err)
	}

	return New(embeddedDir, c, http, NewThrottle(3), "zipline-test")
}

func TestResolveModuleBytesEmbeddedTier(t *testing.T) {
	embeddedDir := t.TempDir()
	content := []byte("embedded bytecode")
	d := digest.Sum(content)
	if err := os.WriteFile(filepath.Join(embeddedDir, d.String()), content, 0o644); err != nil {
		t.Fatalf("write embedded fixture: %v", err)
	}

	http := &fakeHTTPClient{responses: map[string][]byte{}}
	p := newTestPipeline(t, embeddedDir, http)

	mod := manifest.Module{URL: "https://example.test/alpha.zpln", SHA256: d}
	data, err := p.ResolveModuleBytes(context.Background(), "alpha", mod, "https://example.test/manifest.zipline.json")
	if err != nil {
		t.Fatalf("ResolveModuleBytes failed: %v", err)
	}
	if string(data) != string(content) {
		t.Fatalf("got %q, want %q", data, content)
	}
	if atomic.LoadInt32(&http.calls) != 0 {
		t.Fatal("expected embedded tier to bypass the HTTP client entirely")
	}
}

func TestResolveModuleBytesNetworkTierThenCacheHit(t *testing.T) {
	embeddedDir := t.TempDir() // empty: nothing embedded
	content := []byte("network bytecode")
	d := digest.Sum(content)
	const moduleURL = "https://example.test/bravo.zpln"

	http := &fakeHTTPClient{responses: map[string][]byte{moduleURL: content}}
	p := newTestPipeline(t, embeddedDir, http)

	mod := manifest.Module{URL: moduleURL, SHA256: d}
	data1, err := p.ResolveModuleBytes(context.Background(), "bravo", mod, "https://example.test/manifest.zipline.json")
	if err != nil {
		t.Fatalf("first ResolveModuleBytes failed: %v", err)
	}
	if string(data1) != string(content) {
		t.Fatalf("got %q, want %q", data1, content)
	}

	data2, err := p.ResolveModuleBytes(context.Background(), "bravo", mod, "https://example.test/manifest.zipline.json")
	if err != nil {
		t.Fatalf("second ResolveModuleBytes failed: %v", err)
	}
	if string(data2) != string(content) {
		t.Fatalf("got %q, want %q", data2, content)
	}

	if got := atomic.LoadInt32(&http.calls); got != 1 {
		t.Fatalf("HTTP client invoked %d times, want 1 (second call should hit the cache)", got)
	}
}

func TestResolveModuleBytesRelativeURLResolution(t *testing.T) {
	embeddedDir := t.TempDir()
	content := []byte("relative bytecode")
	d := digest.Sum(content)
	const resolved = "https://example.test/modules/charlie.zpln"

	http := &fakeHTTPClient{responses: map[string][]byte{resolved: content}}
	p := newTestPipeline(t, embeddedDir, http)

	mod := manifest.Module{URL: "modules/charlie.zpln", SHA256: d}
	data, err := p.ResolveModuleBytes(context.Background(), "charlie", mod, "https://example.test/manifest.zipline.json")
	if err != nil {
		t.Fatalf("ResolveModuleBytes failed: %v", err)
	}
	if string(data) != string(content) {
		t.Fatalf("got %q, want %q", data, content)
	}
}

func TestResolveModuleBytesIntegrityMismatch(t *testing.T) {
	embeddedDir := t.TempDir()
	const moduleURL = "https://example.test/delta.zpln"
	wrongDigest := digest.Sum([]byte("expected content"))

	http := &fakeHTTPClient{responses: map[string][]byte{moduleURL: []byte("different content")}}
	p := newTestPipeline(t, embeddedDir, http)

	mod := manifest.Module{URL: moduleURL, SHA256: wrongDigest}
	_, err := p.ResolveModuleBytes(context.Background(), "delta", mod, "https://example.test/manifest.zipline.json")
	if !zerrors.IsIntegrityMismatch(err) {
		t.Fatalf("expected IntegrityMismatch, got %v", err)
	}
}

func TestFetchManifestNetworkSuccess(t *testing.T) {
	embeddedDir := t.TempDir()
	m := buildTestManifest(t)
	wire, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	const manifestURL = "https://example.test/manifest.zipline.json"

	http := &fakeHTTPClient{responses: map[string][]byte{manifestURL: wire}}
	p := newTestPipeline(t, embeddedDir, http)

	got, err := p.FetchManifest(context.Background(), manifestURL)
	if err != nil {
		t.Fatalf("FetchManifest failed: %v", err)
	}
	if !got.Equal(m) {
		t.Fatal("fetched manifest does not equal the original")
	}
}

func TestFetchManifestFallsBackToEmbedded(t *testing.T) {
	embeddedDir := t.TempDir()
	m := buildTestManifest(t)
	wire, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(embeddedDir, "manifest.zipline.json"), wire, 0o644); err != nil {
		t.Fatalf("write embedded manifest: %v", err)
	}
	const manifestURL = "https://example.test/manifest.zipline.json"

	http := &fakeHTTPClient{errs: map[string]error{manifestURL: errors.New("connection refused")}}
	p := newTestPipeline(t, embeddedDir, http)

	got, err := p.FetchManifest(context.Background(), manifestURL)
	if err != nil {
		t.Fatalf("FetchManifest failed: %v", err)
	}
	if !got.Equal(m) {
		t.Fatal("fetched manifest does not equal the embedded fallback")
	}
}

func TestFetchManifestNetworkAndEmbeddedBothFail(t *testing.T) {
	embeddedDir := t.TempDir() // no embedded manifest present
	const manifestURL = "https://example.test/manifest.zipline.json"

	http := &fakeHTTPClient{errs: map[string]error{manifestURL: errors.New("connection refused")}}
	p := newTestPipeline(t, embeddedDir, http)

	_, err := p.FetchManifest(context.Background(), manifestURL)
	if err == nil {
		t.Fatal("expected an error when both network and embedded fallback fail")
	}
	if !zerrors.IsNetworkError(err) {
		t.Fatalf("expected the original NetworkError to surface, got %v", err)
	}
}

func buildTestManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	modules := map[string]manifest.Module{
		"alpha": {URL: "alpha.zpln", SHA256: digest.Sum([]byte("alpha"))},
	}
	m, err := manifest.Build(modules, []string{"alpha"}, "", "", nil)
	if err != nil {
		t.Fatalf("manifest.Build failed: %v", err)
	}
	return m
}
