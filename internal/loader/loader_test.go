package loader

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"zipline/internal/cache"
	"zipline/internal/fetch"
	"zipline/pkg/zipline/digest"
	"zipline/pkg/zipline/manifest"
	"zipline/pkg/zipline/ziplinefile"
)

type fakeHTTPClient struct {
	mu        sync.Mutex
	responses map[string][]byte
	errs      map[string]error
	gate      map[string]chan struct{} // url -> channel that must close before Download returns
}

func (f *fakeHTTPClient) Download(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	gate := f.gate[url]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	return f.responses[url], nil
}

type recordingSink struct {
	mu    sync.Mutex
	calls []string
}

func (s *recordingSink) Install(ctx context.Context, moduleID string, bytecode []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, moduleID)
	return nil
}

func newTestLoader(t *testing.T, http fetch.HTTPClient) *Loader {
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

	pipeline := fetch.New(t.TempDir(), c, http, fetch.NewThrottle(3), "zipline-test")
	return New(pipeline, "zipline-test")
}

func buildModule(content []byte) ([]byte, digest.Digest) {
	encoded := ziplinefile.EncodeCurrent(content)
	return encoded, digest.Sum(encoded)
}

func TestLoadLinksDependenciesBeforeDependents(t *testing.T) {
	alphaEncoded, alphaDigest := buildModule([]byte("alpha bytecode"))
	bravoEncoded, bravoDigest := buildModule([]byte("bravo bytecode"))

	const alphaURL = "https://example.test/alpha.zpln"
	const bravoURL = "https://example.test/bravo.zpln"
	const manifestURL = "https://example.test/manifest.zipline.json"

	alphaGate := make(chan struct{})

	http := &fakeHTTPClient{
		responses: map[string][]byte{alphaURL: alphaEncoded, bravoURL: bravoEncoded},
		gate:      map[string]chan struct{}{alphaURL: alphaGate},
	}

	modules := map[string]manifest.Module{
		"alpha": {URL: alphaURL, SHA256: alphaDigest},
		"bravo": {URL: bravoURL, SHA256: bravoDigest, DependsOnIDs: []string{"alpha"}},
	}
	m, err := manifest.Build(modules, []string{"alpha", "bravo"}, "", "", nil)
	if err != nil {
		t.Fatalf("manifest.Build failed: %v", err)
	}

	wire, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	http.responses[manifestURL] = wire

	l := newTestLoader(t, http)
	sink := &recordingSink{}

	loadDone := make(chan error, 1)
	go func() {
		loadDone <- l.Load(context.Background(), sink, manifestURL)
	}()

	// Give bravo's fetch (which is not gated) a chance to complete well
	// before alpha's; it must still not be linked until alpha is.
	time.Sleep(20 * time.Millisecond)
	sink.mu.Lock()
	linkedSoFar := append([]string(nil), sink.calls...)
	sink.mu.Unlock()
	if len(linkedSoFar) != 0 {
		t.Fatalf("expected no modules linked before alpha's fetch unblocks, got %v", linkedSoFar)
	}

	close(alphaGate)

	select {
	case err := <-loadDone:
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Load did not complete in time")
	}

	if len(sink.calls) != 2 || sink.calls[0] != "alpha" || sink.calls[1] != "bravo" {
		t.Fatalf("sink.calls = %v, want [alpha bravo]", sink.calls)
	}
}

func TestLoadFailsFastAndCancelsSiblings(t *testing.T) {
	goodEncoded, goodDigest := buildModule([]byte("fine bytecode"))

	const goodURL = "https://example.test/good.zpln"
	const badURL = "https://example.test/bad.zpln"
	const manifestURL = "https://example.test/manifest.zipline.json"

	http := &fakeHTTPClient{
		responses: map[string][]byte{goodURL: goodEncoded},
		errs:      map[string]error{badURL: errors.New("connection refused")},
	}

	modules := map[string]manifest.Module{
		"good": {URL: goodURL, SHA256: goodDigest},
		"bad":  {URL: badURL, SHA256: digest.Sum([]byte("irrelevant"))},
	}
	m, err := manifest.Build(modules, []string{"good", "bad"}, "", "", nil)
	if err != nil {
		t.Fatalf("manifest.Build failed: %v", err)
	}
	wire, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	http.responses[manifestURL] = wire

	l := newTestLoader(t, http)
	sink := &recordingSink{}

	done := make(chan error, 1)
	go func() { done <- l.Load(context.Background(), sink, manifestURL) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Load to fail when one module's fetch fails")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Load did not fail fast; a task likely leaked")
	}
}

func TestLoadEachModuleReceivedExactlyOnce(t *testing.T) {
	aEncoded, aDigest := buildModule([]byte("a"))
	bEncoded, bDigest := buildModule([]byte("b"))
	cEncoded, cDigest := buildModule([]byte("c"))

	urls := map[string]string{"a": "https://example.test/a.zpln", "b": "https://example.test/b.zpln", "c": "https://example.test/c.zpln"}
	const manifestURL = "https://example.test/manifest.zipline.json"

	http := &fakeHTTPClient{responses: map[string][]byte{
		urls["a"]: aEncoded,
		urls["b"]: bEncoded,
		urls["c"]: cEncoded,
	}}

	modules := map[string]manifest.Module{
		"a": {URL: urls["a"], SHA256: aDigest},
		"b": {URL: urls["b"], SHA256: bDigest, DependsOnIDs: []string{"a"}},
		"c": {URL: urls["c"], SHA256: cDigest, DependsOnIDs: []string{"a", "b"}},
	}
	m, err := manifest.Build(modules, []string{"a", "b", "c"}, "", "", nil)
	if err != nil {
		t.Fatalf("manifest.Build failed: %v", err)
	}
	wire, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	http.responses[manifestURL] = wire

	l := newTestLoader(t, http)
	sink := &recordingSink{}

	if err := l.Load(context.Background(), sink, manifestURL); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	seen := map[string]int{}
	for _, id := range sink.calls {
		seen[id]++
	}
	for _, id := range []string{"a", "b", "c"} {
		if seen[id] != 1 {
			t.Fatalf("module %q linked %d times, want 1", id, seen[id])
		}
	}
	posA, posB, posC := indexOf(sink.calls, "a"), indexOf(sink.calls, "b"), indexOf(sink.calls, "c")
	if !(posA < posB && posB < posC) {
		t.Fatalf("link order = %v, want a before b before c", sink.calls)
	}
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
