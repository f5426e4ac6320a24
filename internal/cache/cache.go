package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"zipline/internal/observability"
	"zipline/internal/zerrors"
	"zipline/pkg/zipline/digest"
)

// Producer fetches the bytes for a digest that is not yet cached. It is
// invoked at most once per digest while no READY entry exists for it
// (spec §4.B concurrency requirement and testable property P6).
type Producer func(ctx context.Context) ([]byte, error)

// Clock returns the current time as epoch milliseconds. ContentCache takes
// one as a constructor argument rather than reading a wall clock directly,
// per spec §4.B, so tests can drive eviction deterministically.
type Clock func() int64

// ContentCache is the bounded, content-addressed blob store described in
// spec §4.B: a filesystem directory of blob files, indexed by a SQLite
// metadata table, bounded by MaxSizeBytes with LRU eviction.
type ContentCache struct {
	dir          string
	store        *Store
	maxSizeBytes int64
	now          Clock
	listener     observability.Listener
	metrics      *metrics
	logger       *slog.Logger

	mu       sync.Mutex
	inflight map[string]chan struct{}
	resident *residentIndex
	totalBytes int64
}

// Option configures a ContentCache at construction.
type Option func(*ContentCache)

// WithListener attaches an observability.Listener for eviction events.
func WithListener(l observability.Listener) Option {
	return func(c *ContentCache) { c.listener = l }
}

// WithRegisterer registers the cache's Prometheus metrics against reg.
// Without it the metrics are kept but registered nowhere.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *ContentCache) { c.metrics = newMetrics(reg) }
}

// WithLogger overrides the *slog.Logger used for eviction log lines.
func WithLogger(logger *slog.Logger) Option {
	return func(c *ContentCache) { c.logger = logger }
}

// New constructs a ContentCache rooted at dir, backed by store, bounded by
// maxSizeBytes (zero means the cache stores nothing — every GetOrPut call
// re-invokes the producer). now supplies the clock (see Clock).
func New(dir string, store *Store, maxSizeBytes int64, now Clock, opts ...Option) (*ContentCache, error) {
	if now == nil {
		return nil, errors.New("cache: now must not be nil")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create cache dir: %w", err)
	}

	c := &ContentCache{
		dir:          dir,
		store:        store,
		maxSizeBytes: maxSizeBytes,
		now:          now,
		listener:     observability.NopListener{},
		inflight:     make(map[string]chan struct{}),
		resident:     newResidentIndex(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = newMetrics(nil)
	}

	ctx := context.Background()
	total, err := store.SumReadySizeBytes(ctx)
	if err != nil {
		return nil, err
	}
	c.totalBytes = total
	c.metrics.setResidentBytes(total)

	return c, nil
}

func (c *ContentCache) blobPath(digestHex string) string {
	return filepath.Join(c.dir, digestHex)
}

// GetOrPut implements spec §4.B's get_or_put operation.
func (c *ContentCache) GetOrPut(ctx context.Context, d digest.Digest, producer Producer) ([]byte, error) {
	if c.maxSizeBytes == 0 {
		// A zero-size cache stores nothing; every call re-invokes the
		// producer (spec §8 boundary behaviour) and the result is never
		// persisted.
		b, err := producer(ctx)
		if err != nil {
			return nil, err
		}
		if !d.Verify(b) {
			return nil, zerrors.New(zerrors.KindIntegrityMismatch, fmt.Sprintf("digest %s", d), nil)
		}
		c.metrics.observeMiss()
		return b, nil
	}

	hexDigest := d.String()

	retried := false
	for {
		if b, ok, err := c.tryServeReady(ctx, d, hexDigest); err != nil {
			return nil, err
		} else if ok {
			return b, nil
		}

		c.mu.Lock()
		if ch, busy := c.inflight[hexDigest]; busy {
			c.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		ch := make(chan struct{})
		c.inflight[hexDigest] = ch
		c.mu.Unlock()

		b, err := c.produceAndStore(ctx, d, hexDigest, producer)

		c.mu.Lock()
		delete(c.inflight, hexDigest)
		c.mu.Unlock()
		close(ch)

		if errors.Is(err, ErrAlreadyExists) && !retried {
			retried = true
			continue
		}
		return b, err
	}
}

// tryServeReady reads and verifies a READY entry if one exists. ok is false
// (with a nil error) if there is no READY row, signalling the caller to
// fall through to the producer path.
func (c *ContentCache) tryServeReady(ctx context.Context, d digest.Digest, hexDigest string) ([]byte, bool, error) {
	c.mu.Lock()
	sizeBytes, known := c.resident.touch(hexDigest)
	c.mu.Unlock()

	if !known {
		// Cold in this process (first access, or the row was written by a
		// different process): fall back to the SQLite round trip and let it
		// populate the index on success.
		row, found, err := c.store.GetReady(ctx, hexDigest)
		if err != nil {
			return nil, false, zerrors.New(zerrors.KindCacheIoError, "read metadata", err)
		}
		if !found {
			return nil, false, nil
		}
		sizeBytes = row.SizeBytes
	}

	b, err := os.ReadFile(c.blobPath(hexDigest))
	if err != nil {
		return nil, false, zerrors.New(zerrors.KindCacheIoError, "read blob "+hexDigest, err)
	}
	if !d.Verify(b) {
		// Corrupt cache entry: evict and treat as a miss. Spec §7 allows a
		// single retry after recovering from CorruptCacheEntry; the caller
		// loop naturally performs that retry since we return ok=false here.
		c.evictLocked(ctx, hexDigest, sizeBytes, true)
		return nil, false, nil
	}

	now := c.now()
	if err := c.store.Touch(ctx, hexDigest, now); err != nil {
		return nil, false, zerrors.New(zerrors.KindCacheIoError, "touch", err)
	}
	c.mu.Lock()
	c.resident.add(hexDigest, sizeBytes)
	entries := c.resident.len()
	c.mu.Unlock()

	c.metrics.observeHit()
	c.metrics.setResidentIndexEntries(entries)
	return b, true, nil
}

// produceAndStore performs the cache-miss path: invoke producer, verify,
// write the blob atomically, mark the row READY, and prune.
func (c *ContentCache) produceAndStore(ctx context.Context, d digest.Digest, hexDigest string, producer Producer) ([]byte, error) {
	now := c.now()
	if err := c.store.TryBeginDownload(ctx, hexDigest, now); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			// Another writer (possibly in a different process) beat us to
			// it; GetOrPut retries its read path once to observe whatever
			// state it left behind, and surfaces this error if the row is
			// still not READY.
			return nil, zerrors.New(zerrors.KindCacheIoError, "concurrent writer for "+hexDigest, err)
		}
		return nil, zerrors.New(zerrors.KindCacheIoError, "begin download", err)
	}

	b, err := producer(ctx)
	if err != nil {
		_ = c.store.Delete(ctx, hexDigest)
		return nil, err
	}

	if !d.Verify(b) {
		_ = c.store.Delete(ctx, hexDigest)
		return nil, zerrors.New(zerrors.KindIntegrityMismatch, fmt.Sprintf("digest %s", d), nil)
	}

	if err := c.writeBlobAtomic(hexDigest, b); err != nil {
		_ = c.store.Delete(ctx, hexDigest)
		return nil, zerrors.New(zerrors.KindCacheIoError, "write blob "+hexDigest, err)
	}

	size := int64(len(b))
	now = c.now()
	if err := c.store.MarkReady(ctx, hexDigest, size, now); err != nil {
		_ = os.Remove(c.blobPath(hexDigest))
		_ = c.store.Delete(ctx, hexDigest)
		return nil, zerrors.New(zerrors.KindCacheIoError, "mark ready "+hexDigest, err)
	}

	c.mu.Lock()
	c.resident.add(hexDigest, size)
	entries := c.resident.len()
	c.totalBytes += size
	total := c.totalBytes
	c.mu.Unlock()
	c.metrics.setResidentBytes(total)
	c.metrics.setResidentIndexEntries(entries)
	c.metrics.observeMiss()

	if err := c.Prune(ctx); err != nil {
		return b, err
	}
	return b, nil
}

// writeBlobAtomic writes b to a temp file beside the blob's final path in
// the cache directory and renames it into place, per spec §4.B ("write the
// blob atomically (temp file + rename)"). The temp filename is suffixed
// with a uuid so that two writers racing on the same digest (or a stale
// leftover from a crashed process) never collide.
func (c *ContentCache) writeBlobAtomic(hexDigest string, b []byte) error {
	tmpPath := c.blobPath(hexDigest) + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmpPath, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, c.blobPath(hexDigest)); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Prune implements spec §4.B's prune operation: while the sum of READY
// sizes exceeds maxSizeBytes, evict the READY row with the smallest
// last_access_ms (ties broken by ascending digest).
func (c *ContentCache) Prune(ctx context.Context) error {
	for {
		c.mu.Lock()
		over := c.totalBytes > c.maxSizeBytes
		c.mu.Unlock()
		if !over {
			return nil
		}

		victim, found, err := c.store.OldestReady(ctx)
		if err != nil {
			return zerrors.New(zerrors.KindCacheIoError, "scan for eviction candidate", err)
		}
		if !found {
			// Nothing left to evict; totalBytes has drifted from the DB.
			// Resync and stop rather than spin.
			total, sumErr := c.store.SumReadySizeBytes(ctx)
			if sumErr == nil {
				c.mu.Lock()
				c.totalBytes = total
				c.mu.Unlock()
			}
			return nil
		}

		c.evictLocked(ctx, victim.DigestHex, victim.SizeBytes, false)
	}
}

// evictLocked removes a cache row and its blob file. When corrupt is true,
// the removal is reported as a corrupt-entry eviction rather than an LRU
// eviction; both paths are otherwise identical (spec §7: "evicting the
// row" is common to both CorruptCacheEntry recovery and ordinary prune).
func (c *ContentCache) evictLocked(ctx context.Context, hexDigest string, sizeBytes int64, corrupt bool) {
	_ = os.Remove(c.blobPath(hexDigest))
	_ = c.store.Delete(ctx, hexDigest)

	c.mu.Lock()
	c.resident.remove(hexDigest)
	entries := c.resident.len()
	c.totalBytes -= sizeBytes
	if c.totalBytes < 0 {
		c.totalBytes = 0
	}
	total := c.totalBytes
	c.mu.Unlock()

	c.metrics.setResidentBytes(total)
	c.metrics.setResidentIndexEntries(entries)
	if corrupt {
		c.metrics.observeCorrupt()
		c.logger.Warn("cache entry failed re-verification, evicting",
			slog.String("digest", hexDigest),
			slog.String("size", humanize.Bytes(uint64(sizeBytes))))
	} else {
		c.metrics.observeEviction(sizeBytes)
		c.logger.Info("cache entry evicted",
			slog.String("digest", hexDigest),
			slog.String("size", humanize.Bytes(uint64(sizeBytes))),
			slog.String("resident_total", humanize.Bytes(uint64(total))))
		c.listener.OnCacheEvict(observability.EvictEvent{
			Digest:    hexDigest,
			SizeBytes: sizeBytes,
		})
	}
}

// Close releases the underlying metadata store.
func (c *ContentCache) Close() error {
	return c.store.Close()
}
