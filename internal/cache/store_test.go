package cache

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenStore(context.Background(), filepath.Join(dir, "metadata.db"))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTryBeginDownloadRejectsDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.TryBeginDownload(ctx, "aaaa", 1); err != nil {
		t.Fatalf("first TryBeginDownload failed: %v", err)
	}
	if err := s.TryBeginDownload(ctx, "aaaa", 2); err != ErrAlreadyExists {
		t.Fatalf("second TryBeginDownload: got %v, want ErrAlreadyExists", err)
	}
}

func TestGetReadyOnlyReturnsReadyRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.TryBeginDownload(ctx, "bbbb", 1); err != nil {
		t.Fatalf("TryBeginDownload failed: %v", err)
	}
	if _, found, err := s.GetReady(ctx, "bbbb"); err != nil || found {
		t.Fatalf("GetReady on DOWNLOADING row: found=%v err=%v, want found=false", found, err)
	}

	if err := s.MarkReady(ctx, "bbbb", 42, 2); err != nil {
		t.Fatalf("MarkReady failed: %v", err)
	}
	row, found, err := s.GetReady(ctx, "bbbb")
	if err != nil || !found {
		t.Fatalf("GetReady after MarkReady: found=%v err=%v, want found=true", found, err)
	}
	if row.SizeBytes != 42 || row.State != StateReady {
		t.Fatalf("unexpected row %+v", row)
	}
}

func TestTouchUpdatesLastAccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.TryBeginDownload(ctx, "cccc", 1); err != nil {
		t.Fatalf("TryBeginDownload failed: %v", err)
	}
	if err := s.MarkReady(ctx, "cccc", 10, 2); err != nil {
		t.Fatalf("MarkReady failed: %v", err)
	}
	if err := s.Touch(ctx, "cccc", 99); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	row, found, err := s.GetReady(ctx, "cccc")
	if err != nil || !found {
		t.Fatalf("GetReady failed: found=%v err=%v", found, err)
	}
	if row.LastAccessMs != 99 {
		t.Fatalf("LastAccessMs = %d, want 99", row.LastAccessMs)
	}
}

func TestDeleteRemovesRowRegardlessOfState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.TryBeginDownload(ctx, "dddd", 1); err != nil {
		t.Fatalf("TryBeginDownload failed: %v", err)
	}
	if err := s.Delete(ctx, "dddd"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, found, err := s.Get(ctx, "dddd"); err != nil || found {
		t.Fatalf("Get after Delete: found=%v err=%v, want found=false", found, err)
	}
	// Deleting an already-absent row is a no-op, not an error.
	if err := s.Delete(ctx, "dddd"); err != nil {
		t.Fatalf("Delete on absent row failed: %v", err)
	}
}

func TestSumReadySizeBytesIgnoresDownloading(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.TryBeginDownload(ctx, "r1", 1); err != nil {
		t.Fatalf("TryBeginDownload failed: %v", err)
	}
	if err := s.MarkReady(ctx, "r1", 30, 1); err != nil {
		t.Fatalf("MarkReady failed: %v", err)
	}
	if err := s.TryBeginDownload(ctx, "r2", 2); err != nil {
		t.Fatalf("TryBeginDownload failed: %v", err)
	}
	if err := s.MarkReady(ctx, "r2", 20, 2); err != nil {
		t.Fatalf("MarkReady failed: %v", err)
	}
	// d3 stays DOWNLOADING and must not count toward the sum.
	if err := s.TryBeginDownload(ctx, "d3", 3); err != nil {
		t.Fatalf("TryBeginDownload failed: %v", err)
	}

	total, err := s.SumReadySizeBytes(ctx)
	if err != nil {
		t.Fatalf("SumReadySizeBytes failed: %v", err)
	}
	if total != 50 {
		t.Fatalf("total = %d, want 50", total)
	}
}

func TestOldestReadyBreaksTiesByDigest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Same last_access_ms for "zzzz" and "aaaa"; ascending digest order
	// must prefer "aaaa".
	for _, d := range []string{"zzzz", "aaaa", "mmmm"} {
		if err := s.TryBeginDownload(ctx, d, 5); err != nil {
			t.Fatalf("TryBeginDownload(%s) failed: %v", d, err)
		}
		if err := s.MarkReady(ctx, d, 1, 5); err != nil {
			t.Fatalf("MarkReady(%s) failed: %v", d, err)
		}
	}

	row, found, err := s.OldestReady(ctx)
	if err != nil {
		t.Fatalf("OldestReady failed: %v", err)
	}
	if !found {
		t.Fatal("expected a READY row")
	}
	if row.DigestHex != "aaaa" {
		t.Fatalf("OldestReady digest = %q, want %q", row.DigestHex, "aaaa")
	}
}

func TestOldestReadyPrefersSmallestLastAccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []struct {
		digest string
		atMs   int64
	}{
		{"d1", 10},
		{"d2", 5},
		{"d3", 20},
	}
	for _, e := range entries {
		if err := s.TryBeginDownload(ctx, e.digest, e.atMs); err != nil {
			t.Fatalf("TryBeginDownload(%s) failed: %v", e.digest, err)
		}
		if err := s.MarkReady(ctx, e.digest, 1, e.atMs); err != nil {
			t.Fatalf("MarkReady(%s) failed: %v", e.digest, err)
		}
	}

	row, found, err := s.OldestReady(ctx)
	if err != nil || !found {
		t.Fatalf("OldestReady failed: found=%v err=%v", found, err)
	}
	if row.DigestHex != "d2" {
		t.Fatalf("OldestReady digest = %q, want %q", row.DigestHex, "d2")
	}
}

func TestOldestReadyNoneFound(t *testing.T) {
	s := newTestStore(t)
	_, found, err := s.OldestReady(context.Background())
	if err != nil {
		t.Fatalf("OldestReady failed: %v", err)
	}
	if found {
		t.Fatal("expected no READY rows in an empty store")
	}
}
