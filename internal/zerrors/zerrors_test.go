package zerrors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsHelpersMatchKind(t *testing.T) {
	err := New(KindIntegrityMismatch, "digest mismatch", errors.New("boom"))

	if !IsIntegrityMismatch(err) {
		t.Fatal("expected IsIntegrityMismatch to match")
	}
	if IsNetworkError(err) {
		t.Fatal("did not expect IsNetworkError to match")
	}
}

func TestWrappedErrorStillMatchesKind(t *testing.T) {
	inner := New(KindCacheIoError, "disk full", nil)
	wrapped := fmt.Errorf("prune failed: %w", inner)

	if !IsCacheIoError(wrapped) {
		t.Fatal("expected IsCacheIoError to see through fmt.Errorf wrapping")
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := New(KindNetworkError, "fetch failed", errors.New("connection refused"))
	msg := err.Error()
	if msg == "" {
		t.Fatal("expected non-empty error message")
	}
	if !strings.Contains(msg, "connection refused") {
		t.Fatalf("expected message to include cause, got %q", msg)
	}
	if !errors.Is(err, sentinel(KindNetworkError)) {
		t.Fatal("expected Is to match own kind")
	}
}
