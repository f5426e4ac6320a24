package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *recordingSink) Install(ctx context.Context, moduleID string, bytecode []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, moduleID)
	return s.err
}

func TestDispatcherSerializesConcurrentInstalls(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink)
	defer d.Close()

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			if err := d.Install(context.Background(), "m", []byte("x")); err != nil {
				t.Errorf("Install failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.calls) != n {
		t.Fatalf("sink recorded %d calls, want %d", len(sink.calls), n)
	}
}

func TestDispatcherPropagatesSinkError(t *testing.T) {
	wantErr := errors.New("engine rejected module")
	sink := &recordingSink{err: wantErr}
	d := NewDispatcher(sink)
	defer d.Close()

	if err := d.Install(context.Background(), "m", nil); err != wantErr {
		t.Fatalf("Install error = %v, want %v", err, wantErr)
	}
}

func TestDispatcherHonoursContextCancellation(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	<-ctx.Done()

	err := d.Install(ctx, "m", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Install error = %v, want context.DeadlineExceeded", err)
	}
}
