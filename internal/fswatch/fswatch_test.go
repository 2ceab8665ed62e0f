package fswatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestRunDeliversChangeEventForWrittenFile(t *testing.T) {
	dir := t.TempDir()
	w, err := New(20*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Add(dir); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []ChangeEvent
	done := make(chan struct{})
	go w.Run(ctx, func(e ChangeEvent) {
		mu.Lock()
		got = append(got, e)
		if len(got) == 1 {
			close(done)
		}
		mu.Unlock()
	})

	target := filepath.Join(dir, "touched.txt")
	if err := os.WriteFile(target, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a change event")
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].Path != target {
		t.Fatalf("path = %q, want %q", got[0].Path, target)
	}
}

func TestRunCoalescesBurstsWithinDebounceWindow(t *testing.T) {
	dir := t.TempDir()
	w, err := New(100*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Add(dir); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	count := 0
	go w.Run(ctx, func(e ChangeEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	target := filepath.Join(dir, "burst.txt")
	for i := 0; i < 5; i++ {
		os.WriteFile(target, []byte("x"), 0o644)
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("count = %d, want 1 (coalesced burst)", count)
	}
}

func TestRunReturnsWhenContextCanceled(t *testing.T) {
	dir := t.TempDir()
	w, err := New(10*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Add(dir); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, func(ChangeEvent) {})
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return promptly after context cancellation")
	}
}
