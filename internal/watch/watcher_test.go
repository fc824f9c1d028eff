package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// recordingReindexer signals every rebuild trigger.
type recordingReindexer struct {
	triggered chan struct{}
}

func (r *recordingReindexer) Reinitialize(ctx context.Context) error {
	select {
	case r.triggered <- struct{}{}:
	default:
	}
	return nil
}

func TestWatcher_TriggersOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "training-data.json")
	if err := os.WriteFile(path, []byte("[]"), 0o644); err != nil {
		t.Fatalf("writing initial file: %v", err)
	}

	target := &recordingReindexer{triggered: make(chan struct{}, 1)}
	w, err := NewWatcher(path, target)
	if err != nil {
		t.Fatalf("creating watcher: %v", err)
	}
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`[{"postId":"p1"}]`), 0o644); err != nil {
		t.Fatalf("rewriting file: %v", err)
	}

	select {
	case <-target.triggered:
	case <-time.After(3 * time.Second):
		t.Error("timeout waiting for rebuild trigger")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "training-data.json")
	if err := os.WriteFile(path, []byte("[]"), 0o644); err != nil {
		t.Fatalf("writing initial file: %v", err)
	}

	target := &recordingReindexer{triggered: make(chan struct{}, 1)}
	w, err := NewWatcher(path, target)
	if err != nil {
		t.Fatalf("creating watcher: %v", err)
	}
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("writing unrelated file: %v", err)
	}

	select {
	case <-target.triggered:
		t.Error("unrelated file must not trigger a rebuild")
	case <-time.After(1 * time.Second):
	}
}

func TestWatcher_Stop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "training-data.json")

	w, err := NewWatcher(path, &recordingReindexer{triggered: make(chan struct{}, 1)})
	if err != nil {
		t.Fatalf("creating watcher: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("stop failed: %v", err)
	}
}
