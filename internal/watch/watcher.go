// Package watch reloads the retrieval index when the training-data export
// is rewritten on disk.
package watch

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reindexer is the slice of the retriever the watcher drives.
type Reindexer interface {
	Reinitialize(ctx context.Context) error
}

// debounceDelay absorbs the write bursts editors and exporters produce for
// a single logical file update.
const debounceDelay = 500 * time.Millisecond

// Watcher triggers a rebuild whenever the watched training-data file is
// created or written.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	target  Reindexer
}

func NewWatcher(path string, target Reindexer) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{watcher: w, path: path, target: target}, nil
}

// Run watches until ctx is cancelled. Rebuild failures are logged; the
// previous index keeps serving.
func (w *Watcher) Run(ctx context.Context) error {
	// Watch the directory: exporters typically replace the file, and a
	// watch on the old inode would go quiet after the first swap.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				log.Printf("Training data changed, rebuilding index: %s", w.path)
				if err := w.target.Reinitialize(context.Background()); err != nil {
					log.Printf("Index rebuild after file change failed: %v", err)
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("File watcher error: %v", err)
		}
	}
}

// Stop closes the underlying watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
