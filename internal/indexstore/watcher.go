package indexstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports when another process swaps a new generation into the
// cache directory.
type Watcher struct {
	fs   *fsnotify.Watcher
	path string
	s    *Store
}

// Watch starts watching the directory holding the cached generation. The
// directory is created if needed.
func (s *Store) Watch() (*Watcher, error) {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{fs: fw, path: s.path, s: s}, nil
}

// Run calls onChange each time the generation file is created, replaced or
// rewritten, until ctx is done. It closes the watcher on return.
func (w *Watcher) Run(ctx context.Context, onChange func()) error {
	defer w.fs.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				w.s.log.WithField("op", ev.Op.String()).Debug("cached generation changed")
				onChange()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.s.log.WithError(err).Warn("cache watcher error")
		}
	}
}

// Close stops a watcher that is not running.
func (w *Watcher) Close() error { return w.fs.Close() }
