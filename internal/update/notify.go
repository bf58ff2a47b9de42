package update

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// NotifyWatcher reacts to filesystem events instead of polling. Events are
// debounced and coalesced into a single update pass.
type NotifyWatcher struct {
	updater  *Updater
	watcher  *fsnotify.Watcher
	roots    []string
	debounce time.Duration

	pendingMu sync.Mutex
	pending   bool
}

// NewNotifyWatcher watches the given directory roots recursively.
func NewNotifyWatcher(u *Updater, roots []string, debounce time.Duration) (*NotifyWatcher, error) {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &NotifyWatcher{
		updater:  u,
		watcher:  fsWatcher,
		roots:    roots,
		debounce: debounce,
	}, nil
}

// Run watches until ctx is cancelled.
func (w *NotifyWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	for _, root := range w.roots {
		if err := w.addRecursive(root); err != nil {
			return err
		}
	}
	log.Printf("watch: filesystem notifications enabled for %d roots", len(w.roots))

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("watch: notification error: %v", err)

		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// addRecursive registers root and all its subdirectories.
func (w *NotifyWatcher) addRecursive(root string) error {
	return filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped
		}
		if !info.IsDir() {
			return nil
		}
		return w.watcher.Add(p)
	})
}

// handleEvent marks an update pending and keeps newly created directories
// under watch.
func (w *NotifyWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				log.Printf("watch: failed to watch new directory %s: %v", event.Name, err)
			}
			return
		}
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.pendingMu.Lock()
	w.pending = true
	w.pendingMu.Unlock()
}

// flush runs one update pass when events arrived since the last tick.
func (w *NotifyWatcher) flush(ctx context.Context) {
	w.pendingMu.Lock()
	fire := w.pending
	w.pending = false
	w.pendingMu.Unlock()

	if !fire {
		return
	}
	if n, err := w.updater.Update(ctx); err != nil {
		if ctx.Err() == nil {
			log.Printf("watch: update failed: %v", err)
		}
	} else if n > 0 {
		log.Printf("watch: update completed, %d files processed", n)
	}
}
