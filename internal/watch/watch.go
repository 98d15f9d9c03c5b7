// Package watch requests early rescans of source locations whose trees change.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"cbak-go/internal/cbak"
	"cbak-go/internal/model"
)

// RescanRequester is the part of the index the watcher needs.
type RescanRequester interface {
	RequestRescan(sourceID int64) error
}

// Watcher watches every directory under the configured source roots.
// Changes are collected per source and flushed once no further event has
// arrived for the debounce interval.
type Watcher struct {
	fsw      *fsnotify.Watcher
	index    RescanRequester
	logger   cbak.Logger
	debounce time.Duration

	roots []root // longest path first

	mu      sync.Mutex
	pending map[int64]bool
}

type root struct {
	path     string
	sourceID int64
}

// New creates a Watcher over the given sources. Sources whose root cannot be
// watched are logged and skipped; an error is returned only when none can be.
func New(sources []*model.SourceLocation, index RescanRequester, logger cbak.Logger, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	w := &Watcher{
		fsw:      fsw,
		index:    index,
		logger:   logger,
		debounce: debounce,
		pending:  make(map[int64]bool),
	}

	for _, s := range sources {
		path := filepath.Clean(s.Path)
		if err := w.addTree(path); err != nil {
			logger.Warn("cannot watch source", "source", s.ID, "path", path, "error", err)
			continue
		}
		w.roots = append(w.roots, root{path: path, sourceID: s.ID})
	}
	if len(w.roots) == 0 {
		fsw.Close()
		return nil, errors.New("no source location can be watched")
	}
	sort.Slice(w.roots, func(i, j int) bool { return len(w.roots[i].path) > len(w.roots[j].path) })
	return w, nil
}

// Run processes events until ctx is cancelled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if w.handle(ev) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		case <-timer.C:
			w.flush()
		}
	}
}

// handle records the event's source as pending and reports whether it did.
func (w *Watcher) handle(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	path := filepath.Clean(ev.Name)
	id, ok := w.sourceFor(path)
	if !ok {
		return false
	}
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Lstat(path); err == nil && info.IsDir() {
			if err := w.addTree(path); err != nil {
				w.logger.Warn("cannot watch new directory", "path", path, "error", err)
			}
		}
	}

	w.mu.Lock()
	w.pending[id] = true
	w.mu.Unlock()
	return true
}

func (w *Watcher) flush() {
	w.mu.Lock()
	ids := make([]int64, 0, len(w.pending))
	for id := range w.pending {
		ids = append(ids, id)
	}
	w.pending = make(map[int64]bool)
	w.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := w.index.RequestRescan(id); err != nil {
			w.logger.Error("requesting rescan failed", "source", id, "error", err)
			continue
		}
		w.logger.Debug("rescan requested", "source", id)
	}
}

func (w *Watcher) sourceFor(path string) (int64, bool) {
	for _, r := range w.roots {
		if path == r.path || strings.HasPrefix(path, r.path+string(filepath.Separator)) {
			return r.sourceID, true
		}
	}
	return 0, false
}

// addTree watches dir and every directory below it. Unreadable subdirectories
// are skipped.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			w.logger.Debug("skipping unwatchable directory", "path", path, "error", err)
			return filepath.SkipDir
		}
		if !d.IsDir() {
			return nil
		}
		return w.fsw.Add(path)
	})
}
