// Package watcher reconciles the search index with changes made to the
// document store by other processes.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fruitsalade/docat/internal/logging"
)

// ReconcileFunc recomputes the index rows of one project.
type ReconcileFunc func(ctx context.Context, project string) error

// Watcher watches the store root, project directories and version
// directories. Changes are coalesced per project and reconciled once the
// project has been quiet for the debounce interval.
type Watcher struct {
	root      string
	debounce  time.Duration
	reconcile ReconcileFunc
	fsw       *fsnotify.Watcher
	pending   map[string]time.Time
}

// New creates a watcher over root.
func New(root string, debounce time.Duration, fn ReconcileFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{
		root:      filepath.Clean(root),
		debounce:  debounce,
		reconcile: fn,
		fsw:       fsw,
		pending:   make(map[string]time.Time),
	}
	if err := w.addTree(w.root, 0); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// addTree watches dir and its subdirectories down to version level.
func (w *Watcher) addTree(dir string, depth int) error {
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	if depth >= 2 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			if err := w.addTree(filepath.Join(dir, e.Name()), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// project maps an event path to its project and depth below the root.
func (w *Watcher) project(path string) (string, int) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", 0
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if strings.HasPrefix(parts[0], ".") {
		return "", 0
	}
	return parts[0], len(parts)
}

func (w *Watcher) handle(ev fsnotify.Event) {
	project, depth := w.project(ev.Name)
	if project == "" {
		return
	}
	if ev.Op&fsnotify.Create != 0 && depth <= 2 {
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name, depth); err != nil {
				logging.Warn("watch new directory failed", zap.String("path", ev.Name), zap.Error(err))
			}
		}
	}
	w.pending[project] = time.Now()
}

func (w *Watcher) flush(ctx context.Context, now time.Time) {
	for project, last := range w.pending {
		if now.Sub(last) < w.debounce {
			continue
		}
		delete(w.pending, project)
		if err := w.reconcile(ctx, project); err != nil {
			logging.Error("reconcile after external change failed", zap.String("project", project), zap.Error(err))
			continue
		}
		logging.Debug("reconciled external change", zap.String("project", project))
	}
}

// Run processes events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	tick := w.debounce / 4
	if tick < 20*time.Millisecond {
		tick = 20 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	logging.Info("store watcher started", zap.String("root", w.root), zap.Duration("debounce", w.debounce))
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			w.flush(ctx, now)
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			logging.Warn("store watcher error", zap.Error(err))
		}
	}
}
