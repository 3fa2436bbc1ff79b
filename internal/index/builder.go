package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/docat/internal/logging"
	"github.com/fruitsalade/docat/internal/metrics"
)

// SentinelName is the file that marks a rebuild in progress. It is also the
// database the rebuild writes into before it is renamed over the live index.
const SentinelName = "tmp-index.db"

// ErrRebuildRunning is returned when another rebuild holds the sentinel.
var ErrRebuildRunning = errors.New("index rebuild already running")

// RebuildResult summarizes a completed rebuild.
type RebuildResult struct {
	Projects   int           `json:"projects"`
	Files      int           `json:"files"`
	Reconciled int           `json:"reconciled"`
	Duration   time.Duration `json:"duration"`
}

// Builder recomputes the whole index from the document store.
type Builder struct {
	store   *Store
	src     Source
	workers int

	afterSwap func() // test hook, runs right after a successful swap
}

// NewBuilder creates a builder. workers <= 0 uses one worker per CPU.
func NewBuilder(store *Store, src Source, workers int) *Builder {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Builder{store: store, src: src, workers: workers}
}

// SentinelPath returns the rebuild sentinel location.
func (b *Builder) SentinelPath() string {
	return filepath.Join(filepath.Dir(b.store.Path()), SentinelName)
}

// Running reports whether a rebuild sentinel is present.
func (b *Builder) Running() bool {
	_, err := os.Stat(b.SentinelPath())
	return err == nil
}

// CleanStale removes a sentinel left behind by a crashed process. Call it
// only at startup, before any rebuild can run.
func (b *Builder) CleanStale() error {
	removed := false
	for _, p := range []string{b.SentinelPath(), b.SentinelPath() + "-journal"} {
		err := os.Remove(p)
		if err == nil {
			removed = true
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove stale %s: %w", filepath.Base(p), err)
		}
	}
	if removed {
		logging.Warn("removed stale index rebuild sentinel", zap.String("path", b.SentinelPath()))
	}
	return nil
}

// Rebuild scans every project in parallel, writes the result into a fresh
// database and swaps it in with a rename. On any failure the live index is
// left untouched. A concurrent call returns ErrRebuildRunning without writing.
func (b *Builder) Rebuild(ctx context.Context) (RebuildResult, error) {
	start := time.Now()
	sentinel := b.SentinelPath()

	f, err := os.OpenFile(sentinel, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if errors.Is(err, fs.ErrExist) {
		metrics.RecordIndexRebuild("skipped", 0)
		return RebuildResult{}, ErrRebuildRunning
	}
	if err != nil {
		return RebuildResult{}, fmt.Errorf("create rebuild sentinel: %w", err)
	}
	f.Close()

	// After the swap the sentinel path may already belong to the next
	// rebuild, so teardown only runs when this one never got that far.
	swapped := false
	b.store.startTracking()
	defer func() {
		if swapped {
			return
		}
		b.store.stopTracking()
		for _, p := range []string{sentinel, sentinel + "-journal"} {
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				logging.Error("remove rebuild leftovers failed", zap.String("path", p), zap.Error(err))
			}
		}
	}()

	res, swapped, err := b.rebuild(ctx, sentinel)
	res.Duration = time.Since(start)
	if swapped && b.afterSwap != nil {
		b.afterSwap()
	}
	if err != nil {
		metrics.RecordIndexRebuild("error", res.Duration)
		if swapped {
			logging.Error("index swapped but reopen failed", zap.Error(err))
		} else {
			logging.Error("index rebuild failed, keeping previous index", zap.Error(err))
		}
		return res, err
	}

	metrics.RecordIndexRebuild("success", res.Duration)
	if projects, files, err := b.store.Counts(ctx); err == nil {
		metrics.SetIndexSize(projects, files)
	}
	logging.Info("index rebuilt",
		zap.Int("projects", res.Projects),
		zap.Int("files", res.Files),
		zap.Int("reconciled", res.Reconciled),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (b *Builder) rebuild(ctx context.Context, sentinel string) (RebuildResult, bool, error) {
	var res RebuildResult

	projects, err := b.src.Projects()
	if err != nil {
		return res, false, err
	}
	logging.Info("index rebuild started", zap.Int("projects", len(projects)), zap.Int("workers", b.workers))

	// each task owns one slot, nothing else is shared until Wait returns
	partials := make([]partial, len(projects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for i, project := range projects {
		g.Go(func() error {
			part, err := scanProject(gctx, b.src, project)
			if err != nil {
				return fmt.Errorf("project %s: %w", project, err)
			}
			partials[i] = part
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, false, err
	}

	db, err := openDB(sentinel)
	if err != nil {
		return res, false, err
	}
	err = inTx(ctx, db, func(tx *sql.Tx) error {
		for _, part := range partials {
			if err := replaceProject(ctx, tx, part.project, part.entry, part.files); err != nil {
				return err
			}
			if part.entry != nil {
				res.Projects++
			}
			res.Files += len(part.files)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return res, false, fmt.Errorf("merge: %w", err)
	}

	swapped, err := b.store.publish(sentinel, db, func(dirty []string) error {
		for _, project := range dirty {
			part, err := scanProject(ctx, b.src, project)
			if err != nil {
				return fmt.Errorf("project %s: %w", project, err)
			}
			if err := inTx(ctx, db, func(tx *sql.Tx) error {
				return replaceProject(ctx, tx, project, part.entry, part.files)
			}); err != nil {
				return err
			}
		}
		res.Reconciled = len(dirty)
		return nil
	})
	return res, swapped, err
}
