// Package index keeps the search index: a SQLite file with a projects table
// and a files table, derived entirely from the document store. It is updated
// incrementally after each mutation and can be rebuilt from scratch.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrClosed is returned when the index handle is unavailable.
var ErrClosed = errors.New("search index is closed")

// VersionEntry is one visible version with its tags.
type VersionEntry struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// ProjectEntry is a row of the projects table.
type ProjectEntry struct {
	Name     string         `json:"name"`
	Versions []VersionEntry `json:"versions"`
}

// FileEntry is a row of the files table.
type FileEntry struct {
	Project string `json:"project"`
	Version string `json:"version"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	name     TEXT PRIMARY KEY,
	versions TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS files (
	project TEXT NOT NULL,
	version TEXT NOT NULL,
	path    TEXT NOT NULL,
	content TEXT NOT NULL,
	PRIMARY KEY (project, version, path)
);
`

// Store is the live search index file.
type Store struct {
	path string

	// mu guards db. Readers and incremental writers hold it shared; the
	// rebuild swap holds it exclusively while it replaces the file.
	mu sync.RWMutex
	db *sql.DB

	dirtyMu sync.Mutex
	dirty   map[string]struct{} // projects written while a rebuild scans; nil otherwise
}

// Open opens or creates the index at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, db: db}, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	// one connection serializes writers inside the process
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate index %s: %w", path, err)
	}
	return db, nil
}

// Path returns the live index file path.
func (s *Store) Path() string { return s.path }

// Close closes the index.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) read(fn func(db *sql.DB) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	return fn(s.db)
}

// write runs fn against the live index and records the touched projects
// for an in-flight rebuild.
func (s *Store) write(ctx context.Context, projects []string, fn func(tx *sql.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	s.markDirty(projects...)
	return inTx(ctx, s.db, fn)
}

func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) markDirty(projects ...string) {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	if s.dirty == nil {
		return
	}
	for _, p := range projects {
		s.dirty[p] = struct{}{}
	}
}

func (s *Store) startTracking() {
	s.dirtyMu.Lock()
	s.dirty = make(map[string]struct{})
	s.dirtyMu.Unlock()
}

// stopTracking ends dirty tracking and returns the touched projects.
func (s *Store) stopTracking() []string {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	var out []string
	for p := range s.dirty {
		out = append(out, p)
	}
	s.dirty = nil
	return out
}

// publish atomically replaces the live index with the database at built.
// reconcile runs first, with incremental writers blocked, and receives the
// projects written since tracking started. built is closed before the rename.
// swapped reports whether built was renamed over the live path; once it has
// been, the sentinel path is free for the next rebuild.
func (s *Store) publish(built string, builtDB *sql.DB, reconcile func(dirty []string) error) (swapped bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := reconcile(s.stopTracking()); err != nil {
		builtDB.Close()
		return false, fmt.Errorf("reconcile: %w", err)
	}
	if err := builtDB.Close(); err != nil {
		return false, fmt.Errorf("close built index: %w", err)
	}

	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	renameErr := os.Rename(built, s.path)

	db, err := openDB(s.path)
	if err != nil {
		return renameErr == nil, fmt.Errorf("reopen index: %w", err)
	}
	s.db = db
	if renameErr != nil {
		return false, fmt.Errorf("swap index: %w", renameErr)
	}
	return true, nil
}

// UpsertProject replaces the version list of a project.
func (s *Store) UpsertProject(ctx context.Context, entry ProjectEntry) error {
	return s.write(ctx, []string{entry.Name}, func(tx *sql.Tx) error {
		return upsertProject(ctx, tx, entry)
	})
}

// RemoveProject drops a project row.
func (s *Store) RemoveProject(ctx context.Context, project string) error {
	return s.write(ctx, []string{project}, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE name = ?`, project)
		return err
	})
}

// ReplaceFiles swaps all file rows of one version for entries.
func (s *Store) ReplaceFiles(ctx context.Context, project, version string, entries []FileEntry) error {
	return s.write(ctx, []string{project}, func(tx *sql.Tx) error {
		if err := deleteFiles(ctx, tx, project, version); err != nil {
			return err
		}
		return insertFiles(ctx, tx, entries)
	})
}

// RemoveFiles drops the file rows of a version, or of the whole project
// when version is empty.
func (s *Store) RemoveFiles(ctx context.Context, project, version string) error {
	return s.write(ctx, []string{project}, func(tx *sql.Tx) error {
		return deleteFiles(ctx, tx, project, version)
	})
}

// ReplaceProject swaps every row of a project. A nil entry leaves the
// project without a projects row.
func (s *Store) ReplaceProject(ctx context.Context, project string, entry *ProjectEntry, files []FileEntry) error {
	return s.write(ctx, []string{project}, func(tx *sql.Tx) error {
		return replaceProject(ctx, tx, project, entry, files)
	})
}

// RenameProject rewrites the project key on every row.
func (s *Store) RenameProject(ctx context.Context, project, newName string) error {
	return s.write(ctx, []string{project, newName}, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE OR REPLACE projects SET name = ? WHERE name = ?`, newName, project); err != nil {
			return fmt.Errorf("rename project row: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE OR REPLACE files SET project = ? WHERE project = ?`, newName, project); err != nil {
			return fmt.Errorf("rename file rows: %w", err)
		}
		return nil
	})
}

// AllProjects returns every project row ordered by name.
func (s *Store) AllProjects(ctx context.Context) ([]ProjectEntry, error) {
	var out []ProjectEntry
	err := s.read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT name, versions FROM projects ORDER BY name`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e ProjectEntry
			var raw string
			if err := rows.Scan(&e.Name, &raw); err != nil {
				return err
			}
			if err := json.Unmarshal([]byte(raw), &e.Versions); err != nil {
				return fmt.Errorf("decode versions of %s: %w", e.Name, err)
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return out, nil
}

// AllFiles returns every file row ordered by project, version (newest name
// first) and path.
func (s *Store) AllFiles(ctx context.Context) ([]FileEntry, error) {
	var out []FileEntry
	err := s.read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT project, version, path, content FROM files ORDER BY project, version DESC, path`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var f FileEntry
			if err := rows.Scan(&f.Project, &f.Version, &f.Path, &f.Content); err != nil {
				return err
			}
			out = append(out, f)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return out, nil
}

// Counts returns the number of project and file rows.
func (s *Store) Counts(ctx context.Context) (projects, files int64, err error) {
	err = s.read(func(db *sql.DB) error {
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&projects); err != nil {
			return err
		}
		return db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files`).Scan(&files)
	})
	return projects, files, err
}

func upsertProject(ctx context.Context, tx *sql.Tx, entry ProjectEntry) error {
	if entry.Versions == nil {
		entry.Versions = []VersionEntry{}
	}
	raw, err := json.Marshal(entry.Versions)
	if err != nil {
		return fmt.Errorf("encode versions: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO projects (name, versions) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET versions = excluded.versions`,
		entry.Name, string(raw))
	if err != nil {
		return fmt.Errorf("upsert project %s: %w", entry.Name, err)
	}
	return nil
}

func deleteFiles(ctx context.Context, tx *sql.Tx, project, version string) error {
	var err error
	if version == "" {
		_, err = tx.ExecContext(ctx, `DELETE FROM files WHERE project = ?`, project)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM files WHERE project = ? AND version = ?`, project, version)
	}
	if err != nil {
		return fmt.Errorf("delete files of %s: %w", project, err)
	}
	return nil
}

func insertFiles(ctx context.Context, tx *sql.Tx, entries []FileEntry) error {
	if len(entries) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO files (project, version, path, content) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, f := range entries {
		if _, err := stmt.ExecContext(ctx, f.Project, f.Version, f.Path, f.Content); err != nil {
			return fmt.Errorf("insert file %s/%s/%s: %w", f.Project, f.Version, f.Path, err)
		}
	}
	return nil
}

func replaceProject(ctx context.Context, tx *sql.Tx, project string, entry *ProjectEntry, files []FileEntry) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE name = ?`, project); err != nil {
		return fmt.Errorf("delete project %s: %w", project, err)
	}
	if err := deleteFiles(ctx, tx, project, ""); err != nil {
		return err
	}
	if entry != nil {
		if err := upsertProject(ctx, tx, *entry); err != nil {
			return err
		}
	}
	return insertFiles(ctx, tx, files)
}
