// Package docstore is the filesystem-backed document store: one directory per
// project, one real directory per version, tags as symlinks next to the
// versions, and a .hidden marker file inside hidden versions.
package docstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fruitsalade/docat/internal/archive"
)

// HiddenMarker is the sentinel file that hides a version.
const HiddenMarker = archive.HiddenMarker

// Kind distinguishes real version directories from tag links.
type Kind int

const (
	KindVersion Kind = iota
	KindTag
)

// Entry is one item directly under a project directory.
type Entry struct {
	Name string
	Kind Kind
	// Target is the version a tag resolves to, "" when the link dangles.
	Target  string
	Hidden  bool
	ModTime time.Time
}

// Version is the logical view of a version directory.
type Version struct {
	Name      string    `json:"name"`
	Tags      []string  `json:"tags"`
	Hidden    bool      `json:"hidden"`
	Timestamp time.Time `json:"timestamp"`
}

// Conflict describes what currently occupies a name under a project.
type Conflict struct {
	IsVersionDir bool
	IsTagLink    bool
}

// Store reads and mutates the document tree rooted at Root.
type Store struct {
	root string
}

// New opens the document store, creating the root directory if needed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("document store root is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create document root %s: %w", root, err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve document root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute store root.
func (s *Store) Root() string { return s.root }

// ProjectPath returns the directory of a project.
func (s *Store) ProjectPath(project string) string {
	return filepath.Join(s.root, project)
}

// VersionPath returns the directory (or tag link) of a version.
func (s *Store) VersionPath(project, version string) string {
	return filepath.Join(s.root, project, version)
}

// Projects returns all project directory names, sorted.
func (s *Store) Projects() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read document root: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ProjectExists reports whether the project directory exists.
func (s *Store) ProjectExists(project string) bool {
	info, err := os.Stat(s.ProjectPath(project))
	return err == nil && info.IsDir()
}

// Scan reads a project directory once and classifies every entry.
// A missing project yields no entries and no error.
func (s *Store) Scan(project string) ([]Entry, error) {
	dir := s.ProjectPath(project)
	items, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan project %s: %w", project, err)
	}

	realDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve project %s: %w", project, err)
	}

	var entries []Entry
	for _, item := range items {
		name := item.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		full := filepath.Join(dir, name)

		switch {
		case item.Type()&fs.ModeSymlink != 0:
			entries = append(entries, Entry{
				Name:   name,
				Kind:   KindTag,
				Target: linkTarget(realDir, full),
			})
		case item.IsDir():
			e := Entry{Name: name, Kind: KindVersion}
			if info, err := item.Info(); err == nil {
				e.ModTime = info.ModTime()
			}
			if _, err := os.Lstat(filepath.Join(full, HiddenMarker)); err == nil {
				e.Hidden = true
			}
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// linkTarget follows a tag link and returns the version directory name it
// lands on, or "" if it dangles or leaves the project.
func linkTarget(realProjectDir, link string) string {
	resolved, err := filepath.EvalSymlinks(link)
	if err != nil {
		return ""
	}
	if filepath.Dir(resolved) != realProjectDir {
		return ""
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return ""
	}
	return filepath.Base(resolved)
}

// Versions turns scanned entries into versions with their tags, sorted by
// name descending. Hidden versions are dropped unless includeHidden is set.
func Versions(entries []Entry, includeHidden bool) []Version {
	tags := make(map[string][]string)
	for _, e := range entries {
		if e.Kind == KindTag && e.Target != "" {
			tags[e.Target] = append(tags[e.Target], e.Name)
		}
	}

	versions := make([]Version, 0, len(entries))
	for _, e := range entries {
		if e.Kind != KindVersion {
			continue
		}
		if e.Hidden && !includeHidden {
			continue
		}
		t := tags[e.Name]
		sort.Strings(t)
		if t == nil {
			t = []string{}
		}
		versions = append(versions, Version{
			Name:      e.Name,
			Tags:      t,
			Hidden:    e.Hidden,
			Timestamp: e.ModTime,
		})
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Name > versions[j].Name })
	return versions
}

// ListVersions returns a project's versions, newest name first.
func (s *Store) ListVersions(project string, includeHidden bool) ([]Version, error) {
	entries, err := s.Scan(project)
	if err != nil {
		return nil, err
	}
	return Versions(entries, includeHidden), nil
}

// HasVisibleVersions reports whether the project has any non-hidden version.
func (s *Store) HasVisibleVersions(project string) (bool, error) {
	versions, err := s.ListVersions(project, false)
	if err != nil {
		return false, err
	}
	return len(versions) > 0, nil
}

// ResolveConflict reports what occupies name under the project.
func (s *Store) ResolveConflict(project, name string) Conflict {
	info, err := os.Lstat(s.VersionPath(project, name))
	if err != nil {
		return Conflict{}
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return Conflict{IsTagLink: true}
	}
	return Conflict{IsVersionDir: info.IsDir()}
}

// ResolveVersion maps a version or tag name to the version directory name.
// isTag reports whether name was a tag.
func (s *Store) ResolveVersion(project, name string) (version string, isTag bool, err error) {
	full := s.VersionPath(project, name)
	info, err := os.Lstat(full)
	if err != nil {
		return "", false, &NotFoundError{Project: project, Version: name}
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		realDir, err := filepath.EvalSymlinks(s.ProjectPath(project))
		if err != nil {
			return "", false, &NotFoundError{Project: project, Version: name}
		}
		target := linkTarget(realDir, full)
		if target == "" {
			return "", false, &NotFoundError{Project: project, Version: name}
		}
		return target, true, nil
	}
	if !info.IsDir() {
		return "", false, &NotFoundError{Project: project, Version: name}
	}
	return name, false, nil
}

// IsHidden reports whether the version directory carries the hidden marker.
func (s *Store) IsHidden(project, version string) bool {
	_, err := os.Lstat(filepath.Join(s.VersionPath(project, version), HiddenMarker))
	return err == nil
}
