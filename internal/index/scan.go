package index

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/fruitsalade/docat/internal/docstore"
)

// Source is the document store view the index is derived from.
type Source interface {
	Projects() ([]string, error)
	Scan(project string) ([]docstore.Entry, error)
	VersionPath(project, version string) string
}

// partial is everything one project contributes to the index.
type partial struct {
	project string
	entry   *ProjectEntry // nil when no version is visible
	files   []FileEntry
}

func projectEntry(project string, versions []docstore.Version) *ProjectEntry {
	if len(versions) == 0 {
		return nil
	}
	entry := &ProjectEntry{Name: project, Versions: make([]VersionEntry, 0, len(versions))}
	for _, v := range versions {
		entry.Versions = append(entry.Versions, VersionEntry{Name: v.Name, Tags: v.Tags})
	}
	return entry
}

// scanProject computes the rows of one project from the document store.
func scanProject(ctx context.Context, src Source, project string) (partial, error) {
	part := partial{project: project}
	entries, err := src.Scan(project)
	if err != nil {
		return part, err
	}
	versions := docstore.Versions(entries, false)
	part.entry = projectEntry(project, versions)
	for _, v := range versions {
		files, err := walkVersion(ctx, src, project, v.Name)
		if err != nil {
			return part, err
		}
		part.files = append(part.files, files...)
	}
	return part, nil
}

// walkVersion lists every regular file of a version with its indexed text.
func walkVersion(ctx context.Context, src Source, project, version string) ([]FileEntry, error) {
	root := src.VersionPath(project, version)
	var files []FileEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == docstore.HiddenMarker {
			return nil
		}
		content, err := fileContent(path)
		if err != nil {
			return err
		}
		files = append(files, FileEntry{
			Project: project,
			Version: version,
			Path:    filepath.ToSlash(rel),
			Content: content,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index %s/%s: %w", project, version, err)
	}
	return files, nil
}
