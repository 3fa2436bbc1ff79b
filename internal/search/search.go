// Package search answers substring queries against the search index.
package search

import (
	"context"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/fruitsalade/docat/internal/index"
	"github.com/fruitsalade/docat/internal/metrics"
)

// ProjectHit is a project whose name matched.
type ProjectHit struct {
	Name string `json:"name"`
}

// VersionHit is a version or tag whose name matched.
type VersionHit struct {
	Project string `json:"project"`
	Version string `json:"version"`
}

// FileHit is a file whose base name or text matched.
type FileHit struct {
	Project string `json:"project"`
	Version string `json:"version"`
	Path    string `json:"path"`
}

// Results holds matches grouped by kind. Lists are never nil.
type Results struct {
	Projects []ProjectHit `json:"projects"`
	Versions []VersionHit `json:"versions"`
	Files    []FileHit    `json:"files"`
}

func empty() Results {
	return Results{Projects: []ProjectHit{}, Versions: []VersionHit{}, Files: []FileHit{}}
}

// Index is the read side of the search index.
type Index interface {
	AllProjects(ctx context.Context) ([]index.ProjectEntry, error)
	AllFiles(ctx context.Context) ([]index.FileEntry, error)
}

// Engine runs queries.
type Engine struct {
	idx Index
}

// NewEngine creates a query engine over idx.
func NewEngine(idx Index) *Engine {
	return &Engine{idx: idx}
}

type ranked[T any] struct {
	hit   T
	count int
}

func sortHits[T any](in []ranked[T]) []T {
	sort.SliceStable(in, func(i, j int) bool { return in[i].count > in[j].count })
	out := make([]T, len(in))
	for i, r := range in {
		out[i] = r.hit
	}
	return out
}

// Search matches query against project names, version and tag names, and
// file names and contents. Each list is ordered by occurrence count, ties
// keep index order.
func (e *Engine) Search(ctx context.Context, query string) (Results, error) {
	start := time.Now()
	defer func() { metrics.RecordSearch(time.Since(start)) }()

	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return empty(), nil
	}

	projects, err := e.idx.AllProjects(ctx)
	if err != nil {
		return empty(), err
	}
	files, err := e.idx.AllFiles(ctx)
	if err != nil {
		return empty(), err
	}

	var ph []ranked[ProjectHit]
	var vh []ranked[VersionHit]
	for _, p := range projects {
		if n := strings.Count(strings.ToLower(p.Name), q); n > 0 {
			ph = append(ph, ranked[ProjectHit]{ProjectHit{Name: p.Name}, n})
		}
		for _, v := range p.Versions {
			if n := strings.Count(strings.ToLower(v.Name), q); n > 0 {
				vh = append(vh, ranked[VersionHit]{VersionHit{Project: p.Name, Version: v.Name}, n})
			}
			for _, tag := range v.Tags {
				if n := strings.Count(strings.ToLower(tag), q); n > 0 {
					vh = append(vh, ranked[VersionHit]{VersionHit{Project: p.Name, Version: tag}, n})
				}
			}
		}
	}

	var fh []ranked[FileHit]
	for _, f := range files {
		hit := FileHit{Project: f.Project, Version: f.Version, Path: f.Path}
		if n := strings.Count(strings.ToLower(path.Base(f.Path)), q); n > 0 {
			fh = append(fh, ranked[FileHit]{hit, n})
			continue
		}
		if !index.IsMarkup(f.Path) {
			continue
		}
		if n := strings.Count(f.Content, q); n > 0 {
			fh = append(fh, ranked[FileHit]{hit, n})
		}
	}

	return Results{
		Projects: sortHits(ph),
		Versions: sortHits(vh),
		Files:    sortHits(fh),
	}, nil
}
