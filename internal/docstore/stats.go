package docstore

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// Stats summarizes the document store.
type Stats struct {
	Projects int    `json:"n_projects"`
	Versions int    `json:"n_versions"`
	Storage  string `json:"storage"`
}

// Stats counts projects and versions and sizes the whole tree.
func (s *Store) Stats() (Stats, error) {
	projects, err := s.Projects()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Projects: len(projects)}
	for _, p := range projects {
		entries, err := s.Scan(p)
		if err != nil {
			return Stats{}, err
		}
		for _, e := range entries {
			if e.Kind == KindVersion {
				st.Versions++
			}
		}
	}
	st.Storage = humanize.IBytes(uint64(dirSize(s.root)))
	return st, nil
}

// ProjectSize returns the human readable size of a project.
func (s *Store) ProjectSize(project string) string {
	return humanize.IBytes(uint64(dirSize(s.ProjectPath(project))))
}

// HasLogo reports whether a logo file was stored for the project.
func (s *Store) HasLogo(project string) bool {
	info, err := os.Stat(filepath.Join(s.ProjectPath(project), "logo"))
	return err == nil && !info.IsDir()
}

// dirSize sums regular file sizes below root without following links.
func dirSize(root string) int64 {
	var size int64
	filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				size += info.Size()
			}
		}
		return nil
	})
	return size
}
