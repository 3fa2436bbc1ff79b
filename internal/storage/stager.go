package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/docat/internal/archive"
	"github.com/fruitsalade/docat/internal/logging"
	"github.com/fruitsalade/docat/internal/metrics"
)

// Staged is an upload materialized as a local file.
type Staged struct {
	// Path is the local file handed to the document store. Its base name is
	// the uploaded file name.
	Path string

	key string
	dir string
}

// Stager moves uploads through a Backend into a local work directory.
type Stager struct {
	backend Backend
	workDir string
}

// NewStager creates a stager. workDir should live on the same filesystem as
// the document store so that staged files can be renamed into place.
func NewStager(backend Backend, workDir string) (*Stager, error) {
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	return &Stager{backend: backend, workDir: workDir}, nil
}

// Backend returns the underlying backend.
func (s *Stager) Backend() Backend { return s.backend }

// SafeFileName reduces an uploaded file name to a plain base name. Names
// that would hide the version are replaced too.
func SafeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := path.Base(name)
	if base == "." || base == "/" || base == ".." || base == "" || base == archive.HiddenMarker {
		return "upload"
	}
	return base
}

func (s *Stager) record(op string, start time.Time, err error) {
	metrics.RecordStagingOperation(s.backend.Type(), op, time.Since(start), err == nil)
}

// Stage stores body under staging/<project>/<version>/<id>/<filename> and
// materializes it locally. The caller must Release the result.
func (s *Stager) Stage(ctx context.Context, project, version, filename string, body io.Reader, size int64) (*Staged, error) {
	filename = SafeFileName(filename)
	id := uuid.NewString()
	key := path.Join("staging", project, version, id, filename)

	start := time.Now()
	err := s.backend.PutObject(ctx, key, body, size)
	s.record("put", start, err)
	if err != nil {
		return nil, fmt.Errorf("stage upload: %w", err)
	}

	st := &Staged{key: key, dir: filepath.Join(s.workDir, id)}
	st.Path = filepath.Join(st.dir, filename)
	if err := s.materialize(ctx, st); err != nil {
		s.Release(ctx, st)
		return nil, err
	}
	return st, nil
}

func (s *Stager) materialize(ctx context.Context, st *Staged) error {
	start := time.Now()
	rc, _, err := s.backend.GetObject(ctx, st.key)
	if err != nil {
		s.record("get", start, err)
		return fmt.Errorf("fetch staged upload: %w", err)
	}
	defer rc.Close()

	if err := os.MkdirAll(st.dir, 0755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	f, err := os.Create(st.Path)
	if err != nil {
		return fmt.Errorf("create staged file: %w", err)
	}
	_, err = io.Copy(f, rc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	s.record("get", start, err)
	if err != nil {
		return fmt.Errorf("write staged file: %w", err)
	}
	return nil
}

// Release removes the staged object and whatever is left of the local copy.
func (s *Stager) Release(ctx context.Context, st *Staged) {
	start := time.Now()
	err := s.backend.DeleteObject(ctx, st.key)
	s.record("delete", start, err)
	if err != nil {
		logging.Warn("delete staged upload failed", zap.String("key", st.key), zap.Error(err))
	}
	if err := os.RemoveAll(st.dir); err != nil {
		logging.Warn("remove staging dir failed", zap.String("dir", st.dir), zap.Error(err))
	}
}
