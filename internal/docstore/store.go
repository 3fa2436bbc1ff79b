package docstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fruitsalade/docat/internal/archive"
)

// Project names that collide with pages of the web UI.
var forbiddenProjectNames = map[string]struct{}{
	"upload": {},
	"claim":  {},
	"delete": {},
	"help":   {},
}

// IsForbiddenProjectName reports whether name is reserved.
func IsForbiddenProjectName(name string) bool {
	_, ok := forbiddenProjectNames[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// ValidateName rejects names that are not a single safe path element.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "",
		name == ".", name == "..",
		strings.HasPrefix(name, "."),
		strings.ContainsAny(name, `/\`),
		strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// UploadInfo describes an installed version.
type UploadInfo struct {
	// Replaced is true when an existing version was overwritten.
	Replaced bool
	// Extracted is true when the upload was an archive and was unpacked.
	Extracted bool
	// HasIndex reports an index.html at the version root.
	HasIndex bool
}

// ReplaceVersion installs the file at archivePath as project/version,
// removing previous content of that version first. Zip archives are unpacked.
// The caller is responsible for authorizing an overwrite.
func (s *Store) ReplaceVersion(project, version, archivePath string) (UploadInfo, error) {
	var info UploadInfo
	if c := s.ResolveConflict(project, version); c.IsTagLink {
		return info, &ConflictError{Kind: ConflictTag, Project: project, Name: version}
	} else if c.IsVersionDir {
		info.Replaced = true
	}

	dir := s.VersionPath(project, version)
	if info.Replaced {
		if err := os.RemoveAll(dir); err != nil {
			return info, fmt.Errorf("remove old docs %s/%s: %w", project, version, err)
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return info, fmt.Errorf("create version dir: %w", err)
	}

	name := filepath.Base(archivePath)
	if name == HiddenMarker {
		name = "upload"
	}
	target := filepath.Join(dir, name)
	if err := moveFile(archivePath, target); err != nil {
		return info, fmt.Errorf("save upload: %w", err)
	}

	extracted, err := archive.Extract(target, dir)
	if err != nil {
		return info, fmt.Errorf("%w: %w", ErrExtraction, err)
	}
	info.Extracted = extracted

	if _, err := os.Stat(filepath.Join(dir, "index.html")); err == nil {
		info.HasIndex = true
	}
	return info, nil
}

// moveFile renames src to dst, copying when they live on different devices.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// SetTag points tag at version, replacing any previous target of the tag.
// A tag given as the source resolves to its version first. It returns the
// version the tag now points at.
func (s *Store) SetTag(project, version, tag string) (string, error) {
	resolved, _, err := s.ResolveVersion(project, version)
	if err != nil {
		return "", err
	}

	dest := s.VersionPath(project, tag)
	if info, err := os.Lstat(dest); err == nil && info.Mode()&fs.ModeSymlink == 0 {
		return "", &ConflictError{Kind: ConflictVersion, Project: project, Name: tag}
	}

	// link + rename so a retarget never leaves the tag missing
	tmp := filepath.Join(s.ProjectPath(project), fmt.Sprintf(".tag-%s-%d", tag, time.Now().UnixNano()))
	if err := os.Symlink(resolved, tmp); err != nil {
		return "", fmt.Errorf("create tag link: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("publish tag %s: %w", tag, err)
	}
	return resolved, nil
}

// VersionState resolves name and reports whether its version is hidden.
func (s *Store) VersionState(project, name string) (version string, hidden bool, err error) {
	if !s.ProjectExists(project) {
		return "", false, &NotFoundError{Project: project}
	}
	version, _, err = s.ResolveVersion(project, name)
	if err != nil {
		return "", false, err
	}
	return version, s.IsHidden(project, version), nil
}

// SetHidden adds or removes the hidden marker of the version behind name.
// It returns the resolved version name.
func (s *Store) SetHidden(project, name string, hidden bool) (string, error) {
	version, current, err := s.VersionState(project, name)
	if err != nil {
		return "", err
	}
	if current == hidden {
		if hidden {
			return version, fmt.Errorf("%w: version is already hidden", ErrAlreadyInState)
		}
		return version, fmt.Errorf("%w: version is not hidden", ErrAlreadyInState)
	}

	marker := filepath.Join(s.VersionPath(project, version), HiddenMarker)
	if hidden {
		f, err := os.OpenFile(marker, os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return version, fmt.Errorf("write hidden marker: %w", err)
		}
		return version, f.Close()
	}
	if err := os.Remove(marker); err != nil {
		return version, fmt.Errorf("remove hidden marker: %w", err)
	}
	return version, nil
}

// RemoveResult describes what RemoveVersion deleted.
type RemoveResult struct {
	// WasTag is true when name was a tag link and only the link was removed.
	WasTag bool
	// DanglingTags are tags removed because their version is gone.
	DanglingTags []string
	// ProjectRemoved is true when no version was left and the project
	// directory was deleted.
	ProjectRemoved bool
}

// RemoveVersion deletes a version directory or a tag link, cleans up tags
// that no longer resolve and removes the project once it has no versions.
func (s *Store) RemoveVersion(project, name string) (RemoveResult, error) {
	var res RemoveResult
	path := s.VersionPath(project, name)
	info, err := os.Lstat(path)
	if err != nil {
		return res, &NotFoundError{Project: project, Version: name}
	}

	if info.Mode()&fs.ModeSymlink != 0 {
		res.WasTag = true
		if err := os.Remove(path); err != nil {
			return res, fmt.Errorf("remove tag %s: %w", name, err)
		}
	} else if info.IsDir() {
		if err := os.RemoveAll(path); err != nil {
			return res, fmt.Errorf("remove version %s: %w", name, err)
		}
	} else {
		return res, &NotFoundError{Project: project, Version: name}
	}

	entries, err := s.Scan(project)
	if err != nil {
		return res, err
	}
	versions := 0
	for _, e := range entries {
		switch {
		case e.Kind == KindVersion:
			versions++
		case e.Target == "":
			if err := os.Remove(s.VersionPath(project, e.Name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return res, fmt.Errorf("remove dangling tag %s: %w", e.Name, err)
			}
			res.DanglingTags = append(res.DanglingTags, e.Name)
		}
	}

	if versions == 0 {
		if err := os.RemoveAll(s.ProjectPath(project)); err != nil {
			return res, fmt.Errorf("remove empty project %s: %w", project, err)
		}
		res.ProjectRemoved = true
	}
	return res, nil
}

// RenameProject moves a project directory. Tag links are relative and keep
// resolving after the move.
func (s *Store) RenameProject(project, newName string) error {
	if !s.ProjectExists(project) {
		return &NotFoundError{Project: project}
	}
	if _, err := os.Lstat(s.ProjectPath(newName)); err == nil {
		return &ConflictError{Kind: ConflictProject, Project: project, Name: newName}
	}
	if err := os.Rename(s.ProjectPath(project), s.ProjectPath(newName)); err != nil {
		return fmt.Errorf("rename project %s: %w", project, err)
	}
	return nil
}
