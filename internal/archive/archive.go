// Package archive unpacks uploaded documentation archives into a version directory.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is returned for entries that would land outside the destination.
var ErrUnsafePath = errors.New("archive entry escapes destination")

// HiddenMarker is the file that hides a version. Uploads never create it
// at the version root.
const HiddenMarker = ".hidden"

// Zip "version made by" host systems that use backslash separators.
const (
	creatorMSDOS = 0
	creatorNTFS  = 11
	creatorVFAT  = 14
)

// IsZip reports whether the file is handled as a zip archive.
func IsZip(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".zip")
}

// NormalizeEntryName converts an entry name to slash separators.
// Backslashes are only treated as separators for archives written on Windows.
func NormalizeEntryName(name string, fromWindows bool) string {
	if fromWindows {
		name = strings.ReplaceAll(name, `\`, "/")
	}
	return name
}

func fromWindows(f *zip.File) bool {
	switch f.CreatorVersion >> 8 {
	case creatorMSDOS, creatorNTFS, creatorVFAT:
		return true
	}
	return false
}

// Extract unpacks src into dest when src is a zip archive, then removes src.
// Any other file is left in place untouched. It reports whether extraction happened.
func Extract(src, dest string) (bool, error) {
	if !IsZip(src) {
		return false, nil
	}

	r, err := zip.OpenReader(src)
	if err != nil {
		return false, fmt.Errorf("open zip %s: %w", filepath.Base(src), err)
	}

	for _, f := range r.File {
		if err := extractFile(f, dest); err != nil {
			r.Close()
			return false, err
		}
	}
	if err := r.Close(); err != nil {
		return false, fmt.Errorf("close zip: %w", err)
	}

	if err := os.Remove(src); err != nil {
		return true, fmt.Errorf("remove archive: %w", err)
	}
	return true, nil
}

func entryTarget(dest, name string) (string, error) {
	clean := path.Clean("/" + name)
	if clean == "/" {
		return "", nil
	}
	rel := strings.TrimPrefix(clean, "/")
	if path.IsAbs(name) || strings.HasPrefix(name, "../") || name == ".." || strings.Contains(name, "/../") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return filepath.Join(dest, filepath.FromSlash(rel)), nil
}

func extractFile(f *zip.File, dest string) error {
	name := NormalizeEntryName(f.Name, fromWindows(f))
	target, err := entryTarget(dest, name)
	if err != nil {
		return err
	}
	if target == "" || target == filepath.Join(dest, HiddenMarker) {
		return nil
	}

	mode := f.Mode()
	if mode&os.ModeSymlink != 0 {
		// links inside docs archives are not materialized
		return nil
	}
	if mode.IsDir() || strings.HasSuffix(name, "/") {
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("create dir %s: %w", name, err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create dir for %s: %w", name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	return out.Close()
}
