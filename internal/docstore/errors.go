package docstore

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrForbiddenName  = errors.New("forbidden project name")
	ErrInvalidName    = errors.New("invalid name")
	ErrAlreadyInState = errors.New("already in requested state")
	ErrExtraction     = errors.New("cannot extract archive")
)

// NotFoundError names the missing project or version.
type NotFoundError struct {
	Project string
	Version string
}

func (e *NotFoundError) Error() string {
	if e.Version == "" {
		return fmt.Sprintf("Project %s does not exist", e.Project)
	}
	return fmt.Sprintf("Version %s not found", e.Version)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictKind says what an operation collided with.
type ConflictKind string

const (
	ConflictTag     ConflictKind = "tag"     // the name is an existing tag
	ConflictVersion ConflictKind = "version" // the name is an existing version
	ConflictProject ConflictKind = "project" // the project name is taken
)

// ConflictError reports a name collision in the shared tag/version namespace
// or between project names.
type ConflictError struct {
	Kind    ConflictKind
	Project string
	Name    string
}

func (e *ConflictError) Error() string {
	switch e.Kind {
	case ConflictTag:
		return "Cannot overwrite existing tag with new version."
	case ConflictVersion:
		return fmt.Sprintf("Tag %s would overwrite an existing version!", e.Name)
	default:
		return fmt.Sprintf("New project name %s already in use.", e.Name)
	}
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }
