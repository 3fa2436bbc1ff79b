package index

import (
	"context"

	"go.uber.org/zap"

	"github.com/fruitsalade/docat/internal/docstore"
	"github.com/fruitsalade/docat/internal/logging"
	"github.com/fruitsalade/docat/internal/metrics"
)

// Updater applies one mutation's delta to the live index. Every method
// recomputes its whole scope from the document store, so applying the same
// update twice leaves the index as applying it once.
type Updater struct {
	store *Store
	src   Source
}

// NewUpdater creates an incremental updater.
func NewUpdater(store *Store, src Source) *Updater {
	return &Updater{store: store, src: src}
}

func (u *Updater) record(op, project string, err error) error {
	metrics.RecordIndexUpdate(op, err == nil)
	if err != nil {
		logging.Error("index update failed",
			zap.String("op", op), zap.String("project", project), zap.Error(err))
	}
	return err
}

// refreshProject rewrites the project row from the current visible versions.
func (u *Updater) refreshProject(ctx context.Context, project string) error {
	entries, err := u.src.Scan(project)
	if err != nil {
		return err
	}
	entry := projectEntry(project, docstore.Versions(entries, false))
	if entry == nil {
		return u.store.RemoveProject(ctx, project)
	}
	return u.store.UpsertProject(ctx, *entry)
}

func (u *Updater) reindexVersion(ctx context.Context, project, version string) error {
	files, err := walkVersion(ctx, u.src, project, version)
	if err != nil {
		return err
	}
	return u.store.ReplaceFiles(ctx, project, version, files)
}

func (u *Updater) hidden(project, version string) (bool, error) {
	entries, err := u.src.Scan(project)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Kind == docstore.KindVersion && e.Name == version {
			return e.Hidden, nil
		}
	}
	return false, nil
}

// Uploaded indexes a new or replaced version.
func (u *Updater) Uploaded(ctx context.Context, project, version string) error {
	err := u.refreshProject(ctx, project)
	var hidden bool
	if err == nil {
		hidden, err = u.hidden(project, version)
	}
	if err == nil {
		if hidden {
			err = u.store.RemoveFiles(ctx, project, version)
		} else {
			err = u.reindexVersion(ctx, project, version)
		}
	}
	return u.record("upload", project, err)
}

// Tagged refreshes the tag lists of a project.
func (u *Updater) Tagged(ctx context.Context, project string) error {
	return u.record("tag", project, u.refreshProject(ctx, project))
}

// Hidden drops a version's files and its project row entry.
func (u *Updater) Hidden(ctx context.Context, project, version string) error {
	err := u.store.RemoveFiles(ctx, project, version)
	if err == nil {
		err = u.refreshProject(ctx, project)
	}
	return u.record("hide", project, err)
}

// Shown restores a version's project row entry and files.
func (u *Updater) Shown(ctx context.Context, project, version string) error {
	err := u.refreshProject(ctx, project)
	if err == nil {
		err = u.reindexVersion(ctx, project, version)
	}
	return u.record("show", project, err)
}

// Deleted drops a version's files and refreshes or removes the project row.
// For a deleted tag only the row refresh has an effect.
func (u *Updater) Deleted(ctx context.Context, project, version string) error {
	err := u.store.RemoveFiles(ctx, project, version)
	if err == nil {
		err = u.refreshProject(ctx, project)
	}
	return u.record("delete", project, err)
}

// Renamed moves every row of project to newName without rereading content.
func (u *Updater) Renamed(ctx context.Context, project, newName string) error {
	return u.record("rename", project, u.store.RenameProject(ctx, project, newName))
}

// Reconcile recomputes all rows of a project, e.g. after a change made
// outside the service.
func (u *Updater) Reconcile(ctx context.Context, project string) error {
	part, err := scanProject(ctx, u.src, project)
	if err == nil {
		err = u.store.ReplaceProject(ctx, project, part.entry, part.files)
	}
	return u.record("reconcile", project, err)
}
