// Package docs implements the documentation operations: every mutation of
// the document store runs under its project's lock together with the
// matching incremental index update, so index updates of one project are
// applied in the order their mutations completed.
package docs

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/fruitsalade/docat/internal/auth"
	"github.com/fruitsalade/docat/internal/docstore"
	"github.com/fruitsalade/docat/internal/events"
	"github.com/fruitsalade/docat/internal/index"
	"github.com/fruitsalade/docat/internal/logging"
	"github.com/fruitsalade/docat/internal/metrics"
	"github.com/fruitsalade/docat/internal/proxy"
	"github.com/fruitsalade/docat/internal/search"
)

// UnauthorizedError carries the gate's reason for rejecting a credential.
type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string { return e.Reason }

func (e *UnauthorizedError) Is(target error) bool { return target == auth.ErrUnauthorized }

// ForbiddenNameError rejects a project name reserved by the web UI.
type ForbiddenNameError struct {
	Name string
}

func (e *ForbiddenNameError) Error() string {
	return fmt.Sprintf("Project name %q is forbidden, as it conflicts with pages in docat web.", e.Name)
}

func (e *ForbiddenNameError) Is(target error) bool { return target == docstore.ErrForbiddenName }

// StateError reports a hide of a hidden version or a show of a visible one.
type StateError struct {
	Version string
	Hidden  bool
}

func (e *StateError) Error() string {
	if e.Hidden {
		return fmt.Sprintf("Version %s is already hidden", e.Version)
	}
	return fmt.Sprintf("Version %s is not hidden", e.Version)
}

func (e *StateError) Is(target error) bool { return target == docstore.ErrAlreadyInState }

// Publisher receives change events.
type Publisher interface {
	Publish(e events.Event)
}

// Project is a listed project.
type Project struct {
	Name     string             `json:"name"`
	Logo     bool               `json:"logo"`
	Storage  string             `json:"storage"`
	Versions []docstore.Version `json:"versions"`
}

// ProjectDetail describes one project.
type ProjectDetail struct {
	Name     string             `json:"name"`
	Storage  string             `json:"storage"`
	Versions []docstore.Version `json:"versions"`
}

// UploadResult reports an installed version.
type UploadResult struct {
	Message   string `json:"message"`
	Replaced  bool   `json:"replaced"`
	Extracted bool   `json:"extracted"`
	HasIndex  bool   `json:"has_index"`
}

// Options wires a Service.
type Options struct {
	Store  *docstore.Store
	Index  *index.Store
	Gate   *auth.Gate
	Events Publisher      // optional
	Proxy  proxy.Notifier // optional
	// RebuildWorkers bounds the rebuild fan-out; <= 0 uses one per CPU.
	RebuildWorkers int
}

// Service exposes the documentation operations.
type Service struct {
	store   *docstore.Store
	index   *index.Store
	updater *index.Updater
	builder *index.Builder
	engine  *search.Engine
	gate    *auth.Gate
	events  Publisher
	proxy   proxy.Notifier
	locks   *keyedMutex
}

// New creates the service.
func New(opts Options) *Service {
	s := &Service{
		store:   opts.Store,
		index:   opts.Index,
		updater: index.NewUpdater(opts.Index, opts.Store),
		builder: index.NewBuilder(opts.Index, opts.Store, opts.RebuildWorkers),
		engine:  search.NewEngine(opts.Index),
		gate:    opts.Gate,
		events:  opts.Events,
		proxy:   opts.Proxy,
		locks:   newKeyedMutex(),
	}
	if s.proxy == nil {
		s.proxy = proxy.Nop{}
	}
	return s
}

// Builder returns the index builder, e.g. to clean stale sentinels at startup.
func (s *Service) Builder() *index.Builder { return s.builder }

func (s *Service) publish(e events.Event) {
	if s.events != nil {
		s.events.Publish(e)
	}
}

// indexed logs a failed index update. The store mutation already happened,
// so the operation still succeeds and a rebuild repairs the index.
func indexed(ctx context.Context, err error) {
	if err != nil {
		logging.WithContext(ctx).Warn("index out of sync until next rebuild", zap.Error(err))
	}
}

func (s *Service) authorize(ctx context.Context, project, credential string) error {
	status, err := s.gate.CheckToken(ctx, project, credential)
	if err != nil {
		return fmt.Errorf("check token: %w", err)
	}
	if !status.Valid {
		return &UnauthorizedError{Reason: status.Reason}
	}
	return nil
}

// ListProjects returns projects with at least one listed version.
func (s *Service) ListProjects(ctx context.Context, includeHidden bool) ([]Project, error) {
	names, err := s.store.Projects()
	if err != nil {
		return nil, err
	}
	projects := make([]Project, 0, len(names))
	for _, name := range names {
		versions, err := s.store.ListVersions(name, includeHidden)
		if err != nil {
			return nil, err
		}
		if len(versions) == 0 {
			continue
		}
		projects = append(projects, Project{
			Name:     name,
			Logo:     s.store.HasLogo(name),
			Storage:  s.store.ProjectSize(name),
			Versions: versions,
		})
	}
	return projects, nil
}

// GetProject returns a project's versions. Projects without listed versions
// are still returned while their directory exists.
func (s *Service) GetProject(ctx context.Context, project string, includeHidden bool) (*ProjectDetail, error) {
	if docstore.ValidateName(project) != nil || !s.store.ProjectExists(project) {
		return nil, &docstore.NotFoundError{Project: project}
	}
	versions, err := s.store.ListVersions(project, includeHidden)
	if err != nil {
		return nil, err
	}
	return &ProjectDetail{
		Name:     project,
		Storage:  s.store.ProjectSize(project),
		Versions: versions,
	}, nil
}

// CreateOrReplaceVersion installs the file at archivePath as project/version.
// Overwriting an existing version requires a valid credential.
func (s *Service) CreateOrReplaceVersion(ctx context.Context, project, version, archivePath, credential string) (*UploadResult, error) {
	if err := docstore.ValidateName(project); err != nil {
		return nil, err
	}
	if docstore.IsForbiddenProjectName(project) {
		return nil, &ForbiddenNameError{Name: project}
	}
	if err := docstore.ValidateName(version); err != nil {
		return nil, err
	}

	var size int64
	if info, err := os.Stat(archivePath); err == nil {
		size = info.Size()
	}

	unlock := s.locks.Lock(project)
	defer unlock()

	conflict := s.store.ResolveConflict(project, version)
	if conflict.IsTagLink {
		metrics.RecordUpload(size, false)
		return nil, &docstore.ConflictError{Kind: docstore.ConflictTag, Project: project, Name: version}
	}
	if conflict.IsVersionDir {
		if err := s.authorize(ctx, project, credential); err != nil {
			metrics.RecordUpload(size, false)
			return nil, err
		}
	}
	firstVersion := !s.store.ProjectExists(project)

	info, err := s.store.ReplaceVersion(project, version, archivePath)
	if err != nil {
		metrics.RecordUpload(size, false)
		if errors.Is(err, docstore.ErrExtraction) {
			// the raw upload stays on disk, keep the index derived from it
			indexed(ctx, s.updater.Reconcile(ctx, project))
		}
		return nil, err
	}
	metrics.RecordUpload(size, true)
	indexed(ctx, s.updater.Uploaded(ctx, project, version))

	if firstVersion {
		s.proxy.Notify(proxy.Notification{Action: proxy.ActionCreate, Project: project})
	}
	s.publish(events.Event{Type: events.EventUpload, Project: project, Version: version})
	logging.WithContext(ctx).Info("version uploaded",
		zap.String("project", project),
		zap.String("version", version),
		zap.Bool("replaced", info.Replaced),
		zap.Bool("extracted", info.Extracted),
		zap.Int64("bytes", size))

	res := &UploadResult{
		Message:   "Documentation uploaded successfully",
		Replaced:  info.Replaced,
		Extracted: info.Extracted,
		HasIndex:  info.HasIndex,
	}
	if !info.HasIndex {
		res.Message = "Documentation uploaded successfully, but no index.html found at root of archive."
	}
	return res, nil
}

// CreateOrRetargetTag points tag at version. It returns the version the tag
// now resolves to.
func (s *Service) CreateOrRetargetTag(ctx context.Context, project, version, tag string) (string, error) {
	if docstore.ValidateName(project) != nil {
		return "", &docstore.NotFoundError{Project: project}
	}
	if docstore.ValidateName(version) != nil {
		return "", &docstore.NotFoundError{Project: project, Version: version}
	}
	if err := docstore.ValidateName(tag); err != nil {
		return "", err
	}

	unlock := s.locks.Lock(project)
	defer unlock()

	resolved, err := s.store.SetTag(project, version, tag)
	if err != nil {
		return "", err
	}
	indexed(ctx, s.updater.Tagged(ctx, project))

	s.publish(events.Event{Type: events.EventTag, Project: project, Version: resolved, Tag: tag})
	logging.WithContext(ctx).Info("tag set",
		zap.String("project", project), zap.String("tag", tag), zap.String("version", resolved))
	return resolved, nil
}

// HideVersion hides the version behind name.
func (s *Service) HideVersion(ctx context.Context, project, name, credential string) error {
	return s.setHidden(ctx, project, name, credential, true)
}

// ShowVersion unhides the version behind name.
func (s *Service) ShowVersion(ctx context.Context, project, name, credential string) error {
	return s.setHidden(ctx, project, name, credential, false)
}

func (s *Service) setHidden(ctx context.Context, project, name, credential string, hidden bool) error {
	if docstore.ValidateName(project) != nil {
		return &docstore.NotFoundError{Project: project}
	}
	if docstore.ValidateName(name) != nil {
		return &docstore.NotFoundError{Project: project, Version: name}
	}

	unlock := s.locks.Lock(project)
	defer unlock()

	version, current, err := s.store.VersionState(project, name)
	if err != nil {
		return err
	}
	if current == hidden {
		return &StateError{Version: name, Hidden: hidden}
	}
	if err := s.authorize(ctx, project, credential); err != nil {
		return err
	}

	if _, err := s.store.SetHidden(project, version, hidden); err != nil {
		return err
	}

	evType := events.EventShow
	if hidden {
		evType = events.EventHide
		indexed(ctx, s.updater.Hidden(ctx, project, version))
	} else {
		indexed(ctx, s.updater.Shown(ctx, project, version))
	}
	s.publish(events.Event{Type: evType, Project: project, Version: version})
	logging.WithContext(ctx).Info("version visibility changed",
		zap.String("project", project), zap.String("version", version), zap.Bool("hidden", hidden))
	return nil
}

// DeleteVersion removes a version, or only the link when name is a tag.
func (s *Service) DeleteVersion(ctx context.Context, project, name, credential string) error {
	if docstore.ValidateName(project) != nil || docstore.ValidateName(name) != nil {
		return &docstore.NotFoundError{Project: project, Version: name}
	}
	if err := s.authorize(ctx, project, credential); err != nil {
		return err
	}

	unlock := s.locks.Lock(project)
	defer unlock()

	res, err := s.store.RemoveVersion(project, name)
	if err != nil {
		return err
	}
	indexed(ctx, s.updater.Deleted(ctx, project, name))

	if res.ProjectRemoved {
		s.proxy.Notify(proxy.Notification{Action: proxy.ActionRemove, Project: project})
	}
	s.publish(events.Event{Type: events.EventDelete, Project: project, Version: name})
	logging.WithContext(ctx).Info("version deleted",
		zap.String("project", project),
		zap.String("version", name),
		zap.Bool("tag", res.WasTag),
		zap.Strings("dangling_tags", res.DanglingTags),
		zap.Bool("project_removed", res.ProjectRemoved))
	return nil
}

// RenameProject moves a project, its claim and its index rows to newName.
func (s *Service) RenameProject(ctx context.Context, project, newName, credential string) error {
	if docstore.IsForbiddenProjectName(newName) {
		return &ForbiddenNameError{Name: newName}
	}
	if err := docstore.ValidateName(newName); err != nil {
		return err
	}
	if docstore.ValidateName(project) != nil {
		return &docstore.NotFoundError{Project: project}
	}

	unlock := s.locks.Lock(project, newName)
	defer unlock()

	if !s.store.ProjectExists(project) {
		return &docstore.NotFoundError{Project: project}
	}
	if s.store.ProjectExists(newName) {
		return &docstore.ConflictError{Kind: docstore.ConflictProject, Project: project, Name: newName}
	}
	if err := s.authorize(ctx, project, credential); err != nil {
		return err
	}

	if err := s.store.RenameProject(project, newName); err != nil {
		return err
	}
	if err := s.gate.Rename(ctx, project, newName); err != nil {
		if rerr := s.store.RenameProject(newName, project); rerr != nil {
			logging.WithContext(ctx).Error("rollback of project rename failed",
				zap.String("project", project), zap.String("new_name", newName), zap.Error(rerr))
		}
		return fmt.Errorf("move claim: %w", err)
	}
	indexed(ctx, s.updater.Renamed(ctx, project, newName))

	s.proxy.Notify(proxy.Notification{Action: proxy.ActionRename, Project: project, NewName: newName})
	s.publish(events.Event{Type: events.EventRename, Project: project, NewName: newName})
	logging.WithContext(ctx).Info("project renamed",
		zap.String("project", project), zap.String("new_name", newName))
	return nil
}

// Claim binds project to a new token. The project need not exist yet.
func (s *Service) Claim(ctx context.Context, project string) (string, error) {
	if err := docstore.ValidateName(project); err != nil {
		return "", err
	}
	token, err := s.gate.Claim(ctx, project)
	if err != nil {
		return "", err
	}
	s.publish(events.Event{Type: events.EventClaim, Project: project})
	return token, nil
}

// Stats summarizes the document store.
func (s *Service) Stats(ctx context.Context) (docstore.Stats, error) {
	return s.store.Stats()
}

// Search runs a query against the index.
func (s *Service) Search(ctx context.Context, query string) (search.Results, error) {
	return s.engine.Search(ctx, query)
}

// RebuildRunning reports whether a rebuild holds the sentinel.
func (s *Service) RebuildRunning() bool {
	return s.builder.Running()
}

// RebuildIndex recomputes the whole index. A concurrent call returns
// index.ErrRebuildRunning.
func (s *Service) RebuildIndex(ctx context.Context) (index.RebuildResult, error) {
	res, err := s.builder.Rebuild(ctx)
	if err != nil {
		return res, err
	}
	s.publish(events.Event{Type: events.EventRebuild})
	return res, nil
}

// Reconcile recomputes one project's index rows from the store.
func (s *Service) Reconcile(ctx context.Context, project string) error {
	unlock := s.locks.Lock(project)
	defer unlock()
	return s.updater.Reconcile(ctx, project)
}
