// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/docat/internal/auth"
	"github.com/fruitsalade/docat/internal/config"
	"github.com/fruitsalade/docat/internal/docs"
	"github.com/fruitsalade/docat/internal/docstore"
	"github.com/fruitsalade/docat/internal/events"
	"github.com/fruitsalade/docat/internal/index"
	"github.com/fruitsalade/docat/internal/logging"
	"github.com/fruitsalade/docat/internal/metrics"
	"github.com/fruitsalade/docat/internal/quota"
	"github.com/fruitsalade/docat/internal/storage"
)

// multipart parts above this size are spooled to disk
const maxMemory = 32 << 20

// Server is the HTTP server.
type Server struct {
	svc           *docs.Service
	stager        *storage.Stager
	admin         *auth.AdminAuth
	rateLimiter   *quota.RateLimiter
	broadcaster   *events.Broadcaster
	maxUploadSize int64
	serveFiles    bool
	docsPath      string
}

// NewServer creates a new server.
func NewServer(
	cfg *config.Config,
	svc *docs.Service,
	stager *storage.Stager,
	admin *auth.AdminAuth,
	rateLimiter *quota.RateLimiter,
	broadcaster *events.Broadcaster,
) *Server {
	return &Server{
		svc:           svc,
		stager:        stager,
		admin:         admin,
		rateLimiter:   rateLimiter,
		broadcaster:   broadcaster,
		maxUploadSize: cfg.MaxUploadSize,
		serveFiles:    cfg.ServeFiles,
		docsPath:      cfg.DocsPath(),
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Read endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/projects", s.handleListProjects)
	mux.HandleFunc("GET /api/search", s.handleSearch)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	// GET /api/projects/{project} and GET /api/{project}/claim overlap, so
	// one pattern serves both.
	mux.HandleFunc("GET /api/{project}/{sub}", s.handleProjectGet)

	// Write endpoints, rate limited per client
	limited := quota.Middleware(s.rateLimiter)
	mux.Handle("POST /api/{project}/{version}", limited(http.HandlerFunc(s.handleUpload)))
	mux.Handle("PUT /api/{project}/{version}/tags/{tag}", limited(http.HandlerFunc(s.handleTag)))
	mux.Handle("POST /api/{project}/{version}/hide", limited(http.HandlerFunc(s.handleHide)))
	mux.Handle("POST /api/{project}/{version}/show", limited(http.HandlerFunc(s.handleShow)))
	mux.Handle("DELETE /api/{project}/{version}", limited(http.HandlerFunc(s.handleDelete)))
	mux.Handle("PUT /api/{project}/rename/{newName}", limited(http.HandlerFunc(s.handleRename)))

	// Admin endpoints
	mux.Handle("POST /api/admin/index/rebuild", s.admin.Middleware(http.HandlerFunc(s.handleRebuild)))
	mux.Handle("POST /api/admin/index/reconcile/{project}", s.admin.Middleware(http.HandlerFunc(s.handleReconcile)))

	if s.serveFiles {
		mux.Handle("GET /doc/", http.StripPrefix("/doc/", http.FileServer(http.Dir(s.docsPath))))
	}

	// metrics must hand its own request to the mux to read r.Pattern afterwards
	return logging.Middleware(metrics.Middleware(mux))
}

// ─── Health & stats ─────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"rebuild_running": s.svc.RebuildRunning(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context())
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, st)
}

// ─── Projects ───────────────────────────────────────────────────────────────

func includeHidden(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("include_hidden"))
	return v
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.svc.ListProjects(r.Context(), includeHidden(r))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"projects": projects})
}

func (s *Server) handleProjectGet(w http.ResponseWriter, r *http.Request) {
	project, sub := r.PathValue("project"), r.PathValue("sub")
	switch {
	case project == "projects":
		s.handleGetProject(w, r, sub)
	case sub == "claim":
		s.handleClaim(w, r, project)
	default:
		s.sendError(w, http.StatusNotFound, "Not Found")
	}
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request, project string) {
	detail, err := s.svc.GetProject(r.Context(), project, includeHidden(r))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, detail)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, project string) {
	token, err := s.svc.Claim(r.Context(), project)
	if errors.Is(err, auth.ErrAlreadyClaimed) {
		s.sendError(w, http.StatusConflict, fmt.Sprintf("Project %s is already claimed!", project))
		return
	}
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, map[string]string{
		"message": fmt.Sprintf("Project %s successfully claimed", project),
		"token":   token,
	})
}

// ─── Versions ───────────────────────────────────────────────────────────────

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	project, version := r.PathValue("project"), r.PathValue("version")
	if err := docstore.ValidateName(project); err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	if err := docstore.ValidateName(version); err != nil {
		s.sendServiceError(w, r, err)
		return
	}

	if s.maxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	}
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.sendError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "missing form field: file")
		return
	}
	defer file.Close()

	staged, err := s.stager.Stage(ctx, project, version, header.Filename, file, header.Size)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	defer s.stager.Release(ctx, staged)

	res, err := s.svc.CreateOrReplaceVersion(ctx, project, version, staged.Path, r.Header.Get(auth.HeaderName))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, res)
}

func (s *Server) handleTag(w http.ResponseWriter, r *http.Request) {
	project, version, tag := r.PathValue("project"), r.PathValue("version"), r.PathValue("tag")
	if _, err := s.svc.CreateOrRetargetTag(r.Context(), project, version, tag); err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendMessage(w, http.StatusCreated, fmt.Sprintf("Tag %s -> %s successfully created", tag, version))
}

func (s *Server) handleHide(w http.ResponseWriter, r *http.Request) {
	project, version := r.PathValue("project"), r.PathValue("version")
	if err := s.svc.HideVersion(r.Context(), project, version, r.Header.Get(auth.HeaderName)); err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendMessage(w, http.StatusOK, fmt.Sprintf("Version %s is now hidden", version))
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	project, version := r.PathValue("project"), r.PathValue("version")
	if err := s.svc.ShowVersion(r.Context(), project, version, r.Header.Get(auth.HeaderName)); err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendMessage(w, http.StatusOK, fmt.Sprintf("Version %s is now shown", version))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	project, version := r.PathValue("project"), r.PathValue("version")
	if err := s.svc.DeleteVersion(r.Context(), project, version, r.Header.Get(auth.HeaderName)); err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendMessage(w, http.StatusOK, fmt.Sprintf("Successfully deleted version '%s'", version))
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	project, newName := r.PathValue("project"), r.PathValue("newName")
	if err := s.svc.RenameProject(r.Context(), project, newName, r.Header.Get(auth.HeaderName)); err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendMessage(w, http.StatusOK, fmt.Sprintf("Successfully renamed project %s to %s", project, newName))
}

// ─── Search ─────────────────────────────────────────────────────────────────

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Search(r.Context(), r.URL.Query().Get("query"))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

// ─── Admin ──────────────────────────────────────────────────────────────────

// handleRebuild starts a full index rebuild. By default it runs detached and
// answers 202; ?wait=true blocks and returns the result.
func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if s.svc.RebuildRunning() {
		s.sendError(w, http.StatusConflict, index.ErrRebuildRunning.Error())
		return
	}
	admin := auth.GetAdmin(r.Context())
	logging.WithContext(r.Context()).Info("index rebuild requested", zap.String("admin", admin.Subject))

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		res, err := s.svc.RebuildIndex(r.Context())
		if err != nil {
			s.sendServiceError(w, r, err)
			return
		}
		s.sendJSON(w, http.StatusOK, res)
		return
	}

	go func() {
		if _, err := s.svc.RebuildIndex(context.Background()); err != nil && !errors.Is(err, index.ErrRebuildRunning) {
			logging.Error("background index rebuild failed", zap.Error(err))
		}
	}()
	s.sendMessage(w, http.StatusAccepted, "Index rebuild started")
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	if err := docstore.ValidateName(project); err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	if err := s.svc.Reconcile(r.Context(), project); err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendMessage(w, http.StatusOK, fmt.Sprintf("Index of project %s reconciled", project))
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.broadcaster.Subscribe(r.URL.Query().Get("project"))
	defer func() {
		s.broadcaster.Unsubscribe(sub)
		if n := sub.Dropped(); n > 0 {
			logging.WithContext(r.Context()).Warn("event stream lagged", zap.Uint64("dropped", n))
		}
	}()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// sendServiceError maps domain errors to HTTP statuses.
func (s *Server) sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var unauthorized *docs.UnauthorizedError
	switch {
	case errors.As(err, &unauthorized):
		s.sendError(w, http.StatusUnauthorized, unauthorized.Reason)
	case errors.Is(err, docstore.ErrExtraction):
		s.sendError(w, http.StatusBadRequest, "Cannot extract zip file.")
	case errors.Is(err, docstore.ErrForbiddenName),
		errors.Is(err, docstore.ErrInvalidName),
		errors.Is(err, docstore.ErrAlreadyInState):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, docstore.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, docstore.ErrConflict),
		errors.Is(err, auth.ErrAlreadyClaimed),
		errors.Is(err, index.ErrRebuildRunning):
		s.sendError(w, http.StatusConflict, err.Error())
	default:
		logging.WithContext(r.Context()).Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
		// request_id matches the log line above
		s.sendJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"message":    "internal server error",
			"code":       http.StatusInternalServerError,
			"request_id": logging.RequestID(r.Context()),
		})
	}
}

func (s *Server) sendMessage(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, map[string]string{"message": message})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, map[string]interface{}{
		"message": message,
		"code":    code,
	})
}
