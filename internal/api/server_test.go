package api

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/docat/internal/auth"
	"github.com/fruitsalade/docat/internal/config"
	"github.com/fruitsalade/docat/internal/docs"
	"github.com/fruitsalade/docat/internal/docstore"
	"github.com/fruitsalade/docat/internal/events"
	"github.com/fruitsalade/docat/internal/index"
	"github.com/fruitsalade/docat/internal/quota"
	"github.com/fruitsalade/docat/internal/search"
	"github.com/fruitsalade/docat/internal/storage"
	"github.com/fruitsalade/docat/internal/storage/local"
)

const adminSecret = "test-admin-secret"

type testServer struct {
	handler http.Handler
	idx     *index.Store
	admin   *auth.AdminAuth
	cfg     *config.Config
}

func setupTestServer(t *testing.T, rpm int) *testServer {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{StoragePath: dir, MaxUploadSize: 10 << 20, ServeFiles: true}

	store, err := docstore.New(cfg.DocsPath())
	require.NoError(t, err)
	idx, err := index.Open(cfg.IndexPath())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	claims, err := auth.NewFileClaimStore(cfg.ClaimsPath())
	require.NoError(t, err)
	backend, err := local.New(filepath.Join(dir, "objects"))
	require.NoError(t, err)
	stager, err := storage.NewStager(backend, cfg.StagingPath())
	require.NoError(t, err)

	broadcaster := events.NewBroadcaster()
	svc := docs.New(docs.Options{
		Store:  store,
		Index:  idx,
		Gate:   auth.NewGate(claims, "", ""),
		Events: broadcaster,
	})
	admin := auth.NewAdminAuth(adminSecret)
	srv := NewServer(cfg, svc, stager, admin, quota.NewRateLimiter(rpm), broadcaster)
	return &testServer{handler: srv.Handler(), idx: idx, admin: admin, cfg: cfg}
}

func (ts *testServer) do(t *testing.T, method, path string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) upload(t *testing.T, project, version, token string, files map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var zbuf bytes.Buffer
	zw := zip.NewWriter(&zbuf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "docs.zip")
	require.NoError(t, err)
	_, err = part.Write(zbuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	header := http.Header{"Content-Type": {mw.FormDataContentType()}}
	if token != "" {
		header.Set(auth.HeaderName, token)
	}
	return ts.do(t, http.MethodPost, "/api/"+project+"/"+version, &body, header)
}

func (ts *testServer) claim(t *testing.T, project string) string {
	t.Helper()
	rec := ts.do(t, http.MethodGet, "/api/"+project+"/claim", nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp["token"]
}

func (ts *testServer) search(t *testing.T, q string) search.Results {
	t.Helper()
	rec := ts.do(t, http.MethodGet, "/api/search?query="+q, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res search.Results
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	return res
}

func tokenHeader(token string) http.Header {
	return http.Header{auth.HeaderName: {token}}
}

func decodeMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	msg, _ := resp["message"].(string)
	return msg
}

func TestHealth(t *testing.T) {
	ts := setupTestServer(t, 0)
	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestUploadAndSearch(t *testing.T) {
	ts := setupTestServer(t, 0)

	rec := ts.upload(t, "some-project", "1.0.0", "", map[string]string{"index.html": "<h1>Hello World</h1>"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "Documentation uploaded successfully", decodeMessage(t, rec))

	res := ts.search(t, "hello+world")
	assert.Equal(t, []search.FileHit{{Project: "some-project", Version: "1.0.0", Path: "index.html"}}, res.Files)

	rec = ts.do(t, http.MethodGet, "/doc/some-project/1.0.0/", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Hello World")

	rec = ts.do(t, http.MethodGet, "/api/projects", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Projects []docs.Project `json:"projects"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Projects, 1)
	assert.Equal(t, "some-project", list.Projects[0].Name)
	assert.Equal(t, "1.0.0", list.Projects[0].Versions[0].Name)
}

func TestUploadErrors(t *testing.T) {
	ts := setupTestServer(t, 0)

	rec := ts.upload(t, "upload", "1.0", "", map[string]string{"index.html": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, `Project name "upload" is forbidden, as it conflicts with pages in docat web.`, decodeMessage(t, rec))

	rec = ts.do(t, http.MethodPost, "/api/docs/1.0", bytes.NewReader(nil), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, http.StatusCreated, ts.upload(t, "docs", "1.0", "", map[string]string{"index.html": "x"}).Code)
	rec = ts.upload(t, "docs", "1.0", "", map[string]string{"index.html": "y"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Please provide a header with a valid Docat-Api-Key token for docs", decodeMessage(t, rec))

	rec = ts.do(t, http.MethodPut, "/api/docs/1.0/tags/latest", nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Tag latest -> 1.0 successfully created", decodeMessage(t, rec))

	rec = ts.upload(t, "docs", "latest", "", map[string]string{"index.html": "y"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetProject(t *testing.T) {
	ts := setupTestServer(t, 0)
	require.Equal(t, http.StatusCreated, ts.upload(t, "docs", "1.0", "", map[string]string{"index.html": "x"}).Code)

	rec := ts.do(t, http.MethodGet, "/api/projects/docs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail docs.ProjectDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&detail))
	assert.Equal(t, "docs", detail.Name)
	require.Len(t, detail.Versions, 1)

	rec = ts.do(t, http.MethodGet, "/api/projects/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Project missing does not exist", decodeMessage(t, rec))

	rec = ts.do(t, http.MethodGet, "/api/docs/other", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHideShowDeleteFlow(t *testing.T) {
	ts := setupTestServer(t, 0)
	require.Equal(t, http.StatusCreated, ts.upload(t, "docs", "1.0", "", map[string]string{"index.html": "x"}).Code)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPut, "/api/docs/1.0/tags/latest", nil, nil).Code)
	token := ts.claim(t, "docs")

	rec := ts.do(t, http.MethodGet, "/api/docs/claim", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Project docs is already claimed!", decodeMessage(t, rec))

	rec = ts.do(t, http.MethodPost, "/api/docs/latest/hide", nil, tokenHeader("bad"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/docs/latest/hide", nil, tokenHeader(token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Version latest is now hidden", decodeMessage(t, rec))
	assert.Empty(t, ts.search(t, "latest").Versions)

	rec = ts.do(t, http.MethodPost, "/api/docs/1.0/hide", nil, tokenHeader(token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Version 1.0 is already hidden", decodeMessage(t, rec))

	rec = ts.do(t, http.MethodPost, "/api/docs/1.0/show", nil, tokenHeader(token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Version 1.0 is now shown", decodeMessage(t, rec))
	assert.Len(t, ts.search(t, "latest").Versions, 1)

	rec = ts.do(t, http.MethodDelete, "/api/docs/1.0", nil, tokenHeader(token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Successfully deleted version '1.0'", decodeMessage(t, rec))
	assert.Empty(t, ts.search(t, "docs").Projects)

	rec = ts.do(t, http.MethodDelete, "/api/docs/1.0", nil, tokenHeader(token))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRename(t *testing.T) {
	ts := setupTestServer(t, 0)
	require.Equal(t, http.StatusCreated, ts.upload(t, "docs", "1.0", "", map[string]string{"index.html": "x"}).Code)
	require.Equal(t, http.StatusCreated, ts.upload(t, "taken", "1.0", "", map[string]string{"index.html": "x"}).Code)
	token := ts.claim(t, "docs")

	rec := ts.do(t, http.MethodPut, "/api/docs/rename/help", nil, tokenHeader(token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/nope/rename/x", nil, tokenHeader(token))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/docs/rename/taken", nil, tokenHeader(token))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/docs/rename/docs2", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/docs/rename/docs2", nil, tokenHeader(token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Successfully renamed project docs to docs2", decodeMessage(t, rec))

	rec = ts.do(t, http.MethodPost, "/api/docs2/1.0/hide", nil, tokenHeader(token))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStats(t *testing.T) {
	ts := setupTestServer(t, 0)
	require.Equal(t, http.StatusCreated, ts.upload(t, "docs", "1.0", "", map[string]string{"index.html": "x"}).Code)

	rec := ts.do(t, http.MethodGet, "/api/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st docstore.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, 1, st.Projects)
	assert.Equal(t, 1, st.Versions)
}

func TestRebuildEndpoint(t *testing.T) {
	ts := setupTestServer(t, 0)
	require.Equal(t, http.StatusCreated, ts.upload(t, "docs", "1.0", "", map[string]string{"index.html": "<p>needle</p>"}).Code)

	rec := ts.do(t, http.MethodPost, "/api/admin/index/rebuild?wait=true", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, _, err := ts.admin.IssueToken("ops", time.Hour)
	require.NoError(t, err)
	bearer := http.Header{"Authorization": {"Bearer " + token}}

	rec = ts.do(t, http.MethodPost, "/api/admin/index/rebuild?wait=true", nil, bearer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res index.RebuildResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, 1, res.Projects)
	assert.Len(t, ts.search(t, "needle").Files, 1)

	rec = ts.do(t, http.MethodPost, "/api/admin/index/reconcile/docs", nil, bearer)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodPost, "/api/admin/index/reconcile/docs", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// a sentinel left in place makes the endpoint report a running rebuild
	sentinel := filepath.Join(ts.cfg.StoragePath, index.SentinelName)
	require.NoError(t, os.WriteFile(sentinel, nil, 0644))
	rec = ts.do(t, http.MethodPost, "/api/admin/index/rebuild", nil, bearer)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestInternalErrorCarriesRequestID(t *testing.T) {
	ts := setupTestServer(t, 0)
	require.NoError(t, ts.idx.Close())

	rec := ts.do(t, http.MethodGet, "/api/search?query=x", nil, http.Header{"X-Request-Id": {"req-42"}})
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body struct {
		Message   string `json:"message"`
		RequestID string `json:"request_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal server error", body.Message)
	assert.Equal(t, "req-42", body.RequestID)
}

func TestMutationsAreRateLimited(t *testing.T) {
	ts := setupTestServer(t, 1)
	require.Equal(t, http.StatusCreated, ts.upload(t, "docs", "1.0", "", map[string]string{"index.html": "x"}).Code)

	rec := ts.do(t, http.MethodPut, "/api/docs/1.0/tags/latest", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// reads are not limited
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/projects", nil, nil).Code)
}
