package docs

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/docat/internal/auth"
	"github.com/fruitsalade/docat/internal/docstore"
	"github.com/fruitsalade/docat/internal/events"
	"github.com/fruitsalade/docat/internal/index"
	"github.com/fruitsalade/docat/internal/proxy"
	"github.com/fruitsalade/docat/internal/search"
)

type recordingProxy struct {
	mu    sync.Mutex
	notes []proxy.Notification
}

func (p *recordingProxy) Notify(n proxy.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notes = append(p.notes, n)
}

type env struct {
	svc    *Service
	store  *docstore.Store
	proxy  *recordingProxy
	events *events.Broadcaster
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	store, err := docstore.New(filepath.Join(dir, "doc"))
	require.NoError(t, err)
	idx, err := index.Open(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	claims, err := auth.NewFileClaimStore(filepath.Join(dir, "claims.json"))
	require.NoError(t, err)

	e := &env{store: store, proxy: &recordingProxy{}, events: events.NewBroadcaster()}
	e.svc = New(Options{
		Store:          store,
		Index:          idx,
		Gate:           auth.NewGate(claims, "", ""),
		Events:         e.events,
		Proxy:          e.proxy,
		RebuildWorkers: 2,
	})
	return e
}

// zipFile writes a zip archive holding files and returns its path.
func zipFile(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docs.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func (e *env) upload(t *testing.T, project, version, token string, files map[string]string) *UploadResult {
	t.Helper()
	res, err := e.svc.CreateOrReplaceVersion(context.Background(), project, version, zipFile(t, files), token)
	require.NoError(t, err)
	return res
}

func (e *env) search(t *testing.T, q string) search.Results {
	t.Helper()
	res, err := e.svc.Search(context.Background(), q)
	require.NoError(t, err)
	return res
}

func TestUploadIsSearchable(t *testing.T) {
	e := newEnv(t)
	res := e.upload(t, "some-project", "1.0.0", "", map[string]string{"index.html": "<h1>Hello World</h1>"})
	assert.Equal(t, "Documentation uploaded successfully", res.Message)
	assert.True(t, res.HasIndex)
	assert.True(t, res.Extracted)
	assert.False(t, res.Replaced)

	got := e.search(t, "hello world")
	assert.Equal(t, []search.FileHit{{Project: "some-project", Version: "1.0.0", Path: "index.html"}}, got.Files)

	got = e.search(t, "some")
	assert.Equal(t, []search.ProjectHit{{Name: "some-project"}}, got.Projects)

	e.proxy.mu.Lock()
	assert.Equal(t, []proxy.Notification{{Action: proxy.ActionCreate, Project: "some-project"}}, e.proxy.notes)
	e.proxy.mu.Unlock()
}

func TestUploadWithoutIndexHTML(t *testing.T) {
	e := newEnv(t)
	res := e.upload(t, "docs", "1.0", "", map[string]string{"readme.md": "# hi"})
	assert.False(t, res.HasIndex)
	assert.Equal(t, "Documentation uploaded successfully, but no index.html found at root of archive.", res.Message)
}

func TestUploadRejectsForbiddenAndInvalidNames(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	path := zipFile(t, map[string]string{"index.html": "x"})

	_, err := e.svc.CreateOrReplaceVersion(ctx, "upload", "1.0", path, "")
	assert.ErrorIs(t, err, docstore.ErrForbiddenName)
	assert.Equal(t, `Project name "upload" is forbidden, as it conflicts with pages in docat web.`, err.Error())

	_, err = e.svc.CreateOrReplaceVersion(ctx, "../etc", "1.0", path, "")
	assert.ErrorIs(t, err, docstore.ErrInvalidName)
}

func TestOverwriteRequiresToken(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.upload(t, "docs", "1.0", "", map[string]string{"index.html": "old text"})

	_, err := e.svc.CreateOrReplaceVersion(ctx, "docs", "1.0", zipFile(t, map[string]string{"index.html": "new"}), "")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	token, err := e.svc.Claim(ctx, "docs")
	require.NoError(t, err)
	res := e.upload(t, "docs", "1.0", token, map[string]string{"index.html": "new text"})
	assert.True(t, res.Replaced)

	assert.Empty(t, e.search(t, "old").Files)
	assert.Len(t, e.search(t, "new text").Files, 1)
}

func TestTagLifecycleInSearch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.upload(t, "docs", "1.0.0", "", map[string]string{"index.html": "x"})
	token, err := e.svc.Claim(ctx, "docs")
	require.NoError(t, err)

	version, err := e.svc.CreateOrRetargetTag(ctx, "docs", "1.0.0", "latest")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", version)
	assert.Equal(t, []search.VersionHit{{Project: "docs", Version: "latest"}}, e.search(t, "latest").Versions)

	require.NoError(t, e.svc.HideVersion(ctx, "docs", "latest", token))
	assert.Empty(t, e.search(t, "latest").Versions)
	assert.Empty(t, e.search(t, "docs").Projects)

	err = e.svc.HideVersion(ctx, "docs", "1.0.0", token)
	assert.ErrorIs(t, err, docstore.ErrAlreadyInState)
	assert.Equal(t, "Version 1.0.0 is already hidden", err.Error())

	require.NoError(t, e.svc.ShowVersion(ctx, "docs", "1.0.0", token))
	assert.Equal(t, []search.VersionHit{{Project: "docs", Version: "latest"}}, e.search(t, "latest").Versions)

	err = e.svc.ShowVersion(ctx, "docs", "1.0.0", token)
	assert.Equal(t, "Version 1.0.0 is not hidden", err.Error())
}

func TestHideChecksStateBeforeToken(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.upload(t, "docs", "1.0", "", map[string]string{"index.html": "x"})

	err := e.svc.ShowVersion(ctx, "docs", "1.0", "")
	assert.ErrorIs(t, err, docstore.ErrAlreadyInState)

	err = e.svc.HideVersion(ctx, "docs", "1.0", "")
	var unauthorized *UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)
	assert.Contains(t, unauthorized.Reason, "Please provide a header")

	err = e.svc.HideVersion(ctx, "missing", "1.0", "")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
	err = e.svc.HideVersion(ctx, "docs", "2.0", "")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestHiddenOnlyProjectIsNotListed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.upload(t, "docs", "1.0", "", map[string]string{"index.html": "x"})
	token, err := e.svc.Claim(ctx, "docs")
	require.NoError(t, err)
	require.NoError(t, e.svc.HideVersion(ctx, "docs", "1.0", token))

	projects, err := e.svc.ListProjects(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, projects)

	projects, err = e.svc.ListProjects(ctx, true)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.True(t, projects[0].Versions[0].Hidden)

	detail, err := e.svc.GetProject(ctx, "docs", false)
	require.NoError(t, err)
	assert.Empty(t, detail.Versions)

	_, err = e.svc.GetProject(ctx, "nope", false)
	assert.ErrorIs(t, err, docstore.ErrNotFound)
	assert.Equal(t, "Project nope does not exist", err.Error())
}

func TestDeleteVersionsRemovesProject(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.upload(t, "docs", "1.0", "", map[string]string{"index.html": "one"})
	e.upload(t, "docs", "2.0", "", map[string]string{"index.html": "two"})
	token, err := e.svc.Claim(ctx, "docs")
	require.NoError(t, err)

	err = e.svc.DeleteVersion(ctx, "docs", "1.0", "wrong")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	require.NoError(t, e.svc.DeleteVersion(ctx, "docs", "1.0", token))
	assert.Len(t, e.search(t, "docs").Projects, 1)
	assert.Empty(t, e.search(t, "one").Files)

	require.NoError(t, e.svc.DeleteVersion(ctx, "docs", "2.0", token))
	assert.Empty(t, e.search(t, "docs").Projects)
	assert.False(t, e.store.ProjectExists("docs"))

	err = e.svc.DeleteVersion(ctx, "docs", "2.0", token)
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	e.proxy.mu.Lock()
	assert.Equal(t, proxy.Notification{Action: proxy.ActionRemove, Project: "docs"}, e.proxy.notes[len(e.proxy.notes)-1])
	e.proxy.mu.Unlock()
}

func TestRenameMovesClaimAndIndex(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.upload(t, "docs", "1.0", "", map[string]string{"index.html": "<p>renamed content</p>"})
	token, err := e.svc.Claim(ctx, "docs")
	require.NoError(t, err)

	sub := e.events.Subscribe("docs")
	defer e.events.Unsubscribe(sub)

	require.NoError(t, e.svc.RenameProject(ctx, "docs", "docs2", token))

	ev := <-sub.C
	assert.Equal(t, events.EventRename, ev.Type)
	assert.Equal(t, "docs2", ev.NewName)

	// the token now guards docs2, docs is unclaimed
	require.NoError(t, e.svc.HideVersion(ctx, "docs2", "1.0", token))
	require.NoError(t, e.svc.ShowVersion(ctx, "docs2", "1.0", token))
	_, err = e.svc.Claim(ctx, "docs")
	require.NoError(t, err)

	assert.Equal(t, []search.FileHit{{Project: "docs2", Version: "1.0", Path: "index.html"}}, e.search(t, "renamed content").Files)
	assert.Equal(t, []search.ProjectHit{{Name: "docs2"}}, e.search(t, "docs").Projects)
}

func TestRenameChecks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.upload(t, "a", "1.0", "", map[string]string{"index.html": "x"})
	e.upload(t, "b", "1.0", "", map[string]string{"index.html": "x"})
	token, err := e.svc.Claim(ctx, "a")
	require.NoError(t, err)

	err = e.svc.RenameProject(ctx, "a", "claim", token)
	assert.ErrorIs(t, err, docstore.ErrForbiddenName)

	err = e.svc.RenameProject(ctx, "missing", "c", token)
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	err = e.svc.RenameProject(ctx, "a", "b", token)
	assert.ErrorIs(t, err, docstore.ErrConflict)
	assert.Equal(t, "New project name b already in use.", err.Error())

	err = e.svc.RenameProject(ctx, "a", "c", "")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	assert.True(t, e.store.ProjectExists("a"))
}

func TestTagAndVersionShareNamespace(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.upload(t, "docs", "1.0", "", map[string]string{"index.html": "x"})
	e.upload(t, "docs", "2.0", "", map[string]string{"index.html": "x"})

	_, err := e.svc.CreateOrRetargetTag(ctx, "docs", "1.0", "2.0")
	assert.ErrorIs(t, err, docstore.ErrConflict)

	_, err = e.svc.CreateOrRetargetTag(ctx, "docs", "1.0", "stable")
	require.NoError(t, err)
	_, err = e.svc.CreateOrReplaceVersion(ctx, "docs", "stable", zipFile(t, map[string]string{"index.html": "x"}), "")
	assert.ErrorIs(t, err, docstore.ErrConflict)

	version, err := e.svc.CreateOrRetargetTag(ctx, "docs", "2.0", "stable")
	require.NoError(t, err)
	assert.Equal(t, "2.0", version)

	_, err = e.svc.CreateOrRetargetTag(ctx, "docs", "9.9", "x")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestClaimTwice(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.svc.Claim(ctx, "not-uploaded-yet")
	require.NoError(t, err)
	_, err = e.svc.Claim(ctx, "not-uploaded-yet")
	assert.ErrorIs(t, err, auth.ErrAlreadyClaimed)
}

func TestRebuildMatchesIncrementalIndex(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.upload(t, "docs", "1.0", "", map[string]string{"index.html": "<p>alpha</p>", "guide/page.html": "<p>beta</p>"})
	e.upload(t, "docs", "2.0", "", map[string]string{"index.html": "<p>alpha</p>"})
	e.upload(t, "other", "0.1", "", map[string]string{"index.html": "<p>gamma</p>"})
	_, err := e.svc.CreateOrRetargetTag(ctx, "docs", "2.0", "latest")
	require.NoError(t, err)
	token, err := e.svc.Claim(ctx, "docs")
	require.NoError(t, err)
	require.NoError(t, e.svc.HideVersion(ctx, "docs", "1.0", token))

	before := []search.Results{e.search(t, "alpha"), e.search(t, "beta"), e.search(t, "latest"), e.search(t, "o")}

	assert.False(t, e.svc.RebuildRunning())
	res, err := e.svc.RebuildIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Projects)

	after := []search.Results{e.search(t, "alpha"), e.search(t, "beta"), e.search(t, "latest"), e.search(t, "o")}
	assert.Equal(t, before, after)
}

func TestReconcilePicksUpExternalChanges(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.upload(t, "docs", "1.0", "", map[string]string{"index.html": "x"})

	page := filepath.Join(e.store.VersionPath("docs", "1.0"), "extra.html")
	require.NoError(t, os.WriteFile(page, []byte("<p>sideloaded</p>"), 0644))
	assert.Empty(t, e.search(t, "sideloaded").Files)

	require.NoError(t, e.svc.Reconcile(ctx, "docs"))
	assert.Len(t, e.search(t, "sideloaded").Files, 1)
}

func TestStats(t *testing.T) {
	e := newEnv(t)
	e.upload(t, "docs", "1.0", "", map[string]string{"index.html": "x"})
	e.upload(t, "docs", "2.0", "", map[string]string{"index.html": "x"})
	st, err := e.svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Projects)
	assert.Equal(t, 2, st.Versions)
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	k := newKeyedMutex()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("b", "a", "a")
			if n := inside.Add(1); n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
	assert.Empty(t, k.locks)
}
