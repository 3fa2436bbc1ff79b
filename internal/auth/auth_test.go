package auth

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileGate(t *testing.T, globalToken, globalSalt string) (*Gate, *FileClaimStore) {
	t.Helper()
	store, err := NewFileClaimStore(filepath.Join(t.TempDir(), "claims.json"))
	require.NoError(t, err)
	return NewGate(store, globalToken, globalSalt), store
}

func TestClaimAndCheckToken(t *testing.T) {
	ctx := context.Background()
	gate, _ := newFileGate(t, "", "")

	status, err := gate.CheckToken(ctx, "docs", "anything")
	require.NoError(t, err)
	assert.False(t, status.Valid)
	assert.Equal(t, "Please provide a header with a valid Docat-Api-Key token for docs", status.Reason)

	token, err := gate.Claim(ctx, "docs")
	require.NoError(t, err)
	assert.Len(t, token, 32)

	status, err = gate.CheckToken(ctx, "docs", token)
	require.NoError(t, err)
	assert.True(t, status.Valid)

	status, err = gate.CheckToken(ctx, "docs", "wrong")
	require.NoError(t, err)
	assert.False(t, status.Valid)
	assert.Equal(t, "Docat-Api-Key token is not valid for docs", status.Reason)

	status, err = gate.CheckToken(ctx, "docs", "")
	require.NoError(t, err)
	assert.False(t, status.Valid)
	assert.Contains(t, status.Reason, "Please provide a header")

	_, err = gate.Claim(ctx, "docs")
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestClaimSurvivesReopenAndRename(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "claims.json")
	store, err := NewFileClaimStore(path)
	require.NoError(t, err)
	token, err := NewGate(store, "", "").Claim(ctx, "docs")
	require.NoError(t, err)

	reopened, err := NewFileClaimStore(path)
	require.NoError(t, err)
	gate := NewGate(reopened, "", "")
	require.NoError(t, gate.Rename(ctx, "docs", "docs2"))

	status, err := gate.CheckToken(ctx, "docs2", token)
	require.NoError(t, err)
	assert.True(t, status.Valid)

	status, err = gate.CheckToken(ctx, "docs", token)
	require.NoError(t, err)
	assert.False(t, status.Valid)

	require.NoError(t, gate.Rename(ctx, "unclaimed", "other"))
}

func TestGlobalClaimToken(t *testing.T) {
	ctx := context.Background()
	gate, store := newFileGate(t, "s3cret", "pepper")

	token, err := gate.Claim(ctx, "docs")
	require.NoError(t, err)
	assert.Empty(t, token)

	c, err := store.Get(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, HashToken("s3cret", []byte("pepper")), c.Hash)

	status, err := gate.CheckToken(ctx, "docs", "s3cret")
	require.NoError(t, err)
	assert.True(t, status.Valid)
}

func TestHashTokenDeterministic(t *testing.T) {
	salt := []byte("salt")
	assert.Equal(t, HashToken("a", salt), HashToken("a", salt))
	assert.NotEqual(t, HashToken("a", salt), HashToken("b", salt))
	assert.Len(t, HashToken("a", salt), 64)
}

func TestPostgresClaimStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresClaimStore(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT token_hash, salt FROM claims WHERE project = $1`)).
		WithArgs("docs").
		WillReturnRows(sqlmock.NewRows([]string{"token_hash", "salt"}).AddRow("abc", "0102"))
	c, err := store.Get(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, &Claim{Project: "docs", Hash: "abc", Salt: "0102"}, c)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT token_hash, salt FROM claims`)).
		WithArgs("none").
		WillReturnError(sql.ErrNoRows)
	c, err = store.Get(ctx, "none")
	require.NoError(t, err)
	assert.Nil(t, c)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO claims`)).
		WithArgs("docs", "abc", "0102").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Create(ctx, Claim{Project: "docs", Hash: "abc", Salt: "0102"}))

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO claims`)).
		WithArgs("docs", "abc", "0102").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = store.Create(ctx, Claim{Project: "docs", Hash: "abc", Salt: "0102"})
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE claims SET project = $1 WHERE project = $2`)).
		WithArgs("docs2", "docs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Rename(ctx, "docs", "docs2"))

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS claims`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, store.Migrate(ctx))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func adminHandler(a *AdminAuth) http.Handler {
	return a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetAdmin(r.Context()) == nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
}

func serveAdmin(h http.Handler, token string) int {
	req := httptest.NewRequest(http.MethodPost, "/api/admin/index/rebuild", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestAdminMiddleware(t *testing.T) {
	a := NewAdminAuth("test-secret")
	h := adminHandler(a)

	token, exp, err := a.IssueToken("ops", time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	assert.Equal(t, http.StatusAccepted, serveAdmin(h, token))
	assert.Equal(t, http.StatusUnauthorized, serveAdmin(h, ""))
	assert.Equal(t, http.StatusUnauthorized, serveAdmin(h, "garbage"))

	other, _, err := NewAdminAuth("other-secret").IssueToken("ops", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, serveAdmin(h, other))

	expired, _, err := a.IssueToken("ops", -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, serveAdmin(h, expired))

	notAdmin, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, serveAdmin(h, notAdmin))
}

func TestAdminDisabled(t *testing.T) {
	a := NewAdminAuth("")
	assert.False(t, a.Enabled())
	_, _, err := a.IssueToken("ops", time.Hour)
	assert.Error(t, err)
	assert.Equal(t, http.StatusForbidden, serveAdmin(adminHandler(a), "anything"))
}

func TestNewOIDCProviderDisabled(t *testing.T) {
	p, err := NewOIDCProvider(context.Background(), OIDCConfig{})
	require.NoError(t, err)
	assert.Nil(t, p)
}
