package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/objectvault/storage-gateway/auth"
	"github.com/objectvault/storage-gateway/metadata"
	"github.com/objectvault/storage-gateway/session"
)

var testTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// ctxQuerier adapts a plain *sql.DB to the ctx-less Querier shape
// metadata.Store expects, the same adapter used in metadata's own
// sqlmock-backed tests.
type ctxQuerier struct{ db *sql.DB }

func (q ctxQuerier) ExecContext(query string, args ...any) (sql.Result, error) {
	return q.db.ExecContext(context.Background(), query, args...)
}
func (q ctxQuerier) QueryContext(query string, args ...any) (*sql.Rows, error) {
	return q.db.QueryContext(context.Background(), query, args...)
}
func (q ctxQuerier) QueryRowContext(query string, args ...any) *sql.Row {
	return q.db.QueryRowContext(context.Background(), query, args...)
}

// withState wires a request as tenantMiddleware would, minus the
// broker/auth/session plumbing: a requestState built directly against a
// sqlmock-backed metadata.Store, and the mux vars a routed request would
// carry, so handlers can be exercised without a live database.
func withState(r *http.Request, vars map[string]string, s *requestState) *http.Request {
	r = mux.SetURLVars(r, vars)
	ctx := context.WithValue(r.Context(), ctxKeyState, s)
	return r.WithContext(ctx)
}

func TestHandleHeadSetsObjectHeaders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	meta := metadata.NewStore("acme", ctxQuerier{db})
	bucketCols := []string{"id", "name", "owner", "public", "size_limit", "created_at", "updated_at"}
	mock.ExpectQuery("SELECT id, name, owner").
		WithArgs("acme", "photos").
		WillReturnRows(sqlmock.NewRows(bucketCols).AddRow("b1", "photos", "u1", false, nil, testTime, testTime))

	objCols := []string{"id", "bucket_id", "name", "owner", "version", "size", "mime_type", "cache_control", "etag", "last_modified", "created_at", "updated_at"}
	mock.ExpectQuery("SELECT id, bucket_id, name").
		WithArgs("b1", "cat.png").
		WillReturnRows(sqlmock.NewRows(objCols).
			AddRow("o1", "b1", "cat.png", "u1", "v1", int64(42), "image/png", "no-cache", "etag1", testTime, testTime, testTime))

	d := &Deps{Log: zaptest.NewLogger(t)}
	state := &requestState{tenantID: "acme", claims: &auth.Claims{}, role: session.RoleAuthenticated, meta: meta}

	r := httptest.NewRequest(http.MethodHead, "/object/authenticated/photos/cat.png", nil)
	r = withState(r, map[string]string{"bucket": "photos", "name": "cat.png"}, state)
	rr := httptest.NewRecorder()

	d.handleHead(rr, r)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "image/png", rr.Header().Get("Content-Type"))
	require.Equal(t, "etag1", rr.Header().Get("ETag"))
	require.Equal(t, "42", rr.Header().Get("Content-Length"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleHeadBucketNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	meta := metadata.NewStore("acme", ctxQuerier{db})
	mock.ExpectQuery("SELECT id, name, owner").
		WillReturnError(sql.ErrNoRows)

	d := &Deps{Log: zaptest.NewLogger(t)}
	state := &requestState{tenantID: "acme", claims: &auth.Claims{}, meta: meta}

	r := httptest.NewRequest(http.MethodHead, "/object/authenticated/ghost/cat.png", nil)
	r = withState(r, map[string]string{"bucket": "ghost", "name": "cat.png"}, state)
	rr := httptest.NewRecorder()

	d.handleHead(rr, r)

	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Error(t, state.err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleListReturnsNextCursorAtPageLimit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	meta := metadata.NewStore("acme", ctxQuerier{db})
	bucketCols := []string{"id", "name", "owner", "public", "size_limit", "created_at", "updated_at"}
	mock.ExpectQuery("SELECT id, name, owner").
		WithArgs("acme", "photos").
		WillReturnRows(sqlmock.NewRows(bucketCols).AddRow("b1", "photos", "u1", false, nil, testTime, testTime))

	objCols := []string{"id", "bucket_id", "name", "owner", "version", "size", "mime_type", "cache_control", "etag", "last_modified", "created_at", "updated_at"}
	mock.ExpectQuery("SELECT id, bucket_id, name").
		WithArgs("b1", "", 1).
		WillReturnRows(sqlmock.NewRows(objCols).
			AddRow("o1", "b1", "cat.png", "u1", "v1", int64(10), "image/png", "", "etag1", testTime, testTime, testTime))

	d := &Deps{Log: zaptest.NewLogger(t)}
	state := &requestState{tenantID: "acme", claims: &auth.Claims{}, meta: meta}

	r := httptest.NewRequest(http.MethodPost, "/object/list/photos?limit=1", nil)
	r = withState(r, map[string]string{"bucket": "photos"}, state)
	rr := httptest.NewRecorder()

	d.handleList(rr, r)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"cat.png"`)
	require.Contains(t, rr.Body.String(), `"next"`)
	require.NoError(t, mock.ExpectationsWereMet())
}
