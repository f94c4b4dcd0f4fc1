package httpapi_test

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/objectvault/storage-gateway/config"
	"github.com/objectvault/storage-gateway/httpapi"
	"github.com/objectvault/storage-gateway/metadata"
	"github.com/objectvault/storage-gateway/tenant"
)

// ctxQuerier adapts a plain *sql.DB to the ctx-less Querier shape every
// component store expects, the same adapter metadata/tenants_test.go and
// orchestrator/orchestrator_test.go build against sqlmock.
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

var tenantCols = []string{"id", "database_url", "database_pool_url", "max_connections", "file_size_limit",
	"jwt_secret_ciphertext", "jwks", "service_key_ciphertext", "features",
	"migration_version", "migration_status"}

func newTestAdmin(t *testing.T) (*httpapi.AdminDeps, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := metadata.NewTenantStore(ctxQuerier{db})
	registry := tenant.New(zaptest.NewLogger(t), store, nil)

	cfg := &config.Config{AdminRequestHeader: "X-Request-ID", AdminAPIKeys: []string{"secret"}}
	return &httpapi.AdminDeps{
		Config:      cfg,
		Registry:    registry,
		TenantStore: store,
		DialTenant:  func(dsn string) (*sql.DB, error) { return nil, sql.ErrConnDone },
		Log:         zaptest.NewLogger(t),
	}, mock, db
}

func doAdminRequest(d *httpapi.AdminDeps, method, path, apiKey, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if apiKey != "" {
		r.Header.Set("apikey", apiKey)
	}
	httpapi.NewAdminRouter(d).ServeHTTP(rr, r)
	return rr
}

func TestAdminRouterRejectsMissingAPIKey(t *testing.T) {
	d, _, _ := newTestAdmin(t)

	rr := doAdminRequest(d, http.MethodGet, "/tenants", "", "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAdminListTenants(t *testing.T) {
	d, mock, _ := newTestAdmin(t)

	mock.ExpectQuery("SELECT id, database_url").
		WillReturnRows(sqlmock.NewRows(tenantCols).
			AddRow("acme", "postgres://acme", nil, nil, int64(1024), "cipher", nil, "cipher2", []byte(`{}`), nil, "COMPLETED"))

	rr := doAdminRequest(d, http.MethodGet, "/tenants", "secret", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"acme"`)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdminGetTenantNotFound(t *testing.T) {
	d, mock, _ := newTestAdmin(t)

	mock.ExpectQuery("SELECT id, database_url").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	rr := doAdminRequest(d, http.MethodGet, "/tenants/ghost", "secret", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Contains(t, rr.Body.String(), `"NotFound"`)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdminCreateTenant(t *testing.T) {
	d, mock, _ := newTestAdmin(t)

	mock.ExpectExec("INSERT INTO tenants").WillReturnResult(sqlmock.NewResult(0, 1))

	body := `{"id":"acme","databaseUrl":"postgres://acme","fileSizeLimit":1024,"migrationStatus":"PENDING"}`
	rr := doAdminRequest(d, http.MethodPost, "/tenants", "secret", body)
	require.Equal(t, http.StatusCreated, rr.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdminCreateTenantRejectsBadJSON(t *testing.T) {
	d, _, _ := newTestAdmin(t)

	rr := doAdminRequest(d, http.MethodPost, "/tenants", "secret", "{not json")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdminDeleteTenantNotifiesRegistry(t *testing.T) {
	d, mock, _ := newTestAdmin(t)

	mock.ExpectExec("DELETE FROM tenants").WithArgs("acme").WillReturnResult(sqlmock.NewResult(0, 1))

	rr := doAdminRequest(d, http.MethodDelete, "/tenants/acme", "secret", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdminTenantHealthUnreachable(t *testing.T) {
	d, mock, _ := newTestAdmin(t)

	mock.ExpectQuery("SELECT id, database_url").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows(tenantCols).
			AddRow("acme", "postgres://unreachable", nil, nil, int64(1024), "cipher", nil, "cipher2", []byte(`{}`), nil, "COMPLETED"))

	rr := doAdminRequest(d, http.MethodGet, "/tenants/acme/health", "secret", "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Contains(t, rr.Body.String(), `"healthy":false`)
	require.NoError(t, mock.ExpectationsWereMet())
}
