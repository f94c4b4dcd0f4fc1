package workers

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/objectvault/storage-gateway/jobq"
	"github.com/objectvault/storage-gateway/tenant"
)

// ctxQuerier adapts a *sql.DB to pubsub.Publisher's context-free shape.
type ctxQuerier struct{ db *sql.DB }

func (q ctxQuerier) ExecContext(query string, args ...any) (sql.Result, error) {
	return q.db.ExecContext(context.Background(), query, args...)
}

type fakeTenantStore struct {
	mu       sync.Mutex
	statuses map[string]tenant.MigrationStatus
	batches  []tenant.Batch
}

func (f *fakeTenantStore) GetTenant(ctx context.Context, tenantID string) (*tenant.Row, error) {
	return nil, tenant.ErrTenantNotFound.New("%s", tenantID)
}

func (f *fakeTenantStore) UpdateMigrationState(ctx context.Context, tenantID string, status tenant.MigrationStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses == nil {
		f.statuses = make(map[string]tenant.MigrationStatus)
	}
	f.statuses[tenantID] = status
	return nil
}

func (f *fakeTenantStore) ListTenantsToMigrate(ctx context.Context, pageSize int) (<-chan tenant.Batch, <-chan error) {
	batches := make(chan tenant.Batch, len(f.batches))
	errc := make(chan error, 1)
	for _, b := range f.batches {
		batches <- b
	}
	close(batches)
	close(errc)
	return batches, errc
}

func (f *fakeTenantStore) status(tenantID string) tenant.MigrationStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[tenantID]
}

var migrationFiles = fstest.MapFS{
	"1_init.sql": &fstest.MapFile{Data: []byte(`CREATE TABLE storage.objects (id TEXT)`)},
}

func newMigrationMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func TestRunMigrationsOnTenantsHandlerSuccessNotifiesOtherProcesses(t *testing.T) {
	db, mock := newMigrationMock(t)
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS storage").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS storage.migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT max.version. FROM storage.migrations").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE storage.objects").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO storage.migrations").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	notifyDB, notifyMock := newMigrationMock(t)
	notifyMock.ExpectExec("SELECT pg_notify").WithArgs("tenants_update", "acme").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := &fakeTenantStore{}
	registry := tenant.New(zaptest.NewLogger(t), store, plaintextDecrypterStub{})
	h := NewRunMigrationsOnTenantsHandler(migrationFiles, registry, ctxQuerier{notifyDB}, zaptest.NewLogger(t))
	h.dialTenantDB = func(string) (*sql.DB, error) { return db, nil }

	payload, err := json.Marshal(runMigrationsPayload{TenantID: "acme", DSN: "postgres://acme"})
	require.NoError(t, err)

	require.NoError(t, h.Handle(context.Background(), jobq.Job{Payload: payload}))
	require.Equal(t, tenant.MigrationCompleted, store.status("acme"))
	require.NoError(t, notifyMock.ExpectationsWereMet())
}

func TestRunMigrationsOnTenantsHandlerFailureRecordsStatus(t *testing.T) {
	db, mock := newMigrationMock(t)
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS storage").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS storage.migrations").
		WillReturnError(sql.ErrConnDone)

	store := &fakeTenantStore{}
	registry := tenant.New(zaptest.NewLogger(t), store, plaintextDecrypterStub{})
	h := NewRunMigrationsOnTenantsHandler(migrationFiles, registry, nil, zaptest.NewLogger(t))
	h.dialTenantDB = func(string) (*sql.DB, error) { return db, nil }

	payload, err := json.Marshal(runMigrationsPayload{TenantID: "acme", DSN: "postgres://acme"})
	require.NoError(t, err)

	err = h.Handle(context.Background(), jobq.Job{Payload: payload})
	require.Error(t, err)
	require.Equal(t, tenant.MigrationFailed, store.status("acme"))
}

func TestRunMigrationsOnTenantsHandlerNilPublisherIsNoop(t *testing.T) {
	db, mock := newMigrationMock(t)
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS storage").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS storage.migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT max.version. FROM storage.migrations").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE storage.objects").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO storage.migrations").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := &fakeTenantStore{}
	registry := tenant.New(zaptest.NewLogger(t), store, plaintextDecrypterStub{})
	h := NewRunMigrationsOnTenantsHandler(migrationFiles, registry, nil, zaptest.NewLogger(t))
	h.dialTenantDB = func(string) (*sql.DB, error) { return db, nil }

	payload, err := json.Marshal(runMigrationsPayload{TenantID: "acme", DSN: "postgres://acme"})
	require.NoError(t, err)

	require.NoError(t, h.Handle(context.Background(), jobq.Job{Payload: payload}))
	require.Equal(t, tenant.MigrationCompleted, store.status("acme"))
}

func TestProgressiveMigrationsSchedulerEnqueuesSingletonKeyedJobs(t *testing.T) {
	db, mock := newMigrationMock(t)
	mock.ExpectQuery("SELECT id FROM jobq.jobs").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO jobq.jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id FROM jobq.jobs").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO jobq.jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	store := &fakeTenantStore{batches: []tenant.Batch{
		{Tenants: []tenant.Row{
			{ID: "acme", DatabaseURL: "postgres://acme"},
			{ID: "globex", DatabaseURL: "postgres://globex"},
		}},
	}}
	registry := tenant.New(zaptest.NewLogger(t), store, plaintextDecrypterStub{})
	jobs := jobq.NewStore("control", ctxQuerier{db})
	scheduler := NewProgressiveMigrationsScheduler(registry, jobs, 50, time.Millisecond, "run-migrations", zaptest.NewLogger(t))

	require.NoError(t, scheduler.Run(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

type plaintextDecrypterStub struct{}

func (plaintextDecrypterStub) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }
