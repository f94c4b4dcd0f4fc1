package jobq_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/objectvault/storage-gateway/jobq"
)

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

func newMockStore(t *testing.T) (*jobq.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return jobq.NewStore("tenant-1", ctxQuerier{db}), mock
}

func TestSend(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO jobq.jobs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	id, err := store.Send("webhooks", []byte(`{"type":"ObjectCreated"}`), jobq.SendOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSendSingletonKeyReturnsExisting(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id FROM jobq.jobs").
		WithArgs("tenant-1", "migrations", "tenant-42").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("existing-job-id"))

	id, err := store.Send("migrations", nil, jobq.SendOptions{SingletonKey: "tenant-42"})
	require.NoError(t, err)
	require.Equal(t, "existing-job-id", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSendSingletonKeyRaceRecoversExistingID(t *testing.T) {
	store, mock := newMockStore(t)

	// the upfront check misses (no in-flight row yet)...
	mock.ExpectQuery("SELECT id FROM jobq.jobs").
		WithArgs("tenant-1", "migrations", "tenant-42").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	// ...but a concurrent Send wins the race and the INSERT trips the
	// partial unique index instead of succeeding.
	mock.ExpectExec("INSERT INTO jobq.jobs").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	// Send recovers by re-querying for the row the other caller created.
	mock.ExpectQuery("SELECT id FROM jobq.jobs").
		WithArgs("tenant-1", "migrations", "tenant-42").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("winner-job-id"))

	id, err := store.Send("migrations", nil, jobq.SendOptions{SingletonKey: "tenant-42"})
	require.NoError(t, err)
	require.Equal(t, "winner-job-id", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaim(t *testing.T) {
	store, mock := newMockStore(t)

	cols := []string{"id", "queue", "payload", "created_at", "start_after", "retry_count",
		"retry_limit", "retry_backoff_seconds", "singleton_key", "state", "expire_at"}
	now := time.Now()
	rows := sqlmock.NewRows(cols).AddRow(
		"job-1", "webhooks", []byte("{}"), now, now, 0, 5, 30, "", "active", nil)
	mock.ExpectQuery("UPDATE jobq.jobs SET state = 'active'").
		WithArgs("tenant-1", "webhooks", 10).
		WillReturnRows(rows)

	jobs, err := store.Claim("webhooks", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, jobq.StateActive, jobs[0].State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobq.jobs SET state = 'completed'").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Complete("missing-job")
	require.Error(t, err)
	require.True(t, jobq.ErrNotFound.Has(err))
}

func TestRetryReportsExhausted(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE jobq.jobs SET state = 'retry'").
		WillReturnRows(sqlmock.NewRows([]string{"exhausted"}).AddRow(true))

	exhausted, err := store.Retry("job-1", 30)
	require.NoError(t, err)
	require.True(t, exhausted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelAlreadyHandled(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobq.jobs SET state = 'cancelled'").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Cancel("job-1")
	require.Error(t, err)
	require.True(t, jobq.ErrAlreadyHandled.Has(err))
}

func TestSlowQueueName(t *testing.T) {
	require.Equal(t, "webhooks-slow", jobq.SlowQueueName("webhooks"))
}
