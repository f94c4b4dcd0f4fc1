package metadata_test

import (
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/objectvault/storage-gateway/metadata"
)

func TestInsertPendingObject(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO storage.objects").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO storage.prefixes").
		WithArgs("bucket-1", "a/b", 2).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO storage.prefixes").
		WithArgs("bucket-1", "a", 1).
		WillReturnResult(sqlmock.NewResult(1, 1))

	objectID, version, err := store.InsertPendingObject("bucket-1", "a/b/file", "owner-1")
	require.NoError(t, err)
	require.NotEmpty(t, objectID)
	require.NotEmpty(t, version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPendingObjectAlreadyExists(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO storage.objects").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	_, _, err := store.InsertPendingObject("bucket-1", "file", "owner-1")
	require.Error(t, err)
	require.True(t, metadata.ErrAlreadyExists.Has(err))
}

func TestReplaceObjectVersion(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"version"}).AddRow("old-version")
	mock.ExpectQuery("UPDATE storage.objects").
		WithArgs("bucket-1", "file", sqlmock.AnyArg(), "owner-2").
		WillReturnRows(rows)

	newVersion, previousVersion, err := store.ReplaceObjectVersion("bucket-1", "file", "owner-2")
	require.NoError(t, err)
	require.NotEmpty(t, newVersion)
	require.Equal(t, "old-version", previousVersion)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceObjectVersionNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE storage.objects").
		WillReturnError(sqlErrNoRows)

	_, _, err := store.ReplaceObjectVersion("bucket-1", "missing", "owner-2")
	require.Error(t, err)
	require.True(t, metadata.ErrNotFound.Has(err))
}

func TestDeleteObjectCleansUpPrefixes(t *testing.T) {
	store, mock := newMockStore(t)

	cols := []string{"id", "bucket_id", "name", "owner", "version", "size", "mime_type",
		"cache_control", "etag", "last_modified", "created_at", "updated_at"}
	rows := sqlmock.NewRows(cols).AddRow(
		"obj-1", "bucket-1", "a/b/file", "owner-1", "v1", int64(10), "text/plain", "", "etag1", nil, nowColumn, nowColumn)
	mock.ExpectQuery("DELETE FROM storage.objects").
		WithArgs("bucket-1", "a/b/file").
		WillReturnRows(rows)

	mock.ExpectQuery("SELECT count\\(\\*\\) FROM storage.objects").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM storage.prefixes").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("DELETE FROM storage.prefixes").
		WithArgs("bucket-1", "a/b").
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectQuery("SELECT count\\(\\*\\) FROM storage.objects").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM storage.prefixes").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("DELETE FROM storage.prefixes").
		WithArgs("bucket-1", "a").
		WillReturnResult(sqlmock.NewResult(1, 1))

	obj, err := store.DeleteObject("bucket-1", "a/b/file")
	require.NoError(t, err)
	require.Equal(t, "a/b/file", obj.Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteObjectNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("DELETE FROM storage.objects").
		WillReturnError(sqlErrNoRows)

	_, err := store.DeleteObject("bucket-1", "missing")
	require.Error(t, err)
	require.True(t, metadata.ErrNotFound.Has(err))
}

func TestListObjectsPagination(t *testing.T) {
	store, mock := newMockStore(t)

	cols := []string{"id", "bucket_id", "name", "owner", "version", "size", "mime_type",
		"cache_control", "etag", "last_modified", "created_at", "updated_at"}
	rows := sqlmock.NewRows(cols).
		AddRow("obj-1", "bucket-1", "a", "owner-1", "v1", int64(1), "text/plain", "", "e1", nil, nowColumn, nowColumn).
		AddRow("obj-2", "bucket-1", "b", "owner-1", "v1", int64(1), "text/plain", "", "e2", nil, nowColumn, nowColumn)
	mock.ExpectQuery("SELECT id, bucket_id, name").
		WithArgs("bucket-1", "", 2).
		WillReturnRows(rows)

	page, err := store.ListObjects("bucket-1", 2, nil)
	require.NoError(t, err)
	require.Len(t, page.Objects, 2)
	require.NotNil(t, page.Next)
	require.Equal(t, "b", page.Next.Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindObjectVersionsEmpty(t *testing.T) {
	store, _ := newMockStore(t)

	found, err := store.FindObjectVersions("bucket-1", nil)
	require.NoError(t, err)
	require.Empty(t, found)
}
