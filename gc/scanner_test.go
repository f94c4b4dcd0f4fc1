package gc

import (
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/objectvault/storage-gateway/blob"
	"github.com/objectvault/storage-gateway/jobq"
	"github.com/objectvault/storage-gateway/metadata"
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

type fakeBackend struct {
	deleted []string
}

func (f *fakeBackend) GetObject(ctx context.Context, bucket, key string, cond blob.Conditions) (blob.Object, error) {
	return blob.Object{}, blob.ErrNotFound.New("%s", key)
}
func (f *fakeBackend) HeadObject(ctx context.Context, bucket, key string) (blob.Metadata, error) {
	return blob.Metadata{}, nil
}
func (f *fakeBackend) UploadObject(ctx context.Context, bucket, key string, body io.Reader, contentType, cacheControl string) (blob.Metadata, error) {
	return blob.Metadata{}, nil
}
func (f *fakeBackend) CopyObject(ctx context.Context, bucket, srcKey, dstKey string, cond blob.Conditions) (blob.Metadata, error) {
	return blob.Metadata{}, nil
}
func (f *fakeBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	f.deleted = append(f.deleted, bucket+"/"+key)
	return nil
}
func (f *fakeBackend) DeleteObjects(ctx context.Context, bucket string, keys []string) error { return nil }
func (f *fakeBackend) List(ctx context.Context, bucket string, opts blob.ListOptions) (blob.ListPage, error) {
	return blob.ListPage{}, nil
}
func (f *fakeBackend) UpdateObjectInfoMetadata(ctx context.Context, bucket, key string) error {
	return nil
}

func TestSplitKey(t *testing.T) {
	name, version, ok := splitKey("tenant-1/bucket-1/a/b/file/01ARZ3", "tenant-1/bucket-1/")
	require.True(t, ok)
	require.Equal(t, "a/b/file", name)
	require.Equal(t, "01ARZ3", version)

	_, _, ok = splitKey("other-prefix/file/v1", "tenant-1/bucket-1/")
	require.False(t, ok)
}

func TestMergeOrphansDrainsBothChannels(t *testing.T) {
	blobOrphans := make(chan Orphan)
	dbOrphans := make(chan Orphan)
	errc := make(chan error, 2)
	st := &Stream{orphans: make(chan Orphan), errc: make(chan error, 1)}

	go func() {
		blobOrphans <- Orphan{Kind: KindBlob, Name: "k2", Version: "v2"}
		close(blobOrphans)
	}()
	go func() {
		dbOrphans <- Orphan{Kind: KindDB, Name: "k3", Version: "v1"}
		close(dbOrphans)
	}()

	go mergeOrphans(context.Background(), blobOrphans, dbOrphans, errc, st)

	var got []Orphan
	for o := range st.Orphans() {
		got = append(got, o)
	}
	require.NoError(t, st.Err())
	require.Len(t, got, 2)
}

func TestMergeOrphansStopsOnContextCancel(t *testing.T) {
	blobOrphans := make(chan Orphan)
	dbOrphans := make(chan Orphan)
	errc := make(chan error, 2)
	st := &Stream{orphans: make(chan Orphan), errc: make(chan error, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	go mergeOrphans(ctx, blobOrphans, dbOrphans, errc, st)

	cancel()
	for range st.Orphans() {
	}
	require.ErrorIs(t, st.Err(), context.Canceled)
}

func newMockScanner(t *testing.T) (*Scanner, sqlmock.Sqlmock, *fakeBackend, ctxQuerier) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q := ctxQuerier{db}
	backend := &fakeBackend{}
	meta := metadata.NewStore("tenant-1", q)
	return NewScanner(q, meta, backend, zaptest.NewLogger(t)), mock, backend, q
}

func TestBlobOrphanPassYieldsKeysMissingFromMetadata(t *testing.T) {
	sc, mock, _, _ := newMockScanner(t)

	cols := []string{"key", "size"}
	mock.ExpectQuery("SELECT key, size FROM tmp_keys").
		WithArgs("", blob.ListPageSize).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("tenant-1/bucket-1/k1/v1", int64(10)).
			AddRow("tenant-1/bucket-1/k2/v2", int64(20)))

	mock.ExpectQuery("SELECT name, version FROM storage.objects").
		WillReturnRows(sqlmock.NewRows([]string{"name", "version"}).AddRow("k1", "v1"))

	mock.ExpectQuery("SELECT key, size FROM tmp_keys").
		WithArgs("tenant-1/bucket-1/k2/v2", blob.ListPageSize).
		WillReturnRows(sqlmock.NewRows(cols))

	out := make(chan Orphan, 10)
	require.NoError(t, sc.blobOrphanPass(context.Background(), "bucket-1", "tenant-1/bucket-1/", out))
	close(out)

	var got []Orphan
	for o := range out {
		got = append(got, o)
	}
	require.Equal(t, []Orphan{{Kind: KindBlob, Name: "k2", Version: "v2", Size: 20}}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDbOrphanPassYieldsRowsMissingFromBlobBackend(t *testing.T) {
	sc, mock, _, _ := newMockScanner(t)

	objCols := []string{"id", "bucket_id", "name", "owner", "version", "size", "mime_type",
		"cache_control", "etag", "last_modified", "created_at", "updated_at"}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, bucket_id, name").
		WithArgs("bucket-1", "", blob.ListPageSize).
		WillReturnRows(sqlmock.NewRows(objCols).
			AddRow("obj-1", "bucket-1", "k3", "owner-1", "v1", int64(5), "text/plain", "", "e", nil, now, now))

	mock.ExpectQuery("SELECT key FROM tmp_keys WHERE key = ANY").
		WillReturnRows(sqlmock.NewRows([]string{"key"}))

	out := make(chan Orphan, 10)
	require.NoError(t, sc.dbOrphanPass(context.Background(), "bucket-1", "tenant-1/bucket-1/", time.Time{}, out))
	close(out)

	var got []Orphan
	for o := range out {
		got = append(got, o)
	}
	require.Equal(t, []Orphan{{Kind: KindDB, Name: "k3", Version: "v1", Size: 5}}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDrainAndDeleteEmitsBackupJobAndDeletes(t *testing.T) {
	sc, mock, backend, q := newMockScanner(t)
	jobs := jobq.NewStore("tenant-1", q)

	mock.ExpectExec("INSERT INTO jobq.jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	st := &Stream{orphans: make(chan Orphan, 1), errc: make(chan error, 1)}
	st.orphans <- Orphan{Kind: KindBlob, Name: "k2", Version: "v2", Size: 20}
	close(st.orphans)

	deleted, err := sc.drainAndDelete(context.Background(), st, "tenant-1", "bucket-1",
		DeleteOptions{DeleteBlobKeys: true, ColdBucket: "cold"}, jobs)
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	require.Equal(t, []string{"bucket-1/tenant-1/bucket-1/k2/v2"}, backend.deleted)
}
