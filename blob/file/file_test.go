package file_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/objectvault/storage-gateway/blob"
	"github.com/objectvault/storage-gateway/blob/file"
)

func newBackend(t *testing.T) *file.Backend {
	t.Helper()
	b, err := file.New(t.TempDir())
	require.NoError(t, err)
	return b
}

func TestUploadThenGetRoundTrip(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	_, err := b.UploadObject(ctx, "bucket-1", "a/b/file", bytes.NewReader([]byte("hello")), "text/plain", "no-cache")
	require.NoError(t, err)

	obj, err := b.GetObject(ctx, "bucket-1", "a/b/file", blob.Conditions{})
	require.NoError(t, err)
	defer obj.Body.Close()

	data, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
	require.EqualValues(t, 5, obj.Metadata.Size)
}

func TestGetObjectNotFound(t *testing.T) {
	b := newBackend(t)
	_, err := b.GetObject(context.Background(), "bucket-1", "missing", blob.Conditions{})
	require.True(t, blob.ErrNotFound.Has(err))
}

func TestGetObjectIfModifiedSince(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	_, err := b.UploadObject(ctx, "bucket-1", "file", bytes.NewReader([]byte("x")), "", "")
	require.NoError(t, err)

	_, err = b.GetObject(ctx, "bucket-1", "file", blob.Conditions{IfModifiedSince: time.Now().Add(time.Hour)})
	require.True(t, blob.ErrNotModified.Has(err))
}

func TestGetObjectRange(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	_, err := b.UploadObject(ctx, "bucket-1", "file", bytes.NewReader([]byte("abcdefgh")), "", "")
	require.NoError(t, err)

	obj, err := b.GetObject(ctx, "bucket-1", "file", blob.Conditions{RangeStart: 2, RangeEnd: 5})
	require.NoError(t, err)
	defer obj.Body.Close()

	data, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	require.Equal(t, "cdef", string(data))
}

func TestDeleteObjectMissingIsNoop(t *testing.T) {
	b := newBackend(t)
	require.NoError(t, b.DeleteObject(context.Background(), "bucket-1", "missing"))
}

func TestPathEscapeRejected(t *testing.T) {
	b := newBackend(t)
	_, err := b.GetObject(context.Background(), "bucket-1", "../../etc/passwd", blob.Conditions{})
	require.True(t, blob.ErrAccessDenied.Has(err))
}

func TestListPagination(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		_, err := b.UploadObject(ctx, "bucket-1", key, bytes.NewReader([]byte("x")), "", "")
		require.NoError(t, err)
	}

	page, err := b.List(ctx, "bucket-1", blob.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Keys, 3)
	require.Empty(t, page.NextToken)
}

func TestCopyObject(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	_, err := b.UploadObject(ctx, "bucket-1", "src", bytes.NewReader([]byte("payload")), "text/plain", "")
	require.NoError(t, err)

	_, err = b.CopyObject(ctx, "bucket-1", "src", "dst", blob.Conditions{})
	require.NoError(t, err)

	obj, err := b.GetObject(ctx, "bucket-1", "dst", blob.Conditions{})
	require.NoError(t, err)
	defer obj.Body.Close()
	data, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
}
