package metadata_test

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestListObjectsStreamDrainsAllPages(t *testing.T) {
	store, mock := newMockStore(t)

	cols := []string{"id", "bucket_id", "name", "owner", "version", "size", "mime_type",
		"cache_control", "etag", "last_modified", "created_at", "updated_at"}

	first := sqlmock.NewRows(cols)
	for i := 0; i < 1000; i++ {
		first.AddRow("obj", "bucket-1", "name", "owner-1", "v1", int64(1), "text/plain", "", "e", nil, nowColumn, nowColumn)
	}
	mock.ExpectQuery("SELECT id, bucket_id, name").
		WithArgs("bucket-1", "", 1000).
		WillReturnRows(first)

	second := sqlmock.NewRows(cols).
		AddRow("obj", "bucket-1", "name2", "owner-1", "v1", int64(1), "text/plain", "", "e", nil, nowColumn, nowColumn)
	mock.ExpectQuery("SELECT id, bucket_id, name").
		WithArgs("bucket-1", "", "name", "v1", 1000).
		WillReturnRows(second)

	stream := store.ListObjectsStream(context.Background(), "bucket-1", time.Time{})

	var total int
	for page := range stream.Pages() {
		total += len(page.Objects)
	}
	require.NoError(t, stream.Err())
	require.Equal(t, 1001, total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListObjectsStreamStopsOnContextCancel(t *testing.T) {
	store, mock := newMockStore(t)

	cols := []string{"id", "bucket_id", "name", "owner", "version", "size", "mime_type",
		"cache_control", "etag", "last_modified", "created_at", "updated_at"}
	full := sqlmock.NewRows(cols)
	for i := 0; i < 1000; i++ {
		full.AddRow("obj", "bucket-1", "name", "owner-1", "v1", int64(1), "text/plain", "", "e", nil, nowColumn, nowColumn)
	}
	mock.ExpectQuery("SELECT id, bucket_id, name").
		WillReturnRows(full)

	ctx, cancel := context.WithCancel(context.Background())
	stream := store.ListObjectsStream(ctx, "bucket-1", time.Time{})

	<-stream.Pages()
	cancel()

	for range stream.Pages() {
	}
}
