// Package blob defines the uniform interface the storage orchestrator
// uses to talk to whatever byte store backs a deployment, and the
// normalized error taxonomy every implementation must translate into
// (spec.md §4.E).
package blob

import (
	"context"
	"io"
	"time"

	"github.com/zeebo/errs"
)

// Error classes every Backend implementation normalizes its
// backend-specific failures into.
var (
	ErrNotFound           = errs.Class("blob not found")
	ErrNotModified        = errs.Class("blob not modified")
	ErrPreconditionFailed = errs.Class("blob precondition failed")
	ErrAccessDenied       = errs.Class("blob access denied")
	ErrThrottled          = errs.Class("blob throttled")
	ErrUnavailable        = errs.Class("blob backend unavailable")
	ErrInternal           = errs.Class("blob backend internal error")
)

// Metadata describes a stored blob's size, content type and cache
// headers as reported by the backend.
type Metadata struct {
	Size         int64
	ContentType  string
	CacheControl string
	ETag         string
	LastModified time.Time
}

// Conditions narrows a GetObject/HeadObject call to a conditional
// request; the zero value requests the current version unconditionally.
type Conditions struct {
	IfNoneMatch     string
	IfModifiedSince time.Time
	RangeStart      int64
	RangeEnd        int64 // 0 means "to end of object"
}

// HasRange reports whether the caller asked for a byte range rather
// than the whole object.
func (c Conditions) HasRange() bool { return c.RangeStart > 0 || c.RangeEnd > 0 }

// Object pairs a blob's bytes with the metadata read alongside them.
// Body is nil when a conditional request was satisfied by a cached
// copy (NotModified) and the caller should not attempt to read it.
type Object struct {
	Metadata Metadata
	Body     io.ReadCloser
}

// ListEntry is one key returned by List.
type ListEntry struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ListOptions scopes a List call to a prefix and, optionally, an
// upper bound on last-modified time and a continuation token from a
// previous page.
type ListOptions struct {
	Prefix            string
	BeforeDate        time.Time
	ContinuationToken string
}

// ListPage is one page of a List call; NextToken is empty when the
// listing is exhausted.
type ListPage struct {
	Keys      []ListEntry
	NextToken string
}

// Backend is the storage orchestrator's abstract view over S3 and
// local-filesystem byte stores (spec.md §4.E). Every method returns
// errors from the normalized taxonomy above; implementations must not
// leak backend-specific error types across this boundary.
type Backend interface {
	GetObject(ctx context.Context, bucket, key string, cond Conditions) (Object, error)
	HeadObject(ctx context.Context, bucket, key string) (Metadata, error)
	UploadObject(ctx context.Context, bucket, key string, body io.Reader, contentType, cacheControl string) (Metadata, error)
	CopyObject(ctx context.Context, bucket, srcKey, dstKey string, cond Conditions) (Metadata, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	DeleteObjects(ctx context.Context, bucket string, keys []string) error
	List(ctx context.Context, bucket string, opts ListOptions) (ListPage, error)
	UpdateObjectInfoMetadata(ctx context.Context, bucket, key string) error
}

const ListPageSize = 1000
