// Package file implements blob.Backend against a local directory tree,
// mapping bucket/key to a nested path and committing uploads with a
// temp-file-then-rename so readers never observe a partially written
// blob.
package file

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/objectvault/storage-gateway/blob"
)

// Backend roots every bucket under a single base directory.
type Backend struct {
	baseDir string
}

// New returns a Backend rooted at baseDir, creating it if absent.
func New(baseDir string) (*Backend, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, blob.ErrInternal.Wrap(err)
	}
	return &Backend{baseDir: baseDir}, nil
}

func (b *Backend) path(bucket, key string) (string, error) {
	for _, part := range strings.Split(bucket+"/"+key, "/") {
		if part == ".." {
			return "", blob.ErrAccessDenied.New("key escapes backend root: %s/%s", bucket, key)
		}
	}
	clean := filepath.Clean("/" + bucket + "/" + key)
	return filepath.Join(b.baseDir, clean), nil
}

func (b *Backend) GetObject(ctx context.Context, bucket, key string, cond blob.Conditions) (blob.Object, error) {
	full, err := b.path(bucket, key)
	if err != nil {
		return blob.Object{}, err
	}

	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return blob.Object{}, blob.ErrNotFound.New("%s/%s", bucket, key)
	}
	if err != nil {
		return blob.Object{}, blob.ErrInternal.Wrap(err)
	}

	if !cond.IfModifiedSince.IsZero() && !info.ModTime().After(cond.IfModifiedSince) {
		return blob.Object{}, blob.ErrNotModified.New("%s/%s", bucket, key)
	}
	etag := etagFor(info)
	if cond.IfNoneMatch != "" && cond.IfNoneMatch == etag {
		return blob.Object{}, blob.ErrNotModified.New("%s/%s", bucket, key)
	}

	f, err := os.Open(full)
	if err != nil {
		return blob.Object{}, blob.ErrInternal.Wrap(err)
	}

	var body io.ReadCloser = f
	if cond.HasRange() {
		if _, err := f.Seek(cond.RangeStart, io.SeekStart); err != nil {
			_ = f.Close()
			return blob.Object{}, blob.ErrInternal.Wrap(err)
		}
		length := cond.RangeEnd - cond.RangeStart + 1
		if cond.RangeEnd == 0 {
			length = info.Size() - cond.RangeStart
		}
		body = rangeReadCloser{LimitedReader: &io.LimitedReader{R: f, N: length}, closer: f}
	}

	return blob.Object{
		Metadata: blob.Metadata{Size: info.Size(), LastModified: info.ModTime(), ETag: etag},
		Body:     body,
	}, nil
}

type rangeReadCloser struct {
	*io.LimitedReader
	closer io.Closer
}

func (r rangeReadCloser) Close() error { return r.closer.Close() }

func (b *Backend) HeadObject(ctx context.Context, bucket, key string) (blob.Metadata, error) {
	full, err := b.path(bucket, key)
	if err != nil {
		return blob.Metadata{}, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return blob.Metadata{}, blob.ErrNotFound.New("%s/%s", bucket, key)
	}
	if err != nil {
		return blob.Metadata{}, blob.ErrInternal.Wrap(err)
	}
	return blob.Metadata{Size: info.Size(), LastModified: info.ModTime(), ETag: etagFor(info)}, nil
}

// UploadObject writes to a sibling temp file and renames it into
// place, so a reader never sees a partially written blob (mirrors the
// teacher's storage-node convention of committing blobs atomically).
func (b *Backend) UploadObject(ctx context.Context, bucket, key string, body io.Reader, contentType, cacheControl string) (blob.Metadata, error) {
	full, err := b.path(bucket, key)
	if err != nil {
		return blob.Metadata{}, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return blob.Metadata{}, blob.ErrInternal.Wrap(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return blob.Metadata{}, blob.ErrInternal.Wrap(err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	size, err := io.Copy(tmp, body)
	if err != nil {
		_ = tmp.Close()
		return blob.Metadata{}, blob.ErrInternal.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return blob.Metadata{}, blob.ErrInternal.Wrap(err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return blob.Metadata{}, blob.ErrInternal.Wrap(err)
	}

	if contentType != "" || cacheControl != "" {
		if err := writeSidecar(full, contentType, cacheControl); err != nil {
			return blob.Metadata{}, err
		}
	}

	info, err := os.Stat(full)
	if err != nil {
		return blob.Metadata{}, blob.ErrInternal.Wrap(err)
	}
	return blob.Metadata{
		Size: size, ContentType: contentType, CacheControl: cacheControl,
		LastModified: info.ModTime(), ETag: etagFor(info),
	}, nil
}

func (b *Backend) CopyObject(ctx context.Context, bucket, srcKey, dstKey string, cond blob.Conditions) (blob.Metadata, error) {
	src, err := b.GetObject(ctx, bucket, srcKey, cond)
	if err != nil {
		return blob.Metadata{}, err
	}
	defer func() { _ = src.Body.Close() }()
	return b.UploadObject(ctx, bucket, dstKey, src.Body, src.Metadata.ContentType, src.Metadata.CacheControl)
}

func (b *Backend) DeleteObject(ctx context.Context, bucket, key string) error {
	full, err := b.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return blob.ErrInternal.Wrap(err)
	}
	_ = os.Remove(full + ".meta")
	return nil
}

func (b *Backend) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
	for _, key := range keys {
		if err := b.DeleteObject(ctx, bucket, key); err != nil {
			return err
		}
	}
	return nil
}

// List walks the bucket directory in lexical key order, paging at
// blob.ListPageSize and resuming from ContinuationToken (the last key
// returned).
func (b *Backend) List(ctx context.Context, bucket string, opts blob.ListOptions) (blob.ListPage, error) {
	root := filepath.Join(b.baseDir, filepath.Clean("/"+bucket))

	var all []blob.ListEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasSuffix(key, ".meta") {
			return nil
		}
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !opts.BeforeDate.IsZero() && !info.ModTime().Before(opts.BeforeDate) {
			return nil
		}
		all = append(all, blob.ListEntry{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		return blob.ListPage{}, blob.ErrInternal.Wrap(err)
	}

	start := 0
	if opts.ContinuationToken != "" {
		for i, e := range all {
			if e.Key > opts.ContinuationToken {
				start = i
				break
			}
			start = i + 1
		}
	}

	end := start + blob.ListPageSize
	if end > len(all) {
		end = len(all)
	}
	page := blob.ListPage{Keys: all[start:end]}
	if end < len(all) {
		page.NextToken = all[end-1].Key
	}
	return page, nil
}

func (b *Backend) UpdateObjectInfoMetadata(ctx context.Context, bucket, key string) error {
	full, err := b.path(bucket, key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(full + ".info"); errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return blob.ErrInternal.Wrap(err)
	}
	return nil
}

func writeSidecar(full, contentType, cacheControl string) error {
	f, err := os.Create(full + ".meta")
	if err != nil {
		return blob.ErrInternal.Wrap(err)
	}
	defer func() { _ = f.Close() }()
	_, err = f.WriteString(contentType + "\n" + cacheControl + "\n")
	if err != nil {
		return blob.ErrInternal.Wrap(err)
	}
	return nil
}

func etagFor(info fs.FileInfo) string {
	return time.Unix(0, info.ModTime().UnixNano()).Format("20060102150405.000000000")
}
