package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"go.uber.org/zap"

	"github.com/objectvault/storage-gateway/blob"
	"github.com/objectvault/storage-gateway/internal/retry"
	"github.com/objectvault/storage-gateway/jobq"
	"github.com/objectvault/storage-gateway/metadata"
)

// Create uploads a brand-new object: insert the pending row, stream
// the body to the blob backend, finalize the row, emit ObjectCreated
// (spec.md §4.F "Create (upload)").
func (o *Orchestrator) Create(ctx context.Context, bucketID, name, owner, tenantID string, body io.Reader, contentType, cacheControl string) (metadata.Object, error) {
	objectID, version, err := o.meta.InsertPendingObject(bucketID, name, owner)
	if err != nil {
		return metadata.Object{}, err
	}

	key := blobKey(tenantID, bucketID, name, version)
	blobMeta, err := o.uploadWithRetry(ctx, bucketID, key, body, contentType, cacheControl)
	if err != nil {
		o.compensateFailedUpload(bucketID, name, key)
		return metadata.Object{}, ErrUploadFailed.Wrap(err)
	}

	if err := o.meta.FinalizeObject(objectID, metadata.ObjectMetadata{
		Size: blobMeta.Size, MimeType: blobMeta.ContentType, CacheControl: blobMeta.CacheControl,
		ETag: blobMeta.ETag, LastModified: blobMeta.LastModified,
	}); err != nil {
		o.enqueueOrLog(jobq.SendItem{Queue: QueueUploadCompleted, Payload: mustJSON(map[string]string{
			"bucket": bucketID, "key": key,
		})})
		return metadata.Object{}, err
	}

	o.emitObjectCreated(tenantID, bucketID, name, version, "")

	return metadata.Object{ID: objectID, BucketID: bucketID, Name: name, Owner: owner, Version: version, Metadata: metadata.ObjectMetadata{
		Size: blobMeta.Size, MimeType: blobMeta.ContentType, CacheControl: blobMeta.CacheControl, ETag: blobMeta.ETag, LastModified: blobMeta.LastModified,
	}}, nil
}

// Replace performs an upsert: a fresh version is generated for an
// existing name, the new blob is uploaded, and the previous version's
// blob plus its .info sibling are scheduled for deletion (spec.md §4.F
// "Replace (upsert)").
func (o *Orchestrator) Replace(ctx context.Context, bucketID, name, owner, tenantID string, body io.Reader, contentType, cacheControl string) (metadata.Object, error) {
	newVersion, previousVersion, err := o.meta.ReplaceObjectVersion(bucketID, name, owner)
	if err != nil {
		return metadata.Object{}, err
	}

	key := blobKey(tenantID, bucketID, name, newVersion)
	blobMeta, err := o.uploadWithRetry(ctx, bucketID, key, body, contentType, cacheControl)
	if err != nil {
		return metadata.Object{}, ErrUploadFailed.Wrap(err)
	}

	if err := o.meta.FinalizeObjectByName(bucketID, name, metadata.ObjectMetadata{
		Size: blobMeta.Size, MimeType: blobMeta.ContentType, CacheControl: blobMeta.CacheControl,
		ETag: blobMeta.ETag, LastModified: blobMeta.LastModified,
	}); err != nil {
		return metadata.Object{}, err
	}

	o.scheduleAdminDelete(tenantID, bucketID, name, previousVersion)
	o.emitObjectCreated(tenantID, bucketID, name, newVersion, previousVersion)

	return metadata.Object{BucketID: bucketID, Name: name, Owner: owner, Version: newVersion, Metadata: metadata.ObjectMetadata{
		Size: blobMeta.Size, MimeType: blobMeta.ContentType, CacheControl: blobMeta.CacheControl, ETag: blobMeta.ETag, LastModified: blobMeta.LastModified,
	}}, nil
}

// Copy inserts a pending destination row, reads the source row, and
// copies the blob; if the source lookup or the blob copy fails, the
// destination row is deleted again (spec.md §4.F "Copy").
func (o *Orchestrator) Copy(ctx context.Context, bucketID, srcName, dstName, owner, tenantID string) (metadata.Object, error) {
	objectID, version, err := o.meta.InsertPendingObject(bucketID, dstName, owner)
	if err != nil {
		return metadata.Object{}, err
	}

	src, err := o.meta.GetObject(bucketID, srcName)
	if err != nil {
		_, _ = o.meta.DeleteObject(bucketID, dstName)
		return metadata.Object{}, err
	}

	dstKey := blobKey(tenantID, bucketID, dstName, version)
	srcKey := blobKey(tenantID, bucketID, srcName, src.Version)
	blobMeta, err := o.copyWithRetry(ctx, bucketID, srcKey, dstKey)
	if err != nil {
		_, _ = o.meta.DeleteObject(bucketID, dstName)
		return metadata.Object{}, ErrUploadFailed.Wrap(err)
	}

	if err := o.meta.FinalizeObject(objectID, metadata.ObjectMetadata{
		Size: blobMeta.Size, MimeType: blobMeta.ContentType, CacheControl: blobMeta.CacheControl,
		ETag: blobMeta.ETag, LastModified: blobMeta.LastModified,
	}); err != nil {
		return metadata.Object{}, err
	}

	return metadata.Object{ID: objectID, BucketID: bucketID, Name: dstName, Owner: owner, Version: version}, nil
}

// Rename performs an atomic move: the row rename happens first; the
// blob copy+delete follows. If the blob step fails, the row has
// already moved — the object is still reachable under its old blob
// key via the immutable version token, and the scanner or a retry
// reconciles the rest (spec.md §4.F "Move/Rename").
func (o *Orchestrator) Rename(ctx context.Context, bucketID, oldName, newName, tenantID string) error {
	if err := o.meta.RenameObject(bucketID, oldName, newName); err != nil {
		return err
	}

	obj, err := o.meta.GetObject(bucketID, newName)
	if err != nil {
		return err
	}

	oldKey := blobKey(tenantID, bucketID, oldName, obj.Version)
	newKey := blobKey(tenantID, bucketID, newName, obj.Version)
	if _, err := o.backend.CopyObject(ctx, bucketID, oldKey, newKey, blob.Conditions{}); err != nil {
		return nil // row already moved; scanner reconciles the blob side
	}
	return o.backend.DeleteObject(ctx, bucketID, oldKey)
}

// Delete removes the row and schedules the blob and its .info sibling
// for async deletion; reads see the row's absence immediately (spec.md
// §4.F "Delete").
func (o *Orchestrator) Delete(ctx context.Context, bucketID, name, tenantID string) error {
	obj, err := o.meta.DeleteObject(bucketID, name)
	if err != nil {
		return err
	}
	o.scheduleAdminDelete(tenantID, bucketID, name, obj.Version)
	return nil
}

// Read authorizes via the row's existence, then streams the blob,
// passing through range and conditional headers (spec.md §4.F "Read").
func (o *Orchestrator) Read(ctx context.Context, bucketID, name, tenantID, version string, cond blob.Conditions) (blob.Object, error) {
	key := blobKey(tenantID, bucketID, name, version)
	return o.backend.GetObject(ctx, bucketID, key, cond)
}

// uploadWithRetry buffers the body (bounded by Limits.MaxObjectSize)
// before the retry loop so a transient failure partway through a
// stream doesn't retry with an already-consumed io.Reader and upload a
// truncated blob: every attempt gets its own fresh reader over the
// same bytes.
func (o *Orchestrator) uploadWithRetry(ctx context.Context, bucketID, key string, body io.Reader, contentType, cacheControl string) (blob.Metadata, error) {
	data, err := io.ReadAll(o.cappedBody(body))
	if err != nil {
		return blob.Metadata{}, err
	}

	var result blob.Metadata
	err = retry.Do(ctx, retry.Default, isRetryableBlobErr, func(ctx context.Context) error {
		meta, err := o.backend.UploadObject(ctx, bucketID, key, bytes.NewReader(data), contentType, cacheControl)
		if err != nil {
			return err
		}
		result = meta
		return nil
	})
	return result, err
}

func (o *Orchestrator) copyWithRetry(ctx context.Context, bucketID, srcKey, dstKey string) (blob.Metadata, error) {
	var result blob.Metadata
	err := retry.Do(ctx, retry.Default, isRetryableBlobErr, func(ctx context.Context) error {
		meta, err := o.backend.CopyObject(ctx, bucketID, srcKey, dstKey, blob.Conditions{})
		if err != nil {
			return err
		}
		result = meta
		return nil
	})
	return result, err
}

func isRetryableBlobErr(err error) bool {
	return blob.ErrUnavailable.Has(err) || blob.ErrThrottled.Has(err)
}

func (o *Orchestrator) compensateFailedUpload(bucketID, name, key string) {
	if _, err := o.meta.DeleteObject(bucketID, name); err != nil {
		o.log.Warn("compensation: delete pending row failed", zap.String("name", name), zap.Error(err))
	}
	if err := o.backend.DeleteObject(context.Background(), bucketID, key); err != nil && !blob.ErrNotFound.Has(err) {
		o.log.Warn("compensation: best-effort blob delete failed", zap.String("key", key), zap.Error(err))
	}
}

func (o *Orchestrator) scheduleAdminDelete(tenantID, bucketID, name, version string) {
	key := blobKey(tenantID, bucketID, name, version)
	o.enqueueOrLog(jobq.SendItem{Queue: QueueAdminDeleteObject, Payload: mustJSON(map[string]string{"bucket": bucketID, "key": key})})
	o.enqueueOrLog(jobq.SendItem{Queue: QueueAdminDeleteObject, Payload: mustJSON(map[string]string{"bucket": bucketID, "key": key + ".info"})})
}

func (o *Orchestrator) emitObjectCreated(tenantID, bucketID, name, version, previousVersion string) {
	payload := mustJSON(objectCreatedPayload{
		Type: "ObjectCreated", SchemaVersion: 1, Tenant: tenantID, Bucket: bucketID,
		Name: name, Version: version, PreviousVersion: previousVersion,
	})
	o.enqueueOrLog(jobq.SendItem{Queue: QueueWebhooks, Payload: payload})
}

func (o *Orchestrator) enqueueOrLog(item jobq.SendItem) {
	if _, err := o.jobs.Send(item.Queue, item.Payload, item.Options); err != nil {
		o.log.Error("job enqueue failed", zap.String("queue", item.Queue), zap.Error(err))
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
