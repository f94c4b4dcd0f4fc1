package workers

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/objectvault/storage-gateway/blob"
	"github.com/objectvault/storage-gateway/jobq"
)

// blobKeyPayload is the job payload shape shared by the blob-cleanup
// handlers: a bucket and the key within it.
type blobKeyPayload struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// AdminDeleteObjectHandler deletes a specific blob key; 404 is treated
// as success since the deletion obligation is already satisfied
// (spec.md §4.H "AdminDeleteObject").
type AdminDeleteObjectHandler struct {
	backend blob.Backend
	log     *zap.Logger
}

func NewAdminDeleteObjectHandler(backend blob.Backend, log *zap.Logger) *AdminDeleteObjectHandler {
	return &AdminDeleteObjectHandler{backend: backend, log: log}
}

func (h *AdminDeleteObjectHandler) Handle(ctx context.Context, job jobq.Job) error {
	var p blobKeyPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return err
	}
	if err := h.backend.DeleteObject(ctx, p.Bucket, p.Key); err != nil && !blob.ErrNotFound.Has(err) {
		return err
	}
	return nil
}

// UploadCompletedHandler finalizes resumable/multipart `.info`
// metadata after an upload; 404 is success (spec.md §4.H
// "UploadCompleted").
type UploadCompletedHandler struct {
	backend blob.Backend
}

func NewUploadCompletedHandler(backend blob.Backend) *UploadCompletedHandler {
	return &UploadCompletedHandler{backend: backend}
}

func (h *UploadCompletedHandler) Handle(ctx context.Context, job jobq.Job) error {
	var p blobKeyPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return err
	}
	if err := h.backend.UpdateObjectInfoMetadata(ctx, p.Bucket, p.Key); err != nil && !blob.ErrNotFound.Has(err) {
		return err
	}
	return nil
}

// backupObjectPayload names the orphan key to archive and the cold
// bucket it should be copied to before deletion.
type backupObjectPayload struct {
	Bucket     string `json:"bucket"`
	Key        string `json:"key"`
	ColdBucket string `json:"coldBucket"`
}

// BackupObjectHandler copies an orphan blob to a cold-storage bucket
// before the scanner deletes it (spec.md §4.H "BackupObject").
type BackupObjectHandler struct {
	backend blob.Backend
	log     *zap.Logger
}

func NewBackupObjectHandler(backend blob.Backend, log *zap.Logger) *BackupObjectHandler {
	return &BackupObjectHandler{backend: backend, log: log}
}

func (h *BackupObjectHandler) Handle(ctx context.Context, job jobq.Job) error {
	var p backupObjectPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return err
	}
	if p.ColdBucket == "" {
		h.log.Warn("backup object: no cold bucket configured, skipping copy", zap.String("key", p.Key))
		return nil
	}
	obj, err := h.backend.GetObject(ctx, p.Bucket, p.Key, blob.Conditions{})
	if err != nil {
		return err
	}
	defer func() { _ = obj.Body.Close() }()
	if _, err := h.backend.UploadObject(ctx, p.ColdBucket, p.Bucket+"/"+p.Key, obj.Body, obj.Metadata.ContentType, obj.Metadata.CacheControl); err != nil {
		return err
	}
	return nil
}
