// Package orchestrator implements the object state machine: every
// write path is a two-phase action across the metadata store and the
// blob backend, in the fixed order spec.md §4.F prescribes.
package orchestrator

import (
	"io"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/objectvault/storage-gateway/blob"
	"github.com/objectvault/storage-gateway/jobq"
	"github.com/objectvault/storage-gateway/metadata"
)

// Error classes forming the orchestrator's error taxonomy.
var (
	ErrPayloadTooLarge = errs.Class("payload too large")
	ErrUploadFailed    = errs.Class("upload failed")
)

// Queue names the orchestrator emits jobs against.
const (
	QueueWebhooks          = "webhooks"
	QueueAdminDeleteObject = "admin-delete-object"
	QueueUploadCompleted   = "upload-completed"
)

// Orchestrator binds one request's metadata store and job queue to a
// shared blob backend.
type Orchestrator struct {
	meta    *metadata.Store
	backend blob.Backend
	jobs    *jobq.Store
	log     *zap.Logger
	limits  Limits
}

// Limits bounds a single write.
type Limits struct {
	MaxObjectSize int64
}

// New returns an Orchestrator bound to one request's metadata store
// and job queue, sharing the process-wide blob backend.
func New(meta *metadata.Store, backend blob.Backend, jobs *jobq.Store, limits Limits, log *zap.Logger) *Orchestrator {
	return &Orchestrator{meta: meta, backend: backend, jobs: jobs, limits: limits, log: log}
}

func blobKey(tenantID, bucketID, name, version string) string {
	return tenantID + "/" + bucketID + "/" + name + "/" + version
}

// objectCreatedPayload mirrors the webhook envelope spec.md §4.H
// describes: {type, $version, applyTime, payload, sentAt, tenant}.
type objectCreatedPayload struct {
	Type            string    `json:"type"`
	SchemaVersion   int       `json:"$version"`
	ApplyTime       time.Time `json:"applyTime"`
	Tenant          string    `json:"tenant"`
	Bucket          string    `json:"bucket"`
	Name            string    `json:"name"`
	Version         string    `json:"version"`
	PreviousVersion string    `json:"previousVersion,omitempty"`
}

// limitedReader enforces Limits.MaxObjectSize while streaming an
// upload, surfacing ErrPayloadTooLarge on truncation rather than
// silently accepting a partial blob. It follows http.MaxBytesReader's
// idiom: the limit only trips when a single Read call actually returns
// more bytes than remain in the budget, so a body whose size exactly
// equals the limit reads cleanly to EOF instead of 413ing on the next
// call.
type limitedReader struct {
	r         io.Reader
	remaining int64
	err       error
}

func (lr *limitedReader) Read(p []byte) (int, error) {
	if lr.err != nil {
		return 0, lr.err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if int64(len(p)) > lr.remaining+1 {
		p = p[:lr.remaining+1]
	}
	n, err := lr.r.Read(p)

	if int64(n) <= lr.remaining {
		lr.remaining -= int64(n)
		lr.err = err
		return n, err
	}

	n = int(lr.remaining)
	lr.remaining = 0
	lr.err = ErrPayloadTooLarge.New("exceeds limit")
	return n, lr.err
}

func (o *Orchestrator) cappedBody(body io.Reader) io.Reader {
	if o.limits.MaxObjectSize <= 0 {
		return body
	}
	return &limitedReader{r: body, remaining: o.limits.MaxObjectSize}
}
