package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/objectvault/storage-gateway/blob"
	"github.com/objectvault/storage-gateway/jobq"
	"github.com/objectvault/storage-gateway/metadata"
	"github.com/objectvault/storage-gateway/orchestrator"
	"github.com/objectvault/storage-gateway/session"
	"github.com/objectvault/storage-gateway/tenant"
)

// errorEnvelope is the stable error body every failed request returns
// (spec.md §7 "Every error response carries {statusCode, error, message}").
type errorEnvelope struct {
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

// statusFor classifies err against spec.md §7's closed set of error
// kinds, walking component error taxonomies from the most specific to
// the most general so a wrapped error still maps correctly.
func statusFor(err error) (status int, kind string) {
	switch {
	case blob.ErrNotModified.Has(err):
		return http.StatusNotModified, "NotModified"
	case blob.ErrPreconditionFailed.Has(err):
		return http.StatusPreconditionFailed, "PreconditionFailed"
	case blob.ErrNotFound.Has(err), metadata.ErrNotFound.Has(err):
		return http.StatusNotFound, "NotFound"
	case blob.ErrAccessDenied.Has(err):
		return http.StatusForbidden, "Forbidden"
	case blob.ErrThrottled.Has(err):
		return http.StatusTooManyRequests, "Throttled"
	case blob.ErrUnavailable.Has(err), blob.ErrInternal.Has(err):
		return http.StatusBadGateway, "Upstream"
	case metadata.ErrAlreadyExists.Has(err), metadata.ErrBucketNotEmpty.Has(err), jobq.ErrDuplicateKey.Has(err):
		return http.StatusConflict, "Conflict"
	case orchestrator.ErrPayloadTooLarge.Has(err):
		return http.StatusRequestEntityTooLarge, "PayloadTooLarge"
	case orchestrator.ErrUploadFailed.Has(err):
		return http.StatusBadGateway, "Upstream"
	case session.ErrInvalidHostHeader.Has(err):
		return http.StatusBadRequest, "InvalidHostHeader"
	case session.ErrRoleMismatch.Has(err):
		return http.StatusForbidden, "Forbidden"
	case session.ErrPoolExhausted.Has(err):
		return http.StatusServiceUnavailable, "Throttled"
	case tenant.ErrInvalidTenantID.Has(err), tenant.ErrTenantNotFound.Has(err):
		return http.StatusBadRequest, "InvalidTenant"
	case tenant.ErrTenantAlreadyExists.Has(err):
		return http.StatusConflict, "Conflict"
	case tenant.ErrDecryptionFailure.Has(err), tenant.ErrInvalidServiceKey.Has(err):
		return http.StatusInternalServerError, "Internal"
	case err == errUnauthorized:
		return http.StatusUnauthorized, "Unauthorized"
	case err == errInvalidInput:
		return http.StatusBadRequest, "InvalidInput"
	default:
		return http.StatusInternalServerError, "Internal"
	}
}

// writeError writes err as the stable JSON error envelope, mapping it
// to a status code via statusFor.
func writeError(w http.ResponseWriter, err error) {
	status, kind := statusFor(err)
	writeErrorStatus(w, status, kind, err.Error())
}

func writeErrorStatus(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{StatusCode: status, Error: kind, Message: message})
}
