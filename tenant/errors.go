package tenant

import "github.com/zeebo/errs"

// Error classes forming the tenant registry's error taxonomy (spec.md §4.B).
var (
	// ErrInvalidTenantID is returned for a syntactically invalid tenant id.
	ErrInvalidTenantID = errs.Class("invalid tenant id")
	// ErrTenantNotFound is returned when no tenant row matches the id.
	ErrTenantNotFound = errs.Class("tenant not found")
	// ErrDecryptionFailure is returned when a secret column cannot be decrypted.
	ErrDecryptionFailure = errs.Class("decryption failure")
	// ErrInvalidServiceKey is returned when the embedded service-key JWT
	// fails verification against the tenant's own jwt secret.
	ErrInvalidServiceKey = errs.Class("invalid service key")
	// ErrTenantAlreadyExists is returned when creating a tenant id that
	// already has a row in the registry.
	ErrTenantAlreadyExists = errs.Class("tenant already exists")
)
