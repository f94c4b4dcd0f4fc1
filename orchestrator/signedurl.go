package orchestrator

import (
	"context"
	"time"

	"github.com/objectvault/storage-gateway/auth"
	"github.com/objectvault/storage-gateway/blob"
)

// SignURL verifies the object exists, then issues a short-lived signed
// token for it (spec.md §4.F "Signed URL"): existence is checked once,
// at issue time, under the caller's own session.
func (o *Orchestrator) SignURL(bucketID, name, tenantID, secret string, ttl time.Duration, transformations map[string]string) (string, error) {
	obj, err := o.meta.GetObject(bucketID, name)
	if err != nil {
		return "", err
	}
	key := blobKey(tenantID, bucketID, name, obj.Version)
	return auth.SignURL(key, ttl, secret, transformations)
}

// ReadSigned verifies a signed-URL token's signature and expiry only,
// then performs a superuser blob read with no DB lookup (spec.md §4.F:
// "the verify path only checks the token signature and expiry, then
// performs a super-user E read").
func (o *Orchestrator) ReadSigned(ctx context.Context, bucketID, token, secret string, cond blob.Conditions) (blob.Object, error) {
	claims, err := auth.VerifySignedURL(token, secret)
	if err != nil {
		return blob.Object{}, err
	}
	return o.backend.GetObject(ctx, bucketID, claims.URL, cond)
}
