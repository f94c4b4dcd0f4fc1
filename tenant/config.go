// Package tenant implements the tenant registry: per-tenant config
// lookup, in-memory cache, single-flight refresh, and pub/sub-driven
// invalidation (spec.md §4.B).
package tenant

import "encoding/json"

// MigrationStatus is the last-known outcome of a tenant's SQL migration run.
type MigrationStatus string

// Migration statuses a tenant row can carry.
const (
	MigrationCompleted  MigrationStatus = "COMPLETED"
	MigrationFailed     MigrationStatus = "FAILED"
	MigrationFailedStale MigrationStatus = "FAILED_STALE"
)

// ImageTransformationFeature gates on-the-fly image rendering.
type ImageTransformationFeature struct {
	Enabled       bool
	MaxResolution int
}

// S3ProtocolFeature gates the S3-compatible protocol surface.
type S3ProtocolFeature struct {
	Enabled bool
}

// PurgeCacheFeature gates CDN cache purge on write.
type PurgeCacheFeature struct {
	Enabled bool
}

// IcebergCatalogFeature gates the Iceberg catalog surface.
type IcebergCatalogFeature struct {
	Enabled        bool
	MaxCatalogs    int
	MaxNamespaces  int
	MaxTables      int
}

// VectorBucketsFeature gates the vector-bucket surface.
type VectorBucketsFeature struct {
	Enabled    bool
	MaxBuckets int
	MaxIndexes int
}

// Features is the full set of per-tenant feature flags.
type Features struct {
	ImageTransformation ImageTransformationFeature
	S3Protocol          S3ProtocolFeature
	PurgeCache          PurgeCacheFeature
	IcebergCatalog      IcebergCatalogFeature
	VectorBuckets       VectorBucketsFeature
}

// Config is the composed, decrypted snapshot returned by GetConfig: the
// tenant config enumeration from spec.md §9 "Dynamic configuration".
type Config struct {
	TenantID          string
	DatabaseURL       string
	DatabasePoolURL   *string
	MaxConnections    *int
	FileSizeLimit     int64
	JWTSecret         string
	JWKS              *string
	ServiceKey        string
	ServiceKeyPayload ServiceKeyClaims
	Features          Features
	MigrationVersion  *int
	MigrationStatus   MigrationStatus
}

// ServiceKeyClaims is the decoded payload of the tenant's embedded
// service-key JWT, verified against the tenant's own JWT secret.
type ServiceKeyClaims struct {
	Role string
	Sub  string
}

// Patch is a partial update to a tenant row. Every field is a pointer so
// "omitted" (nil) and "explicit null" can be told apart per spec.md §9:
// a *string pointing at an empty value is an explicit clear, while a nil
// field pointer means "leave unchanged".
type Patch struct {
	DatabaseURL     *string
	DatabasePoolURL **string
	MaxConnections  **int
	FileSizeLimit   *int64
	Features        *Features
}

// UnmarshalJSON distinguishes an omitted key (leave unchanged) from a
// key present with a null value (explicit clear) for the two fields
// that support clearing, since decoding JSON directly into a **T field
// cannot tell "absent" and "null" apart on its own.
func (p *Patch) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw["databaseUrl"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		p.DatabaseURL = &s
	}
	if v, ok := raw["fileSizeLimit"]; ok {
		var n int64
		if err := json.Unmarshal(v, &n); err != nil {
			return err
		}
		p.FileSizeLimit = &n
	}
	if v, ok := raw["features"]; ok {
		var f Features
		if err := json.Unmarshal(v, &f); err != nil {
			return err
		}
		p.Features = &f
	}
	if v, ok := raw["databasePoolUrl"]; ok {
		inner, err := unmarshalNullableString(v)
		if err != nil {
			return err
		}
		p.DatabasePoolURL = &inner
	}
	if v, ok := raw["maxConnections"]; ok {
		inner, err := unmarshalNullableInt(v)
		if err != nil {
			return err
		}
		p.MaxConnections = &inner
	}
	return nil
}

func unmarshalNullableString(v json.RawMessage) (*string, error) {
	if string(v) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func unmarshalNullableInt(v json.RawMessage) (*int, error) {
	if string(v) == "null" {
		return nil, nil
	}
	var n int
	if err := json.Unmarshal(v, &n); err != nil {
		return nil, err
	}
	return &n, nil
}
