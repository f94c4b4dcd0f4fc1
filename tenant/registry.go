package tenant

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/objectvault/storage-gateway/auth"
	"github.com/objectvault/storage-gateway/internal/keylock"
	"github.com/objectvault/storage-gateway/internal/logging"
)

// Decrypter decrypts ciphertext secret columns; satisfied by
// *config.Cipher, kept as an interface so the registry stays testable
// without a real AES key.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Registry implements spec.md §4.B: per-tenant config lookup, an
// in-memory cache that never expires implicitly, single-flight refresh,
// and pub/sub-driven invalidation.
type Registry struct {
	log       *zap.Logger
	store     Store
	decrypter Decrypter

	mu    sync.RWMutex
	cache map[string]*Config

	keys   *keylock.KeyLock
	flight singleflight.Group
}

// New constructs a Registry.
func New(log *zap.Logger, store Store, decrypter Decrypter) *Registry {
	return &Registry{
		log:       log,
		store:     store,
		decrypter: decrypter,
		cache:     make(map[string]*Config),
		keys:      keylock.New(),
	}
}

// GetConfig returns the cached snapshot for tenantID, fetching and
// decrypting it on a cache miss. Concurrent callers for the same
// tenantID share one DB round trip and one JWT verification: the
// keyed-mutex hold spans at most that single fetch, never a blob or
// HTTP call (spec.md §5).
func (r *Registry) GetConfig(ctx context.Context, tenantID string) (*Config, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenantID.New("tenant id is empty")
	}

	if cfg, ok := r.get(tenantID); ok {
		return cfg, nil
	}

	v, err, _ := r.flight.Do(tenantID, func() (any, error) {
		unlock := r.keys.Lock(tenantID)
		defer unlock()

		if cfg, ok := r.get(tenantID); ok {
			return cfg, nil
		}

		row, err := r.store.GetTenant(ctx, tenantID)
		if err != nil {
			return nil, ErrTenantNotFound.Wrap(err)
		}

		cfg, err := r.compose(row)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.cache[tenantID] = cfg
		r.mu.Unlock()

		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Config), nil
}

func (r *Registry) get(tenantID string) (*Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.cache[tenantID]
	return cfg, ok
}

// Invalidate evicts tenantID's cache entry, if present.
func (r *Registry) Invalidate(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, tenantID)
}

// OnNotify is the pub/sub callback registered against the
// "tenants_update" topic (spec.md §4.J); it evicts the notified tenant's
// cache entry.
func (r *Registry) OnNotify(tenantID string) {
	r.Invalidate(tenantID)
	r.log.Debug("tenant cache invalidated", zap.String("tenant_id", tenantID))
}

// UpdateMigrationState forwards to the store and invalidates the cache
// so the next GetConfig observes the new migration status.
func (r *Registry) UpdateMigrationState(ctx context.Context, tenantID string, status MigrationStatus) error {
	if err := r.store.UpdateMigrationState(ctx, tenantID, status); err != nil {
		return err
	}
	r.Invalidate(tenantID)
	return nil
}

// ListTenantsToMigrate streams batches of tenants whose migration_status
// requires a pending run (spec.md §4.B).
func (r *Registry) ListTenantsToMigrate(ctx context.Context, pageSize int) (<-chan Batch, <-chan error) {
	return r.store.ListTenantsToMigrate(ctx, pageSize)
}

func (r *Registry) compose(row *Row) (*Config, error) {
	jwtSecret, err := r.decrypter.Decrypt(row.JWTSecretCiphertext)
	if err != nil {
		return nil, ErrDecryptionFailure.Wrap(err)
	}
	serviceKey, err := r.decrypter.Decrypt(row.ServiceKeyCiphertext)
	if err != nil {
		return nil, ErrDecryptionFailure.Wrap(err)
	}

	claims, err := auth.VerifyJWT(serviceKey, jwtSecret)
	if err != nil {
		return nil, ErrInvalidServiceKey.Wrap(err)
	}

	r.log.Debug("tenant config composed",
		zap.String("tenant_id", row.ID),
		zap.String("database_url", logging.Redacted(row.DatabaseURL)))

	return &Config{
		TenantID:          row.ID,
		DatabaseURL:       row.DatabaseURL,
		DatabasePoolURL:   row.DatabasePoolURL,
		MaxConnections:    row.MaxConnections,
		FileSizeLimit:     row.FileSizeLimit,
		JWTSecret:         jwtSecret,
		JWKS:              row.JWKS,
		ServiceKey:        serviceKey,
		ServiceKeyPayload: ServiceKeyClaims{Role: claims.Role, Sub: claims.Subject},
		Features:          row.Features,
		MigrationVersion:  row.MigrationVersion,
		MigrationStatus:   row.MigrationStatus,
	}, nil
}
