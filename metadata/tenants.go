package metadata

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/objectvault/storage-gateway/tenant"
)

// TenantStore is the SQL implementation of tenant.Store, bound to the
// multi-tenant registry database rather than a single tenant's schema
// (spec.md §4.B); unlike Store it carries no tenantID of its own.
type TenantStore struct {
	q Querier
}

// NewTenantStore binds a TenantStore to q, the registry database
// connection (or its mock in tests).
func NewTenantStore(q Querier) *TenantStore {
	return &TenantStore{q: q}
}

// GetTenant returns the raw tenant row by id.
func (s *TenantStore) GetTenant(ctx context.Context, tenantID string) (*tenant.Row, error) {
	row := s.q.QueryRowContext(`
		SELECT id, database_url, database_pool_url, max_connections, file_size_limit,
		       jwt_secret_ciphertext, jwks, service_key_ciphertext, features,
		       migration_version, migration_status
		FROM tenants WHERE id = $1`, tenantID)

	r, err := scanTenantRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, tenant.ErrTenantNotFound.New("%s", tenantID)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// CreateTenant inserts a new tenant row.
func (s *TenantStore) CreateTenant(ctx context.Context, row tenant.Row) error {
	features, err := json.Marshal(row.Features)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(`
		INSERT INTO tenants (id, database_url, database_pool_url, max_connections, file_size_limit,
		                      jwt_secret_ciphertext, jwks, service_key_ciphertext, features,
		                      migration_version, migration_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		row.ID, row.DatabaseURL, row.DatabasePoolURL, row.MaxConnections, row.FileSizeLimit,
		row.JWTSecretCiphertext, row.JWKS, row.ServiceKeyCiphertext, features,
		row.MigrationVersion, row.MigrationStatus)
	if isUniqueViolation(err) {
		return tenant.ErrTenantAlreadyExists.New("%s", row.ID)
	}
	return err
}

// DeleteTenant removes a tenant row.
func (s *TenantStore) DeleteTenant(ctx context.Context, tenantID string) error {
	result, err := s.q.ExecContext(`DELETE FROM tenants WHERE id = $1`, tenantID)
	if err != nil {
		return err
	}
	return requireRowAffected(result, tenant.ErrTenantNotFound.New("%s", tenantID))
}

// ListTenants returns every tenant row, ordered by id.
func (s *TenantStore) ListTenants(ctx context.Context) ([]tenant.Row, error) {
	rows, err := s.q.QueryContext(`
		SELECT id, database_url, database_pool_url, max_connections, file_size_limit,
		       jwt_secret_ciphertext, jwks, service_key_ciphertext, features,
		       migration_version, migration_status
		FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tenant.Row
	for rows.Next() {
		r, err := scanTenantRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// UpdateTenant applies patch to tenantID's row; nil fields are left
// unchanged, matching Patch's documented nil-vs-pointer-to-zero contract.
func (s *TenantStore) UpdateTenant(ctx context.Context, tenantID string, patch tenant.Patch) error {
	var featuresJSON []byte
	if patch.Features != nil {
		var err error
		featuresJSON, err = json.Marshal(*patch.Features)
		if err != nil {
			return err
		}
	}

	var poolURL *string
	if patch.DatabasePoolURL != nil {
		poolURL = *patch.DatabasePoolURL
	}
	var maxConns *int
	if patch.MaxConnections != nil {
		maxConns = *patch.MaxConnections
	}

	result, err := s.q.ExecContext(`
		UPDATE tenants SET
			database_url = COALESCE($2, database_url),
			database_pool_url = CASE WHEN $3::boolean THEN $4 ELSE database_pool_url END,
			max_connections = CASE WHEN $5::boolean THEN $6 ELSE max_connections END,
			file_size_limit = COALESCE($7, file_size_limit),
			features = COALESCE($8, features)
		WHERE id = $1`,
		tenantID, patch.DatabaseURL,
		patch.DatabasePoolURL != nil, poolURL,
		patch.MaxConnections != nil, maxConns,
		patch.FileSizeLimit, nullJSON(featuresJSON))
	if err != nil {
		return err
	}
	return requireRowAffected(result, tenant.ErrTenantNotFound.New("%s", tenantID))
}

// UpdateMigrationState records the outcome of a migration run.
func (s *TenantStore) UpdateMigrationState(ctx context.Context, tenantID string, status tenant.MigrationStatus) error {
	result, err := s.q.ExecContext(`UPDATE tenants SET migration_status = $2 WHERE id = $1`, tenantID, status)
	if err != nil {
		return err
	}
	return requireRowAffected(result, tenant.ErrTenantNotFound.New("%s", tenantID))
}

const tenantMigratePageSize = 200

// ListTenantsToMigrate streams tenants whose migration_status is not
// COMPLETED, in pages of pageSize, ordered by id (spec.md §4.H
// "ProgressiveMigrations").
func (s *TenantStore) ListTenantsToMigrate(ctx context.Context, pageSize int) (<-chan tenant.Batch, <-chan error) {
	if pageSize <= 0 {
		pageSize = tenantMigratePageSize
	}
	batches := make(chan tenant.Batch)
	errc := make(chan error, 1)

	go func() {
		defer close(batches)
		defer close(errc)

		var afterID string
		for {
			rows, err := s.q.QueryContext(`
				SELECT id, database_url, database_pool_url, max_connections, file_size_limit,
				       jwt_secret_ciphertext, jwks, service_key_ciphertext, features,
				       migration_version, migration_status
				FROM tenants
				WHERE (migration_status IS NULL OR migration_status != 'COMPLETED') AND id > $1
				ORDER BY id LIMIT $2`, afterID, pageSize)
			if err != nil {
				errc <- err
				return
			}

			var batch tenant.Batch
			for rows.Next() {
				r, err := scanTenantRow(rows.Scan)
				if err != nil {
					rows.Close()
					errc <- err
					return
				}
				batch.Tenants = append(batch.Tenants, *r)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				errc <- err
				return
			}
			rows.Close()

			if len(batch.Tenants) == 0 {
				return
			}

			select {
			case batches <- batch:
			case <-ctx.Done():
				return
			}

			afterID = batch.Tenants[len(batch.Tenants)-1].ID
			if len(batch.Tenants) < pageSize {
				return
			}
		}
	}()

	return batches, errc
}

func scanTenantRow(scan func(dest ...any) error) (*tenant.Row, error) {
	var r tenant.Row
	var featuresJSON []byte
	var migrationStatus sql.NullString
	if err := scan(&r.ID, &r.DatabaseURL, &r.DatabasePoolURL, &r.MaxConnections, &r.FileSizeLimit,
		&r.JWTSecretCiphertext, &r.JWKS, &r.ServiceKeyCiphertext, &featuresJSON,
		&r.MigrationVersion, &migrationStatus); err != nil {
		return nil, err
	}
	r.MigrationStatus = tenant.MigrationStatus(migrationStatus.String)
	if len(featuresJSON) > 0 {
		if err := json.Unmarshal(featuresJSON, &r.Features); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// nullJSON turns an empty byte slice into a SQL NULL so an unset Patch
// leaves the features column untouched rather than overwriting it with
// an empty object.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
