package metadata

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Store is the typed metadata API bound to one session transaction.
type Store struct {
	tenantID string
	q        Querier
}

// NewStore binds a Store to tenantID and q for the lifetime of one
// request's session.
func NewStore(tenantID string, q Querier) *Store {
	return &Store{tenantID: tenantID, q: q}
}

// CreateBucket inserts a new bucket row.
func (s *Store) CreateBucket(name, owner string, public bool, sizeLimit *int64) (Bucket, error) {
	b := Bucket{
		ID:        uuid.NewString(),
		Name:      name,
		Owner:     owner,
		Public:    public,
		SizeLimit: sizeLimit,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	_, err := s.q.ExecContext(`
		INSERT INTO storage.buckets (id, tenant_id, name, owner, public, size_limit, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, s.tenantID, b.Name, b.Owner, b.Public, b.SizeLimit, b.CreatedAt, b.UpdatedAt)
	if isUniqueViolation(err) {
		return Bucket{}, ErrAlreadyExists.New("bucket %q already exists", name)
	}
	if err != nil {
		return Bucket{}, err
	}
	return b, nil
}

// GetBucket returns a bucket by name.
func (s *Store) GetBucket(name string) (Bucket, error) {
	row := s.q.QueryRowContext(`
		SELECT id, name, owner, public, size_limit, created_at, updated_at
		FROM storage.buckets WHERE tenant_id = $1 AND name = $2`, s.tenantID, name)

	var b Bucket
	err := row.Scan(&b.ID, &b.Name, &b.Owner, &b.Public, &b.SizeLimit, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return Bucket{}, ErrNotFound.New("bucket %q", name)
	}
	if err != nil {
		return Bucket{}, err
	}
	return b, nil
}

// ListBuckets returns every bucket for the tenant.
func (s *Store) ListBuckets() ([]Bucket, error) {
	rows, err := s.q.QueryContext(`
		SELECT id, name, owner, public, size_limit, created_at, updated_at
		FROM storage.buckets WHERE tenant_id = $1 ORDER BY name`, s.tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buckets []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.ID, &b.Name, &b.Owner, &b.Public, &b.SizeLimit, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// UpdateBucket applies a partial update; nil fields are left unchanged.
func (s *Store) UpdateBucket(name string, public *bool, sizeLimit *int64) error {
	result, err := s.q.ExecContext(`
		UPDATE storage.buckets
		SET public = COALESCE($3, public),
		    size_limit = COALESCE($4, size_limit),
		    updated_at = now()
		WHERE tenant_id = $1 AND name = $2`, s.tenantID, name, public, sizeLimit)
	if err != nil {
		return err
	}
	return requireRowAffected(result, ErrNotFound.New("bucket %q", name))
}

// DeleteBucketIfEmpty deletes a bucket, failing with ErrBucketNotEmpty
// if any object row still references it (spec.md §3 "A bucket is empty
// iff no object rows reference it").
func (s *Store) DeleteBucketIfEmpty(bucketID string) error {
	var count int
	row := s.q.QueryRowContext(`SELECT count(*) FROM storage.objects WHERE bucket_id = $1`, bucketID)
	if err := row.Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return ErrBucketNotEmpty.New("bucket %s has %d objects", bucketID, count)
	}

	result, err := s.q.ExecContext(`DELETE FROM storage.buckets WHERE id = $1 AND tenant_id = $2`, bucketID, s.tenantID)
	if err != nil {
		return err
	}
	return requireRowAffected(result, ErrNotFound.New("bucket %s", bucketID))
}

func requireRowAffected(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
