package metadata

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/oklog/ulid/v2"
)

// NewVersion returns a fresh, lexicographically sortable version token.
// ULIDs never collide even under concurrent writes to the same name
// (spec.md §4.F "Numeric and tie-break semantics").
func NewVersion() string {
	return ulid.Make().String()
}

// InsertPendingObject reserves an object row ahead of the blob upload:
// a fresh version token is generated and the row is marked pending
// until FinalizeObject runs (spec.md §4.D).
func (s *Store) InsertPendingObject(bucketID, name, owner string) (objectID, version string, err error) {
	objectID = uuid.NewString()
	version = NewVersion()

	_, err = s.q.ExecContext(`
		INSERT INTO storage.objects (id, bucket_id, name, owner, version, pending, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, true, now(), now())`,
		objectID, bucketID, name, owner, version)
	if isUniqueViolation(err) {
		return "", "", ErrAlreadyExists.New("object %q already exists", name)
	}
	if err != nil {
		return "", "", err
	}

	if err := s.addPrefixes(bucketID, name); err != nil {
		return "", "", err
	}
	return objectID, version, nil
}

// FinalizeObject writes size/mimetype/etag/cache-control and marks the
// row live.
func (s *Store) FinalizeObject(objectID string, meta ObjectMetadata) error {
	result, err := s.q.ExecContext(`
		UPDATE storage.objects
		SET pending = false, size = $2, mime_type = $3, cache_control = $4, etag = $5,
		    last_modified = $6, updated_at = now()
		WHERE id = $1`,
		objectID, meta.Size, meta.MimeType, meta.CacheControl, meta.ETag, meta.LastModified)
	if err != nil {
		return err
	}
	return requireRowAffected(result, ErrNotFound.New("object id %s", objectID))
}

// FinalizeObjectByName writes size/mimetype/etag/cache-control and
// marks the row live, keyed by (bucket, name) rather than object id —
// used after ReplaceObjectVersion, which doesn't hand back an id since
// the row id is stable across an object's versions.
func (s *Store) FinalizeObjectByName(bucketID, name string, meta ObjectMetadata) error {
	result, err := s.q.ExecContext(`
		UPDATE storage.objects
		SET pending = false, size = $3, mime_type = $4, cache_control = $5, etag = $6,
		    last_modified = $7, updated_at = now()
		WHERE bucket_id = $1 AND name = $2`,
		bucketID, name, meta.Size, meta.MimeType, meta.CacheControl, meta.ETag, meta.LastModified)
	if err != nil {
		return err
	}
	return requireRowAffected(result, ErrNotFound.New("object %q", name))
}

// ReplaceObjectVersion generates a new version for an existing object
// name (upsert/update path), returning the new and previous versions so
// the caller can schedule the previous blob for deletion.
func (s *Store) ReplaceObjectVersion(bucketID, name, owner string) (newVersion, previousVersion string, err error) {
	newVersion = NewVersion()

	row := s.q.QueryRowContext(`
		WITH previous AS (
			SELECT version FROM storage.objects WHERE bucket_id = $1 AND name = $2
		)
		UPDATE storage.objects
		SET version = $3, owner = $4, pending = true, updated_at = now()
		WHERE bucket_id = $1 AND name = $2
		RETURNING (SELECT version FROM previous)`,
		bucketID, name, newVersion, owner)

	if err := row.Scan(&previousVersion); err == sql.ErrNoRows {
		return "", "", ErrNotFound.New("object %q", name)
	} else if err != nil {
		return "", "", err
	}
	return newVersion, previousVersion, nil
}

// DeleteObject deletes the current-version row and returns it so the
// caller can schedule the blob for GC.
func (s *Store) DeleteObject(bucketID, name string) (Object, error) {
	row := s.q.QueryRowContext(`
		DELETE FROM storage.objects WHERE bucket_id = $1 AND name = $2
		RETURNING id, bucket_id, name, owner, version, size, mime_type, cache_control, etag, last_modified, created_at, updated_at`,
		bucketID, name)

	obj, err := scanObject(row)
	if err == sql.ErrNoRows {
		return Object{}, ErrNotFound.New("object %q", name)
	}
	if err != nil {
		return Object{}, err
	}

	if err := s.deleteLeafPrefixes(bucketID, []string{name}); err != nil {
		return Object{}, err
	}
	return obj, nil
}

// RenameObject atomically moves an object to a new name, updating
// prefixes for both the old and new paths.
func (s *Store) RenameObject(bucketID, oldName, newName string) error {
	result, err := s.q.ExecContext(`
		UPDATE storage.objects SET name = $3, updated_at = now()
		WHERE bucket_id = $1 AND name = $2`, bucketID, oldName, newName)
	if err != nil {
		return err
	}
	if err := requireRowAffected(result, ErrNotFound.New("object %q", oldName)); err != nil {
		return err
	}

	if err := s.addPrefixes(bucketID, newName); err != nil {
		return err
	}
	return s.deleteLeafPrefixes(bucketID, []string{oldName})
}

// GetObject returns the current live row for name, used by the
// orchestrator's Copy path to resolve the source blob key's version.
func (s *Store) GetObject(bucketID, name string) (Object, error) {
	row := s.q.QueryRowContext(`
		SELECT id, bucket_id, name, owner, version, size, mime_type, cache_control, etag, last_modified, created_at, updated_at
		FROM storage.objects WHERE bucket_id = $1 AND name = $2 AND pending = false`,
		bucketID, name)

	obj, err := scanObject(row)
	if err == sql.ErrNoRows {
		return Object{}, ErrNotFound.New("object %q", name)
	}
	return obj, err
}

// ListObjects returns a single cursor-paginated page ordered by (name, version).
func (s *Store) ListObjects(bucketID string, limit int, before *Cursor) (Page, error) {
	return s.ListObjectsWithPrefix(bucketID, "", limit, before)
}

// ListObjectsWithPrefix is ListObjects restricted to names starting with
// prefix (spec.md §6 "POST /object/list/:bucket {prefix, limit, ...}");
// an empty prefix matches every name in the bucket.
func (s *Store) ListObjectsWithPrefix(bucketID, prefix string, limit int, before *Cursor) (Page, error) {
	var rows *sql.Rows
	var err error
	switch {
	case before == nil:
		rows, err = s.q.QueryContext(`
			SELECT id, bucket_id, name, owner, version, size, mime_type, cache_control, etag, last_modified, created_at, updated_at
			FROM storage.objects WHERE bucket_id = $1 AND pending = false AND name LIKE $2 || '%'
			ORDER BY name, version LIMIT $3`, bucketID, prefix, limit)
	default:
		rows, err = s.q.QueryContext(`
			SELECT id, bucket_id, name, owner, version, size, mime_type, cache_control, etag, last_modified, created_at, updated_at
			FROM storage.objects WHERE bucket_id = $1 AND pending = false AND name LIKE $2 || '%' AND (name, version) > ($3, $4)
			ORDER BY name, version LIMIT $5`, bucketID, prefix, before.Name, before.Version, limit)
	}
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	var page Page
	for rows.Next() {
		obj, err := scanObjectRows(rows)
		if err != nil {
			return Page{}, err
		}
		page.Objects = append(page.Objects, obj)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}

	if len(page.Objects) == limit {
		last := page.Objects[len(page.Objects)-1]
		page.Next = &Cursor{Name: last.Name, Version: last.Version}
	}
	return page, nil
}

// listObjectsBefore is ListObjects with an optional updated_at upper
// bound, used by the streaming DB-orphan pass.
func (s *Store) listObjectsBefore(bucketID string, limit int, before *Cursor, beforeTime time.Time) (Page, error) {
	if beforeTime.IsZero() {
		return s.ListObjects(bucketID, limit, before)
	}

	var rows *sql.Rows
	var err error
	if before == nil {
		rows, err = s.q.QueryContext(`
			SELECT id, bucket_id, name, owner, version, size, mime_type, cache_control, etag, last_modified, created_at, updated_at
			FROM storage.objects WHERE bucket_id = $1 AND pending = false AND updated_at < $2
			ORDER BY name, version LIMIT $3`, bucketID, beforeTime, limit)
	} else {
		rows, err = s.q.QueryContext(`
			SELECT id, bucket_id, name, owner, version, size, mime_type, cache_control, etag, last_modified, created_at, updated_at
			FROM storage.objects WHERE bucket_id = $1 AND pending = false AND updated_at < $2 AND (name, version) > ($3, $4)
			ORDER BY name, version LIMIT $5`, bucketID, beforeTime, before.Name, before.Version, limit)
	}
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	var page Page
	for rows.Next() {
		obj, err := scanObjectRows(rows)
		if err != nil {
			return Page{}, err
		}
		page.Objects = append(page.Objects, obj)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}
	if len(page.Objects) == limit {
		last := page.Objects[len(page.Objects)-1]
		page.Next = &Cursor{Name: last.Name, Version: last.Version}
	}
	return page, nil
}

// NameVersion identifies one object version for batch lookups.
type NameVersion struct {
	Name    string
	Version string
}

// FindObjectVersions returns the subset of candidates that still exist
// as live rows, used by the orphan scanner to classify blob orphans.
func (s *Store) FindObjectVersions(bucketID string, candidates []NameVersion) (map[NameVersion]bool, error) {
	found := make(map[NameVersion]bool, len(candidates))
	if len(candidates) == 0 {
		return found, nil
	}

	names := make([]string, len(candidates))
	versions := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Name
		versions[i] = c.Version
	}

	rows, err := s.q.QueryContext(`
		SELECT name, version FROM storage.objects
		WHERE bucket_id = $1 AND (name, version) IN (
			SELECT * FROM unnest($2::text[], $3::text[])
		)`, bucketID, pq.Array(names), pq.Array(versions))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var nv NameVersion
		if err := rows.Scan(&nv.Name, &nv.Version); err != nil {
			return nil, err
		}
		found[nv] = true
	}
	return found, rows.Err()
}

// DeleteObjectVersions deletes specific (name, version) rows, used by
// admin deletion jobs cleaning up superseded versions.
func (s *Store) DeleteObjectVersions(bucketID string, targets []NameVersion) error {
	for _, t := range targets {
		if _, err := s.q.ExecContext(`
			DELETE FROM storage.objects WHERE bucket_id = $1 AND name = $2 AND version = $3`,
			bucketID, t.Name, t.Version); err != nil {
			return err
		}
	}
	return nil
}

func scanObject(row *sql.Row) (Object, error) {
	var o Object
	var lastModified sql.NullTime
	err := row.Scan(&o.ID, &o.BucketID, &o.Name, &o.Owner, &o.Version,
		&o.Metadata.Size, &o.Metadata.MimeType, &o.Metadata.CacheControl, &o.Metadata.ETag,
		&lastModified, &o.CreatedAt, &o.UpdatedAt)
	if lastModified.Valid {
		o.Metadata.LastModified = lastModified.Time
	}
	return o, err
}

func scanObjectRows(rows *sql.Rows) (Object, error) {
	var o Object
	var lastModified sql.NullTime
	err := rows.Scan(&o.ID, &o.BucketID, &o.Name, &o.Owner, &o.Version,
		&o.Metadata.Size, &o.Metadata.MimeType, &o.Metadata.CacheControl, &o.Metadata.ETag,
		&lastModified, &o.CreatedAt, &o.UpdatedAt)
	if lastModified.Valid {
		o.Metadata.LastModified = lastModified.Time
	}
	return o, err
}
