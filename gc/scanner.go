// Package gc implements the orphan scanner: a streaming reconciliation
// of the blob backend's listing against the metadata store's rows,
// bounded to O(page) memory regardless of bucket size (spec.md §4.I).
package gc

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/objectvault/storage-gateway/blob"
	"github.com/objectvault/storage-gateway/internal/metrics"
	"github.com/objectvault/storage-gateway/jobq"
	"github.com/objectvault/storage-gateway/metadata"
)

// Querier is the subset of *tagsql.Tx the scanner needs to maintain
// its working-set temp table, matching the narrow-interface-for-
// testability convention used by metadata and jobq.
type Querier interface {
	ExecContext(query string, args ...any) (sql.Result, error)
	QueryContext(query string, args ...any) (*sql.Rows, error)
	QueryRowContext(query string, args ...any) *sql.Row
}

// Kind distinguishes which side of the reconciliation an Orphan was
// found missing from.
const (
	KindBlob = "blob" // exists in the blob backend, missing from metadata
	KindDB   = "db"   // exists in metadata, missing from the blob backend
)

// QueueBackupObject is the job queue the scanner emits a backup job to
// ahead of every orphan deletion (spec.md §4.I, §4.H "BackupObject").
const QueueBackupObject = "backup-object"

// Orphan is one reconciled mismatch between the blob backend and the
// metadata store for a single bucket.
type Orphan struct {
	Kind    string
	Name    string
	Version string
	Size    int64
}

// Scanner reconciles one tenant bucket's blob listing against its
// metadata rows, using a session-local unlogged temp table as the
// bounded-memory working set (spec.md §4.I).
type Scanner struct {
	q       Querier
	meta    *metadata.Store
	backend blob.Backend
	log     *zap.Logger
}

// NewScanner binds a scanner to one session's temp-table connection,
// metadata store and blob backend.
func NewScanner(q Querier, meta *metadata.Store, backend blob.Backend, log *zap.Logger) *Scanner {
	return &Scanner{q: q, meta: meta, backend: backend, log: log}
}

// Stream is a finite, cancellable sequence of orphan records produced
// by a fair merge of the blob-orphan and db-orphan passes.
type Stream struct {
	orphans chan Orphan
	errc    chan error
}

// Orphans returns the channel of orphan records to range over.
func (st *Stream) Orphans() <-chan Orphan { return st.orphans }

// Err returns the terminal error, if any, after Orphans() has closed.
func (st *Stream) Err() error {
	select {
	case err := <-st.errc:
		return err
	default:
		return nil
	}
}

// Scan fills the working-set temp table from a full paged listing of
// the blob backend (prefix `${tenant}/${bucket}/`, `.info` keys
// excluded), then streams the fair-merged blob-orphan and db-orphan
// passes. A non-zero before restricts the db-orphan pass to objects
// last updated before that time. The temp table is dropped once the
// stream is fully drained or ctx is canceled.
func (sc *Scanner) Scan(ctx context.Context, tenantID, bucketID string, before time.Time) (*Stream, error) {
	if _, err := sc.q.ExecContext(`CREATE TEMP TABLE IF NOT EXISTS tmp_keys (key TEXT PRIMARY KEY, size BIGINT)`); err != nil {
		return nil, err
	}
	if _, err := sc.q.ExecContext(`TRUNCATE tmp_keys`); err != nil {
		sc.dropWorkingSet()
		return nil, err
	}

	prefix := tenantID + "/" + bucketID + "/"
	if err := sc.fillWorkingSet(ctx, bucketID, prefix); err != nil {
		sc.dropWorkingSet()
		return nil, err
	}

	st := &Stream{orphans: make(chan Orphan), errc: make(chan error, 1)}
	go sc.run(ctx, bucketID, prefix, before, st)
	return st, nil
}

func (sc *Scanner) dropWorkingSet() {
	_, _ = sc.q.ExecContext(`DROP TABLE IF EXISTS tmp_keys`)
}

// fillWorkingSet pages through the blob backend's listing and inserts
// every key into tmp_keys, ignoring conflicts (spec.md §4.I).
func (sc *Scanner) fillWorkingSet(ctx context.Context, bucketID, prefix string) error {
	var token string
	for {
		page, err := sc.backend.List(ctx, bucketID, blob.ListOptions{Prefix: prefix, ContinuationToken: token})
		if err != nil {
			return err
		}

		for _, entry := range page.Keys {
			if strings.HasSuffix(entry.Key, ".info") {
				continue
			}
			if _, err := sc.q.ExecContext(`
				INSERT INTO tmp_keys (key, size) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
				entry.Key, entry.Size); err != nil {
				return err
			}
		}

		if page.NextToken == "" {
			return nil
		}
		token = page.NextToken

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// run starts the blob-orphan and db-orphan passes concurrently and
// fair-merges their output into st, and drops the working set once
// both passes are exhausted or ctx is canceled.
func (sc *Scanner) run(ctx context.Context, bucketID, prefix string, before time.Time, st *Stream) {
	defer sc.dropWorkingSet()

	blobOrphans := make(chan Orphan)
	dbOrphans := make(chan Orphan)
	errc := make(chan error, 2)

	go func() {
		defer close(blobOrphans)
		if err := sc.blobOrphanPass(ctx, bucketID, prefix, blobOrphans); err != nil {
			errc <- err
		}
	}()
	go func() {
		defer close(dbOrphans)
		if err := sc.dbOrphanPass(ctx, bucketID, prefix, before, dbOrphans); err != nil {
			errc <- err
		}
	}()

	mergeOrphans(ctx, blobOrphans, dbOrphans, errc, st)
}

// mergeOrphans fair-merges two orphan channels into st until both are
// closed or ctx is canceled. Go's select already picks uniformly among
// whichever channels are ready, so neither pass can starve the other
// without hand-rolled round-robin bookkeeping (spec.md §4.I "fair
// merge that alternates pulls").
func mergeOrphans(ctx context.Context, blobOrphans, dbOrphans <-chan Orphan, errc <-chan error, st *Stream) {
	defer close(st.orphans)

	for blobOrphans != nil || dbOrphans != nil {
		var o Orphan
		var ok bool

		select {
		case o, ok = <-blobOrphans:
			if !ok {
				blobOrphans = nil
				continue
			}
		case o, ok = <-dbOrphans:
			if !ok {
				dbOrphans = nil
				continue
			}
		case <-ctx.Done():
			setErr(st, ctx.Err())
			return
		}

		metrics.OrphansFound.WithLabelValues(o.Kind).Inc()
		select {
		case st.orphans <- o:
		case <-ctx.Done():
			setErr(st, ctx.Err())
			return
		}
	}

	select {
	case err := <-errc:
		setErr(st, err)
	default:
	}
}

func setErr(st *Stream, err error) {
	select {
	case st.errc <- err:
	default:
	}
}

// blobOrphanPass pages through tmp_keys, splits each key into
// (name, version) and batch-queries the metadata store for survivors;
// keys absent from metadata are blob orphans (spec.md §4.I).
func (sc *Scanner) blobOrphanPass(ctx context.Context, bucketID, prefix string, out chan<- Orphan) error {
	type keyRow struct {
		key  string
		size int64
	}

	var lastKey string
	for {
		rows, err := sc.q.QueryContext(`
			SELECT key, size FROM tmp_keys WHERE key > $1 ORDER BY key LIMIT $2`,
			lastKey, blob.ListPageSize)
		if err != nil {
			return err
		}

		var batch []keyRow
		for rows.Next() {
			var r keyRow
			if err := rows.Scan(&r.key, &r.size); err != nil {
				rows.Close()
				return err
			}
			batch = append(batch, r)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if len(batch) == 0 {
			return nil
		}

		candidates := make([]metadata.NameVersion, 0, len(batch))
		sizes := make(map[metadata.NameVersion]int64, len(batch))
		for _, r := range batch {
			name, version, ok := splitKey(r.key, prefix)
			if !ok {
				continue
			}
			nv := metadata.NameVersion{Name: name, Version: version}
			candidates = append(candidates, nv)
			sizes[nv] = r.size
		}

		found, err := sc.meta.FindObjectVersions(bucketID, candidates)
		if err != nil {
			return err
		}
		for _, nv := range candidates {
			if found[nv] {
				continue
			}
			select {
			case out <- Orphan{Kind: KindBlob, Name: nv.Name, Version: nv.Version, Size: sizes[nv]}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastKey = batch[len(batch)-1].key
	}
}

// dbOrphanPass pages through metadata via ListObjectsStream and probes
// tmp_keys by the concatenated name/version key; rows absent from the
// blob listing are db orphans (spec.md §4.I).
func (sc *Scanner) dbOrphanPass(ctx context.Context, bucketID, prefix string, before time.Time, out chan<- Orphan) error {
	stream := sc.meta.ListObjectsStream(ctx, bucketID, before)
	for page := range stream.Pages() {
		if len(page.Objects) == 0 {
			continue
		}

		keys := make([]string, len(page.Objects))
		for i, obj := range page.Objects {
			keys[i] = prefix + obj.Name + "/" + obj.Version
		}

		rows, err := sc.q.QueryContext(`SELECT key FROM tmp_keys WHERE key = ANY($1::text[])`, pq.Array(keys))
		if err != nil {
			return err
		}
		present := make(map[string]bool, len(keys))
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return err
			}
			present[k] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for i, obj := range page.Objects {
			if present[keys[i]] {
				continue
			}
			select {
			case out <- Orphan{Kind: KindDB, Name: obj.Name, Version: obj.Version, Size: obj.Metadata.Size}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return stream.Err()
}

// splitKey strips prefix from key and splits the remainder into
// (name, version) at its last path separator; version (a ULID) never
// contains one, so the split is unambiguous even though name may.
func splitKey(key, prefix string) (name, version string, ok bool) {
	rest := strings.TrimPrefix(key, prefix)
	if rest == key {
		return "", "", false
	}
	idx := strings.LastIndex(rest, "/")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// DeleteOptions controls DeleteOrphans' side effects beyond emitting a
// backup job per orphan.
type DeleteOptions struct {
	DeleteBlobKeys bool
	ColdBucket     string
}

// backupObjectPayload mirrors workers.backupObjectPayload's JSON shape.
type backupObjectPayload struct {
	Bucket     string `json:"bucket"`
	Key        string `json:"key"`
	ColdBucket string `json:"coldBucket"`
}

// DeleteOrphans drains Scan's stream, emitting a BackupObject job for
// each orphan before deleting it: blob orphans are removed from the
// backend when DeleteBlobKeys is set, db orphans are removed from the
// metadata store (spec.md §4.I).
func (sc *Scanner) DeleteOrphans(ctx context.Context, tenantID, bucketID string, before time.Time, opts DeleteOptions, jobs *jobq.Store) ([]Orphan, error) {
	stream, err := sc.Scan(ctx, tenantID, bucketID, before)
	if err != nil {
		return nil, err
	}
	return sc.drainAndDelete(ctx, stream, tenantID, bucketID, opts, jobs)
}

// drainAndDelete applies DeleteOrphans' side effects to an already
// running stream, split out so it can be exercised against a
// hand-built Stream without spinning the concurrent scan passes.
func (sc *Scanner) drainAndDelete(ctx context.Context, stream *Stream, tenantID, bucketID string, opts DeleteOptions, jobs *jobq.Store) ([]Orphan, error) {
	var deleted []Orphan
	for o := range stream.Orphans() {
		key := tenantID + "/" + bucketID + "/" + o.Name + "/" + o.Version

		if jobs != nil {
			payload, err := json.Marshal(backupObjectPayload{Bucket: bucketID, Key: key, ColdBucket: opts.ColdBucket})
			if err != nil {
				return deleted, err
			}
			if _, err := jobs.Send(QueueBackupObject, payload, jobq.SendOptions{}); err != nil {
				sc.log.Warn("failed to enqueue backup for orphan", zap.String("key", key), zap.Error(err))
			}
		}

		switch o.Kind {
		case KindBlob:
			if opts.DeleteBlobKeys {
				if err := sc.backend.DeleteObject(ctx, bucketID, key); err != nil && !blob.ErrNotFound.Has(err) {
					return deleted, err
				}
			}
		case KindDB:
			if err := sc.meta.DeleteObjectVersions(bucketID, []metadata.NameVersion{{Name: o.Name, Version: o.Version}}); err != nil {
				return deleted, err
			}
		}

		deleted = append(deleted, o)
	}
	return deleted, stream.Err()
}
