package jobq

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/objectvault/storage-gateway/internal/metrics"
)

// Store persists jobs for one tenant namespace (spec.md §4.G: "a queue
// table per tenant namespace").
type Store struct {
	tenantID string
	q        Querier
}

// NewStore returns a Store bound to a tenant's session.
func NewStore(tenantID string, q Querier) *Store {
	return &Store{tenantID: tenantID, q: q}
}

// Send persists one job and returns its id. A SingletonKey collides
// with an in-flight (created/retry/active) job of the same key on the
// same queue: Send is then idempotent and returns the existing job's
// id rather than erroring, matching "at-least-once, at-most-one
// in-flight per key" (spec.md §4.G). The upfront check is a convenience
// fast path, not the source of truth: a concurrent Send racing on the
// same key relies on the database's partial unique index to settle the
// conflict, which Send detects and resolves back to the same existing-id
// return rather than surfacing a raw constraint-violation error.
func (s *Store) Send(queue string, payload []byte, opts SendOptions) (string, error) {
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = DefaultRetryLimit
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}

	if opts.SingletonKey != "" {
		if existing, err := s.findInFlightBySingletonKey(queue, opts.SingletonKey); err != nil {
			return "", err
		} else if existing != "" {
			return existing, nil
		}
	}

	id := uuid.NewString()
	hasExpiry := opts.ExpireIn > 0

	_, err := s.q.ExecContext(`
		INSERT INTO jobq.jobs (id, tenant_id, queue, payload, created_at, start_after,
			retry_count, retry_limit, retry_backoff_seconds, singleton_key, state, expire_at)
		VALUES ($1, $2, $3, $4, now(), COALESCE($5, now()), 0, $6, $7, NULLIF($8, ''), 'created',
			CASE WHEN $9 THEN now() + make_interval(secs => $10) ELSE NULL END)`,
		id, s.tenantID, queue, payload, nullTime(opts.StartAfter), opts.RetryLimit,
		int(opts.RetryBackoff.Seconds()), opts.SingletonKey, hasExpiry, opts.ExpireIn.Seconds())
	if err != nil {
		if opts.SingletonKey != "" && isUniqueViolation(err) {
			if existing, ferr := s.findInFlightBySingletonKey(queue, opts.SingletonKey); ferr == nil && existing != "" {
				return existing, nil
			}
		}
		return "", err
	}
	metrics.JobsEnqueued.WithLabelValues(queue).Inc()
	return id, nil
}

func (s *Store) findInFlightBySingletonKey(queue, key string) (string, error) {
	row := s.q.QueryRowContext(`
		SELECT id FROM jobq.jobs
		WHERE tenant_id = $1 AND queue = $2 AND singleton_key = $3
		  AND state IN ('created', 'retry', 'active')`,
		s.tenantID, queue, key)

	var id string
	if err := row.Scan(&id); err == sql.ErrNoRows {
		return "", nil
	} else if err != nil {
		return "", err
	}
	return id, nil
}

// BatchSend is a scatter fan-out convenience: each item is sent
// independently so one singleton collision doesn't fail the batch.
func (s *Store) BatchSend(items []SendItem) ([]string, error) {
	ids := make([]string, len(items))
	for i, item := range items {
		id, err := s.Send(item.Queue, item.Payload, item.Options)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// Claim selects up to batchSize due jobs from queue and marks them
// active, using FOR UPDATE SKIP LOCKED so concurrent worker processes
// never double-claim a row.
func (s *Store) Claim(queue string, batchSize int) ([]Job, error) {
	rows, err := s.q.QueryContext(`
		UPDATE jobq.jobs SET state = 'active'
		WHERE id IN (
			SELECT id FROM jobq.jobs
			WHERE tenant_id = $1 AND queue = $2 AND state IN ('created', 'retry') AND start_after <= now()
			ORDER BY start_after
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue, payload, created_at, start_after, retry_count, retry_limit,
			retry_backoff_seconds, COALESCE(singleton_key, ''), state, expire_at`,
		s.tenantID, queue, batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Complete marks a job terminally successful.
func (s *Store) Complete(jobID string) error {
	return s.transition(jobID, `UPDATE jobq.jobs SET state = 'completed' WHERE id = $1 AND tenant_id = $2`)
}

// Retry returns a job to the retry state after a handler failure,
// incrementing retry_count and scheduling start_after backoff seconds
// out. Callers should check the returned exhausted flag: when true,
// the retry budget is spent and the caller should call Fail instead.
func (s *Store) Retry(jobID string, backoff int) (exhausted bool, err error) {
	row := s.q.QueryRowContext(`
		UPDATE jobq.jobs SET state = 'retry', retry_count = retry_count + 1,
			start_after = now() + make_interval(secs => $3)
		WHERE id = $1 AND tenant_id = $2
		RETURNING retry_count >= retry_limit`,
		jobID, s.tenantID, backoff)

	if err := row.Scan(&exhausted); err == sql.ErrNoRows {
		return false, ErrNotFound.New("job %s", jobID)
	} else if err != nil {
		return false, err
	}
	return exhausted, nil
}

// Fail marks a job terminally failed; the caller emits a
// terminal-failure metric and, for event classes that opt in,
// re-enqueues on the slow-retry lane.
func (s *Store) Fail(jobID string) error {
	return s.transition(jobID, `UPDATE jobq.jobs SET state = 'failed' WHERE id = $1 AND tenant_id = $2`)
}

// Expire marks a job as expired past its expire_at deadline.
func (s *Store) Expire(jobID string) error {
	return s.transition(jobID, `UPDATE jobq.jobs SET state = 'expired' WHERE id = $1 AND tenant_id = $2`)
}

// Cancel marks a created/retry job cancelled; it is a no-op once a
// job is active or already terminal.
func (s *Store) Cancel(jobID string) error {
	result, err := s.q.ExecContext(`
		UPDATE jobq.jobs SET state = 'cancelled'
		WHERE id = $1 AND tenant_id = $2 AND state IN ('created', 'retry')`,
		jobID, s.tenantID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyHandled.New("job %s", jobID)
	}
	return nil
}

// ExpireOverdue marks active jobs past their expire_at deadline as
// expired and returns how many it marked. No worker loop calls it; it
// runs only when a caller invokes it.
func (s *Store) ExpireOverdue(queue string) (int, error) {
	result, err := s.q.ExecContext(`
		UPDATE jobq.jobs SET state = 'expired'
		WHERE tenant_id = $1 AND queue = $2 AND state = 'active' AND expire_at IS NOT NULL AND expire_at <= now()`,
		s.tenantID, queue)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *Store) transition(jobID, query string) error {
	result, err := s.q.ExecContext(query, jobID, s.tenantID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound.New("job %s", jobID)
	}
	return nil
}

func scanJob(rows *sql.Rows) (Job, error) {
	var j Job
	var backoffSeconds int
	var expireAt sql.NullTime
	err := rows.Scan(&j.ID, &j.Queue, &j.Payload, &j.CreatedAt, &j.StartAfter, &j.RetryCount,
		&j.RetryLimit, &backoffSeconds, &j.SingletonKey, &j.State, &expireAt)
	if err != nil {
		return Job{}, err
	}
	j.RetryBackoff = time.Duration(backoffSeconds) * time.Second
	if expireAt.Valid {
		j.ExpireAt = &expireAt.Time
	}
	return j, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
