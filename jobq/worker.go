package jobq

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/objectvault/storage-gateway/internal/metrics"
)

// Handler processes one job's payload. A returned error puts the job
// back in the retry state (or fails it terminally once the retry
// budget is spent).
type Handler func(ctx context.Context, job Job) error

// WorkOptions shapes one queue's worker pool (spec.md §4.G "work").
type WorkOptions struct {
	// Concurrency is the number of jobs processed in parallel.
	Concurrency int
	// BatchSize is how many jobs Claim pulls per poll.
	BatchSize int
	// PollInterval is how often to poll when the queue is empty.
	PollInterval time.Duration
	// SlowRetryOnFailure re-enqueues terminally failed jobs on the
	// sibling "-slow" queue instead of only marking them failed.
	SlowRetryOnFailure bool
}

func (o WorkOptions) withDefaults() WorkOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	return o
}

// Worker polls one queue and dispatches claimed jobs to handler across
// a bounded pool of goroutines.
type Worker struct {
	store   *Store
	queue   string
	handler Handler
	opts    WorkOptions
	log     *zap.Logger
}

// Work registers handler against queue on store (spec.md §4.G).
func Work(store *Store, queue string, handler Handler, opts WorkOptions, log *zap.Logger) *Worker {
	return &Worker{store: store, queue: queue, handler: handler, opts: opts.withDefaults(), log: log}
}

// Run polls until ctx is canceled, then waits for in-flight jobs to
// finish before returning (spec.md §4.G lifecycle: "stop() stops
// polling, waits for in-flight jobs to complete").
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.pollOnce(ctx); err != nil {
				w.log.Error("queue poll failed", zap.String("queue", w.queue), zap.Error(err))
			}
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) error {
	jobs, err := w.store.Claim(w.queue, w.opts.BatchSize)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(w.opts.Concurrency)
	for _, job := range jobs {
		job := job
		group.Go(func() error {
			w.handle(groupCtx, job)
			return nil
		})
	}
	return group.Wait()
}

func (w *Worker) handle(ctx context.Context, job Job) {
	err := w.handler(ctx, job)
	if err == nil {
		if err := w.store.Complete(job.ID); err != nil {
			w.log.Error("mark job completed failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}

	backoff := job.RetryBackoff
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}
	exhausted, retryErr := w.store.Retry(job.ID, int(backoff.Seconds()))
	if retryErr != nil {
		w.log.Error("mark job retry failed", zap.String("job_id", job.ID), zap.Error(retryErr))
		return
	}
	metrics.JobsRetried.WithLabelValues(w.queue).Inc()

	if !exhausted {
		return
	}

	if failErr := w.store.Fail(job.ID); failErr != nil {
		w.log.Error("mark job failed failed", zap.String("job_id", job.ID), zap.Error(failErr))
		return
	}
	metrics.JobsFailedTerminal.WithLabelValues(w.queue).Inc()
	w.log.Warn("job exhausted retry budget", zap.String("job_id", job.ID), zap.String("queue", w.queue), zap.Error(err))

	if w.opts.SlowRetryOnFailure {
		if _, sendErr := w.store.Send(SlowQueueName(w.queue), job.Payload, SendOptions{
			RetryLimit:   DefaultRetryLimit,
			RetryBackoff: SlowRetryBackoff,
		}); sendErr != nil {
			w.log.Error("slow-retry re-enqueue failed", zap.String("job_id", job.ID), zap.Error(sendErr))
		}
	}
}
