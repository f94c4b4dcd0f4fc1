// Package retry implements the bounded exponential backoff used by the
// storage orchestrator for transient blob backend failures.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy describes a bounded exponential backoff schedule.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps the delay between any two attempts.
	Max time.Duration
}

// Default is the orchestrator's backend-5xx retry policy: up to 30s,
// matching spec.md's "exponential backoff bounded at 30s".
var Default = Policy{MaxAttempts: 5, Base: 200 * time.Millisecond, Max: 30 * time.Second}

// Do calls fn until it succeeds, the policy is exhausted, or ctx is
// done. shouldRetry decides whether an error is transient; a nil
// shouldRetry retries every non-nil error.
func Do(ctx context.Context, p Policy, shouldRetry func(error) bool, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.delay(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
	}
	return err
}

func (p Policy) delay(attempt int) time.Duration {
	d := p.Base << uint(attempt-1)
	if d > p.Max || d <= 0 {
		d = p.Max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d/2 + jitter
}
