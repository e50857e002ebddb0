package resilience

import (
	"context"
	"time"
)

// RetryPolicy retries transient failures with a fixed backoff.
// MaxRetries of zero runs fn exactly once.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	// Retryable reports whether err is worth another attempt. Nil retries
	// every error.
	Retryable func(error) bool
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

// Do calls fn until it succeeds, the error is not retryable, attempts run
// out, or ctx is done. It returns the last error from fn.
func (r RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	var err error
	for i := 0; i <= r.MaxRetries; i++ {
		err = fn(i)
		if err == nil {
			return nil
		}
		if i == r.MaxRetries || (r.Retryable != nil && !r.Retryable(err)) {
			return err
		}
		timer := time.NewTimer(r.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
