package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/midastechnical/storefront-sync/internal/obs"
)

type retryPolicy struct {
	attempts  int
	initial   time.Duration
	max       time.Duration
	retryable func(error) bool
}

// withRetry runs fn until it succeeds, fails with a non-retryable error, or
// the attempts are used up. The last error is returned.
func withRetry[T any](ctx context.Context, p retryPolicy, op string, fn func() (T, error)) (T, error) {
	attempts := p.attempts
	if attempts < 1 {
		attempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	if p.initial > 0 {
		eb.InitialInterval = p.initial
	}
	if p.max > 0 {
		eb.MaxInterval = p.max
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && p.retryable != nil && !p.retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			obs.Logger.Warn("sync_retry", "op", op, "err", err.Error(), "backoff_ms", d.Milliseconds())
		}),
	)
}

// localRetryable treats every store error as transient except cancellation.
func localRetryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
