package apiclient

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/l0p7/watchcache/internal/metrics"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
)

// RetryPolicy configures Retry. Zero fields take the defaults (3 attempts, 1s base delay).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// OnRetry runs before each wait with the 1-based number of the attempt that failed.
	OnRetry func(attempt int, err error, wait time.Duration)
	Metrics *metrics.Recorder
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	return p
}

// Retry runs fn until it succeeds, fails with a non-retryable status, or
// MaxAttempts attempts have been made. Waits double from BaseDelay with no
// jitter. The last error is returned unchanged.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	policy = policy.withDefaults()

	schedule := &backoff.ExponentialBackOff{
		InitialInterval:     policy.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Duration(math.MaxInt64),
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if !retryable(err) {
			policy.Metrics.ObserveRetry(metrics.RetrySkipped)
			return result, backoff.Permanent(err)
		}
		return result, err
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(schedule),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			policy.Metrics.ObserveRetry(metrics.RetryScheduled)
			if policy.OnRetry != nil {
				policy.OnRetry(attempt, err, wait)
			}
		}),
	)
	if err != nil {
		// the try limit is checked before permanence, so a non-retryable
		// failure on the final attempt comes back still wrapped.
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return result, permanent.Unwrap()
		}
		if attempt >= policy.MaxAttempts && retryable(err) {
			policy.Metrics.ObserveRetry(metrics.RetryExhausted)
		}
	}
	return result, err
}

// retryable rejects failures carrying a 4xx status other than 429.
func retryable(err error) bool {
	var withStatus interface{ StatusCode() int }
	if !errors.As(err, &withStatus) {
		return true
	}
	status := withStatus.StatusCode()
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return false
	}
	return true
}
