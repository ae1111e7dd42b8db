package ingress

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// maxBackoffExponent caps the doubling so attempt 7 waits no longer than attempt 6
const maxBackoffExponent = 5

// RetryPolicy bounds the re-dispatch of a failing update
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter returns a random duration in [0, max). Nil uses math/rand.
	Jitter func(max time.Duration) time.Duration
}

// DefaultRetryPolicy returns the policy used when nothing is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// Backoff returns the delay after the given failed attempt:
// min(base*2^min(attempt-1, 5) + rand(0, base), maxDelay)
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := min(attempt-1, maxBackoffExponent)

	delay := p.BaseDelay<<exp + p.jitter(p.BaseDelay)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

func (p RetryPolicy) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	if p.Jitter != nil {
		return p.Jitter(max)
	}
	return rand.N(max)
}

// Retry calls fn until it succeeds or MaxAttempts calls have failed, sleeping
// Backoff between calls. The sleep ends early when ctx is done or stop is
// closed; no further attempt is made then. onRetry, if set, runs before each
// sleep. Retry returns the number of attempts made.
func Retry(
	ctx context.Context,
	stop <-chan struct{},
	p RetryPolicy,
	fn func(ctx context.Context, attempt int) error,
	onRetry func(attempt int, err error, delay time.Duration),
) (int, error) {
	maxAttempts := max(p.MaxAttempts, 1)

	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if attempt >= maxAttempts {
			return attempt, fmt.Errorf("%w after %d attempts: %w", ErrProcessing, attempt, err)
		}

		delay := p.Backoff(attempt)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("%w: retry cancelled after %d attempts: %w", ErrProcessing, attempt, err)
		case <-stop:
			timer.Stop()
			return attempt, fmt.Errorf("%w: retry abandoned after %d attempts: %w", ErrShuttingDown, attempt, err)
		}
	}
}
