package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/corvid-labs/axon/pkg/brain"
	"github.com/corvid-labs/axon/pkg/schema"
)

// RetryOptions configures ExecuteWithRetry. The zero value runs fn once.
type RetryOptions struct {
	MaxRetries   int
	Backoff      brain.Backoff
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// RetryIf filters which errors are retried; nil retries every error.
	RetryIf func(error) bool

	// OnRetry is invoked after a failed attempt that will be retried,
	// before the backoff wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// FromPolicy converts a step's retry policy into engine options.
func FromPolicy(p *brain.RetryPolicy) RetryOptions {
	if p == nil {
		return RetryOptions{}
	}
	return RetryOptions{
		MaxRetries:   p.MaxRetries,
		Backoff:      p.Backoff,
		InitialDelay: p.InitialDelay,
		MaxDelay:     p.MaxDelay,
	}
}

// ExecuteWithRetry invokes fn up to MaxRetries+1 times, waiting the computed
// backoff between attempts. After exhausting retries it returns the last
// error untouched; callers distinguish retry exhaustion from a first-attempt
// failure only via OnRetry if they care. A context cancellation during the
// wait aborts with the context's error.
func ExecuteWithRetry(ctx context.Context, opts RetryOptions, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == opts.MaxRetries {
			break
		}
		if opts.RetryIf != nil && !opts.RetryIf(lastErr) {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := ComputeBackoff(opts, attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, lastErr, delay)
		}
		if err := WaitForBackoff(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// ComputeBackoff calculates the delay before the retry that follows the
// given zero-based failed attempt: min(MaxDelay, InitialDelay * f(attempt))
// with f = 1 (none), attempt+1 (linear), 2^attempt (exponential).
func ComputeBackoff(opts RetryOptions, attempt int) time.Duration {
	if opts.InitialDelay <= 0 {
		return 0
	}

	var delay time.Duration
	switch opts.Backoff {
	case brain.BackoffExponential:
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = opts.InitialDelay * multiplier
	case brain.BackoffLinear:
		delay = opts.InitialDelay * time.Duration(attempt+1)
	default: // none or empty
		delay = opts.InitialDelay
	}

	if opts.MaxDelay > 0 && delay > opts.MaxDelay {
		delay = opts.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if
// the context is cancelled. Returns the context's error on cancellation.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRetryableError classifies whether an error is worth retrying.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: context.Canceled (shutdown) and AxonErrors whose code says so.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var axErr *schema.AxonError
	if errors.As(err, &axErr) {
		return axErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
		"rate limit",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable. The retry policy bounds the attempts either way.
	return true
}
