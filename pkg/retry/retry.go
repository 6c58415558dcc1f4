// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nicktill/tinytraffic/pkg/errs"
)

// Policy holds retry configuration
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// OnRetry is called before each wait (optional).
	OnRetry func(err error, attempt int, wait time.Duration)
}

// DefaultPolicy retries three times starting at one second.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, the retry
// budget runs out or ctx ends. Retryability follows errs.IsRetryable.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0

	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx)

	attempt := 0
	var lastErr error
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errs.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(err, attempt, wait)
		}
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && lastErr != nil && err == ctx.Err() {
		return fmt.Errorf("%w (last error: %v)", err, lastErr)
	}
	if attempt > maxRetries && errs.IsRetryable(err) {
		return fmt.Errorf("max retries exceeded: %w", err)
	}
	return err
}
