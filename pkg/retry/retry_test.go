package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinytraffic/pkg/errs"
)

func fastPolicy(retries int) Policy {
	return Policy{MaxRetries: retries, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var waits []int
	p := fastPolicy(3)
	p.OnRetry = func(err error, attempt int, wait time.Duration) { waits = append(waits, attempt) }

	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errs.Fetch("page", errors.New("502"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, waits)
}

func TestDo_BoundedAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(2), func(ctx context.Context) error {
		calls++
		return errs.Store("commit", errors.New("locked"))
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls, "one attempt plus two retries")
	assert.True(t, errs.Is(err, errs.KindStore))
	assert.Contains(t, err.Error(), "max retries exceeded")
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	calls := 0
	cfgErr := errs.Config("cleanup", "negative retention")
	err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls++
		return cfgErr
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, cfgErr)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxRetries: 10, InitialDelay: time.Hour, MaxDelay: time.Hour}

	calls := 0
	err := Do(ctx, p, func(ctx context.Context) error {
		calls++
		cancel()
		return errs.Fetch("page", errors.New("timeout"))
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}
