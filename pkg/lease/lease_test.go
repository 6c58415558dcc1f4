package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, "tinytraffic:lease:"), mr
}

func testLocker(t *testing.T, l Locker) {
	ctx := context.Background()

	release, err := l.Acquire(ctx, "visits", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "visits", time.Minute)
	assert.ErrorIs(t, err, ErrHeld, "same key must be serialised")

	other, err := l.Acquire(ctx, "clicks", time.Minute)
	require.NoError(t, err, "different keys run concurrently")
	require.NoError(t, other())

	require.NoError(t, release())
	require.NoError(t, release(), "release is idempotent")

	again, err := l.Acquire(ctx, "visits", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again())
}

func TestLocal(t *testing.T) {
	testLocker(t, NewLocal())
}

func TestRedis(t *testing.T) {
	l, _ := newRedisLocker(t)
	testLocker(t, l)
}

func TestLocal_ConcurrentAcquire(t *testing.T) {
	l := NewLocal()
	var won int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire(context.Background(), "visits", time.Minute); err == nil {
				atomic.AddInt32(&won, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won)
}

func TestRedis_ExpiredLeaseIsNotReleasedByOldHolder(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "visits", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	fresh, err := l.Acquire(ctx, "visits", time.Minute)
	require.NoError(t, err, "expired lease can be taken")

	require.NoError(t, stale())
	_, err = l.Acquire(ctx, "visits", time.Minute)
	assert.ErrorIs(t, err, ErrHeld, "stale release must not drop the new holder's lease")

	require.NoError(t, fresh())
}
