package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker backed by SET NX PX.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis creates a Redis locker. Keys are stored under prefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// Acquire sets the key with a random token if absent.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	k := r.prefix + key
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", k, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	var (
		once   sync.Once
		relErr error
	)
	return func() error {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{k}, token).Err(); err != nil {
				relErr = fmt.Errorf("release lease %s: %w", k, err)
			}
		})
		return relErr
	}, nil
}
