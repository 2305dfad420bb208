package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a crashed holder can keep a month locked.
const DefaultTTL = 10 * time.Minute

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-acquired by someone else is left alone.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

type Redis struct {
	client *redis.Client
	ttl    time.Duration
	token  func() string
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl, token: uuid.NewString}
}

// WithToken replaces the token generator. Tests use it to predict commands.
func (r *Redis) WithToken(fn func() string) *Redis {
	r.token = fn
	return r
}

func (r *Redis) Acquire(ctx context.Context, key string) (Release, error) {
	token := r.token()

	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	return func(ctx context.Context) error {
		if err := r.client.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("release %s: %w", key, err)
		}
		return nil
	}, nil
}
