package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments and sets the expiry only when the key has none, so
// concurrent clients cannot extend or lose a window.
const incrScript = `
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 and redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return v
`

// RedisStore shares counters between gateway instances.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	incr      *redis.Script
	closeOnce sync.Once
}

// NewRedisStore wraps client; keyPrefix is prepended to every key
// (e.g. "vigil:ip:").
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		incr:      redis.NewScript(incrScript),
	}
}

func (r *RedisStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	v, err := r.incr.Run(ctx, r.client, []string{r.keyPrefix + key}, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		if strings.Contains(err.Error(), "not an integer") {
			return 0, ErrNotInteger
		}
		return 0, fmt.Errorf("ratelimit: incr %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("ratelimit: get %s: %w", key, err)
	}
	return v, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("ratelimit: set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	var err error
	if ttl <= 0 {
		err = r.client.Del(ctx, r.keyPrefix+key).Err()
	} else {
		err = r.client.PExpire(ctx, r.keyPrefix+key, ttl).Err()
	}
	if err != nil {
		return fmt.Errorf("ratelimit: expire %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("ratelimit: delete %s: %w", key, err)
	}
	return nil
}

// Close closes the client. Safe to call more than once.
func (r *RedisStore) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.client.Close()
	})
	return err
}
