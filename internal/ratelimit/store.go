// Package ratelimit holds the counters shared by all transactions, such as
// per-client request counts maintained by setvar/expirevar on the IP
// collection.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Store is a concurrency-safe key-value store with per-key expiry.
type Store interface {
	// IncrBy adds delta to the integer at key and returns the new value. A
	// missing key counts as zero; ttl > 0 is applied only when the key has
	// no expiry yet, in the same atomic step.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

var ErrNotInteger = errors.New("ratelimit: value is not an integer")

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}
