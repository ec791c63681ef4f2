// Package ratelimit implements a Redis-backed fixed-window failure counter
// (INCR + EXPIRE), used to throttle signature-verification failures per
// client IP before the verifier does any work.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter counts failures per key within a sliding fixed window.
type Limiter struct {
	redis      *redis.Client
	keyPrefix  string
	maxFailure int
	window     time.Duration
}

// New creates a Limiter. maxFailure is the number of Record calls allowed
// per key within window before Check reports the key as blocked.
func New(rdb *redis.Client, keyPrefix string, maxFailure int, window time.Duration) *Limiter {
	return &Limiter{redis: rdb, keyPrefix: keyPrefix, maxFailure: maxFailure, window: window}
}

// Result is the outcome of a Check call.
type Result struct {
	Allowed bool
	RetryAt time.Time
}

// Check reports whether key is currently allowed to proceed.
func (l *Limiter) Check(ctx context.Context, key string) (Result, error) {
	redisKey := l.redisKey(key)

	count, err := l.redis.Get(ctx, redisKey).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Result{}, fmt.Errorf("ratelimit: checking %s: %w", redisKey, err)
	}
	if count < l.maxFailure {
		return Result{Allowed: true}, nil
	}

	ttl, err := l.redis.TTL(ctx, redisKey).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: reading ttl for %s: %w", redisKey, err)
	}
	return Result{Allowed: false, RetryAt: time.Now().Add(ttl)}, nil
}

// Record registers one failure for key, starting a new window if key has
// no current count.
func (l *Limiter) Record(ctx context.Context, key string) error {
	redisKey := l.redisKey(key)

	pipe := l.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ratelimit: recording failure for %s: %w", redisKey, err)
	}
	if incr.Val() == 1 {
		l.redis.Expire(ctx, redisKey, l.window)
	}
	return nil
}

func (l *Limiter) redisKey(key string) string {
	return fmt.Sprintf("%s:%s", l.keyPrefix, key)
}
