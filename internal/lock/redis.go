package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// RedisLocker is a Locker shared by every process talking to the same Redis.
type RedisLocker struct {
	locker  *redislock.Client
	ttl     time.Duration
	backoff time.Duration
}

// NewRedisLocker returns a locker whose locks expire after ttl unless released.
// ttl must outlive the longest critical section.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		locker:  redislock.New(client),
		ttl:     ttl,
		backoff: 100 * time.Millisecond,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	opts := &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.backoff),
	}

	lk, err := l.locker.Obtain(ctx, "lock:"+key, l.ttl, opts)
	if errors.Is(err, redislock.ErrNotObtained) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("lock %s not obtained: %w", key, err)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	return func() {
		if err := lk.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			slog.Warn("failed to release redis lock", "key", key, "error", err)
		}
	}, nil
}
