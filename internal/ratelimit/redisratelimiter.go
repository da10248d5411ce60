package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter keeps the sliding window in a Redis sorted set per key, so several
// scan stations behind different processes share one budget.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRedisLimiter creates a Redis-backed limiter. A limit <= 0 disables limiting.
func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if prefix == "" {
		prefix = "qcflow:ratelimit"
	}
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window}
}

func (l *RedisLimiter) Check(ctx context.Context, key string, now time.Time) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	count, err := l.Count(ctx, key, now)
	if err != nil {
		return false, err
	}
	return count < int64(l.limit), nil
}

func (l *RedisLimiter) Record(ctx context.Context, key string, now time.Time) error {
	redisKey := l.key(key)
	nowNano := now.UnixNano()

	pipe := l.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(now.Add(-l.window).UnixNano(), 10))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(nowNano), Member: fmt.Sprintf("%d-%s", nowNano, uuid.NewString())})
	pipe.Expire(ctx, redisKey, l.window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record rate limit event: %w", err)
	}
	return nil
}

func (l *RedisLimiter) Count(ctx context.Context, key string, now time.Time) (int64, error) {
	redisKey := l.key(key)

	pipe := l.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(now.Add(-l.window).UnixNano(), 10))
	zcard := pipe.ZCard(ctx, redisKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to count rate limit window: %w", err)
	}
	return zcard.Val(), nil
}

func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit key %s: %w", key, err)
	}
	return nil
}

func (l *RedisLimiter) key(identifier string) string {
	return fmt.Sprintf("%s:%s", l.prefix, identifier)
}
