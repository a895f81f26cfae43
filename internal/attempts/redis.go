package attempts

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisTracker keeps one sorted set per key and outcome, scored by unix
// milliseconds. Keys expire one window after their last write.
type RedisTracker struct {
	redis  redis.UniversalClient
	prefix string
	window time.Duration
}

func NewRedisTracker(redisClient redis.UniversalClient, prefix string, window time.Duration) *RedisTracker {
	if prefix == "" {
		prefix = "vs"
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisTracker{
		redis:  redisClient,
		prefix: prefix,
		window: window,
	}
}

func (t *RedisTracker) Window() time.Duration {
	return t.window
}

func (t *RedisTracker) failKey(key string) string {
	return t.prefix + ":attempts:fail:" + key
}

func (t *RedisTracker) okKey(key string) string {
	return t.prefix + ":attempts:ok:" + key
}

func (t *RedisTracker) Record(ctx context.Context, key string, success bool, now time.Time) error {
	target := t.failKey(key)
	if success {
		target = t.okKey(key)
	}

	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()
	cutoff := strconv.FormatInt(now.Add(-t.window).UnixMilli(), 10)

	_, err := t.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, target, redis.Z{Score: float64(now.UnixMilli()), Member: member})
		pipe.ZRemRangeByScore(ctx, target, "-inf", cutoff)
		pipe.PExpire(ctx, target, t.window)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}

	return nil
}

func (t *RedisTracker) CountFailures(ctx context.Context, key string, now time.Time) (int, error) {
	lower := "(" + strconv.FormatInt(now.Add(-t.window).UnixMilli(), 10)

	count, err := t.redis.ZCount(ctx, t.failKey(key), lower, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	return int(count), nil
}
