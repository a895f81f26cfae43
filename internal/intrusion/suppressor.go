package intrusion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"vidashield/internal/attempts"
)

// Suppressor hands out at most one alert slot per key and ttl. Acquire must
// be atomic across concurrent callers for the same key. Release gives the
// slot back when the alert could not be stored.
type Suppressor interface {
	Acquire(ctx context.Context, key string, ttl time.Duration, now time.Time) (bool, error)
	Release(ctx context.Context, key string) error
}

type MemorySuppressor struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

func NewMemorySuppressor() *MemorySuppressor {
	return &MemorySuppressor{expires: make(map[string]time.Time)}
}

func (s *MemorySuppressor) Acquire(_ context.Context, key string, ttl time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if until, ok := s.expires[key]; ok && until.After(now) {
		return false, nil
	}
	s.expires[key] = now.Add(ttl)
	return true, nil
}

func (s *MemorySuppressor) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.expires, key)
	s.mu.Unlock()
	return nil
}

func (s *MemorySuppressor) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, until := range s.expires {
		if !until.After(now) {
			delete(s.expires, key)
			removed++
		}
	}
	return removed
}

// RedisSuppressor uses SET NX with a TTL so that only one instance raises the
// alert for a key.
type RedisSuppressor struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisSuppressor(redisClient redis.UniversalClient, prefix string) *RedisSuppressor {
	if prefix == "" {
		prefix = "vs"
	}
	return &RedisSuppressor{redis: redisClient, prefix: prefix}
}

func (s *RedisSuppressor) Acquire(ctx context.Context, key string, ttl time.Duration, now time.Time) (bool, error) {
	ok, err := s.redis.SetNX(ctx, s.key(key), now.UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", attempts.ErrBackend, err)
	}
	return ok, nil
}

func (s *RedisSuppressor) Release(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", attempts.ErrBackend, err)
	}
	return nil
}

func (s *RedisSuppressor) key(key string) string {
	return s.prefix + ":alerted:" + key
}
