package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultStateTTL = 10 * time.Minute

var ErrStateBackend = errors.New("oauth state store unavailable")

type StateEntry struct {
	Provider    string    `json:"provider"`
	RedirectURI string    `json:"redirect_uri"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (e StateEntry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// StateStore keeps pending authorization states. Consume must remove the
// entry atomically so that at most one caller ever observes it.
type StateStore interface {
	Save(ctx context.Context, state string, entry StateEntry) error
	Consume(ctx context.Context, state string, now time.Time) (StateEntry, bool, error)
}

type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]StateEntry
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{entries: make(map[string]StateEntry)}
}

func (s *MemoryStateStore) Save(_ context.Context, state string, entry StateEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[state] = entry
	return nil
}

func (s *MemoryStateStore) Consume(_ context.Context, state string, now time.Time) (StateEntry, bool, error) {
	s.mu.Lock()
	entry, ok := s.entries[state]
	delete(s.entries, state)
	s.mu.Unlock()

	if !ok || entry.expired(now) {
		return StateEntry{}, false, nil
	}
	return entry, true, nil
}

func (s *MemoryStateStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for state, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, state)
			removed++
		}
	}
	return removed
}

type RedisStateStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisStateStore(redisClient redis.UniversalClient, prefix string) *RedisStateStore {
	if prefix == "" {
		prefix = "vs"
	}
	return &RedisStateStore{redis: redisClient, prefix: prefix}
}

func (s *RedisStateStore) key(state string) string {
	return s.prefix + ":oauth:state:" + state
}

func (s *RedisStateStore) Save(ctx context.Context, state string, entry StateEntry) error {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("save oauth state: entry already expired")
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal oauth state: %w", err)
	}
	if err := s.redis.Set(ctx, s.key(state), payload, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStateBackend, err)
	}
	return nil
}

// Consume uses GETDEL so concurrent callbacks with the same state cannot both
// succeed.
func (s *RedisStateStore) Consume(ctx context.Context, state string, now time.Time) (StateEntry, bool, error) {
	payload, err := s.redis.GetDel(ctx, s.key(state)).Bytes()
	if errors.Is(err, redis.Nil) {
		return StateEntry{}, false, nil
	}
	if err != nil {
		return StateEntry{}, false, fmt.Errorf("%w: %v", ErrStateBackend, err)
	}

	var entry StateEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return StateEntry{}, false, fmt.Errorf("%w: decode state: %v", ErrStateBackend, err)
	}
	if entry.expired(now) {
		return StateEntry{}, false, nil
	}
	return entry, true, nil
}
