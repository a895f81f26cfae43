package csrf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]map[string]time.Time)}
}

func (s *MemoryStore) Add(_ context.Context, sessionID, digest string, ttl time.Duration, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, ok := s.sessions[sessionID]
	if !ok {
		tokens = make(map[string]time.Time)
		s.sessions[sessionID] = tokens
	}
	for d, expiresAt := range tokens {
		if !now.Before(expiresAt) {
			delete(tokens, d)
		}
	}
	tokens[digest] = now.Add(ttl)

	if len(tokens) > maxTokensPerSess {
		evictOldest(tokens, len(tokens)-maxTokensPerSess)
	}

	return nil
}

func (s *MemoryStore) Contains(_ context.Context, sessionID, digest string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt, ok := s.sessions[sessionID][digest]
	return ok && now.Before(expiresAt), nil
}

// Sweep drops expired tokens and empty sessions.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for sessionID, tokens := range s.sessions {
		for d, expiresAt := range tokens {
			if !now.Before(expiresAt) {
				delete(tokens, d)
				removed++
			}
		}
		if len(tokens) == 0 {
			delete(s.sessions, sessionID)
		}
	}
	return removed
}

func evictOldest(tokens map[string]time.Time, n int) {
	type entry struct {
		digest    string
		expiresAt time.Time
	}
	entries := make([]entry, 0, len(tokens))
	for d, expiresAt := range tokens {
		entries = append(entries, entry{digest: d, expiresAt: expiresAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].expiresAt.Before(entries[j].expiresAt) })
	for _, e := range entries[:n] {
		delete(tokens, e.digest)
	}
}

// RedisStore keeps one sorted set per session: member = digest, score =
// expiry in unix milliseconds.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisStore(redisClient redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "vs"
	}
	return &RedisStore{redis: redisClient, prefix: prefix}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + ":csrf:" + sessionID
}

func (s *RedisStore) Add(ctx context.Context, sessionID, digest string, ttl time.Duration, now time.Time) error {
	key := s.key(sessionID)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprint(now.UnixMilli()))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.Add(ttl).UnixMilli()), Member: digest})
		pipe.ZRemRangeByRank(ctx, key, 0, -maxTokensPerSess-1)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

func (s *RedisStore) Contains(ctx context.Context, sessionID, digest string, now time.Time) (bool, error) {
	score, err := s.redis.ZScore(ctx, s.key(sessionID), digest).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return float64(now.UnixMilli()) < score, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
