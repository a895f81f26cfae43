// Package attempts keeps a sliding window of login outcomes per
// (identity, origin) key.
package attempts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

const (
	DefaultWindow = 10 * time.Minute

	defaultMaxRecordsPerKey = 256
)

var ErrBackend = errors.New("attempt tracker backend unavailable")

// Tracker records login outcomes and counts recent failures for a key.
type Tracker interface {
	Record(ctx context.Context, key string, success bool, now time.Time) error
	CountFailures(ctx context.Context, key string, now time.Time) (int, error)
	Window() time.Duration
}

type Record struct {
	Success bool
	At      time.Time
}

// Key derives the tracker key for an email and origin IP.
func Key(email, ip string) string {
	return strings.ToLower(strings.TrimSpace(email)) + "|" + strings.TrimSpace(ip)
}

type keyLog struct {
	mu      sync.Mutex
	records []Record
	dead    bool
}

// MemoryTracker is an in-process Tracker. Different keys never share a lock
// on the hot path; calls for the same key are serialized by the key's mutex.
type MemoryTracker struct {
	window     time.Duration
	maxRecords int

	mu   sync.RWMutex
	keys map[string]*keyLog
}

func NewMemoryTracker(window time.Duration) *MemoryTracker {
	if window <= 0 {
		window = DefaultWindow
	}

	return &MemoryTracker{
		window:     window,
		maxRecords: defaultMaxRecordsPerKey,
		keys:       make(map[string]*keyLog),
	}
}

func (t *MemoryTracker) Window() time.Duration {
	return t.window
}

func (t *MemoryTracker) Record(_ context.Context, key string, success bool, now time.Time) error {
	for {
		log := t.logFor(key)

		log.mu.Lock()
		if log.dead {
			// swept between lookup and lock
			log.mu.Unlock()
			continue
		}

		log.records = prune(log.records, now.Add(-t.window))
		log.records = append(log.records, Record{Success: success, At: now})
		if overflow := len(log.records) - t.maxRecords; overflow > 0 {
			log.records = append(log.records[:0], log.records[overflow:]...)
		}
		log.mu.Unlock()

		return nil
	}
}

func (t *MemoryTracker) CountFailures(_ context.Context, key string, now time.Time) (int, error) {
	t.mu.RLock()
	log, ok := t.keys[key]
	t.mu.RUnlock()
	if !ok {
		return 0, nil
	}

	threshold := now.Add(-t.window)

	log.mu.Lock()
	defer log.mu.Unlock()

	log.records = prune(log.records, threshold)

	failures := 0
	for _, record := range log.records {
		if !record.Success && record.At.After(threshold) {
			failures++
		}
	}

	return failures, nil
}

// Sweep drops every key whose records all fell out of the window and
// returns how many keys were removed.
func (t *MemoryTracker) Sweep(now time.Time) int {
	threshold := now.Add(-t.window)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, log := range t.keys {
		log.mu.Lock()
		log.records = prune(log.records, threshold)
		if len(log.records) == 0 {
			log.dead = true
			delete(t.keys, key)
			removed++
		}
		log.mu.Unlock()
	}

	return removed
}

func (t *MemoryTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.keys)
}

func (t *MemoryTracker) logFor(key string) *keyLog {
	t.mu.RLock()
	log, ok := t.keys[key]
	t.mu.RUnlock()
	if ok {
		return log
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if log, ok = t.keys[key]; ok {
		return log
	}
	log = &keyLog{}
	t.keys[key] = log
	return log
}

// prune drops leading records at or before threshold. Records are kept in
// append order, not timestamp order.
func prune(records []Record, threshold time.Time) []Record {
	idx := 0
	for idx < len(records) && !records[idx].At.After(threshold) {
		idx++
	}
	if idx == 0 {
		return records
	}
	return append(records[:0], records[idx:]...)
}

// RunSweeper calls sweep with the current time on every tick until ctx is
// cancelled.
func RunSweeper(ctx context.Context, interval time.Duration, sweep func(time.Time) int) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sweep(now.UTC())
		}
	}
}
