package auth

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"vidashield/internal/observability"
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LoginRateLimiter throttles login requests per client IP with a token
// bucket. It is independent of the failure window used for lockout.
type LoginRateLimiter struct {
	mu        sync.Mutex
	perMinute int
	byIP      map[string]*ipLimiter
	idleTTL   time.Duration
	maxMemory int
}

func NewLoginRateLimiter(perMinute int) *LoginRateLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}

	return &LoginRateLimiter{
		perMinute: perMinute,
		byIP:      make(map[string]*ipLimiter),
		idleTTL:   10 * time.Minute,
		maxMemory: 5000,
	}
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := observability.ClientIP(r)

		allowed, retryAfter := l.allow(ip, time.Now().UTC())
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *LoginRateLimiter) allow(ip string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.byIP[ip]
	if !ok {
		entry = &ipLimiter{
			limiter: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60), l.perMinute),
		}
		l.byIP[ip] = entry
	}
	entry.lastSeen = now

	if len(l.byIP) > l.maxMemory {
		l.evictIdle(now)
	}

	reservation := entry.limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		if delay < time.Second {
			delay = time.Second
		}
		return false, delay
	}

	return true, 0
}

// Sweep drops limiters idle for longer than idleTTL.
func (l *LoginRateLimiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evictIdle(now)
}

func (l *LoginRateLimiter) evictIdle(now time.Time) int {
	removed := 0
	for ip, entry := range l.byIP {
		if now.Sub(entry.lastSeen) > l.idleTTL {
			delete(l.byIP, ip)
			removed++
		}
	}
	return removed
}
