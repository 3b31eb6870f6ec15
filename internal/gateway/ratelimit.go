// ABOUTME: Per-caller token bucket rate limiting for the REST and MCP surfaces
// ABOUTME: Buckets are keyed by API key ID, falling back to the client address

package gateway

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/probehub/internal/auth"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter hands out one token bucket per caller.
type rateLimiter struct {
	mu      sync.Mutex
	callers map[string]*limiterEntry
	limit   rate.Limit
	burst   int
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	return &rateLimiter{
		callers: make(map[string]*limiterEntry),
		limit:   rate.Limit(rps),
		burst:   burst,
	}
}

func (l *rateLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.callers[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.callers[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// prune drops buckets idle for longer than maxIdle.
func (l *rateLimiter) prune(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.callers {
		if e.lastSeen.Before(cutoff) {
			delete(l.callers, key)
			removed++
		}
	}
	return removed
}

// Middleware rejects requests over the caller's rate with 429. It must run
// after authentication so buckets follow API keys.
func (l *rateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := auth.CallerFromContext(r.Context())
		if key == "" || key == auth.TypeAnonymous {
			key = "addr:" + r.RemoteAddr
		}

		res := l.get(key).Reserve()
		if !res.OK() {
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
