package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"

	"code.cloudfoundry.org/clock"
	"golang.org/x/time/rate"

	apperrors "github.com/score-agent/internal/errors"
)

// RateLimiter keeps one token bucket per client address
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex

	limit     rate.Limit
	burstSize int
	clock     clock.Clock
}

// NewRateLimiter creates a limiter allowing rps requests per second per client.
// rps <= 0 disables limiting.
func NewRateLimiter(rps, burst int, clk clock.Clock) *RateLimiter {
	if burst <= 0 {
		burst = 10
	}
	if clk == nil {
		clk = clock.NewClock()
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &RateLimiter{
		limiters:  make(map[string]*rate.Limiter),
		limit:     limit,
		burstSize: burst,
		clock:     clk,
	}
}

// getLimiter returns the bucket for a client, creating it on first use
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check in case another goroutine created it
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.limit, rl.burstSize)
	rl.limiters[key] = limiter
	return limiter
}

// Allow reports whether the client may make a request now
func (rl *RateLimiter) Allow(key string) bool {
	return rl.getLimiter(key).AllowN(rl.clock.Now(), 1)
}

// retryAfterSeconds is the time one token takes to refill, rounded up
func (rl *RateLimiter) retryAfterSeconds() int {
	if rl.limit <= 0 || rl.limit == rate.Inf {
		return 1
	}
	return int(math.Ceil(1 / float64(rl.limit)))
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitMiddleware creates a middleware that enforces rate limiting
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(clientKey(r)) {
				retryAfter := rl.retryAfterSeconds()
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				respondAppError(w, r, apperrors.NewRateLimitError(retryAfter).With("limit", float64(rl.limit)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
