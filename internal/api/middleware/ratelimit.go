package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/quartz"

	"github.com/kiranshivaraju/bubblemon/internal/api/response"
	"github.com/kiranshivaraju/bubblemon/internal/cache"
)

const (
	defaultRequestsPerMinute = 60
	rateWindow               = 60 * time.Second
)

// RateLimit is a fixed one-minute window counter in Redis, charged to the
// key an auth middleware put in the context. The window opens on the first
// request and resets when it expires, whatever the traffic inside it.
type RateLimit struct {
	cache          cache.Cache
	requestsPerMin int
	clock          quartz.Clock
}

// NewRateLimit creates the middleware. A nil cache disables limiting.
func NewRateLimit(c cache.Cache, requestsPerMin int, clock quartz.Clock) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &RateLimit{cache: c, requestsPerMin: requestsPerMin, clock: clock}
}

func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := getRateLimitKey(r)
		if rl.cache == nil || !ok {
			next.ServeHTTP(w, r)
			return
		}

		count, ttl, err := rl.cache.IncrWindow(r.Context(), key, rateWindow)
		if err != nil {
			// Fail open.
			slog.Warn("rate limit check failed", "key", key, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := max(rl.requestsPerMin-int(count), 0)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rl.clock.Now().Add(ttl).Unix(), 10))

		if count > int64(rl.requestsPerMin) {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(ttl)))
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// retryAfterSeconds rounds the remaining window up to whole seconds.
func retryAfterSeconds(ttl time.Duration) int {
	secs := int((ttl + time.Second - 1) / time.Second)
	return max(secs, 1)
}
