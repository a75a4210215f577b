package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds per-client rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// RateLimit enforces a token-bucket limit per client IP. Idle buckets are
// dropped after a few minutes to keep the map bounded.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 200
	}

	type bucket struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	var mu sync.Mutex
	buckets := make(map[string]*bucket)

	sweep := func(now time.Time) {
		for ip, b := range buckets {
			if now.Sub(b.lastSeen) > 5*time.Minute {
				delete(buckets, ip)
			}
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()
			now := time.Now()

			mu.Lock()
			b, ok := buckets[ip]
			if !ok {
				b = &bucket{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)}
				buckets[ip] = b
				if len(buckets)%512 == 0 {
					sweep(now)
				}
			}
			b.lastSeen = now
			allowed := b.limiter.Allow()
			mu.Unlock()

			if !allowed {
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
