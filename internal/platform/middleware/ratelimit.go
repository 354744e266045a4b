package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/goalplan/internal/platform/auth"
)

// RateLimitConfig describes a per-caller token bucket. Callers are keyed by
// authenticated user, or by client IP when no user is on the request.
type RateLimitConfig struct {
	PerMinute float64
	Burst     int

	now func() time.Time
}

// SubmitRateLimit is sized for assessment submission, which starts an
// external workflow per request.
func SubmitRateLimit(perMinute float64, burst int) RateLimitConfig {
	if perMinute <= 0 {
		perMinute = 30
	}
	if burst <= 0 {
		burst = 5
	}
	return RateLimitConfig{PerMinute: perMinute, Burst: burst}
}

type bucket struct {
	tokens float64
	last   time.Time
}

type limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   float64
	now     func() time.Time
}

func newLimiter(cfg RateLimitConfig) *limiter {
	now := cfg.now
	if now == nil {
		now = time.Now
	}
	return &limiter{
		buckets: make(map[string]*bucket),
		rate:    cfg.PerMinute / 60,
		burst:   float64(cfg.Burst),
		now:     now,
	}
}

// take consumes a token for key. When none is left it reports how long until
// the next one.
func (l *limiter) take(key string) (remaining int, wait time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, found := l.buckets[key]
	if !found {
		b = &bucket{tokens: l.burst, last: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.last).Seconds()*l.rate)
	b.last = now

	if b.tokens < 1 {
		if l.rate <= 0 {
			return 0, time.Minute, false
		}
		return 0, time.Duration((1 - b.tokens) / l.rate * float64(time.Second)), false
	}
	b.tokens--
	return int(b.tokens), 0, true
}

func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	l := newLimiter(cfg)
	limit := strconv.Itoa(cfg.Burst)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := "ip:" + c.RealIP()
			if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
				key = "user:" + uid
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)

			remaining, wait, ok := l.take(key)
			if !ok {
				h.Set("X-RateLimit-Remaining", "0")
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				return echo.NewHTTPError(http.StatusTooManyRequests, "too many submissions, retry later")
			}
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			return next(c)
		}
	}
}
