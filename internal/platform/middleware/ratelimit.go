package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/ehr/compliance/internal/platform/auth"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL drops limiters for clients not seen for this long. Zero keeps
	// them for the life of the process.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
		IdleTTL:           10 * time.Minute,
	}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterStore holds one token bucket per client key.
type limiterStore struct {
	mu      sync.Mutex
	cfg     RateLimitConfig
	clients map[string]*clientLimiter
	now     func() time.Time
	swept   time.Time
}

func newLimiterStore(cfg RateLimitConfig) *limiterStore {
	return &limiterStore{
		cfg:     cfg,
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

func (s *limiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.cfg.IdleTTL > 0 && now.Sub(s.swept) >= s.cfg.IdleTTL {
		for k, cl := range s.clients {
			if now.Sub(cl.lastSeen) >= s.cfg.IdleTTL {
				delete(s.clients, k)
			}
		}
		s.swept = now
	}

	cl, ok := s.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.BurstSize)}
		s.clients[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

func (s *limiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// clientKey identifies the caller by address, qualified by the
// authenticated user when there is one.
func clientKey(c echo.Context) string {
	key := c.RealIP()
	if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
		key = uid + ":" + key
	}
	return key
}

// RateLimit rejects callers that exceed their token bucket with 429 and a
// Retry-After hint.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	return rateLimit(newLimiterStore(cfg))
}

func rateLimit(store *limiterStore) echo.MiddlewareFunc {
	limit := strconv.FormatFloat(store.cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)

			lim := store.get(clientKey(c))
			now := store.now()
			if !lim.AllowN(now, 1) {
				h.Set("Retry-After", strconv.Itoa(retryAfter(lim, now)))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			h.Set("X-RateLimit-Remaining", strconv.Itoa(int(lim.TokensAt(now))))
			return next(c)
		}
	}
}

// retryAfter is the whole number of seconds until one token is available,
// never less than one.
func retryAfter(lim *rate.Limiter, now time.Time) int {
	if lim.Limit() <= 0 {
		return 1
	}
	missing := 1 - lim.TokensAt(now)
	secs := int(math.Ceil(missing / float64(lim.Limit())))
	if secs < 1 {
		return 1
	}
	return secs
}
