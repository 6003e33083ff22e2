package middleware

import (
	"time"

	"huddle/pkg/cache"
	"huddle/pkg/config"
	apperrors "huddle/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdleTTL bounds how long an idle client's limiter is remembered.
const limiterIdleTTL = 10 * time.Minute

// rateLimiterStore stores per-key (user id or client IP) rate limiters.
type rateLimiterStore struct {
	limiters  *cache.Cache[*rate.Limiter]
	rate      rate.Limit
	burstSize int
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  cache.New[*rate.Limiter](limiterIdleTTL),
		rate:      r,
		burstSize: burst,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	if limiter, ok := s.limiters.Get(key); ok {
		return limiter
	}
	limiter := rate.NewLimiter(s.rate, s.burstSize)
	if !s.limiters.Add(key, limiter) {
		if existing, ok := s.limiters.Get(key); ok {
			return existing
		}
	}
	return limiter
}

// rateLimitKey prefers the authenticated user over the client address.
func rateLimitKey(c *gin.Context) string {
	if claims, ok := ClaimsFrom(c); ok {
		return "user:" + string(claims.UserID)
	}
	return "ip:" + c.ClientIP()
}

// NewHTTPRateLimitMiddleware returns Gin middleware that limits each client
// to the configured request rate.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	store := newRateLimiterStore(
		rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond),
		cfg.RateLimiting.HTTP.Burst,
	)

	return func(c *gin.Context) {
		limiter := store.getLimiter(rateLimitKey(c))
		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.Error(apperrors.NewRateLimitError())
			c.Abort()
			return
		}
		c.Next()
	}
}
