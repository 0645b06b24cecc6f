package middleware

import (
	"net/http"
	"time"

	"meetclient/pkg/cache"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const defaultLimiterIdleTTL = 10 * time.Minute

// RateLimitConfig limits control API requests per client address.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
	MaxConcurrent     int // zero disables the global cap

	// IdleTTL is how long the bucket of a quiet client is kept.
	IdleTTL time.Duration
}

// NewRateLimitMiddleware throttles each client address with its own token
// bucket and caps concurrent control requests. The address is gin's
// ClientIP, so forwarded headers only count behind trusted proxies.
func NewRateLimitMiddleware(cfg RateLimitConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	idle := cfg.IdleTTL
	if idle <= 0 {
		idle = defaultLimiterIdleTTL
	}
	limiters := cache.New[string, *rate.Limiter](idle, idle)
	limiterFor := func(key string) *rate.Limiter {
		limiter, ok := limiters.Get(key)
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
			if !limiters.SetIfAbsent(key, limiter) {
				if current, ok := limiters.Get(key); ok {
					limiter = current
				}
			}
		}
		// touch so an active client keeps its bucket
		limiters.Set(key, limiter)
		return limiter
	}

	var inFlight chan struct{}
	if cfg.MaxConcurrent > 0 {
		inFlight = make(chan struct{}, cfg.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if inFlight != nil {
			select {
			case inFlight <- struct{}{}:
				defer func() { <-inFlight }()
			default:
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error": "too many concurrent requests",
				})
				return
			}
		}

		if !limiterFor(c.ClientIP()).Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
