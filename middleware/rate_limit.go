package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// clientLimiter is the token bucket of one client
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter caps how often a client may call a guarded endpoint. Each
// client may burst maxRequests calls, then earns one call back every
// windowPeriod/maxRequests.
type RateLimiter struct {
	mu           sync.Mutex
	clients      map[string]*clientLimiter
	maxRequests  int
	windowPeriod time.Duration
	now          func() time.Time
}

// NewRateLimiter creates a new rate limiter
// maxRequests: requests allowed per client within the window
// windowPeriod: time window for counting requests
func NewRateLimiter(maxRequests int, windowPeriod time.Duration) *RateLimiter {
	if maxRequests < 1 {
		maxRequests = 1
	}
	return &RateLimiter{
		clients:      make(map[string]*clientLimiter),
		maxRequests:  maxRequests,
		windowPeriod: windowPeriod,
		now:          time.Now,
	}
}

// Allow records a request from key and reports whether it is within the
// limit, with the time to wait when it is not.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.cleanup(now)

	c, exists := rl.clients[key]
	if !exists {
		every := rl.windowPeriod / time.Duration(rl.maxRequests)
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Every(every), rl.maxRequests)}
		rl.clients[key] = c
	}
	c.lastSeen = now

	r := c.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// cleanup drops clients idle for a full window, whose buckets are full again;
// callers hold mu
func (rl *RateLimiter) cleanup(now time.Time) {
	for key, c := range rl.clients {
		if now.Sub(c.lastSeen) >= rl.windowPeriod {
			delete(rl.clients, key)
		}
	}
}

// Middleware rejects clients over the limit with 429
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retryAfter := rl.Allow(c.ClientIP())
		if !allowed {
			seconds := int(retryAfter.Seconds()) + 1
			c.Header("Retry-After", fmt.Sprintf("%d", seconds))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "too_many_requests",
				"message": fmt.Sprintf("Too many requests. Try again in %d seconds", seconds),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
