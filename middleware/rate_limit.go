package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xiaolu219/banana-slides/pkg/logger"
)

// RateLimiter implements a fixed-window counter per client IP. Each client
// gets its own window so one noisy client does not reset everyone's budget.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientWindow
	rate    int           // requests per window
	window  time.Duration // time window
}

type clientWindow struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*clientWindow),
		rate:    rate,
		window:  window,
	}
}

// Allow records one request for the client and reports whether it fits in
// the current window.
func (l *RateLimiter) Allow(clientIP string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cw, ok := l.clients[clientIP]
	if !ok || now.After(cw.resetAt) {
		cw = &clientWindow{resetAt: now.Add(l.window)}
		l.clients[clientIP] = cw
	}
	if cw.count >= l.rate {
		return false
	}
	cw.count++
	return true
}

// RateLimit middleware limits requests per IP. Generation trigger routes are
// given a tighter budget than the polling routes.
func RateLimit(rate int, window time.Duration) gin.HandlerFunc {
	limiter := NewRateLimiter(rate, window)

	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if !limiter.Allow(clientIP) {
			logger.Warn(c.Request.Context(), "rate limit exceeded",
				"client_ip", clientIP,
				"path", c.Request.URL.Path,
			)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded. Please try again later.",
			})
			return
		}
		c.Next()
	}
}
