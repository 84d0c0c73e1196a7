package middleware

import (
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"deskflow/internal/config"
	"deskflow/internal/metrics"

	"github.com/gin-gonic/gin"
)

// tokenBucket refills continuously at ratePerSec up to burst.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64
	burst      float64
}

func newBucket(rpm, burst int) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: time.Now(),
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens = min(b.burst, b.tokens+elapsed*b.ratePerSec)
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// limiter holds one bucket per client key for a path prefix.
type limiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	cfg     config.PathRateLimitConfig
}

func newLimiter(cfg config.PathRateLimitConfig) *limiter {
	return &limiter{buckets: make(map[string]*tokenBucket), cfg: cfg}
}

func (l *limiter) bucket(key string) *tokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = newBucket(l.cfg.RequestsPerMinute, l.cfg.Burst)
		l.buckets[key] = b
	}
	return b
}

// RateLimitMiddleware applies per-client-IP token buckets. The first enabled
// Paths entry whose prefix matches the request wins; otherwise the global
// limit applies. Whitelisted IPs bypass both.
func RateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	var paths []*limiter
	for _, p := range rl.Paths {
		if p.Enabled && p.Prefix != "" && p.RequestsPerMinute > 0 {
			paths = append(paths, newLimiter(p))
		}
	}
	var global *limiter
	if rl.RequestsPerMinute > 0 {
		global = newLimiter(config.PathRateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: rl.RequestsPerMinute,
			Burst:             rl.Burst,
		})
	}

	return func(c *gin.Context) {
		key := c.ClientIP()
		if key == "" {
			key = "unknown"
		}
		if slices.Contains(rl.WhitelistIPs, key) {
			c.Next()
			return
		}

		l, label := global, "global"
		path := c.Request.URL.Path
		for _, pl := range paths {
			if strings.HasPrefix(path, pl.cfg.Prefix) {
				l, label = pl, pl.cfg.Prefix
				break
			}
		}
		if l != nil && !l.bucket(key).allow() {
			metrics.IncRateLimitDrop(label)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
