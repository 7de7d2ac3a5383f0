package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/Harsh-BH/Sentinel/judge/internal/domain"
	"github.com/Harsh-BH/Sentinel/judge/internal/metrics"
)

const clientIdleTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces one token bucket per client IP (rps, burst) and a
// global bucket four times that size. A non-positive rps disables limiting.
type RateLimiter struct {
	rps   rate.Limit
	burst int

	global *rate.Limiter

	mu      sync.Mutex
	clients map[string]*clientLimiter
	now     func() time.Time
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		global:  rate.NewLimiter(rate.Limit(rps)*4, burst*4),
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

// Handler returns the gin middleware.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.rps <= 0 {
			c.Next()
			return
		}
		if !rl.Allow(c.ClientIP()) {
			metrics.RateLimited.Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": domain.ErrRateLimitExceeded.Error(),
			})
			return
		}
		c.Next()
	}
}

// Allow reports whether one more request from ip may proceed now. A token is
// taken from both buckets or from neither.
func (rl *RateLimiter) Allow(ip string) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	cl, ok := rl.clients[ip]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.clients[ip] = cl
	}
	cl.lastSeen = now

	if cl.limiter.TokensAt(now) < 1 || rl.global.TokensAt(now) < 1 {
		return false
	}
	cl.limiter.AllowN(now, 1)
	rl.global.AllowN(now, 1)
	return true
}

// Cleanup drops per-client buckets idle for longer than the idle TTL and
// returns how many were removed.
func (rl *RateLimiter) Cleanup() int {
	cutoff := rl.now().Add(-clientIdleTTL)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for ip, cl := range rl.clients {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
			removed++
		}
	}
	return removed
}

// RunCleanup calls Cleanup every interval until stop is closed.
func (rl *RateLimiter) RunCleanup(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rl.Cleanup()
		}
	}
}
