package server

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterPool keeps one token bucket per client key.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   rate.Limit
	burst int
}

func newLimiterPool(perMinute int) *limiterPool {
	return &limiterPool{
		m:     make(map[string]*rate.Limiter),
		rps:   rate.Limit(float64(perMinute) / 60.0),
		burst: perMinute,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if limiter, ok := p.m[key]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(p.rps, p.burst)
	p.m[key] = limiter
	return limiter
}

func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

// rateLimitMiddleware applies a per-IP token bucket.
func rateLimitMiddleware(pool *limiterPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !pool.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"message": "요청이 너무 많습니다. 잠시 후 다시 시도해주세요.",
				"code":    "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}
