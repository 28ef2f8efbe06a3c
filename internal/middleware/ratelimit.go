package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// clientIdleEviction is how long a client's bucket may sit unused
// before a later request prunes it.
const clientIdleEviction = 10 * time.Minute

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimit enforces a per-client token bucket keyed by client IP.
// Buckets are pruned inline once they go idle, so there is no
// background janitor goroutine to shut down.
func RateLimit(perSecond float64, burst int) gin.HandlerFunc {
	var (
		mu      sync.Mutex
		clients = make(map[string]*clientBucket)
	)

	return func(c *gin.Context) {
		key := c.ClientIP()
		now := time.Now()

		mu.Lock()
		b, ok := clients[key]
		if !ok {
			for ip, stale := range clients {
				if now.Sub(stale.lastSeen) > clientIdleEviction {
					delete(clients, ip)
				}
			}
			b = &clientBucket{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
			clients[key] = b
		}
		b.lastSeen = now
		allowed := b.limiter.Allow()
		mu.Unlock()

		if !allowed {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"success": false, "error": "RATE_LIMITED"})
			return
		}
		c.Next()
	}
}
