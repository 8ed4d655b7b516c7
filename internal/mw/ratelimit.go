package mw

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"winedispense-backend/internal/apperr"
)

// KeyFunc picks the bucket a request is counted against.
type KeyFunc func(c *gin.Context) string

// ByClientIP counts requests per client address.
func ByClientIP(c *gin.Context) string {
	return c.ClientIP()
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter stores a token bucket per key.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	r       rate.Limit
	b       int
	now     func() time.Time
}

// NewLimiter creates a Limiter allowing r events per second with burst b per key.
func NewLimiter(r rate.Limit, b int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		r:       r,
		b:       b,
		now:     time.Now,
	}
}

// Allow reports whether one more event for key fits in its bucket.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	bk, ok := l.buckets[key]
	if !ok {
		bk = &bucket{limiter: rate.NewLimiter(l.r, l.b)}
		l.buckets[key] = bk
	}
	bk.lastSeen = now
	return bk.limiter.AllowN(now, 1)
}

// Sweep forgets buckets that have been idle for longer than idle and
// returns how many were dropped.
func (l *Limiter) Sweep(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	dropped := 0
	for key, bk := range l.buckets {
		if bk.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RateLimit rejects requests once the caller's bucket is empty.
func RateLimit(l *Limiter, key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ByClientIP
	}
	return func(c *gin.Context) {
		if !l.Allow(key(c)) {
			meta := apperr.MetadataFor(apperr.CodeRateLimit)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"detail": meta.PublicMessage,
				"code":   apperr.CodeRateLimit,
			})
			return
		}
		c.Next()
	}
}
