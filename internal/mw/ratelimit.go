package mw

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter 按 IP+路由维护令牌桶，空闲超过 ttl 的桶会被回收。
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	r       rate.Limit
	burst   int
	ttl     time.Duration
	stop    chan struct{}
	once    sync.Once
}

// NewLimiter 创建限速器并启动回收 goroutine，停服时调用 Stop。
func NewLimiter(r rate.Limit, burst int, ttl time.Duration) *Limiter {
	l := &Limiter{buckets: make(map[string]*bucket), r: r, burst: burst, ttl: ttl, stop: make(chan struct{})}
	go l.gc()
	return l
}

func (l *Limiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.r, l.burst)}
		l.buckets[key] = b
	}
	b.seen = time.Now()
	return b.lim.Allow()
}

func (l *Limiter) gc() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			now := time.Now()
			l.mu.Lock()
			for k, b := range l.buckets {
				if now.Sub(b.seen) > l.ttl {
					delete(l.buckets, k)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Stop 停止回收 goroutine，可重复调用。
func (l *Limiter) Stop() { l.once.Do(func() { close(l.stop) }) }

// Handler 返回 gin 限速中间件，超限返回 429。
func (l *Limiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !l.allow(c.ClientIP() + "|" + path) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
