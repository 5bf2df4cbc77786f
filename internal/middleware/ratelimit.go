package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"sendcore/backend/internal/monitoring"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter 按来源 IP 的令牌桶限流
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
	idle     time.Duration
	metrics  *monitoring.Metrics
	now      func() time.Time
}

// NewIPRateLimiter 创建限流器，rps <= 0 表示不限流
func NewIPRateLimiter(rps float64, burst int, metrics *monitoring.Metrics) *IPRateLimiter {
	if burst <= 0 {
		burst = int(math.Max(1, rps))
	}
	return &IPRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		idle:     10 * time.Minute,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Allow 判断该 IP 当前请求是否放行
func (l *IPRateLimiter) Allow(ip string) bool {
	if l.rps <= 0 {
		return true
	}

	l.mu.Lock()
	now := l.now()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

// Cleanup 清理长时间未出现的 IP，返回清理数量
func (l *IPRateLimiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.idle)
	removed := 0
	for ip, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, ip)
			removed++
		}
	}
	return removed
}

// Middleware 返回 gin 限流中间件
func (l *IPRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.Allow(c.ClientIP()) {
			c.Next()
			return
		}

		l.metrics.RecordRateLimitBlock("http")
		retryAfter := 1
		if l.rps > 0 && l.rps < 1 {
			retryAfter = int(math.Ceil(1 / float64(l.rps)))
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"code": http.StatusTooManyRequests,
			"msg":  "请求过于频繁，请稍后重试",
			"data": gin.H{"retryAfter": retryAfter},
		})
	}
}
