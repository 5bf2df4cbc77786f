package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sendcore/backend/internal/monitoring"
)

// defaultSlowThreshold actor 调用都在内存中完成，超过该耗时视为异常
const defaultSlowThreshold = 500 * time.Millisecond

// MonitoringMiddleware 请求指标与 panic 恢复
type MonitoringMiddleware struct {
	metrics *monitoring.Metrics
	logger  *zap.Logger
	slow    time.Duration
}

// NewMonitoringMiddleware 创建监控中间件，metrics 可以为 nil
func NewMonitoringMiddleware(metrics *monitoring.Metrics, logger *zap.Logger) *MonitoringMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MonitoringMiddleware{
		metrics: metrics,
		logger:  logger.Named("http"),
		slow:    defaultSlowThreshold,
	}
}

// WithSlowThreshold 设置慢请求告警阈值，<= 0 关闭
func (mm *MonitoringMiddleware) WithSlowThreshold(d time.Duration) *MonitoringMiddleware {
	mm.slow = d
	return mm
}

// HTTPMetrics 按路由模板记录请求数与耗时，未匹配的路由归为 unmatched
func (mm *MonitoringMiddleware) HTTPMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		mm.metrics.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), elapsed)

		if mm.slow > 0 && elapsed > mm.slow {
			mm.logger.Warn("slow request",
				zap.String("component", component(route)),
				zap.String("route", route),
				zap.Duration("elapsed", elapsed),
				zap.String("request_id", c.GetString(ContextKeyRequestID)),
			)
		}
	}
}

// PanicRecovery 捕获处理器 panic，计数后返回 500
//
// 响应已经开始写出时只中断请求，不再追加响应体。
func (mm *MonitoringMiddleware) PanicRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			mm.metrics.RecordPanic()
			mm.logger.Error("panic recovered",
				zap.Any("panic", recovered),
				zap.String("component", component(c.FullPath())),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.String("request_id", c.GetString(ContextKeyRequestID)),
				zap.Stack("stack"),
			)

			if c.Writer.Written() {
				c.Abort()
				return
			}
			abortJSON(c, http.StatusInternalServerError, "服务器内部错误，请稍后重试")
		}()

		c.Next()
	}
}

// component 从路由模板中取出 actor 名称，如 /v1/selector/health -> selector
func component(route string) string {
	parts := strings.Split(strings.Trim(route, "/"), "/")
	if len(parts) >= 2 && parts[0] == "v1" {
		return parts[1]
	}
	if parts[0] == "" {
		return "unmatched"
	}
	return parts[0]
}
