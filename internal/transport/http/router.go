package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sendcore/backend/internal/auth/jwt"
	"sendcore/backend/internal/config"
	"sendcore/backend/internal/dedup"
	"sendcore/backend/internal/health"
	"sendcore/backend/internal/inbox"
	"sendcore/backend/internal/middleware"
	"sendcore/backend/internal/monitoring"
	"sendcore/backend/internal/ratelimit"
	"sendcore/backend/internal/warmup"
	"sendcore/backend/internal/websocket"
)

// maxBodyBytes 请求体上限，所有接口都是小 JSON
const maxBodyBytes = 1 << 20

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config       *config.Config
	Selector     *inbox.Service
	Warmup       *warmup.Limiter
	Governor     *ratelimit.Governor
	Dedup        *dedup.Deduplicator
	Auth         *middleware.ServiceAuth
	RateLimiter  *middleware.IPRateLimiter // 为 nil 时不限流
	WebSocketHub *websocket.Hub            // 为 nil 时不提供事件流
	Health       *health.HealthChecker
	Metrics      *monitoring.Metrics
	Logger       *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Auth == nil {
		deps.Auth = middleware.NewServiceAuth(nil, deps.Logger)
	}

	router := gin.New()
	mon := middleware.NewMonitoringMiddleware(deps.Metrics, deps.Logger)

	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(mon.HTTPMetrics())
	router.Use(mon.PanicRecovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestSizeLimit(maxBodyBytes))
	router.Use(gincors.New(corsConfig(deps.Config)))

	// 运维端点不经过认证与限流
	if deps.Health != nil {
		router.GET("/health/live", gin.WrapH(deps.Health.LiveHandler()))
		router.GET("/health/ready", gin.WrapH(deps.Health.ReadyHandler()))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	v1 := router.Group("/v1")
	if deps.RateLimiter != nil {
		v1.Use(deps.RateLimiter.Middleware())
	}

	read := deps.Auth.Require(jwt.ScopeRead)
	write := deps.Auth.Require(jwt.ScopeWrite)
	admin := deps.Auth.Require(jwt.ScopeAdmin)

	// ========== Selector Routes ==========
	sel := &selectorHandler{svc: deps.Selector}
	selector := v1.Group("/selector")
	{
		selector.POST("/register", write, sel.register)
		selector.POST("/select-next", write, sel.selectNext)
		selector.POST("/mark-success", write, sel.markSuccess)
		selector.POST("/mark-failure", write, sel.markFailure)
		selector.POST("/mark-bounce", write, sel.markBounce)
		selector.GET("/health", read, sel.health)
		selector.POST("/reset-circuit", admin, sel.resetCircuit)
		selector.DELETE("/inboxes/:id", admin, sel.remove)
		selector.POST("/clear", admin, sel.clear)
	}

	// ========== Warmup Routes ==========
	wu := &warmupHandler{svc: deps.Warmup}
	warm := v1.Group("/warmup")
	{
		warm.POST("/register-inbox", write, wu.registerInbox)
		warm.POST("/can-send", read, wu.canSend)
		warm.POST("/increment", write, wu.increment)
		warm.POST("/record-bounce", write, wu.recordBounce)
		warm.GET("/status", read, wu.status)
		warm.POST("/pause", admin, wu.pause)
		warm.POST("/resume", admin, wu.resume)
		warm.POST("/daily-reset", admin, wu.dailyReset)
	}

	// ========== Governor Routes ==========
	gov := &governorHandler{svc: deps.Governor}
	governor := v1.Group("/governor")
	{
		governor.POST("/check", read, gov.check)
		governor.POST("/consume", write, gov.consume)
		governor.POST("/rate-limited", write, gov.rateLimited)
		governor.GET("/status", read, gov.status)
		governor.POST("/reset", admin, gov.reset)
		governor.POST("/set-limits", admin, gov.setLimits)
		governor.POST("/budget", admin, gov.budget)
	}

	// ========== Dedup Routes ==========
	dd := &dedupHandler{svc: deps.Dedup}
	dedupRoutes := v1.Group("/dedup")
	{
		dedupRoutes.POST("/check", read, dd.check)
		dedupRoutes.POST("/exists", read, dd.exists)
		dedupRoutes.GET("/stats", read, dd.stats)
		dedupRoutes.POST("/register", write, dd.register)
		dedupRoutes.POST("/cleanup", admin, dd.cleanup)
	}

	// ========== Event Stream ==========
	// WebSocket 自行校验 ?token=，浏览器无法设置 Authorization 头
	if deps.WebSocketHub != nil {
		v1.GET("/events/ws", websocket.HandleWebSocket(deps.WebSocketHub))
	}

	router.NoRoute(func(c *gin.Context) {
		NotFound(c, MsgNotFound)
	})

	return router
}

func corsConfig(cfg *config.Config) gincors.Config {
	origins := []string{"*"}
	if cfg != nil && len(cfg.CORS.AllowedOrigins) > 0 {
		origins = cfg.CORS.AllowedOrigins
	}

	c := gincors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderRequestID},
		ExposeHeaders:    []string{"Content-Length", "Retry-After", middleware.HeaderRequestID},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range origins {
		if origin == "*" {
			c.AllowCredentials = false
			c.AllowOrigins = nil
			c.AllowAllOrigins = true
			break
		}
	}
	return c
}
