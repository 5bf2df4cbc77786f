package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sendcore/backend/internal/auth/jwt"
)

// ContextKeyService 上下文中调用方服务名的键
const ContextKeyService = "service"

// ServiceAuth 服务间 JWT 认证中间件
//
// manager 为 nil 时放行所有请求（未配置 auth.jwt_secret 的开发环境）。
type ServiceAuth struct {
	manager *jwt.Manager
	log     *zap.Logger
}

// NewServiceAuth 创建认证中间件
func NewServiceAuth(manager *jwt.Manager, log *zap.Logger) *ServiceAuth {
	if log == nil {
		log = zap.NewNop()
	}
	return &ServiceAuth{manager: manager, log: log.Named("auth")}
}

// Enabled 是否开启认证
func (sa *ServiceAuth) Enabled() bool {
	return sa.manager != nil
}

// Require 要求携带拥有 scope 权限的令牌
func (sa *ServiceAuth) Require(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if sa.manager == nil {
			c.Next()
			return
		}

		token := extractToken(c)
		if token == "" {
			abortJSON(c, http.StatusUnauthorized, "需要认证")
			return
		}

		claims, err := sa.manager.Require(token, scope)
		if err != nil {
			sa.log.Warn("service token rejected",
				zap.String("error", err.Error()),
				zap.String("scope", scope),
				zap.String("ip", c.ClientIP()),
			)
			switch {
			case errors.Is(err, jwt.ErrMissingScope):
				abortJSON(c, http.StatusForbidden, "权限不足")
			case errors.Is(err, jwt.ErrExpiredToken):
				abortJSON(c, http.StatusUnauthorized, "令牌已过期")
			default:
				abortJSON(c, http.StatusUnauthorized, "无效的访问令牌")
			}
			return
		}

		c.Set(ContextKeyService, claims.Service)
		c.Next()
	}
}

// extractToken 从 Authorization 头提取 Bearer 令牌
func extractToken(c *gin.Context) string {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func abortJSON(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"code": status, "msg": msg})
}
