package jwt

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken 无效的令牌
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken 令牌已过期
	ErrExpiredToken = errors.New("token expired")
	// ErrMissingScope 令牌缺少所需权限
	ErrMissingScope = errors.New("missing scope")
)

// 服务令牌权限
const (
	ScopeAdmin = "admin" // 允许重置、清空、修改限额等管理操作
	ScopeRead  = "read"
	ScopeWrite = "write"
)

// Claims 服务令牌声明
type Claims struct {
	Service string   `json:"svc"`
	Scopes  []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// HasScope 判断令牌是否拥有指定权限，admin 拥有全部权限
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, ScopeAdmin) || slices.Contains(c.Scopes, scope)
}

// IssuedToken 签发结果
type IssuedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Manager 服务间调用的 JWT 管理器（HS256）
type Manager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewManager 创建 JWT 管理器
func NewManager(secret, issuer string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// WithClock 替换时间源，测试使用
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Issue 为调用方服务签发令牌；ttl <= 0 时使用默认有效期
func (m *Manager) Issue(service string, scopes []string, ttl time.Duration) (*IssuedToken, error) {
	service = strings.TrimSpace(service)
	if service == "" {
		return nil, fmt.Errorf("service name is required")
	}
	if ttl <= 0 {
		ttl = m.ttl
	}

	now := m.now()
	expiresAt := now.Add(ttl)
	claims := Claims{
		Service: service,
		Scopes:  normalizeScopes(scopes),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   service,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &IssuedToken{Token: signed, ExpiresAt: expiresAt.UTC().Truncate(time.Second)}, nil
}

// Validate 验证令牌并返回声明
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Service == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Require 验证令牌并检查权限
func (m *Manager) Require(tokenString, scope string) (*Claims, error) {
	claims, err := m.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	if scope != "" && !claims.HasScope(scope) {
		return nil, fmt.Errorf("%w: %s", ErrMissingScope, scope)
	}
	return claims, nil
}

func normalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		out = append(out, ScopeRead, ScopeWrite)
	}
	return out
}
