package httptransport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sendcore/backend/internal/auth/jwt"
	"sendcore/backend/internal/config"
	"sendcore/backend/internal/dedup"
	"sendcore/backend/internal/domain"
	"sendcore/backend/internal/health"
	"sendcore/backend/internal/inbox"
	"sendcore/backend/internal/middleware"
	"sendcore/backend/internal/monitoring"
	"sendcore/backend/internal/ratelimit"
	"sendcore/backend/internal/storage/memory"
	"sendcore/backend/internal/warmup"
)

const testSecret = "router-test-secret-key-32-characters!!"

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router  *gin.Engine
	manager *jwt.Manager
}

func newTestEnv(t *testing.T, withAuth bool) *testEnv {
	t.Helper()
	store := memory.NewStore()
	now := func() time.Time { return testNow }
	log := zap.NewNop()
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())

	var manager *jwt.Manager
	if withAuth {
		manager = jwt.NewManager(testSecret, "sendcore", time.Hour).WithClock(now)
	}

	deps := RouterDependencies{
		Config:   &config.Config{},
		Selector: inbox.NewService(store, inbox.Options{Now: now, Metrics: metrics}),
		Warmup:   warmup.NewLimiter(store, warmup.Options{Now: now, Metrics: metrics}),
		Governor: ratelimit.NewGovernor(store, ratelimit.Options{
			Providers: map[string]domain.ProviderLimits{
				"openai": {TokensPerMinute: 100, RequestsPerMinute: 10},
			},
			Now:     now,
			Metrics: metrics,
		}),
		Dedup:   dedup.New(store, dedup.Options{Now: now, Metrics: metrics}),
		Auth:    middleware.NewServiceAuth(manager, log),
		Health:  health.NewHealthChecker(store, log, health.Options{}),
		Metrics: metrics,
		Logger:  log,
	}
	return &testEnv{router: NewRouter(deps), manager: manager}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, token string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp map[string]interface{}
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" &&
		bytes.HasPrefix(bytes.TrimSpace(w.Body.Bytes()), []byte("{")) {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func data(t *testing.T, resp map[string]interface{}) map[string]interface{} {
	t.Helper()
	d, ok := resp["data"].(map[string]interface{})
	require.True(t, ok, "response has no data object: %v", resp)
	return d
}

func TestRouter_Selector(t *testing.T) {
	env := newTestEnv(t, false)

	t.Run("无可用邮箱时返回503", func(t *testing.T) {
		w, resp := env.do(t, http.MethodPost, "/v1/selector/select-next", nil, "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "30", w.Header().Get("Retry-After"))
		assert.Equal(t, MsgNoInboxAvailable, resp["msg"])
	})

	t.Run("首次注册返回201", func(t *testing.T) {
		w, resp := env.do(t, http.MethodPost, "/v1/selector/register",
			domain.SenderIdentity{ID: "a", Provider: "gmail", Email: "a@example.com"}, "")
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, true, data(t, resp)["created"])
	})

	t.Run("重复注册返回200", func(t *testing.T) {
		w, resp := env.do(t, http.MethodPost, "/v1/selector/register",
			domain.SenderIdentity{ID: "a", Provider: "gmail", Email: "a+new@example.com"}, "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, data(t, resp)["updated"])
	})

	t.Run("缺少邮箱返回400", func(t *testing.T) {
		w, _ := env.do(t, http.MethodPost, "/v1/selector/register", domain.SenderIdentity{ID: "b"}, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("选择已注册邮箱", func(t *testing.T) {
		w, resp := env.do(t, http.MethodPost, "/v1/selector/select-next", nil, "")
		require.Equal(t, http.StatusOK, w.Code)
		identity := data(t, resp)["identity"].(map[string]interface{})
		assert.Equal(t, "a", identity["id"])
	})

	t.Run("记录成功与失败", func(t *testing.T) {
		w, _ := env.do(t, http.MethodPost, "/v1/selector/mark-success", gin.H{"id": "a", "latencyMs": 120}, "")
		assert.Equal(t, http.StatusOK, w.Code)

		w, _ = env.do(t, http.MethodPost, "/v1/selector/mark-failure", gin.H{"id": "a", "error": "timeout"}, "")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("未知邮箱返回404", func(t *testing.T) {
		w, resp := env.do(t, http.MethodPost, "/v1/selector/mark-bounce", gin.H{"id": "ghost"}, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, MsgInboxNotFound, resp["msg"])
	})

	t.Run("请求体格式错误返回400", func(t *testing.T) {
		w, resp := env.do(t, http.MethodPost, "/v1/selector/mark-success", gin.H{"latencyMs": 1}, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, MsgInvalidRequest, resp["msg"])
	})

	t.Run("健康快照", func(t *testing.T) {
		w, resp := env.do(t, http.MethodGet, "/v1/selector/health", nil, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.EqualValues(t, 1, data(t, resp)["total"])
	})

	t.Run("删除与清空", func(t *testing.T) {
		w, _ := env.do(t, http.MethodDelete, "/v1/selector/inboxes/a", nil, "")
		assert.Equal(t, http.StatusOK, w.Code)

		w, _ = env.do(t, http.MethodDelete, "/v1/selector/inboxes/a", nil, "")
		assert.Equal(t, http.StatusNotFound, w.Code)

		w, resp := env.do(t, http.MethodPost, "/v1/selector/clear", nil, "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.EqualValues(t, 0, data(t, resp)["removed"])
	})
}

func TestRouter_Warmup(t *testing.T) {
	env := newTestEnv(t, false)
	body := warmup.RegisterRequest{ID: "w1", Email: "w1@example.com", Provider: "gmail"}

	w, _ := env.do(t, http.MethodPost, "/v1/warmup/register-inbox", body, "")
	require.Equal(t, http.StatusCreated, w.Code)

	t.Run("重复注册返回409", func(t *testing.T) {
		w, resp := env.do(t, http.MethodPost, "/v1/warmup/register-inbox", body, "")
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, MsgInboxExists, resp["msg"])
	})

	t.Run("暂停后不能发送但仍返回200", func(t *testing.T) {
		w, _ := env.do(t, http.MethodPost, "/v1/warmup/pause", gin.H{"id": "w1", "reason": "manual"}, "")
		require.Equal(t, http.StatusOK, w.Code)

		w, resp := env.do(t, http.MethodPost, "/v1/warmup/can-send", gin.H{"id": "w1"}, "")
		require.Equal(t, http.StatusOK, w.Code)
		d := data(t, resp)
		assert.Equal(t, false, d["allowed"])
		assert.Contains(t, d["reason"], warmup.ReasonPaused)
		assert.Greater(t, d["retryAfter"], float64(0))
	})

	t.Run("恢复后可以发送", func(t *testing.T) {
		w, _ := env.do(t, http.MethodPost, "/v1/warmup/resume", gin.H{"id": "w1"}, "")
		require.Equal(t, http.StatusOK, w.Code)

		w, resp := env.do(t, http.MethodPost, "/v1/warmup/can-send", gin.H{"id": "w1"}, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, data(t, resp)["allowed"])

		w, _ = env.do(t, http.MethodPost, "/v1/warmup/increment", gin.H{"id": "w1"}, "")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("状态列表", func(t *testing.T) {
		w, resp := env.do(t, http.MethodGet, "/v1/warmup/status", nil, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.EqualValues(t, 1, data(t, resp)["count"])
	})

	t.Run("每日重置", func(t *testing.T) {
		w, resp := env.do(t, http.MethodPost, "/v1/warmup/daily-reset", nil, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, data(t, resp), "reset")
	})

	t.Run("未知邮箱返回404", func(t *testing.T) {
		w, _ := env.do(t, http.MethodPost, "/v1/warmup/record-bounce", gin.H{"id": "ghost"}, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestRouter_Governor(t *testing.T) {
	env := newTestEnv(t, false)

	t.Run("额度内放行", func(t *testing.T) {
		w, resp := env.do(t, http.MethodPost, "/v1/governor/check", gin.H{"provider": "openai", "tokens": 50}, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, data(t, resp)["allowed"])
	})

	t.Run("超出分钟额度返回200且不放行", func(t *testing.T) {
		w, _ := env.do(t, http.MethodPost, "/v1/governor/consume", gin.H{"provider": "openai", "tokens": 90}, "")
		require.Equal(t, http.StatusOK, w.Code)

		w, resp := env.do(t, http.MethodPost, "/v1/governor/check", gin.H{"provider": "openai", "tokens": 50}, "")
		require.Equal(t, http.StatusOK, w.Code)
		d := data(t, resp)
		assert.Equal(t, false, d["allowed"])
		assert.Equal(t, ratelimit.ReasonMinuteTokenLimit, d["reason"])
	})

	t.Run("未知供应商返回404", func(t *testing.T) {
		w, resp := env.do(t, http.MethodPost, "/v1/governor/consume", gin.H{"provider": "nobody", "tokens": 1}, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, MsgProviderNotFound, resp["msg"])
	})

	t.Run("重置全部供应商", func(t *testing.T) {
		w, resp := env.do(t, http.MethodPost, "/v1/governor/reset", nil, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.EqualValues(t, 1, data(t, resp)["reset"])
	})

	t.Run("调整限额与预算", func(t *testing.T) {
		w, _ := env.do(t, http.MethodPost, "/v1/governor/set-limits", gin.H{"provider": "openai", "tokensPerMinute": 500}, "")
		require.Equal(t, http.StatusOK, w.Code)

		w, resp := env.do(t, http.MethodPost, "/v1/governor/budget", gin.H{"dailyBudgetUsd": 5}, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.EqualValues(t, 5, data(t, resp)["dailyBudgetUsd"])

		w, _ = env.do(t, http.MethodPost, "/v1/governor/budget", gin.H{}, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("上报限流", func(t *testing.T) {
		w, _ := env.do(t, http.MethodPost, "/v1/governor/rate-limited", gin.H{"provider": "openai", "retryAfter": 20}, "")
		require.Equal(t, http.StatusOK, w.Code)

		w, resp := env.do(t, http.MethodPost, "/v1/governor/check", gin.H{"provider": "openai", "tokens": 1}, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, ratelimit.ReasonBackoff, data(t, resp)["reason"])
	})
}

func TestRouter_Dedup(t *testing.T) {
	env := newTestEnv(t, false)
	prospect := gin.H{"name": "Grand Plaza Hotel", "city": "Austin", "source": "maps"}

	w, _ := env.do(t, http.MethodPost, "/v1/dedup/register", prospect, "")
	require.Equal(t, http.StatusCreated, w.Code)

	w, _ = env.do(t, http.MethodPost, "/v1/dedup/register", prospect, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp := env.do(t, http.MethodPost, "/v1/dedup/check", gin.H{"name": "grand plaza", "city": "austin"}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, data(t, resp)["isDuplicate"])

	w, resp = env.do(t, http.MethodPost, "/v1/dedup/exists", gin.H{"name": "Other Co", "city": "Austin"}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, data(t, resp)["exists"])

	w, _ = env.do(t, http.MethodGet, "/v1/dedup/stats", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = env.do(t, http.MethodPost, "/v1/dedup/cleanup", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = env.do(t, http.MethodPost, "/v1/dedup/check", gin.H{"city": "Austin"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_Auth(t *testing.T) {
	env := newTestEnv(t, true)

	issue := func(scopes ...string) string {
		tok, err := env.manager.Issue("crm", scopes, 0)
		require.NoError(t, err)
		return tok.Token
	}

	t.Run("缺少令牌返回401", func(t *testing.T) {
		w, _ := env.do(t, http.MethodGet, "/v1/selector/health", nil, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("只读令牌可以读取", func(t *testing.T) {
		w, _ := env.do(t, http.MethodGet, "/v1/selector/health", nil, issue(jwt.ScopeRead))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("只读令牌不能写入", func(t *testing.T) {
		w, _ := env.do(t, http.MethodPost, "/v1/selector/register",
			domain.SenderIdentity{ID: "a", Email: "a@example.com"}, issue(jwt.ScopeRead))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("默认权限不能执行管理操作", func(t *testing.T) {
		w, _ := env.do(t, http.MethodPost, "/v1/selector/clear", nil, issue())
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("管理员令牌可以执行管理操作", func(t *testing.T) {
		w, _ := env.do(t, http.MethodPost, "/v1/selector/clear", nil, issue(jwt.ScopeAdmin))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("健康检查无需认证", func(t *testing.T) {
		w, _ := env.do(t, http.MethodGet, "/health/live", nil, "")
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestRouter_Misc(t *testing.T) {
	env := newTestEnv(t, false)

	t.Run("未知路由返回404", func(t *testing.T) {
		w, resp := env.do(t, http.MethodGet, "/v1/nothing", nil, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, MsgNotFound, resp["msg"])
	})

	t.Run("指标端点", func(t *testing.T) {
		env.do(t, http.MethodGet, "/v1/selector/health", nil, "")
		w, _ := env.do(t, http.MethodGet, "/metrics", nil, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "sendcore_")
	})

	t.Run("响应带请求ID", func(t *testing.T) {
		w, _ := env.do(t, http.MethodGet, "/v1/selector/health", nil, "")
		assert.NotEmpty(t, w.Header().Get(middleware.HeaderRequestID))
	})
}
