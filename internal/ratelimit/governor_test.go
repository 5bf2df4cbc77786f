package ratelimit

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"sendcore/backend/internal/domain"
	"sendcore/backend/internal/events"
	"sendcore/backend/internal/storage"
	"sendcore/backend/internal/storage/memory"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func defaultProviders() map[string]domain.ProviderLimits {
	return map[string]domain.ProviderLimits{
		"openai":    {TokensPerMinute: 100000, RequestsPerMinute: 1000, TokensPerDay: 5000000, CostPerToken: 0.00001},
		"Anthropic": {TokensPerMinute: 100000, RequestsPerMinute: 1000, TokensPerDay: 5000000, CostPerToken: 0.000015},
	}
}

func newTestGovernor(store storage.StateStore, providers map[string]domain.ProviderLimits, budget float64) (*Governor, *fakeClock, *events.Recorder) {
	clock := &fakeClock{now: t0}
	rec := &events.Recorder{}
	g := NewGovernor(store, Options{
		Providers:      providers,
		DailyBudgetUSD: budget,
		Now:            clock.Now,
		Events:         rec,
	})
	return g, clock, rec
}

func float64Ptr(v float64) *float64 { return &v }
func int64Ptr(v int64) *int64       { return &v }
func intPtr(v int) *int             { return &v }

func TestGovernor_MinuteTokenLimit(t *testing.T) {
	ctx := context.Background()
	g, clock, _ := newTestGovernor(memory.NewStore(), defaultProviders(), 50)

	_, err := g.Consume(ctx, "openai", 99900, nil)
	require.NoError(t, err)

	res, err := g.Check(ctx, "openai", 200)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonMinuteTokenLimit, res.Reason)
	assert.Equal(t, 60, res.RetryAfter)

	res, err = g.Check(ctx, "openai", 100)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	require.NotNil(t, res.Remaining)
	assert.Equal(t, int64(100), res.Remaining.MinuteTokens)
	assert.Equal(t, int64(999), res.Remaining.MinuteRequests)

	// 窗口从上次重置开始滚动 60 秒
	clock.Advance(60 * time.Second)
	res, err = g.Check(ctx, "openai", 200)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestGovernor_MinuteRequestLimit(t *testing.T) {
	ctx := context.Background()
	g, clock, _ := newTestGovernor(memory.NewStore(), map[string]domain.ProviderLimits{
		"mistral": {RequestsPerMinute: 2},
	}, 0)

	for i := 0; i < 2; i++ {
		_, err := g.Consume(ctx, "mistral", 10, nil)
		require.NoError(t, err)
	}

	clock.Advance(20 * time.Second)
	res, err := g.Check(ctx, "mistral", 10)
	require.NoError(t, err)
	assert.Equal(t, ReasonMinuteRequestLimit, res.Reason)
	assert.Equal(t, 40, res.RetryAfter)
}

func TestGovernor_DailyLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("日token上限", func(t *testing.T) {
		g, clock, _ := newTestGovernor(memory.NewStore(), map[string]domain.ProviderLimits{
			"openai": {TokensPerDay: 1000},
		}, 0)
		_, err := g.Consume(ctx, "openai", 900, nil)
		require.NoError(t, err)

		res, err := g.Check(ctx, "openai", 200)
		require.NoError(t, err)
		assert.Equal(t, ReasonDailyTokenLimit, res.Reason)
		assert.Equal(t, 14*3600, res.RetryAfter)

		clock.Advance(14 * time.Hour)
		res, err = g.Check(ctx, "openai", 200)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	})

	t.Run("跨供应商共享预算", func(t *testing.T) {
		g, _, rec := newTestGovernor(memory.NewStore(), defaultProviders(), 1.0)

		_, err := g.Consume(ctx, "openai", 100, float64Ptr(0.95))
		require.NoError(t, err)

		// 4000 × 0.000015 = 0.06 > 剩余 0.05
		res, err := g.Check(ctx, "anthropic", 4000)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, ReasonDailyBudget, res.Reason)

		res, err = g.Check(ctx, "anthropic", 3000)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.InDelta(t, 0.05, res.Remaining.BudgetUSD, 1e-9)

		_, err = g.Consume(ctx, "anthropic", 4000, nil)
		require.NoError(t, err)
		_, err = g.Consume(ctx, "anthropic", 10, nil)
		require.NoError(t, err)
		assert.Len(t, rec.OfType(events.TypeBudgetExhausted), 1)
	})
}

func TestGovernor_Backoff(t *testing.T) {
	ctx := context.Background()
	g, clock, rec := newTestGovernor(memory.NewStore(), defaultProviders(), 50)

	first, err := g.ReportThrottled(ctx, "openai", nil)
	require.NoError(t, err)
	assert.Equal(t, 30, first.BackoffSeconds)
	assert.Equal(t, 1, first.ConsecutiveThrottles)

	second, err := g.ReportThrottled(ctx, "openai", nil)
	require.NoError(t, err)
	assert.Equal(t, 60, second.BackoffSeconds)
	assert.Equal(t, t0.Add(60*time.Second), second.BackoffUntil)

	t.Run("退避优先于其他检查", func(t *testing.T) {
		res, err := g.Check(ctx, "openai", 10_000_000)
		require.NoError(t, err)
		assert.Equal(t, ReasonBackoff, res.Reason)
		assert.Equal(t, 60, res.RetryAfter)
	})

	t.Run("供应商给出的重试时间优先", func(t *testing.T) {
		res, err := g.ReportThrottled(ctx, "anthropic", intPtr(7))
		require.NoError(t, err)
		assert.Equal(t, 7, res.BackoffSeconds)
	})

	t.Run("退避到期后放行", func(t *testing.T) {
		clock.Advance(61 * time.Second)
		res, err := g.Check(ctx, "openai", 10)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	})

	t.Run("成功消耗清除退避", func(t *testing.T) {
		_, err := g.ReportThrottled(ctx, "openai", nil)
		require.NoError(t, err)

		status, err := g.Consume(ctx, "openai", 10, nil)
		require.NoError(t, err)
		assert.Nil(t, status.BackoffUntil)
		assert.Equal(t, 0, status.ConsecutiveThrottles)
		assert.False(t, status.InBackoff)

		res, err := g.ReportThrottled(ctx, "openai", nil)
		require.NoError(t, err)
		assert.Equal(t, 30, res.BackoffSeconds)
	})

	assert.NotEmpty(t, rec.OfType(events.TypeProviderThrottle))
}

func TestGovernor_Validation(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGovernor(memory.NewStore(), defaultProviders(), 50)

	_, err := g.Check(ctx, "cohere", 10)
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = g.Check(ctx, "openai", -1)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = g.Consume(ctx, "openai", 1, float64Ptr(-2))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = g.SetBudget(ctx, -1)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = g.SetLimits(ctx, "openai", domain.ProviderLimitsPatch{TokensPerDay: int64Ptr(-5)})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestGovernor_SetLimitsAndBudget(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGovernor(memory.NewStore(), defaultProviders(), 50)

	t.Run("部分更新", func(t *testing.T) {
		limits, err := g.SetLimits(ctx, "OpenAI", domain.ProviderLimitsPatch{TokensPerMinute: int64Ptr(500)})
		require.NoError(t, err)
		assert.Equal(t, int64(500), limits.TokensPerMinute)
		assert.Equal(t, int64(1000), limits.RequestsPerMinute)

		res, err := g.Check(ctx, "openai", 600)
		require.NoError(t, err)
		assert.Equal(t, ReasonMinuteTokenLimit, res.Reason)
	})

	t.Run("未知供应商自动创建", func(t *testing.T) {
		limits, err := g.SetLimits(ctx, "cohere", domain.ProviderLimitsPatch{
			TokensPerMinute: int64Ptr(1000),
			CostPerToken:    float64Ptr(0.000002),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1000), limits.TokensPerMinute)

		res, err := g.Check(ctx, "cohere", 10)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	})

	t.Run("调整预算", func(t *testing.T) {
		budget, err := g.SetBudget(ctx, 0.5)
		require.NoError(t, err)
		assert.Equal(t, 0.5, budget)

		status, err := g.StatusSnapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0.5, status.DailyBudgetUSD)
		require.Len(t, status.Providers, 3)
		assert.Equal(t, []string{"anthropic", "cohere", "openai"}, []string{
			status.Providers[0].Name, status.Providers[1].Name, status.Providers[2].Name,
		})
	})
}

func TestGovernor_Reset(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGovernor(memory.NewStore(), defaultProviders(), 50)

	_, err := g.Consume(ctx, "openai", 1000, nil)
	require.NoError(t, err)
	_, err = g.Consume(ctx, "anthropic", 1000, nil)
	require.NoError(t, err)
	_, err = g.ReportThrottled(ctx, "openai", nil)
	require.NoError(t, err)

	n, err := g.Reset(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status, err := g.StatusSnapshot(ctx)
	require.NoError(t, err)
	byName := map[string]ProviderStatus{}
	for _, p := range status.Providers {
		byName[p.Name] = p
	}
	assert.Zero(t, byName["openai"].DayTokens)
	assert.Nil(t, byName["openai"].BackoffUntil)
	assert.InDelta(t, 0.01, byName["openai"].CostTotal, 1e-9)
	assert.Equal(t, int64(1000), byName["anthropic"].DayTokens)

	n, err = g.Reset(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = g.Reset(ctx, "cohere")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGovernor_Persistence(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	g, _, _ := newTestGovernor(store, defaultProviders(), 50)

	_, err := g.Consume(ctx, "openai", 99900, nil)
	require.NoError(t, err)
	_, err = g.SetBudget(ctx, 20)
	require.NoError(t, err)

	// 重启后保留用量与预算，配置中新增的供应商也会出现
	providers := defaultProviders()
	providers["mistral"] = domain.ProviderLimits{TokensPerMinute: 10}
	restarted, _, _ := newTestGovernor(store, providers, 50)

	res, err := restarted.Check(ctx, "openai", 200)
	require.NoError(t, err)
	assert.Equal(t, ReasonMinuteTokenLimit, res.Reason)

	status, err := restarted.StatusSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20.0, status.DailyBudgetUSD)
	assert.Len(t, status.Providers, 3)
}

func TestGovernor_ConfigDriftWarning(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	g, _, _ := newTestGovernor(store, defaultProviders(), 50)
	_, err := g.SetBudget(ctx, 20)
	require.NoError(t, err)
	_, err = g.SetLimits(ctx, "openai", domain.ProviderLimitsPatch{TokensPerMinute: int64Ptr(10)})
	require.NoError(t, err)

	core, logs := observer.New(zap.WarnLevel)
	restarted := NewGovernor(store, Options{
		Providers:      defaultProviders(),
		DailyBudgetUSD: 50,
		Now:            func() time.Time { return t0 },
		Logger:         zap.New(core),
	})

	status, err := restarted.StatusSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20.0, status.DailyBudgetUSD)

	budget := logs.FilterMessage("persisted daily budget overrides config").All()
	require.Len(t, budget, 1)
	assert.Equal(t, 20.0, budget[0].ContextMap()["persisted"])
	assert.Equal(t, 50.0, budget[0].ContextMap()["configured"])

	limits := logs.FilterMessage("persisted provider limits override config").All()
	require.Len(t, limits, 1)
	assert.Equal(t, "openai", limits[0].ContextMap()["provider"])

	// 只在首次加载时比较
	_, err = restarted.StatusSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, logs.Len())
}

func TestGovernor_HugeTokenCounts(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGovernor(memory.NewStore(), map[string]domain.ProviderLimits{
		"bulk": {TokensPerMinute: 100000, RequestsPerMinute: 1000, TokensPerDay: 5000000},
	}, 0)

	t.Run("超大请求不能绕过限额", func(t *testing.T) {
		_, err := g.Consume(ctx, "bulk", 10, nil)
		require.NoError(t, err)

		res, err := g.Check(ctx, "bulk", math.MaxInt64)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, ReasonMinuteTokenLimit, res.Reason)
	})

	t.Run("计数饱和而不是回绕", func(t *testing.T) {
		status, err := g.Consume(ctx, "bulk", math.MaxInt64, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(math.MaxInt64), status.MinuteTokens)
		assert.Equal(t, int64(math.MaxInt64), status.DayTokens)
		assert.Equal(t, int64(0), status.Remaining.MinuteTokens)

		res, err := g.Check(ctx, "bulk", 500000)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, ReasonMinuteTokenLimit, res.Reason)

		res, err = g.Check(ctx, "bulk", 0)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
	})
}

func TestExceeds(t *testing.T) {
	tests := []struct {
		name             string
		used, add, limit int64
		want             bool
	}{
		{name: "不限", used: math.MaxInt64, add: math.MaxInt64, limit: 0, want: false},
		{name: "恰好到达上限", used: 90, add: 10, limit: 100, want: false},
		{name: "超过上限", used: 90, add: 11, limit: 100, want: true},
		{name: "单次超过上限", used: 0, add: math.MaxInt64, limit: 100, want: true},
		{name: "已用接近最大值", used: math.MaxInt64, add: 1, limit: 100, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exceeds(tt.used, tt.add, tt.limit))
		})
	}

	assert.Equal(t, int64(math.MaxInt64), addCapped(math.MaxInt64-1, 5))
	assert.Equal(t, int64(7), addCapped(2, 5))
}

// 并发调用串行执行，计数不丢失
func TestGovernor_ConcurrentConsume(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGovernor(memory.NewStore(), map[string]domain.ProviderLimits{
		"openai": {CostPerToken: 0.001},
	}, 0)

	const workers, perWorker = 16, 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := g.Check(ctx, "openai", 3)
				assert.NoError(t, err)
				_, err = g.Consume(ctx, "openai", 3, nil)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	status, err := g.StatusSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, status.Providers, 1)
	p := status.Providers[0]
	assert.Equal(t, int64(workers*perWorker), p.MinuteRequests)
	assert.Equal(t, int64(3*workers*perWorker), p.MinuteTokens)
	assert.Equal(t, int64(3*workers*perWorker), p.DayTokens)
	assert.InDelta(t, 0.003*workers*perWorker, p.CostToday, 1e-6)
}
