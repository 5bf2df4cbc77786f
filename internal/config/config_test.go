package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sendcore/backend/internal/domain"
)

func TestLoad(t *testing.T) {
	t.Run("加载默认配置成功", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.False(t, cfg.Log.Development)
		assert.Equal(t, "memory", cfg.Storage.Driver)
		assert.Empty(t, cfg.Auth.JWTSecret)

		assert.Equal(t, 3, cfg.Selector.FailureThreshold)
		assert.Equal(t, 5*time.Minute, cfg.Selector.ResetTimeout)
		assert.Equal(t, 1, cfg.Selector.SuccessThreshold)
		assert.Equal(t, 10, cfg.Selector.LatencyWindow)

		assert.Equal(t, 10, cfg.Warmup.BouncePenalty)
		assert.Equal(t, 5, cfg.Warmup.RecoveryPoints)
		assert.InDelta(t, 0.05, cfg.Warmup.PauseBounceRate, 1e-9)
		assert.Equal(t, 5, cfg.Warmup.PauseMinSent)

		assert.InDelta(t, 50.0, cfg.Governor.DailyBudgetUSD, 1e-9)
		assert.Contains(t, cfg.Governor.Providers, "anthropic")
		assert.Contains(t, cfg.Governor.Providers, "openai")

		assert.Equal(t, 7*24*time.Hour, cfg.Dedup.Window)
		assert.Equal(t, uint64(1<<20), cfg.Dedup.BloomBits)
		assert.Equal(t, 7, cfg.Dedup.BloomHashes)
		assert.InDelta(t, 0.85, cfg.Dedup.FuzzyThreshold, 1e-9)

		assert.False(t, cfg.SMTP.Enabled)
		assert.Equal(t, ":2525", cfg.SMTP.BindAddr)
	})

	t.Run("加载自定义配置成功", func(t *testing.T) {
		t.Setenv("SENDCORE_SERVER_PORT", "9090")
		t.Setenv("SENDCORE_LOG_LEVEL", "debug")
		t.Setenv("SENDCORE_STORAGE_DRIVER", "sqlite")
		t.Setenv("SENDCORE_STORAGE_PATH", "/tmp/sendcore.db")
		t.Setenv("SENDCORE_SELECTOR_RESET_TIMEOUT", "2m")
		t.Setenv("SENDCORE_GOVERNOR_DAILY_BUDGET_USD", "12.5")
		t.Setenv("SENDCORE_GOVERNOR_PROVIDERS", "mistral:2000:20:100000:0.000002")
		t.Setenv("SENDCORE_DEDUP_WINDOW", "48h")
		t.Setenv("SENDCORE_AUTH_JWT_SECRET", "custom-jwt-secret-key-32-chars-long-minimum")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, "sqlite", cfg.Storage.Driver)
		assert.Equal(t, "/tmp/sendcore.db", cfg.Storage.Path)
		assert.Equal(t, 2*time.Minute, cfg.Selector.ResetTimeout)
		assert.InDelta(t, 12.5, cfg.Governor.DailyBudgetUSD, 1e-9)
		assert.Equal(t, map[string]domain.ProviderLimits{
			"mistral": {TokensPerMinute: 2000, RequestsPerMinute: 20, TokensPerDay: 100000, CostPerToken: 0.000002},
		}, cfg.Governor.Providers)
		assert.Equal(t, 48*time.Hour, cfg.Dedup.Window)
	})

	t.Run("JWT密钥过短时失败", func(t *testing.T) {
		t.Setenv("SENDCORE_AUTH_JWT_SECRET", "short")

		_, err := Load()
		assert.ErrorContains(t, err, "at least 32 characters")
	})

	t.Run("不支持的存储驱动", func(t *testing.T) {
		t.Setenv("SENDCORE_STORAGE_DRIVER", "etcd")

		_, err := Load()
		assert.ErrorContains(t, err, "unsupported storage.driver")
	})

	t.Run("数据库驱动缺少DSN", func(t *testing.T) {
		t.Setenv("SENDCORE_STORAGE_DRIVER", "postgres")

		_, err := Load()
		assert.ErrorContains(t, err, "database.dsn is required")
	})
}

func TestParseProviders(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    map[string]domain.ProviderLimits
		wantErr bool
	}{
		{
			name:  "多个供应商",
			input: "Anthropic:100000:1000:5000000:0.000015, openai:50:5:500:0",
			want: map[string]domain.ProviderLimits{
				"anthropic": {TokensPerMinute: 100000, RequestsPerMinute: 1000, TokensPerDay: 5000000, CostPerToken: 0.000015},
				"openai":    {TokensPerMinute: 50, RequestsPerMinute: 5, TokensPerDay: 500},
			},
		},
		{name: "空字符串", input: "", want: map[string]domain.ProviderLimits{}},
		{name: "字段数量错误", input: "openai:1:2:3", wantErr: true},
		{name: "负数限额", input: "openai:-1:2:3:0", wantErr: true},
		{name: "成本非数字", input: "openai:1:2:3:cheap", wantErr: true},
		{name: "名称为空", input: ":1:2:3:0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseProviders(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseList(" a, ,b ,"))
	assert.Empty(t, parseList(""))
}
