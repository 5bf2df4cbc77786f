package domain

import "time"

// ProviderLimits 单个外部供应商的限额
type ProviderLimits struct {
	TokensPerMinute   int64   `json:"tokensPerMinute"`
	RequestsPerMinute int64   `json:"requestsPerMinute"`
	TokensPerDay      int64   `json:"tokensPerDay"`
	CostPerToken      float64 `json:"costPerToken"` // 美元
}

// ProviderLimitsPatch 部分更新限额，nil 表示保持不变
type ProviderLimitsPatch struct {
	TokensPerMinute   *int64   `json:"tokensPerMinute,omitempty"`
	RequestsPerMinute *int64   `json:"requestsPerMinute,omitempty"`
	TokensPerDay      *int64   `json:"tokensPerDay,omitempty"`
	CostPerToken      *float64 `json:"costPerToken,omitempty"`
}

// Apply 把补丁应用到限额上
func (p ProviderLimitsPatch) Apply(l ProviderLimits) ProviderLimits {
	if p.TokensPerMinute != nil {
		l.TokensPerMinute = *p.TokensPerMinute
	}
	if p.RequestsPerMinute != nil {
		l.RequestsPerMinute = *p.RequestsPerMinute
	}
	if p.TokensPerDay != nil {
		l.TokensPerDay = *p.TokensPerDay
	}
	if p.CostPerToken != nil {
		l.CostPerToken = *p.CostPerToken
	}
	return l
}

// ProviderBudgetState 单个供应商的用量与退避状态
type ProviderBudgetState struct {
	Name   string         `json:"name"`
	Limits ProviderLimits `json:"limits"`

	MinuteTokens      int64     `json:"minuteTokens"`
	MinuteRequests    int64     `json:"minuteRequests"`
	MinuteWindowStart time.Time `json:"minuteWindowStart"`

	DayTokens int64  `json:"dayTokens"`
	DayDate   string `json:"dayDate"` // YYYY-MM-DD（UTC）

	CostToday float64 `json:"costToday"`
	CostTotal float64 `json:"costTotal"`

	BackoffUntil         *time.Time `json:"backoffUntil,omitempty"`
	ConsecutiveThrottles int        `json:"consecutiveThrottles"`
}
