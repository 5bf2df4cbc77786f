package ratelimit

import (
	"time"

	"sendcore/backend/internal/domain"
)

const (
	baseBackoff = 30 * time.Second
	maxBackoff  = 300 * time.Second
)

// BackoffFor 计算第 streak 次连续限流的退避时长
//
//	min(30 × 2^(streak−1), 300) 秒
//
// hint 为供应商给出的 Retry-After（秒），大于 0 时优先使用。
func BackoffFor(streak int, hint *int) time.Duration {
	if hint != nil && *hint > 0 {
		return time.Duration(*hint) * time.Second
	}
	if streak < 1 {
		streak = 1
	}

	d := baseBackoff
	for i := 1; i < streak; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// costOf 估算 token 成本，显式给出的成本优先
func costOf(limits domain.ProviderLimits, tokens int64, explicit *float64) float64 {
	if explicit != nil {
		return *explicit
	}
	return float64(tokens) * limits.CostPerToken
}

// totalCostToday 所有供应商当天成本之和
//
// DayDate 不是今天的供应商尚未跨天对账，按 0 计算。
func totalCostToday(providers map[string]*domain.ProviderBudgetState, now time.Time) float64 {
	today := dateKey(now)
	var total float64
	for _, p := range providers {
		if p.DayDate == today {
			total += p.CostToday
		}
	}
	return total
}

// budgetExceeded 预计成本是否超过共享日预算，budget ≤ 0 表示不限
func budgetExceeded(spent, projected, budget float64) bool {
	return budget > 0 && spent+projected > budget
}
