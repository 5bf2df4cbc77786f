package ratelimit

import (
	"math"
	"time"

	"sendcore/backend/internal/domain"
)

// MinuteWindow 分钟窗口长度，从上次重置开始滚动计算
const MinuteWindow = 60 * time.Second

const dateLayout = "2006-01-02"

// rollWindows 按需重置分钟窗口和日计数
func rollWindows(p *domain.ProviderBudgetState, now time.Time) (minuteReset, dayReset bool) {
	if p.MinuteWindowStart.IsZero() || now.Sub(p.MinuteWindowStart) >= MinuteWindow {
		p.MinuteTokens = 0
		p.MinuteRequests = 0
		p.MinuteWindowStart = now.UTC()
		minuteReset = true
	}

	if today := dateKey(now); p.DayDate != today {
		p.DayTokens = 0
		p.CostToday = 0
		p.DayDate = today
		dayReset = true
	}
	return minuteReset, dayReset
}

// minuteRetryAfter 当前分钟窗口剩余秒数
func minuteRetryAfter(p *domain.ProviderBudgetState, now time.Time) int {
	return ceilSeconds(p.MinuteWindowStart.Add(MinuteWindow).Sub(now))
}

// dayRetryAfter 距离下一个 UTC 零点的秒数
func dayRetryAfter(now time.Time) int {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return ceilSeconds(midnight.Sub(now))
}

// ceilSeconds 向上取整为秒，最小 1 秒
func ceilSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

func dateKey(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// exceeds 加上 add 后是否超过 limit，limit ≤ 0 表示不限
func exceeds(used, add, limit int64) bool {
	if limit <= 0 {
		return false
	}
	return add > limit || used > limit-add
}

// addCapped 非负计数的饱和加法，结果不超过 math.MaxInt64
func addCapped(used, add int64) int64 {
	if add > math.MaxInt64-used {
		return math.MaxInt64
	}
	return used + add
}

// headroom 剩余额度，limit ≤ 0 时返回 -1 表示不限
func headroom(used, limit int64) int64 {
	if limit <= 0 {
		return -1
	}
	if used >= limit {
		return 0
	}
	return limit - used
}
