package warmup

import (
	"math"
	"time"
)

const (
	// MaxReputation 信誉分上限
	MaxReputation = 100
	// MinReputation 信誉分下限
	MinReputation = 0

	dateLayout = "2006-01-02"
	day        = 24 * time.Hour
)

// tier 预热阶梯：账号年龄不超过 MaxDay 天时每日上限为 Limit
type tier struct {
	MaxDay int
	Limit  int
}

var tiers = []tier{
	{MaxDay: 7, Limit: 5},
	{MaxDay: 14, Limit: 10},
	{MaxDay: 21, Limit: 15},
	{MaxDay: 28, Limit: 18},
}

const matureLimit = 20

// Policy 信誉扣分与自动暂停参数
type Policy struct {
	BouncePenalty   int     // 每次退信扣分
	RecoveryPoints  int     // 无退信的一天结束后恢复的分数
	PauseBounceRate float64 // 超过该退信率自动暂停
	PauseMinSent    int     // 当日发送量达到该值才会触发自动暂停
}

// DefaultPolicy 默认策略：-10 / +5 / 5% / 5
func DefaultPolicy() Policy {
	return Policy{
		BouncePenalty:   10,
		RecoveryPoints:  5,
		PauseBounceRate: 0.05,
		PauseMinSent:    5,
	}
}

// TierLimit 按预热天数返回阶梯上限
func TierLimit(warmupDay int) int {
	for _, t := range tiers {
		if warmupDay <= t.MaxDay {
			return t.Limit
		}
	}
	return matureLimit
}

// EffectiveLimit floor(阶梯上限 × 信誉分/100)
func EffectiveLimit(warmupDay, reputation int) int {
	return TierLimit(warmupDay) * ClampReputation(reputation) / 100
}

// WarmupDay floor((now − startedAt)/1天) + 1，最小为 1
func WarmupDay(startedAt, now time.Time) int {
	age := now.Sub(startedAt)
	if age < 0 {
		return 1
	}
	return int(age/day) + 1
}

// ClampReputation 把信誉分限制在 [0,100]
func ClampReputation(v int) int {
	if v > MaxReputation {
		return MaxReputation
	}
	if v < MinReputation {
		return MinReputation
	}
	return v
}

// BounceRate 当日退信率，当日未发送时为 0
func BounceRate(bounces, sent int) float64 {
	if sent <= 0 {
		return 0
	}
	return float64(bounces) / float64(sent)
}

// DateKey UTC 日期
func DateKey(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// SecondsUntilMidnight 距离下一个 UTC 零点的秒数（向上取整）
func SecondsUntilMidnight(now time.Time) int {
	return int(math.Ceil(NextMidnight(now).Sub(now).Seconds()))
}

// NextMidnight 下一个 UTC 零点
func NextMidnight(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(day)
}
