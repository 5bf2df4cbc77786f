package inbox

import (
	"math"
	"sort"
	"time"

	"sendcore/backend/internal/circuit"
	"sendcore/backend/internal/domain"
)

const (
	baseWeight        = 100.0
	maxLatencyPenalty = 50.0
	bouncePenalty     = 30.0
	recentBonus       = 10.0
	halfOpenPenalty   = 20.0
	recentWindow      = 5 * time.Minute
)

// Weight 计算发件身份的选择权重
//
//	100 − min(50, avgLatencyMs/100) − bounceRate×30
//	+10 最近 5 分钟内成功过
//	−20 半开状态
func Weight(r *domain.InboxHealthRecord, now time.Time) float64 {
	w := baseWeight
	w -= math.Min(maxLatencyPenalty, r.AvgLatencyMs/100)
	w -= r.BounceRate() * bouncePenalty
	if r.LastSuccess != nil && now.Sub(*r.LastSuccess) <= recentWindow {
		w += recentBonus
	}
	if r.State == circuit.StateHalfOpen {
		w -= halfOpenPenalty
	}
	return w
}

type candidate struct {
	record *domain.InboxHealthRecord
	weight float64
}

// candidates 筛选可用的发件身份
//
// 优先 healthy 且熔断为 closed/half-open 的身份；没有时退化为任意半开身份。
func candidates(records map[string]*domain.InboxHealthRecord) []*domain.InboxHealthRecord {
	var out []*domain.InboxHealthRecord
	for _, r := range records {
		if r.Healthy && r.Allows() {
			out = append(out, r)
		}
	}
	if len(out) > 0 {
		return out
	}

	for _, r := range records {
		if r.State == circuit.StateHalfOpen {
			out = append(out, r)
		}
	}
	return out
}

// rank 按权重降序排列，权重相同时按 ID 升序，保证顺序稳定
func rank(records []*domain.InboxHealthRecord, now time.Time) []candidate {
	ranked := make([]candidate, 0, len(records))
	for _, r := range records {
		ranked = append(ranked, candidate{record: r, weight: Weight(r, now)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].weight != ranked[j].weight {
			return ranked[i].weight > ranked[j].weight
		}
		return ranked[i].record.Identity.ID < ranked[j].record.Identity.ID
	})
	return ranked
}

// topHalf 取排名前一半（至少一个）
func topHalf(ranked []candidate) []candidate {
	n := len(ranked) / 2
	if n < 1 {
		n = 1
	}
	if n > len(ranked) {
		n = len(ranked)
	}
	return ranked[:n]
}

// pick 按轮询下标选择，返回选中项和推进后的下标
func pick(pool []candidate, index int) (candidate, int) {
	if index < 0 {
		index = 0
	}
	chosen := pool[index%len(pool)]
	return chosen, (index + 1) % math.MaxInt32
}
