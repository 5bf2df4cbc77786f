package domain

import (
	"time"

	"sendcore/backend/internal/circuit"
)

// SenderIdentity 发件身份（一个可用于外发的邮箱）
type SenderIdentity struct {
	ID          string `json:"id"`
	Provider    string `json:"provider"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
}

// InboxHealthRecord 单个发件身份的健康状态
type InboxHealthRecord struct {
	Identity SenderIdentity `json:"identity"`
	Healthy  bool           `json:"healthy"`

	circuit.Breaker

	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastFailure *time.Time `json:"lastFailure,omitempty"`
	LastError   string     `json:"lastError,omitempty"`

	TotalSent      int     `json:"totalSent"`
	TotalBounced   int     `json:"totalBounced"`
	LatencySamples []int64 `json:"latencySamples,omitempty"` // 最近 N 次延迟（毫秒）
	AvgLatencyMs   float64 `json:"avgLatencyMs"`

	RegisteredAt time.Time `json:"registeredAt"`
}

// BounceRate 生命周期退信率
func (r *InboxHealthRecord) BounceRate() float64 {
	if r.TotalSent <= 0 {
		return 0
	}
	rate := float64(r.TotalBounced) / float64(r.TotalSent)
	if rate > 1 {
		return 1
	}
	return rate
}

// AddLatency 追加一次延迟样本并重新计算平均值
func (r *InboxHealthRecord) AddLatency(ms int64, window int) {
	if window <= 0 {
		window = 10
	}
	if ms < 0 {
		ms = 0
	}
	r.LatencySamples = append(r.LatencySamples, ms)
	if over := len(r.LatencySamples) - window; over > 0 {
		r.LatencySamples = append([]int64(nil), r.LatencySamples[over:]...)
	}

	var sum int64
	for _, v := range r.LatencySamples {
		sum += v
	}
	r.AvgLatencyMs = float64(sum) / float64(len(r.LatencySamples))
}
