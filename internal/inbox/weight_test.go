package inbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"sendcore/backend/internal/circuit"
	"sendcore/backend/internal/domain"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func record(id string) *domain.InboxHealthRecord {
	return &domain.InboxHealthRecord{
		Identity: domain.SenderIdentity{ID: id, Email: id + "@example.com"},
		Healthy:  true,
		Breaker:  circuit.New(),
	}
}

func TestWeight(t *testing.T) {
	recent := t0.Add(-2 * time.Minute)
	stale := t0.Add(-10 * time.Minute)

	tests := []struct {
		name   string
		mutate func(r *domain.InboxHealthRecord)
		want   float64
	}{
		{name: "新身份满分", mutate: func(*domain.InboxHealthRecord) {}, want: 100},
		{name: "延迟扣分", mutate: func(r *domain.InboxHealthRecord) { r.AvgLatencyMs = 2000 }, want: 80},
		{name: "延迟扣分封顶50", mutate: func(r *domain.InboxHealthRecord) { r.AvgLatencyMs = 20000 }, want: 50},
		{name: "退信率扣分", mutate: func(r *domain.InboxHealthRecord) { r.TotalSent, r.TotalBounced = 10, 5 }, want: 85},
		{name: "最近成功加分", mutate: func(r *domain.InboxHealthRecord) { r.LastSuccess = &recent }, want: 110},
		{name: "成功过久不加分", mutate: func(r *domain.InboxHealthRecord) { r.LastSuccess = &stale }, want: 100},
		{name: "半开扣分", mutate: func(r *domain.InboxHealthRecord) { r.State = circuit.StateHalfOpen }, want: 80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := record("a")
			tt.mutate(r)
			assert.InDelta(t, tt.want, Weight(r, t0), 1e-9)
		})
	}
}

func TestCandidates(t *testing.T) {
	t.Run("排除不健康和打开的身份", func(t *testing.T) {
		open := record("open")
		open.State = circuit.StateOpen
		sick := record("sick")
		sick.Healthy = false
		ok := record("ok")

		got := candidates(map[string]*domain.InboxHealthRecord{"open": open, "sick": sick, "ok": ok})
		assert.Equal(t, []*domain.InboxHealthRecord{ok}, got)
	})

	t.Run("退化为半开身份", func(t *testing.T) {
		trial := record("trial")
		trial.Healthy = false
		trial.State = circuit.StateHalfOpen
		open := record("open")
		open.State = circuit.StateOpen

		got := candidates(map[string]*domain.InboxHealthRecord{"trial": trial, "open": open})
		assert.Equal(t, []*domain.InboxHealthRecord{trial}, got)
	})

	t.Run("没有候选", func(t *testing.T) {
		open := record("open")
		open.State = circuit.StateOpen
		assert.Empty(t, candidates(map[string]*domain.InboxHealthRecord{"open": open}))
	})
}

func TestRankAndPick(t *testing.T) {
	slow := record("a-slow")
	slow.AvgLatencyMs = 3000
	ranked := rank([]*domain.InboxHealthRecord{record("c"), slow, record("b")}, t0)

	ids := make([]string, 0, len(ranked))
	for _, c := range ranked {
		ids = append(ids, c.record.Identity.ID)
	}
	assert.Equal(t, []string{"b", "c", "a-slow"}, ids)

	assert.Len(t, topHalf(ranked[:1]), 1)
	assert.Len(t, topHalf(ranked[:2]), 1)
	assert.Len(t, topHalf(ranked), 1)

	four := rank([]*domain.InboxHealthRecord{record("d"), record("c"), record("b"), record("a")}, t0)
	top := topHalf(four)
	assert.Len(t, top, 2)

	first, next := pick(top, 0)
	second, next := pick(top, next)
	third, _ := pick(top, next)
	assert.Equal(t, "a", first.record.Identity.ID)
	assert.Equal(t, "b", second.record.Identity.ID)
	assert.Equal(t, "a", third.record.Identity.ID)
}
