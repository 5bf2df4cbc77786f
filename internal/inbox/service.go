package inbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sendcore/backend/internal/actor"
	"sendcore/backend/internal/circuit"
	"sendcore/backend/internal/domain"
	"sendcore/backend/internal/events"
	"sendcore/backend/internal/monitoring"
	"sendcore/backend/internal/storage"
)

// StateKey 选择器状态在存储中的 key
const StateKey = "selector"

// Options 选择器配置
type Options struct {
	Policy        circuit.Policy
	LatencyWindow int
	Now           func() time.Time
	Logger        *zap.Logger
	Metrics       *monitoring.Metrics
	Events        events.Emitter
}

type selectorState struct {
	Inboxes    map[string]*domain.InboxHealthRecord `json:"inboxes"`
	RoundRobin int                                  `json:"roundRobinIndex"`
}

func newSelectorState() *selectorState {
	return &selectorState{Inboxes: make(map[string]*domain.InboxHealthRecord)}
}

// Service 发件身份健康追踪与选择器
//
// 整个池共用一个实例，所有操作在同一把锁内串行执行，
// 变更在返回前写回存储。
type Service struct {
	mu    sync.Mutex
	state *actor.State[selectorState]

	policy  circuit.Policy
	window  int
	now     func() time.Time
	log     *zap.Logger
	metrics *monitoring.Metrics
	events  events.Emitter
}

// Selection selectNext 的结果
type Selection struct {
	Identity     domain.SenderIdentity `json:"identity"`
	CircuitState circuit.State         `json:"circuitState"`
	AvgLatencyMs float64               `json:"avgLatencyMs"`
	Weight       float64               `json:"weight"`
}

// FailureResult recordFailure 的结果
type FailureResult struct {
	Record      domain.InboxHealthRecord `json:"record"`
	NextRetryAt *time.Time               `json:"nextRetryAt,omitempty"`
}

// InboxStatus 健康快照中的一项
type InboxStatus struct {
	domain.InboxHealthRecord
	BounceRate  float64    `json:"bounceRate"`
	Weight      float64    `json:"weight"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
}

// Snapshot 健康快照
type Snapshot struct {
	Total     int           `json:"total"`
	Available int           `json:"available"`
	Open      int           `json:"open"`
	HalfOpen  int           `json:"halfOpen"`
	Inboxes   []InboxStatus `json:"inboxes"`
}

// NewService 创建选择器
func NewService(store storage.StateStore, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Policy == (circuit.Policy{}) {
		opts.Policy = circuit.DefaultPolicy()
	}
	if opts.LatencyWindow <= 0 {
		opts.LatencyWindow = 10
	}

	return &Service{
		state:   actor.NewState(store, StateKey, newSelectorState),
		policy:  opts.Policy,
		window:  opts.LatencyWindow,
		now:     opts.Now,
		log:     opts.Logger.Named("selector"),
		metrics: opts.Metrics,
		events:  opts.Events,
	}
}

// Register 注册或更新发件身份（幂等）
//
// 已存在时只更新身份信息，健康状态保持不变。
func (s *Service) Register(ctx context.Context, identity domain.SenderIdentity) (bool, *domain.InboxHealthRecord, error) {
	identity.ID = strings.TrimSpace(identity.ID)
	identity.Email = strings.TrimSpace(identity.Email)
	if identity.ID == "" || identity.Email == "" {
		return false, nil, fmt.Errorf("%w: id and email are required", domain.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load(ctx)
	if err != nil {
		return false, nil, err
	}

	rec, exists := st.Inboxes[identity.ID]
	if exists {
		rec.Identity = identity
	} else {
		rec = &domain.InboxHealthRecord{
			Identity:     identity,
			Healthy:      true,
			Breaker:      circuit.New(),
			RegisteredAt: s.now().UTC(),
		}
		st.Inboxes[identity.ID] = rec
	}

	if err := s.flush(ctx, "register"); err != nil {
		return false, nil, err
	}
	s.metrics.UpdateInboxesRegistered(len(st.Inboxes))
	if !exists {
		s.log.Info("inbox registered", zap.String("inbox_id", identity.ID), zap.String("provider", identity.Provider))
	}
	return !exists, copyRecord(rec), nil
}

// SelectNext 选择下一个发件身份
//
// 没有可用身份时返回 domain.ErrNoInboxAvailable。
func (s *Service) SelectNext(ctx context.Context) (*Selection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	changed := s.refreshAll(st, now)

	pool := candidates(st.Inboxes)
	if len(pool) == 0 {
		if changed {
			if err := s.flush(ctx, "select"); err != nil {
				return nil, err
			}
		}
		s.metrics.RecordSelection("none_available")
		return nil, domain.ErrNoInboxAvailable
	}

	chosen, next := pick(topHalf(rank(pool, now)), st.RoundRobin)
	st.RoundRobin = next

	if err := s.flush(ctx, "select"); err != nil {
		return nil, err
	}
	s.metrics.RecordSelection(string(chosen.record.State))

	return &Selection{
		Identity:     chosen.record.Identity,
		CircuitState: chosen.record.State,
		AvgLatencyMs: chosen.record.AvgLatencyMs,
		Weight:       chosen.weight,
	}, nil
}

// RecordSuccess 记录一次发送成功
func (s *Service) RecordSuccess(ctx context.Context, id string, latencyMs int64) (*domain.InboxHealthRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	s.observe(rec, rec.Refresh(s.policy, now))
	s.observe(rec, rec.RecordSuccess(s.policy, now))

	at := now.UTC()
	rec.LastSuccess = &at
	rec.TotalSent++
	rec.AddLatency(latencyMs, s.window)
	rec.Healthy = rec.Allows()

	if err := s.flush(ctx, "success"); err != nil {
		return nil, err
	}
	return copyRecord(rec), nil
}

// RecordFailure 记录一次发送失败
//
// 熔断打开时结果中带有下次可试探时间。
func (s *Service) RecordFailure(ctx context.Context, id, errText string) (*FailureResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	at := now.UTC()
	rec.LastFailure = &at
	rec.LastError = errText

	s.observe(rec, rec.Refresh(s.policy, now))
	s.observe(rec, rec.RecordFailure(s.policy, now))
	if !rec.Allows() {
		rec.Healthy = false
	}

	if err := s.flush(ctx, "failure"); err != nil {
		return nil, err
	}
	return &FailureResult{Record: *copyRecord(rec), NextRetryAt: rec.RetryAt(s.policy)}, nil
}

// RecordBounce 记录一次退信，影响退信率权重
func (s *Service) RecordBounce(ctx context.Context, id string) (*domain.InboxHealthRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.TotalBounced++

	if err := s.flush(ctx, "bounce"); err != nil {
		return nil, err
	}
	return copyRecord(rec), nil
}

// HealthSnapshot 返回所有发件身份的健康视图（按 ID 排序）
//
// 快照基于当前时间计算半开状态，但不修改持久化状态。
func (s *Service) HealthSnapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.state.FlushIfDirty(ctx); err != nil {
		s.log.Warn("retrying dirty selector state failed", zap.Error(err))
	}

	now := s.now()
	snap := &Snapshot{Total: len(st.Inboxes), Inboxes: make([]InboxStatus, 0, len(st.Inboxes))}
	for _, rec := range st.Inboxes {
		view := copyRecord(rec)
		view.Refresh(s.policy, now)

		switch view.State {
		case circuit.StateOpen:
			snap.Open++
		case circuit.StateHalfOpen:
			snap.HalfOpen++
		}
		if view.Healthy && view.Allows() {
			snap.Available++
		}

		snap.Inboxes = append(snap.Inboxes, InboxStatus{
			InboxHealthRecord: *view,
			BounceRate:        view.BounceRate(),
			Weight:            Weight(view, now),
			NextRetryAt:       view.RetryAt(s.policy),
		})
	}
	sort.Slice(snap.Inboxes, func(i, j int) bool {
		return snap.Inboxes[i].Identity.ID < snap.Inboxes[j].Identity.ID
	})
	return snap, nil
}

// ResetCircuit 手动把熔断复位为 closed 并标记为健康
func (s *Service) ResetCircuit(ctx context.Context, id string) (*domain.InboxHealthRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	s.observe(rec, rec.Reset())
	rec.Healthy = true

	if err := s.flush(ctx, "reset"); err != nil {
		return nil, err
	}
	s.log.Info("circuit manually reset", zap.String("inbox_id", id))
	return copyRecord(rec), nil
}

// Remove 移除发件身份
func (s *Service) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load(ctx)
	if err != nil {
		return err
	}
	if _, ok := st.Inboxes[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrInboxNotFound, id)
	}
	delete(st.Inboxes, id)

	if err := s.flush(ctx, "remove"); err != nil {
		return err
	}
	s.metrics.UpdateInboxesRegistered(len(st.Inboxes))
	s.events.Emit(events.New(events.ActorSelector, events.TypeInboxRemoved, id, nil, s.now()))
	return nil
}

// ClearAll 清空所有发件身份并重置轮询下标
func (s *Service) ClearAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	removed := len(st.Inboxes)
	s.state.Replace(newSelectorState())

	if err := s.flush(ctx, "clear"); err != nil {
		return 0, err
	}
	s.metrics.UpdateInboxesRegistered(0)
	s.log.Info("selector cleared", zap.Int("removed", removed))
	return removed, nil
}

func (s *Service) load(ctx context.Context) (*selectorState, error) {
	st, err := s.state.Get(ctx)
	if err != nil {
		s.metrics.RecordStorageError(events.ActorSelector, "load")
		s.log.Error("failed to load selector state", zap.Error(err))
		return nil, err
	}
	if st.Inboxes == nil {
		st.Inboxes = make(map[string]*domain.InboxHealthRecord)
	}
	return st, nil
}

func (s *Service) lookup(ctx context.Context, id string) (*domain.InboxHealthRecord, error) {
	st, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	rec, ok := st.Inboxes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrInboxNotFound, id)
	}
	return rec, nil
}

func (s *Service) flush(ctx context.Context, op string) error {
	if err := s.state.Flush(ctx); err != nil {
		s.metrics.RecordStorageError(events.ActorSelector, op)
		s.log.Error("failed to persist selector state", zap.String("op", op), zap.String("key", s.state.Key()), zap.Error(err))
		return err
	}
	return nil
}

// refreshAll 推进所有到期的 open → half-open，返回是否有变化
func (s *Service) refreshAll(st *selectorState, now time.Time) bool {
	changed := false
	for _, rec := range st.Inboxes {
		tr := rec.Refresh(s.policy, now)
		if tr.Changed() {
			changed = true
			s.observe(rec, tr)
		}
	}
	return changed
}

// observe 记录熔断迁移的日志、指标和事件
func (s *Service) observe(rec *domain.InboxHealthRecord, tr circuit.Transition) {
	if !tr.Changed() {
		return
	}

	fields := []zap.Field{
		zap.String("inbox_id", rec.Identity.ID),
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
		zap.Int("consecutive_failures", rec.ConsecutiveFailures),
	}
	if tr.To == circuit.StateOpen {
		s.log.Warn("circuit opened", append(fields, zap.String("last_error", rec.LastError))...)
	} else {
		s.log.Info("circuit state changed", fields...)
	}

	s.metrics.RecordCircuitTransition(string(tr.From), string(tr.To))
	s.events.Emit(events.New(events.ActorSelector, events.TypeCircuitChanged, rec.Identity.ID, map[string]any{
		"from": string(tr.From),
		"to":   string(tr.To),
	}, s.now()))
}

func copyRecord(r *domain.InboxHealthRecord) *domain.InboxHealthRecord {
	out := *r
	out.LatencySamples = append([]int64(nil), r.LatencySamples...)
	return &out
}
