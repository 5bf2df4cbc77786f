package warmup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sendcore/backend/internal/actor"
	"sendcore/backend/internal/domain"
	"sendcore/backend/internal/events"
	"sendcore/backend/internal/monitoring"
	"sendcore/backend/internal/storage"
)

// StateKey 预热状态在存储中的 key
const StateKey = "warmup"

// Options 预热限额器配置
type Options struct {
	Policy  Policy
	Now     func() time.Time
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
	Events  events.Emitter
}

// RegisterRequest 注册参数
//
// WarmupStartedAt 和 ReputationScore 用于导入已经预热过的邮箱，
// 为空时分别取当前时间和 100。
type RegisterRequest struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	Provider        string     `json:"provider"`
	WarmupStartedAt *time.Time `json:"warmupStartedAt,omitempty"`
	ReputationScore *int       `json:"reputationScore,omitempty"`
}

// CanSendResult canSend 的结果
type CanSendResult struct {
	Allowed         bool   `json:"allowed"`
	Sent            int    `json:"sent"`
	Limit           int    `json:"limit"`
	WarmupDay       int    `json:"warmupDay"`
	ReputationScore int    `json:"reputationScore"`
	RetryAfter      int    `json:"retryAfter,omitempty"` // 秒
	Reason          string `json:"reason,omitempty"`
}

// BounceResult recordBounce 的结果
type BounceResult struct {
	BounceRate      float64 `json:"bounceRate"`
	ReputationScore int     `json:"reputationScore"`
	Paused          bool    `json:"paused"`
	Reason          string  `json:"reason,omitempty"`
}

// Status 状态快照中的一项
type Status struct {
	domain.WarmupState
	DailyLimit int     `json:"dailyLimit"`
	Remaining  int     `json:"remaining"`
	BounceRate float64 `json:"bounceRate"`
}

// 拒绝原因
const (
	ReasonPaused     = "paused"
	ReasonDailyLimit = "daily_limit_reached"
)

type warmupState struct {
	Inboxes map[string]*domain.WarmupState `json:"inboxes"`
}

func newWarmupState() *warmupState {
	return &warmupState{Inboxes: make(map[string]*domain.WarmupState)}
}

// Limiter 预热与信誉限额器
type Limiter struct {
	mu    sync.Mutex
	state *actor.State[warmupState]

	policy  Policy
	now     func() time.Time
	log     *zap.Logger
	metrics *monitoring.Metrics
	events  events.Emitter
}

// NewLimiter 创建预热限额器
func NewLimiter(store storage.StateStore, opts Options) *Limiter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}

	return &Limiter{
		state:   actor.NewState(store, StateKey, newWarmupState),
		policy:  opts.Policy,
		now:     opts.Now,
		log:     opts.Logger.Named("warmup"),
		metrics: opts.Metrics,
		events:  opts.Events,
	}
}

// RegisterInbox 注册新邮箱，ID 已存在时返回 domain.ErrInboxExists
func (l *Limiter) RegisterInbox(ctx context.Context, req RegisterRequest) (*domain.WarmupState, error) {
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		return nil, fmt.Errorf("%w: id is required", domain.ErrInvalidArgument)
	}
	if req.ReputationScore != nil && (*req.ReputationScore < MinReputation || *req.ReputationScore > MaxReputation) {
		return nil, fmt.Errorf("%w: reputationScore must be within [0,100]", domain.ErrInvalidArgument)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := st.Inboxes[req.ID]; ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrInboxExists, req.ID)
	}

	now := l.now().UTC()
	started := now
	if req.WarmupStartedAt != nil {
		started = req.WarmupStartedAt.UTC()
	}
	reputation := MaxReputation
	if req.ReputationScore != nil {
		reputation = *req.ReputationScore
	}

	ws := &domain.WarmupState{
		ID:              req.ID,
		Email:           strings.TrimSpace(req.Email),
		Provider:        req.Provider,
		WarmupStartedAt: started,
		WarmupDay:       WarmupDay(started, now),
		ReputationScore: reputation,
		LastSendDate:    DateKey(now),
	}
	st.Inboxes[req.ID] = ws

	if err := l.flush(ctx, "register"); err != nil {
		return nil, err
	}
	l.log.Info("warmup inbox registered",
		zap.String("inbox_id", ws.ID),
		zap.Int("warmup_day", ws.WarmupDay),
		zap.Int("reputation", ws.ReputationScore))
	out := *ws
	return &out, nil
}

// CanSend 判断邮箱今天是否还能发送
func (l *Limiter) CanSend(ctx context.Context, id string) (*CanSendResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ws, err := l.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	now := l.now()
	if l.reconcile(ws, now) {
		if err := l.flush(ctx, "rollover"); err != nil {
			return nil, err
		}
	}

	res := &CanSendResult{
		Sent:            ws.SentToday,
		Limit:           EffectiveLimit(ws.WarmupDay, ws.ReputationScore),
		WarmupDay:       ws.WarmupDay,
		ReputationScore: ws.ReputationScore,
	}
	switch {
	case ws.Paused:
		res.Reason = ReasonPaused
		if ws.PauseReason != "" {
			res.Reason = ReasonPaused + ": " + ws.PauseReason
		}
		res.RetryAfter = SecondsUntilMidnight(now)
	case ws.SentToday >= res.Limit:
		res.Reason = ReasonDailyLimit
		res.RetryAfter = SecondsUntilMidnight(now)
	default:
		res.Allowed = true
	}

	l.metrics.RecordWarmupDecision(res.Allowed)
	return res, nil
}

// Increment 记录一次发送
func (l *Limiter) Increment(ctx context.Context, id string) (*domain.WarmupState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ws, err := l.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	l.reconcile(ws, l.now())
	ws.SentToday++
	ws.SentTotal++

	if err := l.flush(ctx, "increment"); err != nil {
		return nil, err
	}
	out := *ws
	return &out, nil
}

// RecordBounce 记录一次退信
//
// 每次退信扣减信誉分；当日退信率超过阈值且发送量足够时自动暂停。
func (l *Limiter) RecordBounce(ctx context.Context, id string) (*BounceResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ws, err := l.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	now := l.now()
	l.reconcile(ws, now)

	ws.BouncesToday++
	ws.BouncesTotal++
	ws.ReputationScore = ClampReputation(ws.ReputationScore - l.policy.BouncePenalty)

	rate := BounceRate(ws.BouncesToday, ws.SentToday)
	autoPaused := false
	if !ws.Paused && rate > l.policy.PauseBounceRate && ws.SentToday >= l.policy.PauseMinSent {
		ws.Paused = true
		ws.AutoPaused = true
		ws.PauseReason = fmt.Sprintf("bounce rate %.1f%% exceeds %.1f%% after %d sends",
			rate*100, l.policy.PauseBounceRate*100, ws.SentToday)
		autoPaused = true
	}

	if err := l.flush(ctx, "bounce"); err != nil {
		return nil, err
	}

	l.metrics.RecordWarmupBounce()
	if autoPaused {
		l.metrics.RecordWarmupPause("auto")
		l.log.Warn("inbox auto-paused",
			zap.String("inbox_id", id),
			zap.Float64("bounce_rate", rate),
			zap.Int("sent_today", ws.SentToday),
			zap.Int("reputation", ws.ReputationScore))
		l.events.Emit(events.New(events.ActorWarmup, events.TypeInboxPaused, id, map[string]any{
			"reason": ws.PauseReason,
			"auto":   true,
		}, now))
	}

	return &BounceResult{
		BounceRate:      rate,
		ReputationScore: ws.ReputationScore,
		Paused:          ws.Paused,
		Reason:          ws.PauseReason,
	}, nil
}

// Pause 手动暂停，需要 Resume 才能恢复
func (l *Limiter) Pause(ctx context.Context, id, reason string) (*domain.WarmupState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ws, err := l.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "manual"
	}
	ws.Paused = true
	ws.AutoPaused = false
	ws.PauseReason = reason

	if err := l.flush(ctx, "pause"); err != nil {
		return nil, err
	}
	l.metrics.RecordWarmupPause("manual")
	l.log.Info("inbox paused", zap.String("inbox_id", id), zap.String("reason", reason))
	l.events.Emit(events.New(events.ActorWarmup, events.TypeInboxPaused, id, map[string]any{
		"reason": reason,
		"auto":   false,
	}, l.now()))
	out := *ws
	return &out, nil
}

// Resume 解除暂停
func (l *Limiter) Resume(ctx context.Context, id string) (*domain.WarmupState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ws, err := l.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	wasPaused := ws.Paused
	ws.Paused = false
	ws.AutoPaused = false
	ws.PauseReason = ""

	if err := l.flush(ctx, "resume"); err != nil {
		return nil, err
	}
	if wasPaused {
		l.log.Info("inbox resumed", zap.String("inbox_id", id))
		l.events.Emit(events.New(events.ActorWarmup, events.TypeInboxResumed, id, map[string]any{"auto": false}, l.now()))
	}
	out := *ws
	return &out, nil
}

// DailyReset 对所有邮箱执行跨天对账，返回发生跨天的数量
func (l *Limiter) DailyReset(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.load(ctx)
	if err != nil {
		return 0, err
	}

	now := l.now()
	rolled := 0
	for _, ws := range st.Inboxes {
		if l.reconcile(ws, now) {
			rolled++
		}
	}
	if rolled == 0 {
		return 0, nil
	}

	if err := l.flush(ctx, "daily_reset"); err != nil {
		return 0, err
	}
	l.log.Info("warmup daily reset", zap.Int("rolled_over", rolled), zap.String("date", DateKey(now)))
	l.events.Emit(events.New(events.ActorWarmup, events.TypeDailyReset, "", map[string]any{
		"rolledOver": rolled,
		"date":       DateKey(now),
	}, now))
	return rolled, nil
}

// StatusSnapshot 返回所有邮箱的预热状态（按 ID 排序）
//
// 快照按当前日期展示，不写回存储。
func (l *Limiter) StatusSnapshot(ctx context.Context) ([]Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.load(ctx)
	if err != nil {
		return nil, err
	}

	now := l.now()
	out := make([]Status, 0, len(st.Inboxes))
	for _, ws := range st.Inboxes {
		view := *ws
		rollover(&view, now, l.policy)

		limit := EffectiveLimit(view.WarmupDay, view.ReputationScore)
		remaining := limit - view.SentToday
		if remaining < 0 || view.Paused {
			remaining = 0
		}
		out = append(out, Status{
			WarmupState: view,
			DailyLimit:  limit,
			Remaining:   remaining,
			BounceRate:  BounceRate(view.BouncesToday, view.SentToday),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// reconcile 对单个邮箱做跨天对账并记录日志/事件，返回是否跨天
func (l *Limiter) reconcile(ws *domain.WarmupState, now time.Time) bool {
	result := rollover(ws, now, l.policy)
	if !result.rolled {
		return false
	}

	if result.recovered {
		l.log.Debug("reputation recovered",
			zap.String("inbox_id", ws.ID),
			zap.Int("reputation", ws.ReputationScore))
	}
	if result.unpaused {
		l.log.Info("auto-pause lifted", zap.String("inbox_id", ws.ID))
		l.events.Emit(events.New(events.ActorWarmup, events.TypeInboxResumed, ws.ID, map[string]any{"auto": true}, now))
	}
	return true
}

type rolloverResult struct {
	rolled    bool
	recovered bool
	unpaused  bool
}

// rollover 跨天对账
//
// 日期变化时清零当日计数；刚结束的一天没有退信时恢复信誉分（每次跨天只恢复一次）；
// 解除由退信触发的自动暂停。WarmupDay 每次都重新计算。
func rollover(ws *domain.WarmupState, now time.Time, p Policy) rolloverResult {
	ws.WarmupDay = WarmupDay(ws.WarmupStartedAt, now)

	today := DateKey(now)
	if ws.LastSendDate == today {
		return rolloverResult{}
	}

	res := rolloverResult{rolled: true}
	if ws.BouncesToday == 0 && ws.ReputationScore < MaxReputation {
		ws.ReputationScore = ClampReputation(ws.ReputationScore + p.RecoveryPoints)
		res.recovered = true
	}
	if ws.Paused && ws.AutoPaused {
		ws.Paused = false
		ws.AutoPaused = false
		ws.PauseReason = ""
		res.unpaused = true
	}

	ws.SentToday = 0
	ws.BouncesToday = 0
	ws.LastSendDate = today
	return res
}

func (l *Limiter) load(ctx context.Context) (*warmupState, error) {
	st, err := l.state.Get(ctx)
	if err != nil {
		l.metrics.RecordStorageError(events.ActorWarmup, "load")
		l.log.Error("failed to load warmup state", zap.Error(err))
		return nil, err
	}
	if st.Inboxes == nil {
		st.Inboxes = make(map[string]*domain.WarmupState)
	}
	return st, nil
}

func (l *Limiter) lookup(ctx context.Context, id string) (*domain.WarmupState, error) {
	st, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	ws, ok := st.Inboxes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrInboxNotFound, id)
	}
	return ws, nil
}

func (l *Limiter) flush(ctx context.Context, op string) error {
	if err := l.state.Flush(ctx); err != nil {
		l.metrics.RecordStorageError(events.ActorWarmup, op)
		l.log.Error("failed to persist warmup state", zap.String("op", op), zap.String("key", l.state.Key()), zap.Error(err))
		return err
	}
	return nil
}
