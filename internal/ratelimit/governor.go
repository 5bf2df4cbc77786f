package ratelimit

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

// StateKey 速率与预算状态在存储中的 key
const StateKey = "governor"

// 拒绝原因
const (
	ReasonAllowed            = "allowed"
	ReasonBackoff            = "backoff"
	ReasonMinuteTokenLimit   = "minute_token_limit"
	ReasonMinuteRequestLimit = "minute_request_limit"
	ReasonDailyTokenLimit    = "daily_token_limit"
	ReasonDailyBudget        = "daily_budget"
)

// Options 速率治理器配置
type Options struct {
	// Providers 初始供应商限额，已持久化的供应商以存储为准
	Providers      map[string]domain.ProviderLimits
	DailyBudgetUSD float64
	Now            func() time.Time
	Logger         *zap.Logger
	Metrics        *monitoring.Metrics
	Events         events.Emitter
}

// Headroom 各维度剩余额度，-1 表示不限
type Headroom struct {
	MinuteTokens   int64   `json:"minuteTokens"`
	MinuteRequests int64   `json:"minuteRequests"`
	DayTokens      int64   `json:"dayTokens"`
	BudgetUSD      float64 `json:"budgetUsd"`
}

// CheckResult check 的结果
type CheckResult struct {
	Allowed    bool      `json:"allowed"`
	Reason     string    `json:"reason,omitempty"`
	RetryAfter int       `json:"retryAfter,omitempty"` // 秒
	Remaining  *Headroom `json:"remaining,omitempty"`
}

// ThrottleResult reportThrottled 的结果
type ThrottleResult struct {
	Provider             string    `json:"provider"`
	BackoffUntil         time.Time `json:"backoffUntil"`
	BackoffSeconds       int       `json:"backoffSeconds"`
	ConsecutiveThrottles int       `json:"consecutiveThrottles"`
}

// ProviderStatus 状态快照中的一项
type ProviderStatus struct {
	domain.ProviderBudgetState
	InBackoff bool     `json:"inBackoff"`
	Remaining Headroom `json:"remaining"`
}

// Status 状态快照
type Status struct {
	DailyBudgetUSD  float64          `json:"dailyBudgetUsd"`
	CostToday       float64          `json:"costToday"`
	BudgetRemaining float64          `json:"budgetRemaining"`
	Providers       []ProviderStatus `json:"providers"`
}

type governorState struct {
	Providers       map[string]*domain.ProviderBudgetState `json:"providers"`
	DailyBudgetUSD  float64                                `json:"dailyBudgetUsd"`
	BudgetAlertDate string                                 `json:"budgetAlertDate,omitempty"`
}

// Governor 多供应商速率与共享日预算治理器（进程内单例）
type Governor struct {
	mu    sync.Mutex
	state *actor.State[governorState]

	seed       map[string]domain.ProviderLimits
	seedBudget float64
	reconciled bool

	now     func() time.Time
	log     *zap.Logger
	metrics *monitoring.Metrics
	events  events.Emitter
}

// NewGovernor 创建速率治理器
func NewGovernor(store storage.StateStore, opts Options) *Governor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}

	seed := make(map[string]domain.ProviderLimits, len(opts.Providers))
	for name, limits := range opts.Providers {
		seed[normalizeName(name)] = limits
	}
	budget := opts.DailyBudgetUSD

	// 持久化快照中的预算和同名供应商限额优先于配置，配置中新增的供应商保留
	seedState := func() *governorState {
		st := &governorState{
			Providers:      make(map[string]*domain.ProviderBudgetState, len(seed)),
			DailyBudgetUSD: budget,
		}
		for name, limits := range seed {
			st.Providers[name] = &domain.ProviderBudgetState{Name: name, Limits: limits}
		}
		return st
	}

	return &Governor{
		state:      actor.NewState(store, StateKey, seedState),
		seed:       seed,
		seedBudget: budget,
		now:        opts.Now,
		log:        opts.Logger.Named("governor"),
		metrics:    opts.Metrics,
		events:     opts.Events,
	}
}

// Check 判断一次预计消耗 tokens 的请求能否放行
//
// 依次检查：退避、分钟 token/请求数、日 token、共享日预算。
func (g *Governor) Check(ctx context.Context, provider string, tokens int64) (*CheckResult, error) {
	if tokens < 0 {
		return nil, fmt.Errorf("%w: tokens must not be negative", domain.ErrInvalidArgument)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	st, p, err := g.lookup(ctx, provider)
	if err != nil {
		return nil, err
	}

	now := g.now()
	if minute, day := rollWindows(p, now); minute || day {
		if err := g.flush(ctx, "roll"); err != nil {
			return nil, err
		}
	}

	res := g.evaluate(st, p, tokens, now)
	reason := res.Reason
	if res.Allowed {
		reason = ReasonAllowed
	}
	g.metrics.RecordGovernorDecision(p.Name, reason)
	if !res.Allowed {
		g.log.Debug("request rejected",
			zap.String("provider", p.Name),
			zap.String("reason", res.Reason),
			zap.Int64("tokens", tokens),
			zap.Int("retry_after", res.RetryAfter))
	}
	return res, nil
}

func (g *Governor) evaluate(st *governorState, p *domain.ProviderBudgetState, tokens int64, now time.Time) *CheckResult {
	if p.BackoffUntil != nil && now.Before(*p.BackoffUntil) {
		return &CheckResult{Reason: ReasonBackoff, RetryAfter: ceilSeconds(p.BackoffUntil.Sub(now))}
	}
	if exceeds(p.MinuteTokens, tokens, p.Limits.TokensPerMinute) {
		return &CheckResult{Reason: ReasonMinuteTokenLimit, RetryAfter: minuteRetryAfter(p, now)}
	}
	if exceeds(p.MinuteRequests, 1, p.Limits.RequestsPerMinute) {
		return &CheckResult{Reason: ReasonMinuteRequestLimit, RetryAfter: minuteRetryAfter(p, now)}
	}
	if exceeds(p.DayTokens, tokens, p.Limits.TokensPerDay) {
		return &CheckResult{Reason: ReasonDailyTokenLimit, RetryAfter: dayRetryAfter(now)}
	}

	spent := totalCostToday(st.Providers, now)
	if budgetExceeded(spent, costOf(p.Limits, tokens, nil), st.DailyBudgetUSD) {
		return &CheckResult{Reason: ReasonDailyBudget, RetryAfter: dayRetryAfter(now)}
	}

	room := remaining(st, p, now)
	return &CheckResult{Allowed: true, Remaining: &room}
}

// Consume 记录实际消耗，cost 为空时按单价估算
//
// 成功消耗说明供应商已恢复，清除退避与连续限流计数。
func (g *Governor) Consume(ctx context.Context, provider string, tokens int64, cost *float64) (*ProviderStatus, error) {
	if tokens < 0 || (cost != nil && *cost < 0) {
		return nil, fmt.Errorf("%w: tokens and cost must not be negative", domain.ErrInvalidArgument)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	st, p, err := g.lookup(ctx, provider)
	if err != nil {
		return nil, err
	}

	now := g.now()
	rollWindows(p, now)

	spend := costOf(p.Limits, tokens, cost)
	p.MinuteTokens = addCapped(p.MinuteTokens, tokens)
	p.MinuteRequests = addCapped(p.MinuteRequests, 1)
	p.DayTokens = addCapped(p.DayTokens, tokens)
	p.CostToday += spend
	p.CostTotal += spend
	p.BackoffUntil = nil
	p.ConsecutiveThrottles = 0

	spent := totalCostToday(st.Providers, now)
	alert := st.DailyBudgetUSD > 0 && spent >= st.DailyBudgetUSD && st.BudgetAlertDate != dateKey(now)
	if alert {
		st.BudgetAlertDate = dateKey(now)
	}

	if err := g.flush(ctx, "consume"); err != nil {
		return nil, err
	}

	g.metrics.RecordGovernorUsage(p.Name, tokens, p.CostToday)
	if alert {
		g.log.Warn("daily budget exhausted",
			zap.Float64("cost_today", spent),
			zap.Float64("budget", st.DailyBudgetUSD))
		g.events.Emit(events.New(events.ActorGovernor, events.TypeBudgetExhausted, p.Name, map[string]any{
			"costToday": spent,
			"budget":    st.DailyBudgetUSD,
		}, now))
	}

	status := providerStatus(st, p, now)
	return &status, nil
}

// ReportThrottled 记录供应商限流并设置退避
func (g *Governor) ReportThrottled(ctx context.Context, provider string, retryAfter *int) (*ThrottleResult, error) {
	if retryAfter != nil && *retryAfter < 0 {
		return nil, fmt.Errorf("%w: retryAfter must not be negative", domain.ErrInvalidArgument)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	_, p, err := g.lookup(ctx, provider)
	if err != nil {
		return nil, err
	}

	now := g.now()
	p.ConsecutiveThrottles++
	backoff := BackoffFor(p.ConsecutiveThrottles, retryAfter)
	until := now.Add(backoff).UTC()
	p.BackoffUntil = &until

	if err := g.flush(ctx, "throttle"); err != nil {
		return nil, err
	}

	g.metrics.RecordGovernorThrottle(p.Name)
	g.log.Warn("provider throttled",
		zap.String("provider", p.Name),
		zap.Int("streak", p.ConsecutiveThrottles),
		zap.Duration("backoff", backoff))
	g.events.Emit(events.New(events.ActorGovernor, events.TypeProviderThrottle, p.Name, map[string]any{
		"streak":         p.ConsecutiveThrottles,
		"backoffSeconds": int(backoff / time.Second),
		"backoffUntil":   until,
	}, now))

	return &ThrottleResult{
		Provider:             p.Name,
		BackoffUntil:         until,
		BackoffSeconds:       int(backoff / time.Second),
		ConsecutiveThrottles: p.ConsecutiveThrottles,
	}, nil
}

// StatusSnapshot 返回所有供应商的用量（按名称排序），不写回存储
func (g *Governor) StatusSnapshot(ctx context.Context) (*Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, err := g.load(ctx)
	if err != nil {
		return nil, err
	}

	now := g.now()
	spent := totalCostToday(st.Providers, now)
	out := &Status{
		DailyBudgetUSD:  st.DailyBudgetUSD,
		CostToday:       spent,
		BudgetRemaining: budgetRemaining(spent, st.DailyBudgetUSD),
		Providers:       make([]ProviderStatus, 0, len(st.Providers)),
	}
	for _, p := range st.Providers {
		view := *p
		rollWindows(&view, now)
		out.Providers = append(out.Providers, providerStatus(st, &view, now))
	}
	sort.Slice(out.Providers, func(i, j int) bool { return out.Providers[i].Name < out.Providers[j].Name })
	return out, nil
}

// Reset 清除用量与退避状态，provider 为空时清除全部；限额和累计成本保留
func (g *Governor) Reset(ctx context.Context, provider string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, err := g.load(ctx)
	if err != nil {
		return 0, err
	}

	var targets []*domain.ProviderBudgetState
	if provider == "" {
		for _, p := range st.Providers {
			targets = append(targets, p)
		}
	} else {
		p, ok := st.Providers[normalizeName(provider)]
		if !ok {
			return 0, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, provider)
		}
		targets = append(targets, p)
	}

	for _, p := range targets {
		*p = domain.ProviderBudgetState{Name: p.Name, Limits: p.Limits, CostTotal: p.CostTotal}
	}
	if provider == "" {
		st.BudgetAlertDate = ""
	}

	if err := g.flush(ctx, "reset"); err != nil {
		return 0, err
	}
	g.log.Info("governor usage reset", zap.String("provider", provider), zap.Int("count", len(targets)))
	return len(targets), nil
}

// SetLimits 部分更新供应商限额，供应商不存在时创建
func (g *Governor) SetLimits(ctx context.Context, provider string, patch domain.ProviderLimitsPatch) (*domain.ProviderLimits, error) {
	name := normalizeName(provider)
	if name == "" {
		return nil, fmt.Errorf("%w: provider is required", domain.ErrInvalidArgument)
	}
	if err := validatePatch(patch); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	st, err := g.load(ctx)
	if err != nil {
		return nil, err
	}

	p, ok := st.Providers[name]
	if !ok {
		p = &domain.ProviderBudgetState{Name: name}
		st.Providers[name] = p
	}
	p.Limits = patch.Apply(p.Limits)

	if err := g.flush(ctx, "set_limits"); err != nil {
		return nil, err
	}
	g.log.Info("provider limits updated",
		zap.String("provider", name),
		zap.Bool("created", !ok),
		zap.Int64("tokens_per_minute", p.Limits.TokensPerMinute),
		zap.Int64("requests_per_minute", p.Limits.RequestsPerMinute),
		zap.Int64("tokens_per_day", p.Limits.TokensPerDay))
	limits := p.Limits
	return &limits, nil
}

// SetBudget 调整共享日预算（美元），0 表示不限
func (g *Governor) SetBudget(ctx context.Context, dailyUSD float64) (float64, error) {
	if dailyUSD < 0 {
		return 0, fmt.Errorf("%w: budget must not be negative", domain.ErrInvalidArgument)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	st, err := g.load(ctx)
	if err != nil {
		return 0, err
	}
	previous := st.DailyBudgetUSD
	st.DailyBudgetUSD = dailyUSD
	st.BudgetAlertDate = ""

	if err := g.flush(ctx, "set_budget"); err != nil {
		return 0, err
	}
	g.log.Info("daily budget updated", zap.Float64("previous", previous), zap.Float64("budget", dailyUSD))
	return dailyUSD, nil
}

func (g *Governor) load(ctx context.Context) (*governorState, error) {
	st, err := g.state.Get(ctx)
	if err != nil {
		g.metrics.RecordStorageError(events.ActorGovernor, "load")
		g.log.Error("failed to load governor state", zap.Error(err))
		return nil, err
	}
	if st.Providers == nil {
		st.Providers = make(map[string]*domain.ProviderBudgetState)
	}
	if !g.reconciled {
		g.reconciled = true
		g.warnConfigDrift(st)
	}
	return st, nil
}

// warnConfigDrift 持久化的值与配置不一致时记录警告，以持久化的值为准
func (g *Governor) warnConfigDrift(st *governorState) {
	if st.DailyBudgetUSD != g.seedBudget {
		g.log.Warn("persisted daily budget overrides config",
			zap.Float64("persisted", st.DailyBudgetUSD),
			zap.Float64("configured", g.seedBudget))
	}

	names := make([]string, 0, len(g.seed))
	for name := range g.seed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p, ok := st.Providers[name]
		if !ok || p.Limits == g.seed[name] {
			continue
		}
		g.log.Warn("persisted provider limits override config",
			zap.String("provider", name),
			zap.Any("persisted", p.Limits),
			zap.Any("configured", g.seed[name]))
	}
}

func (g *Governor) lookup(ctx context.Context, provider string) (*governorState, *domain.ProviderBudgetState, error) {
	st, err := g.load(ctx)
	if err != nil {
		return nil, nil, err
	}
	p, ok := st.Providers[normalizeName(provider)]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, provider)
	}
	return st, p, nil
}

func (g *Governor) flush(ctx context.Context, op string) error {
	if err := g.state.Flush(ctx); err != nil {
		g.metrics.RecordStorageError(events.ActorGovernor, op)
		g.log.Error("failed to persist governor state", zap.String("op", op), zap.String("key", g.state.Key()), zap.Error(err))
		return err
	}
	return nil
}

func providerStatus(st *governorState, p *domain.ProviderBudgetState, now time.Time) ProviderStatus {
	return ProviderStatus{
		ProviderBudgetState: *p,
		InBackoff:           p.BackoffUntil != nil && now.Before(*p.BackoffUntil),
		Remaining:           remaining(st, p, now),
	}
}

func remaining(st *governorState, p *domain.ProviderBudgetState, now time.Time) Headroom {
	return Headroom{
		MinuteTokens:   headroom(p.MinuteTokens, p.Limits.TokensPerMinute),
		MinuteRequests: headroom(p.MinuteRequests, p.Limits.RequestsPerMinute),
		DayTokens:      headroom(p.DayTokens, p.Limits.TokensPerDay),
		BudgetUSD:      budgetRemaining(totalCostToday(st.Providers, now), st.DailyBudgetUSD),
	}
}

func budgetRemaining(spent, budget float64) float64 {
	if budget <= 0 {
		return -1
	}
	if spent >= budget {
		return 0
	}
	return budget - spent
}

func validatePatch(patch domain.ProviderLimitsPatch) error {
	for _, v := range []*int64{patch.TokensPerMinute, patch.RequestsPerMinute, patch.TokensPerDay} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%w: limits must not be negative", domain.ErrInvalidArgument)
		}
	}
	if patch.CostPerToken != nil && *patch.CostPerToken < 0 {
		return fmt.Errorf("%w: costPerToken must not be negative", domain.ErrInvalidArgument)
	}
	return nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
