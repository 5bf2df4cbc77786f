package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
//
// 所有方法对 nil 接收者安全，未启用监控时 actor 可以直接传 nil。
type Metrics struct {
	gatherer prometheus.Gatherer

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 发件身份选择器指标
	CircuitTransitions *prometheus.CounterVec
	InboxSelections    *prometheus.CounterVec
	InboxesRegistered  prometheus.Gauge

	// 预热限额指标
	WarmupDecisions *prometheus.CounterVec
	WarmupBounces   prometheus.Counter
	WarmupPauses    *prometheus.CounterVec

	// 速率与预算指标
	GovernorDecisions *prometheus.CounterVec
	GovernorTokens    *prometheus.CounterVec
	GovernorCostToday *prometheus.GaugeVec
	GovernorThrottles *prometheus.CounterVec

	// 去重指标
	DedupChecks      *prometheus.CounterVec
	DedupBloomFill   prometheus.Gauge
	DedupFingerprint prometheus.Gauge

	// 错误指标
	StorageErrors *prometheus.CounterVec
	EventsDropped prometheus.Counter
	PanicsTotal   prometheus.Counter

	// 限流指标
	RateLimitBlocks *prometheus.CounterVec

	// 退信接收
	BouncesReceived *prometheus.CounterVec
}

// NewMetrics 在给定注册表上创建监控指标
//
// reg 为 nil 时使用 prometheus.DefaultRegisterer。测试中应传入独立的
// prometheus.NewRegistry()，避免重复注册。
func NewMetrics(reg *prometheus.Registry) *Metrics {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	return &Metrics{
		gatherer: gatherer,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendcore_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sendcore_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		CircuitTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendcore_circuit_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"from", "to"},
		),

		InboxSelections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendcore_inbox_selections_total",
				Help: "Inbox selections by outcome",
			},
			[]string{"result"},
		),

		InboxesRegistered: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sendcore_inboxes_registered",
				Help: "Number of inboxes tracked by the selector",
			},
		),

		WarmupDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendcore_warmup_decisions_total",
				Help: "Warmup can-send decisions",
			},
			[]string{"allowed"},
		),

		WarmupBounces: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sendcore_warmup_bounces_total",
				Help: "Bounces recorded by the warmup limiter",
			},
		),

		WarmupPauses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendcore_warmup_pauses_total",
				Help: "Inbox pauses by kind",
			},
			[]string{"kind"},
		),

		GovernorDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendcore_governor_decisions_total",
				Help: "Rate governor check results",
			},
			[]string{"provider", "reason"},
		),

		GovernorTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendcore_governor_tokens_total",
				Help: "Tokens consumed per provider",
			},
			[]string{"provider"},
		),

		GovernorCostToday: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sendcore_governor_cost_today_usd",
				Help: "Cost accumulated today per provider",
			},
			[]string{"provider"},
		),

		GovernorThrottles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendcore_governor_throttles_total",
				Help: "Provider throttle reports",
			},
			[]string{"provider"},
		),

		DedupChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendcore_dedup_checks_total",
				Help: "Dedup checks by result",
			},
			[]string{"result"},
		),

		DedupBloomFill: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sendcore_dedup_bloom_fill_ratio",
				Help: "Fraction of bloom filter bits set",
			},
		),

		DedupFingerprint: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sendcore_dedup_fingerprints",
				Help: "Fingerprints held in the exact map",
			},
		),

		StorageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendcore_storage_errors_total",
				Help: "State store failures by actor",
			},
			[]string{"actor", "op"},
		),

		EventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sendcore_events_dropped_total",
				Help: "Events dropped because the delivery queue was full",
			},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sendcore_panics_total",
				Help: "Total number of recovered panics",
			},
		),

		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendcore_rate_limit_blocks_total",
				Help: "Requests blocked by the ingress rate limiter",
			},
			[]string{"limit_type"},
		),
		BouncesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendcore_smtp_bounces_total",
				Help: "Bounce messages received by the SMTP intake",
			},
			[]string{"result"},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordCircuitTransition 记录熔断状态迁移
func (m *Metrics) RecordCircuitTransition(from, to string) {
	if m == nil {
		return
	}
	m.CircuitTransitions.WithLabelValues(from, to).Inc()
}

// RecordSelection 记录一次发件身份选择
func (m *Metrics) RecordSelection(result string) {
	if m == nil {
		return
	}
	m.InboxSelections.WithLabelValues(result).Inc()
}

// UpdateInboxesRegistered 更新已注册发件身份数量
func (m *Metrics) UpdateInboxesRegistered(count int) {
	if m == nil {
		return
	}
	m.InboxesRegistered.Set(float64(count))
}

// RecordWarmupDecision 记录预热放行判断
func (m *Metrics) RecordWarmupDecision(allowed bool) {
	if m == nil {
		return
	}
	label := "false"
	if allowed {
		label = "true"
	}
	m.WarmupDecisions.WithLabelValues(label).Inc()
}

// RecordWarmupBounce 记录一次退信
func (m *Metrics) RecordWarmupBounce() {
	if m == nil {
		return
	}
	m.WarmupBounces.Inc()
}

// RecordWarmupPause 记录暂停（manual / auto）
func (m *Metrics) RecordWarmupPause(kind string) {
	if m == nil {
		return
	}
	m.WarmupPauses.WithLabelValues(kind).Inc()
}

// RecordGovernorDecision 记录速率检查结果，放行时 reason 为 "allowed"
func (m *Metrics) RecordGovernorDecision(provider, reason string) {
	if m == nil {
		return
	}
	m.GovernorDecisions.WithLabelValues(provider, reason).Inc()
}

// RecordGovernorUsage 记录 token 消耗与当日成本
func (m *Metrics) RecordGovernorUsage(provider string, tokens int64, costToday float64) {
	if m == nil {
		return
	}
	m.GovernorTokens.WithLabelValues(provider).Add(float64(tokens))
	m.GovernorCostToday.WithLabelValues(provider).Set(costToday)
}

// RecordGovernorThrottle 记录供应商限流
func (m *Metrics) RecordGovernorThrottle(provider string) {
	if m == nil {
		return
	}
	m.GovernorThrottles.WithLabelValues(provider).Inc()
}

// RecordDedupCheck 记录去重检查结果
func (m *Metrics) RecordDedupCheck(result string) {
	if m == nil {
		return
	}
	m.DedupChecks.WithLabelValues(result).Inc()
}

// UpdateDedupState 更新去重状态指标
func (m *Metrics) UpdateDedupState(fingerprints int, bloomFill float64) {
	if m == nil {
		return
	}
	m.DedupFingerprint.Set(float64(fingerprints))
	m.DedupBloomFill.Set(bloomFill)
}

// RecordStorageError 记录持久化失败
func (m *Metrics) RecordStorageError(actor, op string) {
	if m == nil {
		return
	}
	m.StorageErrors.WithLabelValues(actor, op).Inc()
}

// RecordEventDropped 记录丢弃的事件
func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流拦截
func (m *Metrics) RecordRateLimitBlock(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitBlocks.WithLabelValues(limitType).Inc()
}

// RecordBounceReceived 记录退信接收结果: recorded | ignored | unknown_inbox | error
func (m *Metrics) RecordBounceReceived(result string) {
	if m == nil {
		return
	}
	m.BouncesReceived.WithLabelValues(result).Inc()
}

// HTTPHandler 返回指标暴露处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
