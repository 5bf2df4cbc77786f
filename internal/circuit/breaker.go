package circuit

import "time"

// State 熔断器状态
type State string

const (
	StateClosed   State = "closed"    // 正常放行
	StateOpen     State = "open"      // 熔断中，拒绝所有请求
	StateHalfOpen State = "half-open" // 试探中，允许少量请求
)

// Policy 熔断策略参数
type Policy struct {
	FailureThreshold int           // 连续失败多少次后打开熔断
	ResetTimeout     time.Duration // 打开后多久进入半开状态
	SuccessThreshold int           // 半开状态下连续成功多少次后关闭
}

// DefaultPolicy 返回默认熔断策略（3 次失败 / 5 分钟 / 1 次成功）
func DefaultPolicy() Policy {
	return Policy{
		FailureThreshold: 3,
		ResetTimeout:     5 * time.Minute,
		SuccessThreshold: 1,
	}
}

// normalized 修正非法参数
func (p Policy) normalized() Policy {
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = 3
	}
	if p.ResetTimeout <= 0 {
		p.ResetTimeout = 5 * time.Minute
	}
	if p.SuccessThreshold <= 0 {
		p.SuccessThreshold = 1
	}
	return p
}

// Transition 一次状态迁移
type Transition struct {
	From State
	To   State
}

// Changed 是否发生了状态变化
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Breaker 三态熔断器
//
// 允许的迁移只有：
//   - closed → open（连续失败达到阈值）
//   - open → half-open（超过重置时间）
//   - half-open → closed（成功达到阈值）
//   - half-open → open（任意一次失败）
//
// Breaker 本身不加锁，由持有它的 actor 串行调用。
type Breaker struct {
	State               State      `json:"circuitState"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	HalfOpenSuccesses   int        `json:"halfOpenSuccesses,omitempty"`
	OpenedAt            *time.Time `json:"circuitOpenedAt,omitempty"`
}

// New 创建处于关闭状态的熔断器
func New() Breaker {
	return Breaker{State: StateClosed}
}

// Refresh 根据当前时间推进 open → half-open
func (b *Breaker) Refresh(p Policy, now time.Time) Transition {
	p = p.normalized()
	from := b.current()
	b.State = from

	if from == StateOpen && b.OpenedAt != nil && now.Sub(*b.OpenedAt) >= p.ResetTimeout {
		b.State = StateHalfOpen
		b.HalfOpenSuccesses = 0
	}
	return Transition{From: from, To: b.State}
}

// RecordSuccess 记录一次成功
//
// 调用前会先执行 Refresh，返回的迁移以 Refresh 之后的状态为起点；
// 需要观察 open → half-open 的调用方应先自行调用 Refresh。
// 任何状态下成功都会把连续失败数清零；open 状态不会因成功直接关闭。
func (b *Breaker) RecordSuccess(p Policy, now time.Time) Transition {
	p = p.normalized()
	b.Refresh(p, now)
	from := b.current()
	b.ConsecutiveFailures = 0

	if b.State == StateHalfOpen {
		b.HalfOpenSuccesses++
		if b.HalfOpenSuccesses >= p.SuccessThreshold {
			b.State = StateClosed
			b.HalfOpenSuccesses = 0
			b.OpenedAt = nil
		}
	}
	return Transition{From: from, To: b.State}
}

// RecordFailure 记录一次失败
func (b *Breaker) RecordFailure(p Policy, now time.Time) Transition {
	p = p.normalized()
	b.Refresh(p, now)
	from := b.current()
	b.ConsecutiveFailures++

	switch b.State {
	case StateClosed:
		if b.ConsecutiveFailures >= p.FailureThreshold {
			b.open(now)
		}
	case StateHalfOpen:
		b.open(now)
	}
	return Transition{From: from, To: b.State}
}

// Reset 手动复位为关闭状态
func (b *Breaker) Reset() Transition {
	from := b.current()
	*b = New()
	return Transition{From: from, To: StateClosed}
}

// RetryAt 熔断打开时返回下次可试探的时间
func (b *Breaker) RetryAt(p Policy) *time.Time {
	p = p.normalized()
	if b.current() != StateOpen || b.OpenedAt == nil {
		return nil
	}
	at := b.OpenedAt.Add(p.ResetTimeout)
	return &at
}

// Allows 当前状态是否允许流量
func (b *Breaker) Allows() bool {
	s := b.current()
	return s == StateClosed || s == StateHalfOpen
}

func (b *Breaker) open(now time.Time) {
	opened := now
	b.State = StateOpen
	b.OpenedAt = &opened
	b.HalfOpenSuccesses = 0
}

// current 兼容零值（反序列化缺字段时视为 closed）
func (b *Breaker) current() State {
	if b.State == "" {
		return StateClosed
	}
	return b.State
}
