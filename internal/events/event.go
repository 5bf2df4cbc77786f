package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Actor 事件来源
const (
	ActorSelector = "selector"
	ActorWarmup   = "warmup"
	ActorGovernor = "governor"
	ActorDedup    = "dedup"
)

// KnownActor 判断是否为已知的事件来源
func KnownActor(name string) bool {
	switch name {
	case ActorSelector, ActorWarmup, ActorGovernor, ActorDedup:
		return true
	}
	return false
}

// 事件类型
const (
	TypeCircuitChanged   = "circuit_changed"
	TypeInboxRemoved     = "inbox_removed"
	TypeInboxPaused      = "inbox_paused"
	TypeInboxResumed     = "inbox_resumed"
	TypeDailyReset       = "daily_reset"
	TypeProviderThrottle = "provider_throttled"
	TypeBudgetExhausted  = "budget_exhausted"
	TypeDedupCleanup     = "dedup_cleanup"
)

// Event actor 状态变化事件
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Actor     string         `json:"actor"`
	Subject   string         `json:"subject,omitempty"` // inbox id / provider 名称
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New 创建事件
func New(actor, eventType, subject string, data map[string]any, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Actor:     actor,
		Subject:   subject,
		Data:      data,
		Timestamp: at.UTC(),
	}
}

// Publisher 同步发布事件
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Emitter actor 使用的非阻塞事件出口
//
// Emit 不能阻塞也不能失败，actor 在持有锁时调用它。
type Emitter interface {
	Emit(e Event)
}

// Nop 丢弃所有事件
type Nop struct{}

// Emit 实现 Emitter
func (Nop) Emit(Event) {}

// Publish 实现 Publisher
func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder 在内存中记录事件
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit 实现 Emitter
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Publish 实现 Publisher
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.Emit(e)
	return nil
}

// Events 返回已记录事件的副本
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType 按类型过滤已记录事件
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
