package events

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"sendcore/backend/internal/monitoring"
	"sendcore/backend/internal/pool"
)

// Multi 依次发布到多个 Publisher，返回合并后的错误
type Multi []Publisher

// Publish 实现 Publisher
func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatcher 通过协程池异步投递事件
//
// 队列满时丢弃事件并计数，不会阻塞调用方。
type Dispatcher struct {
	pool      *pool.WorkerPool
	publisher Publisher
	timeout   time.Duration
	metrics   *monitoring.Metrics
	log       *zap.Logger
}

// NewDispatcher 创建异步事件分发器，pool 需由调用方 Start/Stop
func NewDispatcher(p *pool.WorkerPool, publisher Publisher, metrics *monitoring.Metrics, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		pool:      p,
		publisher: publisher,
		timeout:   5 * time.Second,
		metrics:   metrics,
		log:       log,
	}
}

// Emit 实现 Emitter
func (d *Dispatcher) Emit(e Event) {
	ok := d.pool.TrySubmit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.publisher.Publish(ctx, e); err != nil {
			d.log.Warn("failed to publish event",
				zap.String("type", e.Type),
				zap.String("actor", e.Actor),
				zap.String("subject", e.Subject),
				zap.Error(err))
		}
	})
	if !ok {
		d.metrics.RecordEventDropped()
		d.log.Warn("event queue full, dropping event",
			zap.String("type", e.Type),
			zap.String("actor", e.Actor))
	}
}
