// Package pool 提供固定大小的后台协程池，用于事件投递等异步任务。
package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Stats 协程池运行统计
type Stats struct {
	Workers   int    `json:"workers"`
	Pending   int    `json:"pending"`
	Processed uint64 `json:"processed"`
	Panicked  uint64 `json:"panicked"`
}

// WorkerPool 固定数量的工作协程消费一个有界队列
//
// 停止后 TrySubmit 返回 false，已入队的任务仍会执行完毕。
type WorkerPool struct {
	workers int
	queue   chan func()
	wg      sync.WaitGroup
	log     *zap.Logger

	mu     sync.RWMutex
	closed bool

	processed atomic.Uint64
	panicked  atomic.Uint64

	// OnPanic 任务 panic 时回调
	OnPanic func(recovered any)
}

// NewWorkerPool 创建协程池，需要调用 Start 后才会消费任务
func NewWorkerPool(workers, queueSize int, log *zap.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerPool{
		workers: workers,
		queue:   make(chan func(), queueSize),
		log:     log,
	}
}

// Start 启动工作协程，ctx 结束后协程退出，队列中剩余任务不再执行
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
}

// TrySubmit 非阻塞提交，队列满或已停止时返回 false
func (p *WorkerPool) TrySubmit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}
	select {
	case p.queue <- task:
		return true
	default:
		return false
	}
}

// Pending 队列中等待执行的任务数
func (p *WorkerPool) Pending() int {
	return len(p.queue)
}

// Stats 返回运行统计
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		Pending:   len(p.queue),
		Processed: p.processed.Load(),
		Panicked:  p.panicked.Load(),
	}
}

// Stop 停止接收任务并等待工作协程退出，可重复调用
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *WorkerPool) work(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(task)
		}
	}
}

func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.log.Error("worker task panicked", zap.Any("panic", r), zap.Stack("stack"))
			if p.OnPanic != nil {
				p.OnPanic(r)
			}
		}
		p.processed.Add(1)
	}()
	task()
}
