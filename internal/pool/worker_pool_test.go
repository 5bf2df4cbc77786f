package pool

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsAllTasks(t *testing.T) {
	ctx := context.Background()
	p := NewWorkerPool(4, 64, nil)
	p.Start(ctx)

	var done atomic.Int32
	for i := 0; i < 50; i++ {
		require.True(t, p.TrySubmit(func() { done.Add(1) }))
	}
	p.Stop()

	assert.Equal(t, int32(50), done.Load())
	assert.Equal(t, uint64(50), p.Stats().Processed)
}

func TestWorkerPool_TrySubmitWhenFull(t *testing.T) {
	// 未启动的协程池不会消费任务
	p := NewWorkerPool(1, 1, nil)

	assert.True(t, p.TrySubmit(func() {}))
	assert.False(t, p.TrySubmit(func() {}))
	assert.Equal(t, 1, p.Pending())
}

func TestWorkerPool_ClosedPoolRejects(t *testing.T) {
	p := NewWorkerPool(1, 4, nil)
	p.Start(context.Background())
	p.Stop()
	p.Stop()

	assert.False(t, p.TrySubmit(func() {}))
}

func TestWorkerPool_RecoversPanic(t *testing.T) {
	ctx := context.Background()
	p := NewWorkerPool(1, 4, nil)
	var panics atomic.Int32
	p.OnPanic = func(any) { panics.Add(1) }
	p.Start(ctx)

	var ran atomic.Bool
	require.True(t, p.TrySubmit(func() { panic("boom") }))
	require.True(t, p.TrySubmit(func() { ran.Store(true) }))
	p.Stop()

	assert.Equal(t, int32(1), panics.Load())
	assert.True(t, ran.Load())
	assert.Equal(t, Stats{Workers: 1, Processed: 2, Panicked: 1}, p.Stats())
}
