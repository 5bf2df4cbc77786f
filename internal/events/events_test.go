package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sendcore/backend/internal/monitoring"
	"sendcore/backend/internal/pool"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, Event) error { return errors.New("nats down") }

func TestSubject(t *testing.T) {
	e := New(ActorSelector, TypeCircuitChanged, "inbox-1", nil, time.Now())
	assert.Equal(t, "sendcore.selector.circuit_changed", Subject("sendcore", e))
	assert.NotEmpty(t, e.ID)
}

func TestMulti_Publish(t *testing.T) {
	rec := &Recorder{}
	m := Multi{rec, failingPublisher{}, Nop{}}

	err := m.Publish(context.Background(), New(ActorGovernor, TypeProviderThrottle, "openai", nil, time.Now()))
	assert.ErrorContains(t, err, "nats down")
	assert.Len(t, rec.Events(), 1)
}

func TestDispatcher_Emit(t *testing.T) {
	t.Run("异步投递", func(t *testing.T) {
		p := pool.NewWorkerPool(2, 8, nil)
		p.Start(context.Background())

		rec := &Recorder{}
		d := NewDispatcher(p, rec, nil, nil)
		d.Emit(New(ActorWarmup, TypeInboxPaused, "inbox-1", map[string]any{"reason": "manual"}, time.Now()))
		d.Emit(New(ActorWarmup, TypeInboxResumed, "inbox-1", nil, time.Now()))
		p.Stop()

		require.Len(t, rec.Events(), 2)
		assert.Len(t, rec.OfType(TypeInboxPaused), 1)
	})

	t.Run("队列满时丢弃", func(t *testing.T) {
		p := pool.NewWorkerPool(1, 1, nil)
		m := monitoring.NewMetrics(prometheus.NewRegistry())
		d := NewDispatcher(p, &Recorder{}, m, nil)

		d.Emit(New(ActorDedup, TypeDedupCleanup, "", nil, time.Now()))
		d.Emit(New(ActorDedup, TypeDedupCleanup, "", nil, time.Now()))

		assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped))
	})
}
