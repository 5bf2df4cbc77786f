package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"sendcore/backend/internal/pool"
	"sendcore/backend/internal/storage"
)

// HealthChecker 健康检查器
//
// 存活检查只关心进程本身；就绪检查要求状态存储可用且事件队列未积压。
type HealthChecker struct {
	health healthcheck.Handler
	store  storage.StateStore
	logger *zap.Logger
}

// Options 可选检查项
type Options struct {
	Timeout        time.Duration    // 单项检查超时，默认 2 秒
	EventPool      *pool.WorkerPool // 事件发布队列
	MaxPending     int              // 队列积压上限，超过视为未就绪
	ExtraReadiness map[string]func() error
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(store storage.StateStore, logger *zap.Logger, opts Options) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}

	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		store:  store,
		logger: logger.Named("health"),
	}
	hc.addChecks(opts)
	return hc
}

// addChecks 添加健康检查
func (hc *HealthChecker) addChecks(opts Options) {
	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))

	hc.health.AddReadinessCheck("state-store", healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
		defer cancel()
		if err := hc.store.Health(ctx); err != nil {
			hc.logger.Warn("state store unhealthy", zap.Error(err))
			return err
		}
		return nil
	}, opts.Timeout))

	if opts.EventPool != nil && opts.MaxPending > 0 {
		p, limit := opts.EventPool, opts.MaxPending
		hc.health.AddReadinessCheck("event-queue", func() error {
			if n := p.Pending(); n > limit {
				return fmt.Errorf("event queue backlog %d exceeds %d", n, limit)
			}
			return nil
		})
	}

	for name, check := range opts.ExtraReadiness {
		hc.health.AddReadinessCheck(name, check)
	}
}

// LiveHandler 存活检查处理器（/health/live）
func (hc *HealthChecker) LiveHandler() http.Handler {
	return http.HandlerFunc(hc.health.LiveEndpoint)
}

// ReadyHandler 就绪检查处理器（/health/ready）
func (hc *HealthChecker) ReadyHandler() http.Handler {
	return http.HandlerFunc(hc.health.ReadyEndpoint)
}

// CheckHealth 执行一次就绪检查，返回各项结果
func (hc *HealthChecker) CheckHealth(ctx context.Context) map[string]string {
	results := make(map[string]string)
	if err := hc.store.Health(ctx); err != nil {
		results["state-store"] = fmt.Sprintf("ERROR: %v", err)
	} else {
		results["state-store"] = "OK"
	}
	return results
}
