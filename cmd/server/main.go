package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sendcore/backend/internal/auth/jwt"
	"sendcore/backend/internal/circuit"
	"sendcore/backend/internal/config"
	"sendcore/backend/internal/dedup"
	"sendcore/backend/internal/events"
	"sendcore/backend/internal/health"
	"sendcore/backend/internal/inbox"
	"sendcore/backend/internal/logger"
	"sendcore/backend/internal/middleware"
	"sendcore/backend/internal/monitoring"
	"sendcore/backend/internal/pool"
	"sendcore/backend/internal/ratelimit"
	"sendcore/backend/internal/smtp"
	"sendcore/backend/internal/storage/factory"
	httptransport "sendcore/backend/internal/transport/http"
	"sendcore/backend/internal/warmup"
	"sendcore/backend/internal/websocket"
)

// version 构建时通过 -ldflags 覆盖
var version = "dev"

// main 启动 HTTP API、事件流与可选的退信接收 SMTP 服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if cfg.Log.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting sendcore server",
		zap.String("version", version),
		zap.String("log_level", cfg.Log.Level),
		zap.String("storage_driver", cfg.Storage.Driver),
		zap.Bool("auth_enabled", cfg.Auth.JWTSecret != ""),
	)

	if err := run(cfg, log); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
	log.Info("server exited cleanly")
}

func run(cfg *config.Config, log *zap.Logger) error {
	store, err := factory.Open(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize state store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("state store close warning", zap.Error(err))
		}
	}()

	// 独立注册表，附带进程与 Go 运行时指标
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ========== 认证 ==========
	var (
		manager   *jwt.Manager
		validator websocket.TokenValidator
	)
	if cfg.Auth.JWTSecret != "" {
		manager = jwt.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		validator = manager
	} else {
		log.Warn("auth.jwt_secret is empty, service authentication is disabled")
	}

	// ========== 事件分发 ==========
	eventPool := pool.NewWorkerPool(cfg.Events.Workers, cfg.Events.QueueSize, log.Named("events"))
	eventPool.OnPanic = func(any) { metrics.RecordPanic() }
	eventPool.Start(ctx)
	defer eventPool.Stop()

	hub := websocket.NewHub(cfg.CORS.AllowedOrigins, validator, log)
	publishers := events.Multi{hub}
	extraReadiness := map[string]func() error{}

	if cfg.Events.NATSURL != "" {
		nats, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			return err
		}
		defer nats.Close()
		if err := nats.EnsureStream(ctx); err != nil {
			return err
		}
		publishers = append(publishers, nats)
		extraReadiness["nats"] = nats.Healthy
		log.Info("publishing events to NATS", zap.String("url", cfg.Events.NATSURL))
	}
	dispatcher := events.NewDispatcher(eventPool, publishers, metrics, log.Named("events"))

	// ========== Actors ==========
	selector := inbox.NewService(store, inbox.Options{
		Policy: circuit.Policy{
			FailureThreshold: cfg.Selector.FailureThreshold,
			ResetTimeout:     cfg.Selector.ResetTimeout,
			SuccessThreshold: cfg.Selector.SuccessThreshold,
		},
		LatencyWindow: cfg.Selector.LatencyWindow,
		Logger:        log,
		Metrics:       metrics,
		Events:        dispatcher,
	})
	warmupLimiter := warmup.NewLimiter(store, warmup.Options{
		Policy: warmup.Policy{
			BouncePenalty:   cfg.Warmup.BouncePenalty,
			RecoveryPoints:  cfg.Warmup.RecoveryPoints,
			PauseBounceRate: cfg.Warmup.PauseBounceRate,
			PauseMinSent:    cfg.Warmup.PauseMinSent,
		},
		Logger:  log,
		Metrics: metrics,
		Events:  dispatcher,
	})
	governor := ratelimit.NewGovernor(store, ratelimit.Options{
		Providers:      cfg.Governor.Providers,
		DailyBudgetUSD: cfg.Governor.DailyBudgetUSD,
		Logger:         log,
		Metrics:        metrics,
		Events:         dispatcher,
	})
	deduplicator := dedup.New(store, dedup.Options{
		Window:         cfg.Dedup.Window,
		BloomBits:      cfg.Dedup.BloomBits,
		BloomHashes:    cfg.Dedup.BloomHashes,
		FuzzyThreshold: cfg.Dedup.FuzzyThreshold,
		Logger:         log,
		Metrics:        metrics,
		Events:         dispatcher,
	})

	// ========== HTTP ==========
	healthChecker := health.NewHealthChecker(store, log, health.Options{
		EventPool:      eventPool,
		MaxPending:     cfg.Events.QueueSize * 9 / 10,
		ExtraReadiness: extraReadiness,
	})

	var ipLimiter *middleware.IPRateLimiter
	if cfg.RateLimit.RPS > 0 {
		ipLimiter = middleware.NewIPRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, metrics)
	}

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:       cfg,
		Selector:     selector,
		Warmup:       warmupLimiter,
		Governor:     governor,
		Dedup:        deduplicator,
		Auth:         middleware.NewServiceAuth(manager, log),
		RateLimiter:  ipLimiter,
		WebSocketHub: hub,
		Health:       healthChecker,
		Metrics:      metrics,
		Logger:       log,
	})

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// ========== SMTP 退信接收 ==========
	var smtpServer *gosmtp.Server
	if cfg.SMTP.Enabled {
		backend := smtp.NewBackend(selector, warmupLimiter, smtp.Options{
			Domain:  cfg.SMTP.Domain,
			Limiter: smtp.NewConnectionLimiter(cfg.SMTP.MaxConns, cfg.SMTP.RatePerSec),
			Logger:  log,
			Metrics: metrics,
		})
		smtpServer = smtp.NewServer(cfg.SMTP.BindAddr, backend)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if smtpServer != nil {
		group.Go(func() error {
			log.Info("starting bounce SMTP server",
				zap.String("address", cfg.SMTP.BindAddr),
				zap.String("domain", cfg.SMTP.Domain),
			)
			if err := smtpServer.ListenAndServe(); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
				return fmt.Errorf("smtp server: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		hub.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		runDailyReset(groupCtx, warmupLimiter, log)
		return nil
	})

	group.Go(func() error {
		every(groupCtx, cfg.Dedup.CleanupInterval, func() {
			res, err := deduplicator.Cleanup(groupCtx)
			if err != nil {
				log.Error("dedup cleanup failed", zap.Error(err))
				return
			}
			if res.Removed > 0 {
				log.Info("expired fingerprints cleaned up", zap.Int("removed", res.Removed), zap.Int("remaining", res.Remaining))
			}
		})
		return nil
	})

	if ipLimiter != nil {
		group.Go(func() error {
			every(groupCtx, 5*time.Minute, func() {
				if n := ipLimiter.Cleanup(); n > 0 {
					log.Debug("idle rate limit visitors evicted", zap.Int("count", n))
				}
			})
			return nil
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if smtpServer != nil {
			if err := smtpServer.Close(); err != nil {
				log.Warn("SMTP server close warning", zap.Error(err))
			}
		}
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runDailyReset 每个 UTC 零点执行一次预热计数重置
func runDailyReset(ctx context.Context, limiter *warmup.Limiter, log *zap.Logger) {
	for {
		next := warmup.NextMidnight(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		n, err := limiter.DailyReset(ctx)
		if err != nil {
			log.Error("warmup daily reset failed", zap.Error(err))
			continue
		}
		log.Info("warmup daily reset completed", zap.Int("inboxes", n))
	}
}

// every 按固定间隔执行 fn，直到 ctx 结束
func every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
