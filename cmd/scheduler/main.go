package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pipeline_forecast_backend/internal/adapters/storage"
	"pipeline_forecast_backend/internal/cache"
	"pipeline_forecast_backend/internal/events"
	"pipeline_forecast_backend/internal/notification"
	"pipeline_forecast_backend/internal/notification/redispub"
	"pipeline_forecast_backend/internal/pipeline"
	"pipeline_forecast_backend/internal/pipeline/ports"
	"pipeline_forecast_backend/internal/scheduler"
	"pipeline_forecast_backend/platform/config"
	"pipeline_forecast_backend/platform/db"
	"pipeline_forecast_backend/platform/logger"
	"pipeline_forecast_backend/platform/metrics"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting scheduler", "env", cfg.Env)

	if cfg.GetRedisURL() == "" {
		panic("REDIS_URL is required for the scheduler")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	redisClient, err := cache.NewRedisClient(cfg.GetRedisURL(), cfg.GetRedisTLSInsecure())
	if err != nil {
		log.Error("failed to initialize redis client", "error", err)
		panic("failed to initialize redis client: " + err.Error())
	}
	defer func() { _ = redisClient.Close() }()
	if err := withRetry(ctx, log, "redis connection", 5, time.Second, func() error {
		return redisClient.Ping(ctx).Err()
	}); err != nil {
		log.Error("failed to connect to redis", "error", err)
		panic("failed to connect to redis: " + err.Error())
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)
	metricsSrv := serveMetrics(cfg.GetMetricsAddr(), registry, log)

	fast, err := cache.NewLocalTier(cfg.GetCacheFastSize(), cfg.GetCacheFastTTL())
	if err != nil {
		panic("failed to initialize local cache: " + err.Error())
	}
	shared := cache.NewRedisTier(redisClient, cfg.GetCacheSharedTTL(), cfg.GetCacheStaleRetention())
	cacheCoordinator, err := cache.New(cache.Options{
		Fast:             fast,
		Shared:           shared,
		Broadcaster:      shared,
		RecomputeTimeout: cfg.GetCacheRecomputeTimeout(),
		Metrics:          m,
		Log:              log,
	})
	if err != nil {
		panic("failed to initialize cache: " + err.Error())
	}
	go cache.NewRetryLoop(cacheCoordinator, log, cfg.GetCacheRetryInterval()).Run(ctx)
	go func() {
		if err := cacheCoordinator.Listen(ctx, nil); err != nil {
			log.Error("cache invalidation listener stopped", "error", err)
		}
	}()

	eventBus := events.NewInMemoryBus(log)

	// Forecast updates computed here reach API processes through Redis.
	notificationModule := notification.New(nil, redispub.New(redisClient, "", log), log)
	notificationModule.RegisterHandlers(eventBus)

	engine, err := pipeline.NewEngine(pipeline.Dependencies{
		Config:   cfg,
		Pool:     pool,
		Cache:    cacheCoordinator,
		EventBus: eventBus,
		Archiver: initArchiver(ctx, cfg, log),
		Metrics:  m,
		Log:      log,
	})
	if err != nil {
		log.Error("failed to initialize pipeline engine", "error", err)
		panic("failed to initialize pipeline engine: " + err.Error())
	}

	worker, err := scheduler.NewWorker(cfg, engine.Orchestrator, log)
	if err != nil {
		log.Error("failed to initialize scheduler worker", "error", err)
		panic("failed to initialize scheduler worker: " + err.Error())
	}

	// Warm the aggregates before the first event arrives.
	go func() {
		report, err := engine.Orchestrator.Reconcile(ctx)
		if err != nil {
			log.Error("startup reconcile failed", "error", err)
			return
		}
		log.Info("startup reconcile finished", "scopes", report.Scopes, "mismatched", report.Mismatched)
	}()

	worker.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	eventBus.Wait()
	log.Info("scheduler stopped")
}

func serveMetrics(addr string, gatherer prometheus.Gatherer, log *logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "error", err)
		}
	}()
	return srv
}

func initArchiver(ctx context.Context, cfg *config.Config, log *logger.Logger) ports.Archiver {
	if !cfg.IsMinIOEnabled() {
		log.Warn("MINIO_ENDPOINT not configured; forecast archive disabled")
		return nil
	}
	storageSvc, err := storage.NewMinIOService(cfg)
	if err != nil {
		log.Error("failed to initialize storage service", "error", err)
		panic("failed to initialize storage service: " + err.Error())
	}
	bucket := cfg.GetForecastArchiveBucket()
	if err := withRetry(ctx, log, "ensure forecast archive bucket", 5, 2*time.Second, func() error {
		return storageSvc.EnsureBucketExists(ctx, bucket)
	}); err != nil {
		log.Error("failed to ensure storage bucket exists", "error", err, "bucket", bucket)
		panic("failed to ensure storage bucket exists: " + err.Error())
	}
	return storage.NewForecastArchiver(storageSvc, bucket, log)
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
