package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pipeline_forecast_backend/internal/adapters/storage"
	"pipeline_forecast_backend/internal/cache"
	"pipeline_forecast_backend/internal/events"
	apphttp "pipeline_forecast_backend/internal/http"
	"pipeline_forecast_backend/internal/http/router"
	"pipeline_forecast_backend/internal/notification"
	"pipeline_forecast_backend/internal/notification/redispub"
	"pipeline_forecast_backend/internal/notification/sse"
	"pipeline_forecast_backend/internal/pipeline"
	"pipeline_forecast_backend/internal/pipeline/ports"
	"pipeline_forecast_backend/internal/pipeline/service"
	"pipeline_forecast_backend/internal/scheduler"
	"pipeline_forecast_backend/migrations"
	"pipeline_forecast_backend/platform/config"
	"pipeline_forecast_backend/platform/db"
	"pipeline_forecast_backend/platform/logger"
	"pipeline_forecast_backend/platform/metrics"
	"pipeline_forecast_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize structured logger
	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

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
	log.Info("database connection established")

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, pool, migrations.FS)
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	redisClient := initRedis(ctx, cfg, log)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	cacheCoordinator := initCache(cfg, redisClient, m, log)

	// Event bus for decoupled communication between modules
	eventBus := events.NewInMemoryBus(log)

	archiver := initArchiver(ctx, cfg, log)

	// ========================================================================
	// Domain Modules (Composition Root)
	// ========================================================================

	engine, err := pipeline.NewEngine(pipeline.Dependencies{
		Config:   cfg,
		Pool:     pool,
		Cache:    cacheCoordinator,
		EventBus: eventBus,
		Archiver: archiver,
		Metrics:  m,
		Log:      log,
	})
	if err != nil {
		log.Error("failed to initialize pipeline engine", "error", err)
		panic("failed to initialize pipeline engine: " + err.Error())
	}

	// With Redis, stage changes go to the scheduler process; without it the
	// orchestrator runs in this process.
	var dispatcher ports.EventDispatcher = engine.Orchestrator
	var reconcile ports.ReconcileTrigger
	var publisher *redispub.Publisher
	if redisClient != nil {
		client, err := scheduler.NewClient(cfg)
		if err != nil {
			log.Error("failed to initialize scheduler client", "error", err)
			panic("failed to initialize scheduler client: " + err.Error())
		}
		defer func() { _ = client.Close() }()
		dispatcher = client
		reconcile = client
		publisher = redispub.New(redisClient, "", log)
		log.Info("stage changes dispatched to scheduler", "queue", cfg.GetAsynqQueueName())
	} else {
		reconcileLoop, err := pipeline.NewReconcileLoop(engine.Orchestrator, cfg.GetReconcileCron(), log)
		if err != nil {
			log.Error("failed to initialize reconcile loop", "error", err)
			panic("failed to initialize reconcile loop: " + err.Error())
		}
		reconcile = reconcileLoop
		go engine.Orchestrator.Run(ctx)
		go reconcileLoop.Run(ctx)
		log.Warn("REDIS_URL not configured; recalculating and reconciling in process")
	}

	streams := sse.New(log)
	notificationModule := notification.New(streams, publisher, log)
	notificationModule.RegisterHandlers(eventBus)
	defer notificationModule.Close()

	go func() {
		if err := notificationModule.Relay(ctx, nil); err != nil {
			log.Error("forecast relay stopped", "error", err)
		}
	}()
	go func() {
		if err := cacheCoordinator.Listen(ctx, nil); err != nil {
			log.Error("cache invalidation listener stopped", "error", err)
		}
	}()
	go cache.NewRetryLoop(cacheCoordinator, log, cfg.GetCacheRetryInterval()).Run(ctx)

	// Shared validator instance for dependency injection
	val := validator.New()

	commands := service.NewCommands(engine.Rules, engine.Store, dispatcher, log)
	pipelineModule, err := pipeline.NewModule(engine.Reader, commands, reconcile, val)
	if err != nil {
		log.Error("failed to initialize pipeline module", "error", err)
		panic("failed to initialize pipeline module: " + err.Error())
	}

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config:   cfg,
		Logger:   log,
		Health:   pool,
		Metrics:  m,
		Gatherer: registry,
		Modules: []apphttp.Module{
			pipelineModule,
			notificationModule,
		},
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.New(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		srvErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, gracefully shutting down")
		notificationModule.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		eventBus.Wait()
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}
}

func initRedis(ctx context.Context, cfg *config.Config, log *logger.Logger) *redis.Client {
	if cfg.GetRedisURL() == "" {
		return nil
	}
	client, err := cache.NewRedisClient(cfg.GetRedisURL(), cfg.GetRedisTLSInsecure())
	if err != nil {
		log.Error("failed to initialize redis client", "error", err)
		panic("failed to initialize redis client: " + err.Error())
	}
	if err := withRetry(ctx, log, "redis connection", 5, time.Second, func() error {
		return client.Ping(ctx).Err()
	}); err != nil {
		log.Error("failed to connect to redis", "error", err)
		panic("failed to connect to redis: " + err.Error())
	}
	log.Info("redis connection established")
	return client
}

func initCache(cfg *config.Config, client *redis.Client, m *metrics.Metrics, log *logger.Logger) *cache.Coordinator {
	fast, err := cache.NewLocalTier(cfg.GetCacheFastSize(), cfg.GetCacheFastTTL())
	if err != nil {
		panic("failed to initialize local cache: " + err.Error())
	}
	opts := cache.Options{
		Fast:             fast,
		RecomputeTimeout: cfg.GetCacheRecomputeTimeout(),
		Metrics:          m,
		Log:              log,
	}
	if client != nil {
		tier := cache.NewRedisTier(client, cfg.GetCacheSharedTTL(), cfg.GetCacheStaleRetention())
		opts.Shared = tier
		opts.Broadcaster = tier
	}
	c, err := cache.New(opts)
	if err != nil {
		panic("failed to initialize cache: " + err.Error())
	}
	return c
}

// initArchiver returns nil when MinIO is not configured; evicted forecast
// records are then dropped.
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
	log.Info("storage service initialized", "forecastArchiveBucket", bucket)
	return storage.NewForecastArchiver(storageSvc, bucket, log)
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
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
