package scheduler

import (
	"context"
	"fmt"
	"time"

	"pipeline_forecast_backend/internal/events"
	"pipeline_forecast_backend/internal/pipeline"
	"pipeline_forecast_backend/platform/apperr"
	"pipeline_forecast_backend/platform/config"
	"pipeline_forecast_backend/platform/logger"

	"github.com/hibiken/asynq"
)

// Recalculator is the part of the orchestrator the worker drives.
type Recalculator interface {
	Handle(ctx context.Context, evt events.StageChanged) error
	Reconcile(ctx context.Context) (pipeline.ReconcileReport, error)
}

type Worker struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	recalc    Recalculator
	log       *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, recalc Recalculator, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	queue := queueName(cfg)

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
		ShutdownTimeout: 10 * time.Second,
	})

	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{Location: time.UTC})
	cron := cfg.GetReconcileCron()
	if cron == "" {
		cron = pipeline.DefaultReconcileCron
	}
	task, err := NewReconcileTask(ReconcilePayload{Reason: "cron"})
	if err != nil {
		return nil, err
	}
	if _, err := scheduler.Register(cron, task, asynq.Queue(queue), asynq.MaxRetry(0)); err != nil {
		return nil, fmt.Errorf("register reconcile cron %q: %w", cron, err)
	}

	w := newWorker(recalc, log)
	w.server = server
	w.scheduler = scheduler
	return w, nil
}

func newWorker(recalc Recalculator, log *logger.Logger) *Worker {
	mux := asynq.NewServeMux()
	w := &Worker{
		mux:    mux,
		recalc: recalc,
		log:    log,
	}

	mux.HandleFunc(TaskStageChanged, w.handleStageChanged)
	mux.HandleFunc(TaskReconcile, w.handleReconcile)

	return w
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			w.log.Error("reconcile scheduler failed to start", "error", err)
		}
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}

// handleStageChanged recalculates the aggregates an event touches. Events
// that can never succeed are not retried.
func (w *Worker) handleStageChanged(ctx context.Context, task *asynq.Task) error {
	evt, err := ParseStageChangedPayload(task)
	if err != nil {
		w.log.Warn("dropping undecodable stage change", "error", err)
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	err = w.recalc.Handle(ctx, evt)
	if err == nil {
		return nil
	}
	if apperr.Is(err, apperr.KindValidation) || apperr.Is(err, apperr.KindConflict) {
		w.log.Warn("dropping rejected stage change",
			"eventId", evt.EventID,
			"opportunityId", evt.OpportunityID,
			"correlationId", evt.CorrelationID,
			"error", err,
		)
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return err
}

func (w *Worker) handleReconcile(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseReconcilePayload(task)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	start := time.Now()
	report, err := w.recalc.Reconcile(ctx)
	if err != nil {
		w.log.Error("reconcile failed", "reason", payload.Reason, "error", err)
		return err
	}
	w.log.Info("reconcile finished",
		"reason", payload.Reason,
		"scopes", report.Scopes,
		"mismatched", report.Mismatched,
		"skipped", report.Skipped,
		"durationMs", time.Since(start).Milliseconds(),
	)
	return nil
}
