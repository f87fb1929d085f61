package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"pipeline_forecast_backend/platform/logger"
)

// DefaultReconcileCron is used when no reconcile schedule is configured.
const DefaultReconcileCron = "@daily"

// Reconciler runs one full reconciliation pass.
type Reconciler interface {
	Reconcile(ctx context.Context) (ReconcileReport, error)
}

// ReconcileLoop runs reconciliation in-process: once at startup, then on a cron
// schedule and whenever TriggerReconcile asks for a pass. Every pass runs on the
// context given to Run, so shutdown interrupts it.
type ReconcileLoop struct {
	recon    Reconciler
	schedule cron.Schedule
	log      *logger.Logger
	requests chan string
}

func NewReconcileLoop(recon Reconciler, spec string, log *logger.Logger) (*ReconcileLoop, error) {
	if spec == "" {
		spec = DefaultReconcileCron
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse reconcile schedule %q: %w", spec, err)
	}
	return &ReconcileLoop{
		recon:    recon,
		schedule: schedule,
		log:      log,
		requests: make(chan string, 1),
	}, nil
}

// TriggerReconcile requests a pass. At most one request waits at a time;
// further requests fold into it.
func (l *ReconcileLoop) TriggerReconcile(_ context.Context, reason string) error {
	select {
	case l.requests <- reason:
	default:
		l.log.Info("reconcile already requested", "reason", reason)
	}
	return nil
}

// Run blocks until ctx is cancelled.
func (l *ReconcileLoop) Run(ctx context.Context) {
	l.run(ctx, "startup")

	for {
		now := time.Now()
		timer := time.NewTimer(l.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			l.run(ctx, "schedule")
		case reason := <-l.requests:
			timer.Stop()
			l.run(ctx, reason)
		}
	}
}

func (l *ReconcileLoop) run(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	report, err := l.recon.Reconcile(ctx)
	if err != nil {
		l.log.Error("reconcile failed", "reason", reason, "error", err)
		return
	}
	l.log.Info("reconcile finished",
		"reason", reason,
		"scopes", report.Scopes,
		"mismatched", report.Mismatched,
		"skipped", report.Skipped,
		"durationMs", time.Since(start).Milliseconds(),
	)
}
