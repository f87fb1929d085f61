package pipeline

import (
	"context"
	"io"
	"testing"
	"time"

	"pipeline_forecast_backend/internal/pipeline/aggregate"
	"pipeline_forecast_backend/internal/pipeline/domain"
	"pipeline_forecast_backend/platform/logger"
)

type countingReconciler struct {
	calls chan string
	block bool
}

func newCountingReconciler(block bool) *countingReconciler {
	return &countingReconciler{calls: make(chan string, 16), block: block}
}

func (r *countingReconciler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	r.calls <- "pass"
	if r.block {
		<-ctx.Done()
		return ReconcileReport{}, ctx.Err()
	}
	return ReconcileReport{Scopes: 1}, nil
}

func (r *countingReconciler) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.calls:
		case <-time.After(5 * time.Second):
			t.Fatalf("expected %d reconcile passes, got %d", n, i)
		}
	}
}

func discardLogger() *logger.Logger {
	return logger.NewWithWriter("production", io.Discard)
}

func runLoop(t *testing.T, loop *ReconcileLoop) (context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()
	return cancel, done
}

func waitStopped(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected loop to stop after cancellation")
	}
}

func TestReconcileLoopRunsAtStartupAndOnSchedule(t *testing.T) {
	recon := newCountingReconciler(false)
	loop, err := NewReconcileLoop(recon, "@every 20ms", discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cancel, done := runLoop(t, loop)
	recon.wait(t, 3)
	cancel()
	waitStopped(t, done)
}

func TestReconcileLoopRunsTriggeredPass(t *testing.T) {
	recon := newCountingReconciler(false)
	loop, err := NewReconcileLoop(recon, "", discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cancel, done := runLoop(t, loop)
	defer func() {
		cancel()
		waitStopped(t, done)
	}()
	recon.wait(t, 1)

	if err := loop.TriggerReconcile(context.Background(), "manual"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	recon.wait(t, 1)
}

func TestReconcileLoopCancellationInterruptsPass(t *testing.T) {
	recon := newCountingReconciler(true)
	loop, err := NewReconcileLoop(recon, "@daily", discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cancel, done := runLoop(t, loop)
	recon.wait(t, 1)
	cancel()
	waitStopped(t, done)
}

func TestReconcileLoopFoldsTriggersIntoWaitingPass(t *testing.T) {
	recon := newCountingReconciler(false)
	loop, err := NewReconcileLoop(recon, "@daily", discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Run has not started, so every request lands in the one waiting slot.
	for i := 0; i < 3; i++ {
		if err := loop.TriggerReconcile(context.Background(), "manual"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(loop.requests) != 1 {
		t.Fatalf("expected 1 waiting request, got %d", len(loop.requests))
	}
}

func TestNewReconcileLoopRejectsBadSchedule(t *testing.T) {
	if _, err := NewReconcileLoop(newCountingReconciler(false), "every tuesday", discardLogger()); err == nil {
		t.Fatalf("expected invalid schedule to be rejected")
	}
}

func TestReconcileLoopRebuildsOrchestratorScopes(t *testing.T) {
	opp := deal(domain.StageDiscovery, 1000, 20)
	f := newFixture(t, 3, opp)

	loop, err := NewReconcileLoop(f.orch, "@daily", discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancel, done := runLoop(t, loop)
	defer func() {
		cancel()
		waitStopped(t, done)
	}()

	scope := aggregate.Scope{GroupBy: aggregate.ByOwner, Group: ownerA.String(), Period: q3}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if set, ok := f.orch.Aggregates().Get(scope); ok && set.Len() == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected startup pass to rebuild owner scope with 1 deal")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
