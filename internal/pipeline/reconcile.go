package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"pipeline_forecast_backend/internal/pipeline/aggregate"
	"pipeline_forecast_backend/internal/pipeline/domain"
	"pipeline_forecast_backend/internal/pipeline/ports"
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Scopes     int
	Mismatched int
	Skipped    int
}

// Reconcile rebuilds every scope from the opportunity store and swaps the
// rebuilt sets in one scope at a time. Scopes that received events after the
// rebuild snapshot are skipped; they are already newer than the rebuild.
// Cancellation stops between scopes, so each scope is either fully old or
// fully rebuilt.
func (o *Orchestrator) Reconcile(ctx context.Context) (ReconcileReport, error) {
	start := time.Now()
	defer o.metrics.ObserveReconcile(start)

	snapshot := o.seq.Load()
	opps, err := o.store.List(ctx, ports.Filter{})
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("reconcile: list opportunities: %w", err)
	}

	var scopes, mismatched, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.reconcileWorkers)

	for _, by := range []aggregate.GroupBy{aggregate.ByOwner, aggregate.ByTerritory} {
		rebuilt := aggregate.Partition(opps, by)
		// Scopes whose opportunities all disappeared rebuild to empty.
		for _, sc := range o.aggregates.Scopes(by) {
			if _, ok := rebuilt[sc]; !ok {
				rebuilt[sc] = nil
			}
		}

		for sc, members := range rebuilt {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				scopes.Add(1)
				swapped, changed, err := o.reconcileScope(gctx, sc, members, snapshot)
				if !swapped {
					skipped.Add(1)
				}
				if changed {
					mismatched.Add(1)
				}
				return err
			})
		}
	}

	err = g.Wait()
	report := ReconcileReport{
		Scopes:     int(scopes.Load()),
		Mismatched: int(mismatched.Load()),
		Skipped:    int(skipped.Load()),
	}
	o.log.Info("reconcile finished",
		"scopes", report.Scopes,
		"mismatched", report.Mismatched,
		"skipped", report.Skipped,
		"durationMs", time.Since(start).Milliseconds())
	if err != nil {
		return report, fmt.Errorf("reconcile: %w", err)
	}
	return report, nil
}

// reconcileScope swaps in the rebuilt set of one scope. It reports whether the
// swap happened and whether the rebuilt set differed from the incremental one.
func (o *Orchestrator) reconcileScope(ctx context.Context, scope aggregate.Scope, members []domain.Opportunity, snapshot uint64) (bool, bool, error) {
	unlock := o.locks.Lock(scope.String())
	defer unlock()

	if o.aggregates.Seq(scope) > snapshot {
		return false, false, nil
	}

	old, existed := o.aggregates.Get(scope)
	fresh := o.aggregates.Replace(scope, members, snapshot)
	if !existed || old.Equal(fresh) {
		return true, false, nil
	}

	diff := aggregate.Diff(old, fresh)
	o.log.AggregateMismatch(scope.String(), len(diff), aggregate.DescribeDiff(diff))
	o.metrics.Inconsistent()

	if err := o.refresh(ctx, scope, fresh, ""); err != nil {
		return true, true, err
	}
	return true, true, nil
}
