package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pipeline_forecast_backend/internal/cache"
	"pipeline_forecast_backend/internal/events"
	"pipeline_forecast_backend/internal/pipeline/aggregate"
	"pipeline_forecast_backend/internal/pipeline/domain"
	"pipeline_forecast_backend/internal/pipeline/forecast"
	"pipeline_forecast_backend/internal/pipeline/ports"
	"pipeline_forecast_backend/internal/pipeline/service"
	"pipeline_forecast_backend/platform/apperr"
	"pipeline_forecast_backend/platform/logger"
	"pipeline_forecast_backend/platform/metrics"
)

// Status reports whether the orchestrator has work in flight.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
)

// Event outcomes recorded in metrics.
const (
	outcomeApplied  = "applied"
	outcomeStale    = "stale"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

// OrchestratorConfig sizes the event queue and worker pool.
type OrchestratorConfig struct {
	Workers          int
	QueueSize        int
	ReconcileWorkers int
}

// Orchestrator consumes stage changes, keeps the aggregate store current and
// refreshes the cached summaries and forecasts of the affected scopes. Work on
// one scope is serialized; different scopes proceed in parallel.
type Orchestrator struct {
	rules      *domain.Rules
	store      ports.OpportunityStore
	aggregates *aggregate.Store
	projector  *service.Projector
	history    *forecast.History
	cache      *cache.Coordinator
	locks      *cache.KeyMutex
	eventBus   events.Bus
	archiver   ports.Archiver // optional
	metrics    *metrics.Metrics
	log        *logger.Logger

	queue            chan events.StageChanged
	workers          int
	reconcileWorkers int
	seq              atomic.Uint64
	pending          atomic.Int64
}

func NewOrchestrator(
	cfg OrchestratorConfig,
	rules *domain.Rules,
	store ports.OpportunityStore,
	projector *service.Projector,
	history *forecast.History,
	cacheCoordinator *cache.Coordinator,
	eventBus events.Bus,
	archiver ports.Archiver,
	m *metrics.Metrics,
	log *logger.Logger,
) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.ReconcileWorkers <= 0 {
		cfg.ReconcileWorkers = cfg.Workers
	}
	return &Orchestrator{
		rules:            rules,
		store:            store,
		aggregates:       aggregate.NewStore(),
		projector:        projector,
		history:          history,
		cache:            cacheCoordinator,
		locks:            cache.NewKeyMutex(),
		eventBus:         eventBus,
		archiver:         archiver,
		metrics:          m,
		log:              log,
		queue:            make(chan events.StageChanged, cfg.QueueSize),
		workers:          cfg.Workers,
		reconcileWorkers: cfg.ReconcileWorkers,
	}
}

// Status returns Processing while events are queued or being handled.
func (o *Orchestrator) Status() Status {
	if o.pending.Load() > 0 {
		return StatusProcessing
	}
	return StatusIdle
}

// Aggregates exposes the aggregate store for inspection.
func (o *Orchestrator) Aggregates() *aggregate.Store {
	return o.aggregates
}

// Enqueue queues evt for the worker pool, blocking while the queue is full.
func (o *Orchestrator) Enqueue(ctx context.Context, evt events.StageChanged) error {
	o.pending.Add(1)
	select {
	case o.queue <- evt:
		return nil
	case <-ctx.Done():
		o.pending.Add(-1)
		return apperr.Unavailable("recalculation queue is full", ctx.Err())
	}
}

// DispatchStageChanged implements ports.EventDispatcher for in-process use.
func (o *Orchestrator) DispatchStageChanged(ctx context.Context, evt events.StageChanged) error {
	return o.Enqueue(ctx, evt)
}

// Run drains the queue with the configured number of workers until ctx is
// cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case evt := <-o.queue:
					// Handle is detached from ctx so that shutdown does not
					// abandon a scope halfway through its refresh.
					if err := o.Handle(context.WithoutCancel(ctx), evt); err != nil {
						o.log.Error("orchestrator: stage change failed",
							"opportunityId", evt.OpportunityID,
							"eventId", evt.EventID,
							"error", err)
					}
					o.pending.Add(-1)
				}
			}
		}()
	}
	o.log.Info("orchestrator started", "workers", o.workers, "queueSize", cap(o.queue))
	wg.Wait()
	o.log.Info("orchestrator stopped")
}

// Handle applies one stage change to the owner and territory scopes and
// refreshes their cached views. Rejected events return a validation or
// conflict error and change nothing.
func (o *Orchestrator) Handle(ctx context.Context, evt events.StageChanged) error {
	o.pending.Add(1)
	defer o.pending.Add(-1)

	if evt.CorrelationID != "" {
		ctx = context.WithValue(ctx, logger.CorrelationIDKey, evt.CorrelationID)
	}

	after, err := o.snapshot(evt)
	if err != nil {
		o.metrics.EventHandled(outcomeRejected)
		o.log.WithContext(ctx).Warn("orchestrator: rejected stage change",
			"opportunityId", evt.OpportunityID,
			"fromStage", evt.FromStage,
			"toStage", evt.ToStage,
			"error", err)
		return err
	}

	seq := o.seq.Add(1)
	applied := false
	for _, by := range []aggregate.GroupBy{aggregate.ByOwner, aggregate.ByTerritory} {
		ok, err := o.applyScope(ctx, aggregate.ScopeOf(by, after), after, seq, evt.CorrelationID)
		if err != nil {
			o.metrics.EventHandled(outcomeFailed)
			return err
		}
		applied = applied || ok
	}

	if !applied {
		o.metrics.EventHandled(outcomeStale)
		o.log.WithContext(ctx).Info("orchestrator: ignored out of date stage change",
			"opportunityId", evt.OpportunityID,
			"toStage", evt.ToStage,
			"timestamp", evt.Timestamp)
		return nil
	}
	o.metrics.EventHandled(outcomeApplied)
	return nil
}

// snapshot validates evt against the rule table and returns the opportunity
// as it stands after the change. An empty FromStage marks a creation.
func (o *Orchestrator) snapshot(evt events.StageChanged) (domain.Opportunity, error) {
	if evt.OpportunityID == uuid.Nil {
		return domain.Opportunity{}, apperr.Validation("stage change without opportunity id")
	}
	to, err := domain.ParseStage(evt.ToStage)
	if err != nil {
		return domain.Opportunity{}, err
	}
	if !o.rules.Has(to) {
		return domain.Opportunity{}, apperr.Conflict(fmt.Sprintf("stage %s is not enabled", to)).WithCode(domain.CodeInvalidTransition)
	}
	period, err := domain.ParsePeriod(evt.Period)
	if err != nil {
		return domain.Opportunity{}, err
	}
	if err := domain.ValidateAmount(evt.Amount); err != nil {
		return domain.Opportunity{}, err
	}
	at := evt.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	if evt.FromStage == "" {
		if to.IsTerminal() {
			return domain.Opportunity{}, apperr.Conflict("opportunities cannot be created closed").WithCode(domain.CodeInvalidTransition)
		}
		probability, _ := o.rules.DefaultProbability(to)
		if evt.ToProbability != nil {
			if *evt.ToProbability < 0 || *evt.ToProbability > 100 {
				return domain.Opportunity{}, apperr.Validation(fmt.Sprintf("probability %d is outside [0,100]", *evt.ToProbability)).
					WithCode(domain.CodeInvalidProbability)
			}
			probability = *evt.ToProbability
		}
		return domain.Opportunity{
			ID:          evt.OpportunityID,
			Stage:       to,
			Amount:      evt.Amount,
			Period:      period,
			OwnerID:     evt.OwnerID,
			TerritoryID: evt.TerritoryID,
			Probability: probability,
			UpdatedAt:   at,
		}, nil
	}

	from, err := domain.ParseStage(evt.FromStage)
	if err != nil {
		return domain.Opportunity{}, err
	}
	before := domain.Opportunity{
		ID:          evt.OpportunityID,
		Stage:       from,
		Amount:      evt.Amount,
		Period:      period,
		OwnerID:     evt.OwnerID,
		TerritoryID: evt.TerritoryID,
	}
	if evt.FromProbability != nil {
		before.Probability = *evt.FromProbability
	} else {
		before.Probability, _ = o.rules.DefaultProbability(from)
	}

	next, _, err := o.rules.Transition(before, to, domain.TransitionMetadata{ProbabilityOverride: evt.ToProbability, At: at})
	return next, err
}

// applyScope folds after into one scope under the scope's lock and refreshes
// the cached views derived from it. It reports false when the scope already
// held a newer snapshot of the opportunity.
func (o *Orchestrator) applyScope(ctx context.Context, scope aggregate.Scope, after domain.Opportunity, seq uint64, correlationID string) (bool, error) {
	unlock := o.locks.Lock(scope.String())
	defer unlock()

	if _, ok := o.aggregates.Get(scope); !ok {
		if err := o.materialize(ctx, scope, seq); err != nil {
			return false, err
		}
	}

	set, applied, err := o.aggregates.Apply(scope, after, seq)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	if err := o.refresh(ctx, scope, set, correlationID); err != nil {
		return true, err
	}
	if scope.GroupBy == aggregate.ByOwner && after.Stage.IsTerminal() {
		if err := o.cache.Invalidate(ctx, service.ClosedKey(after.OwnerID, after.Period)); err != nil {
			return true, err
		}
	}
	return true, nil
}

// materialize loads a scope from the opportunity store. Closed opportunities
// are included so that the scope remembers them as departed.
func (o *Orchestrator) materialize(ctx context.Context, scope aggregate.Scope, seq uint64) error {
	id, err := uuid.Parse(scope.Group)
	if err != nil {
		return fmt.Errorf("scope %s: %w", scope, err)
	}
	period := scope.Period
	filter := ports.Filter{Period: &period}
	switch scope.GroupBy {
	case aggregate.ByOwner:
		filter.OwnerID = &id
	case aggregate.ByTerritory:
		filter.TerritoryID = &id
	default:
		return fmt.Errorf("scope %s cannot be materialized", scope)
	}

	opps, err := o.store.List(ctx, filter)
	if err != nil {
		return fmt.Errorf("load scope %s: %w", scope, err)
	}
	o.aggregates.Load(scope, opps, seq)
	o.log.Debug("orchestrator: materialized scope", "scope", scope.String(), "opportunities", len(opps))
	return nil
}

// refresh recomputes the views of a scope from set and writes them to the
// cache. Callers hold the scope lock.
func (o *Orchestrator) refresh(ctx context.Context, scope aggregate.Scope, set aggregate.Set, correlationID string) error {
	id, err := uuid.Parse(scope.Group)
	if err != nil {
		return fmt.Errorf("scope %s: %w", scope, err)
	}

	switch scope.GroupBy {
	case aggregate.ByOwner:
		summary, err := o.projector.Summary(ctx, id, scope.Period, set.Buckets())
		if err != nil {
			return err
		}
		return cache.Put(ctx, o.cache, service.SummaryKey(id, scope.Period), summary)
	case aggregate.ByTerritory:
		return o.refreshForecasts(ctx, id, scope.Period, set, correlationID)
	default:
		return fmt.Errorf("scope %s has no cached views", scope)
	}
}

func (o *Orchestrator) refreshForecasts(ctx context.Context, territoryID uuid.UUID, period domain.Period, set aggregate.Set, correlationID string) error {
	records, err := o.projector.Forecasts(ctx, territoryID, period, set.Buckets())
	if err != nil {
		return err
	}

	var evicted []forecast.Record
	var errs []error
	for _, rec := range records {
		stored, dropped := o.history.Supersede(rec)
		evicted = append(evicted, dropped...)

		if err := cache.Put(ctx, o.cache, service.ForecastKey(territoryID, period, stored.Type), stored); err != nil {
			errs = append(errs, err)
			continue
		}
		chain := o.history.List(forecast.KeyOf(stored))
		if err := cache.Put(ctx, o.cache, service.HistoryKey(territoryID, period, stored.Type), chain); err != nil {
			errs = append(errs, err)
		}
		o.eventBus.Publish(ctx, forecastUpdated(stored, correlationID))
	}

	if len(evicted) > 0 && o.archiver != nil {
		if err := o.archiver.Archive(ctx, evicted); err != nil {
			o.log.WithContext(ctx).Warn("orchestrator: forecast archive failed", "records", len(evicted), "error", err)
		}
	}
	return errors.Join(errs...)
}

func forecastUpdated(rec forecast.Record, correlationID string) events.ForecastUpdated {
	breakdown := make([]events.ForecastStage, 0, len(rec.Breakdown))
	for _, line := range rec.Breakdown {
		breakdown = append(breakdown, events.ForecastStage{
			Stage:          string(line.Stage),
			Count:          line.Count,
			TotalAmount:    line.TotalAmount,
			WeightedAmount: line.WeightedAmount,
		})
	}
	return events.ForecastUpdated{
		BaseEvent:                 events.NewBaseEvent(),
		CorrelationID:             correlationID,
		RecordID:                  rec.ID,
		TerritoryID:               rec.TerritoryID,
		Period:                    string(rec.Period),
		ForecastType:              string(rec.Type),
		Amount:                    rec.Amount,
		ProbabilityWeightedAmount: rec.WeightedAmount,
		Coverage:                  rec.Coverage,
		Breakdown:                 breakdown,
		GeneratedAt:               rec.GeneratedAt,
	}
}

// Compile-time check that the orchestrator can stand in as a dispatcher.
var _ ports.EventDispatcher = (*Orchestrator)(nil)
