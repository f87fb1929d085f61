// Package ports defines the interfaces the pipeline domain requires from
// external systems: the opportunity store, quota and prediction
// collaborators, and the outbound event and archive sinks.
package ports

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pipeline_forecast_backend/internal/events"
	"pipeline_forecast_backend/internal/pipeline/domain"
	"pipeline_forecast_backend/internal/pipeline/forecast"
)

// Filter narrows OpportunityStore.List. Zero values match everything.
type Filter struct {
	OwnerID     *uuid.UUID
	TerritoryID *uuid.UUID
	Period      *domain.Period
	OpenOnly    bool
}

// OpportunityStore reads opportunities and persists validated transitions.
type OpportunityStore interface {
	List(ctx context.Context, filter Filter) ([]domain.Opportunity, error)
	Get(ctx context.Context, id uuid.UUID) (domain.Opportunity, error)
	// SaveTransition stores next only if the stored stage still equals
	// expected; otherwise it fails with a conflict.
	SaveTransition(ctx context.Context, next domain.Opportunity, expected domain.Stage) error
}

// QuotaScope selects the subject of a quota.
type QuotaScope string

const (
	QuotaOwner     QuotaScope = "owner"
	QuotaTerritory QuotaScope = "territory"
)

// QuotaProvider returns the quota of an owner or territory for a period. The
// boolean is false when no quota is configured.
type QuotaProvider interface {
	Quota(ctx context.Context, scope QuotaScope, id uuid.UUID, period domain.Period) (decimal.Decimal, bool, error)
}

// PredictionContext is what an external predictor sees of a forecast.
type PredictionContext struct {
	TerritoryID    uuid.UUID
	Period         domain.Period
	Type           forecast.Type
	Amount         decimal.Decimal
	WeightedAmount decimal.Decimal
}

// PredictionProvider supplies an optional adjustment multiplier. The boolean
// is false when no prediction exists.
type PredictionProvider interface {
	AdjustmentFactor(ctx context.Context, pc PredictionContext) (decimal.Decimal, bool, error)
}

// EventDispatcher hands a stage change to the recalculation pipeline.
type EventDispatcher interface {
	DispatchStageChanged(ctx context.Context, evt events.StageChanged) error
}

// ReconcileTrigger starts a reconciliation pass without waiting for it.
type ReconcileTrigger interface {
	TriggerReconcile(ctx context.Context, reason string) error
}

// Archiver stores superseded forecast records outside the process.
type Archiver interface {
	Archive(ctx context.Context, records []forecast.Record) error
}
