// Package events defines the pipeline events exchanged between the
// orchestrator, the scheduler and the notification fan-out, and the envelope
// they travel in between processes.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pipeline_forecast_backend/platform/events"
	"pipeline_forecast_backend/platform/logger"
)

type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
	InMemoryBus = events.InMemoryBus
)

var NewBaseEvent = events.NewBaseEvent

// NewInMemoryBus returns the bus that carries stage changes and forecast
// updates inside one process.
func NewInMemoryBus(log *logger.Logger) *InMemoryBus {
	return events.NewInMemoryBus(log)
}

const (
	StageChangedName    = "pipeline.stage_changed"
	ForecastUpdatedName = "pipeline.forecast_updated"
)

// =============================================================================
// Pipeline Domain Events
// =============================================================================

// StageChanged is published after an opportunity transition has been
// persisted. The probabilities are optional; consumers fall back to the stage
// defaults when they are absent.
type StageChanged struct {
	BaseEvent
	EventID         uuid.UUID       `json:"event_id"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	OpportunityID   uuid.UUID       `json:"opportunity_id"`
	FromStage       string          `json:"from_stage"`
	ToStage         string          `json:"to_stage"`
	Amount          decimal.Decimal `json:"amount"`
	OwnerID         uuid.UUID       `json:"owner_id"`
	TerritoryID     uuid.UUID       `json:"territory_id"`
	Period          string          `json:"period"`
	FromProbability *int            `json:"from_probability,omitempty"`
	ToProbability   *int            `json:"to_probability,omitempty"`
}

func (e StageChanged) EventName() string { return StageChangedName }

// ForecastStage is one breakdown line of a ForecastUpdated event.
type ForecastStage struct {
	Stage          string          `json:"stage"`
	Count          int             `json:"count"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	WeightedAmount decimal.Decimal `json:"weighted_amount"`
}

// ForecastUpdated is published whenever a new forecast record supersedes the
// previous one.
type ForecastUpdated struct {
	BaseEvent
	CorrelationID             string           `json:"correlation_id,omitempty"`
	RecordID                  uuid.UUID        `json:"record_id"`
	TerritoryID               uuid.UUID        `json:"territory_id"`
	Period                    string           `json:"period"`
	ForecastType              string           `json:"forecast_type"`
	Amount                    decimal.Decimal  `json:"amount"`
	ProbabilityWeightedAmount decimal.Decimal  `json:"probability_weighted_amount"`
	Coverage                  *decimal.Decimal `json:"coverage,omitempty"`
	Breakdown                 []ForecastStage  `json:"breakdown"`
	GeneratedAt               time.Time        `json:"generated_at"`
}

func (e ForecastUpdated) EventName() string { return ForecastUpdatedName }
