// Package forecast turns pipeline buckets into forecast records and summaries.
package forecast

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pipeline_forecast_backend/internal/pipeline/domain"
	"pipeline_forecast_backend/platform/apperr"
)

// CodeInvalidForecastType rejects an unknown forecast type.
const CodeInvalidForecastType = "invalid_forecast_type"

// Type selects which open stages contribute to a forecast.
type Type string

const (
	// TypePipeline counts every open stage.
	TypePipeline Type = "pipeline"
	// TypeBestCase counts proposal and later.
	TypeBestCase Type = "best_case"
	// TypeCommit counts negotiation and later.
	TypeCommit Type = "commit"
)

// Types lists all forecast types in a stable order.
func Types() []Type {
	return []Type{TypePipeline, TypeBestCase, TypeCommit}
}

// ParseType parses a forecast type. The empty string selects TypePipeline.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return TypePipeline, nil
	case TypePipeline, TypeBestCase, TypeCommit:
		return t, nil
	default:
		return "", apperr.Validation("unknown forecast type: " + s).WithCode(CodeInvalidForecastType)
	}
}

// Includes reports whether buckets of stage count towards this forecast type.
func (t Type) Includes(stage domain.Stage) bool {
	if stage.IsTerminal() {
		return false
	}
	switch t {
	case TypeBestCase:
		return stage.Rank() >= domain.StageProposal.Rank()
	case TypeCommit:
		return stage.Rank() >= domain.StageNegotiation.Rank()
	default:
		return true
	}
}

// StageBreakdown is one stage line of a forecast or summary.
type StageBreakdown struct {
	Stage          domain.Stage    `json:"stage"`
	Count          int             `json:"count"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	WeightedAmount decimal.Decimal `json:"weightedAmount"`
}

// Record is an immutable forecast snapshot for (territory, period, type).
// A newer record supersedes an older one; see History.
type Record struct {
	ID               uuid.UUID        `json:"id"`
	TerritoryID      uuid.UUID        `json:"territoryId"`
	Period           domain.Period    `json:"period"`
	Type             Type             `json:"forecastType"`
	Amount           decimal.Decimal  `json:"amount"`
	WeightedAmount   decimal.Decimal  `json:"weightedAmount"`
	Coverage         *decimal.Decimal `json:"coverage,omitempty"`
	Quota            *decimal.Decimal `json:"quota,omitempty"`
	AdjustmentFactor decimal.Decimal  `json:"adjustmentFactor"`
	Breakdown        []StageBreakdown `json:"breakdown"`
	GeneratedAt      time.Time        `json:"generatedAt"`
	Supersedes       *uuid.UUID       `json:"supersedes,omitempty"`
}

// PipelineSummary is the open pipeline of one owner in one period. Quota and
// Coverage are set only when the owner has a quota for the period.
type PipelineSummary struct {
	OwnerID        uuid.UUID        `json:"ownerId"`
	Period         domain.Period    `json:"period"`
	ByStage        []StageBreakdown `json:"byStage"`
	Count          int              `json:"count"`
	TotalAmount    decimal.Decimal  `json:"totalAmount"`
	WeightedAmount decimal.Decimal  `json:"weightedAmount"`
	Quota          *decimal.Decimal `json:"quota,omitempty"`
	Coverage       *decimal.Decimal `json:"coverage,omitempty"`
	GeneratedAt    time.Time        `json:"generatedAt"`
}

// ClosedSummary totals won and lost deals of one owner in one period.
type ClosedSummary struct {
	OwnerID    uuid.UUID       `json:"ownerId"`
	Period     domain.Period   `json:"period"`
	WonCount   int             `json:"wonCount"`
	WonAmount  decimal.Decimal `json:"wonAmount"`
	LostCount  int             `json:"lostCount"`
	LostAmount decimal.Decimal `json:"lostAmount"`
}
