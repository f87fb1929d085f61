package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pipeline_forecast_backend/platform/apperr"
)

// Opportunity is an immutable snapshot of a deal. New snapshots are produced by
// Rules.Transition; callers persist them.
type Opportunity struct {
	ID                    uuid.UUID       `json:"id"`
	Name                  string          `json:"name"`
	Stage                 Stage           `json:"stage"`
	Amount                decimal.Decimal `json:"amount"`
	Period                Period          `json:"period"`
	OwnerID               uuid.UUID       `json:"ownerId"`
	TerritoryID           uuid.UUID       `json:"territoryId"`
	Probability           int             `json:"probability"`
	ProbabilityOverridden bool            `json:"probabilityOverridden"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

// AmountScale is the number of decimal places an amount may carry. It matches
// the storage column so stored and in-memory amounts never differ.
const AmountScale = 4

// ValidateAmount rejects negative amounts and amounts with more than
// AmountScale decimal places.
func ValidateAmount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return apperr.Validation("amount must not be negative").WithCode(CodeInvalidAmount)
	}
	if !amount.Equal(amount.Truncate(AmountScale)) {
		return apperr.Validation(fmt.Sprintf("amount must have at most %d decimal places", AmountScale)).
			WithCode(CodeInvalidAmount)
	}
	return nil
}

// IsOpen reports whether the opportunity still counts towards the pipeline.
func (o Opportunity) IsOpen() bool {
	return !o.Stage.IsTerminal()
}

// WeightedAmount is amount × probability / 100, computed exactly.
func (o Opportunity) WeightedAmount() decimal.Decimal {
	return o.Amount.Mul(decimal.NewFromInt(int64(o.Probability))).Shift(-2)
}

// StageChange describes a validated transition. It is returned by the state
// machine for the caller to dispatch.
type StageChange struct {
	OpportunityID   uuid.UUID
	From            Stage
	To              Stage
	Amount          decimal.Decimal
	OwnerID         uuid.UUID
	TerritoryID     uuid.UUID
	Period          Period
	FromProbability int
	ToProbability   int
	OccurredAt      time.Time
}

// Before reconstructs the snapshot prior to the change.
func (c StageChange) Before() Opportunity {
	return Opportunity{
		ID:          c.OpportunityID,
		Stage:       c.From,
		Amount:      c.Amount,
		Period:      c.Period,
		OwnerID:     c.OwnerID,
		TerritoryID: c.TerritoryID,
		Probability: c.FromProbability,
	}
}

// After reconstructs the snapshot following the change.
func (c StageChange) After() Opportunity {
	return Opportunity{
		ID:          c.OpportunityID,
		Stage:       c.To,
		Amount:      c.Amount,
		Period:      c.Period,
		OwnerID:     c.OwnerID,
		TerritoryID: c.TerritoryID,
		Probability: c.ToProbability,
		UpdatedAt:   c.OccurredAt,
	}
}
