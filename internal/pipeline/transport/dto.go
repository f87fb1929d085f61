package transport

import (
	"github.com/go-playground/validator/v10"

	"pipeline_forecast_backend/internal/pipeline/domain"
	"pipeline_forecast_backend/internal/pipeline/forecast"
)

// ── Requests ──────────────────────────────────────────────────────────────────

// TransitionRequest moves an opportunity to another stage. The override is
// range-checked by the state machine so that it is reported as
// invalid_probability.
type TransitionRequest struct {
	ToStage             string `json:"toStage" validate:"required,pipeline_stage"`
	ProbabilityOverride *int   `json:"probabilityOverride,omitempty"`
}

// CreateOpportunityRequest registers a deal in the initial stage.
type CreateOpportunityRequest struct {
	Name                string `json:"name" validate:"required,max=300"`
	Amount              string `json:"amount" validate:"required,numeric"`
	Period              string `json:"period" validate:"required,fiscal_period"`
	OwnerID             string `json:"ownerId" validate:"required,uuid"`
	TerritoryID         string `json:"territoryId" validate:"required,uuid"`
	ProbabilityOverride *int   `json:"probabilityOverride,omitempty"`
}

// PeriodQuery is the query string of the read endpoints.
type PeriodQuery struct {
	Period string `form:"period" validate:"required,fiscal_period"`
	Type   string `form:"type" validate:"omitempty,oneof=pipeline best_case commit"`
}

// ── Responses ─────────────────────────────────────────────────────────────────

// OpportunityResponse is the transport form of an opportunity.
type OpportunityResponse struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	Stage                 string `json:"stage"`
	Amount                string `json:"amount"`
	Period                string `json:"period"`
	OwnerID               string `json:"ownerId"`
	TerritoryID           string `json:"territoryId"`
	Probability           int    `json:"probability"`
	ProbabilityOverridden bool   `json:"probabilityOverridden"`
	WeightedAmount        string `json:"weightedAmount"`
	UpdatedAt             string `json:"updatedAt"`
}

// ForecastHistoryResponse lists retained forecast records, newest first.
type ForecastHistoryResponse struct {
	Items []forecast.RecordView `json:"items"`
}

func ToOpportunityResponse(o domain.Opportunity) OpportunityResponse {
	return OpportunityResponse{
		ID:                    o.ID.String(),
		Name:                  o.Name,
		Stage:                 string(o.Stage),
		Amount:                o.Amount.StringFixed(2),
		Period:                string(o.Period),
		OwnerID:               o.OwnerID.String(),
		TerritoryID:           o.TerritoryID.String(),
		Probability:           o.Probability,
		ProbabilityOverridden: o.ProbabilityOverridden,
		WeightedAmount:        o.WeightedAmount().StringFixed(2),
		UpdatedAt:             o.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

// Registrar is the subset of the platform validator used here.
type Registrar interface {
	RegisterValidation(tag string, fn validator.Func) error
}

// RegisterValidations adds the pipeline_stage and fiscal_period tags.
func RegisterValidations(v Registrar) error {
	if err := v.RegisterValidation("pipeline_stage", func(fl validator.FieldLevel) bool {
		_, err := domain.ParseStage(fl.Field().String())
		return err == nil
	}); err != nil {
		return err
	}
	return v.RegisterValidation("fiscal_period", func(fl validator.FieldLevel) bool {
		_, err := domain.ParsePeriod(fl.Field().String())
		return err == nil
	})
}
