package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pipeline_forecast_backend/internal/events"
	"pipeline_forecast_backend/internal/pipeline/domain"
	"pipeline_forecast_backend/internal/pipeline/ports"
	"pipeline_forecast_backend/internal/pipeline/transport"
	"pipeline_forecast_backend/platform/apperr"
	"pipeline_forecast_backend/platform/logger"
	"pipeline_forecast_backend/platform/sanitize"
)

// OpportunityWriter adds create support to the opportunity store.
type OpportunityWriter interface {
	ports.OpportunityStore
	Create(ctx context.Context, opp domain.Opportunity) error
}

// Commands runs the state machine for API callers, persists the result and
// dispatches the resulting stage change.
type Commands struct {
	rules      *domain.Rules
	store      OpportunityWriter
	dispatcher ports.EventDispatcher
	log        *logger.Logger
}

func NewCommands(rules *domain.Rules, store OpportunityWriter, dispatcher ports.EventDispatcher, log *logger.Logger) *Commands {
	return &Commands{rules: rules, store: store, dispatcher: dispatcher, log: log}
}

// Transition validates and persists a stage change. A rejected transition
// leaves the opportunity unchanged.
func (c *Commands) Transition(ctx context.Context, id uuid.UUID, req transport.TransitionRequest) (domain.Opportunity, error) {
	to, err := domain.ParseStage(req.ToStage)
	if err != nil {
		return domain.Opportunity{}, err
	}
	current, err := c.store.Get(ctx, id)
	if err != nil {
		return domain.Opportunity{}, err
	}

	next, change, err := c.rules.Transition(current, to, domain.TransitionMetadata{ProbabilityOverride: req.ProbabilityOverride})
	if err != nil {
		return domain.Opportunity{}, err
	}
	if err := c.store.SaveTransition(ctx, next, current.Stage); err != nil {
		return domain.Opportunity{}, err
	}

	evt := StageChangedEvent(change)
	evt.CorrelationID = correlationID(ctx)
	c.dispatch(ctx, evt)
	return next, nil
}

// Create registers a new opportunity in the initial stage.
func (c *Commands) Create(ctx context.Context, req transport.CreateOpportunityRequest) (domain.Opportunity, error) {
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return domain.Opportunity{}, apperr.Validation("amount must be a decimal number").WithCode(domain.CodeInvalidAmount)
	}
	period, err := domain.ParsePeriod(req.Period)
	if err != nil {
		return domain.Opportunity{}, err
	}
	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		return domain.Opportunity{}, apperr.Validation("invalid ownerId")
	}
	territoryID, err := uuid.Parse(req.TerritoryID)
	if err != nil {
		return domain.Opportunity{}, apperr.Validation("invalid territoryId")
	}

	opp, err := c.rules.NewOpportunity(domain.NewOpportunityParams{
		Name:                sanitize.Text(req.Name),
		Amount:              amount,
		Period:              period,
		OwnerID:             ownerID,
		TerritoryID:         territoryID,
		ProbabilityOverride: req.ProbabilityOverride,
	})
	if err != nil {
		return domain.Opportunity{}, err
	}
	if err := c.store.Create(ctx, opp); err != nil {
		return domain.Opportunity{}, err
	}

	p := opp.Probability
	evt := events.StageChanged{
		BaseEvent:     events.BaseEvent{Timestamp: opp.UpdatedAt},
		EventID:       uuid.New(),
		CorrelationID: correlationID(ctx),
		OpportunityID: opp.ID,
		ToStage:       string(opp.Stage),
		Amount:        opp.Amount,
		OwnerID:       opp.OwnerID,
		TerritoryID:   opp.TerritoryID,
		Period:        string(opp.Period),
		ToProbability: &p,
	}
	c.dispatch(ctx, evt)
	return opp, nil
}

// dispatch hands the event to the recalculation pipeline. The transition is
// already persisted, so a dispatch failure is logged and left to the
// reconciliation pass.
func (c *Commands) dispatch(ctx context.Context, evt events.StageChanged) {
	if c.dispatcher == nil {
		return
	}
	if err := c.dispatcher.DispatchStageChanged(ctx, evt); err != nil {
		c.log.WithContext(ctx).Error("stage change dispatch failed",
			"opportunityId", evt.OpportunityID,
			"toStage", evt.ToStage,
			"error", err)
	}
}

// StageChangedEvent converts a state machine result into the ingress event.
func StageChangedEvent(change domain.StageChange) events.StageChanged {
	from, to := change.FromProbability, change.ToProbability
	return events.StageChanged{
		BaseEvent:       events.BaseEvent{Timestamp: change.OccurredAt},
		EventID:         uuid.New(),
		OpportunityID:   change.OpportunityID,
		FromStage:       string(change.From),
		ToStage:         string(change.To),
		Amount:          change.Amount,
		OwnerID:         change.OwnerID,
		TerritoryID:     change.TerritoryID,
		Period:          string(change.Period),
		FromProbability: &from,
		ToProbability:   &to,
	}
}

func correlationID(ctx context.Context) string {
	if v, ok := ctx.Value(logger.CorrelationIDKey).(string); ok && v != "" {
		return v
	}
	if v, ok := ctx.Value(logger.RequestIDKey).(string); ok {
		return v
	}
	return ""
}

