package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransitionMetadata carries optional inputs for a stage change.
type TransitionMetadata struct {
	// ProbabilityOverride replaces the stage default when set. Must be in [0,100].
	ProbabilityOverride *int
	// At is the time of the change; zero means now.
	At time.Time
}

// NewOpportunityParams describes a deal entering the pipeline.
type NewOpportunityParams struct {
	ID                  uuid.UUID
	Name                string
	Amount              decimal.Decimal
	Period              Period
	OwnerID             uuid.UUID
	TerritoryID         uuid.UUID
	ProbabilityOverride *int
	At                  time.Time
}

// NewOpportunity creates an opportunity in the initial stage.
func (r *Rules) NewOpportunity(p NewOpportunityParams) (Opportunity, error) {
	if err := ValidateAmount(p.Amount); err != nil {
		return Opportunity{}, err
	}
	period, err := ParsePeriod(string(p.Period))
	if err != nil {
		return Opportunity{}, err
	}

	probability, _ := r.DefaultProbability(r.initial)
	overridden := false
	if p.ProbabilityOverride != nil {
		if *p.ProbabilityOverride < 0 || *p.ProbabilityOverride > 100 {
			return Opportunity{}, invalidProbability(*p.ProbabilityOverride)
		}
		probability = *p.ProbabilityOverride
		overridden = true
	}

	id := p.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	at := p.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	return Opportunity{
		ID:                    id,
		Name:                  p.Name,
		Stage:                 r.initial,
		Amount:                p.Amount,
		Period:                period,
		OwnerID:               p.OwnerID,
		TerritoryID:           p.TerritoryID,
		Probability:           probability,
		ProbabilityOverridden: overridden,
		UpdatedAt:             at,
	}, nil
}

// Transition validates and applies a stage change. It has no side effects:
// the new snapshot and the resulting StageChange are returned to the caller,
// and opp itself is left untouched.
func (r *Rules) Transition(opp Opportunity, to Stage, meta TransitionMetadata) (Opportunity, StageChange, error) {
	if !opp.Stage.IsKnown() || !r.Has(opp.Stage) {
		return Opportunity{}, StageChange{}, invalidTransition(opp.Stage, to, "current stage is not configured")
	}
	if opp.Stage.IsTerminal() {
		return Opportunity{}, StageChange{}, invalidTransition(opp.Stage, to, "opportunity is closed")
	}
	if !r.Permits(opp.Stage, to) {
		return Opportunity{}, StageChange{}, invalidTransition(opp.Stage, to, "transition is not permitted")
	}

	probability, _ := r.DefaultProbability(to)
	overridden := false
	if meta.ProbabilityOverride != nil {
		if *meta.ProbabilityOverride < 0 || *meta.ProbabilityOverride > 100 {
			return Opportunity{}, StageChange{}, invalidProbability(*meta.ProbabilityOverride)
		}
		probability = *meta.ProbabilityOverride
		overridden = true
	}

	at := meta.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	next := opp
	next.Stage = to
	next.Probability = probability
	next.ProbabilityOverridden = overridden
	next.UpdatedAt = at

	change := StageChange{
		OpportunityID:   opp.ID,
		From:            opp.Stage,
		To:              to,
		Amount:          opp.Amount,
		OwnerID:         opp.OwnerID,
		TerritoryID:     opp.TerritoryID,
		Period:          opp.Period,
		FromProbability: opp.Probability,
		ToProbability:   probability,
		OccurredAt:      at,
	}

	return next, change, nil
}
