package domain

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pipeline_forecast_backend/platform/apperr"
)

const fmtExpectedStage = "expected stage=%q, got %q"

func newTestOpportunity(t *testing.T, rules *Rules, amount int64) Opportunity {
	t.Helper()
	opp, err := rules.NewOpportunity(NewOpportunityParams{
		Name:        "Acme renewal",
		Amount:      decimal.NewFromInt(amount),
		Period:      "2026-Q4",
		OwnerID:     uuid.New(),
		TerritoryID: uuid.New(),
	})
	if err != nil {
		t.Fatalf("unexpected error creating opportunity: %v", err)
	}
	return opp
}

func intPtr(v int) *int { return &v }

func TestNewOpportunityStartsInInitialStage(t *testing.T) {
	rules := DefaultRules()
	opp := newTestOpportunity(t, rules, 100000)

	if opp.Stage != StageDiscovery {
		t.Fatalf(fmtExpectedStage, StageDiscovery, opp.Stage)
	}
	if opp.Probability != 20 {
		t.Fatalf("expected probability 20, got %d", opp.Probability)
	}
}

func TestNewOpportunityRejectsNegativeAmount(t *testing.T) {
	_, err := DefaultRules().NewOpportunity(NewOpportunityParams{
		Amount: decimal.NewFromInt(-1),
		Period: "2026-Q4",
	})
	if err == nil {
		t.Fatalf("expected error for negative amount")
	}
}

func TestNewOpportunityRejectsAmountFinerThanStorage(t *testing.T) {
	_, err := DefaultRules().NewOpportunity(NewOpportunityParams{
		Amount: decimal.RequireFromString("100.123456"),
		Period: "2026-Q4",
	})
	if apperr.GetCode(err) != CodeInvalidAmount {
		t.Fatalf("expected code %s, got %v", CodeInvalidAmount, err)
	}

	// Trailing zeros beyond the storage scale are harmless.
	opp, err := DefaultRules().NewOpportunity(NewOpportunityParams{
		Amount: decimal.RequireFromString("100.12340000"),
		Period: "2026-Q4",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !opp.Amount.Equal(decimal.RequireFromString("100.1234")) {
		t.Fatalf("expected amount 100.1234, got %s", opp.Amount)
	}
}

func TestNewOpportunityNormalizesPeriod(t *testing.T) {
	opp, err := DefaultRules().NewOpportunity(NewOpportunityParams{
		Amount: decimal.NewFromInt(10),
		Period: "2026-q4",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opp.Period != "2026-Q4" {
		t.Fatalf("expected period 2026-Q4, got %q", opp.Period)
	}
}

func TestTransitionAppliesStageDefaultProbability(t *testing.T) {
	rules := DefaultRules()
	opp := newTestOpportunity(t, rules, 100000)

	next, change, err := rules.Transition(opp, StageProposal, TransitionMetadata{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Stage != StageProposal {
		t.Fatalf(fmtExpectedStage, StageProposal, next.Stage)
	}
	if next.Probability != 50 {
		t.Fatalf("expected probability 50, got %d", next.Probability)
	}
	if change.From != StageDiscovery || change.To != StageProposal {
		t.Fatalf("expected change discovery->proposal, got %s->%s", change.From, change.To)
	}
	if change.FromProbability != 20 || change.ToProbability != 50 {
		t.Fatalf("expected probabilities 20->50, got %d->%d", change.FromProbability, change.ToProbability)
	}
	if opp.Stage != StageDiscovery {
		t.Fatalf("expected input snapshot to stay unchanged, got %q", opp.Stage)
	}
}

func TestTransitionHonoursOverride(t *testing.T) {
	rules := DefaultRules()
	opp := newTestOpportunity(t, rules, 5000)

	next, _, err := rules.Transition(opp, StageQualification, TransitionMetadata{ProbabilityOverride: intPtr(90)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Probability != 90 || !next.ProbabilityOverridden {
		t.Fatalf("expected overridden probability 90, got %d (overridden=%v)", next.Probability, next.ProbabilityOverridden)
	}

	// The next transition without override returns to the stage default.
	after, _, err := rules.Transition(next, StageProposal, TransitionMetadata{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if after.Probability != 50 || after.ProbabilityOverridden {
		t.Fatalf("expected default probability 50, got %d (overridden=%v)", after.Probability, after.ProbabilityOverridden)
	}
}

func TestTransitionRejectsOutOfRangeOverride(t *testing.T) {
	rules := DefaultRules()
	opp := newTestOpportunity(t, rules, 5000)

	for _, p := range []int{-1, 101, 250} {
		_, _, err := rules.Transition(opp, StageQualification, TransitionMetadata{ProbabilityOverride: intPtr(p)})
		if !IsInvalidProbability(err) {
			t.Fatalf("expected invalid probability for %d, got %v", p, err)
		}
	}
	for _, p := range []int{0, 100} {
		if _, _, err := rules.Transition(opp, StageQualification, TransitionMetadata{ProbabilityOverride: intPtr(p)}); err != nil {
			t.Fatalf("expected boundary override %d to be accepted, got %v", p, err)
		}
	}
}

func TestTransitionRejectsUnpermittedStage(t *testing.T) {
	rules := DefaultRules()
	opp := newTestOpportunity(t, rules, 5000)

	_, _, err := rules.Transition(opp, StageClosedWon, TransitionMetadata{})
	if !IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition discovery->closed_won, got %v", err)
	}
}

func TestTransitionNeverLeavesTerminalStages(t *testing.T) {
	rules := DefaultRules()
	for _, terminal := range []Stage{StageClosedWon, StageClosedLost} {
		opp := Opportunity{ID: uuid.New(), Stage: terminal, Amount: decimal.NewFromInt(10), Period: "2026-Q1"}
		for _, to := range CanonicalStages() {
			_, _, err := rules.Transition(opp, to, TransitionMetadata{ProbabilityOverride: intPtr(10)})
			if !IsInvalidTransition(err) {
				t.Fatalf("expected %s->%s to be rejected, got %v", terminal, to, err)
			}
		}
	}
}

func TestRandomTransitionSequencesKeepProbabilityConsistent(t *testing.T) {
	rules := DefaultRules()
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 200; run++ {
		opp := newTestOpportunity(t, rules, int64(rng.Intn(1_000_000)))
		for step := 0; step < 10 && opp.IsOpen(); step++ {
			next := rules.NextStages(opp.Stage)
			to := next[rng.Intn(len(next))]

			var meta TransitionMetadata
			var override *int
			if rng.Intn(4) == 0 {
				override = intPtr(rng.Intn(101))
				meta.ProbabilityOverride = override
			}

			updated, _, err := rules.Transition(opp, to, meta)
			if err != nil {
				t.Fatalf("run %d step %d: unexpected error: %v", run, step, err)
			}
			want, _ := rules.DefaultProbability(to)
			if override != nil {
				want = *override
			}
			if updated.Probability != want {
				t.Fatalf("run %d step %d: expected probability %d at %s, got %d", run, step, want, to, updated.Probability)
			}
			if updated.Probability < 0 || updated.Probability > 100 {
				t.Fatalf("probability %d escaped [0,100]", updated.Probability)
			}
			opp = updated
		}
	}
}

func TestTransitionUsesProvidedTimestamp(t *testing.T) {
	rules := DefaultRules()
	opp := newTestOpportunity(t, rules, 10)
	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	next, change, err := rules.Transition(opp, StageQualification, TransitionMetadata{At: at})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.UpdatedAt.Equal(at) || !change.OccurredAt.Equal(at) {
		t.Fatalf("expected timestamps %s, got %s / %s", at, next.UpdatedAt, change.OccurredAt)
	}
}

func TestStageChangeReconstructsSnapshots(t *testing.T) {
	rules := DefaultRules()
	opp := newTestOpportunity(t, rules, 100000)
	_, change, err := rules.Transition(opp, StageProposal, TransitionMetadata{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	before, after := change.Before(), change.After()
	if before.Stage != StageDiscovery || before.Probability != 20 {
		t.Fatalf("unexpected before snapshot %+v", before)
	}
	if after.Stage != StageProposal || after.Probability != 50 {
		t.Fatalf("unexpected after snapshot %+v", after)
	}
	if !before.WeightedAmount().Equal(decimal.NewFromInt(20000)) {
		t.Fatalf("expected before weighted 20000, got %s", before.WeightedAmount())
	}
	if !after.WeightedAmount().Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("expected after weighted 50000, got %s", after.WeightedAmount())
	}
}
