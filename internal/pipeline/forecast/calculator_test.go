package forecast

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pipeline_forecast_backend/internal/pipeline/aggregate"
	"pipeline_forecast_backend/internal/pipeline/domain"
	"pipeline_forecast_backend/platform/apperr"
)

var territory = uuid.MustParse("11111111-2222-3333-4444-555555555555")

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func bucket(stage domain.Stage, count int, total, weighted string) aggregate.Bucket {
	return aggregate.Bucket{
		Key:            aggregate.Key{Group: territory.String(), Period: "2024-Q3", Stage: stage},
		Count:          count,
		TotalAmount:    dec(total),
		WeightedAmount: dec(weighted),
	}
}

func sampleBuckets() []aggregate.Bucket {
	return []aggregate.Bucket{
		bucket(domain.StageDiscovery, 2, "1000", "200"),
		bucket(domain.StageProposal, 1, "2000", "1000"),
		bucket(domain.StageNegotiation, 1, "4000", "3000"),
	}
}

func TestCalculateWeightedAmount(t *testing.T) {
	rec, err := DefaultCalculator().Calculate(Input{
		TerritoryID: territory,
		Period:      "2024-Q3",
		Type:        TypePipeline,
		Buckets:     sampleBuckets(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rec.Amount.Equal(dec("7000")) {
		t.Fatalf("expected amount 7000, got %s", rec.Amount)
	}
	if !rec.WeightedAmount.Equal(dec("4200")) {
		t.Fatalf("expected weighted 4200, got %s", rec.WeightedAmount)
	}
	if !rec.AdjustmentFactor.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected factor 1, got %s", rec.AdjustmentFactor)
	}
	if len(rec.Breakdown) != 3 || rec.Breakdown[0].Stage != domain.StageDiscovery {
		t.Fatalf("expected 3 breakdown lines in canonical order, got %+v", rec.Breakdown)
	}
	if rec.Coverage != nil {
		t.Fatalf("expected no coverage without quota")
	}
}

func TestCalculateForecastTypes(t *testing.T) {
	cases := []struct {
		typ      Type
		amount   string
		weighted string
	}{
		{TypePipeline, "7000", "4200"},
		{TypeBestCase, "6000", "4000"},
		{TypeCommit, "4000", "3000"},
	}
	for _, tc := range cases {
		t.Run(string(tc.typ), func(t *testing.T) {
			rec, err := DefaultCalculator().Calculate(Input{
				TerritoryID: territory,
				Period:      "2024-Q3",
				Type:        tc.typ,
				Buckets:     sampleBuckets(),
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !rec.Amount.Equal(dec(tc.amount)) || !rec.WeightedAmount.Equal(dec(tc.weighted)) {
				t.Fatalf("expected %s/%s, got %s/%s", tc.amount, tc.weighted, rec.Amount, rec.WeightedAmount)
			}
		})
	}
}

func TestCalculateZeroQuotaHasNoCoverage(t *testing.T) {
	zero := decimal.Zero
	rec, err := DefaultCalculator().Calculate(Input{
		TerritoryID: territory,
		Period:      "2024-Q3",
		Buckets:     sampleBuckets(),
		Quota:       &zero,
	})
	if err != nil {
		t.Fatalf("expected no error for zero quota, got %v", err)
	}
	if rec.Coverage != nil {
		t.Fatalf("expected absent coverage, got %s", rec.Coverage)
	}
	if rec.View().Coverage != nil {
		t.Fatalf("expected view coverage to be null")
	}
}

func TestCalculateCoverageUsesWholeOpenPipeline(t *testing.T) {
	quota := dec("14000")
	rec, err := DefaultCalculator().Calculate(Input{
		TerritoryID: territory,
		Period:      "2024-Q3",
		Type:        TypeCommit,
		Buckets:     sampleBuckets(),
		Quota:       &quota,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Coverage == nil || !rec.Coverage.Equal(dec("0.5")) {
		t.Fatalf("expected coverage 0.5, got %v", rec.Coverage)
	}
}

func TestAdjustmentIsClamped(t *testing.T) {
	calc := DefaultCalculator()
	cases := map[string]string{"3": "1.5", "0.1": "0.5", "-2": "0.5", "1.2": "1.2"}
	for in, want := range cases {
		f := dec(in)
		rec, err := calc.Calculate(Input{
			TerritoryID: territory,
			Period:      "2024-Q3",
			Buckets:     sampleBuckets(),
			Adjustment:  &f,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !rec.AdjustmentFactor.Equal(dec(want)) {
			t.Fatalf("factor %s: expected %s, got %s", in, want, rec.AdjustmentFactor)
		}
		if !rec.WeightedAmount.Equal(dec("4200").Mul(dec(want))) {
			t.Fatalf("factor %s: expected weighted scaled by %s, got %s", in, want, rec.WeightedAmount)
		}
	}
}

func TestCalculateIgnoresOtherPeriodsAndClosedBuckets(t *testing.T) {
	buckets := append(sampleBuckets(),
		aggregate.Bucket{Key: aggregate.Key{Group: territory.String(), Period: "2024-Q4", Stage: domain.StageProposal}, Count: 1, TotalAmount: dec("9"), WeightedAmount: dec("4.5")},
		bucket(domain.StageClosedWon, 1, "5000", "5000"),
	)
	rec, err := DefaultCalculator().Calculate(Input{TerritoryID: territory, Period: "2024-Q3", Buckets: buckets})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rec.Amount.Equal(dec("7000")) {
		t.Fatalf("expected amount 7000, got %s", rec.Amount)
	}
}

func TestCalculateRejectsUnknownType(t *testing.T) {
	_, err := DefaultCalculator().Calculate(Input{TerritoryID: territory, Period: "2024-Q3", Type: "upside"})
	if apperr.GetCode(err) != CodeInvalidForecastType {
		t.Fatalf("expected %s, got %v", CodeInvalidForecastType, err)
	}
}

func TestRaisingProbabilityNeverLowersWeighted(t *testing.T) {
	base := domain.Opportunity{
		ID:          uuid.New(),
		Stage:       domain.StageProposal,
		Amount:      dec("12345.67"),
		Period:      "2024-Q3",
		TerritoryID: territory,
		Probability: 0,
	}
	others := []domain.Opportunity{
		{ID: uuid.New(), Stage: domain.StageDiscovery, Amount: dec("500"), Period: "2024-Q3", TerritoryID: territory, Probability: 20},
	}

	calc := DefaultCalculator()
	last := decimal.NewFromInt(-1)
	for p := 0; p <= 100; p++ {
		o := base
		o.Probability = p
		set := aggregate.Build(append([]domain.Opportunity{o}, others...), aggregate.ByTerritory)
		rec, err := calc.Calculate(Input{TerritoryID: territory, Period: "2024-Q3", Buckets: set.Buckets()})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.WeightedAmount.LessThan(last) {
			t.Fatalf("weighted decreased at probability %d: %s < %s", p, rec.WeightedAmount, last)
		}
		last = rec.WeightedAmount
	}
}

func TestSummarizeRoundsOnlyInView(t *testing.T) {
	owner := uuid.New()
	buckets := []aggregate.Bucket{
		{Key: aggregate.Key{Group: owner.String(), Period: "2024-Q3", Stage: domain.StageQualification}, Count: 3, TotalAmount: dec("0.01"), WeightedAmount: dec("0.0035")},
		{Key: aggregate.Key{Group: owner.String(), Period: "2024-Q3", Stage: domain.StageProposal}, Count: 1, TotalAmount: dec("0.01"), WeightedAmount: dec("0.005")},
	}
	s := Summarize(owner, "2024-Q3", buckets, time.Unix(0, 0).UTC())
	if !s.WeightedAmount.Equal(dec("0.0085")) {
		t.Fatalf("expected exact weighted 0.0085, got %s", s.WeightedAmount)
	}
	if got := s.View().WeightedAmount; got != "0.01" {
		t.Fatalf("expected presented 0.01, got %s", got)
	}
	if s.Count != 4 || len(s.ByStage) != 2 {
		t.Fatalf("expected 4 deals over 2 stages, got %d over %d", s.Count, len(s.ByStage))
	}
}

func TestSummarizeEmptyHasEmptyStages(t *testing.T) {
	s := Summarize(uuid.New(), "2024-Q3", nil, time.Now())
	if s.ByStage == nil || len(s.ByStage) != 0 {
		t.Fatalf("expected empty non-nil stage list")
	}
}

func TestSummarizeClosed(t *testing.T) {
	owner := uuid.New()
	closed := aggregate.Closed([]domain.Opportunity{
		{ID: uuid.New(), Stage: domain.StageClosedWon, Amount: dec("100"), Period: "2024-Q3", OwnerID: owner, Probability: 100},
		{ID: uuid.New(), Stage: domain.StageClosedWon, Amount: dec("50"), Period: "2024-Q3", OwnerID: owner, Probability: 100},
		{ID: uuid.New(), Stage: domain.StageClosedLost, Amount: dec("70"), Period: "2024-Q3", OwnerID: owner},
	}, aggregate.ByOwner)

	s := SummarizeClosed(owner, "2024-Q3", closed.Buckets())
	if s.WonCount != 2 || !s.WonAmount.Equal(dec("150")) {
		t.Fatalf("expected 2 won for 150, got %d for %s", s.WonCount, s.WonAmount)
	}
	if s.LostCount != 1 || !s.LostAmount.Equal(dec("70")) {
		t.Fatalf("expected 1 lost for 70, got %d for %s", s.LostCount, s.LostAmount)
	}
}
