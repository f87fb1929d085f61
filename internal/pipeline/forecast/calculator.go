package forecast

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pipeline_forecast_backend/internal/pipeline/aggregate"
	"pipeline_forecast_backend/internal/pipeline/domain"
)

// Input is everything Calculate needs for one record.
type Input struct {
	TerritoryID uuid.UUID
	Period      domain.Period
	Type        Type
	Buckets     []aggregate.Bucket
	// Quota is nil when no quota is known.
	Quota *decimal.Decimal
	// Adjustment is nil when no prediction is available.
	Adjustment *decimal.Decimal
	At         time.Time
}

// Calculator computes forecast records. It holds only configuration and is
// safe for concurrent use.
type Calculator struct {
	minFactor decimal.Decimal
	maxFactor decimal.Decimal
	now       func() time.Time
}

// NewCalculator returns a calculator that clamps adjustment factors to
// [minFactor, maxFactor].
func NewCalculator(minFactor, maxFactor decimal.Decimal) (*Calculator, error) {
	if !minFactor.IsPositive() || maxFactor.LessThan(minFactor) {
		return nil, fmt.Errorf("invalid adjustment range [%s, %s]", minFactor, maxFactor)
	}
	return &Calculator{
		minFactor: minFactor,
		maxFactor: maxFactor,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// DefaultCalculator clamps adjustments to [0.5, 1.5].
func DefaultCalculator() *Calculator {
	c, _ := NewCalculator(decimal.RequireFromString("0.5"), decimal.RequireFromString("1.5"))
	return c
}

// Clamp bounds an adjustment factor. A nil factor yields 1.
func (c *Calculator) Clamp(factor *decimal.Decimal) decimal.Decimal {
	if factor == nil {
		return decimal.NewFromInt(1)
	}
	switch {
	case factor.LessThan(c.minFactor):
		return c.minFactor
	case factor.GreaterThan(c.maxFactor):
		return c.maxFactor
	default:
		return *factor
	}
}

// Calculate builds a forecast record from the buckets of one territory. Only
// open buckets of the input period are considered; the forecast type then
// selects which stages contribute. Coverage compares the whole open pipeline
// against the quota and is nil when the quota is missing or zero. Buckets are
// never modified.
func (c *Calculator) Calculate(in Input) (Record, error) {
	typ, err := ParseType(string(in.Type))
	if err != nil {
		return Record{}, err
	}

	factor := c.Clamp(in.Adjustment)
	amount, weighted, open := decimal.Zero, decimal.Zero, decimal.Zero
	var breakdown []StageBreakdown

	for _, b := range in.Buckets {
		if b.Key.Period != in.Period || b.Key.Stage.IsTerminal() {
			continue
		}
		open = open.Add(b.TotalAmount)
		if !typ.Includes(b.Key.Stage) {
			continue
		}
		amount = amount.Add(b.TotalAmount)
		weighted = weighted.Add(b.WeightedAmount)
		breakdown = append(breakdown, StageBreakdown{
			Stage:          b.Key.Stage,
			Count:          b.Count,
			TotalAmount:    b.TotalAmount,
			WeightedAmount: b.WeightedAmount,
		})
	}
	breakdown = mergeStages(breakdown)

	at := in.At
	if at.IsZero() {
		at = c.now()
	}

	rec := Record{
		ID:               uuid.New(),
		TerritoryID:      in.TerritoryID,
		Period:           in.Period,
		Type:             typ,
		Amount:           amount.Mul(factor),
		WeightedAmount:   weighted.Mul(factor),
		AdjustmentFactor: factor,
		Breakdown:        breakdown,
		GeneratedAt:      at,
	}
	if in.Quota != nil {
		q := *in.Quota
		rec.Quota = &q
		rec.Coverage = Coverage(open, q)
	}
	return rec, nil
}

// Coverage returns open / quota, or nil when quota is zero.
func Coverage(open, quota decimal.Decimal) *decimal.Decimal {
	if quota.IsZero() {
		return nil
	}
	v := open.Div(quota)
	return &v
}

// Summarize builds the pipeline summary of an owner from its buckets.
func Summarize(ownerID uuid.UUID, period domain.Period, buckets []aggregate.Bucket, at time.Time) PipelineSummary {
	s := PipelineSummary{
		OwnerID:        ownerID,
		Period:         period,
		ByStage:        []StageBreakdown{},
		TotalAmount:    decimal.Zero,
		WeightedAmount: decimal.Zero,
		GeneratedAt:    at,
	}
	var lines []StageBreakdown
	for _, b := range buckets {
		if b.Key.Period != period || b.Key.Stage.IsTerminal() {
			continue
		}
		s.Count += b.Count
		s.TotalAmount = s.TotalAmount.Add(b.TotalAmount)
		s.WeightedAmount = s.WeightedAmount.Add(b.WeightedAmount)
		lines = append(lines, StageBreakdown{
			Stage:          b.Key.Stage,
			Count:          b.Count,
			TotalAmount:    b.TotalAmount,
			WeightedAmount: b.WeightedAmount,
		})
	}
	if merged := mergeStages(lines); len(merged) > 0 {
		s.ByStage = merged
	}
	return s
}

// SummarizeClosed totals the closed buckets of an owner.
func SummarizeClosed(ownerID uuid.UUID, period domain.Period, buckets []aggregate.Bucket) ClosedSummary {
	s := ClosedSummary{OwnerID: ownerID, Period: period, WonAmount: decimal.Zero, LostAmount: decimal.Zero}
	for _, b := range buckets {
		if b.Key.Period != period {
			continue
		}
		switch b.Key.Stage {
		case domain.StageClosedWon:
			s.WonCount += b.Count
			s.WonAmount = s.WonAmount.Add(b.TotalAmount)
		case domain.StageClosedLost:
			s.LostCount += b.Count
			s.LostAmount = s.LostAmount.Add(b.TotalAmount)
		}
	}
	return s
}

// mergeStages folds lines of the same stage together and sorts canonically.
func mergeStages(lines []StageBreakdown) []StageBreakdown {
	byStage := make(map[domain.Stage]StageBreakdown, len(lines))
	for _, l := range lines {
		cur, ok := byStage[l.Stage]
		if !ok {
			byStage[l.Stage] = l
			continue
		}
		cur.Count += l.Count
		cur.TotalAmount = cur.TotalAmount.Add(l.TotalAmount)
		cur.WeightedAmount = cur.WeightedAmount.Add(l.WeightedAmount)
		byStage[l.Stage] = cur
	}
	out := make([]StageBreakdown, 0, len(byStage))
	for _, l := range byStage {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage.Rank() < out[j].Stage.Rank() })
	return out
}
