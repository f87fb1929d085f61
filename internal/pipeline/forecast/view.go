package forecast

import (
	"time"

	"github.com/shopspring/decimal"
)

// Presentation types. Amounts are rounded to two places here and nowhere else.

type StageView struct {
	Stage          string `json:"stage"`
	Count          int    `json:"count"`
	TotalAmount    string `json:"totalAmount"`
	WeightedAmount string `json:"weightedAmount"`
}

type RecordView struct {
	ID                        string      `json:"id"`
	TerritoryID               string      `json:"territoryId"`
	Period                    string      `json:"period"`
	ForecastType              string      `json:"forecastType"`
	Amount                    string      `json:"amount"`
	ProbabilityWeightedAmount string      `json:"probabilityWeightedAmount"`
	Coverage                  *string     `json:"coverage"`
	Quota                     *string     `json:"quota,omitempty"`
	AdjustmentFactor          string      `json:"adjustmentFactor"`
	Breakdown                 []StageView `json:"breakdown"`
	GeneratedAt               time.Time   `json:"generatedAt"`
	Supersedes                *string     `json:"supersedes,omitempty"`
}

type SummaryView struct {
	OwnerID        string      `json:"ownerId"`
	Period         string      `json:"period"`
	ByStage        []StageView `json:"byStage"`
	Count          int         `json:"count"`
	TotalAmount    string      `json:"totalAmount"`
	WeightedAmount string      `json:"weightedAmount"`
	Quota          *string     `json:"quota,omitempty"`
	Coverage       *string     `json:"coverage,omitempty"`
	GeneratedAt    time.Time   `json:"generatedAt"`
}

type ClosedView struct {
	OwnerID    string `json:"ownerId"`
	Period     string `json:"period"`
	WonCount   int    `json:"wonCount"`
	WonAmount  string `json:"wonAmount"`
	LostCount  int    `json:"lostCount"`
	LostAmount string `json:"lostAmount"`
}

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func stageViews(lines []StageBreakdown) []StageView {
	out := make([]StageView, 0, len(lines))
	for _, l := range lines {
		out = append(out, StageView{
			Stage:          string(l.Stage),
			Count:          l.Count,
			TotalAmount:    money(l.TotalAmount),
			WeightedAmount: money(l.WeightedAmount),
		})
	}
	return out
}

// View renders a record for transport.
func (r Record) View() RecordView {
	v := RecordView{
		ID:                        r.ID.String(),
		TerritoryID:               r.TerritoryID.String(),
		Period:                    string(r.Period),
		ForecastType:              string(r.Type),
		Amount:                    money(r.Amount),
		ProbabilityWeightedAmount: money(r.WeightedAmount),
		AdjustmentFactor:          r.AdjustmentFactor.String(),
		Breakdown:                 stageViews(r.Breakdown),
		GeneratedAt:               r.GeneratedAt,
	}
	if r.Coverage != nil {
		c := r.Coverage.StringFixed(4)
		v.Coverage = &c
	}
	if r.Quota != nil {
		q := money(*r.Quota)
		v.Quota = &q
	}
	if r.Supersedes != nil {
		s := r.Supersedes.String()
		v.Supersedes = &s
	}
	return v
}

// View renders a summary for transport.
func (s PipelineSummary) View() SummaryView {
	v := SummaryView{
		OwnerID:        s.OwnerID.String(),
		Period:         string(s.Period),
		ByStage:        stageViews(s.ByStage),
		Count:          s.Count,
		TotalAmount:    money(s.TotalAmount),
		WeightedAmount: money(s.WeightedAmount),
		GeneratedAt:    s.GeneratedAt,
	}
	if s.Quota != nil {
		q := money(*s.Quota)
		v.Quota = &q
	}
	if s.Coverage != nil {
		c := s.Coverage.StringFixed(4)
		v.Coverage = &c
	}
	return v
}

// View renders a closed summary for transport.
func (s ClosedSummary) View() ClosedView {
	return ClosedView{
		OwnerID:    s.OwnerID.String(),
		Period:     string(s.Period),
		WonCount:   s.WonCount,
		WonAmount:  money(s.WonAmount),
		LostCount:  s.LostCount,
		LostAmount: money(s.LostAmount),
	}
}
