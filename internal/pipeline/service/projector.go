package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pipeline_forecast_backend/internal/pipeline/aggregate"
	"pipeline_forecast_backend/internal/pipeline/domain"
	"pipeline_forecast_backend/internal/pipeline/forecast"
	"pipeline_forecast_backend/internal/pipeline/ports"
	"pipeline_forecast_backend/platform/logger"
)

// Projector turns aggregate buckets into the summaries and forecast records
// that are cached and served. It is shared by the read path and the
// orchestrator so both compute identical values.
type Projector struct {
	calc      *forecast.Calculator
	quotas    ports.QuotaProvider      // optional
	predictor ports.PredictionProvider // optional
	log       *logger.Logger
	now       func() time.Time
}

func NewProjector(calc *forecast.Calculator, quotas ports.QuotaProvider, predictor ports.PredictionProvider, log *logger.Logger) *Projector {
	return &Projector{
		calc:      calc,
		quotas:    quotas,
		predictor: predictor,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Summary builds the owner's pipeline summary, with coverage against the
// owner's quota when one exists.
func (p *Projector) Summary(ctx context.Context, ownerID uuid.UUID, period domain.Period, buckets []aggregate.Bucket) (forecast.PipelineSummary, error) {
	s := forecast.Summarize(ownerID, period, buckets, p.now())
	quota, err := p.quota(ctx, ports.QuotaOwner, ownerID, period)
	if err != nil {
		return forecast.PipelineSummary{}, err
	}
	if quota != nil {
		s.Quota = quota
		s.Coverage = forecast.Coverage(s.TotalAmount, *quota)
	}
	return s, nil
}

// Forecast computes one forecast record for the territory.
func (p *Projector) Forecast(ctx context.Context, territoryID uuid.UUID, period domain.Period, typ forecast.Type, buckets []aggregate.Bucket) (forecast.Record, error) {
	quota, err := p.quota(ctx, ports.QuotaTerritory, territoryID, period)
	if err != nil {
		return forecast.Record{}, err
	}
	return p.calculate(ctx, territoryID, period, typ, buckets, quota)
}

// Forecasts computes a record per forecast type, fetching the quota once.
func (p *Projector) Forecasts(ctx context.Context, territoryID uuid.UUID, period domain.Period, buckets []aggregate.Bucket) ([]forecast.Record, error) {
	quota, err := p.quota(ctx, ports.QuotaTerritory, territoryID, period)
	if err != nil {
		return nil, err
	}
	out := make([]forecast.Record, 0, len(forecast.Types()))
	for _, typ := range forecast.Types() {
		rec, err := p.calculate(ctx, territoryID, period, typ, buckets, quota)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (p *Projector) calculate(ctx context.Context, territoryID uuid.UUID, period domain.Period, typ forecast.Type, buckets []aggregate.Bucket, quota *decimal.Decimal) (forecast.Record, error) {
	in := forecast.Input{
		TerritoryID: territoryID,
		Period:      period,
		Type:        typ,
		Buckets:     buckets,
		Quota:       quota,
		At:          p.now(),
	}

	rec, err := p.calc.Calculate(in)
	if err != nil || p.predictor == nil {
		return rec, err
	}

	factor, ok, err := p.predictor.AdjustmentFactor(ctx, ports.PredictionContext{
		TerritoryID:    territoryID,
		Period:         period,
		Type:           rec.Type,
		Amount:         rec.Amount,
		WeightedAmount: rec.WeightedAmount,
	})
	if err != nil {
		// Predictions are optional; an unavailable predictor means factor 1.
		p.log.WithContext(ctx).Warn("adjustment factor unavailable", "territoryId", territoryID, "period", period, "error", err)
		return rec, nil
	}
	if !ok {
		return rec, nil
	}
	in.Adjustment = &factor
	return p.calc.Calculate(in)
}

func (p *Projector) quota(ctx context.Context, scope ports.QuotaScope, id uuid.UUID, period domain.Period) (*decimal.Decimal, error) {
	if p.quotas == nil {
		return nil, nil
	}
	amount, ok, err := p.quotas.Quota(ctx, scope, id, period)
	if err != nil {
		return nil, fmt.Errorf("load quota: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &amount, nil
}
