package service

import (
	"context"

	"github.com/google/uuid"

	"pipeline_forecast_backend/internal/cache"
	"pipeline_forecast_backend/internal/pipeline/aggregate"
	"pipeline_forecast_backend/internal/pipeline/domain"
	"pipeline_forecast_backend/internal/pipeline/forecast"
	"pipeline_forecast_backend/internal/pipeline/ports"
)

// Reader serves pipeline summaries and forecasts through the cache. Misses
// are recomputed from the opportunity store, which is authoritative.
type Reader struct {
	cache     *cache.Coordinator
	store     ports.OpportunityStore
	projector *Projector
	history   *forecast.History
}

func NewReader(c *cache.Coordinator, store ports.OpportunityStore, projector *Projector, history *forecast.History) *Reader {
	return &Reader{cache: c, store: store, projector: projector, history: history}
}

// GetPipelineSummary returns the open pipeline of an owner for a period.
func (r *Reader) GetPipelineSummary(ctx context.Context, ownerID uuid.UUID, period domain.Period) (cache.Entry[forecast.PipelineSummary], error) {
	return cache.Get(ctx, r.cache, SummaryKey(ownerID, period), func(ctx context.Context) (forecast.PipelineSummary, error) {
		opps, err := r.store.List(ctx, ports.Filter{OwnerID: &ownerID, Period: &period, OpenOnly: true})
		if err != nil {
			return forecast.PipelineSummary{}, err
		}
		set := aggregate.Build(opps, aggregate.ByOwner)
		return r.projector.Summary(ctx, ownerID, period, set.Buckets())
	})
}

// ClosedSummary returns the won and lost totals of an owner for a period.
func (r *Reader) ClosedSummary(ctx context.Context, ownerID uuid.UUID, period domain.Period) (cache.Entry[forecast.ClosedSummary], error) {
	return cache.Get(ctx, r.cache, ClosedKey(ownerID, period), func(ctx context.Context) (forecast.ClosedSummary, error) {
		opps, err := r.store.List(ctx, ports.Filter{OwnerID: &ownerID, Period: &period})
		if err != nil {
			return forecast.ClosedSummary{}, err
		}
		set := aggregate.Closed(opps, aggregate.ByOwner)
		return forecast.SummarizeClosed(ownerID, period, set.Buckets()), nil
	})
}

// GetForecast returns the current forecast record of a territory.
func (r *Reader) GetForecast(ctx context.Context, territoryID uuid.UUID, period domain.Period, typ forecast.Type) (cache.Entry[forecast.Record], error) {
	typ, err := forecast.ParseType(string(typ))
	if err != nil {
		return cache.Entry[forecast.Record]{}, err
	}
	return cache.Get(ctx, r.cache, ForecastKey(territoryID, period, typ), func(ctx context.Context) (forecast.Record, error) {
		opps, err := r.store.List(ctx, ports.Filter{TerritoryID: &territoryID, Period: &period, OpenOnly: true})
		if err != nil {
			return forecast.Record{}, err
		}
		set := aggregate.Build(opps, aggregate.ByTerritory)
		return r.projector.Forecast(ctx, territoryID, period, typ, set.Buckets())
	})
}

// ForecastHistory returns retained records of a territory, newest first. The
// orchestrator publishes the chain to the cache; a miss falls back to this
// process's own history.
func (r *Reader) ForecastHistory(ctx context.Context, territoryID uuid.UUID, period domain.Period, typ forecast.Type) ([]forecast.Record, error) {
	typ, err := forecast.ParseType(string(typ))
	if err != nil {
		return nil, err
	}
	e, err := cache.Get(ctx, r.cache, HistoryKey(territoryID, period, typ), func(context.Context) ([]forecast.Record, error) {
		return r.history.List(forecast.HistoryKey{TerritoryID: territoryID, Period: period, Type: typ}), nil
	})
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

// Opportunity reads one opportunity straight from the store.
func (r *Reader) Opportunity(ctx context.Context, id uuid.UUID) (domain.Opportunity, error) {
	return r.store.Get(ctx, id)
}
