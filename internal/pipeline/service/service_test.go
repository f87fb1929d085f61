package service

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pipeline_forecast_backend/internal/cache"
	"pipeline_forecast_backend/internal/pipeline/domain"
	"pipeline_forecast_backend/internal/pipeline/forecast"
	"pipeline_forecast_backend/internal/pipeline/pipelinetest"
	"pipeline_forecast_backend/internal/pipeline/ports"
	"pipeline_forecast_backend/internal/pipeline/transport"
	"pipeline_forecast_backend/platform/apperr"
	"pipeline_forecast_backend/platform/logger"
)

var (
	owner     = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	territory = uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000001")
	period    = domain.Period("2024-Q3")
)

func testLogger() *logger.Logger { return logger.NewWithWriter("production", io.Discard) }

func opportunity(stage domain.Stage, amount string, probability int) domain.Opportunity {
	return domain.Opportunity{
		ID:          uuid.New(),
		Name:        "deal",
		Stage:       stage,
		Amount:      decimal.RequireFromString(amount),
		Period:      period,
		OwnerID:     owner,
		TerritoryID: territory,
		Probability: probability,
		UpdatedAt:   time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newCache(t *testing.T) *cache.Coordinator {
	t.Helper()
	fast, err := cache.NewLocalTier(64, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, err := cache.New(cache.Options{Fast: fast, RecomputeTimeout: time.Second, Log: testLogger()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return c
}

func newReader(t *testing.T, store *pipelinetest.Store) *Reader {
	t.Helper()
	projector := NewProjector(forecast.DefaultCalculator(), store, nil, testLogger())
	return NewReader(newCache(t), store, projector, forecast.NewHistory(5))
}

func TestReaderPipelineSummary(t *testing.T) {
	store := pipelinetest.NewStore(
		opportunity(domain.StageDiscovery, "1000", 20),
		opportunity(domain.StageProposal, "2000", 50),
		opportunity(domain.StageClosedWon, "9000", 100),
	)
	r := newReader(t, store)

	e, err := r.GetPipelineSummary(context.Background(), owner, period)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Value.Count != 2 {
		t.Fatalf("expected 2 open opportunities, got %d", e.Value.Count)
	}
	if !e.Value.TotalAmount.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("expected total 3000, got %s", e.Value.TotalAmount)
	}
	if !e.Value.WeightedAmount.Equal(decimal.NewFromInt(1200)) {
		t.Fatalf("expected weighted 1200, got %s", e.Value.WeightedAmount)
	}
	if e.Source != cache.SourceLoader {
		t.Fatalf("expected loader source, got %s", e.Source)
	}

	again, err := r.GetPipelineSummary(context.Background(), owner, period)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.Source != cache.SourceFast {
		t.Fatalf("expected fast tier hit, got %s", again.Source)
	}
	if store.Lists() != 1 {
		t.Fatalf("expected a single store read, got %d", store.Lists())
	}
}

func TestReaderEmptyPipeline(t *testing.T) {
	r := newReader(t, pipelinetest.NewStore())

	e, err := r.GetPipelineSummary(context.Background(), owner, period)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Value.Count != 0 || !e.Value.TotalAmount.IsZero() {
		t.Fatalf("expected empty summary, got %+v", e.Value)
	}
	if e.Value.ByStage == nil {
		t.Fatalf("expected empty breakdown, got nil")
	}
}

func TestReaderForecastCoverage(t *testing.T) {
	store := pipelinetest.NewStore(
		opportunity(domain.StageNegotiation, "4000", 75),
		opportunity(domain.StageDiscovery, "1000", 20),
	)
	store.SetQuota(territory, period, decimal.NewFromInt(10000))
	r := newReader(t, store)

	e, err := r.GetForecast(context.Background(), territory, period, forecast.TypeCommit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !e.Value.Amount.Equal(decimal.NewFromInt(4000)) {
		t.Fatalf("expected commit amount 4000, got %s", e.Value.Amount)
	}
	if e.Value.Coverage == nil || !e.Value.Coverage.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("expected coverage 0.5, got %v", e.Value.Coverage)
	}
}

func TestReaderSummaryOwnerCoverage(t *testing.T) {
	store := pipelinetest.NewStore(
		opportunity(domain.StageNegotiation, "4000", 75),
		opportunity(domain.StageDiscovery, "1000", 20),
	)
	store.SetOwnerQuota(owner, period, decimal.NewFromInt(20000))
	r := newReader(t, store)

	e, err := r.GetPipelineSummary(context.Background(), owner, period)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Value.Coverage == nil || !e.Value.Coverage.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("expected coverage 0.25, got %v", e.Value.Coverage)
	}
	view := e.Value.View()
	if view.Quota == nil || *view.Quota != "20000.00" {
		t.Fatalf("expected quota 20000.00 in view, got %v", view.Quota)
	}

	// A territory quota is not an owner quota.
	other := pipelinetest.NewStore(opportunity(domain.StageDiscovery, "1000", 20))
	other.SetQuota(territory, period, decimal.NewFromInt(20000))
	e, err = newReader(t, other).GetPipelineSummary(context.Background(), owner, period)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Value.Coverage != nil || e.Value.Quota != nil {
		t.Fatalf("expected no owner coverage, got %v", e.Value.Coverage)
	}
}

func TestReaderRejectsUnknownForecastType(t *testing.T) {
	r := newReader(t, pipelinetest.NewStore())

	_, err := r.GetForecast(context.Background(), territory, period, forecast.Type("likely"))
	if apperr.GetCode(err) != forecast.CodeInvalidForecastType {
		t.Fatalf("expected invalid forecast type, got %v", err)
	}
}

func TestReaderSurfacesUnavailableWithoutStale(t *testing.T) {
	store := pipelinetest.NewStore()
	store.SetErr(apperr.Unavailable("database down", errors.New("dial tcp")))
	r := newReader(t, store)

	_, err := r.GetForecast(context.Background(), territory, period, forecast.TypePipeline)
	if !apperr.Is(err, apperr.KindUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestReaderClosedSummary(t *testing.T) {
	store := pipelinetest.NewStore(
		opportunity(domain.StageClosedWon, "5000", 100),
		opportunity(domain.StageClosedLost, "700", 0),
		opportunity(domain.StageProposal, "2000", 50),
	)
	r := newReader(t, store)

	e, err := r.ClosedSummary(context.Background(), owner, period)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Value.WonCount != 1 || !e.Value.WonAmount.Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("expected one won deal of 5000, got %+v", e.Value)
	}
	if e.Value.LostCount != 1 || !e.Value.LostAmount.Equal(decimal.NewFromInt(700)) {
		t.Fatalf("expected one lost deal of 700, got %+v", e.Value)
	}
}

func TestReaderHistoryFallsBackToLocalChain(t *testing.T) {
	store := pipelinetest.NewStore()
	projector := NewProjector(forecast.DefaultCalculator(), nil, nil, testLogger())
	history := forecast.NewHistory(3)
	r := NewReader(newCache(t), store, projector, history)

	history.Supersede(forecast.Record{ID: uuid.New(), TerritoryID: territory, Period: period, Type: forecast.TypePipeline})
	history.Supersede(forecast.Record{ID: uuid.New(), TerritoryID: territory, Period: period, Type: forecast.TypePipeline})

	items, err := r.ForecastHistory(context.Background(), territory, period, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 history records, got %d", len(items))
	}
	if items[0].Supersedes == nil || *items[0].Supersedes != items[1].ID {
		t.Fatalf("expected newest record to supersede the older one")
	}
}

type failingPredictor struct{}

func (failingPredictor) AdjustmentFactor(context.Context, ports.PredictionContext) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, errors.New("model offline")
}

type fixedPredictor struct{ factor decimal.Decimal }

func (p fixedPredictor) AdjustmentFactor(context.Context, ports.PredictionContext) (decimal.Decimal, bool, error) {
	return p.factor, true, nil
}

func TestProjectorAppliesAdjustmentFactor(t *testing.T) {
	store := pipelinetest.NewStore(opportunity(domain.StageProposal, "1000", 50))

	p := NewProjector(forecast.DefaultCalculator(), nil, fixedPredictor{factor: decimal.RequireFromString("1.2")}, testLogger())
	r := NewReader(newCache(t), store, p, forecast.NewHistory(1))
	e, err := r.GetForecast(context.Background(), territory, period, forecast.TypePipeline)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !e.Value.WeightedAmount.Equal(decimal.NewFromInt(600)) {
		t.Fatalf("expected adjusted weighted 600, got %s", e.Value.WeightedAmount)
	}
}

func TestProjectorIgnoresPredictorFailure(t *testing.T) {
	store := pipelinetest.NewStore(opportunity(domain.StageProposal, "1000", 50))
	p := NewProjector(forecast.DefaultCalculator(), nil, failingPredictor{}, testLogger())
	r := NewReader(newCache(t), store, p, forecast.NewHistory(1))

	e, err := r.GetForecast(context.Background(), territory, period, forecast.TypePipeline)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !e.Value.WeightedAmount.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected unadjusted weighted 500, got %s", e.Value.WeightedAmount)
	}
}

func TestTransitionPersistsAndDispatches(t *testing.T) {
	opp := opportunity(domain.StageDiscovery, "100000", 20)
	store := pipelinetest.NewStore(opp)
	dispatcher := &pipelinetest.Dispatcher{}
	cmds := NewCommands(domain.DefaultRules(), store, dispatcher, testLogger())

	ctx := context.WithValue(context.Background(), logger.RequestIDKey, "req-1")
	next, err := cmds.Transition(ctx, opp.ID, transport.TransitionRequest{ToStage: "proposal"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Stage != domain.StageProposal || next.Probability != 50 {
		t.Fatalf("expected proposal at 50, got %s at %d", next.Stage, next.Probability)
	}

	stored, _ := store.Get(context.Background(), opp.ID)
	if stored.Stage != domain.StageProposal {
		t.Fatalf("expected persisted stage proposal, got %s", stored.Stage)
	}

	sent := dispatcher.Dispatched()
	if len(sent) != 1 {
		t.Fatalf("expected one dispatched event, got %d", len(sent))
	}
	evt := sent[0]
	if evt.FromStage != "discovery" || evt.ToStage != "proposal" {
		t.Fatalf("expected discovery to proposal, got %s to %s", evt.FromStage, evt.ToStage)
	}
	if *evt.FromProbability != 20 || *evt.ToProbability != 50 {
		t.Fatalf("expected probabilities 20 and 50, got %d and %d", *evt.FromProbability, *evt.ToProbability)
	}
	if evt.CorrelationID != "req-1" {
		t.Fatalf("expected correlation id from request, got %q", evt.CorrelationID)
	}
}

func TestTransitionRejectedLeavesOpportunityUnchanged(t *testing.T) {
	opp := opportunity(domain.StageClosedWon, "500", 100)
	store := pipelinetest.NewStore(opp)
	dispatcher := &pipelinetest.Dispatcher{}
	cmds := NewCommands(domain.DefaultRules(), store, dispatcher, testLogger())

	_, err := cmds.Transition(context.Background(), opp.ID, transport.TransitionRequest{ToStage: "proposal"})
	if !domain.IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	stored, _ := store.Get(context.Background(), opp.ID)
	if stored.Stage != domain.StageClosedWon {
		t.Fatalf("expected stage to remain closed_won, got %s", stored.Stage)
	}
	if len(dispatcher.Dispatched()) != 0 {
		t.Fatalf("expected no dispatched events")
	}
}

func TestTransitionRejectsOutOfRangeOverride(t *testing.T) {
	opp := opportunity(domain.StageDiscovery, "500", 20)
	store := pipelinetest.NewStore(opp)
	cmds := NewCommands(domain.DefaultRules(), store, &pipelinetest.Dispatcher{}, testLogger())

	p := 120
	_, err := cmds.Transition(context.Background(), opp.ID, transport.TransitionRequest{ToStage: "qualification", ProbabilityOverride: &p})
	if !domain.IsInvalidProbability(err) {
		t.Fatalf("expected invalid probability, got %v", err)
	}
}

func TestTransitionDispatchFailureKeepsTransition(t *testing.T) {
	opp := opportunity(domain.StageDiscovery, "500", 20)
	store := pipelinetest.NewStore(opp)
	cmds := NewCommands(domain.DefaultRules(), store, &pipelinetest.Dispatcher{Err: errors.New("queue full")}, testLogger())

	if _, err := cmds.Transition(context.Background(), opp.ID, transport.TransitionRequest{ToStage: "qualification"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, _ := store.Get(context.Background(), opp.ID)
	if stored.Stage != domain.StageQualification {
		t.Fatalf("expected persisted qualification, got %s", stored.Stage)
	}
}

func TestCreateDispatchesCreationEvent(t *testing.T) {
	store := pipelinetest.NewStore()
	dispatcher := &pipelinetest.Dispatcher{}
	cmds := NewCommands(domain.DefaultRules(), store, dispatcher, testLogger())

	opp, err := cmds.Create(context.Background(), transport.CreateOpportunityRequest{
		Name:        "Acme renewal",
		Amount:      "2500.50",
		Period:      "2024-Q3",
		OwnerID:     owner.String(),
		TerritoryID: territory.String(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opp.Stage != domain.StageDiscovery || opp.Probability != 20 {
		t.Fatalf("expected discovery at 20, got %s at %d", opp.Stage, opp.Probability)
	}
	sent := dispatcher.Dispatched()
	if len(sent) != 1 || sent[0].FromStage != "" || sent[0].ToStage != "discovery" {
		t.Fatalf("expected a creation event into discovery, got %+v", sent)
	}
}

func TestCreateRejectsNegativeAmount(t *testing.T) {
	cmds := NewCommands(domain.DefaultRules(), pipelinetest.NewStore(), nil, testLogger())

	_, err := cmds.Create(context.Background(), transport.CreateOpportunityRequest{
		Name:        "Bad",
		Amount:      "-1",
		Period:      "2024-Q3",
		OwnerID:     owner.String(),
		TerritoryID: territory.String(),
	})
	if apperr.GetCode(err) != domain.CodeInvalidAmount {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}
