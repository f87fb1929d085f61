package pipeline

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"pipeline_forecast_backend/internal/cache"
	"pipeline_forecast_backend/internal/events"
	"pipeline_forecast_backend/internal/pipeline/domain"
	"pipeline_forecast_backend/internal/pipeline/forecast"
	"pipeline_forecast_backend/internal/pipeline/ports"
	"pipeline_forecast_backend/internal/pipeline/repository"
	"pipeline_forecast_backend/internal/pipeline/service"
	"pipeline_forecast_backend/platform/config"
	"pipeline_forecast_backend/platform/logger"
	"pipeline_forecast_backend/platform/metrics"
)

// Dependencies are the infrastructure pieces the engine is built on.
type Dependencies struct {
	Config   config.ForecastConfig
	Pool     *pgxpool.Pool
	Cache    *cache.Coordinator
	EventBus events.Bus
	Archiver ports.Archiver // optional
	Metrics  *metrics.Metrics
	Log      *logger.Logger
}

// Engine groups the pipeline services shared by the API and scheduler
// processes.
type Engine struct {
	Rules        *domain.Rules
	Store        *repository.Repository
	Projector    *service.Projector
	History      *forecast.History
	Reader       *service.Reader
	Orchestrator *Orchestrator
}

// NewEngine loads the stage rules and wires the read and recalculation
// paths onto the Postgres repository.
func NewEngine(deps Dependencies) (*Engine, error) {
	rules, err := domain.LoadRules(deps.Config.GetStageRulesPath())
	if err != nil {
		return nil, fmt.Errorf("load stage rules: %w", err)
	}

	calc, err := newCalculator(deps.Config)
	if err != nil {
		return nil, err
	}

	repo := repository.New(deps.Pool)
	projector := service.NewProjector(calc, repo, repo, deps.Log)
	history := forecast.NewHistory(deps.Config.GetForecastHistoryDepth())
	reader := service.NewReader(deps.Cache, repo, projector, history)

	orch := NewOrchestrator(
		OrchestratorConfig{
			Workers:   deps.Config.GetRecalcWorkers(),
			QueueSize: deps.Config.GetRecalcQueueSize(),
		},
		rules, repo, projector, history, deps.Cache, deps.EventBus, deps.Archiver, deps.Metrics, deps.Log,
	)

	return &Engine{
		Rules:        rules,
		Store:        repo,
		Projector:    projector,
		History:      history,
		Reader:       reader,
		Orchestrator: orch,
	}, nil
}

func newCalculator(cfg config.ForecastConfig) (*forecast.Calculator, error) {
	minFactor, err := decimal.NewFromString(cfg.GetAdjustmentMin())
	if err != nil {
		return nil, fmt.Errorf("FORECAST_ADJUSTMENT_MIN: %w", err)
	}
	maxFactor, err := decimal.NewFromString(cfg.GetAdjustmentMax())
	if err != nil {
		return nil, fmt.Errorf("FORECAST_ADJUSTMENT_MAX: %w", err)
	}
	return forecast.NewCalculator(minFactor, maxFactor)
}
