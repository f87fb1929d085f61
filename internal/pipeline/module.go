// Package pipeline provides the opportunity pipeline and forecast module.
package pipeline

import (
	apphttp "pipeline_forecast_backend/internal/http"
	"pipeline_forecast_backend/internal/pipeline/handler"
	"pipeline_forecast_backend/internal/pipeline/ports"
	"pipeline_forecast_backend/internal/pipeline/service"
	"pipeline_forecast_backend/internal/pipeline/transport"
	"pipeline_forecast_backend/platform/validator"
)

// Module is the pipeline bounded context module implementing http.Module.
type Module struct {
	handler  *handler.Handler
	reader   *service.Reader
	commands *service.Commands
}

// NewModule wires the HTTP surface and registers the pipeline validation tags.
func NewModule(reader *service.Reader, commands *service.Commands, reconcile ports.ReconcileTrigger, val *validator.Validator) (*Module, error) {
	if err := transport.RegisterValidations(val); err != nil {
		return nil, err
	}
	return &Module{
		handler:  handler.New(reader, commands, reconcile, val),
		reader:   reader,
		commands: commands,
	}, nil
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "pipeline"
}

// Reader returns the read service for external use.
func (m *Module) Reader() *service.Reader {
	return m.reader
}

// RegisterRoutes mounts pipeline routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.V1.GET("/pipeline/owners/:ownerId/summary", m.handler.GetPipelineSummary)
	ctx.V1.GET("/pipeline/owners/:ownerId/closed", m.handler.GetClosedSummary)
	ctx.V1.GET("/forecasts/territories/:territoryId", m.handler.GetForecast)
	ctx.V1.GET("/forecasts/territories/:territoryId/history", m.handler.GetForecastHistory)
	ctx.V1.GET("/opportunities/:id", m.handler.GetOpportunity)

	commands := ctx.V1.Group("/opportunities")
	if ctx.CommandRateLimiter != nil {
		commands.Use(ctx.CommandRateLimiter.RateLimit())
	}
	commands.POST("", m.handler.CreateOpportunity)
	commands.POST("/:id/transition", m.handler.TransitionOpportunity)

	admin := ctx.V1.Group("/pipeline")
	if ctx.CommandRateLimiter != nil {
		admin.Use(ctx.CommandRateLimiter.RateLimit())
	}
	admin.POST("/reconcile", m.handler.TriggerReconcile)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
