// Package notification fans forecast updates out to live clients and other
// processes. It subscribes to domain events so the pipeline module does not
// need to know who is listening.
package notification

import (
	"context"

	"pipeline_forecast_backend/internal/events"
	apphttp "pipeline_forecast_backend/internal/http"
	"pipeline_forecast_backend/internal/notification/redispub"
	"pipeline_forecast_backend/internal/notification/sse"
	"pipeline_forecast_backend/platform/logger"
)

// Module handles forecast notifications.
type Module struct {
	sse       *sse.Service        // nil in processes without HTTP clients
	publisher *redispub.Publisher // nil when Redis is not configured
	log       *logger.Logger
}

// New creates the notification module. Either sink may be nil.
func New(stream *sse.Service, publisher *redispub.Publisher, log *logger.Logger) *Module {
	return &Module{sse: stream, publisher: publisher, log: log}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "notification"
}

// RegisterRoutes mounts the live forecast stream.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	if m.sse == nil {
		return
	}
	ctx.V1.GET("/forecasts/territories/:territoryId/stream", m.sse.Handler())
}

// RegisterHandlers subscribes the module to the event bus.
func (m *Module) RegisterHandlers(bus *events.InMemoryBus) {
	bus.Subscribe(events.ForecastUpdatedName, m)
	m.log.Info("notification module registered event handlers")
}

// Handle routes events to the appropriate handler.
func (m *Module) Handle(ctx context.Context, event events.Event) error {
	switch e := event.(type) {
	case events.ForecastUpdated:
		return m.handleForecastUpdated(ctx, e)
	default:
		m.log.Debug("unhandled event type", "event", event.EventName())
		return nil
	}
}

func (m *Module) handleForecastUpdated(ctx context.Context, e events.ForecastUpdated) error {
	m.deliver(e)
	if m.publisher == nil {
		return nil
	}
	if err := m.publisher.Publish(ctx, e); err != nil {
		m.log.Warn("forecast update not relayed",
			"territoryId", e.TerritoryID,
			"forecastType", e.ForecastType,
			"correlationId", e.CorrelationID,
			"error", err,
		)
		return err
	}
	return nil
}

// Relay forwards updates published by other processes to local streams
// until ctx is done.
func (m *Module) Relay(ctx context.Context, ready chan<- struct{}) error {
	if m.publisher == nil || m.sse == nil {
		if ready != nil {
			close(ready)
		}
		<-ctx.Done()
		return nil
	}
	return m.publisher.Subscribe(ctx, ready, m.deliver)
}

func (m *Module) deliver(e events.ForecastUpdated) {
	if m.sse == nil {
		return
	}
	m.sse.Publish(sse.Event{
		Type:        sse.EventForecastUpdated,
		TerritoryID: e.TerritoryID,
		Data:        e,
	})
}

// Close ends open streams.
func (m *Module) Close() {
	if m.sse != nil {
		m.sse.Close()
	}
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
