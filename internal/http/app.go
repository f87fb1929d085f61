// Package http provides HTTP server infrastructure including module registration.
package http

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"pipeline_forecast_backend/platform/config"
	"pipeline_forecast_backend/platform/logger"
	"pipeline_forecast_backend/platform/metrics"
)

// HealthChecker exposes minimal functionality for readiness checks.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// App holds the fully initialized application dependencies.
// This is populated by main.go (the composition root) and passed to the router.
type App struct {
	// Config holds the HTTP server settings.
	Config config.HTTPConfig
	// Logger is the structured logger.
	Logger *logger.Logger
	// Health is used for readiness/health checks (e.g., DB ping).
	Health HealthChecker
	// Metrics records request latency.
	Metrics *metrics.Metrics
	// Gatherer backs the /metrics endpoint; nil disables it.
	Gatherer prometheus.Gatherer
	// Modules contains all HTTP-facing domain modules.
	Modules []Module
}
