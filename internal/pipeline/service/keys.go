package service

import (
	"fmt"

	"github.com/google/uuid"

	"pipeline_forecast_backend/internal/pipeline/domain"
	"pipeline_forecast_backend/internal/pipeline/forecast"
)

// Cache keys. Each key maps to exactly one aggregate scope so that the
// orchestrator's per-scope serialization also serializes the key's writes.

func SummaryKey(ownerID uuid.UUID, period domain.Period) string {
	return fmt.Sprintf("summary:owner:%s:%s", ownerID, period)
}

func ClosedKey(ownerID uuid.UUID, period domain.Period) string {
	return fmt.Sprintf("closed:owner:%s:%s", ownerID, period)
}

func ForecastKey(territoryID uuid.UUID, period domain.Period, typ forecast.Type) string {
	return fmt.Sprintf("forecast:territory:%s:%s:%s", territoryID, period, typ)
}

func HistoryKey(territoryID uuid.UUID, period domain.Period, typ forecast.Type) string {
	return fmt.Sprintf("history:territory:%s:%s:%s", territoryID, period, typ)
}
