package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"pipeline_forecast_backend/internal/cache"
	"pipeline_forecast_backend/internal/pipeline/domain"
	"pipeline_forecast_backend/internal/pipeline/forecast"
	"pipeline_forecast_backend/internal/pipeline/ports"
	"pipeline_forecast_backend/internal/pipeline/service"
	"pipeline_forecast_backend/internal/pipeline/transport"
	"pipeline_forecast_backend/platform/httpkit"
	"pipeline_forecast_backend/platform/validator"
)

// Handler handles HTTP requests for pipeline summaries, forecasts and stage
// transitions.
type Handler struct {
	reader    *service.Reader
	commands  *service.Commands
	reconcile ports.ReconcileTrigger
	val       *validator.Validator
}

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
	msgInvalidOwnerID   = "invalid owner id"
	msgInvalidTerritory = "invalid territory id"
	msgInvalidID        = "invalid opportunity id"
)

// New creates a new pipeline handler.
func New(reader *service.Reader, commands *service.Commands, reconcile ports.ReconcileTrigger, val *validator.Validator) *Handler {
	return &Handler{reader: reader, commands: commands, reconcile: reconcile, val: val}
}

// GetPipelineSummary returns the open pipeline of an owner.
// GET /api/v1/pipeline/owners/:ownerId/summary?period=
func (h *Handler) GetPipelineSummary(c *gin.Context) {
	ownerID, err := uuid.Parse(c.Param("ownerId"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidOwnerID, nil)
		return
	}
	query, ok := h.bindPeriod(c)
	if !ok {
		return
	}

	entry, err := h.reader.GetPipelineSummary(c.Request.Context(), ownerID, query.period)
	if httpkit.HandleError(c, err) {
		return
	}
	setCacheHeaders(c, entry.Source, entry.Stale, entry.RefreshedAt)
	httpkit.OK(c, entry.Value.View())
}

// GetClosedSummary returns won and lost totals of an owner.
// GET /api/v1/pipeline/owners/:ownerId/closed?period=
func (h *Handler) GetClosedSummary(c *gin.Context) {
	ownerID, err := uuid.Parse(c.Param("ownerId"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidOwnerID, nil)
		return
	}
	query, ok := h.bindPeriod(c)
	if !ok {
		return
	}

	entry, err := h.reader.ClosedSummary(c.Request.Context(), ownerID, query.period)
	if httpkit.HandleError(c, err) {
		return
	}
	setCacheHeaders(c, entry.Source, entry.Stale, entry.RefreshedAt)
	httpkit.OK(c, entry.Value.View())
}

// GetForecast returns the current forecast record of a territory.
// GET /api/v1/forecasts/territories/:territoryId?period=&type=
func (h *Handler) GetForecast(c *gin.Context) {
	territoryID, err := uuid.Parse(c.Param("territoryId"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidTerritory, nil)
		return
	}
	query, ok := h.bindPeriod(c)
	if !ok {
		return
	}

	entry, err := h.reader.GetForecast(c.Request.Context(), territoryID, query.period, query.typ)
	if httpkit.HandleError(c, err) {
		return
	}
	setCacheHeaders(c, entry.Source, entry.Stale, entry.RefreshedAt)
	httpkit.OK(c, entry.Value.View())
}

// GetForecastHistory lists retained forecast records, newest first.
// GET /api/v1/forecasts/territories/:territoryId/history?period=&type=
func (h *Handler) GetForecastHistory(c *gin.Context) {
	territoryID, err := uuid.Parse(c.Param("territoryId"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidTerritory, nil)
		return
	}
	query, ok := h.bindPeriod(c)
	if !ok {
		return
	}

	records, err := h.reader.ForecastHistory(c.Request.Context(), territoryID, query.period, query.typ)
	if httpkit.HandleError(c, err) {
		return
	}
	resp := transport.ForecastHistoryResponse{Items: make([]forecast.RecordView, 0, len(records))}
	for _, rec := range records {
		resp.Items = append(resp.Items, rec.View())
	}
	httpkit.OK(c, resp)
}

// GetOpportunity returns one opportunity.
// GET /api/v1/opportunities/:id
func (h *Handler) GetOpportunity(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidID, nil)
		return
	}

	opp, err := h.reader.Opportunity(c.Request.Context(), id)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.ToOpportunityResponse(opp))
}

// CreateOpportunity registers a new opportunity.
// POST /api/v1/opportunities
func (h *Handler) CreateOpportunity(c *gin.Context) {
	var req transport.CreateOpportunityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	opp, err := h.commands.Create(c.Request.Context(), req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.JSON(c, http.StatusCreated, transport.ToOpportunityResponse(opp))
}

// TransitionOpportunity moves an opportunity to another stage.
// POST /api/v1/opportunities/:id/transition
func (h *Handler) TransitionOpportunity(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidID, nil)
		return
	}
	var req transport.TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	opp, err := h.commands.Transition(c.Request.Context(), id, req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.ToOpportunityResponse(opp))
}

// TriggerReconcile starts a reconciliation pass.
// POST /api/v1/pipeline/reconcile
func (h *Handler) TriggerReconcile(c *gin.Context) {
	if h.reconcile == nil {
		httpkit.Error(c, http.StatusServiceUnavailable, "reconciliation is not available", nil)
		return
	}
	if httpkit.HandleError(c, h.reconcile.TriggerReconcile(c.Request.Context(), "manual")) {
		return
	}
	httpkit.JSON(c, http.StatusAccepted, gin.H{"status": "scheduled"})
}

// periodParams is a bound period query with the period in canonical form, so
// that 2024-q3 and 2024-Q3 share cache keys and store filters.
type periodParams struct {
	period domain.Period
	typ    forecast.Type
}

func (h *Handler) bindPeriod(c *gin.Context) (periodParams, bool) {
	var query transport.PeriodQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return periodParams{}, false
	}
	if err := h.val.Struct(query); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return periodParams{}, false
	}
	period, err := domain.ParsePeriod(query.Period)
	if httpkit.HandleError(c, err) {
		return periodParams{}, false
	}
	return periodParams{period: period, typ: forecast.Type(query.Type)}, true
}

// setCacheHeaders tells clients where a value came from and how old it is.
func setCacheHeaders(c *gin.Context, source cache.Source, stale bool, refreshedAt time.Time) {
	c.Header("X-Cache", string(source))
	if stale {
		c.Header("X-Cache-Stale", "true")
	}
	if !refreshedAt.IsZero() {
		age := int(time.Since(refreshedAt).Seconds())
		if age < 0 {
			age = 0
		}
		c.Header("Age", strconv.Itoa(age))
	}
}
