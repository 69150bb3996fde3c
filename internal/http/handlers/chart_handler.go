// Chart read handler.
//
// GET /entities/:id/chart serves the dashboard series for an entity/tenant
// pair through the snapshot cache. Responses are compressed by the gzip
// middleware mounted on this route.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cloro-dev/monitor/internal/http/middleware"
	"github.com/cloro-dev/monitor/internal/repo"
	"github.com/cloro-dev/monitor/internal/services"
)

// ChartProvider serves chart payloads through the snapshot cache.
type ChartProvider interface {
	GetChart(ctx context.Context, entityID, tenantID string, params services.ChartParams) (*services.Chart, error)
}

// GetChart returns the chart for an entity.
//
//	GET /api/v1/entities/:id/chart?tenant_id=...&tab=visibility&days=30
func (h *Handlers) GetChart(c *gin.Context) {
	entityID := strings.TrimSpace(c.Param("id"))
	tenantID := strings.TrimSpace(c.Query("tenant_id"))
	if entityID == "" || tenantID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "entity id and tenant_id are required")
		return
	}

	params := services.ChartParams{
		Tab: services.ChartTab(strings.ToLower(c.DefaultQuery("tab", string(services.TabVisibility)))),
	}
	switch params.Tab {
	case services.TabVisibility, services.TabSentiment, services.TabPosition, services.TabSources:
	default:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "tab must be one of: visibility, sentiment, position, sources")
		return
	}

	if raw := c.Query("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days < 1 || days > 365 {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "days must be an integer in [1,365]")
			return
		}
		params.Days = days
	}

	chart, err := h.charts.GetChart(c.Request.Context(), entityID, tenantID, params)
	if errors.Is(err, repo.ErrNotFound) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "entity not found")
		return
	}
	if err != nil {
		middleware.LoggerFrom(c).Error().
			Str("entity_id", entityID).
			Err(err).
			Msg("chart computation failed")
		fail(c, http.StatusInternalServerError, ErrCodeChartFailed, "could not build chart")
		return
	}

	ok(c, http.StatusOK, chart)
}
