// Batch trigger handler.
//
// POST /batch/run starts a reconciliation pass. Without a body it runs the
// standard anti-join pass over unaggregated results; with {"start","end"}
// dates it runs a backfill over that range. The endpoint is guarded by the
// shared-secret middleware and also invoked internally by the scheduler.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cloro-dev/monitor/internal/domain"
	"github.com/cloro-dev/monitor/internal/http/middleware"
	"github.com/cloro-dev/monitor/internal/services"
)

// BatchRunner triggers reconciliation passes.
type BatchRunner interface {
	RunBatch(ctx context.Context) (services.BatchStats, error)
	RunBatchForDateRange(ctx context.Context, start, end time.Time) (services.BatchStats, error)
}

// BatchRequest optionally narrows a run to a date range (inclusive, UTC
// calendar days).
type BatchRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// RunBatch triggers a reconciliation pass or a date-range backfill.
//
//	POST /api/v1/batch/run
func (h *Handlers) RunBatch(c *gin.Context) {
	lg := middleware.LoggerFrom(c)

	var req BatchRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "malformed batch request")
			return
		}
	}

	// No range means the standard pass over unaggregated results.
	if req.Start == "" && req.End == "" {
		stats, err := h.batch.RunBatch(c.Request.Context())
		if err != nil {
			lg.Error().Err(err).Msg("reconciliation pass failed")
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "reconciliation pass failed")
			return
		}
		ok(c, http.StatusOK, stats)
		return
	}

	start, err := time.ParseInLocation(domain.DateLayout, req.Start, time.UTC)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadDateRange, "start must be a YYYY-MM-DD date")
		return
	}
	end, err := time.ParseInLocation(domain.DateLayout, req.End, time.UTC)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadDateRange, "end must be a YYYY-MM-DD date")
		return
	}

	stats, err := h.batch.RunBatchForDateRange(c.Request.Context(), start, end)
	if errors.Is(err, services.ErrBadDateRange) {
		fail(c, http.StatusBadRequest, ErrCodeBadDateRange, "end precedes start")
		return
	}
	if err != nil {
		lg.Error().Err(err).Msg("backfill failed")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "backfill failed")
		return
	}
	ok(c, http.StatusOK, stats)
}
