// Completion webhook handler.
//
// The analysis provider calls POST /webhooks/completions once per finished
// task, possibly more than once. The handler is transport-thin: it validates
// the envelope, hands the event to the completion service, and maps the
// outcome to HTTP. Replies are deliberately coarse so the provider retries
// on 5xx and never retries on 2xx/4xx:
//
//   - malformed envelope            → 400 (retrying cannot help)
//   - unknown or duplicate task id  → 200 (acknowledged, nothing to redo)
//   - processing error              → 500 (provider should redeliver)
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cloro-dev/monitor/internal/http/middleware"
	"github.com/cloro-dev/monitor/internal/services"
)

// CompletionProcessor consumes completion events. Implementations must be
// safe for concurrent use and honor the context.
type CompletionProcessor interface {
	HandleCompletion(ctx context.Context, ev services.CompletionEvent) error
}

// Handlers groups the HTTP endpoints for completions, batch operations,
// charts, and prompt submission. It depends on abstract service interfaces
// to keep transport concerns separate from the pipeline logic.
type Handlers struct {
	completions CompletionProcessor
	batch       BatchRunner
	charts      ChartProvider
	submissions PromptSubmitter
}

// New constructs a Handlers instance bound to the given services.
func New(completions CompletionProcessor, batch BatchRunner, charts ChartProvider, submissions PromptSubmitter) *Handlers {
	return &Handlers{
		completions: completions,
		batch:       batch,
		charts:      charts,
		submissions: submissions,
	}
}

// WebhookRequest is the provider's completion envelope.
type WebhookRequest struct {
	Task struct {
		ID string `json:"id"`
	} `json:"task"`
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// WebhookResponse acknowledges a processed event.
type WebhookResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// HandleCompletionWebhook processes one completion event.
//
//	POST /api/v1/webhooks/completions
func (h *Handlers) HandleCompletionWebhook(c *gin.Context) {
	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "malformed completion event")
		return
	}

	taskID := strings.TrimSpace(req.Task.ID)
	status := strings.TrimSpace(req.Status)
	if taskID == "" || status == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "task.id and status are required")
		return
	}
	if strings.EqualFold(status, services.StatusCompleted) && len(req.Response) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "completed event is missing response payload")
		return
	}

	lg := middleware.LoggerFrom(c)
	ev := services.CompletionEvent{
		TaskID:   taskID,
		Status:   strings.ToUpper(status),
		Response: req.Response,
	}
	if err := h.completions.HandleCompletion(c.Request.Context(), ev); err != nil {
		if errors.Is(err, services.ErrMalformedEvent) {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "malformed completion event")
			return
		}
		lg.Error().Str("task_id", taskID).Err(err).Msg("completion processing failed")
		fail(c, http.StatusInternalServerError, ErrCodeIngestFailed, "could not process completion event")
		return
	}

	ok(c, http.StatusOK, WebhookResponse{TaskID: taskID, Status: "accepted"})
}
