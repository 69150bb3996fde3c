// Prompt submission handler.
//
// POST /prompts/:id/submissions sends a configured prompt to the analysis
// provider and records the pending task. The analysis itself completes
// asynchronously through the completion webhook.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cloro-dev/monitor/internal/domain"
	"github.com/cloro-dev/monitor/internal/http/middleware"
	"github.com/cloro-dev/monitor/internal/services"
)

// PromptSubmitter dispatches prompts for asynchronous analysis.
type PromptSubmitter interface {
	SubmitPrompt(ctx context.Context, promptID string, channel domain.Channel) (*domain.Task, error)
	SubmitActivePrompts(ctx context.Context, entityID string, channels []domain.Channel) (services.DispatchStats, error)
}

// SubmissionRequest selects the channel a prompt is dispatched to.
type SubmissionRequest struct {
	Channel string `json:"channel" binding:"required"`
}

// SubmissionResponse reports the pending task created for a submission.
type SubmissionResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Channel string `json:"channel"`
}

// SubmitPrompt dispatches one prompt for analysis.
//
//	POST /api/v1/prompts/:id/submissions
func (h *Handlers) SubmitPrompt(c *gin.Context) {
	promptID := strings.TrimSpace(c.Param("id"))
	if promptID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "prompt id is required")
		return
	}

	var req SubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "channel is required")
		return
	}
	channel := domain.Channel(strings.ToLower(strings.TrimSpace(req.Channel)))
	if !channel.Valid() {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown channel")
		return
	}

	task, err := h.submissions.SubmitPrompt(c.Request.Context(), promptID, channel)
	if errors.Is(err, services.ErrPromptNotFound) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "prompt not found")
		return
	}
	if err != nil {
		middleware.LoggerFrom(c).Error().
			Str("prompt_id", promptID).
			Err(err).
			Msg("prompt submission failed")
		fail(c, http.StatusInternalServerError, ErrCodeSubmitFailed, "could not submit prompt")
		return
	}

	accepted(c, SubmissionResponse{
		TaskID:  task.ID,
		Status:  string(task.Status),
		Channel: string(task.Channel),
	})
}

// DispatchRequest optionally narrows a bulk dispatch to specific channels.
type DispatchRequest struct {
	Channels []string `json:"channels"`
}

// DispatchPrompts submits every active prompt of an entity across channels.
// An empty or absent channel list dispatches to all channels.
//
//	POST /api/v1/entities/:id/submissions
func (h *Handlers) DispatchPrompts(c *gin.Context) {
	entityID := strings.TrimSpace(c.Param("id"))
	if entityID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "entity id is required")
		return
	}

	var req DispatchRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "malformed dispatch request")
			return
		}
	}

	channels := domain.AllChannels()
	if len(req.Channels) > 0 {
		channels = channels[:0]
		for _, raw := range req.Channels {
			channel := domain.Channel(strings.ToLower(strings.TrimSpace(raw)))
			if !channel.Valid() {
				fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown channel")
				return
			}
			channels = append(channels, channel)
		}
	}

	stats, err := h.submissions.SubmitActivePrompts(c.Request.Context(), entityID, channels)
	if errors.Is(err, services.ErrEntityNotFound) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "entity not found")
		return
	}
	if err != nil {
		middleware.LoggerFrom(c).Error().
			Str("entity_id", entityID).
			Err(err).
			Msg("prompt dispatch failed")
		fail(c, http.StatusInternalServerError, ErrCodeSubmitFailed, "could not dispatch prompts")
		return
	}

	accepted(c, stats)
}
