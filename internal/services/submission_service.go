// Package services – SubmissionService
//
// This file implements the outbound half of the task lifecycle: creating a
// PENDING task per (prompt, channel) and firing the provider submission
// whose completion later arrives through the webhook. The task id minted
// here is the idempotency key for the provider and for all downstream
// aggregation.
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/cloro-dev/monitor/internal/analyzer"
	"github.com/cloro-dev/monitor/internal/domain"
	"github.com/cloro-dev/monitor/internal/repo"
)

// SubmissionService submits monitoring prompts to the external analyzer.
type SubmissionService struct {
	DB       *gorm.DB
	Analyzer analyzer.Client
	Log      zerolog.Logger
}

// SubmitPrompt creates a task for (promptID, channel) and submits it. The
// submission is fire-and-forget on the provider side; a submission error
// here marks the task FAILED so the retry policy can pick it up.
func (s *SubmissionService) SubmitPrompt(ctx context.Context, promptID string, channel domain.Channel) (*domain.Task, error) {
	prompt, err := repo.GetPrompt(ctx, s.DB, promptID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrPromptNotFound
	}
	if err != nil {
		return nil, err
	}

	locale := normalizeLocale(prompt.Locale)
	task, err := repo.CreateTask(ctx, s.DB, uuid.NewString(), prompt.ID, prompt.EntityID, channel, locale)
	if err != nil {
		return nil, err
	}
	if err := repo.MarkTaskProcessing(ctx, s.DB, task.ID); err != nil {
		return nil, err
	}

	if err := s.Analyzer.Submit(ctx, prompt.Text, locale, channel, task.ID); err != nil {
		reason := fmt.Sprintf("submission failed: %v", err)
		if _, merr := repo.MarkTaskFailed(ctx, s.DB, task.ID, reason); merr != nil {
			s.Log.Error().Str("task_id", task.ID).Err(merr).Msg("could not record submission failure")
		}
		return nil, err
	}

	s.Log.Info().
		Str("task_id", task.ID).
		Str("prompt_id", prompt.ID).
		Str("channel", string(channel)).
		Msg("task submitted")
	return task, nil
}

// DispatchStats summarizes one bulk prompt dispatch.
type DispatchStats struct {
	Submitted int `json:"submitted"`
	Failed    int `json:"failed"`
}

// SubmitActivePrompts dispatches every active prompt of an entity to each of
// the given channels. Failures are isolated per (prompt, channel) and
// counted; the first error is returned alongside the stats.
func (s *SubmissionService) SubmitActivePrompts(ctx context.Context, entityID string, channels []domain.Channel) (DispatchStats, error) {
	var stats DispatchStats

	if _, err := repo.GetEntity(ctx, s.DB, entityID); errors.Is(err, repo.ErrNotFound) {
		return stats, ErrEntityNotFound
	} else if err != nil {
		return stats, err
	}

	prompts, err := repo.ListActivePrompts(ctx, s.DB, entityID)
	if err != nil {
		return stats, err
	}

	var firstErr error
	for _, prompt := range prompts {
		for _, channel := range channels {
			if _, err := s.SubmitPrompt(ctx, prompt.ID, channel); err != nil {
				stats.Failed++
				if firstErr == nil {
					firstErr = err
				}
				s.Log.Error().
					Str("prompt_id", prompt.ID).
					Str("channel", string(channel)).
					Err(err).
					Msg("prompt dispatch failed")
				continue
			}
			stats.Submitted++
		}
	}
	return stats, firstErr
}

// normalizeLocale canonicalizes a BCP 47 tag, falling back to "en" for
// values that do not parse.
func normalizeLocale(locale string) string {
	tag, err := language.Parse(locale)
	if err != nil || tag == language.Und {
		return "en"
	}
	return tag.String()
}
