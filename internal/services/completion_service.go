// Package services – CompletionService
//
// This file implements the completion handler, the entry point invoked once
// per upstream completion event. It persists the task's terminal status
// synchronously so readers observe it immediately, then schedules both
// aggregators as detached background continuations; competitor resolution
// happens inside metrics aggregation so first-sighted competitors are never
// lost to scheduling order. Each step is independently fallible: enrichment
// failures degrade to partial data, and nothing past the status write can
// fail the webhook response.
//
// The retry policy for failed tasks also lives here: bounded attempts,
// resubmission under the original task id so the provider's dedup applies,
// and a distinct terminal reason when resubmission itself fails.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/cloro-dev/monitor/internal/analyzer"
	"github.com/cloro-dev/monitor/internal/domain"
	"github.com/cloro-dev/monitor/internal/extract"
	"github.com/cloro-dev/monitor/internal/jobs"
	"github.com/cloro-dev/monitor/internal/repo"
)

// StatusCompleted is the provider's success marker on completion events.
const StatusCompleted = "COMPLETED"

var completionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pipeline_completions_total",
		Help: "Completion events processed, by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(completionsTotal)
}

// CompletionEvent is the inbound completion callback after transport-level
// validation. Response is the provider's opaque result payload.
type CompletionEvent struct {
	TaskID   string
	Status   string
	Response json.RawMessage
}

// CompletionService processes completion events and drives the retry policy.
type CompletionService struct {
	DB       *gorm.DB
	Analyzer analyzer.Client
	Runner   jobs.Runner
	Metrics  *MetricsService
	Sources  *SourceService
	Log      zerolog.Logger

	// MaxRetries caps resubmission attempts for a failing task.
	MaxRetries int
	// AnalyzeTimeout bounds the signal-extraction call.
	AnalyzeTimeout time.Duration
}

// HandleCompletion runs the synchronous prefix of completion processing and
// schedules the aggregation continuations. It returns an error only for
// storage failures in the synchronous prefix; an unknown task id is logged
// and discarded, and background failures surface through job metrics.
func (s *CompletionService) HandleCompletion(ctx context.Context, ev CompletionEvent) error {
	tr := otel.Tracer("services/CompletionService")
	ctx, span := tr.Start(ctx, "HandleCompletion",
		trace.WithAttributes(
			attribute.String("task.id", ev.TaskID),
			attribute.String("event.status", ev.Status),
		),
	)
	defer span.End()

	if ev.TaskID == "" || (ev.Status == StatusCompleted && len(ev.Response) == 0) {
		return ErrMalformedEvent
	}

	task, err := repo.GetTask(ctx, s.DB, ev.TaskID)
	if errors.Is(err, repo.ErrNotFound) {
		// Upstream does not retry forever; an unknown id is an orphaned or
		// already-purged task, not an error worth failing the webhook for.
		completionsTotal.WithLabelValues("orphaned").Inc()
		s.Log.Warn().Str("task_id", ev.TaskID).Msg("completion for unknown task discarded")
		return nil
	}
	if err != nil {
		return err
	}

	if ev.Status != StatusCompleted {
		return s.handleFailure(ctx, task, ev.Status)
	}
	return s.handleSuccess(ctx, task, ev.Response)
}

// handleFailure persists FAILED and hands the task to the retry policy as a
// non-blocking continuation. A failure arriving after the task already
// reached SUCCESS is a stale redelivery and must not reopen the terminal
// state: doing so would resubmit a finished task and let its redelivered
// success aggregate a second time.
func (s *CompletionService) handleFailure(ctx context.Context, task *domain.Task, status string) error {
	reason := fmt.Sprintf("provider reported %s", status)
	transitioned, err := repo.MarkTaskFailed(ctx, s.DB, task.ID, reason)
	if err != nil {
		return err
	}
	if !transitioned {
		completionsTotal.WithLabelValues("stale_failure").Inc()
		s.Log.Info().Str("task_id", task.ID).Str("status", status).Msg("failure for already-successful task ignored")
		return nil
	}
	completionsTotal.WithLabelValues("failed").Inc()

	taskID := task.ID
	if err := s.Runner.Submit(jobs.Job{Name: "task.retry", Run: func(jctx context.Context) error {
		return s.RetryTask(jctx, taskID)
	}}); err != nil {
		s.Log.Error().Str("task_id", taskID).Err(err).Msg("could not schedule retry")
	}
	return nil
}

// handleSuccess extracts signals best-effort, persists SUCCESS synchronously,
// and schedules the aggregation continuations when this delivery performed
// the transition.
func (s *CompletionService) handleSuccess(ctx context.Context, task *domain.Task, payload json.RawMessage) error {
	lg := s.Log.With().Str("task_id", task.ID).Logger()

	var signals extract.Signals
	text, found := extract.AnswerText(payload)
	if !found {
		lg.Warn().Msg("no answer text in completion payload, skipping extraction")
	} else if entity, err := repo.GetEntity(ctx, s.DB, task.EntityID); err != nil {
		lg.Warn().Err(err).Msg("entity lookup failed, persisting raw payload only")
	} else {
		actx, cancel := context.WithTimeout(ctx, s.AnalyzeTimeout)
		extracted, err := s.Analyzer.Analyze(actx, text, entity.Name)
		cancel()
		if err != nil {
			// Extraction failure must never fail the completion; the raw
			// payload is kept and signals stay null.
			lg.Warn().Err(err).Msg("signal extraction failed, persisting raw payload only")
		} else if extracted != nil {
			signals = *extracted
		}
	}

	var competitorsJSON []byte
	if len(signals.Competitors) > 0 {
		competitorsJSON, _ = json.Marshal(signals.Competitors)
	}

	transitioned, err := repo.MarkTaskSucceeded(ctx, s.DB, task.ID, payload, signals.Sentiment, signals.Position, competitorsJSON)
	if err != nil {
		return err
	}
	if !transitioned {
		// Duplicate delivery: the terminal state is already recorded and the
		// continuations already ran or are queued. Scheduling again would
		// double count.
		completionsTotal.WithLabelValues("duplicate").Inc()
		lg.Info().Msg("duplicate completion delivery ignored")
		return nil
	}
	completionsTotal.WithLabelValues("succeeded").Inc()

	s.scheduleContinuations(ctx, task.ID, payload, signals)
	return nil
}

// scheduleContinuations enqueues the two detached follow-ups. Failure to
// schedule either is logged and does not roll back the other or the
// synchronous SUCCESS write; the reconciliation processor repairs gaps.
func (s *CompletionService) scheduleContinuations(ctx context.Context, taskID string, payload json.RawMessage, signals extract.Signals) {
	lg := s.Log.With().Str("task_id", taskID).Logger()

	submit := func(name string, run func(context.Context) error) {
		if err := s.Runner.Submit(jobs.Job{Name: name, Run: run}); err != nil {
			lg.Error().Str("job", name).Err(err).Msg("could not schedule continuation")
		}
	}

	submit("metrics.aggregate", func(jctx context.Context) error {
		task, entity, tenants, err := s.loadAggregationInputs(jctx, taskID)
		if err != nil {
			return err
		}
		return s.Metrics.Aggregate(jctx, task, entity, tenants, signals)
	})

	sources := extract.Sources(payload)
	submit("sources.aggregate", func(jctx context.Context) error {
		task, entity, tenants, err := s.loadAggregationInputs(jctx, taskID)
		if err != nil {
			return err
		}
		if err := s.Sources.AggregateSources(jctx, task, entity, tenants, sources); err != nil {
			return err
		}
		// Recompute the derived percentages now that this event's counters
		// are in; redundant with the batch pass and safe to repeat.
		var firstErr error
		for _, tenant := range tenants {
			if err := s.Sources.RecalculateDailyUtilization(jctx, entity.ID, tenant.ID, task.CompletedDate); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
}

// loadAggregationInputs re-reads the task and its ownership fan-out inside a
// continuation, so detached work never depends on request-scoped state.
func (s *CompletionService) loadAggregationInputs(ctx context.Context, taskID string) (*domain.Task, *domain.Entity, []domain.Tenant, error) {
	task, err := repo.GetTask(ctx, s.DB, taskID)
	if err != nil {
		return nil, nil, nil, err
	}
	entity, err := repo.GetEntity(ctx, s.DB, task.EntityID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil, nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, nil, nil, err
	}
	tenants, err := repo.ListTenantsForEntity(ctx, s.DB, entity.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	return task, entity, tenants, nil
}

// RetryTask applies the retry policy to a FAILED task: requeue to PENDING
// with stamped retry metadata and resubmit under the original task id, or
// stop at the retry cap. A resubmission failure is terminal with a distinct
// reason so the task never loops.
func (s *CompletionService) RetryTask(ctx context.Context, taskID string) error {
	tr := otel.Tracer("services/CompletionService")
	ctx, span := tr.Start(ctx, "RetryTask",
		trace.WithAttributes(attribute.String("task.id", taskID)),
	)
	defer span.End()

	task, err := repo.GetTask(ctx, s.DB, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrTaskNotFound
	}
	if err != nil {
		return err
	}
	lg := s.Log.With().Str("task_id", task.ID).Int("retry_count", task.RetryCount).Logger()

	if task.RetryCount >= s.MaxRetries {
		completionsTotal.WithLabelValues("retries_exhausted").Inc()
		lg.Warn().Msg("retry budget exhausted, task stays failed")
		return nil
	}

	reason := "provider reported failure"
	if task.LastFailureReason != nil {
		reason = *task.LastFailureReason
	}
	attempt := task.RetryCount + 1
	requeued, err := repo.RequeueTaskForRetry(ctx, s.DB, task.ID, attempt, reason)
	if err != nil {
		return err
	}
	if !requeued {
		// The row left FAILED between the read and the write: a concurrent
		// retry won, or a late success landed. Nothing to resubmit.
		lg.Info().Msg("task no longer failed, skipping resubmission")
		return nil
	}

	prompt, err := repo.GetPrompt(ctx, s.DB, task.PromptID)
	if err != nil {
		requeueFailed := fmt.Sprintf("re-queue failed: %v", err)
		_, _ = repo.MarkTaskFailed(ctx, s.DB, task.ID, requeueFailed)
		return err
	}

	// Resubmission reuses the original task id as the idempotency key.
	if err := s.Analyzer.Submit(ctx, prompt.Text, task.Locale, task.Channel, task.ID); err != nil {
		requeueFailed := fmt.Sprintf("re-queue failed: %v", err)
		if _, merr := repo.MarkTaskFailed(ctx, s.DB, task.ID, requeueFailed); merr != nil {
			lg.Error().Err(merr).Msg("could not record re-queue failure")
		}
		completionsTotal.WithLabelValues("requeue_failed").Inc()
		lg.Error().Err(err).Msg("task resubmission failed, marking terminal")
		return err
	}

	lg.Info().Int("attempt", attempt).Msg("task resubmitted for retry")
	return nil
}
