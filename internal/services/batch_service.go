// Package services – BatchService
//
// This file implements the reconciliation processor: the periodic job that
// finds successful results with no aggregate rows for their day, re-runs
// aggregation for them, and recomputes the derived daily percentages. It is
// the pipeline's self-healing path for dropped continuations, crashes, and
// partial failures, and the explicit backfill entry point for date ranges.
package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"github.com/cloro-dev/monitor/internal/domain"
	"github.com/cloro-dev/monitor/internal/extract"
	"github.com/cloro-dev/monitor/internal/repo"
)

var batchItemsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pipeline_batch_items_total",
		Help: "Reconciliation items processed, by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(batchItemsTotal)
}

// BatchStats summarizes one reconciliation pass.
type BatchStats struct {
	TotalProcessed int `json:"total_processed"`
	Successful     int `json:"successful"`
	Failed         int `json:"failed"`
	Skipped        int `json:"skipped"`
}

// BatchService drives reconciliation and backfill.
type BatchService struct {
	DB      *gorm.DB
	Metrics *MetricsService
	Sources *SourceService
	Log     zerolog.Logger

	// PageSize bounds how many unaggregated results one pass picks up.
	PageSize int
	// Concurrency bounds the date-range backfill fan-out.
	Concurrency int
	// RetryBase and RetryAttempts tune the per-job backoff in backfill.
	RetryBase     time.Duration
	RetryAttempts int
}

// RunBatch finds successful results whose (entity, date) has no source
// bucket yet, re-runs both aggregators for each, then runs the utilization
// recalculation once per distinct (entity, tenant, date) touched. Per-item
// failures are isolated, counted, and do not abort the pass.
//
// The anti-join selection makes re-runs idempotent: once a day/entity pair
// has bucket rows it is never reselected, so nothing is double counted.
func (s *BatchService) RunBatch(ctx context.Context) (BatchStats, error) {
	tr := otel.Tracer("services/BatchService")
	ctx, span := tr.Start(ctx, "RunBatch")
	defer span.End()

	var stats BatchStats

	tasks, err := repo.FindUnaggregatedTasks(ctx, s.DB, s.pageSize())
	if err != nil {
		return stats, err
	}
	span.SetAttributes(attribute.Int("batch.candidates", len(tasks)))

	// Days that carried metrics rows before this pass already had their
	// metrics aggregated through the webhook path; only their source side
	// is replayed. Snapshotting up front keeps multi-task days consistent
	// within the pass.
	type dayKey struct{ entityID, date string }
	hadMetrics := make(map[dayKey]bool)
	for i := range tasks {
		k := dayKey{tasks[i].EntityID, tasks[i].CompletedDate}
		if _, seen := hadMetrics[k]; seen {
			continue
		}
		n, err := repo.CountMetricsBucketsForDay(ctx, s.DB, k.entityID, k.date)
		if err != nil {
			return stats, err
		}
		hadMetrics[k] = n > 0
	}

	touched := make(map[repo.EntityDay]struct{})
	for i := range tasks {
		task := &tasks[i]
		stats.TotalProcessed++

		entity, tenants, ok := s.aggregationTargets(ctx, task)
		if !ok {
			stats.Skipped++
			batchItemsTotal.WithLabelValues("skipped").Inc()
			continue
		}

		withMetrics := !hadMetrics[dayKey{task.EntityID, task.CompletedDate}]
		if err := s.reaggregate(ctx, task, entity, tenants, withMetrics); err != nil {
			stats.Failed++
			batchItemsTotal.WithLabelValues("failed").Inc()
			s.Log.Error().Str("task_id", task.ID).Err(err).Msg("reconciliation item failed")
			continue
		}

		stats.Successful++
		batchItemsTotal.WithLabelValues("ok").Inc()
		for _, tenant := range tenants {
			touched[repo.EntityDay{EntityID: entity.ID, TenantID: tenant.ID, Date: task.CompletedDate}] = struct{}{}
		}
	}

	for day := range touched {
		if err := s.Sources.RecalculateDailyUtilization(ctx, day.EntityID, day.TenantID, day.Date); err != nil {
			s.Log.Error().
				Str("entity_id", day.EntityID).
				Str("tenant_id", day.TenantID).
				Str("date", day.Date).
				Err(err).
				Msg("utilization recalculation failed")
		}
	}

	s.Log.Info().
		Int("total", stats.TotalProcessed).
		Int("successful", stats.Successful).
		Int("failed", stats.Failed).
		Int("skipped", stats.Skipped).
		Msg("reconciliation pass finished")
	return stats, nil
}

// aggregationTargets loads the entity and its owning tenants for a task.
// Missing entities or empty ownership make the item a skip, not a failure.
func (s *BatchService) aggregationTargets(ctx context.Context, task *domain.Task) (*domain.Entity, []domain.Tenant, bool) {
	entity, err := repo.GetEntity(ctx, s.DB, task.EntityID)
	if err != nil {
		return nil, nil, false
	}
	tenants, err := repo.ListTenantsForEntity(ctx, s.DB, entity.ID)
	if err != nil || len(tenants) == 0 {
		return nil, nil, false
	}
	return entity, tenants, true
}

// reaggregate replays the aggregators for one already-successful task from
// its persisted signals and payload. The metrics replay includes competitor
// resolution and link counters, so a day that never aggregated recovers its
// competitor rows too. withMetrics is false for days whose metrics were
// already aggregated; replaying them would double count the buckets and the
// link counters alike.
func (s *BatchService) reaggregate(ctx context.Context, task *domain.Task, entity *domain.Entity, tenants []domain.Tenant, withMetrics bool) error {
	if withMetrics {
		signals := extract.Signals{
			Sentiment: task.ExtractedSentiment,
			Position:  task.ExtractedPosition,
		}
		if len(task.ExtractedCompetitors) > 0 {
			// Stored competitor signals are best-effort; a decode failure
			// just means no competitor buckets for this replay.
			_ = json.Unmarshal(task.ExtractedCompetitors, &signals.Competitors)
		}
		if err := s.Metrics.Aggregate(ctx, task, entity, tenants, signals); err != nil {
			return err
		}
	}
	return s.Sources.AggregateSources(ctx, task, entity, tenants, extract.Sources(task.RawPayload))
}

// RunBatchForDateRange enumerates the calendar days in [start, end], finds
// every (entity, tenant) with a successful result on each day, and re-runs
// the utilization recalculation for each with bounded concurrency and
// per-job exponential backoff. A job that exhausts its retries is recorded
// as failed and the batch continues.
func (s *BatchService) RunBatchForDateRange(ctx context.Context, start, end time.Time) (BatchStats, error) {
	tr := otel.Tracer("services/BatchService")
	ctx, span := tr.Start(ctx, "RunBatchForDateRange",
		trace.WithAttributes(
			attribute.String("range.start", domain.Day(start)),
			attribute.String("range.end", domain.Day(end)),
		),
	)
	defer span.End()

	var stats BatchStats
	if end.Before(start) {
		return stats, ErrBadDateRange
	}

	var days []repo.EntityDay
	for d := start.UTC().Truncate(24 * time.Hour); !d.After(end.UTC()); d = d.AddDate(0, 0, 1) {
		found, err := repo.FindActiveEntityDays(ctx, s.DB, domain.Day(d))
		if err != nil {
			return stats, err
		}
		days = append(days, found...)
	}
	span.SetAttributes(attribute.Int("backfill.jobs", len(days)))

	sem := semaphore.NewWeighted(int64(s.concurrency()))
	results := make(chan error, len(days))
	for _, day := range days {
		day := day
		if err := sem.Acquire(ctx, 1); err != nil {
			return stats, err
		}
		go func() {
			defer sem.Release(1)
			results <- s.recalculateWithBackoff(ctx, day)
		}()
	}

	for range days {
		stats.TotalProcessed++
		if err := <-results; err != nil {
			stats.Failed++
			batchItemsTotal.WithLabelValues("failed").Inc()
		} else {
			stats.Successful++
			batchItemsTotal.WithLabelValues("ok").Inc()
		}
	}

	s.Log.Info().
		Int("total", stats.TotalProcessed).
		Int("successful", stats.Successful).
		Int("failed", stats.Failed).
		Msg("date-range backfill finished")
	return stats, nil
}

// recalculateWithBackoff retries one recalculation job with exponential
// backoff: RetryAttempts attempts starting at RetryBase and doubling.
func (s *BatchService) recalculateWithBackoff(ctx context.Context, day repo.EntityDay) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryBase()
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.retryAttempts()-1)), ctx)
	err := backoff.Retry(func() error {
		return s.Sources.RecalculateDailyUtilization(ctx, day.EntityID, day.TenantID, day.Date)
	}, policy)
	if err != nil {
		s.Log.Error().
			Str("entity_id", day.EntityID).
			Str("tenant_id", day.TenantID).
			Str("date", day.Date).
			Err(err).
			Msg("backfill job exhausted retries")
	}
	return err
}

func (s *BatchService) pageSize() int {
	if s.PageSize < 1 || s.PageSize > 1000 {
		return 1000
	}
	return s.PageSize
}

func (s *BatchService) concurrency() int {
	if s.Concurrency < 1 {
		return 10
	}
	return s.Concurrency
}

func (s *BatchService) retryBase() time.Duration {
	if s.RetryBase <= 0 {
		return 5 * time.Second
	}
	return s.RetryBase
}

func (s *BatchService) retryAttempts() int {
	if s.RetryAttempts < 1 {
		return 3
	}
	return s.RetryAttempts
}
