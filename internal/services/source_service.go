// Package services – SourceService
//
// This file implements the source utilization aggregator: per-tenant daily
// counters for every source an answer cited, plus the second-pass
// recalculation that turns counters into a percentage of the day's distinct
// successful prompts.
package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/cloro-dev/monitor/internal/domain"
	"github.com/cloro-dev/monitor/internal/extract"
	"github.com/cloro-dev/monitor/internal/repo"
)

// SourceService maintains source records and their daily buckets.
type SourceService struct {
	DB  *gorm.DB
	Log zerolog.Logger
}

// AggregateSources upserts a canonical source row per distinct normalized
// URL in the event and increments each tenant's bucket counters atomically.
// Utilization is not touched here; it belongs to the recalculation pass.
// Failures are isolated per tenant and per source.
func (s *SourceService) AggregateSources(ctx context.Context, task *domain.Task, entity *domain.Entity, tenants []domain.Tenant, sources []extract.CitedSource) error {
	tr := otel.Tracer("services/SourceService")
	ctx, span := tr.Start(ctx, "AggregateSources",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("entity.id", entity.ID),
			attribute.Int("sources", len(sources)),
		),
	)
	defer span.End()

	date := task.CompletedDate
	if date == "" && task.CompletedAt != nil {
		date = domain.Day(*task.CompletedAt)
	}
	if date == "" {
		return fmt.Errorf("task %s has no completion date", task.ID)
	}

	var firstErr error
	for _, src := range sources {
		sourceID, err := repo.UpsertSource(ctx, s.DB, src.URL, extract.Host(src.URL))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.Log.Error().Str("task_id", task.ID).Str("url", src.URL).Err(err).Msg("source upsert failed")
			continue
		}
		for _, tenant := range tenants {
			err := repo.ApplySourceContribution(ctx, s.DB, repo.SourceContribution{
				EntityID: entity.ID,
				TenantID: tenant.ID,
				SourceID: sourceID,
				Date:     date,
				Channel:  task.Channel,
				Mentions: src.Mentions,
			})
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				s.Log.Error().
					Str("task_id", task.ID).
					Str("tenant_id", tenant.ID).
					Str("source_id", sourceID).
					Err(err).
					Msg("source bucket upsert failed")
			}
		}
	}
	return firstErr
}

// RecalculateDailyUtilization recomputes the utilization percentage for
// every source bucket of (entity, tenant, date). The denominator is the
// number of distinct prompts with a successful result for the entity that
// day; a zero denominator makes the pass a no-op. Safe to run redundantly:
// it always recomputes from current counters.
func (s *SourceService) RecalculateDailyUtilization(ctx context.Context, entityID, tenantID, date string) error {
	tr := otel.Tracer("services/SourceService")
	ctx, span := tr.Start(ctx, "RecalculateDailyUtilization",
		trace.WithAttributes(
			attribute.String("entity.id", entityID),
			attribute.String("tenant.id", tenantID),
			attribute.String("date", date),
		),
	)
	defer span.End()

	// Nothing to recompute for a day with no buckets; skip the denominator
	// query entirely.
	n, err := repo.CountSourceBucketsForDay(ctx, s.DB, entityID, date)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	denominator, err := repo.CountDistinctSuccessfulPrompts(ctx, s.DB, entityID, date)
	if err != nil {
		return err
	}
	if denominator == 0 {
		return nil
	}
	return repo.UpdateDailyUtilization(ctx, s.DB, entityID, tenantID, date, denominator)
}
