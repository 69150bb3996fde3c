// Package services – MetricsService
//
// This file implements the metrics aggregator: it folds one successful
// task's signals into the daily visibility buckets of every tenant that owns
// the entity. All bucket mutation goes through the atomic upsert in the repo
// layer; this service only decides which contributions exist.
//
// Observability: the public entry point is OpenTelemetry-instrumented; spans
// carry the task and entity identifiers.
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

// MetricsService folds signals into metrics buckets.
type MetricsService struct {
	DB       *gorm.DB
	Resolver *CompetitorResolver
	Log      zerolog.Logger
}

// Aggregate applies one task's contribution to the own-entity bucket and one
// competitor bucket per resolved competitor, for every owning tenant.
// Competitor names are resolved lazily here, inside the same unit of work as
// the bucket writes: first-sighted competitors get their entity row and their
// link counter before their bucket, so no scheduling order can drop them.
//
// Failures are isolated per tenant and per competitor: an upsert error is
// logged with the task and tenant ids and counted, and the remaining upserts
// still run. The first error is returned so queue metrics see the failure.
func (s *MetricsService) Aggregate(ctx context.Context, task *domain.Task, entity *domain.Entity, tenants []domain.Tenant, signals extract.Signals) error {
	tr := otel.Tracer("services/MetricsService")
	ctx, span := tr.Start(ctx, "Aggregate",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("entity.id", entity.ID),
			attribute.Int("tenants", len(tenants)),
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

	mentioned := signals.Mentioned()
	var posContribution *float64
	var sentContribution *float64
	var mentions int64
	if mentioned {
		mentions = 1
		p := float64(*signals.Position)
		posContribution = &p
		if signals.Sentiment != nil {
			v := *signals.Sentiment
			sentContribution = &v
		}
	}

	var firstErr error
	record := func(err error, tenantID, competitorID string) {
		if err == nil {
			return
		}
		if firstErr == nil {
			firstErr = err
		}
		s.Log.Error().
			Str("task_id", task.ID).
			Str("tenant_id", tenantID).
			Str("competitor_id", competitorID).
			Err(err).
			Msg("bucket upsert failed")
	}

	// Resolution runs once, before the tenant fan-out: it creates entities
	// and bumps link counters, both of which are per event, not per tenant.
	resolved, resolveErr := s.Resolver.ResolveLinks(ctx, entity.ID, signals.Competitors)
	if resolveErr != nil {
		firstErr = resolveErr
		s.Log.Error().Str("task_id", task.ID).Err(resolveErr).Msg("competitor resolution failed")
	}

	for _, tenant := range tenants {
		// Own-entity bucket: every successful result counts toward the
		// denominator; the mention and its averages only when present.
		record(repo.ApplyObservation(ctx, s.DB, repo.BucketObservation{
			EntityID:  entity.ID,
			TenantID:  tenant.ID,
			Date:      date,
			Channel:   task.Channel,
			Mentions:  mentions,
			Results:   1,
			Position:  posContribution,
			Sentiment: sentContribution,
		}), tenant.ID, "")

		// Competitor buckets: one mention per competitor per event.
		for _, rc := range resolved {
			comp := rc.Signal
			var compPos, compSent *float64
			if comp.Position != nil && *comp.Position > 0 {
				p := float64(*comp.Position)
				compPos = &p
			}
			if comp.Sentiment != nil {
				v := *comp.Sentiment
				compSent = &v
			}
			record(repo.ApplyObservation(ctx, s.DB, repo.BucketObservation{
				EntityID:     entity.ID,
				TenantID:     tenant.ID,
				CompetitorID: rc.EntityID,
				Date:         date,
				Channel:      task.Channel,
				Mentions:     1,
				Results:      1,
				Position:     compPos,
				Sentiment:    compSent,
			}), tenant.ID, rc.EntityID)
		}
	}
	return firstErr
}
