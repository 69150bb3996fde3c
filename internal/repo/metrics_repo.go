// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file owns the metrics bucket upsert, the single point
// where observation contributions are merged into daily aggregates.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloro-dev/monitor/internal/domain"
)

// BucketObservation is one event's contribution to a metrics bucket.
// Mentions is the contribution's observation weight (0 or 1 per event);
// Position and Sentiment must be nil when Mentions is 0 so they carry no
// weight in the merge.
type BucketObservation struct {
	EntityID     string
	TenantID     string
	CompetitorID string // "" for the entity's own bucket
	Date         string
	Channel      domain.Channel
	Mentions     int64
	Results      int64
	Position     *float64
	Sentiment    *float64
}

// ApplyObservation merges one contribution into its bucket as a single
// INSERT ... ON CONFLICT DO UPDATE statement.
//
// The weighted-mean CASE expressions mirror domain.MergeWeighted exactly, and
// every SET expression is evaluated against the pre-update row, so the whole
// read-modify-write is atomic at the storage layer. Concurrent contributions
// to the same key serialize inside SQLite and commute because the merge is
// associative; application code never reads the row first.
func ApplyObservation(ctx context.Context, db *gorm.DB, obs BucketObservation) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Exec(`
		INSERT INTO metrics_buckets (
			id, entity_id, tenant_id, competitor_id, date, channel,
			total_mentions, total_results, average_position, average_sentiment,
			visibility_score, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, tenant_id, competitor_id, date, channel) DO UPDATE SET
			average_position = CASE
				WHEN excluded.average_position IS NULL THEN metrics_buckets.average_position
				WHEN metrics_buckets.average_position IS NULL THEN excluded.average_position
				ELSE (metrics_buckets.average_position * metrics_buckets.total_mentions
					+ excluded.average_position * excluded.total_mentions)
					/ (metrics_buckets.total_mentions + excluded.total_mentions)
			END,
			average_sentiment = CASE
				WHEN excluded.average_sentiment IS NULL THEN metrics_buckets.average_sentiment
				WHEN metrics_buckets.average_sentiment IS NULL THEN excluded.average_sentiment
				ELSE (metrics_buckets.average_sentiment * metrics_buckets.total_mentions
					+ excluded.average_sentiment * excluded.total_mentions)
					/ (metrics_buckets.total_mentions + excluded.total_mentions)
			END,
			total_mentions = metrics_buckets.total_mentions + excluded.total_mentions,
			total_results  = metrics_buckets.total_results + excluded.total_results,
			visibility_score = CASE
				WHEN metrics_buckets.total_results + excluded.total_results > 0
				THEN 100.0 * (metrics_buckets.total_mentions + excluded.total_mentions)
					/ (metrics_buckets.total_results + excluded.total_results)
				ELSE 0
			END,
			updated_at = excluded.updated_at`,
		uuid.NewString(), obs.EntityID, obs.TenantID, obs.CompetitorID, obs.Date, obs.Channel,
		obs.Mentions, obs.Results, obs.Position, obs.Sentiment,
		domain.Visibility(obs.Mentions, obs.Results), now, now,
	).Error
}

// GetMetricsBucket fetches one bucket row by its unique key, returning
// ErrNotFound when absent.
func GetMetricsBucket(ctx context.Context, db *gorm.DB, entityID, tenantID, competitorID, date string, channel domain.Channel) (*domain.MetricsBucket, error) {
	var b domain.MetricsBucket
	err := db.WithContext(ctx).
		Where("entity_id = ? AND tenant_id = ? AND competitor_id = ? AND date = ? AND channel = ?",
			entityID, tenantID, competitorID, date, channel).
		First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CountMetricsBucketsForDay reports how many metrics buckets exist for an
// entity day. The reconciliation pass snapshots this before replaying a day
// so already-aggregated metrics are never double counted.
func CountMetricsBucketsForDay(ctx context.Context, db *gorm.DB, entityID, date string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.MetricsBucket{}).
		Where("entity_id = ? AND date = ?", entityID, date).
		Count(&n).Error
	return n, err
}

// ListMetricsBuckets returns a date-ordered window of bucket rows for an
// entity/tenant pair. Competitor rows are included; chart shaping decides
// what to keep.
func ListMetricsBuckets(ctx context.Context, db *gorm.DB, entityID, tenantID, from, to string) ([]domain.MetricsBucket, error) {
	var out []domain.MetricsBucket
	err := db.WithContext(ctx).
		Where("entity_id = ? AND tenant_id = ? AND date >= ? AND date <= ?", entityID, tenantID, from, to).
		Order("date ASC, channel ASC, competitor_id ASC").
		Find(&out).Error
	return out, err
}
