// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file covers canonical sources and their daily
// utilization buckets.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloro-dev/monitor/internal/domain"
)

// UpsertSource returns the id of the canonical source row for the normalized
// URL, creating it on first sight. Identity is the exact normalized URL.
func UpsertSource(ctx context.Context, db *gorm.DB, url, host string) (string, error) {
	now := time.Now().UTC()
	id := uuid.NewString()
	err := db.WithContext(ctx).Exec(`
		INSERT INTO sources (id, url, host, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(url) DO NOTHING`,
		id, url, host, now, now).Error
	if err != nil {
		return "", err
	}
	// Re-read: on conflict the existing row wins and its id is the canonical one.
	var rec domain.SourceRecord
	if err := db.WithContext(ctx).Where("url = ?", url).First(&rec).Error; err != nil {
		return "", err
	}
	return rec.ID, nil
}

// SourceContribution is one event's contribution to a source bucket.
type SourceContribution struct {
	EntityID string
	TenantID string
	SourceID string
	Date     string
	Channel  domain.Channel
	Mentions int64
}

// ApplySourceContribution atomically increments the append-only counters of
// one source bucket. Utilization stays at 0 on creation and untouched on
// update; it belongs to the recalculation pass.
func ApplySourceContribution(ctx context.Context, db *gorm.DB, c SourceContribution) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Exec(`
		INSERT INTO source_metrics_buckets (
			id, entity_id, tenant_id, source_id, date, channel,
			total_mentions, unique_prompts, utilization, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 1, 0, ?, ?)
		ON CONFLICT(entity_id, tenant_id, source_id, date, channel) DO UPDATE SET
			total_mentions = source_metrics_buckets.total_mentions + excluded.total_mentions,
			unique_prompts = source_metrics_buckets.unique_prompts + 1,
			updated_at     = excluded.updated_at`,
		uuid.NewString(), c.EntityID, c.TenantID, c.SourceID, c.Date, c.Channel,
		c.Mentions, now, now).Error
}

// UpdateDailyUtilization recomputes utilization for every source bucket of
// (entity, tenant, date) against the given denominator, clamped to [0,100]
// and rounded to two decimals, in one statement. Re-running it is idempotent:
// it recomputes from current counters. Callers must skip a zero denominator.
func UpdateDailyUtilization(ctx context.Context, db *gorm.DB, entityID, tenantID, date string, denominator int64) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Exec(`
		UPDATE source_metrics_buckets SET
			utilization = ROUND(MIN(100.0, MAX(0.0, 100.0 * unique_prompts / ?)), 2),
			updated_at  = ?
		WHERE entity_id = ? AND tenant_id = ? AND date = ?`,
		float64(denominator), now, entityID, tenantID, date).Error
}

// GetSourceBucket fetches one source bucket by its unique key, returning
// ErrNotFound when absent.
func GetSourceBucket(ctx context.Context, db *gorm.DB, entityID, tenantID, sourceID, date string, channel domain.Channel) (*domain.SourceMetricsBucket, error) {
	var b domain.SourceMetricsBucket
	err := db.WithContext(ctx).
		Where("entity_id = ? AND tenant_id = ? AND source_id = ? AND date = ? AND channel = ?",
			entityID, tenantID, sourceID, date, channel).
		First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetSourceRecord fetches a source record by id, returning ErrNotFound
// when absent.
func GetSourceRecord(ctx context.Context, db *gorm.DB, id string) (*domain.SourceRecord, error) {
	var rec domain.SourceRecord
	err := db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListSourceBuckets returns a date-ordered window of source buckets for an
// entity/tenant pair.
func ListSourceBuckets(ctx context.Context, db *gorm.DB, entityID, tenantID, from, to string) ([]domain.SourceMetricsBucket, error) {
	var out []domain.SourceMetricsBucket
	err := db.WithContext(ctx).
		Where("entity_id = ? AND tenant_id = ? AND date >= ? AND date <= ?", entityID, tenantID, from, to).
		Order("date ASC, source_id ASC").
		Find(&out).Error
	return out, err
}

// CountSourceBucketsForDay reports how many source buckets exist for an
// entity day; the reconciliation pass uses it to decide whether a day was
// already aggregated.
func CountSourceBucketsForDay(ctx context.Context, db *gorm.DB, entityID, date string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.SourceMetricsBucket{}).
		Where("entity_id = ? AND date = ?", entityID, date).
		Count(&n).Error
	return n, err
}
