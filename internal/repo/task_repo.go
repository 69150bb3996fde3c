// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Task model,
// including the guarded status transitions the completion pipeline relies on.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/cloro-dev/monitor/internal/domain"
)

// CreateTask inserts a new PENDING task row. The id is the caller-assigned
// idempotency key shared with the external analyzer.
func CreateTask(ctx context.Context, db *gorm.DB, id, promptID, entityID string, channel domain.Channel, locale string) (*domain.Task, error) {
	t := &domain.Task{
		ID:        id,
		PromptID:  promptID,
		EntityID:  entityID,
		Status:    domain.TaskPending,
		Channel:   channel,
		Locale:    locale,
		CreatedAt: time.Now().UTC(),
	}
	return t, db.WithContext(ctx).Create(t).Error
}

// GetTask fetches a task by id, returning ErrNotFound when absent.
func GetTask(ctx context.Context, db *gorm.DB, id string) (*domain.Task, error) {
	var t domain.Task
	err := db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// MarkTaskProcessing moves a PENDING task to PROCESSING before the external
// call is made.
func MarkTaskProcessing(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND status = ?", id, domain.TaskPending).
		Update("status", domain.TaskProcessing).Error
}

// MarkTaskSucceeded persists the terminal SUCCESS state together with the
// extracted signals and raw payload in one write.
//
// The transition is conditional on the row not already being SUCCESS and the
// returned bool reports whether this call performed it. Duplicate deliveries
// of the same completion therefore observe transitioned=false and must not
// schedule aggregation again; this is the at-most-once-effect guard for the
// whole downstream pipeline.
func MarkTaskSucceeded(ctx context.Context, db *gorm.DB, id string, payload []byte, sentiment *float64, position *int, competitors []byte) (bool, error) {
	now := time.Now().UTC()
	res := db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND status <> ?", id, domain.TaskSuccess).
		Updates(map[string]any{
			"status":                domain.TaskSuccess,
			"raw_payload":           payload,
			"extracted_sentiment":   sentiment,
			"extracted_position":    position,
			"extracted_competitors": competitors,
			"completed_at":          now,
			"completed_date":        domain.Day(now),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkTaskFailed persists the FAILED state with a structured reason.
//
// Like MarkTaskSucceeded the transition is conditional: a stale failure
// redelivered after the row already reached SUCCESS must not reopen it,
// because reopening would let the retry path resubmit a finished task and a
// redelivered success would then aggregate a second time. The returned bool
// reports whether this call performed the transition.
func MarkTaskFailed(ctx context.Context, db *gorm.DB, id, reason string) (bool, error) {
	now := time.Now().UTC()
	res := db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND status <> ?", id, domain.TaskSuccess).
		Updates(map[string]any{
			"status":              domain.TaskFailed,
			"last_failure_reason": reason,
			"last_failure_at":     now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RequeueTaskForRetry transitions a FAILED task back to PENDING and stamps
// the retry metadata in one write. The attempt count is written, not
// incremented, so concurrent retries of the same failure settle on the same
// value. The returned bool reports whether the row was still FAILED; callers
// must resubmit only when it was, or a task that left FAILED in the meantime
// would be submitted twice.
func RequeueTaskForRetry(ctx context.Context, db *gorm.DB, id string, attempt int, reason string) (bool, error) {
	now := time.Now().UTC()
	res := db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND status = ?", id, domain.TaskFailed).
		Updates(map[string]any{
			"status":              domain.TaskPending,
			"retry_count":         attempt,
			"last_failure_reason": reason,
			"last_failure_at":     now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FindUnaggregatedTasks returns successful tasks whose (entity, date) has no
// source-metrics bucket row yet, up to limit. The anti-join keeps repeated
// reconciliation passes from reselecting days that were already aggregated.
func FindUnaggregatedTasks(ctx context.Context, db *gorm.DB, limit int) ([]domain.Task, error) {
	var out []domain.Task
	err := db.WithContext(ctx).
		Where("status = ?", domain.TaskSuccess).
		Where(`NOT EXISTS (
			SELECT 1 FROM source_metrics_buckets smb
			WHERE smb.entity_id = tasks.entity_id
			  AND smb.date = tasks.completed_date
		)`).
		Order("completed_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountDistinctSuccessfulPrompts returns the utilization denominator: the
// number of distinct prompts that produced a successful result for the entity
// on the given day.
func CountDistinctSuccessfulPrompts(ctx context.Context, db *gorm.DB, entityID, date string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Raw(`
		SELECT COUNT(DISTINCT prompt_id) FROM tasks
		WHERE entity_id = ? AND status = ? AND completed_date = ?`,
		entityID, domain.TaskSuccess, date).Scan(&n).Error
	return n, err
}

// EntityDay is one (entity, tenant, day) unit of recalculation work.
type EntityDay struct {
	EntityID string
	TenantID string
	Date     string
}

// FindActiveEntityDays lists the (entity, tenant) pairs with at least one
// successful result on the given day. Tenancy fans out through the ownership
// join, so shared entities yield one row per owning tenant.
func FindActiveEntityDays(ctx context.Context, db *gorm.DB, date string) ([]EntityDay, error) {
	var out []EntityDay
	err := db.WithContext(ctx).Raw(`
		SELECT DISTINCT t.entity_id AS entity_id, et.tenant_id AS tenant_id, ? AS date
		FROM tasks t
		JOIN entity_tenants et ON et.entity_id = t.entity_id
		WHERE t.status = ? AND t.completed_date = ?`,
		date, domain.TaskSuccess, date).Scan(&out).Error
	return out, err
}
