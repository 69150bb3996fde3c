// Chart snapshot persistence. Snapshots are a write-through cache; a lost
// race between two refreshing readers is harmless because both writers
// produce the same deterministic series.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloro-dev/monitor/internal/domain"
)

// GetChartSnapshot fetches the snapshot for (entity, tenant, params),
// returning ErrNotFound when absent.
func GetChartSnapshot(ctx context.Context, db *gorm.DB, entityID, tenantID, params string) (*domain.ChartSnapshot, error) {
	var s domain.ChartSnapshot
	err := db.WithContext(ctx).
		Where("entity_id = ? AND tenant_id = ? AND params = ?", entityID, tenantID, params).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpsertChartSnapshot stores the recomputed series for the view key,
// replacing any previous snapshot and refreshing its timestamp.
func UpsertChartSnapshot(ctx context.Context, db *gorm.DB, entityID, tenantID, params string, data []byte) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Exec(`
		INSERT INTO chart_snapshots (id, entity_id, tenant_id, params, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, tenant_id, params) DO UPDATE SET
			data       = excluded.data,
			updated_at = excluded.updated_at`,
		uuid.NewString(), entityID, tenantID, params, data, now, now).Error
}

// DeleteChartSnapshot removes the stored snapshot for the view key.
// Deleting a snapshot that does not exist is not an error.
func DeleteChartSnapshot(ctx context.Context, db *gorm.DB, entityID, tenantID, params string) error {
	return db.WithContext(ctx).
		Where("entity_id = ? AND tenant_id = ? AND params = ?", entityID, tenantID, params).
		Delete(&domain.ChartSnapshot{}).Error
}
