// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for entities,
// tenant ownership, and competitor links.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloro-dev/monitor/internal/domain"
)

// GetEntity fetches an entity by id, returning ErrNotFound when absent.
func GetEntity(ctx context.Context, db *gorm.DB, id string) (*domain.Entity, error) {
	var e domain.Entity
	err := db.WithContext(ctx).Where("id = ?", id).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// FindEntityByName resolves an entity by case-insensitive name match.
func FindEntityByName(ctx context.Context, db *gorm.DB, name string) (*domain.Entity, error) {
	var e domain.Entity
	err := db.WithContext(ctx).Where("LOWER(name) = LOWER(?)", name).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateEntity inserts a new entity row. Competitor entities created lazily
// from signals carry an empty domain until enriched.
func CreateEntity(ctx context.Context, db *gorm.DB, name, domainName string) (*domain.Entity, error) {
	e := &domain.Entity{
		ID:        uuid.NewString(),
		Name:      name,
		Domain:    domainName,
		CreatedAt: time.Now().UTC(),
	}
	return e, db.WithContext(ctx).Create(e).Error
}

// ListTenantsForEntity returns every tenant that owns the entity, via the
// ownership join table.
func ListTenantsForEntity(ctx context.Context, db *gorm.DB, entityID string) ([]domain.Tenant, error) {
	var out []domain.Tenant
	err := db.WithContext(ctx).
		Joins("JOIN entity_tenants et ON et.tenant_id = tenants.id").
		Where("et.entity_id = ?", entityID).
		Order("tenants.id ASC").
		Find(&out).Error
	return out, err
}

// UpsertCompetitorLink creates the (entity, competitor) link on first sight
// and bumps its mention counter atomically on every subsequent one. The
// acceptance status is left untouched.
func UpsertCompetitorLink(ctx context.Context, db *gorm.DB, entityID, competitorID string, mentions int64) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Exec(`
		INSERT INTO competitor_links (id, entity_id, competitor_id, mentions, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT(entity_id, competitor_id) DO UPDATE SET
			mentions   = competitor_links.mentions + excluded.mentions,
			updated_at = excluded.updated_at`,
		uuid.NewString(), entityID, competitorID, mentions, now, now).Error
}

// GetCompetitorLink fetches a link row, returning ErrNotFound when absent.
func GetCompetitorLink(ctx context.Context, db *gorm.DB, entityID, competitorID string) (*domain.CompetitorLink, error) {
	var l domain.CompetitorLink
	err := db.WithContext(ctx).
		Where("entity_id = ? AND competitor_id = ?", entityID, competitorID).
		First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}
