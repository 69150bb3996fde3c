// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for monitoring
// prompts.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloro-dev/monitor/internal/domain"
)

// CreatePrompt inserts a monitoring prompt for an entity.
func CreatePrompt(ctx context.Context, db *gorm.DB, entityID, text, locale string) (*domain.Prompt, error) {
	p := &domain.Prompt{
		ID:        uuid.NewString(),
		EntityID:  entityID,
		Text:      text,
		Locale:    locale,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	return p, db.WithContext(ctx).Create(p).Error
}

// GetPrompt fetches a prompt by id, returning ErrNotFound when absent.
func GetPrompt(ctx context.Context, db *gorm.DB, id string) (*domain.Prompt, error) {
	var p domain.Prompt
	err := db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListActivePrompts returns the active prompts for an entity.
func ListActivePrompts(ctx context.Context, db *gorm.DB, entityID string) ([]domain.Prompt, error) {
	var out []domain.Prompt
	err := db.WithContext(ctx).
		Where("entity_id = ? AND active = ?", entityID, true).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}
