// Package services – CompetitorResolver
//
// Resolves competitor names emitted by the signal extractor into Entity rows,
// creating entities lazily on first sight and maintaining the directed
// CompetitorLink counters. Name lookups go through a TTL cache because the
// same handful of competitor names recurs across a day's answers.
package services

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/cloro-dev/monitor/internal/cache"
	"github.com/cloro-dev/monitor/internal/extract"
	"github.com/cloro-dev/monitor/internal/repo"
)

// CompetitorResolver maps competitor names to entities.
type CompetitorResolver struct {
	DB    *gorm.DB
	Cache *cache.TTL
}

// Resolve returns the entity id for a competitor name, creating the entity
// when it is unknown. Names are matched case-insensitively; blank names
// resolve to nothing.
func (r *CompetitorResolver) Resolve(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil
	}
	key := strings.ToLower(name)
	if r.Cache != nil {
		if v, ok := r.Cache.Get(key); ok {
			return v.(string), nil
		}
	}

	e, err := repo.FindEntityByName(ctx, r.DB, name)
	if errors.Is(err, repo.ErrNotFound) {
		e, err = repo.CreateEntity(ctx, r.DB, name, "")
		// A concurrent resolver may have created it between lookup and
		// insert; fall back to a second lookup.
		if err != nil {
			e, err = repo.FindEntityByName(ctx, r.DB, name)
		}
	}
	if err != nil {
		return "", err
	}

	if r.Cache != nil {
		r.Cache.Set(key, e.ID)
	}
	return e.ID, nil
}

// ResolvedCompetitor pairs a competitor signal with the entity it resolved to.
type ResolvedCompetitor struct {
	EntityID string
	Signal   extract.CompetitorSignal
}

// ResolveLinks resolves every competitor signal for entityID, creating
// entities lazily on first sight, bumps the per-pair mention counters, and
// returns the resolved set for bucket aggregation. Blank names and self
// references resolve to nothing. Failures are isolated per competitor: one
// bad name never blocks the rest, and the first error is returned after the
// loop together with whatever did resolve.
func (r *CompetitorResolver) ResolveLinks(ctx context.Context, entityID string, competitors []extract.CompetitorSignal) ([]ResolvedCompetitor, error) {
	var resolved []ResolvedCompetitor
	var firstErr error
	for _, comp := range competitors {
		competitorID, err := r.Resolve(ctx, comp.Name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if competitorID == "" || competitorID == entityID {
			continue
		}
		if err := repo.UpsertCompetitorLink(ctx, r.DB, entityID, competitorID, 1); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		resolved = append(resolved, ResolvedCompetitor{EntityID: competitorID, Signal: comp})
	}
	return resolved, firstErr
}
