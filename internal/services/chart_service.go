// Package services – ChartService
//
// Chart reads are served from a persisted snapshot cache. A snapshot is
// fresh for 24 hours; a stale or missing snapshot triggers a synchronous
// recompute from the metric buckets and a write-through before the response
// is returned.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/cloro-dev/monitor/internal/domain"
	"github.com/cloro-dev/monitor/internal/repo"
)

// ChartTab selects which series family a chart request wants.
type ChartTab string

const (
	TabVisibility ChartTab = "visibility"
	TabSentiment  ChartTab = "sentiment"
	TabPosition   ChartTab = "position"
	TabSources    ChartTab = "sources"
)

// ChartParams identifies one chart variant for an entity/tenant pair.
type ChartParams struct {
	Tab  ChartTab
	Days int
}

// Key renders the params into the snapshot identity string. Keep this
// stable: changing it invalidates every stored snapshot.
func (p ChartParams) Key() string {
	return fmt.Sprintf("tab=%s;days=%d", p.Tab, p.Days)
}

// ChartPoint is one dated point in a chart series.
type ChartPoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// ChartSeries is a named line on the chart. Name is the competitor id for
// competitor lines, the source URL for source lines, and "own" for the
// entity's own line.
type ChartSeries struct {
	Name   string       `json:"name"`
	Points []ChartPoint `json:"points"`
}

// Chart is the full response payload, as stored in the snapshot cache.
type Chart struct {
	EntityID    string        `json:"entity_id"`
	TenantID    string        `json:"tenant_id"`
	Tab         ChartTab      `json:"tab"`
	From        string        `json:"from"`
	To          string        `json:"to"`
	Series      []ChartSeries `json:"series"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// ChartService serves charts through the snapshot cache.
type ChartService struct {
	DB  *gorm.DB
	Log zerolog.Logger

	// MaxAge is the snapshot freshness window.
	MaxAge time.Duration
	// DefaultDays is the window used when a request does not name one.
	DefaultDays int
	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

// GetChart returns the chart for an entity/tenant/params triple, reusing a
// snapshot younger than MaxAge and recomputing otherwise. A snapshot that
// fails to decode is treated as stale, not as an error.
func (s *ChartService) GetChart(ctx context.Context, entityID, tenantID string, params ChartParams) (*Chart, error) {
	tr := otel.Tracer("services/ChartService")
	ctx, span := tr.Start(ctx, "GetChart")
	defer span.End()
	span.SetAttributes(
		attribute.String("chart.entity_id", entityID),
		attribute.String("chart.params", params.Key()),
	)

	if params.Days < 1 {
		params.Days = s.defaultDays()
	}
	if params.Tab == "" {
		params.Tab = TabVisibility
	}

	// Unknown entities are a caller error, not an empty chart.
	if _, err := repo.GetEntity(ctx, s.DB, entityID); err != nil {
		return nil, err
	}

	snap, err := repo.GetChartSnapshot(ctx, s.DB, entityID, tenantID, params.Key())
	switch {
	case err == nil:
		if s.now().Sub(snap.UpdatedAt) <= s.maxAge() {
			var chart Chart
			if decodeErr := json.Unmarshal(snap.Data, &chart); decodeErr == nil {
				span.SetAttributes(attribute.Bool("chart.cached", true))
				return &chart, nil
			}
			s.Log.Warn().Str("entity_id", entityID).Msg("discarding undecodable chart snapshot")
		}
	case errors.Is(err, repo.ErrNotFound):
		// fall through to recompute
	default:
		return nil, err
	}

	chart, err := s.compute(ctx, entityID, tenantID, params)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(chart)
	if err != nil {
		return nil, err
	}
	if err := repo.UpsertChartSnapshot(ctx, s.DB, entityID, tenantID, params.Key(), data); err != nil {
		// A failed write-through degrades the cache, not the response.
		s.Log.Error().Str("entity_id", entityID).Err(err).Msg("chart snapshot write failed")
	}
	return chart, nil
}

// Invalidate drops the stored snapshot for one chart variant so the next
// read recomputes immediately.
func (s *ChartService) Invalidate(ctx context.Context, entityID, tenantID string, params ChartParams) error {
	return repo.DeleteChartSnapshot(ctx, s.DB, entityID, tenantID, params.Key())
}

func (s *ChartService) compute(ctx context.Context, entityID, tenantID string, params ChartParams) (*Chart, error) {
	now := s.now().UTC()
	to := domain.Day(now)
	from := domain.Day(now.AddDate(0, 0, -(params.Days - 1)))

	chart := &Chart{
		EntityID:    entityID,
		TenantID:    tenantID,
		Tab:         params.Tab,
		From:        from,
		To:          to,
		GeneratedAt: now,
	}

	if params.Tab == TabSources {
		buckets, err := repo.ListSourceBuckets(ctx, s.DB, entityID, tenantID, from, to)
		if err != nil {
			return nil, err
		}
		chart.Series = sourceSeries(ctx, s.DB, buckets)
		return chart, nil
	}

	buckets, err := repo.ListMetricsBuckets(ctx, s.DB, entityID, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	chart.Series = metricSeries(buckets, params.Tab)
	return chart, nil
}

// metricSeries groups metric buckets into one line per competitor id (""
// being the entity's own line) with per-date values merged across channels.
func metricSeries(buckets []domain.MetricsBucket, tab ChartTab) []ChartSeries {
	type key struct {
		competitor string
		date       string
	}
	merged := make(map[key]domain.MetricsBucket)
	for _, b := range buckets {
		k := key{b.CompetitorID, b.Date}
		prev, ok := merged[k]
		if !ok {
			merged[k] = b
			continue
		}
		prev.AveragePosition = domain.MergeWeighted(prev.AveragePosition, prev.TotalMentions, b.AveragePosition, b.TotalMentions)
		prev.AverageSentiment = domain.MergeWeighted(prev.AverageSentiment, prev.TotalMentions, b.AverageSentiment, b.TotalMentions)
		prev.TotalMentions += b.TotalMentions
		prev.TotalResults += b.TotalResults
		prev.VisibilityScore = domain.Visibility(prev.TotalMentions, prev.TotalResults)
		merged[k] = prev
	}

	points := make(map[string][]ChartPoint)
	for k, b := range merged {
		name := k.competitor
		if name == "" {
			name = "own"
		}
		v, ok := metricValue(b, tab)
		if !ok {
			continue
		}
		points[name] = append(points[name], ChartPoint{Date: k.date, Value: v})
	}

	series := make([]ChartSeries, 0, len(points))
	for name, pts := range points {
		sort.Slice(pts, func(i, j int) bool { return pts[i].Date < pts[j].Date })
		series = append(series, ChartSeries{Name: name, Points: pts})
	}
	sort.Slice(series, func(i, j int) bool {
		// The entity's own line always leads.
		if series[i].Name == "own" {
			return true
		}
		if series[j].Name == "own" {
			return false
		}
		return series[i].Name < series[j].Name
	})
	return series
}

func metricValue(b domain.MetricsBucket, tab ChartTab) (float64, bool) {
	switch tab {
	case TabSentiment:
		if b.AverageSentiment == nil {
			return 0, false
		}
		return domain.Round2(*b.AverageSentiment), true
	case TabPosition:
		if b.AveragePosition == nil {
			return 0, false
		}
		return domain.Round2(*b.AveragePosition), true
	default:
		return domain.Round2(b.VisibilityScore), true
	}
}

// sourceSeries groups source buckets into one utilization line per source
// URL, with per-date values merged across channels so each series carries at
// most one point per day. Channel rows of one (source, day) share the day's
// prompt denominator, so their utilizations add; the sum is clamped the same
// way the recalculation pass clamps. Source rows whose record vanished are
// skipped.
func sourceSeries(ctx context.Context, db *gorm.DB, buckets []domain.SourceMetricsBucket) []ChartSeries {
	type key struct {
		sourceID string
		date     string
	}
	merged := make(map[key]float64)
	for _, b := range buckets {
		merged[key{b.SourceID, b.Date}] += b.Utilization
	}

	urls := make(map[string]string)
	points := make(map[string][]ChartPoint)
	for k, v := range merged {
		url, ok := urls[k.sourceID]
		if !ok {
			rec, err := repo.GetSourceRecord(ctx, db, k.sourceID)
			if err != nil {
				continue
			}
			url = rec.URL
			urls[k.sourceID] = url
		}
		points[url] = append(points[url], ChartPoint{Date: k.date, Value: domain.Round2(domain.ClampPercent(v))})
	}

	series := make([]ChartSeries, 0, len(points))
	for url, pts := range points {
		sort.Slice(pts, func(i, j int) bool { return pts[i].Date < pts[j].Date })
		series = append(series, ChartSeries{Name: url, Points: pts})
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Name < series[j].Name })
	return series
}

func (s *ChartService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *ChartService) defaultDays() int {
	if s.DefaultDays < 1 {
		return 30
	}
	return s.DefaultDays
}

func (s *ChartService) maxAge() time.Duration {
	if s.MaxAge <= 0 {
		return 24 * time.Hour
	}
	return s.MaxAge
}
