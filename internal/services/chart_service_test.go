package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/cloro-dev/monitor/internal/domain"
	"github.com/cloro-dev/monitor/internal/repo"
)

// seedMetricsDay applies one observation so the chart has something to plot.
func seedMetricsDay(t *testing.T, db *gorm.DB, entityID, tenantID, date string, position float64, sentiment float64) {
	t.Helper()
	obs := repo.BucketObservation{
		EntityID:  entityID,
		TenantID:  tenantID,
		Date:      date,
		Channel:   domain.ChannelChatGPT,
		Mentions:  1,
		Results:   1,
		Position:  &position,
		Sentiment: &sentiment,
	}
	if err := repo.ApplyObservation(context.Background(), db, obs); err != nil {
		t.Fatalf("ApplyObservation: %v", err)
	}
}

func TestGetChart_ComputesAndWritesThrough(t *testing.T) {
	db := newTestDB(t)
	entityID, tenantID, _, _ := seedPipeline(t, db)

	clock := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	today := domain.Day(clock)
	seedMetricsDay(t, db, entityID, tenantID, today, 1, 80)

	svc := &ChartService{DB: db, Log: zerolog.Nop(), Now: func() time.Time { return clock }}
	params := ChartParams{Tab: TabVisibility, Days: 7}

	chart, err := svc.GetChart(context.Background(), entityID, tenantID, params)
	if err != nil {
		t.Fatalf("GetChart: %v", err)
	}
	if chart.Tab != TabVisibility || chart.To != today {
		t.Fatalf("chart window: %+v", chart)
	}
	if len(chart.Series) != 1 || chart.Series[0].Name != "own" {
		t.Fatalf("series: %+v", chart.Series)
	}
	pts := chart.Series[0].Points
	if len(pts) != 1 || pts[0].Date != today || pts[0].Value != 100.0 {
		t.Fatalf("points: %+v", pts)
	}

	// The computed chart was written through to the snapshot store.
	if _, err := repo.GetChartSnapshot(context.Background(), db, entityID, tenantID, params.Key()); err != nil {
		t.Fatalf("snapshot missing after write-through: %v", err)
	}
}

func TestGetChart_FreshSnapshotSkipsRecompute(t *testing.T) {
	db := newTestDB(t)
	entityID, tenantID, _, _ := seedPipeline(t, db)

	clock := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	today := domain.Day(clock)
	seedMetricsDay(t, db, entityID, tenantID, today, 1, 80)

	svc := &ChartService{DB: db, Log: zerolog.Nop(), Now: func() time.Time { return clock }}
	params := ChartParams{Tab: TabVisibility, Days: 7}

	first, err := svc.GetChart(context.Background(), entityID, tenantID, params)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}

	// New data arrives, but the snapshot is still fresh: the stale chart is
	// served until MaxAge passes.
	seedMetricsDay(t, db, entityID, tenantID, today, 3, 40)
	clock = clock.Add(time.Hour)

	second, err := svc.GetChart(context.Background(), entityID, tenantID, params)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if !second.GeneratedAt.Equal(first.GeneratedAt) {
		t.Fatalf("fresh snapshot was recomputed: %v vs %v", second.GeneratedAt, first.GeneratedAt)
	}
	if second.Series[0].Points[0].Value != first.Series[0].Points[0].Value {
		t.Fatalf("cached chart changed: %+v", second.Series)
	}
}

func TestGetChart_StaleSnapshotIsRecomputed(t *testing.T) {
	db := newTestDB(t)
	entityID, tenantID, _, _ := seedPipeline(t, db)

	clock := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	today := domain.Day(clock)
	seedMetricsDay(t, db, entityID, tenantID, today, 1, 80)

	svc := &ChartService{DB: db, Log: zerolog.Nop(), Now: func() time.Time { return clock }}
	params := ChartParams{Tab: TabSentiment, Days: 7}

	if _, err := svc.GetChart(context.Background(), entityID, tenantID, params); err != nil {
		t.Fatalf("first read: %v", err)
	}

	// A second observation shifts the sentiment average; past MaxAge the
	// read must reflect it.
	seedMetricsDay(t, db, entityID, tenantID, today, 1, 40)
	clock = clock.Add(25 * time.Hour)

	chart, err := svc.GetChart(context.Background(), entityID, tenantID, params)
	if err != nil {
		t.Fatalf("stale read: %v", err)
	}
	// The window advanced a day with the clock, so today's point is the
	// second-to-last date; find it by date.
	var got *float64
	for _, p := range chart.Series[0].Points {
		if p.Date == today {
			v := p.Value
			got = &v
		}
	}
	if got == nil || *got != 60.0 {
		t.Fatalf("stale snapshot not recomputed: %+v", chart.Series)
	}
}

func TestGetChart_UnknownEntity(t *testing.T) {
	db := newTestDB(t)
	svc := &ChartService{DB: db, Log: zerolog.Nop()}

	_, err := svc.GetChart(context.Background(), "nope", "tenant", ChartParams{})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetChart_SourcesTab(t *testing.T) {
	db := newTestDB(t)
	entityID, tenantID, _, taskID := seedPipeline(t, db)

	payload := []byte(`{"response":{"text":"Acme leads.","sources":["https://example.com/review","https://blog.example.com/ranking"]}}`)
	task := succeedWithPayload(t, db, taskID, payload, f64p(80), intp(1))

	batch := newBatchService(db)
	if _, err := batch.RunBatch(context.Background()); err != nil {
		t.Fatalf("seed aggregation: %v", err)
	}

	day, _ := time.Parse(domain.DateLayout, task.CompletedDate)
	clock := day.Add(18 * time.Hour)
	svc := &ChartService{DB: db, Log: zerolog.Nop(), Now: func() time.Time { return clock }}

	chart, err := svc.GetChart(context.Background(), entityID, tenantID, ChartParams{Tab: TabSources, Days: 7})
	if err != nil {
		t.Fatalf("GetChart: %v", err)
	}
	if len(chart.Series) != 2 {
		t.Fatalf("expected one line per source, got %+v", chart.Series)
	}
	if chart.Series[0].Name >= chart.Series[1].Name {
		t.Fatalf("source lines not sorted: %q, %q", chart.Series[0].Name, chart.Series[1].Name)
	}
	for _, s := range chart.Series {
		if len(s.Points) != 1 || s.Points[0].Value != 100.0 {
			t.Fatalf("source utilization line wrong: %+v", s)
		}
	}
}

func TestGetChart_SourcesTabMergesChannels(t *testing.T) {
	db := newTestDB(t)
	entityID, tenantID, _, _ := seedPipeline(t, db)

	// One source cited on two channels the same day: the chart must carry a
	// single merged point for that date, not one per channel.
	date := "2026-08-29"
	srcID, err := repo.UpsertSource(context.Background(), db, "https://example.com/review", "example.com")
	if err != nil {
		t.Fatalf("UpsertSource: %v", err)
	}
	for _, ch := range []domain.Channel{domain.ChannelChatGPT, domain.ChannelGemini} {
		err := repo.ApplySourceContribution(context.Background(), db, repo.SourceContribution{
			EntityID: entityID, TenantID: tenantID, SourceID: srcID,
			Date: date, Channel: ch, Mentions: 1,
		})
		if err != nil {
			t.Fatalf("ApplySourceContribution: %v", err)
		}
	}
	// Two distinct prompts succeeded that day, so each channel row sits at
	// 50% and the merged point at 100%.
	if err := repo.UpdateDailyUtilization(context.Background(), db, entityID, tenantID, date, 2); err != nil {
		t.Fatalf("UpdateDailyUtilization: %v", err)
	}

	clock := time.Date(2026, 8, 29, 18, 0, 0, 0, time.UTC)
	svc := &ChartService{DB: db, Log: zerolog.Nop(), Now: func() time.Time { return clock }}

	chart, err := svc.GetChart(context.Background(), entityID, tenantID, ChartParams{Tab: TabSources, Days: 7})
	if err != nil {
		t.Fatalf("GetChart: %v", err)
	}
	if len(chart.Series) != 1 || chart.Series[0].Name != "https://example.com/review" {
		t.Fatalf("series: %+v", chart.Series)
	}
	pts := chart.Series[0].Points
	if len(pts) != 1 {
		t.Fatalf("expected one merged point per date, got %+v", pts)
	}
	if pts[0].Date != date || pts[0].Value != 100.0 {
		t.Fatalf("merged point wrong: %+v", pts[0])
	}
}

func TestInvalidate_ForcesRecompute(t *testing.T) {
	db := newTestDB(t)
	entityID, tenantID, _, _ := seedPipeline(t, db)

	clock := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	today := domain.Day(clock)
	seedMetricsDay(t, db, entityID, tenantID, today, 1, 80)

	svc := &ChartService{DB: db, Log: zerolog.Nop(), Now: func() time.Time { return clock }}
	params := ChartParams{Tab: TabVisibility, Days: 7}

	if _, err := svc.GetChart(context.Background(), entityID, tenantID, params); err != nil {
		t.Fatalf("first read: %v", err)
	}
	if err := svc.Invalidate(context.Background(), entityID, tenantID, params); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := repo.GetChartSnapshot(context.Background(), db, entityID, tenantID, params.Key()); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("snapshot should be gone, got %v", err)
	}

	// Mid-freshness-window data now shows up immediately: a second result
	// with no mention halves the visibility.
	miss := repo.BucketObservation{
		EntityID: entityID,
		TenantID: tenantID,
		Date:     today,
		Channel:  domain.ChannelChatGPT,
		Results:  1,
	}
	if err := repo.ApplyObservation(context.Background(), db, miss); err != nil {
		t.Fatalf("ApplyObservation: %v", err)
	}
	chart, err := svc.GetChart(context.Background(), entityID, tenantID, params)
	if err != nil {
		t.Fatalf("read after invalidate: %v", err)
	}
	if chart.Series[0].Points[0].Value != 50.0 {
		t.Fatalf("recompute did not pick up new data: %+v", chart.Series)
	}
}
