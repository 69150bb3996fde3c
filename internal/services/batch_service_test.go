package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/cloro-dev/monitor/internal/cache"
	"github.com/cloro-dev/monitor/internal/domain"
	"github.com/cloro-dev/monitor/internal/extract"
	"github.com/cloro-dev/monitor/internal/repo"
)

func newBatchService(db *gorm.DB) *BatchService {
	resolver := &CompetitorResolver{DB: db, Cache: cache.New(time.Minute, nil)}
	return &BatchService{
		DB:            db,
		Metrics:       &MetricsService{DB: db, Resolver: resolver, Log: zerolog.Nop()},
		Sources:       &SourceService{DB: db, Log: zerolog.Nop()},
		Log:           zerolog.Nop(),
		RetryBase:     time.Millisecond,
		RetryAttempts: 3,
	}
}

// succeedWithPayload moves a pending task to SUCCESS with the given payload
// and extracted signals, as the webhook path would have.
func succeedWithPayload(t *testing.T, db *gorm.DB, taskID string, payload json.RawMessage, sentiment *float64, position *int) *domain.Task {
	t.Helper()
	transitioned, err := repo.MarkTaskSucceeded(context.Background(), db, taskID, payload, sentiment, position, nil)
	if err != nil || !transitioned {
		t.Fatalf("MarkTaskSucceeded: transitioned=%v err=%v", transitioned, err)
	}
	task, err := repo.GetTask(context.Background(), db, taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return task
}

func TestRunBatch_RepairsMissedAggregation(t *testing.T) {
	db := newTestDB(t)
	entityID, tenantID, _, taskID := seedPipeline(t, db)

	// A successful result whose continuations never ran: the task is
	// terminal but has no aggregate rows at all.
	payload := json.RawMessage(`{"response":{"text":"Acme leads.","sources":["https://example.com/review"]}}`)
	task := succeedWithPayload(t, db, taskID, payload, f64p(80), intp(1))

	svc := newBatchService(db)
	stats, err := svc.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if stats.TotalProcessed != 1 || stats.Successful != 1 || stats.Failed != 0 || stats.Skipped != 0 {
		t.Fatalf("stats: %+v", stats)
	}

	own, err := repo.GetMetricsBucket(context.Background(), db, entityID, tenantID, "", task.CompletedDate, domain.ChannelChatGPT)
	if err != nil {
		t.Fatalf("own bucket: %v", err)
	}
	if own.TotalMentions != 1 || own.TotalResults != 1 {
		t.Fatalf("metrics not replayed: %+v", own)
	}

	buckets, err := repo.ListSourceBuckets(context.Background(), db, entityID, tenantID, task.CompletedDate, task.CompletedDate)
	if err != nil {
		t.Fatalf("ListSourceBuckets: %v", err)
	}
	if len(buckets) != 1 || buckets[0].Utilization != 100.0 {
		t.Fatalf("sources not replayed: %+v", buckets)
	}
}

func TestRunBatch_ReplaysCompetitorResolution(t *testing.T) {
	db := newTestDB(t)
	entityID, tenantID, _, taskID := seedPipeline(t, db)

	// The webhook's metrics continuation was lost entirely, so the stored
	// competitor signals were never resolved. The replay must recover the
	// competitor entity, its link counter, and its bucket.
	competitors, err := json.Marshal([]extract.CompetitorSignal{
		{Name: "Rival", Position: intp(2), Sentiment: f64p(55)},
	})
	if err != nil {
		t.Fatalf("marshal competitors: %v", err)
	}
	payload := json.RawMessage(`{"response":{"text":"Acme leads, Rival follows.","sources":["https://example.com/review"]}}`)
	transitioned, err := repo.MarkTaskSucceeded(context.Background(), db, taskID, payload, f64p(80), intp(1), competitors)
	if err != nil || !transitioned {
		t.Fatalf("MarkTaskSucceeded: transitioned=%v err=%v", transitioned, err)
	}
	task, err := repo.GetTask(context.Background(), db, taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}

	svc := newBatchService(db)
	if _, err := svc.RunBatch(context.Background()); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	rival, err := repo.FindEntityByName(context.Background(), db, "Rival")
	if err != nil {
		t.Fatalf("competitor entity not recovered: %v", err)
	}
	link, err := repo.GetCompetitorLink(context.Background(), db, entityID, rival.ID)
	if err != nil {
		t.Fatalf("competitor link not recovered: %v", err)
	}
	if link.Mentions != 1 {
		t.Fatalf("link mentions: %d", link.Mentions)
	}
	bucket, err := repo.GetMetricsBucket(context.Background(), db, entityID, tenantID, rival.ID, task.CompletedDate, domain.ChannelChatGPT)
	if err != nil {
		t.Fatalf("competitor bucket not recovered: %v", err)
	}
	if bucket.TotalMentions != 1 {
		t.Fatalf("competitor bucket counters: %+v", bucket)
	}
}

func TestRunBatch_SecondPassSelectsNothing(t *testing.T) {
	db := newTestDB(t)
	_, _, _, taskID := seedPipeline(t, db)

	payload := json.RawMessage(`{"response":{"text":"Acme leads.","sources":["https://example.com/review"]}}`)
	succeedWithPayload(t, db, taskID, payload, f64p(80), intp(1))

	svc := newBatchService(db)
	if _, err := svc.RunBatch(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	stats, err := svc.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if stats.TotalProcessed != 0 {
		t.Fatalf("aggregated day reselected: %+v", stats)
	}
}

func TestRunBatch_SkipsMetricsReplayWhenDayAlreadyHasMetrics(t *testing.T) {
	db := newTestDB(t)
	entityID, tenantID, _, taskID := seedPipeline(t, db)

	payload := json.RawMessage(`{"response":{"text":"Acme leads.","sources":["https://example.com/review"]}}`)
	task := succeedWithPayload(t, db, taskID, payload, f64p(80), intp(1))

	svc := newBatchService(db)

	// The webhook's metrics continuation ran but the sources one was lost.
	entity, tenants, ok := svc.aggregationTargets(context.Background(), task)
	if !ok {
		t.Fatalf("aggregation targets missing")
	}
	if err := svc.Metrics.Aggregate(context.Background(), task, entity, tenants, signalsFromTask(task)); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}

	stats, err := svc.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if stats.Successful != 1 {
		t.Fatalf("stats: %+v", stats)
	}

	// The metrics side must not be counted twice.
	own, err := repo.GetMetricsBucket(context.Background(), db, entityID, tenantID, "", task.CompletedDate, domain.ChannelChatGPT)
	if err != nil {
		t.Fatalf("own bucket: %v", err)
	}
	if own.TotalMentions != 1 || own.TotalResults != 1 {
		t.Fatalf("metrics double counted: %+v", own)
	}

	// The sources side is now repaired.
	buckets, err := repo.ListSourceBuckets(context.Background(), db, entityID, tenantID, task.CompletedDate, task.CompletedDate)
	if err != nil {
		t.Fatalf("ListSourceBuckets: %v", err)
	}
	if len(buckets) != 1 {
		t.Fatalf("sources not repaired: %+v", buckets)
	}
}

func TestRunBatch_OrphanedEntityIsSkipped(t *testing.T) {
	db := newTestDB(t)
	_, _, _, taskID := seedPipeline(t, db)

	payload := json.RawMessage(`{"response":{"text":"Acme leads."}}`)
	succeedWithPayload(t, db, taskID, payload, nil, nil)

	// Sever the ownership link: no tenant means no aggregation target.
	if err := db.Exec("DELETE FROM entity_tenants").Error; err != nil {
		t.Fatalf("unlink ownership: %v", err)
	}

	svc := newBatchService(db)
	stats, err := svc.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if stats.TotalProcessed != 1 || stats.Skipped != 1 || stats.Successful != 0 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestRunBatchForDateRange_RejectsInvertedRange(t *testing.T) {
	db := newTestDB(t)
	svc := newBatchService(db)

	end := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	start := end.AddDate(0, 0, 5)
	if _, err := svc.RunBatchForDateRange(context.Background(), start, end); !errors.Is(err, ErrBadDateRange) {
		t.Fatalf("expected ErrBadDateRange, got %v", err)
	}
}

func TestRunBatchForDateRange_RecalculatesUtilization(t *testing.T) {
	db := newTestDB(t)
	entityID, tenantID, _, taskID := seedPipeline(t, db)

	payload := json.RawMessage(`{"response":{"text":"Acme leads.","sources":["https://example.com/review"]}}`)
	task := succeedWithPayload(t, db, taskID, payload, f64p(80), intp(1))

	svc := newBatchService(db)
	if _, err := svc.RunBatch(context.Background()); err != nil {
		t.Fatalf("seed aggregation: %v", err)
	}

	// Corrupt the derived percentage; the backfill must restore it.
	if err := db.Exec("UPDATE source_metrics_buckets SET utilization = 7.5").Error; err != nil {
		t.Fatalf("corrupt utilization: %v", err)
	}

	date, err := time.Parse(domain.DateLayout, task.CompletedDate)
	if err != nil {
		t.Fatalf("parse completed date: %v", err)
	}
	stats, err := svc.RunBatchForDateRange(context.Background(), date, date)
	if err != nil {
		t.Fatalf("RunBatchForDateRange: %v", err)
	}
	if stats.TotalProcessed != 1 || stats.Successful != 1 {
		t.Fatalf("stats: %+v", stats)
	}

	buckets, err := repo.ListSourceBuckets(context.Background(), db, entityID, tenantID, task.CompletedDate, task.CompletedDate)
	if err != nil {
		t.Fatalf("ListSourceBuckets: %v", err)
	}
	if len(buckets) != 1 || buckets[0].Utilization != 100.0 {
		t.Fatalf("utilization not restored: %+v", buckets)
	}
}

func TestRunBatchForDateRange_EmptyDaysAreFine(t *testing.T) {
	db := newTestDB(t)
	svc := newBatchService(db)

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	stats, err := svc.RunBatchForDateRange(context.Background(), start, start.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("RunBatchForDateRange: %v", err)
	}
	if stats.TotalProcessed != 0 {
		t.Fatalf("stats: %+v", stats)
	}
}

// signalsFromTask rebuilds extracted signals from a task's stored columns.
func signalsFromTask(task *domain.Task) extract.Signals {
	return extract.Signals{
		Sentiment: task.ExtractedSentiment,
		Position:  task.ExtractedPosition,
	}
}
