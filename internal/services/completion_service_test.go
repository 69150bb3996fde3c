package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/cloro-dev/monitor/internal/domain"
	"github.com/cloro-dev/monitor/internal/extract"
	"github.com/cloro-dev/monitor/internal/repo"
)

var completionPayload = json.RawMessage(`{
	"response": {
		"text": "Acme is the top pick, Rival is a close second.",
		"sources": ["https://example.com/review", "https://blog.example.com/ranking/"]
	}
}`)

func TestHandleCompletion_SuccessAggregatesEverything(t *testing.T) {
	db := newTestDB(t)
	entityID, tenantID, _, taskID := seedPipeline(t, db)

	fake := &fakeAnalyzer{signals: &extract.Signals{
		Position:  intp(1),
		Sentiment: f64p(80),
		Competitors: []extract.CompetitorSignal{
			{Name: "Rival", Position: intp(2), Sentiment: f64p(55)},
		},
	}}
	svc := newCompletionService(db, fake)

	err := svc.HandleCompletion(context.Background(), CompletionEvent{
		TaskID: taskID, Status: StatusCompleted, Response: completionPayload,
	})
	if err != nil {
		t.Fatalf("HandleCompletion: %v", err)
	}

	task, err := repo.GetTask(context.Background(), db, taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != domain.TaskSuccess || task.CompletedDate == "" {
		t.Fatalf("terminal state not persisted: %+v", task)
	}
	date := task.CompletedDate

	// Own-entity bucket.
	own, err := repo.GetMetricsBucket(context.Background(), db, entityID, tenantID, "", date, domain.ChannelChatGPT)
	if err != nil {
		t.Fatalf("own bucket: %v", err)
	}
	if own.TotalMentions != 1 || own.TotalResults != 1 {
		t.Fatalf("own bucket counters: %+v", own)
	}
	if own.AveragePosition == nil || *own.AveragePosition != 1 {
		t.Fatalf("own bucket position: %+v", own.AveragePosition)
	}

	// Competitor resolution created the entity, the link, and its bucket.
	rival, err := repo.FindEntityByName(context.Background(), db, "Rival")
	if err != nil {
		t.Fatalf("competitor entity not created: %v", err)
	}
	link, err := repo.GetCompetitorLink(context.Background(), db, entityID, rival.ID)
	if err != nil {
		t.Fatalf("competitor link: %v", err)
	}
	if link.Mentions != 1 {
		t.Fatalf("link mentions: %d", link.Mentions)
	}
	compBucket, err := repo.GetMetricsBucket(context.Background(), db, entityID, tenantID, rival.ID, date, domain.ChannelChatGPT)
	if err != nil {
		t.Fatalf("competitor bucket: %v", err)
	}
	if compBucket.TotalMentions != 1 {
		t.Fatalf("competitor bucket counters: %+v", compBucket)
	}

	// Both cited sources got canonical rows, buckets, and a recalculated
	// utilization (1 distinct successful prompt -> 100%).
	buckets, err := repo.ListSourceBuckets(context.Background(), db, entityID, tenantID, date, date)
	if err != nil {
		t.Fatalf("ListSourceBuckets: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("expected 2 source buckets, got %d", len(buckets))
	}
	for _, b := range buckets {
		if b.Utilization != 100.0 {
			t.Fatalf("utilization not recalculated: %+v", b)
		}
	}
}

func TestHandleCompletion_DuplicateDeliveryAggregatesOnce(t *testing.T) {
	db := newTestDB(t)
	entityID, tenantID, _, taskID := seedPipeline(t, db)

	fake := &fakeAnalyzer{signals: &extract.Signals{Position: intp(1), Sentiment: f64p(80)}}
	svc := newCompletionService(db, fake)

	ev := CompletionEvent{TaskID: taskID, Status: StatusCompleted, Response: completionPayload}
	if err := svc.HandleCompletion(context.Background(), ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := svc.HandleCompletion(context.Background(), ev); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}

	task, _ := repo.GetTask(context.Background(), db, taskID)
	own, err := repo.GetMetricsBucket(context.Background(), db, entityID, tenantID, "", task.CompletedDate, domain.ChannelChatGPT)
	if err != nil {
		t.Fatalf("own bucket: %v", err)
	}
	if own.TotalMentions != 1 || own.TotalResults != 1 {
		t.Fatalf("duplicate delivery double counted: %+v", own)
	}

	buckets, _ := repo.ListSourceBuckets(context.Background(), db, entityID, tenantID, task.CompletedDate, task.CompletedDate)
	for _, b := range buckets {
		if b.TotalMentions != 1 || b.UniquePrompts != 1 {
			t.Fatalf("duplicate delivery double counted sources: %+v", b)
		}
	}
}

func TestHandleCompletion_UnknownTaskIsDiscarded(t *testing.T) {
	db := newTestDB(t)
	svc := newCompletionService(db, &fakeAnalyzer{})

	err := svc.HandleCompletion(context.Background(), CompletionEvent{
		TaskID: "never-created", Status: StatusCompleted, Response: completionPayload,
	})
	if err != nil {
		t.Fatalf("unknown task must not error the webhook: %v", err)
	}
}

func TestHandleCompletion_ExtractionFailureDegradesToNullSignals(t *testing.T) {
	db := newTestDB(t)
	entityID, tenantID, _, taskID := seedPipeline(t, db)

	fake := &fakeAnalyzer{analyzeErr: errors.New("analyzer down")}
	svc := newCompletionService(db, fake)

	err := svc.HandleCompletion(context.Background(), CompletionEvent{
		TaskID: taskID, Status: StatusCompleted, Response: completionPayload,
	})
	if err != nil {
		t.Fatalf("HandleCompletion: %v", err)
	}

	task, _ := repo.GetTask(context.Background(), db, taskID)
	if task.Status != domain.TaskSuccess {
		t.Fatalf("extraction failure must not fail the completion: %+v", task)
	}
	if task.ExtractedSentiment != nil || task.ExtractedPosition != nil {
		t.Fatalf("signals should stay null: %+v", task)
	}
	if len(task.RawPayload) == 0 {
		t.Fatalf("raw payload must be kept for replay")
	}

	// The observation still counts toward the denominator.
	own, err := repo.GetMetricsBucket(context.Background(), db, entityID, tenantID, "", task.CompletedDate, domain.ChannelChatGPT)
	if err != nil {
		t.Fatalf("own bucket: %v", err)
	}
	if own.TotalMentions != 0 || own.TotalResults != 1 || own.VisibilityScore != 0 {
		t.Fatalf("null-signal observation wrong: %+v", own)
	}
	if own.AveragePosition != nil || own.AverageSentiment != nil {
		t.Fatalf("null signals must carry no weight: %+v", own)
	}
}

func TestHandleCompletion_FailureTriggersRetryUnderOriginalID(t *testing.T) {
	db := newTestDB(t)
	_, _, _, taskID := seedPipeline(t, db)

	fake := &fakeAnalyzer{}
	svc := newCompletionService(db, fake)

	err := svc.HandleCompletion(context.Background(), CompletionEvent{
		TaskID: taskID, Status: "ERROR",
	})
	if err != nil {
		t.Fatalf("HandleCompletion: %v", err)
	}

	task, _ := repo.GetTask(context.Background(), db, taskID)
	if task.Status != domain.TaskPending || task.RetryCount != 1 {
		t.Fatalf("retry not applied: status=%s retry=%d", task.Status, task.RetryCount)
	}

	calls := fake.submitCalls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one resubmission, got %d", len(calls))
	}
	if calls[0].Key != taskID {
		t.Fatalf("resubmission must reuse the original task id, got %s", calls[0].Key)
	}
	if calls[0].PromptText != "best widgets" || calls[0].Channel != domain.ChannelChatGPT {
		t.Fatalf("resubmission parameters wrong: %+v", calls[0])
	}
}

func TestHandleCompletion_StaleFailureAfterSuccessIsIgnored(t *testing.T) {
	db := newTestDB(t)
	entityID, tenantID, _, taskID := seedPipeline(t, db)

	fake := &fakeAnalyzer{signals: &extract.Signals{Position: intp(1), Sentiment: f64p(80)}}
	svc := newCompletionService(db, fake)

	// Success first, then an out-of-order failure redelivery, then the
	// success redelivered. The terminal state and the buckets must not move.
	success := CompletionEvent{TaskID: taskID, Status: StatusCompleted, Response: completionPayload}
	if err := svc.HandleCompletion(context.Background(), success); err != nil {
		t.Fatalf("success delivery: %v", err)
	}
	if err := svc.HandleCompletion(context.Background(), CompletionEvent{TaskID: taskID, Status: "FAILED"}); err != nil {
		t.Fatalf("stale failure delivery: %v", err)
	}
	if err := svc.HandleCompletion(context.Background(), success); err != nil {
		t.Fatalf("redelivered success: %v", err)
	}

	task, _ := repo.GetTask(context.Background(), db, taskID)
	if task.Status != domain.TaskSuccess || task.RetryCount != 0 {
		t.Fatalf("terminal SUCCESS clobbered: status=%s retry=%d", task.Status, task.RetryCount)
	}
	if n := len(fake.submitCalls()); n != 0 {
		t.Fatalf("stale failure must not resubmit, got %d submissions", n)
	}

	own, err := repo.GetMetricsBucket(context.Background(), db, entityID, tenantID, "", task.CompletedDate, domain.ChannelChatGPT)
	if err != nil {
		t.Fatalf("own bucket: %v", err)
	}
	if own.TotalMentions != 1 || own.TotalResults != 1 {
		t.Fatalf("one task id double counted: %+v", own)
	}
}

func TestHandleCompletion_MalformedEventIsRejected(t *testing.T) {
	db := newTestDB(t)
	svc := newCompletionService(db, &fakeAnalyzer{})

	cases := []CompletionEvent{
		{TaskID: "", Status: StatusCompleted, Response: completionPayload},
		{TaskID: "task-1", Status: StatusCompleted}, // completed without response
	}
	for _, ev := range cases {
		if err := svc.HandleCompletion(context.Background(), ev); !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("expected ErrMalformedEvent for %+v, got %v", ev, err)
		}
	}
}

func TestRetryTask_BudgetExhausted(t *testing.T) {
	db := newTestDB(t)
	_, _, _, taskID := seedPipeline(t, db)

	fake := &fakeAnalyzer{}
	svc := newCompletionService(db, fake)

	// Third failure after two earlier retries: attempt 3 is still allowed.
	if err := db.Exec("UPDATE tasks SET retry_count = 2 WHERE id = ?", taskID).Error; err != nil {
		t.Fatalf("seed retry count: %v", err)
	}
	if _, err := repo.MarkTaskFailed(context.Background(), db, taskID, "provider reported ERROR"); err != nil {
		t.Fatalf("MarkTaskFailed: %v", err)
	}
	if err := svc.RetryTask(context.Background(), taskID); err != nil {
		t.Fatalf("RetryTask: %v", err)
	}
	task, _ := repo.GetTask(context.Background(), db, taskID)
	if task.Status != domain.TaskPending || task.RetryCount != 3 {
		t.Fatalf("third retry should run: status=%s retry=%d", task.Status, task.RetryCount)
	}
	if len(fake.submitCalls()) != 1 {
		t.Fatalf("expected one resubmission")
	}

	// Fourth failure: the budget is spent and the task stays failed.
	if _, err := repo.MarkTaskFailed(context.Background(), db, taskID, "provider reported ERROR"); err != nil {
		t.Fatalf("MarkTaskFailed: %v", err)
	}
	if err := svc.RetryTask(context.Background(), taskID); err != nil {
		t.Fatalf("RetryTask at cap: %v", err)
	}
	task, _ = repo.GetTask(context.Background(), db, taskID)
	if task.Status != domain.TaskFailed || task.RetryCount != 3 {
		t.Fatalf("exhausted task must stay failed: status=%s retry=%d", task.Status, task.RetryCount)
	}
	if len(fake.submitCalls()) != 1 {
		t.Fatalf("no resubmission past the cap")
	}
}

func TestRetryTask_UnknownTask(t *testing.T) {
	db := newTestDB(t)
	svc := newCompletionService(db, &fakeAnalyzer{})

	if err := svc.RetryTask(context.Background(), "never-created"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestRetryTask_SkipsResubmissionWhenTaskLeftFailed(t *testing.T) {
	db := newTestDB(t)
	_, _, _, taskID := seedPipeline(t, db)

	fake := &fakeAnalyzer{}
	svc := newCompletionService(db, fake)

	// The task recovered to SUCCESS between the failure and the retry job
	// running; the conditional requeue sees no FAILED row and must not
	// resubmit.
	if _, err := repo.MarkTaskSucceeded(context.Background(), db, taskID, completionPayload, nil, nil, nil); err != nil {
		t.Fatalf("MarkTaskSucceeded: %v", err)
	}
	if err := svc.RetryTask(context.Background(), taskID); err != nil {
		t.Fatalf("RetryTask: %v", err)
	}

	task, _ := repo.GetTask(context.Background(), db, taskID)
	if task.Status != domain.TaskSuccess || task.RetryCount != 0 {
		t.Fatalf("retry must leave a recovered task alone: %+v", task)
	}
	if len(fake.submitCalls()) != 0 {
		t.Fatalf("no resubmission expected")
	}
}

func TestRetryTask_ResubmissionFailureIsTerminal(t *testing.T) {
	db := newTestDB(t)
	_, _, _, taskID := seedPipeline(t, db)

	fake := &fakeAnalyzer{submitErr: errors.New("provider unreachable")}
	svc := newCompletionService(db, fake)

	if _, err := repo.MarkTaskFailed(context.Background(), db, taskID, "provider reported ERROR"); err != nil {
		t.Fatalf("MarkTaskFailed: %v", err)
	}
	if err := svc.RetryTask(context.Background(), taskID); err == nil {
		t.Fatalf("expected resubmission error to surface")
	}

	task, _ := repo.GetTask(context.Background(), db, taskID)
	if task.Status != domain.TaskFailed {
		t.Fatalf("task must be terminal after resubmission failure, got %s", task.Status)
	}
	if task.LastFailureReason == nil || *task.LastFailureReason == "provider reported ERROR" {
		t.Fatalf("expected a distinct re-queue failure reason, got %v", task.LastFailureReason)
	}
}
