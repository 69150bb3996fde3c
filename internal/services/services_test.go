package services

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cloro-dev/monitor/internal/cache"
	"github.com/cloro-dev/monitor/internal/domain"
	"github.com/cloro-dev/monitor/internal/extract"
	"github.com/cloro-dev/monitor/internal/jobs"
	"github.com/cloro-dev/monitor/internal/repo"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("services_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// seedPipeline creates a tenant, entity, ownership row, prompt, and one
// PENDING task, returning their ids.
func seedPipeline(t *testing.T, db *gorm.DB) (entityID, tenantID, promptID, taskID string) {
	t.Helper()

	tenantID = uuid.NewString()
	if err := db.Create(&domain.Tenant{ID: tenantID, Name: "tenant"}).Error; err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	entity, err := repo.CreateEntity(context.Background(), db, "Acme", "acme.com")
	if err != nil {
		t.Fatalf("create entity: %v", err)
	}
	entityID = entity.ID
	if err := db.Exec("INSERT INTO entity_tenants (entity_id, tenant_id) VALUES (?, ?)", entityID, tenantID).Error; err != nil {
		t.Fatalf("link ownership: %v", err)
	}
	prompt, err := repo.CreatePrompt(context.Background(), db, entityID, "best widgets", "en")
	if err != nil {
		t.Fatalf("create prompt: %v", err)
	}
	promptID = prompt.ID
	taskID = uuid.NewString()
	if _, err := repo.CreateTask(context.Background(), db, taskID, promptID, entityID, domain.ChannelChatGPT, "en"); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return entityID, tenantID, promptID, taskID
}

// submitCall records one Analyzer.Submit invocation.
type submitCall struct {
	PromptText string
	Locale     string
	Channel    domain.Channel
	Key        string
}

// fakeAnalyzer is a configurable in-memory analyzer client.
type fakeAnalyzer struct {
	mu         sync.Mutex
	signals    *extract.Signals
	analyzeErr error
	submitErr  error
	submits    []submitCall
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, text, entityName string) (*extract.Signals, error) {
	if f.analyzeErr != nil {
		return nil, f.analyzeErr
	}
	return f.signals, nil
}

func (f *fakeAnalyzer) Submit(ctx context.Context, promptText, locale string, channel domain.Channel, idempotencyKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submits = append(f.submits, submitCall{promptText, locale, channel, idempotencyKey})
	return nil
}

func (f *fakeAnalyzer) submitCalls() []submitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]submitCall, len(f.submits))
	copy(out, f.submits)
	return out
}

// newCompletionService wires a CompletionService over the test DB with a
// synchronous runner so continuations finish before assertions run.
func newCompletionService(db *gorm.DB, fake *fakeAnalyzer) *CompletionService {
	resolver := &CompetitorResolver{DB: db, Cache: cache.New(time.Minute, nil)}
	return &CompletionService{
		DB:             db,
		Analyzer:       fake,
		Runner:         jobs.Sync{},
		Metrics:        &MetricsService{DB: db, Resolver: resolver, Log: zerolog.Nop()},
		Sources:        &SourceService{DB: db, Log: zerolog.Nop()},
		Log:            zerolog.Nop(),
		MaxRetries:     3,
		AnalyzeTimeout: time.Second,
	}
}

func intp(v int) *int         { return &v }
func f64p(v float64) *float64 { return &v }
