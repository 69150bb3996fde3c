// Package domain defines the persistence models for analysis tasks, tracked
// entities, and the daily aggregate buckets derived from them. These types
// are mapped with GORM and form the core data layer of the monitoring
// pipeline.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// TaskStatus enumerates the lifecycle states of an analysis task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskProcessing TaskStatus = "PROCESSING"
	TaskSuccess    TaskStatus = "SUCCESS"
	TaskFailed     TaskStatus = "FAILED"
)

// Channel identifies the AI answer surface that produced an observation.
type Channel string

const (
	ChannelChatGPT    Channel = "chatgpt"
	ChannelPerplexity Channel = "perplexity"
	ChannelGemini     Channel = "gemini"
	ChannelAIOverview Channel = "ai_overview"
)

// AllChannels returns every supported channel, in a fresh slice.
func AllChannels() []Channel {
	return []Channel{ChannelChatGPT, ChannelPerplexity, ChannelGemini, ChannelAIOverview}
}

// Valid reports whether c names a supported channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelChatGPT, ChannelPerplexity, ChannelGemini, ChannelAIOverview:
		return true
	}
	return false
}

// DateLayout is the canonical format for daily bucket keys (UTC day).
const DateLayout = "2006-01-02"

// Day truncates t to its UTC calendar day in DateLayout form.
func Day(t time.Time) string { return t.UTC().Format(DateLayout) }

// Task represents one (prompt, channel) submission to the external analyzer.
//
// The ID is assigned by the caller at submission time and doubles as the
// idempotency key for the provider and for all downstream aggregation; it is
// immutable for the lifetime of the row. Retry bookkeeping lives in explicit
// columns rather than inside the payload blob so the retry policy can be
// driven without re-parsing results.
type Task struct {
	ID                   string         `json:"id"                     gorm:"type:varchar(64);primaryKey"`
	PromptID             string         `json:"prompt_id"              gorm:"type:char(36);not null;index:idx_task_prompt"`
	EntityID             string         `json:"entity_id"              gorm:"type:char(36);not null;index:idx_task_entity_status,priority:1"`
	Status               TaskStatus     `json:"status"                 gorm:"type:varchar(16);not null;default:'PENDING';index:idx_task_entity_status,priority:2;check:status IN ('PENDING','PROCESSING','SUCCESS','FAILED')"`
	Channel              Channel        `json:"channel"                gorm:"type:varchar(32);not null"`
	Locale               string         `json:"locale"                 gorm:"type:varchar(16);not null;default:'en'"`
	RawPayload           []byte         `json:"-"                      gorm:"type:blob"`
	ExtractedSentiment   *float64       `json:"extracted_sentiment,omitempty"`
	ExtractedPosition    *int           `json:"extracted_position,omitempty"`
	ExtractedCompetitors []byte         `json:"-"                      gorm:"type:blob"`
	RetryCount           int            `json:"retry_count"            gorm:"not null;default:0"`
	LastFailureReason    *string        `json:"last_failure_reason,omitempty" gorm:"type:text"`
	LastFailureAt        *time.Time     `json:"last_failure_at,omitempty"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
	CompletedDate        string         `json:"completed_date,omitempty" gorm:"type:char(10);not null;default:'';index:idx_task_completed_date"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	DeletedAt            gorm.DeletedAt `json:"-"                      gorm:"index"`
}

// TableName returns the database table name for Task.
func (Task) TableName() string { return "tasks" }

// Tenant is an owning organization. Entities may be shared across tenants.
type Tenant struct {
	ID        string         `json:"id"   gorm:"type:char(36);primaryKey"`
	Name      string         `json:"name" gorm:"type:varchar(255);not null"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"    gorm:"index"`
}

// TableName returns the database table name for Tenant.
func (Tenant) TableName() string { return "tenants" }

// Entity is a tracked brand. Name is the text the signal extractor searches
// for; Domain is the canonical website used for disambiguation. Entities
// created lazily from competitor signals start with an empty domain.
type Entity struct {
	ID        string         `json:"id"     gorm:"type:char(36);primaryKey"`
	Name      string         `json:"name"   gorm:"type:varchar(255);not null;index:idx_entity_name"`
	Domain    string         `json:"domain" gorm:"type:varchar(255);not null;default:''"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"      gorm:"index"`

	Tenants []Tenant `json:"-" gorm:"many2many:entity_tenants"`
}

// TableName returns the database table name for Entity.
func (Entity) TableName() string { return "entities" }

// Prompt is a monitoring prompt evaluated against an entity. The set of
// distinct prompts with a successful result on a day forms the denominator
// of source utilization.
type Prompt struct {
	ID        string         `json:"id"        gorm:"type:char(36);primaryKey"`
	EntityID  string         `json:"entity_id" gorm:"type:char(36);not null;index"`
	Text      string         `json:"text"      gorm:"type:text;not null"`
	Locale    string         `json:"locale"    gorm:"type:varchar(16);not null;default:'en'"`
	Active    bool           `json:"active"    gorm:"not null;default:true"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"         gorm:"index"`
}

// TableName returns the database table name for Prompt.
func (Prompt) TableName() string { return "prompts" }

// Competitor link acceptance states. A nil status means pending review.
const (
	CompetitorAccepted = "ACCEPTED"
	CompetitorRejected = "REJECTED"
)

// CompetitorLink is a directed relation between a tracked entity and an
// entity that answers mention alongside it. Mentions is a monotonically
// incrementing counter maintained with atomic upserts.
type CompetitorLink struct {
	ID           string    `json:"id"            gorm:"type:char(36);primaryKey"`
	EntityID     string    `json:"entity_id"     gorm:"type:char(36);not null;uniqueIndex:ux_competitor_pair,priority:1"`
	CompetitorID string    `json:"competitor_id" gorm:"type:char(36);not null;uniqueIndex:ux_competitor_pair,priority:2"`
	Mentions     int64     `json:"mentions"      gorm:"not null;default:0"`
	Status       *string   `json:"status,omitempty" gorm:"type:varchar(16);check:status IN ('ACCEPTED','REJECTED')"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName returns the database table name for CompetitorLink.
func (CompetitorLink) TableName() string { return "competitor_links" }

// MetricsBucket is the daily visibility aggregate for one
// (entity, tenant, competitor, date, channel) key. CompetitorID is the empty
// string for the entity's own bucket; SQLite unique indexes treat NULLs as
// pairwise distinct, which would break the upsert identity.
//
// AveragePosition and AverageSentiment are incrementally weighted means over
// TotalMentions observations. VisibilityScore is always derivable as
// 100 * TotalMentions / TotalResults and is stored denormalized for reads.
type MetricsBucket struct {
	ID               string    `json:"id"             gorm:"type:char(36);primaryKey"`
	EntityID         string    `json:"entity_id"      gorm:"type:char(36);not null;uniqueIndex:ux_metrics_key,priority:1"`
	TenantID         string    `json:"tenant_id"      gorm:"type:char(36);not null;uniqueIndex:ux_metrics_key,priority:2"`
	CompetitorID     string    `json:"competitor_id"  gorm:"type:char(36);not null;default:'';uniqueIndex:ux_metrics_key,priority:3"`
	Date             string    `json:"date"           gorm:"type:char(10);not null;uniqueIndex:ux_metrics_key,priority:4;index:idx_metrics_date"`
	Channel          Channel   `json:"channel"        gorm:"type:varchar(32);not null;uniqueIndex:ux_metrics_key,priority:5"`
	TotalMentions    int64     `json:"total_mentions"  gorm:"not null;default:0"`
	TotalResults     int64     `json:"total_results"   gorm:"not null;default:0"`
	AveragePosition  *float64  `json:"average_position,omitempty"`
	AverageSentiment *float64  `json:"average_sentiment,omitempty"`
	VisibilityScore  float64   `json:"visibility_score" gorm:"not null;default:0"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TableName returns the database table name for MetricsBucket.
func (MetricsBucket) TableName() string { return "metrics_buckets" }

// SourceRecord is a canonical cited source. Identity is the exact normalized
// URL (see extract.NormalizeURL); broader canonicalization is intentionally
// out of scope.
type SourceRecord struct {
	ID        string    `json:"id"     gorm:"type:char(36);primaryKey"`
	URL       string    `json:"url"    gorm:"type:varchar(2048);not null;uniqueIndex:ux_source_url"`
	Host      string    `json:"host"   gorm:"type:varchar(255);not null;default:''"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for SourceRecord.
func (SourceRecord) TableName() string { return "sources" }

// SourceMetricsBucket counts how often a source was cited for an entity on a
// day. TotalMentions and UniquePrompts are append-only counters safe to
// increment concurrently; Utilization is a derived percentage recomputed in
// a second pass and may be transiently stale.
type SourceMetricsBucket struct {
	ID            string    `json:"id"        gorm:"type:char(36);primaryKey"`
	EntityID      string    `json:"entity_id" gorm:"type:char(36);not null;uniqueIndex:ux_source_metrics_key,priority:1"`
	TenantID      string    `json:"tenant_id" gorm:"type:char(36);not null;uniqueIndex:ux_source_metrics_key,priority:2"`
	SourceID      string    `json:"source_id" gorm:"type:char(36);not null;uniqueIndex:ux_source_metrics_key,priority:3"`
	Date          string    `json:"date"      gorm:"type:char(10);not null;uniqueIndex:ux_source_metrics_key,priority:4;index:idx_source_metrics_date"`
	Channel       Channel   `json:"channel"   gorm:"type:varchar(32);not null;uniqueIndex:ux_source_metrics_key,priority:5"`
	TotalMentions int64     `json:"total_mentions" gorm:"not null;default:0"`
	UniquePrompts int64     `json:"unique_prompts" gorm:"not null;default:0"`
	Utilization   float64   `json:"utilization"    gorm:"not null;default:0"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName returns the database table name for SourceMetricsBucket.
func (SourceMetricsBucket) TableName() string { return "source_metrics_buckets" }

// ChartSnapshot is a staleness-gated materialized view over the aggregate
// buckets, keyed by entity, tenant, and the canonical view parameters. Data
// holds the precomputed JSON series.
type ChartSnapshot struct {
	ID        string    `json:"id"        gorm:"type:char(36);primaryKey"`
	EntityID  string    `json:"entity_id" gorm:"type:char(36);not null;uniqueIndex:ux_snapshot_key,priority:1"`
	TenantID  string    `json:"tenant_id" gorm:"type:char(36);not null;uniqueIndex:ux_snapshot_key,priority:2"`
	Params    string    `json:"params"    gorm:"type:varchar(255);not null;uniqueIndex:ux_snapshot_key,priority:3"`
	Data      []byte    `json:"-"         gorm:"type:blob"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for ChartSnapshot.
func (ChartSnapshot) TableName() string { return "chart_snapshots" }
