// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, database path, analyzer connectivity, retry and batch tuning, and
// observability settings.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// AnalyzerConfig defines connectivity to the external analysis provider.
type AnalyzerConfig struct {
	BaseURL string        // ANALYZER_BASE_URL
	APIKey  string        // ANALYZER_API_KEY
	Timeout time.Duration // ANALYZER_TIMEOUT (bounded outbound call budget)
}

// BatchConfig tunes the reconciliation processor.
type BatchConfig struct {
	Secret        string        // BATCH_SECRET (shared secret on the trigger endpoint)
	Schedule      string        // BATCH_SCHEDULE (cron spec; empty disables)
	PageSize      int           // BATCH_PAGE_SIZE (max unaggregated results per pass)
	Concurrency   int           // BACKFILL_CONCURRENCY (date-range fan-out)
	RetryBase     time.Duration // BACKFILL_RETRY_BASE (backoff base delay)
	RetryAttempts int           // BACKFILL_RETRY_ATTEMPTS (per-job attempts)
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool

	// Persistence
	DBPath string // SQLite path

	// Pipeline
	MaxRetries     int           // MAX_RETRIES (terminal failure after this many)
	QueueSize      int           // QUEUE_SIZE (bounded background queue)
	QueueWorkers   int           // QUEUE_WORKERS (continuation pool size)
	HandlerBudget  time.Duration // HANDLER_BUDGET (synchronous prefix budget)
	SnapshotMaxAge time.Duration // SNAPSHOT_MAX_AGE (chart staleness threshold)
	LookbackDays   int           // LOOKBACK_DAYS (chart/backfill window)

	Analyzer AnalyzerConfig
	Batch    BatchConfig

	// Rate limiting (webhook edge protection)
	RateRPS   float64
	RateBurst int

	CORS CORSConfig
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables, applies defaults,
// normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		DBPath: getenv("DB_PATH", "monitor.db"),

		MaxRetries:     getint("MAX_RETRIES", 3),
		QueueSize:      getint("QUEUE_SIZE", 1024),
		QueueWorkers:   getint("QUEUE_WORKERS", 8),
		HandlerBudget:  getdur("HANDLER_BUDGET", 60*time.Second),
		SnapshotMaxAge: getdur("SNAPSHOT_MAX_AGE", 24*time.Hour),
		LookbackDays:   getint("LOOKBACK_DAYS", 30),

		Analyzer: AnalyzerConfig{
			BaseURL: getenv("ANALYZER_BASE_URL", "http://localhost:9090"),
			APIKey:  getenv("ANALYZER_API_KEY", ""),
			Timeout: getdur("ANALYZER_TIMEOUT", 10*time.Second),
		},
		Batch: BatchConfig{
			Secret:        getenv("BATCH_SECRET", ""),
			Schedule:      getenv("BATCH_SCHEDULE", "*/15 * * * *"),
			PageSize:      getint("BATCH_PAGE_SIZE", 1000),
			Concurrency:   getint("BACKFILL_CONCURRENCY", 10),
			RetryBase:     getdur("BACKFILL_RETRY_BASE", 5*time.Second),
			RetryAttempts: getint("BACKFILL_RETRY_ATTEMPTS", 3),
		},

		RateRPS:   getfloat("RATE_RPS", 20.0),
		RateBurst: getint("RATE_BURST", 40),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "monitor-pipeline"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.MaxRetries < 0 {
		return cfg, errors.New("MAX_RETRIES must be >= 0")
	}
	if cfg.QueueSize < 1 || cfg.QueueWorkers < 1 {
		return cfg, errors.New("QUEUE_SIZE and QUEUE_WORKERS must be >= 1")
	}
	if cfg.HandlerBudget <= 0 {
		return cfg, errors.New("HANDLER_BUDGET must be > 0")
	}
	if cfg.SnapshotMaxAge <= 0 {
		return cfg, errors.New("SNAPSHOT_MAX_AGE must be > 0")
	}
	if cfg.LookbackDays < 1 {
		return cfg, errors.New("LOOKBACK_DAYS must be >= 1")
	}
	if cfg.Analyzer.Timeout <= 0 {
		return cfg, errors.New("ANALYZER_TIMEOUT must be > 0")
	}
	if cfg.Batch.PageSize < 1 || cfg.Batch.PageSize > 1000 {
		return cfg, errors.New("BATCH_PAGE_SIZE must be in [1,1000]")
	}
	if cfg.Batch.Concurrency < 1 {
		return cfg, errors.New("BACKFILL_CONCURRENCY must be >= 1")
	}
	if cfg.Batch.RetryBase <= 0 {
		return cfg, errors.New("BACKFILL_RETRY_BASE must be > 0")
	}
	if cfg.Batch.RetryAttempts < 1 {
		return cfg, errors.New("BACKFILL_RETRY_ATTEMPTS must be >= 1")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
