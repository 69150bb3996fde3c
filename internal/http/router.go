// Package httpapi wires the HTTP transport (Gin) to the pipeline services,
// middleware, and route handlers. It centralizes tracing, correlation IDs,
// logging, panic recovery, metrics, CORS, rate limiting, and the shared
// secret on the batch trigger.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured access logs
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Rate limiter (per caller IP)
//  8. CORS
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/cloro-dev/monitor/internal/analyzer"
	"github.com/cloro-dev/monitor/internal/cache"
	"github.com/cloro-dev/monitor/internal/config"
	"github.com/cloro-dev/monitor/internal/http/handlers"
	"github.com/cloro-dev/monitor/internal/http/middleware"
	"github.com/cloro-dev/monitor/internal/jobs"
	"github.com/cloro-dev/monitor/internal/services"
)

// Services bundles the constructed pipeline services the router exposes
// over HTTP. Build one with NewServices and reuse it for the scheduler.
type Services struct {
	Completions *services.CompletionService
	Batch       *services.BatchService
	Charts      *services.ChartService
	Submissions *services.SubmissionService
}

// NewServices performs dependency injection for the pipeline: analyzer
// client, competitor resolver, aggregators, completion and batch services,
// chart reads, and prompt submission.
func NewServices(db *gorm.DB, client analyzer.Client, runner jobs.Runner, cfg config.Config, log zerolog.Logger) Services {
	resolver := &services.CompetitorResolver{
		DB:    db,
		Cache: cache.New(10*time.Minute, nil),
	}
	metrics := &services.MetricsService{DB: db, Resolver: resolver, Log: log.With().Str("component", "metrics").Logger()}
	sources := &services.SourceService{DB: db, Log: log.With().Str("component", "sources").Logger()}

	return Services{
		Completions: &services.CompletionService{
			DB:             db,
			Analyzer:       client,
			Runner:         runner,
			Metrics:        metrics,
			Sources:        sources,
			Log:            log.With().Str("component", "completions").Logger(),
			MaxRetries:     cfg.MaxRetries,
			AnalyzeTimeout: cfg.Analyzer.Timeout,
		},
		Batch: &services.BatchService{
			DB:            db,
			Metrics:       metrics,
			Sources:       sources,
			Log:           log.With().Str("component", "batch").Logger(),
			PageSize:      cfg.Batch.PageSize,
			Concurrency:   cfg.Batch.Concurrency,
			RetryBase:     cfg.Batch.RetryBase,
			RetryAttempts: cfg.Batch.RetryAttempts,
		},
		Charts: &services.ChartService{
			DB:          db,
			Log:         log.With().Str("component", "charts").Logger(),
			MaxAge:      cfg.SnapshotMaxAge,
			DefaultDays: cfg.LookbackDays,
		},
		Submissions: &services.SubmissionService{
			DB:       db,
			Analyzer: client,
			Log:      log.With().Str("component", "submissions").Logger(),
		},
	}
}

// RegisterRoutes attaches all middleware and endpoints to the Gin engine.
func RegisterRoutes(r *gin.Engine, svcs Services, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())

	// Completion payloads carry full provider responses; 1 MiB is generous.
	r.Use(limitBody(1 << 20))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByIP())
	r.Use(rl.Handler())

	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins: true,
			AllowMethods:    []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:   []string{"X-Request-ID", "Content-Length"},
			MaxAge:          12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  cfg.CORS.AllowedOrigins,
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders: []string{"X-Request-ID", "Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	h := handlers.New(svcs.Completions, svcs.Batch, svcs.Charts, svcs.Submissions)

	api := r.Group("/api/v1")
	{
		// The budget bounds only the synchronous prefix of completion
		// processing; continuations run detached from this context.
		api.POST("/webhooks/completions", withTimeout(cfg.HandlerBudget), h.HandleCompletionWebhook)
		api.POST("/prompts/:id/submissions", h.SubmitPrompt)
		api.POST("/entities/:id/submissions", h.DispatchPrompts)
		api.GET("/entities/:id/chart", gzip.Gzip(gzip.DefaultCompression), h.GetChart)
		api.POST("/batch/run", middleware.SharedSecret(cfg.Batch.Secret), h.RunBatch)
	}
}

// limitBody caps the request body size for all endpoints using
// http.MaxBytesReader; oversized bodies error on read downstream.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// withTimeout caps the request context's lifetime. d <= 0 disables the cap.
func withTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
