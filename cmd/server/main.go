// Command server runs the brand-visibility monitoring pipeline: the
// completion webhook, the chart API, the background continuation workers,
// and the scheduled reconciliation pass.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cloro-dev/monitor/internal/analyzer"
	"github.com/cloro-dev/monitor/internal/config"
	httpapi "github.com/cloro-dev/monitor/internal/http"
	"github.com/cloro-dev/monitor/internal/jobs"
	"github.com/cloro-dev/monitor/internal/observability"
	"github.com/cloro-dev/monitor/internal/repo"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	// A missing .env is fine in containerized deployments.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("database open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}

	queue := jobs.NewQueue(cfg.QueueSize, log.With().Str("component", "queue").Logger())
	queue.Start(ctx, cfg.QueueWorkers)

	client := analyzer.NewHTTPClient(
		cfg.Analyzer.BaseURL,
		cfg.Analyzer.APIKey,
		cfg.Analyzer.Timeout,
		log.With().Str("component", "analyzer").Logger(),
	)

	svcs := httpapi.NewServices(db, client, queue, cfg, log.Logger)

	sched := startScheduler(ctx, svcs, cfg)

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, svcs, cfg)

	srv := &http.Server{
		Addr:              ":" + strings.TrimPrefix(cfg.Port, ":"),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	}

	// Stop intake first, then drain the queue so in-flight continuations
	// finish before the process exits.
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if sched != nil {
		<-sched.Stop().Done()
	}
	queue.Stop()
	log.Info().Msg("server stopped")
}

// startScheduler mounts the periodic reconciliation pass. An empty schedule
// disables it; backfills then run only through the HTTP trigger.
func startScheduler(ctx context.Context, svcs httpapi.Services, cfg config.Config) *cron.Cron {
	if cfg.Batch.Schedule == "" {
		return nil
	}
	sched := cron.New()
	_, err := sched.AddFunc(cfg.Batch.Schedule, func() {
		stats, err := svcs.Batch.RunBatch(ctx)
		if err != nil {
			log.Error().Err(err).Msg("scheduled reconciliation failed")
			return
		}
		log.Info().
			Int("total", stats.TotalProcessed).
			Int("successful", stats.Successful).
			Int("failed", stats.Failed).
			Msg("scheduled reconciliation finished")
	})
	if err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.Batch.Schedule).Msg("invalid batch schedule")
	}
	sched.Start()
	return sched
}

// setupLogging configures the global zerolog logger from config.
func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Logger = log.With().Str("service", cfg.OTEL.ServiceName).Logger()
}
