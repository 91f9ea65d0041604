package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog"

	"github.com/siftlog/siftlog/internal/archive"
	"github.com/siftlog/siftlog/internal/cache"
	"github.com/siftlog/siftlog/internal/config"
	"github.com/siftlog/siftlog/internal/database"
	"github.com/siftlog/siftlog/internal/handler"
	"github.com/siftlog/siftlog/internal/queue"
	"github.com/siftlog/siftlog/internal/repository"
	"github.com/siftlog/siftlog/internal/server"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := newLogger(cfg.Primary.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Observability.NewRelicLicenseKey != "" {
		app, err := newrelic.NewApplication(
			newrelic.ConfigAppName(cfg.Observability.ServiceName),
			newrelic.ConfigLicense(cfg.Observability.NewRelicLicenseKey),
		)
		if err != nil {
			logger.Warn().Err(err).Msg("new relic disabled")
		} else {
			defer app.Shutdown(5 * time.Second)
		}
	}

	if err := database.RunMigrations(ctx, cfg.Database.URL()); err != nil {
		logger.Fatal().Err(err).Msg("migrations")
	}

	pool, err := database.NewPool(ctx, cfg.Database, cfg.Observability, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database pool")
	}
	defer pool.Close()
	pool.StartMonitor(ctx, 15*time.Second)

	redisPool := queue.NewRedisPool(cfg.Redis)
	defer redisPool.Close()

	q := queue.New(redisPool, cfg.Queue, logger)
	if err := q.EnsureGroup(ctx); err != nil {
		// Workers ensure the group too; the API can come up ahead of Redis.
		logger.Warn().Err(err).Msg("consumer group not ready")
	}

	arch, err := archive.NewClient(cfg.Archive)
	if err != nil {
		logger.Warn().Err(err).Msg("archive client")
	}

	h := &handler.LogHandler{
		Queue:       q,
		Store:       repository.NewLogRepository(pool),
		DeadLetters: repository.NewDeadLetterRepository(pool),
		Cache:       cache.New(redisPool, logger),
		Archive:     arch,
		QueryTTL:    cfg.Cache.QueryTTLDuration(),
		StatsTTL:    cfg.Cache.StatsTTLDuration(),
		Log:         logger,
	}

	srv := server.New(cfg, h, logger)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
