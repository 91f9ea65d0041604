package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/siftlog/siftlog/internal/archive"
	"github.com/siftlog/siftlog/internal/config"
	"github.com/siftlog/siftlog/internal/database"
	"github.com/siftlog/siftlog/internal/queue"
	"github.com/siftlog/siftlog/internal/repository"
	"github.com/siftlog/siftlog/internal/worker"
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

	arch, err := archive.NewClient(cfg.Archive)
	if err != nil {
		logger.Warn().Err(err).Msg("archive client")
	}
	if arch != nil {
		if err := arch.EnsureBucket(ctx); err != nil {
			logger.Warn().Err(err).Msg("archive bucket not ready")
		}
	}

	p := worker.NewPool(
		q,
		repository.NewLogRepository(pool),
		repository.NewDeadLetterRepository(pool),
		arch,
		cfg.Worker,
		logger,
	)
	if err := p.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("worker pool exited")
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
