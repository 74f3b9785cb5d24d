package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/salescommand/salescommand/internal/app"
	"github.com/salescommand/salescommand/internal/crm/access"
	"github.com/salescommand/salescommand/internal/crm/opportunities"
	"github.com/salescommand/salescommand/internal/crm/users"
	"github.com/salescommand/salescommand/internal/crm/viewcache"
	jobmetrics "github.com/salescommand/salescommand/internal/jobs"
	"github.com/salescommand/salescommand/internal/platform/cache"
	"github.com/salescommand/salescommand/internal/platform/db"
	"github.com/salescommand/salescommand/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	// Projections stay with the serving process; the worker only refreshes
	// the access matrices, so it reads the collections and never writes them.
	userRepo := users.NewRepository(pool)
	oppRepo := opportunities.NewRepository(pool)

	accessCache := viewcache.New(redisClient, cfg.AccessTTL, logger)
	matrix := access.NewMatrix(userRepo, oppRepo, accessCache,
		access.Config{HierarchyDepth: cfg.HierarchyDepth}, logger)

	metrics := jobmetrics.NewMetrics(nil)
	warmupJob := jobs.NewAccessWarmupJob(userRepo, matrix, logger, metrics)

	warmupTask, err := jobs.NewAccessWarmupTask()
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAccessWarmup, Handler: warmupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "30 5 * * *", Task: warmupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
