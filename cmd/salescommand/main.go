package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/salescommand/salescommand/internal/app"
	"github.com/salescommand/salescommand/internal/crm/access"
	crmdash "github.com/salescommand/salescommand/internal/crm/dashboard"
	crmhttp "github.com/salescommand/salescommand/internal/crm/http"
	"github.com/salescommand/salescommand/internal/crm/ingest"
	"github.com/salescommand/salescommand/internal/crm/opportunities"
	"github.com/salescommand/salescommand/internal/crm/users"
	"github.com/salescommand/salescommand/internal/crm/viewcache"
	"github.com/salescommand/salescommand/internal/eventbus"
	"github.com/salescommand/salescommand/internal/eventstore"
	"github.com/salescommand/salescommand/internal/observability"
	"github.com/salescommand/salescommand/internal/platform/cache"
	"github.com/salescommand/salescommand/internal/platform/db"
	"github.com/salescommand/salescommand/internal/projection"
	"github.com/salescommand/salescommand/jobs"
)

// viewInvalidator fans view-change notifications out to the cached views.
type viewInvalidator struct {
	matrix    *access.Matrix
	dashboard *crmdash.Service
}

func (n *viewInvalidator) ViewsChanged(ctx context.Context, userIDs []string) error {
	if err := n.matrix.Invalidate(ctx, userIDs); err != nil {
		return err
	}
	return n.dashboard.Invalidate(ctx, userIDs)
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	metrics := observability.NewMetrics()

	store := eventstore.NewPostgresStore(pool)
	bus := eventbus.New(store, logger)
	engine := projection.NewEngine(store, bus, projection.NewPostgresCheckpoints(pool), logger)
	engine.SetMetrics(metrics)

	userRepo := users.NewRepository(pool)
	oppRepo := opportunities.NewRepository(pool)

	accessCache := viewcache.New(redisClient, cfg.AccessTTL, logger)
	accessCache.SetMetrics(metrics)
	dashboardCache := viewcache.New(redisClient, cfg.DashboardTTL, logger)
	dashboardCache.SetMetrics(metrics)

	matrix := access.NewMatrix(userRepo, oppRepo, accessCache,
		access.Config{HierarchyDepth: cfg.HierarchyDepth}, logger)
	dash := crmdash.NewService(userRepo, oppRepo, matrix, dashboardCache, logger)
	invalidator := &viewInvalidator{matrix: matrix, dashboard: dash}

	userProjection := users.NewProjection(userRepo, logger)
	oppProjection := opportunities.NewProjection(oppRepo, userRepo, opportunities.Config{
		HierarchyDepth: cfg.HierarchyDepth,
		AdminUserIDs:   cfg.AdminUserIDs,
	}, invalidator, logger)

	if err := engine.Register(userProjection); err != nil {
		logger.Error("register user projection", slog.Any("error", err))
		os.Exit(1)
	}
	if err := engine.Register(oppProjection); err != nil {
		logger.Error("register opportunity projection", slog.Any("error", err))
		os.Exit(1)
	}
	if err := engine.Start(ctx); err != nil {
		logger.Error("start projections", slog.Any("error", err))
		os.Exit(1)
	}

	ingestService := ingest.NewService(store, bus, logger)
	ingestService.SetMetrics(metrics)

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("jobs inspector close", slog.Any("error", err))
		}
	}()

	crmHandler := crmhttp.NewHandler(crmhttp.HandlerParams{
		Logger:         logger,
		Users:          userRepo,
		Opportunities:  oppRepo,
		Matrix:         matrix,
		Dashboard:      dash,
		Ingest:         ingestService,
		Engine:         engine,
		AdminTokenHash: cfg.AdminTokenHash,
		Warmups:        jobsClient,
	})

	router := app.NewRouter(app.RouterParams{
		Logger:     logger,
		Config:     cfg,
		CRMHandler: crmHandler,
		JobHandler: jobs.NewHandler(inspector, logger),
		Metrics:    metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.Any("error", err))
	}
	if err := bus.Close(shutdownCtx); err != nil {
		logger.Warn("bus close", slog.Any("error", err))
	}
	logger.Info("shutdown complete")
}
