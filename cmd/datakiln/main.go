package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/datakiln/datakiln/internal/app"
	"github.com/datakiln/datakiln/internal/audit"
	"github.com/datakiln/datakiln/internal/dataset"
	"github.com/datakiln/datakiln/internal/engine"
	"github.com/datakiln/datakiln/internal/identity"
	jobmetrics "github.com/datakiln/datakiln/internal/jobs"
	"github.com/datakiln/datakiln/internal/observability"
	"github.com/datakiln/datakiln/internal/pipeline"
	"github.com/datakiln/datakiln/internal/platform/cache"
	"github.com/datakiln/datakiln/internal/platform/db"
	"github.com/datakiln/datakiln/internal/rbac"
	"github.com/datakiln/datakiln/internal/run"
	"github.com/datakiln/datakiln/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dataRoot, err := filepath.Abs(cfg.DataRoot)
	if err != nil {
		logger.Error("resolve data root", slog.Any("error", err))
		os.Exit(1)
	}
	if err := os.MkdirAll(dataRoot, 0o755); err != nil {
		logger.Error("create data root", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := db.InitSchema(ctx, pool); err != nil {
		logger.Error("init schema", slog.Any("error", err))
		os.Exit(1)
	}

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, caching disabled", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}
	}()

	hasher, err := identity.NewTokenHasher(cfg.AuthSecret, filepath.Join(dataRoot, "_platform", "auth_secret"))
	if err != nil {
		logger.Error("init token hasher", slog.Any("error", err))
		os.Exit(1)
	}

	auditService := audit.NewService(audit.NewStore(pool), logger)
	auditHandler := audit.NewHandler(auditService)

	identityService := identity.NewService(identity.NewRepository(pool), hasher, auditService, logger, cfg.SessionTTL)
	authHandler := identity.NewHandler(identityService)
	usersHandler := identity.NewUsersHandler(authHandler)

	if cfg.BootstrapAdminUsername != "" {
		if err := identityService.EnsureBootstrapAdmin(ctx, cfg.BootstrapAdminUsername, cfg.BootstrapAdminPassword); err != nil {
			logger.Error("bootstrap admin", slog.Any("error", err))
			os.Exit(1)
		}
	}

	authority := rbac.NewAuthority(rbac.NewRepository(pool))

	pipelineStore := pipeline.NewStore(dataRoot)
	pipelineHandler := pipeline.NewHandler(pipelineStore, authority)

	engineFactory := engine.NewExecFactory(cfg.EngineCmd)

	metrics := observability.NewMetrics()

	runService := run.NewService(run.NewRepository(pool), run.NewRegistry(), run.NewSummaryCache(redisClient), auditService, metrics, logger)
	orchestrator := run.NewOrchestrator(runService, pipelineStore, engineFactory, auditService, logger)
	optimizeTasks := run.NewTasks(engineFactory, auditService, 10*time.Minute)
	checkConfig := func(path, namespace string) error {
		if err := pipeline.ValidateConfigReference(path); err != nil {
			return err
		}
		return pipeline.ValidateConfigPaths(dataRoot, namespace, path)
	}
	runHandler := run.NewHandler(runService, orchestrator, optimizeTasks, authority, identityService, checkConfig, dataRoot, logger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobsClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	datasetService := dataset.NewService(dataset.NewRepository(pool), jobsClient, auditService, logger)
	datasetHandler := dataset.NewHandler(datasetService, authority, dataRoot)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeDatasetIngest, Handler: datasetService.HandleIngestTask},
		},
		Metrics: jobmetrics.NewMetrics(metrics.Registerer()),
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}
	go func() {
		if err := worker.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("jobs worker", slog.Any("error", err))
		}
	}()

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		AuthHandler:     authHandler,
		UsersHandler:    usersHandler,
		AuditHandler:    auditHandler,
		RunHandler:      runHandler,
		PipelineHandler: pipelineHandler,
		DatasetHandler:  datasetHandler,
		JobHandler:      jobHandler,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
