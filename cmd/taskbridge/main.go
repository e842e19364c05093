// cmd/taskbridge/main.go
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/FairForge/taskbridge/internal/api"
	"github.com/FairForge/taskbridge/internal/audit"
	"github.com/FairForge/taskbridge/internal/config"
	"github.com/FairForge/taskbridge/internal/database"
	"github.com/FairForge/taskbridge/internal/fallback"
	"github.com/FairForge/taskbridge/internal/health"
	"github.com/FairForge/taskbridge/internal/metrics"
	"github.com/FairForge/taskbridge/internal/migration"
	"github.com/FairForge/taskbridge/internal/queue"
)

func main() {
	cfg, err := config.Load(os.Getenv("TASKBRIDGE_CONFIG"))
	if err != nil {
		panic(err)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer func() { _ = logger.Sync() }()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	if err := db.CreateTables(context.Background()); err != nil {
		logger.Fatal("schema setup failed", zap.Error(err))
	}

	q, err := queue.NewClient(queue.Config{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		QueueName:   cfg.Redis.QueueName,
		JobTimeout:  cfg.Redis.JobTimeout,
		MaxMemoryMB: cfg.Redis.MaxMemoryMB,
	}, logger)
	if err != nil {
		logger.Fatal("queue client setup failed", zap.Error(err))
	}

	m := metrics.NewMetrics()
	taskStore := database.NewTaskStore(db)
	records := database.NewRecordStore(db)
	auditSvc := audit.NewService(db, logger)

	monitor := health.NewMonitor(q, health.Config{
		ProbeTimeout:     cfg.Health.ProbeTimeout,
		CheckInterval:    cfg.Health.CheckInterval,
		FailureThreshold: cfg.Health.FailureThreshold,
		SampleHistory:    cfg.Health.SampleHistory,
	}, logger)
	monitor.SetMetrics(m)

	coordinator := fallback.NewCoordinator(monitor, taskStore, q,
		fallback.Config{WindowHistory: cfg.Fallback.WindowHistory}, m, logger)
	coordinator.SetWindowRecorder(&windowRecorder{records: records, logger: logger})
	coordinator.SetAuditor(auditSvc)

	manager := migration.NewManager(taskStore, q, monitor, migration.Options{
		BatchSize:        cfg.Migration.BatchSize,
		Workers:          cfg.Migration.Workers,
		BatchesPerSecond: cfg.Migration.BatchesPerSecond,
	}, m, logger)
	manager.SetRunRecorder(&runRecorder{records: records, logger: logger})
	manager.SetAuditor(auditSvc)

	if cfg.Fallback.AutoDrain {
		coordinator.SetDrainFunc(func(ctx context.Context) {
			if _, err := manager.MigrateDBToQueue(ctx, cfg.Migration.BatchSize, false); err != nil {
				logger.Warn("post-recovery drain failed", zap.Error(err))
			}
		})
	}

	auth := api.NewAuth(cfg.Server.JWTSecret, logger)
	admin := chi.NewRouter()
	api.NewAdminHandler(coordinator, manager, auth, logger).RegisterRoutes(admin)
	audit.NewAPIHandler(auditSvc, logger).RegisterRoutes(admin)

	server := api.NewServer(cfg, logger, monitor, m, admin)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(rootCtx)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down")
		cancel()
		ctx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		_ = q.Close()
		_ = db.Close()
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

// windowRecorder persists fallback windows. Persistence is best-effort;
// a failed write never blocks routing.
type windowRecorder struct {
	records *database.RecordStore
	logger  *zap.Logger
}

func (r *windowRecorder) RecordWindow(ctx context.Context, w fallback.Window) {
	rec := database.WindowRecord{
		ID:             w.ID,
		ActivatedAt:    w.ActivatedAt,
		DeactivatedAt:  w.DeactivatedAt,
		Reason:         w.Reason,
		TasksProcessed: w.TasksProcessed,
	}
	if err := r.records.SaveWindow(ctx, rec); err != nil {
		r.logger.Error("window persist failed",
			zap.String("window_id", w.ID.String()), zap.Error(err))
	}
}

// runRecorder persists migration run snapshots with totals and batches
// serialized into the detail column
type runRecorder struct {
	records *database.RecordStore
	logger  *zap.Logger
}

func (r *runRecorder) RecordRun(ctx context.Context, run migration.Run) {
	detail, err := json.Marshal(map[string]interface{}{
		"totals":  run.Totals,
		"batches": run.Batches,
		"error":   run.Error,
	})
	if err != nil {
		r.logger.Error("run detail marshal failed", zap.Error(err))
		detail = nil
	}

	rec := database.RunRecord{
		ID:          run.ID,
		Direction:   string(run.Direction),
		Status:      string(run.Status),
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		Detail:      detail,
	}
	if err := r.records.SaveRun(ctx, rec); err != nil {
		r.logger.Error("run persist failed",
			zap.String("run_id", run.ID.String()), zap.Error(err))
	}
}
