// Command agentd runs the agent task-distribution service: the worker pool
// orchestrator, lifecycle event bus, maintenance scheduler, and the agent
// monitoring HTTP API.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/aurora-assess/agentcore/internal/api"
	"github.com/aurora-assess/agentcore/internal/api/middleware"
	"github.com/aurora-assess/agentcore/internal/config"
	"github.com/aurora-assess/agentcore/internal/events"
	"github.com/aurora-assess/agentcore/internal/maintenance"
	"github.com/aurora-assess/agentcore/internal/platform/logger"
	"github.com/aurora-assess/agentcore/internal/platform/postgres"
	"github.com/aurora-assess/agentcore/internal/platform/redisq"
	"github.com/aurora-assess/agentcore/internal/task"
)

func main() {
	if err := run(); err != nil {
		slog.Error("agentd exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.Setup(cfg.Server.LogLevel)
	log.Info("configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"worker_count", cfg.Worker.Count)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := setupDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	broker, err := redisq.Connect(ctx, cfg.Redis.URL, log)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer func() { _ = broker.Close() }()

	store := postgres.NewTaskStore(db, log)
	queue := task.NewTaskQueue(broker, log)

	bus := events.NewBus(broker, log)
	if err := bus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}
	defer bus.Stop()

	policy := task.RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialDelay:    cfg.Retry.InitialDelay,
		MaxDelay:        cfg.Retry.MaxDelay,
		ExponentialBase: cfg.Retry.ExponentialBase,
		Jitter:          cfg.Retry.Jitter,
	}
	retry := task.NewRetryManager(store, queue, bus, policy, log)
	defer retry.Stop()

	orchestrator := task.NewOrchestrator(queue, store, bus, retry, task.OrchestratorConfig{
		WorkerCount:    cfg.Worker.Count,
		DequeueTimeout: cfg.Worker.DequeueTimeout,
		ErrorBackoff:   cfg.Worker.ErrorBackoff,
	}, log)
	registerHandlers(orchestrator)

	if err := orchestrator.Start(); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	defer orchestrator.Stop()

	scheduler := maintenance.NewScheduler(store, retry, maintenance.Config{
		CleanupSchedule:    cfg.Maintenance.CleanupSchedule,
		Retention:          time.Duration(cfg.Maintenance.RetentionDays) * 24 * time.Hour,
		RetrySweepSchedule: cfg.Maintenance.RetrySweepSchedule,
		RetrySweepWindow:   cfg.Maintenance.RetrySweepWindow,
	}, log)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start maintenance scheduler: %w", err)
	}
	defer scheduler.Stop()

	server := setupServer(cfg, orchestrator, queue, store, retry, log)
	serverErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", "error", err)
	}

	// The deferred stops drain the scheduler, orchestrator, retry manager
	// and event bus in reverse start order.
	return nil
}

func setupDatabase(ctx context.Context, cfg *config.Config, log *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := postgres.Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info("database connection established")
	return db, nil
}

func setupServer(
	cfg *config.Config,
	orchestrator *task.Orchestrator,
	queue *task.TaskQueue,
	store task.Store,
	retry *task.RetryManager,
	log *slog.Logger,
) *http.Server {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.TraceID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	handler := api.NewAgentHandler(orchestrator, queue, store, retry, log)
	r.Route("/api", handler.Routes)

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
