package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskmill/taskmill-backend/internal/app"
	"github.com/taskmill/taskmill-backend/internal/cliexec"
	"github.com/taskmill/taskmill-backend/internal/data/db"
	repos "github.com/taskmill/taskmill-backend/internal/data/repos/process"
	httpapi "github.com/taskmill/taskmill-backend/internal/http"
	httpH "github.com/taskmill/taskmill-backend/internal/http/handlers"
	"github.com/taskmill/taskmill-backend/internal/observability"
	"github.com/taskmill/taskmill-backend/internal/orchestrator"
	"github.com/taskmill/taskmill-backend/internal/pkg/logger"
	"github.com/taskmill/taskmill-backend/internal/proctype"
	"github.com/taskmill/taskmill-backend/internal/queue"
	"github.com/taskmill/taskmill-backend/internal/realtime"
	"github.com/taskmill/taskmill-backend/internal/schedule"
)

const serviceName = "taskmill-orchestrator"

func main() {
	cfg := app.Load()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing (no-op unless OTEL_ENABLED).
	otelShutdown := observability.Init(ctx, log, observability.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Version:     cfg.Version,
	})

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	defer postgresService.Close()
	if err := db.AutoMigrateAll(postgresService.DB()); err != nil {
		log.Fatal("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	recordRepo := repos.NewRecordRepo(thePG, log)
	taskRepo := repos.NewTaskRepo(thePG, log)
	scheduledTaskRepo := repos.NewScheduledTaskRepo(thePG, log)

	// Process types
	registry := proctype.NewRegistry()
	if cfg.ProcessTypesPath != "" {
		n, err := proctype.LoadFile(registry, cfg.ProcessTypesPath)
		if err != nil {
			log.Fatal("process type load failed", "path", cfg.ProcessTypesPath, "error", err)
		}
		log.Info("process types loaded", "path", cfg.ProcessTypesPath, "count", n)
	} else {
		log.Warn("PROCESS_TYPES_PATH unset; starting with an empty type registry")
	}

	// Event notifier: redis when configured, otherwise a no-op.
	notifier, err := realtime.NewRedisNotifier(log)
	if err != nil {
		log.Warn("redis notifier unavailable; events disabled", "error", err)
		notifier = realtime.NewNopNotifier()
	}
	defer notifier.Close()

	// Work queue
	workQueue := queue.New(scheduledTaskRepo, log, queue.Config{
		Workers:           cfg.Workers,
		PollInterval:      cfg.PollInterval,
		Lease:             cfg.Lease,
		HeartbeatInterval: cfg.HeartbeatInterval,
		BackoffBase:       cfg.QueueBackoffBase,
		BackoffMax:        cfg.QueueBackoffMax,
	})

	// Orchestrator
	engine := orchestrator.New(
		thePG,
		log,
		recordRepo,
		taskRepo,
		scheduledTaskRepo,
		workQueue,
		registry,
		cliexec.NewRunner(log),
		notifier,
		orchestrator.Config{
			RetryBackoff:      cfg.RetryBackoff,
			ReconcileInterval: cfg.ReconcileInterval,
			TemplateConfig:    cfg.TemplateConfig,
		},
	)
	if err := engine.Start(ctx); err != nil {
		log.Fatal("orchestrator start failed", "error", err)
	}
	workQueue.Start(ctx)

	// Cron schedules
	cronScheduler := schedule.New(log, recordRepo, engine, schedule.Config{
		Enabled:      cfg.ScheduleEnabled,
		SyncInterval: cfg.ScheduleSyncInterval,
	})
	if err := cronScheduler.Start(ctx); err != nil {
		log.Fatal("scheduler start failed", "error", err)
	}

	// HTTP
	server := httpapi.NewServer(httpapi.RouterConfig{
		Log:            log,
		ServiceName:    serviceName,
		HealthHandler:  httpH.NewHealthHandler(),
		ProcessHandler: httpH.NewProcessHandler(log, recordRepo, taskRepo, registry, engine),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", "addr", cfg.HTTPAddr)
		return server.Run(cfg.HTTPAddr)
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown failed", "error", err)
		}

		workQueue.Stop()
		engine.Stop()
		if cfg.ScheduleEnabled {
			cronScheduler.Stop()
		}
		if otelShutdown != nil {
			if err := otelShutdown(shutdownCtx); err != nil {
				log.Warn("otel shutdown failed", "error", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("shutdown with error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
