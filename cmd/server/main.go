package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"bridge-backend/internal/apperr"
	"bridge-backend/internal/auth"
	"bridge-backend/internal/config"
	"bridge-backend/internal/execution"
	"bridge-backend/internal/facade"
	"bridge-backend/internal/monitor"
	"bridge-backend/internal/store"
	"bridge-backend/internal/syncengine"
	"bridge-backend/internal/webhook"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, db: %s:%d/%s)", cfg.Server.Port, cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)

	// 2. Connect to database
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	// 3. Bootstrap system tables
	if err := db.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap system tables: %v", err)
	}
	log.Println("System tables ready")

	// 4. Monitoring collector
	logBuffer := monitor.NewLogBuffer(db, cfg.Monitoring.BufferSize, cfg.Monitoring.FlushIntervalMs)
	defer logBuffer.Stop()
	errorStore := monitor.NewErrorStore(db.Pool)
	sampleStore := monitor.NewSampleStore(db.Pool)
	alertStore := monitor.NewAlertStore(db.Pool)
	collector := monitor.NewCollector(logBuffer, errorStore, sampleStore, alertStore)

	// 5. Webhook intake and delivery
	schemas, err := webhook.NewSchemaRegistry()
	if err != nil {
		log.Fatalf("Failed to compile event schemas: %v", err)
	}
	endpointStore := webhook.NewEndpointStore(db.Pool)
	eventStore := webhook.NewEventStore(db.Pool)
	queue := webhook.NewQueue(db.Pool, collector, cfg.Queue.Capacity)
	dispatcher := webhook.NewDispatcher(eventStore, collector, cfg.Dispatcher)
	receiver := webhook.NewReceiver(endpointStore, eventStore, queue, schemas)

	// 6. Execution tracking and triggers
	executionStore := execution.NewPgExecutionStore(db.Pool)
	tracker := execution.NewTracker(executionStore, collector, cfg.Execution)
	triggerStore := execution.NewTriggerStore(db.Pool)
	triggerService := execution.NewTriggerService(triggerStore, endpointStore, tracker, dispatcher)

	// 7. Sync engine
	syncConfigs := syncengine.NewConfigStore(db.Pool)
	syncStates := syncengine.NewStateStore(db.Pool)
	conflictStore := syncengine.NewConflictStore(db.Pool)
	syncQueue := syncengine.NewSyncQueue(db.Pool)
	syncEngine := syncengine.NewEngine(syncConfigs, syncStates, conflictStore, syncQueue,
		syncengine.NewLocalSide(db.Pool), syncengine.NewRemoteSide(db.Pool))

	// 8. Queue workers routed per event category
	router := facade.NewEventRouter(tracker, syncEngine)
	workers := webhook.NewWorkerPool(queue, eventStore, router,
		cfg.Queue.Workers, cfg.Queue.MaxAttempts,
		time.Duration(cfg.Queue.PollIntervalSec)*time.Second)
	workers.Start()
	defer workers.Stop()

	// 9. Dashboard summary cache
	summary := monitor.NewSummaryCache(db.Pool, time.Duration(cfg.Monitoring.SummaryIntervalSec)*time.Second)
	if err := summary.Recompute(ctx); err != nil {
		log.Printf("WARN: initial summary compute: %v", err)
	}
	summary.Start()
	defer summary.Stop()

	// 10. Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	// 11. Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 12. Auth routes (before middleware, no token required)
	authHandler := auth.NewHandler(db, cfg.JWTSecret)
	auth.RegisterRoutes(app, authHandler)

	// 13. Inbound webhooks (signature-authenticated, no JWT)
	webhook.RegisterReceiverRoutes(app, receiver)

	// 14. Operator API
	svc := &facade.Service{
		Endpoints:  endpointStore,
		Events:     eventStore,
		Queue:      queue,
		Dispatcher: dispatcher,
		Executions: executionStore,
		Tracker:    tracker,
		Triggers:   triggerService,
		TriggerCfg: triggerStore,
		Sync:       syncEngine,
		SyncCfgs:   syncConfigs,
		Conflicts:  conflictStore,
		Collector:  collector,
		Logs:       monitor.NewLogStore(db.Pool),
		Errors:     errorStore,
		Alerts:     alertStore,
		Samples:    sampleStore,
		Summary:    summary,
	}
	facade.RegisterRoutes(app, facade.NewHandler(svc), cfg.JWTSecret)

	// 15. Background schedulers
	retryScheduler := webhook.NewRetryScheduler(dispatcher, time.Duration(cfg.Dispatcher.RetryIntervalSec)*time.Second)
	retryScheduler.Start()
	defer retryScheduler.Stop()

	sweeper := execution.NewTimeoutSweeper(tracker, time.Duration(cfg.Execution.TimeoutSweepSec)*time.Second)
	sweeper.Start()
	defer sweeper.Stop()

	syncScheduler := syncengine.NewPassScheduler(syncEngine, time.Duration(cfg.Sync.PassIntervalSec)*time.Second)
	syncScheduler.Start()
	defer syncScheduler.Stop()

	cleanup := monitor.NewCleanupScheduler(db.Pool, cfg.Monitoring.RetentionDays)
	cleanup.Start()
	defer cleanup.Stop()

	// 16. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Starting server on %s", addr)
	log.Fatal(app.Listen(addr))
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}

	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(apperr.ErrorResponse{Error: appErr})
	}

	log.Printf("ERROR: %v", err)
	return c.Status(code).JSON(apperr.ErrorResponse{
		Error: &apperr.AppError{
			Code:    "INTERNAL_ERROR",
			Message: "Internal server error",
		},
	})
}
