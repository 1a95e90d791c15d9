package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"

	"sitecheck/internal/config"
	"sitecheck/internal/core/business"
	"sitecheck/internal/core/discovery"
	"sitecheck/internal/core/ingest"
	"sitecheck/internal/core/prescreen"
	"sitecheck/internal/core/progress"
	"sitecheck/internal/core/render"
	"sitecheck/internal/core/session"
	"sitecheck/internal/core/validate"
	"sitecheck/internal/logger"
	"sitecheck/internal/platform/eino"
	rds "sitecheck/internal/platform/redis"
	tasks "sitecheck/internal/platform/tasks"
	"sitecheck/internal/server"
	"sitecheck/internal/worker"
)

func main() {
	cfg := config.Load()
	log.Printf("[sitecheck] starting at %s (env=%s)\n", cfg.HTTPAddr, cfg.AppEnv)

	logr := logger.New("main")

	// Redis client
	redisSvc, err := rds.New(rds.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer redisSvc.Close()

	// Asynq client and server
	taskClient := tasks.New(redisSvc)
	asynqServer := asynq.NewServer(redisSvc.AsynqRedisOpt(), asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Queues:      tasks.QueuePriorities(),
	})

	// Core services
	store := business.NewStore(redisSvc)
	sink := progress.NewRedisSink(redisSvc)
	sessionSvc := session.New(redisSvc, store, taskClient, sink, cfg.TaskMaxRetries)
	ingestSvc := ingest.New(store, taskClient, cfg.TaskMaxRetries)

	checker, err := prescreen.NewFromFile(cfg.PrescreenBlocklistFile)
	if err != nil {
		log.Fatalf("failed to load prescreen blocklist: %v", err)
	}

	renderSvc, err := render.New(cfg)
	if err != nil {
		log.Fatal(err)
	}

	// Eino (LLM) service initialized from environment variables
	einoSvc, err := eino.NewService(eino.Config{
		Provider: cfg.LLMProvider,
		APIKey:   cfg.GeminiAPIKey,
		Model:    cfg.DefaultLLMModel,
	})
	if err != nil {
		log.Fatalf("failed to initialize Eino service: %v", err)
	}

	searcher := discovery.NewWebSearcher(cfg)
	adjudicator := discovery.NewLLMAdjudicator(einoSvc, cfg.LLMTimeout)
	discoverySvc := discovery.New(cfg, store, searcher, adjudicator, taskClient, sessionSvc)
	validateSvc := validate.New(cfg, checker, renderSvc, store, taskClient, sessionSvc)

	// Worker mux
	mux := worker.NewMux()
	mux.HandleFunc(tasks.TaskTypeIngest, ingestSvc.HandleIngestTask)
	mux.HandleFunc(tasks.TaskTypeValidate, validateSvc.HandleValidateTask)
	mux.HandleFunc(tasks.TaskTypeDiscover, discoverySvc.HandleDiscoverTask)

	// Start worker
	_, workerCancel := context.WithCancel(context.Background())
	go func() {
		if err := asynqServer.Start(mux.Mux()); err != nil {
			log.Printf("[worker] stopped: %v\n", err)
		}
	}()

	// HTTP server
	app := fiber.New(fiber.Config{
		AppName: "Sitecheck Engine",
		JSONEncoder: func(v interface{}) ([]byte, error) {
			var buf bytes.Buffer
			encoder := json.NewEncoder(&buf)
			encoder.SetEscapeHTML(false)
			if err := encoder.Encode(v); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
	})
	// Serve saved artifacts (e.g., screenshots) from DATA_DIR under /files
	app.Static("/files", cfg.DataDir)

	deps := server.Dependencies{
		Businesses: store,
		Ingest:     ingestSvc,
		Sessions:   sessionSvc,
		Tasks:      taskClient,
		Redis:      redisSvc,
	}
	healthHandler := server.RegisterRoutes(app, deps)

	// Mark application as ready after all services are initialized
	go func() {
		time.Sleep(5 * time.Second)
		healthHandler.SetReady()
	}()

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		logr.LogInfo("Shutting down...")
		workerCancel()
		asynqServer.Shutdown()
		_ = app.ShutdownWithTimeout(5 * time.Second)
	}()

	if err := app.Listen(cfg.HTTPAddr); err != nil {
		log.Fatalf("server listen: %v", err)
	}
}
