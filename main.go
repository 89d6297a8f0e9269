package main

import (
	"context"
	"log"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"tradebot-platform/config"
	"tradebot-platform/internal/ai/llm"
	"tradebot-platform/internal/botloader"
	"tradebot-platform/internal/capital"
	"tradebot-platform/internal/credentials"
	"tradebot-platform/internal/database"
	"tradebot-platform/internal/engine"
	"tradebot-platform/internal/logging"
	"tradebot-platform/internal/notification"
	"tradebot-platform/internal/objectstore"
	"tradebot-platform/internal/reconciler"
	"tradebot-platform/internal/scheduler"
	"tradebot-platform/internal/worker"
)

func main() {
	// .env is a development convenience; in containers everything comes
	// from real environment variables.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := database.NewDB(ctx, cfg.DatabaseConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	repo := database.NewRepository(db)
	logger.Info("Database connected and migrated")

	// Redis (locks, caches, queues). A failed connection starts degraded,
	// never fatal: the scheduler falls back to inline execution.
	redisClient, err := database.NewRedisClient(ctx, cfg.RedisConfig)
	if err != nil {
		log.Fatalf("Invalid Redis configuration: %v", err)
	}
	defer redisClient.Close()
	if !redisClient.IsHealthy() {
		logger.Warn("Redis unreachable, starting in degraded mode")
	}

	// Object store for bot artifacts
	store, err := objectstore.New(ctx, cfg.ObjectStoreConfig)
	if err != nil {
		log.Fatalf("Failed to initialize object store: %v", err)
	}
	loader := botloader.NewLoader(store, repo)

	// Credential resolution (decrypt per use)
	resolver, err := credentials.NewResolver(repo, cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize credential resolver: %v", err)
	}

	// Notifications
	var notifier *notification.Manager
	if cfg.NotificationConfig.Enabled {
		notifier = notification.NewManager(cfg.NotificationConfig)
		logger.Info("Notifications enabled")
	}

	// LLM advisory is optional; without a configured provider the capital
	// manager simply runs without its hybrid method.
	var advisor capital.CapitalAdvisor
	llmClient := llm.NewClient(cfg.LLMConfig)
	if llmClient.IsConfigured() {
		advisor = llm.NewAnalyzer(llmClient, redisClient, cfg.LLMConfig)
		logger.Info("LLM advisory enabled", "provider", cfg.LLMConfig.Provider)
	}

	capitalMgr := capital.NewManager(cfg.CapitalConfig)
	exec := engine.New(repo, resolver, loader, capitalMgr, advisor, notifier)

	sched := scheduler.New(repo, redisClient, exec, notifier, cfg.SchedulerConfig)
	pool := worker.New(redisClient, redisClient, exec, repo, cfg.WorkerConfig)
	recon := reconciler.New(repo, resolver, redisClient, notifier, cfg.ReconcilerConfig)

	logger.Info("Starting trading platform",
		"workers", cfg.WorkerConfig.Count,
		"network_default", cfg.NetworkDefault)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); sched.Run(ctx) }()
	go func() { defer wg.Done(); pool.Run(ctx) }()
	go func() { defer wg.Done(); recon.Run(ctx) }()

	<-ctx.Done()
	logger.Info("Shutting down...")
	wg.Wait()
	logger.Info("Shutdown complete")
}
