// Command reconcile-trades runs one reconciliation sweep over all OPEN
// trades and exits. Useful after an outage, before a deploy, or from cron
// on hosts that don't run the full engine.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"tradebot-platform/config"
	"tradebot-platform/internal/credentials"
	"tradebot-platform/internal/database"
	"tradebot-platform/internal/logging"
	"tradebot-platform/internal/reconciler"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.SetDefault(logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     "stderr",
		JSONFormat: false,
		Component:  "reconcile-trades",
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := database.NewDB(ctx, cfg.DatabaseConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	repo := database.NewRepository(db)

	resolver, err := credentials.NewResolver(repo, cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize credential resolver: %v", err)
	}

	// No queue, no notifier: a one-shot sweep only settles trade rows.
	recon := reconciler.New(repo, resolver, nil, nil, cfg.ReconcilerConfig)
	summary := recon.Sweep(ctx)

	fmt.Printf("updated=%d closed=%d errors=%d\n", summary.Updated, summary.Closed, summary.Errors)
	if summary.Errors > 0 {
		os.Exit(1)
	}
}
