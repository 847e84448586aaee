// Auctiond - periodic double-auction clearing engine
//
// Traders submit bids and asks against named auctions; every clearing
// interval the scheduler freezes each collecting book, computes a uniform
// price with the k-double rule and settles cash and inventory atomically.
//
// Architecture: API → Book/Wallet → Scheduler → Clearing → Settlement
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/auctiond/internal/api"
	"github.com/web3guy0/auctiond/internal/auth"
	"github.com/web3guy0/auctiond/internal/config"
	"github.com/web3guy0/auctiond/internal/database"
	"github.com/web3guy0/auctiond/internal/docs"
	"github.com/web3guy0/auctiond/internal/notify"
	"github.com/web3guy0/auctiond/internal/scheduler"
	"github.com/web3guy0/auctiond/internal/settlement"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Dur("clearing_interval", cfg.ClearingInterval).
		Msg("🔨 Auctiond starting...")

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	receipts := docs.NewWriter(cfg.DocsRoot, cfg.DocSigningSecret)
	notifier := notify.New(cfg.TelegramToken, cfg.TelegramChatID)
	pipeline := settlement.New(db, receipts, notifier)
	sched := scheduler.New(db, pipeline, notifier, cfg.ClearingInterval)
	authSvc := auth.New(cfg.JWTSecret, cfg.JWTTTL, db)
	server := api.NewServer(cfg, db, authSvc, sched, receipts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)

	go func() {
		if err := server.Run(); err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	log.Info().Msg("✅ All services started")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("🛑 Shutting down...")

	cancel()
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}

	log.Info().Msg("👋 Goodbye!")
}
