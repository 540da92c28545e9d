// Package main is the entry point for the chess wager server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chess-wager/internal/api"
	"chess-wager/internal/config"
	"chess-wager/internal/game"
	"chess-wager/internal/pkg/db"
	"chess-wager/internal/pkg/lock"
	"chess-wager/internal/repository"
	"chess-wager/internal/service"
	"chess-wager/internal/ws"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Msg("Configuration loaded successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	// Run database migrations
	if err := runMigrations(ctx, dbPool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// Initialize repositories
	userRepo := repository.NewUserRepository(dbPool.Pool)
	ledgerRepo := repository.NewLedgerRepository(dbPool.Pool)
	challengeRepo := repository.NewChallengeRepository(dbPool.Pool)
	sessionRepo := repository.NewSessionRepository(dbPool.Pool)

	// Initialize the notification hub
	hub := ws.NewHub(
		func(_ *http.Request) bool { return true },
		cfg.Notify.SendBuffer,
		cfg.Notify.WriteTimeout,
	)

	// Initialize services
	gameManager := game.NewManager(sessionRepo)

	accountService := service.NewAccountService(userRepo, ledgerRepo, cfg.Wager.InitialBalance)

	challengeService := service.NewChallengeService(
		dbPool.Pool,
		userRepo,
		ledgerRepo,
		challengeRepo,
		gameManager,
		hub,
	)

	payoutResolver := service.NewPayoutResolver(
		dbPool.Pool,
		userRepo,
		ledgerRepo,
		challengeRepo,
		sessionRepo,
	)

	moveCoordinator := service.NewMoveCoordinator(
		dbPool.Pool,
		sessionRepo,
		challengeRepo,
		gameManager,
		payoutResolver,
		lock.NewKeyedLock(),
		hub,
	)

	// Settle games that finished before an unclean shutdown
	if err := payoutResolver.ResolveUnsettled(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve unsettled games")
	}

	// Wire the HTTP surface
	authenticator := api.NewAuthenticator(cfg.Auth.Secret, accountService)
	handlers := api.NewHandlerProvider(accountService, challengeService, moveCoordinator, hub)
	router := api.NewRouter(handlers, authenticator)
	server := api.NewServer(&cfg.Server, router)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run()
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			log.Fatal().Err(err).Msg("Server failed")
		}
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shut down server cleanly")
	}
	hub.Close()

	log.Info().Msg("Server stopped gracefully")
}

// runMigrations executes database migrations.
func runMigrations(ctx context.Context, pool *db.Pool) error {
	log.Info().Msg("Running database migrations...")

	// Migration 1: Create users table
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id BIGINT PRIMARY KEY,
			username VARCHAR(255) NOT NULL,
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			escrow BIGINT NOT NULL DEFAULT 0 CHECK (escrow >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 1: users table created")

	// Migration 2: Create ledger_entries table
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			amount BIGINT NOT NULL,
			type VARCHAR(50) NOT NULL,
			reference VARCHAR(255) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_user_time ON ledger_entries(user_id, created_at DESC);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 2: ledger_entries table created")

	// Migration 3: Create challenges table
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS challenges (
			id BIGSERIAL PRIMARY KEY,
			challenger_id BIGINT NOT NULL REFERENCES users(id),
			opponent_id BIGINT NOT NULL REFERENCES users(id),
			stake BIGINT NOT NULL CHECK (stake > 0),
			status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
			session_id UUID,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (challenger_id <> opponent_id)
		);
		CREATE INDEX IF NOT EXISTS idx_challenges_challenger ON challenges(challenger_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_challenges_opponent ON challenges(opponent_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_challenges_status ON challenges(status);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 3: challenges table created")

	// Migration 4: Create game_sessions table
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS game_sessions (
			id UUID PRIMARY KEY,
			challenge_id BIGINT NOT NULL UNIQUE REFERENCES challenges(id),
			white_id BIGINT NOT NULL REFERENCES users(id),
			black_id BIGINT NOT NULL REFERENCES users(id),
			fen TEXT NOT NULL,
			moves TEXT[] NOT NULL DEFAULT '{}',
			status VARCHAR(20) NOT NULL DEFAULT 'ACTIVE',
			winner_id BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_game_sessions_status ON game_sessions(status);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 4: game_sessions table created")

	log.Info().Msg("All migrations completed successfully")
	return nil
}
