package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimbuschat/paygate/service/config"
	"github.com/nimbuschat/paygate/service/db"
	"github.com/nimbuschat/paygate/service/metrics"
	"github.com/nimbuschat/paygate/service/nats"
	"github.com/nimbuschat/paygate/service/server"
	"github.com/nimbuschat/paygate/service/solana"
	"github.com/nimbuschat/paygate/service/verify"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting payment server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"network", cfg.Network,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	// Verify database connection
	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// Initialize Prometheus metrics
	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	store := db.NewStore(dbPool).WithMetrics(m)

	// Initialize Solana RPC client
	// Note: For premium RPC endpoints, include API key in the URL
	solanaRPC := solana.NewRPCClient(cfg.SolanaRPCURL)
	ledger := solana.NewClient(solanaRPC, cfg.SolanaRPCURL, m, logger)
	logger.Info("initialized solana RPC client", "url", cfg.SolanaRPCURL)

	verifier := verify.NewVerifier(ledger, verify.RetryConfig{
		MaxAttempts: cfg.MaxRetries,
		BaseDelay:   cfg.RetryBaseDelay,
	}, rpc.CommitmentType(cfg.Commitment), cfg.PaymentMaxAge, m, logger)

	// Initialize the event sink. The service runs without it if NATS is
	// unavailable; events are best-effort.
	var events nats.Publisher
	if cfg.NATSURL != "" {
		publisher, err := nats.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			logger.Warn("failed to connect to NATS, events disabled", "error", err)
		} else {
			events = publisher
			defer publisher.Close()
			logger.Info("connected to NATS", "url", cfg.NATSURL)
		}
	}

	httpServer := server.New(cfg, verifier, store, events, m, logger)

	if cfg.RecipientWallet == "" {
		logger.Warn("PAYMENT_RECIPIENT_WALLET is not set; verification requests will fail until it is configured")
	}

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
