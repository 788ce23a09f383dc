package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/worklock/backend/internal/config"
	"github.com/worklock/backend/internal/db"
	"github.com/worklock/backend/internal/events"
	"github.com/worklock/backend/internal/gateway"
	"github.com/worklock/backend/internal/repositories"
	"github.com/worklock/backend/internal/services"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, "worklock-worker", int32(cfg.PostgresMaxConns), log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, "worklock-worker", log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repos
	txRepo := repositories.NewTransactionRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)
	idemRepo := repositories.NewIdempotencyRepo(pool)
	eventRepo := repositories.NewGatewayEventRepo(pool)

	// Services
	bus := events.NewRedisBus(rdb, log)
	gw := gateway.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret, cfg.GatewayTimeout, log)
	escrowService := services.NewEscrowService(txRepo, auditRepo, idemRepo, eventRepo, gw, bus, cfg, log)

	log.Info("worker started",
		zap.Duration("review_sweep", cfg.ReviewSweepInterval),
		zap.Duration("deadline_sweep", cfg.DeadlineSweepInterval),
		zap.String("deadline_policy", cfg.DeadlineExpiryPolicy),
	)

	// Run jobs on tickers
	reviewTicker := time.NewTicker(cfg.ReviewSweepInterval)
	deadlineTicker := time.NewTicker(cfg.DeadlineSweepInterval)
	defer reviewTicker.Stop()
	defer deadlineTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-reviewTicker.C:
			runReviewSweep(ctx, escrowService, log)
		case <-deadlineTicker.C:
			runDeadlineSweep(ctx, escrowService, log)
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

func runReviewSweep(ctx context.Context, escrow *services.EscrowService, log *zap.Logger) {
	n, err := escrow.ExpireDueReviews(ctx)
	if err != nil {
		log.Error("review sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("review sweep auto-approved", zap.Int("count", n))
	}
}

func runDeadlineSweep(ctx context.Context, escrow *services.EscrowService, log *zap.Logger) {
	n, err := escrow.ExpireDueDeadlines(ctx)
	if err != nil {
		log.Error("deadline sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("deadline sweep processed", zap.Int("count", n))
	}
}
