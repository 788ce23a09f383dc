package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/worklock/backend/internal/config"
	"github.com/worklock/backend/internal/db"
	"github.com/worklock/backend/internal/events"
	"github.com/worklock/backend/internal/gateway"
	apphttp "github.com/worklock/backend/internal/http"
	"github.com/worklock/backend/internal/http/handlers"
	"github.com/worklock/backend/internal/repositories"
	"github.com/worklock/backend/internal/services"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, "worklock-api", int32(cfg.PostgresMaxConns), log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, "worklock-api", log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	txRepo := repositories.NewTransactionRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)
	idemRepo := repositories.NewIdempotencyRepo(pool)
	eventRepo := repositories.NewGatewayEventRepo(pool)

	// Events
	bus := events.NewRedisBus(rdb, log)

	// Payment gateway
	gw := gateway.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret, cfg.GatewayTimeout, log)

	// Services
	escrowService := services.NewEscrowService(txRepo, auditRepo, idemRepo, eventRepo, gw, bus, cfg, log)

	// Handlers
	authHandler := handlers.NewAuthHandler(cfg, log)
	escrowHandler := handlers.NewEscrowHandler(escrowService, log)
	webhookHandler := handlers.NewWebhookHandler(gw, escrowService, log)
	wsHub := handlers.NewWSHub(cfg, bus, log)

	// Start WS hub
	wsHub.Start(ctx)

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, authHandler, escrowHandler, webhookHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
