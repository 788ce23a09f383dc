package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/worklock/backend/internal/config"
	"github.com/worklock/backend/internal/http/handlers"
	"github.com/worklock/backend/internal/middleware"
	"go.uber.org/zap"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	authHandler *handlers.AuthHandler,
	escrowHandler *handlers.EscrowHandler,
	webhookHandler *handlers.WebhookHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID, Idempotency-Key",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api/v1")

	// Token exchange for the upstream platform (guarded by api key)
	api.Post("/auth/token", authHandler.ExchangeToken)

	// Processor webhook: signature-verified, never JWT-authenticated
	api.Post("/gateway-webhook", webhookHandler.HandleGatewayWebhook)

	api.Use(middleware.RateLimitMiddleware(rdb, 100, time.Minute))

	// Protected endpoints
	protected := api.Group("", middleware.AuthMiddleware(cfg, log))

	protected.Post("/transactions", escrowHandler.CreateTransaction)
	protected.Get("/transactions", escrowHandler.ListTransactions)
	protected.Get("/transactions/:id", escrowHandler.GetTransaction)
	protected.Get("/transactions/:id/settlement", escrowHandler.GetSettlementPreview)
	protected.Get("/transactions/:id/audit", escrowHandler.GetAuditTrail)

	protected.Post("/transactions/:id/fund", escrowHandler.Fund)
	protected.Post("/transactions/:id/begin-work", escrowHandler.BeginWork)
	protected.Post("/transactions/:id/submit-work", escrowHandler.SubmitWork)
	protected.Post("/transactions/:id/approve", escrowHandler.Approve)
	protected.Post("/transactions/:id/reject", escrowHandler.Reject)
	protected.Post("/transactions/:id/cancel", escrowHandler.Cancel)
	protected.Post("/transactions/:id/dispute", escrowHandler.Dispute)

	// Arbiter only
	protected.Post("/transactions/:id/resolve", middleware.ArbiterMiddleware(), escrowHandler.Resolve)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
