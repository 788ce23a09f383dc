package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/worklock/backend/internal/auth"
	"github.com/worklock/backend/internal/config"
	"go.uber.org/zap"
)

const (
	CtxUserID  = "user_id"
	CtxArbiter = "arbiter"
)

func AuthMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing authorization header"})
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenStr == authHeader {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid authorization format"})
		}

		claims, err := auth.ParseJWT(cfg.JWTSecret, tokenStr)
		if err != nil {
			log.Debug("jwt parse error", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
		}

		c.Locals(CtxUserID, claims.UserID)
		c.Locals(CtxArbiter, claims.Arbiter)

		return c.Next()
	}
}

func GetUserID(c *fiber.Ctx) uuid.UUID {
	id, _ := c.Locals(CtxUserID).(uuid.UUID)
	return id
}

func IsArbiter(c *fiber.Ctx) bool {
	arbiter, _ := c.Locals(CtxArbiter).(bool)
	return arbiter
}

// ArbiterMiddleware gates dispute resolution endpoints.
func ArbiterMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !IsArbiter(c) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "arbiter access required"})
		}
		return c.Next()
	}
}
