package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/Vision/internal/pkg/env"
)

// BillingAPITokenMiddleware authenticates service-to-service calls against
// BILLING_API_TOKEN. The token is read per request so rotation needs no restart.
func BillingAPITokenMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		expected := strings.TrimSpace(env.GetEnv("BILLING_API_TOKEN", ""))
		if expected == "" {
			log.Error("[Billing] BILLING_API_TOKEN is not configured")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "misconfigured"})
		}

		token := extractAPIToken(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API token"})
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API token"})
		}
		return c.Next()
	}
}

func extractAPIToken(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
