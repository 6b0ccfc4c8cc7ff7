package router

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/Vision/app/controllers"
	"github.com/ManuelReschke/Vision/internal/pkg/cache"
	"github.com/ManuelReschke/Vision/internal/pkg/env"
	"github.com/ManuelReschke/Vision/internal/pkg/middleware"
)

// WebhookPath receives Polar deliveries. It is exempt from the rate limiter.
const WebhookPath = "/api/billing/webhook"

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        env.GetEnvInt("API_RATE_LIMIT", 120),
		Expiration: time.Minute,
		Storage:    h.deps.LimiterStorage,
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == WebhookPath
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited"})
		},
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from vision billing api",
		})
	})

	webhooks := controllers.NewBillingController(h.deps.Service, h.deps.Bus)
	api.Post("/billing/webhook", webhooks.HandlePolarWebhook)

	// API v1 routes
	billingAPI := controllers.NewBillingAPIController(h.deps.Service)
	v1 := api.Group("/v1/billing", middleware.BillingAPITokenMiddleware())
	v1.Get("/subscriptions/polar/:polarSubscriptionId", billingAPI.HandleGetByPolarID)
	v1.Post("/subscriptions/:id/grants", billingAPI.HandleAdminGrant)
	v1.Get("/users/:userId/subscription", billingAPI.HandleGetSubscriptionForUser)
	v1.Get("/users/:userId/subscriptions", billingAPI.HandleGetAllForUser)
	v1.Get("/users/:userId/entitlement", billingAPI.HandleEntitlement)
	v1.Get("/users/:userId/credits", billingAPI.HandleCredits)
	v1.Get("/users/:userId/ledger", billingAPI.HandleLedger)
	v1.Post("/users/:userId/credits/consume", billingAPI.HandleConsume)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}

// NewLimiterStorage creates the Redis storage shared by all instances for
// rate-limit counters. It connects to the cache host on database 1.
func NewLimiterStorage() fiber.Storage {
	cacheClient := cache.GetClient()
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if cacheClient != nil {
		if h, p, err := net.SplitHostPort(cacheClient.Options().Addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := cacheClient.Options().Password; p != "" {
			password = p
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: env.GetEnvInt("RATE_LIMIT_CACHE_DB", 1),
		Reset:    false,
	})
}
