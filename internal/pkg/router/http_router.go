package router

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Vision/internal/pkg/cache"
)

type HttpRouter struct {
	db *gorm.DB
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/health", h.handleHealth)
}

func NewHttpRouter(db *gorm.DB) *HttpRouter {
	return &HttpRouter{db: db}
}

// handleHealth reports database and cache reachability.
func (h HttpRouter) handleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	status := fiber.Map{"database": "ok", "cache": "ok"}
	healthy := true

	if h.db == nil {
		status["database"] = "unconfigured"
		healthy = false
	} else if sqlDB, err := h.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		status["database"] = "unreachable"
		healthy = false
	}

	if err := cache.GetClient().Ping(ctx).Err(); err != nil {
		status["cache"] = "unreachable"
		healthy = false
	}

	if !healthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(status)
	}
	return c.JSON(status)
}
