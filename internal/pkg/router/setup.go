package router

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Vision/internal/pkg/billing"
	"github.com/ManuelReschke/Vision/internal/pkg/eventbus"
)

// Router installs one group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies carries the services the handlers are built from.
// LimiterStorage may be nil, in which case the rate limiter keeps its
// counters in memory.
type Dependencies struct {
	DB             *gorm.DB
	Service        *billing.Service
	Bus            eventbus.Publisher
	LimiterStorage fiber.Storage
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// Operational routes first so /metrics and /health are never rate limited.
	setup(app, NewHttpRouter(deps.DB), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
