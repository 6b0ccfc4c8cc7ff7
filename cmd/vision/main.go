package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/Vision/internal/pkg/billing"
	"github.com/ManuelReschke/Vision/internal/pkg/cache"
	"github.com/ManuelReschke/Vision/internal/pkg/database"
	"github.com/ManuelReschke/Vision/internal/pkg/env"
	"github.com/ManuelReschke/Vision/internal/pkg/eventbus"
	"github.com/ManuelReschke/Vision/internal/pkg/jobqueue"
	"github.com/ManuelReschke/Vision/internal/pkg/router"
	"github.com/ManuelReschke/Vision/internal/pkg/workflow"
)

func main() {
	app, manager := NewApplication()
	manager.Start()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down")
		manager.Stop()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Shutdown failed: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	if err != nil {
		log.Fatal(err)
	}
}

// NewApplication wires the HTTP app and the background workflow manager.
// The manager is returned unstarted.
func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	// Define possible base paths
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/vision to project root
		"../../../", // Fallback
	}

	// Find the correct base path
	basePath := ""
	for _, path := range basePaths {
		if _, err := os.Stat(path + "public/docs/v1/openapi.yml"); !os.IsNotExist(err) {
			basePath = path
			break
		}
	}

	if basePath == "" {
		panic("Could not find project root directory")
	}

	db := database.GetDB()
	svc := billing.NewService(billing.NewRepository(db), billing.PolicyFromEnv())

	manager := jobqueue.GetManager()
	bus := eventbus.New(cache.GetClient())
	bus.RouteDurable(billing.EventWebhookReceived, manager.GetQueue(), jobqueue.JobTypeBillingWebhook)

	engine := workflow.New(db, svc, bus, manager.GetQueue(), cache.NewRedisLocker(cache.GetClient(), 0))
	if err := engine.Register(manager, env.GetEnv("WORKFLOW_WAKE_SCHEDULE", workflow.DefaultWakeSchedule)); err != nil {
		log.Fatalf("Failed to register workflow: %v", err)
	}

	// init fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20, // webhook payloads are small JSON documents
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: basePath + "public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		DB:             db,
		Service:        svc,
		Bus:            bus,
		LimiterStorage: router.NewLimiterStorage(),
	})

	return app, manager
}
