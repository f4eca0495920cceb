// Package main provides the Procession API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/dukex/procession/pkg/deploy"
	"github.com/dukex/procession/pkg/eventbus"
	"github.com/dukex/procession/pkg/persistence"
	"github.com/dukex/procession/pkg/runtime"
	"github.com/dukex/procession/pkg/services"
	"github.com/dukex/procession/pkg/subscription"
	"github.com/dukex/procession/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	validate    *validator.Validate
	deployer    *deploy.Deployer
	process     *services.Process
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	eventBus eventbus.EventBus,
) (*API, error) {
	engine := runtime.NewEngine(persistence, eventBus, logger)
	manager := subscription.NewManager(logger)

	deployer, err := deploy.NewDeployer(engine, manager, logger)
	if err != nil {
		return nil, err
	}

	return &API{
		persistence: persistence,
		logger:      logger,
		eventBus:    eventBus,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		deployer:    deployer,
		process:     services.NewProcess(engine, manager, logger),
	}, nil
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.process, a.deployer, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Procession API")
	})

	handlers.RegisterRoutes(app)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
