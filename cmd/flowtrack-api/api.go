// Package main provides the FlowTrack API server.
package main

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/flowtrack/pkg/cmd"
	"github.com/dukex/flowtrack/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger   *slog.Logger
	services *cmd.Services
	appURL   string
	validate *validator.Validate
}

func NewAPI(logger *slog.Logger, services *cmd.Services, appURL string) *API {
	return &API{
		logger:   logger,
		services: services,
		appURL:   appURL,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(web.Dependencies{
		Persistence:   a.services.Persistence,
		Calendly:      a.services.Calendly,
		Webhooks:      a.services.Webhooks,
		Reprocessor:   a.services.Reprocessor,
		Polling:       a.services.Polling,
		Trigger:       a.services.Trigger,
		Executor:      a.services.Executor,
		WorkflowQueue: a.services.WorkflowQueue,
		AppURL:        a.appURL,
	}, a.validate, a.logger)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("FlowTrack API")
	})

	app.Get("/health", a.health)

	handlers.Register(app)

	return app
}

func (a *API) health(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK
	database := "ok"

	err := a.services.Persistence.HealthCheck(c.Context())
	if err != nil {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
		database = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"database": database,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
