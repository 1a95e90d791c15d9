package server

import (
	"sitecheck/internal/core/business"
	"sitecheck/internal/core/ingest"
	"sitecheck/internal/core/session"
	"sitecheck/internal/health"
	"sitecheck/internal/platform/redis"
	tasks "sitecheck/internal/platform/tasks"

	"github.com/gofiber/fiber/v2"
)

type Dependencies struct {
	Businesses *business.Store
	Ingest     *ingest.Service
	Sessions   *session.Service
	Tasks      *tasks.Client
	Redis      *redis.Service
}

func RegisterRoutes(app *fiber.App, d Dependencies) *health.HealthHandler {
	// Health endpoints
	healthHandler := health.NewHealthHandler(d.Redis)
	app.Get("/v1/health", health.HealthLimiter(), healthHandler.HandleHealth)

	api := app.Group("/v1")

	ingestHandler := ingest.NewHandler(d.Ingest, d.Businesses)
	api.Post("/businesses", ingestHandler.HandleIntake)
	api.Get("/businesses/:id", ingestHandler.HandleGetBusiness)

	sessionHandler := session.NewHandler(d.Sessions)
	api.Post("/sessions", sessionHandler.HandleCreate)
	api.Get("/sessions/:id", sessionHandler.HandleGet)
	api.Delete("/sessions/:id", sessionHandler.HandleCancel)
	api.Get("/sessions/:id/progress", sessionHandler.HandleProgress)

	return healthHandler
}
