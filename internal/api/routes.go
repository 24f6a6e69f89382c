package api

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"sms-gateway/internal/metrics"
	"sms-gateway/internal/rate"
)

func SetupRoutes(
	app *fiber.App,
	logger *zap.Logger,
	reg *metrics.Registry,
	handlers *Handlers,
	rateLimiter *rate.Limiter,
) {
	// Set up middleware
	SetupMiddleware(app, logger, reg, rateLimiter)

	// Health endpoints
	app.Get("/health", handlers.Health)
	app.Get("/health/detailed", handlers.HealthDetailed)

	// Messages
	app.Post("/sms", handlers.SubmitMessage)
	app.Get("/sms", handlers.ListMessages)

	// Queue control. Registered before /sms/:id so "queue" is not swallowed
	// by the id parameter.
	queue := app.Group("/sms/queue")
	queue.Post("/pause", handlers.PauseQueue)
	queue.Post("/resume", handlers.ResumeQueue)
	queue.Delete("/clear", handlers.ClearQueue)
	queue.Get("/stats", handlers.QueueStatsHandler)
	queue.Post("/priority/:id", handlers.ReprioritizeMessage)
	queue.Post("/retry/:id", handlers.RetryMessage)

	app.Get("/sms/:id", handlers.GetMessage)
	app.Delete("/sms/:id", handlers.CancelMessage)
}
