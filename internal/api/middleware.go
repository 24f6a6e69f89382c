package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"sms-gateway/internal/metrics"
	"sms-gateway/internal/rate"
)

func SetupMiddleware(app *fiber.App, logger *zap.Logger, reg *metrics.Registry, rateLimiter *rate.Limiter) {
	// Recovery middleware
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID middleware
	app.Use(requestid.New())

	// CORS middleware
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	var requestsTotal *metrics.Counter
	var requestDuration *metrics.Timer
	if reg != nil {
		requestsTotal = reg.Counter("http.requests")
		requestDuration = reg.Timer("http.request.duration")
	}

	// Logging middleware
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		duration := time.Since(start)
		status := c.Response().StatusCode()

		logger.Info("http_request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("request_id", c.Get("X-Request-ID")),
		)

		if reg != nil {
			requestsTotal.Inc()
			requestDuration.Observe(float64(duration.Milliseconds()))
		}

		return err
	})

	// Rate limiting on the submission endpoint, keyed by caller IP.
	if rateLimiter != nil {
		app.Use("/sms", func(c *fiber.Ctx) error {
			if c.Method() != fiber.MethodPost || c.Path() != "/sms" {
				return c.Next()
			}

			allowed, retryAfter, err := rateLimiter.Allow(c.Context(), c.IP())
			if err != nil {
				logger.Error("rate limiting error", zap.Error(err))
				return c.Next() // Fail open: Redis trouble must not block submissions
			}

			if !allowed {
				c.Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"error":               "rate limit exceeded",
					"retry_after_seconds": int(retryAfter.Seconds()),
				})
			}

			return c.Next()
		})
	}
}
