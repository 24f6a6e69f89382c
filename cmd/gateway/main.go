package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sms-gateway/internal/api"
	"sms-gateway/internal/config"
	"sms-gateway/internal/db"
	"sms-gateway/internal/dispatch"
	"sms-gateway/internal/events"
	"sms-gateway/internal/health"
	"sms-gateway/internal/maintenance"
	"sms-gateway/internal/messages"
	"sms-gateway/internal/metrics"
	"sms-gateway/internal/observability"
	"sms-gateway/internal/queue"
	"sms-gateway/internal/rate"
	"sms-gateway/internal/retry"
	"sms-gateway/internal/scheduler"
	"sms-gateway/internal/transport/mock"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := observability.GetLoggerFromEnv(cfg.LogLevel)
	defer logger.Sync()
	logger.Info("Starting SMS Gateway", zap.String("version", "1.0.0"))

	otelCleanup, err := observability.SetupOpenTelemetry("sms-gateway", logger)
	if err != nil {
		logger.Warn("OpenTelemetry setup failed", zap.Error(err))
	} else {
		defer otelCleanup()
	}

	// Database
	ctx := context.Background()
	database, err := db.NewPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	if err := database.RunMigrations("migrations"); err != nil {
		logger.Warn("Failed to run migrations", zap.Error(err))
	}

	// Redis is optional: without it submissions are not rate limited.
	var rateLimiter *rate.Limiter
	if cfg.RedisURL != "" {
		redis, err := db.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redis.Close()
		rateLimiter = rate.NewLimiter(redis, logger.Named("rate"), cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	// Event bus and the optional NATS bridge.
	bus := events.NewBus(logger.Named("bus"))
	defer bus.Close()

	if cfg.NATSURL != "" {
		bridge, err := events.NewBridge(cfg.NATSURL, logger.Named("nats"))
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer bridge.Close()
		bridge.Attach(bus)
		defer bridge.Detach(bus)
	}

	reg := metrics.NewRegistry(logger.Named("metrics"), bus, cfg.MetricsEnabled)

	// Core pipeline
	store := messages.NewStore(database, logger.Named("store"))
	q := queue.New(store, logger.Named("queue"))
	engine := retry.NewEngine(cfg.BaseDelay, cfg.MaxDelay, nil)
	provider := mock.NewProvider(cfg.MockSuccessRate, cfg.MockTempFailRate, cfg.MockPermFailRate, cfg.MockLatencyMs)

	monitor := health.NewMonitor(store, logger.Named("health"), health.Thresholds{
		QueueDepthWarn:      cfg.QueueDepthWarn,
		QueueDepthCritical:  cfg.QueueDepthCritical,
		ErrorRateWarn:       cfg.ErrorRateWarn,
		ErrorRateCritical:   cfg.ErrorRateCritical,
		TransportStaleAfter: 5 * time.Minute,
	})
	monitor.Attach(bus)

	dispatcher := dispatch.New(dispatch.Config{
		Workers:      cfg.WorkerCount,
		SendTimeout:  cfg.SendTimeout,
		IdleSleep:    cfg.IdleSleep,
		IdleSleepMax: cfg.IdleSleepMax,
	}, q, store, engine, provider, bus, reg, monitor.Level, logger.Named("dispatcher"))

	sched := scheduler.New(store, q, bus, reg, logger.Named("scheduler"), cfg.SchedulerInterval, cfg.ExpirationWindow)

	maint := maintenance.New(maintenance.Config{
		Interval:         cfg.MaintenanceInterval,
		RetentionSent:    time.Duration(cfg.RetentionSentDays) * 24 * time.Hour,
		RetentionFailed:  time.Duration(cfg.RetentionFailedDays) * 24 * time.Hour,
		RescueAge:        cfg.SendingRescueAge,
		ExpirationWindow: cfg.ExpirationWindow,
	}, store, engine, bus, reg, logger.Named("maintenance"))

	// Background loops
	runCtx, stopBackground := context.WithCancel(ctx)
	go monitor.Run(runCtx, 30*time.Second)
	go sched.Run(runCtx)
	go maint.Run(runCtx)
	dispatcher.Start(runCtx)

	// HTTP surface
	handlers := api.NewHandlers(logger.Named("api"), store, q, dispatcher, monitor, cfg.MaxAttemptsDefault, cfg.HighWatermarkQueue)

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Error("Fiber error", zap.Error(err))
			return c.Status(500).JSON(fiber.Map{"error": "internal server error"})
		},
	})
	api.SetupRoutes(app, logger.Named("http"), reg, handlers, rateLimiter)

	go func() {
		if err := app.Listen(cfg.ListenAddress); err != nil {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("SMS Gateway started",
		zap.String("listen", cfg.ListenAddress),
		zap.String("metrics", cfg.MetricsAddr))

	// Graceful shutdown: stop accepting, drain in-flight sends, then close
	// the loops and the bus.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown HTTP server", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shutdown metrics server", zap.Error(err))
		}
	}

	dispatcher.Stop()
	stopBackground()

	logger.Info("SMS Gateway stopped")
}
