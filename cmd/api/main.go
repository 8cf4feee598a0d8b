package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"campaign-pipeline/internal/api"
	"campaign-pipeline/internal/auth"
	"campaign-pipeline/internal/config"
	"campaign-pipeline/internal/contacts"
	"campaign-pipeline/internal/db"
	"campaign-pipeline/internal/events"
	"campaign-pipeline/internal/observability"
	"campaign-pipeline/internal/pipeline"
	"campaign-pipeline/internal/producer"
	"campaign-pipeline/internal/queue"
	natsq "campaign-pipeline/internal/queue/nats"
	"campaign-pipeline/internal/stats"
	"campaign-pipeline/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting campaign pipeline API", zap.String("port", cfg.Port))

	otelShutdown, err := observability.SetupOpenTelemetry("campaign-pipeline-api", logger)
	if err != nil {
		logger.Warn("failed to set up OpenTelemetry", zap.Error(err))
	} else {
		defer otelShutdown()
	}
	metrics := observability.NewMetrics()

	ctx := context.Background()

	database, err := db.NewPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer database.Close()

	if err := database.RunMigrations("migrations"); err != nil {
		logger.Warn("failed to run migrations", zap.Error(err))
	}

	redis, err := db.NewRedis(ctx, cfg.RedisAddr(), cfg.RedisPassword)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redis.Close()

	natsConn, err := natsq.NewConn(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer natsConn.Close()

	bus := events.NewBus(natsConn, "campaign-pipeline-api", logger)

	store := pipeline.NewStore(database, logger)
	brokerQueue := natsq.NewQueue(natsConn, redis, store, logger)
	configCache := queue.NewConfigCache(redis, logger)
	aggregator := stats.NewAggregator(database, bus, logger)
	contactRepo := contacts.NewPostgresRepository(database, logger)
	prod := producer.New(store, brokerQueue, configCache, bus, metrics, logger)
	webhookSvc := webhook.NewService(store, contactRepo, bus, metrics, logger, cfg.EmailWebhookVerificationKey)
	authService := auth.NewAuthService(database, logger)

	handlers := api.NewHandlers(logger, store, prod, aggregator, brokerQueue, webhookSvc, configCache,
		func(ctx context.Context) error {
			if err := database.PingContext(ctx); err != nil {
				return err
			}
			if err := redis.Ping(ctx).Err(); err != nil {
				return err
			}
			return brokerQueue.HealthCheck(ctx)
		})

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Error("unhandled request error", zap.Error(err))
			return c.Status(500).JSON(fiber.Map{"error": "internal server error"})
		},
	})

	api.SetupRoutes(app, logger, metrics, handlers, authService)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	logger.Info("campaign pipeline API started", zap.String("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("failed to shutdown gracefully", zap.Error(err))
	}

	logger.Info("campaign pipeline API stopped")
}
