package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaign-pipeline/internal/config"
	"campaign-pipeline/internal/contacts"
	"campaign-pipeline/internal/db"
	"campaign-pipeline/internal/events"
	"campaign-pipeline/internal/observability"
	"campaign-pipeline/internal/pipeline"
	natsq "campaign-pipeline/internal/queue/nats"
	"campaign-pipeline/internal/retry"
	"campaign-pipeline/internal/senders"
	"campaign-pipeline/internal/stats"
	"campaign-pipeline/internal/templates"
	"campaign-pipeline/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := observability.GetLoggerFromEnv()
	defer logger.Sync()

	logger.Info("starting campaign pipeline worker",
		zap.Bool("broker_mode", cfg.UseBroker),
		zap.Int("max_retries", cfg.MaxRetries))

	otelShutdown, err := observability.SetupOpenTelemetry("campaign-pipeline-worker", logger)
	if err != nil {
		logger.Warn("failed to set up OpenTelemetry", zap.Error(err))
	} else {
		defer otelShutdown()
	}
	metrics := observability.NewMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.NewPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer database.Close()

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

	bus := events.NewBus(natsConn, "campaign-pipeline-worker", logger)
	store := pipeline.NewStore(database, logger)
	brokerQueue := natsq.NewQueue(natsConn, redis, store, logger)
	aggregator := stats.NewAggregator(database, bus, logger)
	contactRepo := contacts.NewPostgresRepository(database, logger)
	renderer := templates.NewMemoryRenderer()

	registry := senders.NewRegistry()
	registry.Register(senders.NewEmailSender(logger, 0.95, 0.03, 20))
	registry.Register(senders.NewSMSSender(logger, 0.95, 0.03, 20))
	registry.Register(senders.NewWhatsAppSender(logger, 0.95, 0.03, 20))
	registry.Register(senders.NewPushSender(logger, 0.97, 0.02, 10))

	// Exactly one execution mode is active per process.
	var broker worker.Broker
	if cfg.UseBroker {
		broker = brokerQueue
	}

	processor := worker.NewProcessor(store, contactRepo, renderer, registry, aggregator,
		broker, bus, metrics, logger, cfg.MaxRetries)

	var requeuer retry.Requeuer
	if cfg.UseBroker {
		requeuer = brokerQueue
	}
	controller := retry.NewController(store, requeuer, aggregator, bus, metrics, logger, retry.Config{
		PollInterval:   cfg.RetryPollInterval(),
		MaxRetries:     cfg.MaxRetries,
		BaseInterval:   cfg.RetryInterval(),
		Multiplier:     cfg.BackoffMultiplier,
		BatchSize:      cfg.RetryBatchSize,
		StuckThreshold: cfg.StuckThreshold(),
	})
	go controller.Run(ctx)

	var processed, failed int64

	if cfg.UseBroker {
		subscription, err := brokerQueue.SubscribeDispatch(func(dispatch *natsq.DispatchJob) {
			procCtx, procCancel := context.WithTimeout(context.Background(), cfg.ProcessTimeout)
			defer procCancel()

			if err := processor.Process(procCtx, dispatch); err != nil {
				atomic.AddInt64(&failed, 1)
				processor.OnFailed(procCtx, dispatch, err)
				return
			}
			atomic.AddInt64(&processed, 1)
		})
		if err != nil {
			logger.Fatal("failed to subscribe to dispatch jobs", zap.Error(err))
		}
		defer subscription.Unsubscribe()

		dlqSubscription, err := brokerQueue.SubscribeDLQ(func(jobID uuid.UUID, reason string, timestamp time.Time) {
			logger.Warn("job landed in DLQ",
				zap.String("job_id", jobID.String()),
				zap.String("reason", reason),
				zap.Time("timestamp", timestamp))
		})
		if err != nil {
			logger.Error("failed to subscribe to DLQ", zap.Error(err))
		} else {
			defer dlqSubscription.Unsubscribe()
		}

		logger.Info("worker started in broker mode, waiting for dispatches...")
	} else {
		poller := worker.NewPoller(store, processor, cfg.PollerMaxInFlight, cfg.ProcessTimeout, logger)
		go poller.Run(ctx)
		logger.Info("worker started in polling mode")
	}

	// Periodic throughput snapshot.
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.Info("worker throughput",
					zap.Int64("processed_total", atomic.LoadInt64(&processed)),
					zap.Int64("failed_total", atomic.LoadInt64(&failed)))
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker...")
	cancel()

	// Give in-flight jobs time to record their outcomes.
	time.Sleep(5 * time.Second)
	logger.Info("worker shutdown complete")
}
