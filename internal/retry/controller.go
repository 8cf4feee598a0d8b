package retry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaign-pipeline/internal/events"
	"campaign-pipeline/internal/observability"
	"campaign-pipeline/internal/pipeline"
	natsq "campaign-pipeline/internal/queue/nats"
)

const reapedError = "worker lost: job exceeded processing threshold"

// Store is the slice of the job store the controller drives.
type Store interface {
	FindRetryable(ctx context.Context, maxRetries, limit int) ([]*pipeline.Job, error)
	FindStuckProcessing(ctx context.Context, threshold time.Duration, limit int) ([]*pipeline.Job, error)
	Transition(ctx context.Context, jobID uuid.UUID, to pipeline.Status, fields pipeline.Fields) (*pipeline.Job, error)
	RecordFailure(ctx context.Context, job *pipeline.Job, errMsg string) (*pipeline.Failure, error)
}

type Stats interface {
	IncrementFailed(ctx context.Context, runID uuid.UUID) error
}

// Requeuer is the broker edge; nil in poller mode.
type Requeuer interface {
	Retry(ctx context.Context, jobID, tenantID uuid.UUID, attempt int) error
	EnqueueWithDelay(ctx context.Context, job *natsq.DispatchJob, delay time.Duration) error
	PublishDLQ(ctx context.Context, jobID uuid.UUID, reason string) error
}

type Config struct {
	PollInterval   time.Duration
	MaxRetries     int
	BaseInterval   time.Duration
	Multiplier     int
	BatchSize      int
	StuckThreshold time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   30 * time.Second,
		MaxRetries:     3,
		BaseInterval:   time.Minute,
		Multiplier:     2,
		BatchSize:      100,
		StuckThreshold: 5 * time.Minute,
	}
}

// Controller is the background task that promotes FAILED jobs past their
// backoff and escalates exhausted ones to DEAD. It also reaps jobs stuck in
// PROCESSING, the only recovery from a crashed worker.
type Controller struct {
	store   Store
	queue   Requeuer
	stats   Stats
	bus     *events.Bus
	metrics *observability.Metrics
	logger  *zap.Logger
	cfg     Config
}

func NewController(store Store, queue Requeuer, stats Stats, bus *events.Bus, metrics *observability.Metrics, logger *zap.Logger, cfg Config) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = DefaultConfig().BaseInterval
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = DefaultConfig().Multiplier
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = DefaultConfig().StuckThreshold
	}
	return &Controller{
		store:   store,
		queue:   queue,
		stats:   stats,
		bus:     bus,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
	}
}

// Run ticks until ctx is cancelled; the in-flight tick finishes before it
// returns.
func (c *Controller) Run(ctx context.Context) {
	c.logger.Info("retry controller started",
		zap.Duration("poll_interval", c.cfg.PollInterval),
		zap.Int("max_retries", c.cfg.MaxRetries))

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("retry controller stopped")
			return
		case <-ticker.C:
			c.Tick(context.WithoutCancel(ctx))
		}
	}
}

// Tick runs one controller pass: reap stuck jobs, then reschedule or
// escalate every due FAILED/RETRYING job.
func (c *Controller) Tick(ctx context.Context) {
	c.reapStuck(ctx)

	jobs, err := c.store.FindRetryable(ctx, c.cfg.MaxRetries, c.cfg.BatchSize)
	if err != nil {
		c.logger.Error("failed to load retryable jobs", zap.Error(err))
		return
	}

	for _, job := range jobs {
		if job.RetryCount >= c.cfg.MaxRetries {
			c.escalate(ctx, job)
			continue
		}
		c.reschedule(ctx, job)
	}
}

// Backoff returns baseInterval * multiplier^retryCount.
func (c *Controller) Backoff(retryCount int) time.Duration {
	delay := c.cfg.BaseInterval
	for i := 0; i < retryCount; i++ {
		delay *= time.Duration(c.cfg.Multiplier)
	}
	return delay
}

func (c *Controller) reschedule(ctx context.Context, job *pipeline.Job) {
	delay := c.Backoff(job.RetryCount)
	nextAttempt := time.Now().Add(delay)
	retryCount := job.RetryCount + 1

	if c.queue != nil {
		if job.Status == pipeline.StatusFailed {
			if _, err := c.store.Transition(ctx, job.ID, pipeline.StatusRetrying,
				pipeline.Fields{RetryCount: &retryCount, NextAttemptAt: &nextAttempt}); err != nil {
				c.logger.Error("failed to schedule retry", zap.String("job_id", job.ID.String()), zap.Error(err))
				return
			}
			if err := c.queue.EnqueueWithDelay(ctx, &natsq.DispatchJob{
				JobID:    job.ID,
				TenantID: job.TenantID,
				Attempt:  retryCount + 1,
			}, delay); err != nil {
				c.logger.Error("failed to enqueue retry", zap.String("job_id", job.ID.String()), zap.Error(err))
			}
		} else {
			// A RETRYING job past its due time lost its broker dispatch;
			// requeue it immediately.
			if _, err := c.store.Transition(ctx, job.ID, pipeline.StatusQueued, pipeline.Fields{}); err != nil {
				c.logger.Error("failed to requeue job", zap.String("job_id", job.ID.String()), zap.Error(err))
				return
			}
			if err := c.queue.Retry(ctx, job.ID, job.TenantID, job.RetryCount+1); err != nil {
				c.logger.Error("failed to redispatch job", zap.String("job_id", job.ID.String()), zap.Error(err))
			}
		}
	} else {
		// Poller mode: route through the PENDING escape so the claim loop
		// picks the job up once next_attempt_at passes.
		if job.Status == pipeline.StatusRetrying {
			msg := "rerouted from broker retry to polling worker"
			if _, err := c.store.Transition(ctx, job.ID, pipeline.StatusFailed,
				pipeline.Fields{ErrorMessage: &msg}); err != nil {
				c.logger.Error("failed to reroute retrying job", zap.String("job_id", job.ID.String()), zap.Error(err))
				return
			}
		}
		if _, err := c.store.Transition(ctx, job.ID, pipeline.StatusPending,
			pipeline.Fields{RetryCount: &retryCount, NextAttemptAt: &nextAttempt}); err != nil {
			c.logger.Error("failed to schedule poller retry", zap.String("job_id", job.ID.String()), zap.Error(err))
			return
		}
	}

	if c.metrics != nil {
		c.metrics.RetryAttemptsTotal.WithLabelValues("controller").Inc()
	}
	if c.bus != nil {
		c.bus.Publish(events.SubjectJobRetrying, job.TenantID, "", map[string]interface{}{
			"job_id":      job.ID,
			"retry_count": retryCount,
			"next_at":     nextAttempt,
		})
	}
	c.logger.Info("job rescheduled",
		zap.String("job_id", job.ID.String()),
		zap.Int("retry_count", retryCount),
		zap.Duration("delay", delay))
}

func (c *Controller) escalate(ctx context.Context, job *pipeline.Job) {
	errMsg := "retries exhausted"
	if job.ErrorMessage != nil {
		errMsg = *job.ErrorMessage
	}

	if _, err := c.store.RecordFailure(ctx, job, errMsg); err != nil {
		c.logger.Error("failed to record pipeline failure", zap.Error(err))
	}

	if _, err := c.store.Transition(ctx, job.ID, pipeline.StatusDead,
		pipeline.Fields{ErrorMessage: &errMsg}); err != nil {
		// Lost the race with the broker's failure hook; counters already moved.
		c.logger.Debug("job already escalated", zap.String("job_id", job.ID.String()), zap.Error(err))
		return
	}

	if err := c.stats.IncrementFailed(ctx, job.CampaignRunID); err != nil {
		c.logger.Error("failed to increment failed count",
			zap.String("run_id", job.CampaignRunID.String()),
			zap.Error(err))
	}
	if c.queue != nil {
		if err := c.queue.PublishDLQ(ctx, job.ID, errMsg); err != nil {
			c.logger.Error("failed to publish DLQ message", zap.Error(err))
		}
	}
	if c.bus != nil {
		c.bus.Publish(events.SubjectJobDead, job.TenantID, "", map[string]interface{}{
			"job_id":      job.ID,
			"error":       errMsg,
			"retry_count": job.RetryCount,
		})
	}
	c.logger.Warn("job escalated to dead",
		zap.String("job_id", job.ID.String()),
		zap.Int("retry_count", job.RetryCount))
}

func (c *Controller) reapStuck(ctx context.Context) {
	jobs, err := c.store.FindStuckProcessing(ctx, c.cfg.StuckThreshold, c.cfg.BatchSize)
	if err != nil {
		c.logger.Error("failed to load stuck jobs", zap.Error(err))
		return
	}

	for _, job := range jobs {
		errMsg := reapedError
		now := time.Now()
		if _, err := c.store.Transition(ctx, job.ID, pipeline.StatusFailed,
			pipeline.Fields{ErrorMessage: &errMsg, NextAttemptAt: &now}); err != nil {
			c.logger.Error("failed to reap stuck job", zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		c.logger.Warn("reaped stuck job",
			zap.String("job_id", job.ID.String()),
			zap.Timep("processing_at", job.ProcessingAt))
	}
}
