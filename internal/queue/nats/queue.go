package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"campaign-pipeline/internal/db"
	"campaign-pipeline/internal/pipeline"
	"campaign-pipeline/internal/queue"
)

const (
	SubjectDispatch = "pipeline.jobs.dispatch"
	SubjectDLQ      = "pipeline.jobs.dlq"

	// Worker queue group so dispatches are load-balanced, not broadcast.
	workerGroup = "pipeline-workers"

	// Broker-side retry policy.
	DefaultMaxAttempts   = 3
	DefaultBackoffBaseMs = 2000

	recentCompletedKeep = 1000
	recentFailedKeep    = 5000
)

// DispatchJob is the broker message: job identity plus the attempt counter
// and the correlation id threaded from the producer.
type DispatchJob struct {
	JobID         uuid.UUID `json:"job_id"`
	TenantID      uuid.UUID `json:"tenant_id"`
	Attempt       int       `json:"attempt"`
	Priority      int       `json:"priority"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

type RecentJob struct {
	JobID      uuid.UUID `json:"job_id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	Channel    string    `json:"channel"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Observation is the read-only dashboard projection.
type Observation struct {
	CountsByStatus    map[pipeline.Status]int `json:"counts_by_status"`
	RecentCompletions []RecentJob             `json:"recent_completions"`
	RecentFailures    []RecentJob             `json:"recent_failures"`
}

func NewConn(natsURL string, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("Campaign Pipeline"),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("connected to NATS", zap.String("url", conn.ConnectedUrl()))
	return conn, nil
}

// Queue is the NATS-backed work broker. Job identity in the broker is the
// store's job id; a Redis guard makes re-enqueueing the same (id, attempt)
// a no-op.
type Queue struct {
	conn   *nats.Conn
	redis  *db.RedisDB
	store  *pipeline.Store
	logger *zap.Logger

	mu              sync.Mutex
	recentCompleted []RecentJob
	recentFailed    []RecentJob
}

func NewQueue(conn *nats.Conn, redis *db.RedisDB, store *pipeline.Store, logger *zap.Logger) *Queue {
	return &Queue{
		conn:   conn,
		redis:  redis,
		store:  store,
		logger: logger,
	}
}

func (q *Queue) HealthCheck(ctx context.Context) error {
	if q.conn.Status() != nats.CONNECTED {
		return fmt.Errorf("NATS not connected, status: %v", q.conn.Status())
	}
	return nil
}

// EnqueueBulk schedules every job with an individual delay derived from the
// tenant's rate limit and base delay. Already-enqueued ids are skipped.
func (q *Queue) EnqueueBulk(ctx context.Context, jobs []*pipeline.Job, cfg queue.TenantConfig, correlationID string) error {
	for i, job := range jobs {
		delay := queue.DispatchDelay(i, cfg)
		if err := q.publishDispatch(ctx, &DispatchJob{
			JobID:         job.ID,
			TenantID:      job.TenantID,
			Attempt:       1,
			Priority:      cfg.Priority,
			CorrelationID: correlationID,
		}, delay); err != nil {
			return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
		}
	}
	return nil
}

// Retry reschedules a job immediately; used by the operator retry endpoint
// and the retry controller.
func (q *Queue) Retry(ctx context.Context, jobID, tenantID uuid.UUID, attempt int) error {
	return q.publishDispatch(ctx, &DispatchJob{
		JobID:    jobID,
		TenantID: tenantID,
		Attempt:  attempt,
	}, 0)
}

// EnqueueWithDelay schedules a single dispatch after the given backoff.
func (q *Queue) EnqueueWithDelay(ctx context.Context, job *DispatchJob, delay time.Duration) error {
	return q.publishDispatch(ctx, job, delay)
}

func (q *Queue) publishDispatch(ctx context.Context, job *DispatchJob, delay time.Duration) error {
	// Enqueue idempotency: one dispatch per (job, attempt).
	guard := fmt.Sprintf("pipeline:enqueued:%s:%d", job.JobID, job.Attempt)
	ok, err := q.redis.SetNX(ctx, guard, 1, 24*time.Hour).Result()
	if err != nil {
		q.logger.Warn("enqueue idempotency check failed, enqueueing anyway",
			zap.String("job_id", job.JobID.String()),
			zap.Error(err))
	} else if !ok {
		q.logger.Debug("job already enqueued, skipping",
			zap.String("job_id", job.JobID.String()),
			zap.Int("attempt", job.Attempt))
		return nil
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch job: %w", err)
	}

	if delay <= 0 {
		if err := q.conn.Publish(SubjectDispatch, data); err != nil {
			return fmt.Errorf("failed to publish dispatch: %w", err)
		}
		return nil
	}

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
			if err := q.conn.Publish(SubjectDispatch, data); err != nil {
				q.logger.Error("failed to publish delayed dispatch",
					zap.String("job_id", job.JobID.String()),
					zap.Error(err))
			}
		case <-ctx.Done():
			q.logger.Debug("delayed dispatch cancelled",
				zap.String("job_id", job.JobID.String()))
		}
	}()

	q.logger.Debug("scheduled delayed dispatch",
		zap.String("job_id", job.JobID.String()),
		zap.Int("attempt", job.Attempt),
		zap.Duration("delay", delay))

	return nil
}

// PublishDLQ mirrors a DEAD transition onto the broker's dead-letter subject
// for operator tooling.
func (q *Queue) PublishDLQ(ctx context.Context, jobID uuid.UUID, reason string) error {
	payload := map[string]interface{}{
		"job_id":    jobID,
		"reason":    reason,
		"timestamp": time.Now(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ message: %w", err)
	}
	if err := q.conn.Publish(SubjectDLQ, data); err != nil {
		return fmt.Errorf("failed to publish DLQ message: %w", err)
	}
	q.logger.Warn("job sent to DLQ",
		zap.String("job_id", jobID.String()),
		zap.String("reason", reason))
	return nil
}

// SubscribeDispatch consumes dispatch messages in the worker queue group.
func (q *Queue) SubscribeDispatch(handler func(job *DispatchJob)) (*nats.Subscription, error) {
	return q.conn.QueueSubscribe(SubjectDispatch, workerGroup, func(msg *nats.Msg) {
		var job DispatchJob
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			q.logger.Error("failed to unmarshal dispatch job", zap.Error(err))
			return
		}
		handler(&job)
	})
}

// SubscribeDLQ consumes dead-letter notifications for monitoring.
func (q *Queue) SubscribeDLQ(handler func(jobID uuid.UUID, reason string, timestamp time.Time)) (*nats.Subscription, error) {
	return q.conn.Subscribe(SubjectDLQ, func(msg *nats.Msg) {
		var payload struct {
			JobID     uuid.UUID `json:"job_id"`
			Reason    string    `json:"reason"`
			Timestamp time.Time `json:"timestamp"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			q.logger.Error("failed to unmarshal DLQ message", zap.Error(err))
			return
		}
		handler(payload.JobID, payload.Reason, payload.Timestamp)
	})
}

// RecordCompletion feeds the recent-completions ring used by Observe.
func (q *Queue) RecordCompletion(job *pipeline.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.recentCompleted = appendBounded(q.recentCompleted, RecentJob{
		JobID:      job.ID,
		TenantID:   job.TenantID,
		Channel:    string(job.Channel),
		FinishedAt: time.Now(),
	}, recentCompletedKeep)
}

func (q *Queue) RecordFailure(job *pipeline.Job, errMsg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.recentFailed = appendBounded(q.recentFailed, RecentJob{
		JobID:      job.ID,
		TenantID:   job.TenantID,
		Channel:    string(job.Channel),
		Error:      errMsg,
		FinishedAt: time.Now(),
	}, recentFailedKeep)
}

// Observe returns the dashboard projection: store-backed counts plus the
// in-memory recents.
func (q *Queue) Observe(ctx context.Context) (*Observation, error) {
	counts, err := q.store.CountByStatus(ctx, nil)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	completions := make([]RecentJob, len(q.recentCompleted))
	copy(completions, q.recentCompleted)
	failures := make([]RecentJob, len(q.recentFailed))
	copy(failures, q.recentFailed)
	q.mu.Unlock()

	return &Observation{
		CountsByStatus:    counts,
		RecentCompletions: completions,
		RecentFailures:    failures,
	}, nil
}

func appendBounded(ring []RecentJob, item RecentJob, keep int) []RecentJob {
	ring = append(ring, item)
	if len(ring) > keep {
		ring = ring[len(ring)-keep:]
	}
	return ring
}
