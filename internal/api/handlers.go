package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaign-pipeline/internal/auth"
	"campaign-pipeline/internal/pipeline"
	"campaign-pipeline/internal/producer"
	"campaign-pipeline/internal/queue"
	natsq "campaign-pipeline/internal/queue/nats"
	"campaign-pipeline/internal/stats"
	"campaign-pipeline/internal/webhook"
)

// Healthy thresholds for /pipeline/health.
const (
	maxHealthyDead   = 100
	maxHealthyFailed = 1000
)

type Handlers struct {
	logger     *zap.Logger
	store      *pipeline.Store
	producer   *producer.Producer
	aggregator *stats.Aggregator
	queue      *natsq.Queue
	webhooks   *webhook.Service
	configs    *queue.ConfigCache

	ready func(ctx context.Context) error
}

func NewHandlers(
	logger *zap.Logger,
	store *pipeline.Store,
	prod *producer.Producer,
	aggregator *stats.Aggregator,
	q *natsq.Queue,
	webhooks *webhook.Service,
	configs *queue.ConfigCache,
	ready func(ctx context.Context) error,
) *Handlers {
	return &Handlers{
		logger:     logger,
		store:      store,
		producer:   prod,
		aggregator: aggregator,
		queue:      q,
		webhooks:   webhooks,
		configs:    configs,
		ready:      ready,
	}
}

func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "healthy", "timestamp": time.Now().Unix()})
}

func (h *Handlers) ReadyCheck(c *fiber.Ctx) error {
	if h.ready != nil {
		if err := h.ready(c.Context()); err != nil {
			return c.Status(503).JSON(fiber.Map{"status": "not ready", "error": err.Error()})
		}
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

type EnqueueRunRequest struct {
	RunID             uuid.UUID                `json:"run_id"`
	CampaignID        uuid.UUID                `json:"campaign_id"`
	Channel           string                   `json:"channel"`
	TemplateVersionID *uuid.UUID               `json:"template_version_id,omitempty"`
	Contacts          []producer.ContactRecord `json:"contacts"`
}

// EnqueueRun handles POST /v1/pipeline/runs
//
//	@Summary	Fan a campaign run out into pipeline jobs
//	@Success	202	{object}	map[string]interface{}	"Jobs created and queued"
func (h *Handlers) EnqueueRun(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return c.Status(401).JSON(fiber.Map{"error": "unauthenticated"})
	}

	var req EnqueueRunRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
	}
	if req.RunID == uuid.Nil || req.CampaignID == uuid.Nil {
		return c.Status(400).JSON(fiber.Map{"error": "run_id and campaign_id are required"})
	}

	jobs, err := h.producer.EnqueueRun(c.Context(), producer.RunInfo{
		RunID:             req.RunID,
		CampaignID:        req.CampaignID,
		TenantID:          tenant.ID,
		Channel:           req.Channel,
		TemplateVersionID: req.TemplateVersionID,
	}, req.Contacts)
	if err != nil {
		var pe *pipeline.Error
		if errors.As(err, &pe) && pe.Code == pipeline.CodeChannelNotSupported {
			return c.Status(400).JSON(fiber.Map{"error": pe.Error()})
		}
		h.logger.Error("failed to enqueue run", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}

	return c.Status(202).JSON(fiber.Map{"job_count": len(jobs)})
}

// ListJobs handles GET /pipeline/jobs
func (h *Handlers) ListJobs(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return c.Status(401).JSON(fiber.Map{"error": "unauthenticated"})
	}

	filter := pipeline.Filter{}
	if v := c.Query("campaign_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid campaign_id"})
		}
		filter.CampaignID = &id
	}
	if v := c.Query("campaign_run_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid campaign_run_id"})
		}
		filter.CampaignRunID = &id
	}
	if v := c.Query("contact_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid contact_id"})
		}
		filter.ContactID = &id
	}
	if v := c.Query("status"); v != "" {
		status := pipeline.Status(v)
		filter.Status = &status
	}
	if v := c.Query("channel"); v != "" {
		channel, err := pipeline.ParseChannel(v)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid channel"})
		}
		filter.Channel = &channel
	}

	page := pipeline.Page{
		Limit:  c.QueryInt("limit", 50),
		Offset: c.QueryInt("offset", 0),
	}

	jobs, err := h.store.FindJobs(c.Context(), tenant.ID, filter, page)
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(fiber.Map{"jobs": jobs, "count": len(jobs)})
}

// GetJob handles GET /pipeline/jobs/:id
func (h *Handlers) GetJob(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return c.Status(401).JSON(fiber.Map{"error": "unauthenticated"})
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid job id"})
	}

	job, err := h.store.FindByID(c.Context(), tenant.ID, id)
	if err != nil {
		if _, ok := err.(*pipeline.JobNotFound); ok {
			return c.Status(404).JSON(fiber.Map{"error": "job not found"})
		}
		h.logger.Error("failed to get job", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(job)
}

// ListFailures handles GET /pipeline/failures
func (h *Handlers) ListFailures(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return c.Status(401).JSON(fiber.Map{"error": "unauthenticated"})
	}

	failures, err := h.store.ListFailures(c.Context(), tenant.ID, pipeline.Page{
		Limit:  c.QueryInt("limit", 50),
		Offset: c.QueryInt("offset", 0),
	})
	if err != nil {
		h.logger.Error("failed to list failures", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(fiber.Map{"failures": failures, "count": len(failures)})
}

// ListDead handles GET /pipeline/dead
func (h *Handlers) ListDead(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return c.Status(401).JSON(fiber.Map{"error": "unauthenticated"})
	}

	dead := pipeline.StatusDead
	jobs, err := h.store.FindJobs(c.Context(), tenant.ID, pipeline.Filter{Status: &dead}, pipeline.Page{
		Limit:  c.QueryInt("limit", 50),
		Offset: c.QueryInt("offset", 0),
	})
	if err != nil {
		h.logger.Error("failed to list dead jobs", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(fiber.Map{"jobs": jobs, "count": len(jobs)})
}

// CampaignStats handles GET /pipeline/jobs/campaign/:id/stats
func (h *Handlers) CampaignStats(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return c.Status(401).JSON(fiber.Map{"error": "unauthenticated"})
	}

	campaignID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid campaign id"})
	}

	counts, err := h.store.CountByCampaign(c.Context(), tenant.ID, campaignID)
	if err != nil {
		h.logger.Error("failed to count campaign jobs", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(fiber.Map{"campaign_id": campaignID, "counts": counts})
}

// RetryJob handles POST /pipeline/retry/:id — the DEAD -> PENDING escape.
func (h *Handlers) RetryJob(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return c.Status(401).JSON(fiber.Map{"error": "unauthenticated"})
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid job id"})
	}

	job, err := h.store.FindByID(c.Context(), tenant.ID, id)
	if err != nil {
		if _, ok := err.(*pipeline.JobNotFound); ok {
			return c.Status(404).JSON(fiber.Map{"error": "job not found"})
		}
		h.logger.Error("failed to load job for retry", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}

	zero := 0
	now := time.Now()
	updated, err := h.store.Transition(c.Context(), job.ID, pipeline.StatusPending,
		pipeline.Fields{RetryCount: &zero, NextAttemptAt: &now})
	if err != nil {
		if ist, ok := err.(*pipeline.InvalidStateTransition); ok {
			return c.Status(400).JSON(fiber.Map{
				"error": "job cannot be retried",
				"from":  ist.From,
			})
		}
		h.logger.Error("failed to reset job", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}

	if h.queue != nil {
		if err := h.queue.Retry(c.Context(), job.ID, tenant.ID, 1); err != nil {
			h.logger.Warn("failed to redispatch retried job, poller will pick it up",
				zap.String("job_id", job.ID.String()),
				zap.Error(err))
		}
	}

	h.logger.Info("job manually retried",
		zap.String("job_id", job.ID.String()),
		zap.String("tenant_id", tenant.ID.String()))

	return c.JSON(fiber.Map{"job_id": updated.ID, "status": updated.Status})
}

// PipelineHealth handles GET /pipeline/health
func (h *Handlers) PipelineHealth(c *fiber.Ctx) error {
	counts, err := h.store.CountByStatus(c.Context(), nil)
	if err != nil {
		h.logger.Error("failed to count jobs", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}

	dead := counts[pipeline.StatusDead]
	failed := counts[pipeline.StatusFailed]
	return c.JSON(fiber.Map{
		"pendingJobs":    counts[pipeline.StatusPending],
		"processingJobs": counts[pipeline.StatusProcessing],
		"failedJobs":     failed,
		"deadJobs":       dead,
		"isHealthy":      dead < maxHealthyDead && failed < maxHealthyFailed,
	})
}

// Observe handles GET /pipeline/observe
func (h *Handlers) Observe(c *fiber.Ctx) error {
	if h.queue == nil {
		return c.Status(503).JSON(fiber.Map{"error": "broker not configured"})
	}
	obs, err := h.queue.Observe(c.Context())
	if err != nil {
		h.logger.Error("failed to observe queue", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(obs)
}

// RunStats handles GET /pipeline/runs/:id/stats
func (h *Handlers) RunStats(c *fiber.Ctx) error {
	runID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid run id"})
	}
	run, err := h.aggregator.GetRun(c.Context(), runID)
	if err != nil {
		return c.Status(404).JSON(fiber.Map{"error": "run not found"})
	}
	return c.JSON(run)
}

// RecalculateRunStats handles POST /pipeline/runs/:id/recalculate
func (h *Handlers) RecalculateRunStats(c *fiber.Ctx) error {
	runID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid run id"})
	}
	if err := h.aggregator.RecalculateStats(c.Context(), runID); err != nil {
		h.logger.Error("failed to recalculate stats", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	run, err := h.aggregator.GetRun(c.Context(), runID)
	if err != nil {
		return c.Status(404).JSON(fiber.Map{"error": "run not found"})
	}
	return c.JSON(run)
}

// SetTenantConfig handles PUT /pipeline/config
func (h *Handlers) SetTenantConfig(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return c.Status(401).JSON(fiber.Map{"error": "unauthenticated"})
	}

	var cfg queue.TenantConfig
	if err := c.BodyParser(&cfg); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid config"})
	}
	if cfg.Priority < 1 || cfg.Priority > 10 {
		return c.Status(400).JSON(fiber.Map{"error": "priority must be between 1 and 10"})
	}
	if err := h.configs.Set(c.Context(), tenant.ID, cfg); err != nil {
		h.logger.Error("failed to store tenant config", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(cfg)
}

// ClearTenantConfig handles DELETE /pipeline/config
func (h *Handlers) ClearTenantConfig(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return c.Status(401).JSON(fiber.Map{"error": "unauthenticated"})
	}
	if err := h.configs.Clear(c.Context(), tenant.ID); err != nil {
		h.logger.Error("failed to clear tenant config", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	return c.SendStatus(204)
}

// EmailEvents handles POST /webhooks/email/events. Processing errors still
// return 200 so the provider does not retry; only an invalid signature, a
// body that is not a JSON event array, or an empty batch is rejected.
func (h *Handlers) EmailEvents(c *fiber.Ctx) error {
	rawBody := c.Body()

	signature := c.Get("X-Email-Webhook-Signature")
	timestamp := c.Get("X-Email-Webhook-Timestamp")
	if !h.webhooks.VerifySignature(rawBody, signature, timestamp) {
		return c.Status(403).JSON(fiber.Map{"error": "invalid signature"})
	}

	var evts []webhook.ProviderEvent
	if err := json.Unmarshal(rawBody, &evts); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid payload"})
	}
	if len(evts) == 0 {
		return c.Status(400).JSON(fiber.Map{"error": "empty event batch"})
	}

	processed, errored := h.webhooks.ProcessEvents(c.Context(), evts)
	return c.JSON(fiber.Map{"ok": true, "processed": processed, "errors": errored})
}
