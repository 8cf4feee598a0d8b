package producer

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaign-pipeline/internal/events"
	"campaign-pipeline/internal/observability"
	"campaign-pipeline/internal/pipeline"
	"campaign-pipeline/internal/queue"
)

const eventChunkSize = 100

// RunInfo identifies the campaign run a batch belongs to.
type RunInfo struct {
	RunID             uuid.UUID
	CampaignID        uuid.UUID
	TenantID          uuid.UUID
	Channel           string
	TemplateVersionID *uuid.UUID
}

// ContactRecord is the producer's view of one recipient.
type ContactRecord struct {
	ID         uuid.UUID
	Email      *string
	Phone      *string
	FullName   *string
	Attributes map[string]string
}

// Enqueuer is the queue edge the producer needs.
type Enqueuer interface {
	EnqueueBulk(ctx context.Context, jobs []*pipeline.Job, cfg queue.TenantConfig, correlationID string) error
}

// Producer turns a campaign run plus its contact list into PENDING jobs and
// hands them to the queue with per-tenant spacing.
type Producer struct {
	store   *pipeline.Store
	enqueue Enqueuer
	configs *queue.ConfigCache
	bus     *events.Bus
	metrics *observability.Metrics
	logger  *zap.Logger
}

func New(store *pipeline.Store, enqueue Enqueuer, configs *queue.ConfigCache, bus *events.Bus, metrics *observability.Metrics, logger *zap.Logger) *Producer {
	return &Producer{
		store:   store,
		enqueue: enqueue,
		configs: configs,
		bus:     bus,
		metrics: metrics,
		logger:  logger,
	}
}

// EnqueueRun creates one job per contact and schedules the batch. An empty
// contact set is a no-op. A queue outage leaves the jobs in PENDING for the
// polling worker.
func (p *Producer) EnqueueRun(ctx context.Context, run RunInfo, contactList []ContactRecord) ([]*pipeline.Job, error) {
	if len(contactList) == 0 {
		return nil, nil
	}

	channel, err := pipeline.ParseChannel(run.Channel)
	if err != nil {
		return nil, err
	}

	jobs := make([]*pipeline.Job, 0, len(contactList))
	for _, contact := range contactList {
		jobs = append(jobs, &pipeline.Job{
			ID:                uuid.New(),
			TenantID:          run.TenantID,
			CampaignID:        run.CampaignID,
			CampaignRunID:     run.RunID,
			ContactID:         contact.ID,
			TemplateVersionID: run.TemplateVersionID,
			Channel:           channel,
			Payload:           composePayload(channel, contact),
			Status:            pipeline.StatusPending,
		})
	}

	if err := p.store.CreateBulk(ctx, jobs); err != nil {
		return nil, err
	}

	correlationID := uuid.NewString()
	cfg := p.configs.Get(ctx, run.TenantID)

	if err := p.enqueue.EnqueueBulk(ctx, jobs, cfg, correlationID); err != nil {
		// Jobs stay PENDING; the polling worker will pick them up.
		p.logger.Warn("failed to enqueue batch, leaving jobs pending",
			zap.String("run_id", run.RunID.String()),
			zap.Int("count", len(jobs)),
			zap.Error(err))
		return jobs, nil
	}

	ids := make([]uuid.UUID, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}
	if err := p.store.MarkQueuedBulk(ctx, ids); err != nil {
		p.logger.Error("failed to mark batch queued", zap.Error(err))
	}

	if p.metrics != nil {
		p.metrics.JobsEnqueuedTotal.WithLabelValues(string(channel)).Add(float64(len(jobs)))
	}

	if p.bus != nil {
		p.bus.Publish(events.SubjectBatchCreated, run.TenantID, correlationID, map[string]interface{}{
			"campaign_run_id": run.RunID,
			"campaign_id":     run.CampaignID,
			"channel":         channel,
			"job_count":       len(jobs),
		})

		payloads := make([]interface{}, len(jobs))
		for i, job := range jobs {
			payloads[i] = map[string]interface{}{
				"job_id":          job.ID,
				"campaign_run_id": job.CampaignRunID,
				"contact_id":      job.ContactID,
				"channel":         job.Channel,
			}
		}
		p.bus.PublishBatched(events.SubjectJobCreated, run.TenantID, correlationID, payloads, eventChunkSize)
	}

	p.logger.Info("batch enqueued",
		zap.String("run_id", run.RunID.String()),
		zap.String("channel", string(channel)),
		zap.Int("count", len(jobs)))

	return jobs, nil
}

// composePayload snapshots the channel address, display name and
// pass-through attributes onto the job.
func composePayload(channel pipeline.Channel, contact ContactRecord) pipeline.Payload {
	payload := pipeline.Payload{Attributes: contact.Attributes}
	if contact.FullName != nil {
		payload.FullName = *contact.FullName
	}

	switch channel {
	case pipeline.ChannelEmail:
		if contact.Email != nil {
			payload.Address = *contact.Email
		}
	case pipeline.ChannelSMS, pipeline.ChannelWhatsApp:
		if contact.Phone != nil {
			payload.Address = *contact.Phone
		}
	case pipeline.ChannelPush:
		payload.Address = contact.Attributes["device_token"]
	}
	return payload
}
