package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaign-pipeline/internal/contacts"
	"campaign-pipeline/internal/events"
	"campaign-pipeline/internal/observability"
	"campaign-pipeline/internal/pipeline"
	natsq "campaign-pipeline/internal/queue/nats"
	"campaign-pipeline/internal/senders"
	"campaign-pipeline/internal/templates"
)

// Store is the slice of the job store the processor mutates through.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*pipeline.Job, error)
	Transition(ctx context.Context, jobID uuid.UUID, to pipeline.Status, fields pipeline.Fields) (*pipeline.Job, error)
	RecordFailure(ctx context.Context, job *pipeline.Job, errMsg string) (*pipeline.Failure, error)
}

// Stats is the aggregator edge. Exactly one of the three is called per job
// over its whole lifetime.
type Stats interface {
	IncrementSent(ctx context.Context, runID uuid.UUID) error
	IncrementFailed(ctx context.Context, runID uuid.UUID) error
	IncrementSkipped(ctx context.Context, runID uuid.UUID) error
}

// Broker is the queue edge used for backoff rescheduling and dead-letter
// mirroring. Nil in poller mode.
type Broker interface {
	EnqueueWithDelay(ctx context.Context, job *natsq.DispatchJob, delay time.Duration) error
	PublishDLQ(ctx context.Context, jobID uuid.UUID, reason string) error
	RecordCompletion(job *pipeline.Job)
	RecordFailure(job *pipeline.Job, errMsg string)
}

type Processor struct {
	store    Store
	contacts contacts.Repository
	renderer templates.Renderer
	registry *senders.Registry
	stats    Stats
	broker   Broker
	bus      *events.Bus
	metrics  *observability.Metrics
	logger   *zap.Logger

	maxAttempts int
	backoffBase time.Duration
}

func NewProcessor(
	store Store,
	contactRepo contacts.Repository,
	renderer templates.Renderer,
	registry *senders.Registry,
	stats Stats,
	broker Broker,
	bus *events.Bus,
	metrics *observability.Metrics,
	logger *zap.Logger,
	maxAttempts int,
) *Processor {
	if maxAttempts <= 0 {
		maxAttempts = natsq.DefaultMaxAttempts
	}
	return &Processor{
		store:       store,
		contacts:    contactRepo,
		renderer:    renderer,
		registry:    registry,
		stats:       stats,
		broker:      broker,
		bus:         bus,
		metrics:     metrics,
		logger:      logger,
		maxAttempts: maxAttempts,
		backoffBase: natsq.DefaultBackoffBaseMs * time.Millisecond,
	}
}

// Process executes one broker dispatch: fetch, claim, validate, render,
// send, record. A returned error means the attempt failed; the caller must
// route it through OnFailed. Skips are successes with skipped=true.
func (p *Processor) Process(ctx context.Context, dispatch *natsq.DispatchJob) error {
	job, err := p.store.Get(ctx, dispatch.JobID)
	if err != nil {
		var notFound *pipeline.JobNotFound
		if errors.As(err, &notFound) {
			// Nothing to mark; the broker must not retry.
			return &pipeline.Error{Code: pipeline.CodeJobNotFound, Message: dispatch.JobID.String(), Cause: err}
		}
		return err
	}

	job, err = p.claim(ctx, job)
	if err != nil {
		return err
	}
	if job == nil {
		// Redelivery of a job some other worker already holds or finished.
		return nil
	}

	return p.execute(ctx, job, dispatch.Attempt, dispatch.CorrelationID)
}

// ProcessClaimed runs a job the poller already moved to PROCESSING.
func (p *Processor) ProcessClaimed(ctx context.Context, job *pipeline.Job) error {
	return p.execute(ctx, job, job.RetryCount+1, "")
}

// claim moves the job into PROCESSING. PENDING jobs (enqueue raced the bulk
// status flip) pass through QUEUED first so every edge stays in the table.
func (p *Processor) claim(ctx context.Context, job *pipeline.Job) (*pipeline.Job, error) {
	switch job.Status {
	case pipeline.StatusPending:
		if _, err := p.store.Transition(ctx, job.ID, pipeline.StatusQueued, pipeline.Fields{}); err != nil {
			return nil, err
		}
		fallthrough
	case pipeline.StatusQueued, pipeline.StatusRetrying:
		claimed, err := p.store.Transition(ctx, job.ID, pipeline.StatusProcessing, pipeline.Fields{})
		if err != nil {
			var invalid *pipeline.InvalidStateTransition
			if errors.As(err, &invalid) {
				// Lost the claim race.
				return nil, nil
			}
			return nil, err
		}
		return claimed, nil
	default:
		p.logger.Debug("skipping job not in a claimable state",
			zap.String("job_id", job.ID.String()),
			zap.String("status", string(job.Status)))
		return nil, nil
	}
}

func (p *Processor) execute(ctx context.Context, job *pipeline.Job, attempt int, correlationID string) error {
	p.publish(events.SubjectJobStarted, job, correlationID, map[string]interface{}{
		"job_id":  job.ID,
		"attempt": attempt,
	})

	if p.metrics != nil {
		p.metrics.JobsInFlight.Inc()
		defer p.metrics.JobsInFlight.Dec()
	}

	contact, err := p.contacts.FindByID(ctx, job.TenantID, job.ContactID)
	if err != nil {
		// Store/infra error: retryable, leave the job for the backoff path.
		return fmt.Errorf("failed to load contact %s: %w", job.ContactID, err)
	}
	if contact == nil {
		return p.skip(ctx, job, pipeline.SkipContactNotFound, "contact not found: "+job.ContactID.String())
	}

	sender, err := p.registry.GetSender(job.Channel)
	if err != nil {
		return p.failUnrecoverable(ctx, job, attempt, correlationID, err.Error())
	}

	recipient := resolveRecipient(job, contact)
	if validation := sender.ValidateRecipient(recipient); !validation.Valid {
		return p.skip(ctx, job, skipReasonFor(job.Channel, recipient.Address), validation.Error)
	}

	content, err := p.render(ctx, job, contact)
	if err != nil {
		return p.skip(ctx, job, pipeline.SkipTemplateError, err.Error())
	}

	// Cancellation is honored before the provider call only; once invoked,
	// the send runs to completion and its outcome is recorded.
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	result := sender.Send(context.WithoutCancel(ctx), recipient, content, senders.Metadata{
		TenantID:      job.TenantID,
		CorrelationID: correlationID,
		CampaignID:    job.CampaignID,
		JobID:         job.ID,
		ContactID:     job.ContactID,
	})
	if p.metrics != nil {
		p.metrics.SendDuration.WithLabelValues(string(job.Channel)).Observe(time.Since(start).Seconds())
	}

	if result.Success {
		updated, err := p.store.Transition(ctx, job.ID, pipeline.StatusSent,
			pipeline.Fields{ProviderMessageID: &result.ProviderMessageID})
		if err != nil {
			return err
		}
		if err := p.stats.IncrementSent(ctx, job.CampaignRunID); err != nil {
			p.logger.Error("failed to increment sent count",
				zap.String("run_id", job.CampaignRunID.String()),
				zap.Error(err))
		}
		if p.broker != nil {
			p.broker.RecordCompletion(updated)
		}
		if p.metrics != nil {
			p.metrics.JobsProcessedTotal.WithLabelValues("sent", string(job.Channel)).Inc()
		}
		p.publish(events.SubjectJobSent, job, correlationID, map[string]interface{}{
			"job_id":              job.ID,
			"provider_message_id": result.ProviderMessageID,
		})
		p.logger.Info("job sent",
			zap.String("job_id", job.ID.String()),
			zap.String("channel", string(job.Channel)),
			zap.String("provider_message_id", result.ProviderMessageID))
		return nil
	}

	if result.Retryable {
		// The broker owns retry accounting; in poller mode the retry
		// controller picks the FAILED row up on its next tick.
		if p.broker == nil {
			now := time.Now()
			if _, err := p.store.Transition(ctx, job.ID, pipeline.StatusFailed,
				pipeline.Fields{ErrorMessage: &result.Error, NextAttemptAt: &now}); err != nil {
				return err
			}
			p.publish(events.SubjectJobFailed, job, correlationID, map[string]interface{}{
				"job_id": job.ID,
				"error":  result.Error,
			})
			return nil
		}
		return pipeline.NewSendFailed(result.Error, true)
	}

	return p.failUnrecoverable(ctx, job, attempt, correlationID, result.Error)
}

// OnFailed is the single failure-accounting path: called by the broker
// consumer after Process returns an error. The final attempt, and only the
// final attempt, transitions to DEAD and increments the failed counter.
func (p *Processor) OnFailed(ctx context.Context, dispatch *natsq.DispatchJob, procErr error) {
	var notFound *pipeline.JobNotFound
	var invalid *pipeline.InvalidStateTransition
	if errors.As(procErr, &notFound) || errors.As(procErr, &invalid) {
		p.logger.Error("unprocessable job failure, not retrying",
			zap.String("job_id", dispatch.JobID.String()),
			zap.Error(procErr))
		return
	}
	var pe *pipeline.Error
	if errors.As(procErr, &pe) && pe.Code == pipeline.CodeJobNotFound {
		p.logger.Warn("job vanished before processing",
			zap.String("job_id", dispatch.JobID.String()))
		return
	}

	job, err := p.store.Get(ctx, dispatch.JobID)
	if err != nil {
		p.logger.Error("failed to load job in failure hook",
			zap.String("job_id", dispatch.JobID.String()),
			zap.Error(err))
		return
	}

	unrecoverable := !pipeline.IsRetryable(procErr)
	if unrecoverable || dispatch.Attempt >= p.maxAttempts {
		p.escalateDead(ctx, job, dispatch.Attempt, dispatch.CorrelationID, procErr.Error())
		return
	}

	delay := p.backoffBase * time.Duration(1<<uint(dispatch.Attempt-1))
	retryCount := dispatch.Attempt
	nextAttempt := time.Now().Add(delay)

	// PROCESSING has no edge to RETRYING; the failed attempt is recorded
	// first, then rescheduled.
	errMsg := procErr.Error()
	if job.Status == pipeline.StatusProcessing {
		if _, err := p.store.Transition(ctx, job.ID, pipeline.StatusFailed,
			pipeline.Fields{ErrorMessage: &errMsg}); err != nil {
			p.logger.Error("failed to record failed attempt", zap.Error(err))
			return
		}
	}
	if _, err := p.store.Transition(ctx, job.ID, pipeline.StatusRetrying,
		pipeline.Fields{RetryCount: &retryCount, NextAttemptAt: &nextAttempt}); err != nil {
		p.logger.Error("failed to schedule retry", zap.Error(err))
		return
	}

	if p.broker != nil {
		if err := p.broker.EnqueueWithDelay(ctx, &natsq.DispatchJob{
			JobID:         dispatch.JobID,
			TenantID:      dispatch.TenantID,
			Attempt:       dispatch.Attempt + 1,
			CorrelationID: dispatch.CorrelationID,
		}, delay); err != nil {
			p.logger.Error("failed to re-enqueue job for retry",
				zap.String("job_id", dispatch.JobID.String()),
				zap.Error(err))
		}
	}

	if p.metrics != nil {
		p.metrics.RetryAttemptsTotal.WithLabelValues("broker").Inc()
	}
	p.publish(events.SubjectJobRetrying, job, dispatch.CorrelationID, map[string]interface{}{
		"job_id":      job.ID,
		"retry_count": retryCount,
		"next_at":     nextAttempt,
	})
}

func (p *Processor) escalateDead(ctx context.Context, job *pipeline.Job, attempt int, correlationID, errMsg string) {
	retryCount := attempt
	if _, err := p.store.RecordFailure(ctx, job, errMsg); err != nil {
		p.logger.Error("failed to record pipeline failure", zap.Error(err))
	}

	if _, err := p.store.Transition(ctx, job.ID, pipeline.StatusDead,
		pipeline.Fields{ErrorMessage: &errMsg, RetryCount: &retryCount}); err != nil {
		var invalid *pipeline.InvalidStateTransition
		if errors.As(err, &invalid) {
			// Already DEAD; the failed counter was incremented by whoever won.
			return
		}
		p.logger.Error("failed to mark job dead", zap.Error(err))
		return
	}

	if err := p.stats.IncrementFailed(ctx, job.CampaignRunID); err != nil {
		p.logger.Error("failed to increment failed count",
			zap.String("run_id", job.CampaignRunID.String()),
			zap.Error(err))
	}
	if p.broker != nil {
		p.broker.RecordFailure(job, errMsg)
		if err := p.broker.PublishDLQ(ctx, job.ID, errMsg); err != nil {
			p.logger.Error("failed to publish DLQ message", zap.Error(err))
		}
	}
	if p.metrics != nil {
		p.metrics.JobsProcessedTotal.WithLabelValues("dead", string(job.Channel)).Inc()
	}
	p.publish(events.SubjectJobDead, job, correlationID, map[string]interface{}{
		"job_id":      job.ID,
		"error":       errMsg,
		"retry_count": retryCount,
	})
	p.logger.Warn("job dead",
		zap.String("job_id", job.ID.String()),
		zap.Int("attempts", attempt),
		zap.String("error", errMsg))
}

// failUnrecoverable records the failed attempt. In broker mode it returns a
// non-retryable error so the failure hook escalates to DEAD; in poller mode
// there is no failure hook, so the escalation happens here, in one attempt,
// before the retry controller can mistake the row for a transient failure.
func (p *Processor) failUnrecoverable(ctx context.Context, job *pipeline.Job, attempt int, correlationID, errMsg string) error {
	failed, err := p.store.Transition(ctx, job.ID, pipeline.StatusFailed,
		pipeline.Fields{ErrorMessage: &errMsg})
	if err != nil {
		return err
	}
	p.publish(events.SubjectJobFailed, job, correlationID, map[string]interface{}{
		"job_id": job.ID,
		"error":  errMsg,
	})
	if p.broker == nil {
		p.escalateDead(ctx, failed, attempt, correlationID, errMsg)
		return nil
	}
	return pipeline.NewSendFailed(errMsg, false)
}

// skip is a terminal non-failure outcome: the skipped counter moves, the
// failed counter never does.
func (p *Processor) skip(ctx context.Context, job *pipeline.Job, reason pipeline.SkipReason, errMsg string) error {
	if _, err := p.store.Transition(ctx, job.ID, pipeline.StatusSkipped,
		pipeline.Fields{SkipReason: &reason, ErrorMessage: &errMsg}); err != nil {
		return err
	}
	if err := p.stats.IncrementSkipped(ctx, job.CampaignRunID); err != nil {
		p.logger.Error("failed to increment skipped count",
			zap.String("run_id", job.CampaignRunID.String()),
			zap.Error(err))
	}
	if p.metrics != nil {
		p.metrics.JobsProcessedTotal.WithLabelValues("skipped", string(job.Channel)).Inc()
	}
	p.logger.Info("job skipped",
		zap.String("job_id", job.ID.String()),
		zap.String("reason", string(reason)))
	return nil
}

func (p *Processor) render(ctx context.Context, job *pipeline.Job, contact *contacts.Contact) (*pipeline.RenderedContent, error) {
	if job.TemplateVersionID != nil {
		return p.renderer.RenderForPipeline(ctx, *job.TemplateVersionID, contact, job.Channel)
	}
	return defaultContent(job, contact), nil
}

// defaultContent builds channel content from the payload attributes when a
// run carries no template version.
func defaultContent(job *pipeline.Job, contact *contacts.Contact) *pipeline.RenderedContent {
	attrs := job.Payload.Attributes
	body := templates.Substitute(attrs["body"], contact)
	switch job.Channel {
	case pipeline.ChannelEmail:
		return &pipeline.RenderedContent{Email: &pipeline.EmailContent{
			Subject:  templates.Substitute(attrs["subject"], contact),
			HTMLBody: body,
			TextBody: body,
		}}
	case pipeline.ChannelSMS:
		return &pipeline.RenderedContent{SMS: &pipeline.SMSContent{Body: body}}
	case pipeline.ChannelWhatsApp:
		return &pipeline.RenderedContent{WhatsApp: &pipeline.WhatsAppContent{Body: body}}
	case pipeline.ChannelPush:
		return &pipeline.RenderedContent{Push: &pipeline.PushContent{
			Title: templates.Substitute(attrs["title"], contact),
			Body:  body,
		}}
	}
	return &pipeline.RenderedContent{}
}

// resolveRecipient prefers the contact's current address over the snapshot
// taken at enqueue time.
func resolveRecipient(job *pipeline.Job, contact *contacts.Contact) senders.Recipient {
	recipient := senders.Recipient{Address: job.Payload.Address, FullName: job.Payload.FullName}
	switch job.Channel {
	case pipeline.ChannelEmail:
		if contact.Email != nil && *contact.Email != "" {
			recipient.Address = *contact.Email
		}
	case pipeline.ChannelSMS, pipeline.ChannelWhatsApp:
		if contact.Phone != nil && *contact.Phone != "" {
			recipient.Address = *contact.Phone
		}
	case pipeline.ChannelPush:
		if token := contact.Attributes["device_token"]; token != "" {
			recipient.Address = token
		}
	}
	if contact.FullName != nil {
		recipient.FullName = *contact.FullName
	}
	return recipient
}

func skipReasonFor(channel pipeline.Channel, address string) pipeline.SkipReason {
	switch channel {
	case pipeline.ChannelEmail:
		if address == "" {
			return pipeline.SkipMissingEmail
		}
		return pipeline.SkipInvalidEmail
	case pipeline.ChannelSMS, pipeline.ChannelWhatsApp:
		if address == "" {
			return pipeline.SkipMissingPhone
		}
		return pipeline.SkipInvalidPhone
	default:
		return pipeline.SkipOther
	}
}

func (p *Processor) publish(subject string, job *pipeline.Job, correlationID string, payload interface{}) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(subject, job.TenantID, correlationID, payload)
}
