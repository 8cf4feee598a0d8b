package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaign-pipeline/internal/contacts"
	"campaign-pipeline/internal/events"
	"campaign-pipeline/internal/observability"
	"campaign-pipeline/internal/pipeline"
)

// ProviderEvent is one entry of the ESP's event webhook payload.
type ProviderEvent struct {
	Event       string `json:"event"`
	SGMessageID string `json:"sg_message_id"`
	Email       string `json:"email"`
	Timestamp   int64  `json:"timestamp"`
	Type        string `json:"type,omitempty"`
	Reason      string `json:"reason,omitempty"`
	URL         string `json:"url,omitempty"`
	IP          string `json:"ip,omitempty"`
	UserAgent   string `json:"useragent,omitempty"`
}

// Store is the job-store slice the reconciler needs. TransitionFromSent
// applies the from = SENT guard inside one transaction.
type Store interface {
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*pipeline.Job, error)
	TransitionFromSent(ctx context.Context, jobID uuid.UUID, to pipeline.Status, fields pipeline.Fields) (*pipeline.Job, error)
	RecordFailure(ctx context.Context, job *pipeline.Job, errMsg string) (*pipeline.Failure, error)
}

// Service correlates provider callbacks to jobs and advances SENT jobs to
// DELIVERED or FAILED.
type Service struct {
	store    Store
	contacts contacts.Repository
	bus      *events.Bus
	metrics  *observability.Metrics
	logger   *zap.Logger

	// Base64 shared key; empty disables verification (with a warning).
	verificationKey string
}

func NewService(store Store, contactRepo contacts.Repository, bus *events.Bus, metrics *observability.Metrics, logger *zap.Logger, verificationKey string) *Service {
	return &Service{
		store:           store,
		contacts:        contactRepo,
		bus:             bus,
		metrics:         metrics,
		logger:          logger,
		verificationKey: verificationKey,
	}
}

// VerifySignature checks HMAC-SHA-256(key, timestamp || rawBody) against the
// hex signature header using a constant-time compare. With no configured key
// every request is accepted, loudly.
func (s *Service) VerifySignature(rawBody []byte, signature, timestamp string) bool {
	if s.verificationKey == "" {
		s.logger.Warn("webhook verification key not configured, accepting unsigned request")
		return true
	}

	key, err := base64.StdEncoding.DecodeString(s.verificationKey)
	if err != nil {
		s.logger.Error("webhook verification key is not valid base64", zap.Error(err))
		return false
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp))
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, provided)
}

// ProcessEvents applies a batch, counting per-event outcomes. Processing
// errors never bubble to the HTTP layer; the provider must not retry.
func (s *Service) ProcessEvents(ctx context.Context, evts []ProviderEvent) (processed, errored int) {
	for i := range evts {
		if err := s.processEvent(ctx, &evts[i]); err != nil {
			errored++
			s.logger.Error("failed to process webhook event",
				zap.String("event", evts[i].Event),
				zap.Error(err))
			continue
		}
		processed++
	}
	return processed, errored
}

func (s *Service) processEvent(ctx context.Context, evt *ProviderEvent) error {
	if s.metrics != nil {
		s.metrics.WebhookEventsTotal.WithLabelValues(evt.Event).Inc()
	}

	providerMessageID := extractMessageID(evt.SGMessageID)
	if providerMessageID == "" {
		s.logger.Info("webhook event without message id, dropping",
			zap.String("event", evt.Event))
		return nil
	}

	job, err := s.store.FindByProviderMessageID(ctx, providerMessageID)
	if err != nil {
		if _, ok := err.(*pipeline.JobNotFound); ok {
			s.logger.Info("webhook event for unknown message, dropping",
				zap.String("provider_message_id", providerMessageID),
				zap.String("event", evt.Event))
			return nil
		}
		return err
	}

	switch evt.Event {
	case "delivered":
		return s.handleDelivered(ctx, job)
	case "bounce":
		return s.handleBounce(ctx, job, fmt.Sprintf("Bounce(%s): %s", evt.Type, evt.Reason))
	case "dropped":
		return s.handleBounce(ctx, job, fmt.Sprintf("Dropped: %s", evt.Reason))
	case "open":
		s.recordTimeline(ctx, job, contacts.EventEmailOpened, map[string]string{
			"ip": evt.IP, "user_agent": evt.UserAgent,
		})
		return nil
	case "click":
		s.recordTimeline(ctx, job, contacts.EventEmailClicked, map[string]string{
			"ip": evt.IP, "user_agent": evt.UserAgent, "url": evt.URL,
		})
		return nil
	case "spamreport", "unsubscribe", "group_unsubscribe":
		s.recordTimeline(ctx, job, contacts.EventConsentUpdated, map[string]string{
			"action": "revoke", "source": evt.Event,
		})
		return nil
	case "deferred", "processed":
		s.logger.Debug("provider event ignored",
			zap.String("event", evt.Event),
			zap.String("provider_message_id", providerMessageID))
		return nil
	default:
		s.logger.Debug("unrecognized provider event",
			zap.String("event", evt.Event))
		return nil
	}
}

func (s *Service) handleDelivered(ctx context.Context, job *pipeline.Job) error {
	updated, err := s.store.TransitionFromSent(ctx, job.ID, pipeline.StatusDelivered, pipeline.Fields{})
	if err != nil {
		return err
	}
	if updated == nil {
		// Not in SENT (repeat delivery, late bounce already applied): no-op.
		return nil
	}
	if s.bus != nil {
		s.bus.Publish(events.SubjectJobDelivered, job.TenantID, "", map[string]interface{}{
			"job_id": job.ID,
		})
	}
	s.logger.Info("job delivered",
		zap.String("job_id", job.ID.String()))
	return nil
}

func (s *Service) handleBounce(ctx context.Context, job *pipeline.Job, errMsg string) error {
	updated, err := s.store.TransitionFromSent(ctx, job.ID, pipeline.StatusFailed,
		pipeline.Fields{ErrorMessage: &errMsg})
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}

	if _, err := s.store.RecordFailure(ctx, updated, errMsg); err != nil {
		s.logger.Error("failed to record bounce failure", zap.Error(err))
	}
	s.recordTimeline(ctx, job, contacts.EventEmailBounced, map[string]string{
		"reason": errMsg,
	})
	if s.bus != nil {
		s.bus.Publish(events.SubjectJobFailed, job.TenantID, "", map[string]interface{}{
			"job_id": job.ID,
			"error":  errMsg,
		})
	}
	s.logger.Warn("job bounced",
		zap.String("job_id", job.ID.String()),
		zap.String("error", errMsg))
	return nil
}

// recordTimeline is best-effort: a timeline write failure never fails the
// webhook.
func (s *Service) recordTimeline(ctx context.Context, job *pipeline.Job, eventType contacts.TimelineEventType, data map[string]string) {
	err := s.contacts.CreateTimelineEvent(ctx, &contacts.TimelineEvent{
		TenantID:  job.TenantID,
		ContactID: job.ContactID,
		Type:      eventType,
		Data:      data,
	})
	if err != nil {
		s.logger.Warn("failed to record timeline event",
			zap.String("contact_id", job.ContactID.String()),
			zap.String("type", string(eventType)),
			zap.Error(err))
	}
}

// extractMessageID strips the provider's routing suffix after the first dot.
func extractMessageID(raw string) string {
	if raw == "" {
		return ""
	}
	if idx := strings.Index(raw, "."); idx >= 0 {
		return raw[:idx]
	}
	return raw
}
