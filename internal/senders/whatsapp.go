package senders

import (
	"context"
	"time"

	"go.uber.org/zap"

	"campaign-pipeline/internal/pipeline"
)

type WhatsAppSender struct {
	logger       *zap.Logger
	successRate  float64
	tempFailRate float64
	latencyMs    int
}

func NewWhatsAppSender(logger *zap.Logger, successRate, tempFailRate float64, latencyMs int) *WhatsAppSender {
	return &WhatsAppSender{logger: logger, successRate: successRate, tempFailRate: tempFailRate, latencyMs: latencyMs}
}

func (s *WhatsAppSender) Channel() pipeline.Channel { return pipeline.ChannelWhatsApp }

func (s *WhatsAppSender) ValidateRecipient(recipient Recipient) ValidationResult {
	if recipient.Address == "" {
		return ValidationResult{Valid: false, Error: "phone number is missing"}
	}
	return ValidationResult{Valid: true}
}

func (s *WhatsAppSender) Send(ctx context.Context, recipient Recipient, content *pipeline.RenderedContent, meta Metadata) *SendResult {
	time.Sleep(time.Duration(s.latencyMs) * time.Millisecond)

	if content == nil || content.WhatsApp == nil {
		return &SendResult{Success: false, Error: "no whatsapp content rendered", Retryable: false}
	}

	providerID := deterministicProviderID("wa", meta.JobID[:])

	switch determineOutcome(meta.JobID[:], s.successRate, s.tempFailRate) {
	case outcomeSuccess:
		s.logger.Debug("mock WhatsApp gateway accepted message",
			zap.String("job_id", meta.JobID.String()),
			zap.String("provider_id", providerID))
		return &SendResult{Success: true, ProviderMessageID: providerID}
	case outcomeTempFail:
		return &SendResult{Success: false, Error: "temporary failure: gateway unavailable", Retryable: true}
	default:
		return &SendResult{Success: false, Error: "permanent failure: recipient not on whatsapp", Retryable: false}
	}
}
