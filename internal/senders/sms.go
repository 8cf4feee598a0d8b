package senders

import (
	"context"
	"time"

	"go.uber.org/zap"

	"campaign-pipeline/internal/pipeline"
)

type SMSSender struct {
	logger       *zap.Logger
	successRate  float64
	tempFailRate float64
	latencyMs    int
}

func NewSMSSender(logger *zap.Logger, successRate, tempFailRate float64, latencyMs int) *SMSSender {
	return &SMSSender{logger: logger, successRate: successRate, tempFailRate: tempFailRate, latencyMs: latencyMs}
}

func (s *SMSSender) Channel() pipeline.Channel { return pipeline.ChannelSMS }

func (s *SMSSender) ValidateRecipient(recipient Recipient) ValidationResult {
	if recipient.Address == "" {
		return ValidationResult{Valid: false, Error: "phone number is missing"}
	}
	return ValidationResult{Valid: true}
}

func (s *SMSSender) Send(ctx context.Context, recipient Recipient, content *pipeline.RenderedContent, meta Metadata) *SendResult {
	time.Sleep(time.Duration(s.latencyMs) * time.Millisecond)

	if content == nil || content.SMS == nil {
		return &SendResult{Success: false, Error: "no sms content rendered", Retryable: false}
	}

	providerID := deterministicProviderID("sms", meta.JobID[:])

	switch determineOutcome(meta.JobID[:], s.successRate, s.tempFailRate) {
	case outcomeSuccess:
		s.logger.Debug("mock SMS gateway accepted message",
			zap.String("job_id", meta.JobID.String()),
			zap.String("provider_id", providerID))
		return &SendResult{Success: true, ProviderMessageID: providerID}
	case outcomeTempFail:
		return &SendResult{Success: false, Error: "temporary failure: gateway timeout", Retryable: true}
	default:
		return &SendResult{Success: false, Error: "permanent failure: invalid number", Retryable: false}
	}
}
