package senders

import (
	"context"
	"time"

	"go.uber.org/zap"

	"campaign-pipeline/internal/pipeline"
)

type PushSender struct {
	logger       *zap.Logger
	successRate  float64
	tempFailRate float64
	latencyMs    int
}

func NewPushSender(logger *zap.Logger, successRate, tempFailRate float64, latencyMs int) *PushSender {
	return &PushSender{logger: logger, successRate: successRate, tempFailRate: tempFailRate, latencyMs: latencyMs}
}

func (s *PushSender) Channel() pipeline.Channel { return pipeline.ChannelPush }

func (s *PushSender) ValidateRecipient(recipient Recipient) ValidationResult {
	if recipient.Address == "" {
		return ValidationResult{Valid: false, Error: "device token is missing"}
	}
	return ValidationResult{Valid: true}
}

func (s *PushSender) Send(ctx context.Context, recipient Recipient, content *pipeline.RenderedContent, meta Metadata) *SendResult {
	time.Sleep(time.Duration(s.latencyMs) * time.Millisecond)

	if content == nil || content.Push == nil {
		return &SendResult{Success: false, Error: "no push content rendered", Retryable: false}
	}

	providerID := deterministicProviderID("push", meta.JobID[:])

	switch determineOutcome(meta.JobID[:], s.successRate, s.tempFailRate) {
	case outcomeSuccess:
		s.logger.Debug("mock push gateway accepted message",
			zap.String("job_id", meta.JobID.String()),
			zap.String("provider_id", providerID))
		return &SendResult{Success: true, ProviderMessageID: providerID}
	case outcomeTempFail:
		return &SendResult{Success: false, Error: "temporary failure: push service throttled", Retryable: true}
	default:
		return &SendResult{Success: false, Error: "permanent failure: token unregistered", Retryable: false}
	}
}
