package senders

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"campaign-pipeline/internal/pipeline"
)

// EmailSender is the mock ESP integration. Outcomes are derived from a hash
// of the job id so test runs are deterministic.
type EmailSender struct {
	logger       *zap.Logger
	successRate  float64
	tempFailRate float64
	latencyMs    int
}

func NewEmailSender(logger *zap.Logger, successRate, tempFailRate float64, latencyMs int) *EmailSender {
	return &EmailSender{
		logger:       logger,
		successRate:  successRate,
		tempFailRate: tempFailRate,
		latencyMs:    latencyMs,
	}
}

func (s *EmailSender) Channel() pipeline.Channel { return pipeline.ChannelEmail }

func (s *EmailSender) ValidateRecipient(recipient Recipient) ValidationResult {
	if recipient.Address == "" {
		return ValidationResult{Valid: false, Error: "email address is missing"}
	}
	if !ValidateEmail(recipient.Address) {
		return ValidationResult{Valid: false, Error: "email address is invalid"}
	}
	return ValidationResult{Valid: true}
}

func (s *EmailSender) Send(ctx context.Context, recipient Recipient, content *pipeline.RenderedContent, meta Metadata) *SendResult {
	time.Sleep(time.Duration(s.latencyMs) * time.Millisecond)

	if content == nil || content.Email == nil {
		return &SendResult{Success: false, Error: "no email content rendered", Retryable: false}
	}

	providerID := deterministicProviderID("esp", meta.JobID[:])

	switch determineOutcome(meta.JobID[:], s.successRate, s.tempFailRate) {
	case outcomeSuccess:
		s.logger.Debug("mock ESP accepted message",
			zap.String("job_id", meta.JobID.String()),
			zap.String("provider_id", providerID))
		return &SendResult{Success: true, ProviderMessageID: providerID}
	case outcomeTempFail:
		return &SendResult{Success: false, Error: "temporary failure: ESP connection timeout", Retryable: true}
	default:
		return &SendResult{Success: false, Error: "permanent failure: recipient rejected", Retryable: false}
	}
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeTempFail
	outcomePermFail
)

func deterministicProviderID(prefix string, seed []byte) string {
	hash := md5.Sum(seed)
	return prefix + "_" + hex.EncodeToString(hash[:])[:12]
}

func determineOutcome(seed []byte, successRate, tempFailRate float64) outcome {
	hash := md5.Sum(seed)
	value := float64(hash[0]) / 255.0
	if value < successRate {
		return outcomeSuccess
	}
	if value < successRate+tempFailRate {
		return outcomeTempFail
	}
	return outcomePermFail
}
