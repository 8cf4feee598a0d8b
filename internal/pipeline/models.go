package pipeline

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusDelivered  Status = "DELIVERED"
	StatusFailed     Status = "FAILED"
	StatusRetrying   Status = "RETRYING"
	StatusDead       Status = "DEAD"
	StatusSkipped    Status = "SKIPPED"
)

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelPush     Channel = "push"
)

// ParseChannel maps a raw channel string to the enum.
func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelEmail, ChannelSMS, ChannelWhatsApp, ChannelPush:
		return Channel(s), nil
	default:
		return "", &Error{Code: CodeChannelNotSupported, Message: "unknown channel: " + s}
	}
}

type SkipReason string

const (
	SkipMissingEmail    SkipReason = "missing_email"
	SkipInvalidEmail    SkipReason = "invalid_email"
	SkipMissingPhone    SkipReason = "missing_phone"
	SkipInvalidPhone    SkipReason = "invalid_phone"
	SkipUnsubscribed    SkipReason = "unsubscribed"
	SkipContactNotFound SkipReason = "contact_not_found"
	SkipTemplateError   SkipReason = "template_error"
	SkipDuplicateSend   SkipReason = "duplicate_send"
	SkipOther           SkipReason = "other"
)

// Payload is the per-recipient data the producer snapshots onto a job:
// the channel address, display name and pass-through template variables.
type Payload struct {
	Address    string            `json:"address"`
	FullName   string            `json:"full_name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type Job struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	TenantID          uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	CampaignID        uuid.UUID  `json:"campaign_id" db:"campaign_id"`
	CampaignRunID     uuid.UUID  `json:"campaign_run_id" db:"campaign_run_id"`
	ContactID         uuid.UUID  `json:"contact_id" db:"contact_id"`
	TemplateVersionID *uuid.UUID `json:"template_version_id,omitempty" db:"template_version_id"`
	Channel           Channel    `json:"channel" db:"channel"`
	Payload           Payload    `json:"payload" db:"payload"`
	Status            Status     `json:"status" db:"status"`
	RetryCount        int        `json:"retry_count" db:"retry_count"`
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty" db:"next_attempt_at"`
	ErrorMessage      *string    `json:"error_message,omitempty" db:"error_message"`
	SkipReason        *SkipReason `json:"skip_reason,omitempty" db:"skip_reason"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty" db:"provider_message_id"`

	QueuedAt     *time.Time `json:"queued_at,omitempty" db:"queued_at"`
	ProcessingAt *time.Time `json:"processing_at,omitempty" db:"processing_at"`
	SentAt       *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	FailedAt     *time.Time `json:"failed_at,omitempty" db:"failed_at"`
	SkippedAt    *time.Time `json:"skipped_at,omitempty" db:"skipped_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Terminal reports whether the job can make no further progress on its own.
// DEAD is terminal too, but keeps the manual DEAD -> PENDING escape.
func (j *Job) Terminal() bool {
	switch j.Status {
	case StatusDelivered, StatusSkipped, StatusDead:
		return true
	}
	return false
}

// Failure is one append-only audit row, written on DEAD transitions and on
// hard bounces reported by webhooks.
type Failure struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	TenantID     uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	JobID        uuid.UUID  `json:"job_id" db:"job_id"`
	CampaignID   *uuid.UUID `json:"campaign_id,omitempty" db:"campaign_id"`
	ContactID    *uuid.UUID `json:"contact_id,omitempty" db:"contact_id"`
	ErrorMessage string     `json:"error_message" db:"error_message"`
	LastStatus   Status     `json:"last_status" db:"last_status"`
	RetryCount   int        `json:"retry_count" db:"retry_count"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// CampaignRun is owned upstream; the aggregator mutates its counters and
// terminal status only.
type CampaignRun struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	TenantID        uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	CampaignID      uuid.UUID  `json:"campaign_id" db:"campaign_id"`
	TotalRecipients int        `json:"total_recipients" db:"total_recipients"`
	ProcessedCount  int        `json:"processed_count" db:"processed_count"`
	SentCount       int        `json:"sent_count" db:"sent_count"`
	FailedCount     int        `json:"failed_count" db:"failed_count"`
	SkippedCount    int        `json:"skipped_count" db:"skipped_count"`
	Status          RunStatus  `json:"status" db:"status"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// RenderedContent is the channel-shaped payload a renderer produces. Exactly
// one variant is set, matching the job's channel.
type RenderedContent struct {
	Email    *EmailContent    `json:"email,omitempty"`
	SMS      *SMSContent      `json:"sms,omitempty"`
	WhatsApp *WhatsAppContent `json:"whatsapp,omitempty"`
	Push     *PushContent     `json:"push,omitempty"`
}

type EmailContent struct {
	Subject  string `json:"subject"`
	HTMLBody string `json:"html_body"`
	TextBody string `json:"text_body,omitempty"`
}

type SMSContent struct {
	Body     string `json:"body"`
	SenderID string `json:"sender_id,omitempty"`
}

type WhatsAppContent struct {
	TemplateName string `json:"template_name"`
	Language     string `json:"language"`
	Body         string `json:"body"`
}

type PushContent struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	ImageURL  string `json:"image_url,omitempty"`
	ActionURL string `json:"action_url,omitempty"`
}
