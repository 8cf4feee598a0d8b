package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subjects emitted by the pipeline core.
const (
	SubjectJobCreated           = "pipeline.job.created"
	SubjectJobStarted           = "pipeline.job.started"
	SubjectJobSent              = "pipeline.job.sent"
	SubjectJobDelivered         = "pipeline.job.delivered"
	SubjectJobFailed            = "pipeline.job.failed"
	SubjectJobRetrying          = "pipeline.job.retrying"
	SubjectJobDead              = "pipeline.job.dead"
	SubjectBatchCreated         = "pipeline.batch.created"
	SubjectBatchCompleted       = "pipeline.batch.completed"
	SubjectCampaignRunCompleted = "pipeline.campaign_run.completed"
)

// Event is the envelope every subject carries.
type Event struct {
	EventID       uuid.UUID   `json:"event_id"`
	TenantID      uuid.UUID   `json:"tenant_id"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	Version       string      `json:"version"`
	Source        string      `json:"source"`
	Payload       interface{} `json:"payload,omitempty"`
}

// Bus publishes pipeline events over NATS. Publishing is fire-and-forget:
// failures are logged, never retried, and never fail the caller.
type Bus struct {
	conn   *nats.Conn
	logger *zap.Logger
	source string
}

func NewBus(conn *nats.Conn, source string, logger *zap.Logger) *Bus {
	return &Bus{conn: conn, logger: logger, source: source}
}

func (b *Bus) Publish(subject string, tenantID uuid.UUID, correlationID string, payload interface{}) {
	evt := Event{
		EventID:       uuid.New(),
		TenantID:      tenantID,
		CorrelationID: correlationID,
		Timestamp:     time.Now(),
		Version:       "1",
		Source:        b.source,
	}
	evt.Payload = payload

	data, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error("failed to marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}

	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Error("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// PublishBatched publishes one event per payload in chunks, flushing between
// chunks so a large fan-out does not flood the bus in a single burst.
func (b *Bus) PublishBatched(subject string, tenantID uuid.UUID, correlationID string, payloads []interface{}, chunkSize int) {
	if chunkSize <= 0 {
		chunkSize = 100
	}
	for start := 0; start < len(payloads); start += chunkSize {
		end := start + chunkSize
		if end > len(payloads) {
			end = len(payloads)
		}
		for _, payload := range payloads[start:end] {
			b.Publish(subject, tenantID, correlationID, payload)
		}
		if err := b.conn.Flush(); err != nil {
			b.logger.Warn("failed to flush event batch", zap.Error(err))
		}
	}
}
