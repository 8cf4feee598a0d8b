package contacts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaign-pipeline/internal/db"
)

type Contact struct {
	ID         uuid.UUID         `json:"id" db:"id"`
	TenantID   uuid.UUID         `json:"tenant_id" db:"tenant_id"`
	Email      *string           `json:"email,omitempty" db:"email"`
	Phone      *string           `json:"phone,omitempty" db:"phone"`
	FullName   *string           `json:"full_name,omitempty" db:"full_name"`
	Attributes map[string]string `json:"attributes,omitempty" db:"attributes"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}

type TimelineEventType string

const (
	EventEmailBounced   TimelineEventType = "EMAIL_BOUNCED"
	EventEmailOpened    TimelineEventType = "EMAIL_OPENED"
	EventEmailClicked   TimelineEventType = "EMAIL_CLICKED"
	EventConsentUpdated TimelineEventType = "CONSENT_UPDATED"
)

type TimelineEvent struct {
	ID        uuid.UUID         `json:"id"`
	TenantID  uuid.UUID         `json:"tenant_id"`
	ContactID uuid.UUID         `json:"contact_id"`
	Type      TimelineEventType `json:"type"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Repository is the narrow contact-service edge the pipeline depends on.
type Repository interface {
	FindByID(ctx context.Context, tenantID, id uuid.UUID) (*Contact, error)
	CreateTimelineEvent(ctx context.Context, evt *TimelineEvent) error
}

type PostgresRepository struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func NewPostgresRepository(database *db.PostgresDB, logger *zap.Logger) *PostgresRepository {
	return &PostgresRepository{db: database, logger: logger}
}

// FindByID returns (nil, nil) for a missing contact; absence is an expected
// skip condition, not an error.
func (r *PostgresRepository) FindByID(ctx context.Context, tenantID, id uuid.UUID) (*Contact, error) {
	var c Contact
	var attrs []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, email, phone, full_name, attributes, created_at
		 FROM contacts WHERE tenant_id = $1 AND id = $2`, tenantID, id).
		Scan(&c.ID, &c.TenantID, &c.Email, &c.Phone, &c.FullName, &attrs, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &c.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal contact attributes: %w", err)
		}
	}
	return &c, nil
}

func (r *PostgresRepository) CreateTimelineEvent(ctx context.Context, evt *TimelineEvent) error {
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal timeline data: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO contact_timeline_events (id, tenant_id, contact_id, event_type, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		evt.ID, evt.TenantID, evt.ContactID, evt.Type, data, evt.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create timeline event: %w", err)
	}
	return nil
}
