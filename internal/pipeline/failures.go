package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordFailure appends one audit row. Failures are never updated or deleted.
func (s *Store) RecordFailure(ctx context.Context, job *Job, errMsg string) (*Failure, error) {
	failure := &Failure{
		ID:           uuid.New(),
		TenantID:     job.TenantID,
		JobID:        job.ID,
		CampaignID:   &job.CampaignID,
		ContactID:    &job.ContactID,
		ErrorMessage: errMsg,
		LastStatus:   job.Status,
		RetryCount:   job.RetryCount,
		CreatedAt:    time.Now(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_failures (id, tenant_id, job_id, campaign_id, contact_id, error_message, last_status, retry_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		failure.ID, failure.TenantID, failure.JobID, failure.CampaignID, failure.ContactID,
		failure.ErrorMessage, failure.LastStatus, failure.RetryCount, failure.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record failure for job %s: %w", job.ID, err)
	}

	return failure, nil
}

func (s *Store) ListFailures(ctx context.Context, tenantID uuid.UUID, page Page) ([]*Failure, error) {
	if page.Limit <= 0 {
		page.Limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, job_id, campaign_id, contact_id, error_message, last_status, retry_count, created_at
		 FROM pipeline_failures WHERE tenant_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		tenantID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	defer rows.Close()

	var failures []*Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.ID, &f.TenantID, &f.JobID, &f.CampaignID, &f.ContactID,
			&f.ErrorMessage, &f.LastStatus, &f.RetryCount, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		failures = append(failures, &f)
	}
	return failures, rows.Err()
}
