package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"campaign-pipeline/internal/db"
)

const jobColumns = `id, tenant_id, campaign_id, campaign_run_id, contact_id, template_version_id,
	channel, payload, status, retry_count, next_attempt_at, error_message, skip_reason,
	provider_message_id, queued_at, processing_at, sent_at, delivered_at, failed_at, skipped_at,
	created_at, updated_at`

// Store is the authoritative home of pipeline jobs. Every status mutation
// funnels through Transition, which validates the edge under a row lock.
type Store struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func NewStore(database *db.PostgresDB, logger *zap.Logger) *Store {
	return &Store{db: database, logger: logger}
}

// DB exposes the underlying connection for collaborators sharing the pool.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// Fields carries the optional column updates a caller may attach to a
// transition.
type Fields struct {
	ErrorMessage      *string
	SkipReason        *SkipReason
	ProviderMessageID *string
	RetryCount        *int
	NextAttemptAt     *time.Time
}

// CreateBulk inserts all jobs in one transaction; all-or-nothing.
func (s *Store) CreateBulk(ctx context.Context, jobs []*Job) error {
	if len(jobs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin bulk insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO pipeline_jobs
		(id, tenant_id, campaign_id, campaign_run_id, contact_id, template_version_id, channel, payload, status, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`)
	if err != nil {
		return fmt.Errorf("failed to prepare bulk insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, job := range jobs {
		payload, err := json.Marshal(job.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload for job %s: %w", job.ID, err)
		}
		job.CreatedAt = now
		job.UpdatedAt = now
		if _, err := stmt.ExecContext(ctx, job.ID, job.TenantID, job.CampaignID, job.CampaignRunID,
			job.ContactID, job.TemplateVersionID, job.Channel, payload, job.Status, job.RetryCount,
			job.CreatedAt, job.UpdatedAt); err != nil {
			return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bulk insert: %w", err)
	}

	s.logger.Info("jobs created", zap.Int("count", len(jobs)))
	return nil
}

func (s *Store) FindByID(ctx context.Context, tenantID, id uuid.UUID) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM pipeline_jobs WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return scanJob(row)
}

// findByIDAny loads a job without a tenant filter; internal callers that hold
// a broker message know only the job id.
func (s *Store) findByIDAny(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM pipeline_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// Get loads a job by id alone, for broker handlers that know only the job id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	return s.findByIDAny(ctx, id)
}

func (s *Store) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM pipeline_jobs WHERE provider_message_id = $1`, providerMessageID)
	return scanJob(row)
}

// Filter narrows FindJobs; nil members are ignored.
type Filter struct {
	CampaignID    *uuid.UUID
	CampaignRunID *uuid.UUID
	ContactID     *uuid.UUID
	Status        *Status
	Channel       *Channel
}

type Page struct {
	Limit  int
	Offset int
}

func (s *Store) FindJobs(ctx context.Context, tenantID uuid.UUID, filter Filter, page Page) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM pipeline_jobs WHERE tenant_id = $1`
	args := []interface{}{tenantID}

	if filter.CampaignID != nil {
		args = append(args, *filter.CampaignID)
		query += fmt.Sprintf(" AND campaign_id = $%d", len(args))
	}
	if filter.CampaignRunID != nil {
		args = append(args, *filter.CampaignRunID)
		query += fmt.Sprintf(" AND campaign_run_id = $%d", len(args))
	}
	if filter.ContactID != nil {
		args = append(args, *filter.ContactID)
		query += fmt.Sprintf(" AND contact_id = $%d", len(args))
	}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Channel != nil {
		args = append(args, *filter.Channel)
		query += fmt.Sprintf(" AND channel = $%d", len(args))
	}

	if page.Limit <= 0 {
		page.Limit = 50
	}
	args = append(args, page.Limit)
	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d", len(args))
	args = append(args, page.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// AcquireNextPending atomically claims the oldest due PENDING job and moves it
// to PROCESSING. SKIP LOCKED lets many pollers run without blocking each
// other. Returns (nil, nil) when nothing is due.
func (s *Store) AcquireNextPending(ctx context.Context, tenantID *uuid.UUID) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + jobColumns + ` FROM pipeline_jobs
		WHERE status = $1 AND (next_attempt_at IS NULL OR next_attempt_at <= now())`
	args := []interface{}{StatusPending}
	if tenantID != nil {
		args = append(args, *tenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	query += ` ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED`

	job, err := scanJob(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		if _, ok := err.(*JobNotFound); ok {
			return nil, nil
		}
		return nil, err
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE pipeline_jobs SET status = $1, processing_at = $2, updated_at = $2 WHERE id = $3`,
		StatusProcessing, now, job.ID); err != nil {
		return nil, fmt.Errorf("failed to claim job %s: %w", job.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	job.Status = StatusProcessing
	job.ProcessingAt = &now
	job.UpdatedAt = now
	return job, nil
}

// Transition is the single mutation entry point. It locks the row, validates
// the edge against the transition table, stamps the per-state timestamp and
// applies any caller-supplied field updates, all in one transaction.
func (s *Store) Transition(ctx context.Context, jobID uuid.UUID, to Status, fields Fields) (*Job, error) {
	return s.transitionGuarded(ctx, jobID, nil, to, fields)
}

// TransitionFromSent applies the webhook guard: the transition happens only
// if the job is currently SENT, checked and applied inside one transaction.
// Returns (nil, nil) when the job is in any other state.
func (s *Store) TransitionFromSent(ctx context.Context, jobID uuid.UUID, to Status, fields Fields) (*Job, error) {
	from := StatusSent
	return s.transitionGuarded(ctx, jobID, &from, to, fields)
}

func (s *Store) transitionGuarded(ctx context.Context, jobID uuid.UUID, requiredFrom *Status, to Status, fields Fields) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transition: %w", err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM pipeline_jobs WHERE id = $1 FOR UPDATE`, jobID))
	if err != nil {
		return nil, err
	}

	if requiredFrom != nil && job.Status != *requiredFrom {
		return nil, tx.Commit()
	}

	if !CanTransition(job.Status, to) {
		return nil, &InvalidStateTransition{JobID: jobID, From: job.Status, To: to}
	}

	now := time.Now()
	set := "status = $1, updated_at = $2"
	args := []interface{}{to, now}

	if col, ok := statusTimestampColumn(to); ok {
		args = append(args, now)
		set += fmt.Sprintf(", %s = $%d", col, len(args))
	}
	if fields.ErrorMessage != nil {
		args = append(args, *fields.ErrorMessage)
		set += fmt.Sprintf(", error_message = $%d", len(args))
	}
	if fields.SkipReason != nil {
		args = append(args, *fields.SkipReason)
		set += fmt.Sprintf(", skip_reason = $%d", len(args))
	}
	if fields.ProviderMessageID != nil {
		args = append(args, *fields.ProviderMessageID)
		set += fmt.Sprintf(", provider_message_id = $%d", len(args))
	}
	if fields.RetryCount != nil {
		args = append(args, *fields.RetryCount)
		set += fmt.Sprintf(", retry_count = $%d", len(args))
	}
	if fields.NextAttemptAt != nil {
		args = append(args, *fields.NextAttemptAt)
		set += fmt.Sprintf(", next_attempt_at = $%d", len(args))
	}

	args = append(args, jobID)
	query := fmt.Sprintf("UPDATE pipeline_jobs SET %s WHERE id = $%d", set, len(args))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to transition job %s to %s: %w", jobID, to, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	applyTransition(job, to, now, fields)

	s.logger.Debug("job transitioned",
		zap.String("job_id", jobID.String()),
		zap.String("to", string(to)))

	return job, nil
}

// applyTransition mirrors the SQL update onto the in-memory row.
func applyTransition(job *Job, to Status, now time.Time, fields Fields) {
	job.Status = to
	job.UpdatedAt = now
	switch to {
	case StatusQueued:
		job.QueuedAt = &now
	case StatusProcessing:
		job.ProcessingAt = &now
	case StatusSent:
		job.SentAt = &now
	case StatusDelivered:
		job.DeliveredAt = &now
	case StatusFailed:
		job.FailedAt = &now
	case StatusSkipped:
		job.SkippedAt = &now
	}
	if fields.ErrorMessage != nil {
		job.ErrorMessage = fields.ErrorMessage
	}
	if fields.SkipReason != nil {
		job.SkipReason = fields.SkipReason
	}
	if fields.ProviderMessageID != nil {
		job.ProviderMessageID = fields.ProviderMessageID
	}
	if fields.RetryCount != nil {
		job.RetryCount = *fields.RetryCount
	}
	if fields.NextAttemptAt != nil {
		job.NextAttemptAt = fields.NextAttemptAt
	}
}

func (s *Store) MarkSent(ctx context.Context, jobID uuid.UUID, providerMessageID string) (*Job, error) {
	return s.Transition(ctx, jobID, StatusSent, Fields{ProviderMessageID: &providerMessageID})
}

func (s *Store) MarkFailed(ctx context.Context, jobID uuid.UUID, errMsg string) (*Job, error) {
	return s.Transition(ctx, jobID, StatusFailed, Fields{ErrorMessage: &errMsg})
}

func (s *Store) MarkSkipped(ctx context.Context, jobID uuid.UUID, reason SkipReason, errMsg string) (*Job, error) {
	return s.Transition(ctx, jobID, StatusSkipped, Fields{SkipReason: &reason, ErrorMessage: &errMsg})
}

func (s *Store) MarkDead(ctx context.Context, jobID uuid.UUID, errMsg string) (*Job, error) {
	return s.Transition(ctx, jobID, StatusDead, Fields{ErrorMessage: &errMsg})
}

func (s *Store) MarkDelivered(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	return s.Transition(ctx, jobID, StatusDelivered, Fields{})
}

// ScheduleRetry moves a job to RETRYING with its bumped attempt counter and
// the time it becomes due again.
func (s *Store) ScheduleRetry(ctx context.Context, jobID uuid.UUID, retryCount int, nextAttemptAt time.Time) (*Job, error) {
	return s.Transition(ctx, jobID, StatusRetrying, Fields{RetryCount: &retryCount, NextAttemptAt: &nextAttemptAt})
}

// MarkQueuedBulk flips freshly created PENDING jobs to QUEUED after a
// successful enqueue. Jobs no longer PENDING are left alone.
func (s *Store) MarkQueuedBulk(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_jobs SET status = $1, queued_at = $2, updated_at = $2
		 WHERE id = ANY($3::uuid[]) AND status = $4`,
		StatusQueued, now, pq.Array(strIDs), StatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark jobs queued: %w", err)
	}
	return nil
}

// CountByStatus returns job counts grouped by status, optionally scoped to a
// tenant. Feeds /pipeline/health and queue observability.
func (s *Store) CountByStatus(ctx context.Context, tenantID *uuid.UUID) (map[Status]int, error) {
	query := `SELECT status, COUNT(*) FROM pipeline_jobs`
	var args []interface{}
	if tenantID != nil {
		query += ` WHERE tenant_id = $1`
		args = append(args, *tenantID)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// CountByCampaign returns per-status job counts for one campaign.
func (s *Store) CountByCampaign(ctx context.Context, tenantID, campaignID uuid.UUID) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM pipeline_jobs
		 WHERE tenant_id = $1 AND campaign_id = $2 GROUP BY status`, tenantID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to count campaign jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// FindRetryable loads jobs in FAILED or RETRYING that are due, bounded by
// limit, for the retry controller's tick.
func (s *Store) FindRetryable(ctx context.Context, maxRetries, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM pipeline_jobs
		 WHERE status = ANY($1) AND retry_count <= $2
		   AND (next_attempt_at IS NULL OR next_attempt_at <= now())
		 ORDER BY created_at LIMIT $3`,
		pq.Array([]string{string(StatusFailed), string(StatusRetrying)}), maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load retryable jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// FindStuckProcessing loads jobs held in PROCESSING longer than threshold,
// the crashed-worker recovery path.
func (s *Store) FindStuckProcessing(ctx context.Context, threshold time.Duration, limit int) ([]*Job, error) {
	cutoff := time.Now().Add(-threshold)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM pipeline_jobs
		 WHERE status = $1 AND processing_at < $2
		 ORDER BY processing_at LIMIT $3`,
		StatusProcessing, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load stuck jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var payload []byte
	err := row.Scan(&job.ID, &job.TenantID, &job.CampaignID, &job.CampaignRunID, &job.ContactID,
		&job.TemplateVersionID, &job.Channel, &payload, &job.Status, &job.RetryCount,
		&job.NextAttemptAt, &job.ErrorMessage, &job.SkipReason, &job.ProviderMessageID,
		&job.QueuedAt, &job.ProcessingAt, &job.SentAt, &job.DeliveredAt, &job.FailedAt,
		&job.SkippedAt, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, &JobNotFound{JobID: job.ID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload for job %s: %w", job.ID, err)
		}
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
