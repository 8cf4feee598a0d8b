package stats

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaign-pipeline/internal/db"
	"campaign-pipeline/internal/events"
	"campaign-pipeline/internal/pipeline"
)

// Aggregator owns run/campaign counters. It never mutates jobs. Counter
// updates are single atomic SQL increments so concurrent workers stay
// correct without read-modify-write.
type Aggregator struct {
	db     *db.PostgresDB
	bus    *events.Bus
	logger *zap.Logger
}

func NewAggregator(database *db.PostgresDB, bus *events.Bus, logger *zap.Logger) *Aggregator {
	return &Aggregator{db: database, bus: bus, logger: logger}
}

func (a *Aggregator) IncrementSent(ctx context.Context, runID uuid.UUID) error {
	return a.increment(ctx, runID, "sent_count")
}

func (a *Aggregator) IncrementFailed(ctx context.Context, runID uuid.UUID) error {
	return a.increment(ctx, runID, "failed_count")
}

func (a *Aggregator) IncrementSkipped(ctx context.Context, runID uuid.UUID) error {
	return a.increment(ctx, runID, "skipped_count")
}

func (a *Aggregator) increment(ctx context.Context, runID uuid.UUID, column string) error {
	query := fmt.Sprintf(
		`UPDATE campaign_runs SET %s = %s + 1, processed_count = processed_count + 1 WHERE id = $1`,
		column, column)
	if _, err := a.db.ExecContext(ctx, query, runID); err != nil {
		return fmt.Errorf("failed to increment %s for run %s: %w", column, runID, err)
	}
	return a.maybeFinalize(ctx, runID)
}

func (a *Aggregator) GetRun(ctx context.Context, runID uuid.UUID) (*pipeline.CampaignRun, error) {
	var run pipeline.CampaignRun
	err := a.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, campaign_id, total_recipients, processed_count, sent_count,
		        failed_count, skipped_count, status, started_at, completed_at
		 FROM campaign_runs WHERE id = $1`, runID).
		Scan(&run.ID, &run.TenantID, &run.CampaignID, &run.TotalRecipients, &run.ProcessedCount,
			&run.SentCount, &run.FailedCount, &run.SkippedCount, &run.Status,
			&run.StartedAt, &run.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("campaign run not found: %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign run: %w", err)
	}
	return &run, nil
}

// maybeFinalize closes the run and mirrors the parent campaign once every
// recipient is accounted for. The status guard in the UPDATE makes repeated
// or late increments on a finalized run a no-op, so the completion event is
// emitted exactly once.
func (a *Aggregator) maybeFinalize(ctx context.Context, runID uuid.UUID) error {
	run, err := a.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	if run.TotalRecipients <= 0 || run.ProcessedCount < run.TotalRecipients {
		return nil
	}
	if run.Status != pipeline.RunRunning {
		return nil
	}

	finalStatus := pipeline.RunCompleted
	if run.SentCount == 0 {
		finalStatus = pipeline.RunFailed
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin finalize: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE campaign_runs SET status = $1, completed_at = now() WHERE id = $2 AND status = $3`,
		finalStatus, runID, pipeline.RunRunning)
	if err != nil {
		return fmt.Errorf("failed to finalize run %s: %w", runID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Another worker finalized first.
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE campaigns SET status = $1, updated_at = now() WHERE id = $2`,
		string(finalStatus), run.CampaignID); err != nil {
		return fmt.Errorf("failed to update campaign %s: %w", run.CampaignID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit finalize: %w", err)
	}

	a.logger.Info("campaign run finalized",
		zap.String("run_id", runID.String()),
		zap.String("status", string(finalStatus)),
		zap.Int("sent", run.SentCount),
		zap.Int("failed", run.FailedCount),
		zap.Int("skipped", run.SkippedCount))

	if a.bus != nil {
		a.bus.Publish(events.SubjectCampaignRunCompleted, run.TenantID, "", map[string]interface{}{
			"campaign_run_id": runID,
			"campaign_id":     run.CampaignID,
			"status":          finalStatus,
			"sent_count":      run.SentCount,
			"failed_count":    run.FailedCount,
			"skipped_count":   run.SkippedCount,
		})
	}

	return nil
}

// RecalculateStats recounts jobs by status and overwrites the run's
// counters. This is the recovery path and the source of truth if the
// incremental counters ever drift.
func (a *Aggregator) RecalculateStats(ctx context.Context, runID uuid.UUID) error {
	rows, err := a.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM pipeline_jobs WHERE campaign_run_id = $1 GROUP BY status`, runID)
	if err != nil {
		return fmt.Errorf("failed to count jobs for run %s: %w", runID, err)
	}
	defer rows.Close()

	var sent, failed, skipped int
	for rows.Next() {
		var status pipeline.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return err
		}
		switch status {
		case pipeline.StatusSent, pipeline.StatusDelivered:
			sent += count
		case pipeline.StatusFailed, pipeline.StatusDead:
			failed += count
		case pipeline.StatusSkipped:
			skipped += count
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := a.db.ExecContext(ctx,
		`UPDATE campaign_runs
		 SET sent_count = $1, failed_count = $2, skipped_count = $3, processed_count = $4
		 WHERE id = $5`,
		sent, failed, skipped, sent+failed+skipped, runID); err != nil {
		return fmt.Errorf("failed to write recalculated stats for run %s: %w", runID, err)
	}

	a.logger.Info("run stats recalculated",
		zap.String("run_id", runID.String()),
		zap.Int("sent", sent),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped))

	return a.maybeFinalize(ctx, runID)
}
