package stats

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaign-pipeline/internal/db"
	"campaign-pipeline/internal/pipeline"
)

var runColumnList = []string{
	"id", "tenant_id", "campaign_id", "total_recipients", "processed_count", "sent_count",
	"failed_count", "skipped_count", "status", "started_at", "completed_at",
}

func newMockAggregator(t *testing.T) (*Aggregator, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })
	return NewAggregator(&db.PostgresDB{DB: mockDB}, nil, zap.NewNop()), mock
}

func runRow(runID, campaignID uuid.UUID, total, processed, sent, failed, skipped int, status pipeline.RunStatus) *sqlmock.Rows {
	started := time.Now()
	return sqlmock.NewRows(runColumnList).AddRow(
		runID, uuid.New(), campaignID, total, processed, sent, failed, skipped,
		string(status), started, nil,
	)
}

func TestIncrementSentBeforeCompletion(t *testing.T) {
	agg, mock := newMockAggregator(t)
	runID := uuid.New()

	mock.ExpectExec(`UPDATE campaign_runs SET sent_count = sent_count \+ 1, processed_count = processed_count \+ 1`).
		WithArgs(runID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM campaign_runs WHERE id = (.+)").
		WithArgs(runID).
		WillReturnRows(runRow(runID, uuid.New(), 3, 1, 1, 0, 0, pipeline.RunRunning))

	if err := agg.IncrementSent(context.Background(), runID); err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLastIncrementFinalizesRunAndCampaign(t *testing.T) {
	agg, mock := newMockAggregator(t)
	runID := uuid.New()
	campaignID := uuid.New()

	mock.ExpectExec(`UPDATE campaign_runs SET sent_count = sent_count \+ 1`).
		WithArgs(runID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM campaign_runs WHERE id = (.+)").
		WithArgs(runID).
		WillReturnRows(runRow(runID, campaignID, 3, 3, 3, 0, 0, pipeline.RunRunning))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE campaign_runs SET status = (.+) WHERE id = (.+) AND status = (.+)").
		WithArgs(string(pipeline.RunCompleted), runID, string(pipeline.RunRunning)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaigns SET status = (.+)").
		WithArgs(string(pipeline.RunCompleted), campaignID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := agg.IncrementSent(context.Background(), runID); err != nil {
		t.Fatalf("finalizing increment failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAllSkippedRunFinalizesAsFailed(t *testing.T) {
	agg, mock := newMockAggregator(t)
	runID := uuid.New()
	campaignID := uuid.New()

	mock.ExpectExec(`UPDATE campaign_runs SET skipped_count = skipped_count \+ 1`).
		WithArgs(runID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM campaign_runs WHERE id = (.+)").
		WithArgs(runID).
		WillReturnRows(runRow(runID, campaignID, 2, 2, 0, 0, 2, pipeline.RunRunning))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE campaign_runs SET status = (.+) WHERE id = (.+) AND status = (.+)").
		WithArgs(string(pipeline.RunFailed), runID, string(pipeline.RunRunning)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaigns SET status = (.+)").
		WithArgs(string(pipeline.RunFailed), campaignID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := agg.IncrementSkipped(context.Background(), runID); err != nil {
		t.Fatalf("finalizing increment failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLateIncrementOnFinalizedRunDoesNotRefinalize(t *testing.T) {
	agg, mock := newMockAggregator(t)
	runID := uuid.New()

	mock.ExpectExec(`UPDATE campaign_runs SET failed_count = failed_count \+ 1`).
		WithArgs(runID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM campaign_runs WHERE id = (.+)").
		WithArgs(runID).
		WillReturnRows(runRow(runID, uuid.New(), 3, 4, 2, 1, 0, pipeline.RunCompleted))

	if err := agg.IncrementFailed(context.Background(), runID); err != nil {
		t.Fatalf("late increment failed: %v", err)
	}
	// No Begin/Exec/Commit expected: the terminal-status guard stops it.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestConcurrentFinalizeLosesRaceQuietly(t *testing.T) {
	agg, mock := newMockAggregator(t)
	runID := uuid.New()

	mock.ExpectExec(`UPDATE campaign_runs SET sent_count = sent_count \+ 1`).
		WithArgs(runID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM campaign_runs WHERE id = (.+)").
		WithArgs(runID).
		WillReturnRows(runRow(runID, uuid.New(), 3, 3, 3, 0, 0, pipeline.RunRunning))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE campaign_runs SET status = (.+) WHERE id = (.+) AND status = (.+)").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := agg.IncrementSent(context.Background(), runID); err != nil {
		t.Fatalf("losing the finalize race must not error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecalculateStats(t *testing.T) {
	agg, mock := newMockAggregator(t)
	runID := uuid.New()

	mock.ExpectQuery("SELECT status, COUNT(.+) FROM pipeline_jobs WHERE campaign_run_id = (.+) GROUP BY status").
		WithArgs(runID).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow(string(pipeline.StatusSent), 2).
			AddRow(string(pipeline.StatusDelivered), 1).
			AddRow(string(pipeline.StatusDead), 1).
			AddRow(string(pipeline.StatusSkipped), 3).
			AddRow(string(pipeline.StatusPending), 2))
	mock.ExpectExec("UPDATE campaign_runs").
		WithArgs(3, 1, 3, 7, runID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM campaign_runs WHERE id = (.+)").
		WithArgs(runID).
		WillReturnRows(runRow(runID, uuid.New(), 9, 7, 3, 1, 3, pipeline.RunRunning))

	if err := agg.RecalculateStats(context.Background(), runID); err != nil {
		t.Fatalf("recalculate failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
