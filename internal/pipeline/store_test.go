package pipeline

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaign-pipeline/internal/db"
)

var jobColumnList = []string{
	"id", "tenant_id", "campaign_id", "campaign_run_id", "contact_id", "template_version_id",
	"channel", "payload", "status", "retry_count", "next_attempt_at", "error_message", "skip_reason",
	"provider_message_id", "queued_at", "processing_at", "sent_at", "delivered_at", "failed_at",
	"skipped_at", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })
	return NewStore(&db.PostgresDB{DB: mockDB}, zap.NewNop()), mock
}

func jobRow(id uuid.UUID, status Status) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(jobColumnList).AddRow(
		id, uuid.New(), uuid.New(), uuid.New(), uuid.New(), nil,
		"email", []byte(`{"address":"a@b.com"}`), string(status), 0, nil, nil, nil,
		nil, nil, nil, nil, nil, nil,
		nil, now, now,
	)
}

func TestTransitionValidEdge(t *testing.T) {
	store, mock := newMockStore(t)
	jobID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM pipeline_jobs WHERE id = (.+) FOR UPDATE").
		WithArgs(jobID).
		WillReturnRows(jobRow(jobID, StatusQueued))
	mock.ExpectExec("UPDATE pipeline_jobs SET status = (.+)").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job, err := store.Transition(context.Background(), jobID, StatusProcessing, Fields{})
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if job.Status != StatusProcessing {
		t.Errorf("status = %s, want PROCESSING", job.Status)
	}
	if job.ProcessingAt == nil {
		t.Error("processing_at must be stamped")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestTransitionInvalidEdge(t *testing.T) {
	store, mock := newMockStore(t)
	jobID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM pipeline_jobs WHERE id = (.+) FOR UPDATE").
		WithArgs(jobID).
		WillReturnRows(jobRow(jobID, StatusDelivered))
	mock.ExpectRollback()

	_, err := store.Transition(context.Background(), jobID, StatusSent, Fields{})
	if err == nil {
		t.Fatal("expected InvalidStateTransition")
	}
	ist, ok := err.(*InvalidStateTransition)
	if !ok {
		t.Fatalf("expected *InvalidStateTransition, got %T", err)
	}
	if ist.From != StatusDelivered || ist.To != StatusSent {
		t.Errorf("edge = %s -> %s, want DELIVERED -> SENT", ist.From, ist.To)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestTransitionUnknownJob(t *testing.T) {
	store, mock := newMockStore(t)
	jobID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM pipeline_jobs WHERE id = (.+) FOR UPDATE").
		WithArgs(jobID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.Transition(context.Background(), jobID, StatusQueued, Fields{})
	if err == nil {
		t.Fatal("expected JobNotFound")
	}
	if _, ok := err.(*JobNotFound); !ok {
		t.Fatalf("expected *JobNotFound, got %T: %v", err, err)
	}
}

func TestTransitionFromSentGuardSkips(t *testing.T) {
	store, mock := newMockStore(t)
	jobID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM pipeline_jobs WHERE id = (.+) FOR UPDATE").
		WithArgs(jobID).
		WillReturnRows(jobRow(jobID, StatusProcessing))
	mock.ExpectCommit()

	job, err := store.TransitionFromSent(context.Background(), jobID, StatusDelivered, Fields{})
	if err != nil {
		t.Fatalf("guard skip must not error: %v", err)
	}
	if job != nil {
		t.Error("guard must return nil for a job not in SENT")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestTransitionFromSentApplies(t *testing.T) {
	store, mock := newMockStore(t)
	jobID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM pipeline_jobs WHERE id = (.+) FOR UPDATE").
		WithArgs(jobID).
		WillReturnRows(jobRow(jobID, StatusSent))
	mock.ExpectExec("UPDATE pipeline_jobs SET status = (.+)").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job, err := store.TransitionFromSent(context.Background(), jobID, StatusDelivered, Fields{})
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if job == nil || job.Status != StatusDelivered {
		t.Fatalf("job = %+v, want DELIVERED", job)
	}
	if job.DeliveredAt == nil {
		t.Error("delivered_at must be stamped")
	}
}

func TestAcquireNextPendingEmpty(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM pipeline_jobs").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	job, err := store.AcquireNextPending(context.Background(), nil)
	if err != nil {
		t.Fatalf("empty queue must not error: %v", err)
	}
	if job != nil {
		t.Errorf("expected no job, got %v", job.ID)
	}
}

func TestAcquireNextPendingClaims(t *testing.T) {
	store, mock := newMockStore(t)
	jobID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM pipeline_jobs").
		WillReturnRows(jobRow(jobID, StatusPending))
	mock.ExpectExec("UPDATE pipeline_jobs SET status = (.+)").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job, err := store.AcquireNextPending(context.Background(), nil)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if job == nil {
		t.Fatal("expected a claimed job")
	}
	if job.Status != StatusProcessing {
		t.Errorf("status = %s, want PROCESSING", job.Status)
	}
	if job.ProcessingAt == nil {
		t.Error("processing_at must be stamped by the claim")
	}
}

func TestCreateBulkEmptyIsNoop(t *testing.T) {
	store, mock := newMockStore(t)

	if err := store.CreateBulk(context.Background(), nil); err != nil {
		t.Fatalf("empty bulk insert must be a no-op: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("no SQL should run for an empty batch: %v", err)
	}
}
