package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaign-pipeline/internal/contacts"
	"campaign-pipeline/internal/pipeline"
)

type fakeStore struct {
	jobs     map[string]*pipeline.Job
	failures []*pipeline.Failure
}

func newFakeStore(jobs ...*pipeline.Job) *fakeStore {
	s := &fakeStore{jobs: make(map[string]*pipeline.Job)}
	for _, job := range jobs {
		s.jobs[*job.ProviderMessageID] = job
	}
	return s
}

func (s *fakeStore) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*pipeline.Job, error) {
	job, ok := s.jobs[providerMessageID]
	if !ok {
		return nil, &pipeline.JobNotFound{}
	}
	copied := *job
	return &copied, nil
}

func (s *fakeStore) TransitionFromSent(ctx context.Context, jobID uuid.UUID, to pipeline.Status, fields pipeline.Fields) (*pipeline.Job, error) {
	for _, job := range s.jobs {
		if job.ID != jobID {
			continue
		}
		if job.Status != pipeline.StatusSent {
			return nil, nil
		}
		now := time.Now()
		job.Status = to
		switch to {
		case pipeline.StatusDelivered:
			job.DeliveredAt = &now
		case pipeline.StatusFailed:
			job.FailedAt = &now
		}
		if fields.ErrorMessage != nil {
			job.ErrorMessage = fields.ErrorMessage
		}
		copied := *job
		return &copied, nil
	}
	return nil, &pipeline.JobNotFound{JobID: jobID}
}

func (s *fakeStore) RecordFailure(ctx context.Context, job *pipeline.Job, errMsg string) (*pipeline.Failure, error) {
	failure := &pipeline.Failure{ID: uuid.New(), JobID: job.ID, ErrorMessage: errMsg, LastStatus: job.Status}
	s.failures = append(s.failures, failure)
	return failure, nil
}

type fakeContacts struct {
	timeline []*contacts.TimelineEvent
	fail     bool
}

func (r *fakeContacts) FindByID(ctx context.Context, tenantID, id uuid.UUID) (*contacts.Contact, error) {
	return nil, nil
}

func (r *fakeContacts) CreateTimelineEvent(ctx context.Context, evt *contacts.TimelineEvent) error {
	if r.fail {
		return context.DeadlineExceeded
	}
	r.timeline = append(r.timeline, evt)
	return nil
}

func sentJob(providerMessageID string) *pipeline.Job {
	now := time.Now()
	pmid := providerMessageID
	return &pipeline.Job{
		ID:                uuid.New(),
		TenantID:          uuid.New(),
		ContactID:         uuid.New(),
		Channel:           pipeline.ChannelEmail,
		Status:            pipeline.StatusSent,
		ProviderMessageID: &pmid,
		SentAt:            &now,
	}
}

func newService(store *fakeStore, repo *fakeContacts, key string) *Service {
	return NewService(store, repo, nil, nil, zap.NewNop(), key)
}

func TestDeliveredEvent(t *testing.T) {
	job := sentJob("m1")
	store := newFakeStore(job)
	svc := newService(store, &fakeContacts{}, "")

	processed, errored := svc.ProcessEvents(context.Background(), []ProviderEvent{
		{Event: "delivered", SGMessageID: "m1.filter0001"},
	})
	if processed != 1 || errored != 0 {
		t.Fatalf("processed=%d errored=%d", processed, errored)
	}

	if job.Status != pipeline.StatusDelivered {
		t.Errorf("status = %s, want DELIVERED", job.Status)
	}
	if job.DeliveredAt == nil || job.SentAt == nil {
		t.Error("both sent_at and delivered_at must be set")
	}
}

func TestDeliveredEventIsIdempotent(t *testing.T) {
	job := sentJob("m1")
	store := newFakeStore(job)
	svc := newService(store, &fakeContacts{}, "")

	evts := []ProviderEvent{{Event: "delivered", SGMessageID: "m1"}}
	svc.ProcessEvents(context.Background(), evts)
	firstDeliveredAt := *job.DeliveredAt

	processed, errored := svc.ProcessEvents(context.Background(), evts)
	if processed != 1 || errored != 0 {
		t.Fatalf("repeat event must still count as processed, got processed=%d errored=%d", processed, errored)
	}
	if job.Status != pipeline.StatusDelivered {
		t.Errorf("status = %s, want DELIVERED", job.Status)
	}
	if !job.DeliveredAt.Equal(firstDeliveredAt) {
		t.Error("repeat delivered event must not re-stamp delivered_at")
	}
}

func TestBounceEvent(t *testing.T) {
	job := sentJob("m1")
	store := newFakeStore(job)
	repo := &fakeContacts{}
	svc := newService(store, repo, "")

	svc.ProcessEvents(context.Background(), []ProviderEvent{
		{Event: "bounce", SGMessageID: "m1.filter", Type: "hard", Reason: "user unknown"},
	})

	if job.Status != pipeline.StatusFailed {
		t.Fatalf("status = %s, want FAILED", job.Status)
	}
	if job.ErrorMessage == nil || !strings.Contains(*job.ErrorMessage, "Bounce(hard): user unknown") {
		t.Errorf("error message = %v, want Bounce(hard): user unknown", job.ErrorMessage)
	}
	if len(store.failures) != 1 {
		t.Fatalf("expected 1 failure row, got %d", len(store.failures))
	}
	if len(repo.timeline) != 1 || repo.timeline[0].Type != contacts.EventEmailBounced {
		t.Error("expected an EMAIL_BOUNCED timeline event")
	}
}

func TestBounceAfterDeliveredIsIgnored(t *testing.T) {
	job := sentJob("m1")
	job.Status = pipeline.StatusDelivered
	store := newFakeStore(job)
	svc := newService(store, &fakeContacts{}, "")

	processed, errored := svc.ProcessEvents(context.Background(), []ProviderEvent{
		{Event: "bounce", SGMessageID: "m1", Type: "hard", Reason: "late"},
	})
	if processed != 1 || errored != 0 {
		t.Fatalf("processed=%d errored=%d", processed, errored)
	}
	if job.Status != pipeline.StatusDelivered {
		t.Errorf("delivered job must not regress, got %s", job.Status)
	}
	if len(store.failures) != 0 {
		t.Error("no failure row when the guard skips the transition")
	}
}

func TestUnknownMessageIDIsDropped(t *testing.T) {
	store := newFakeStore()
	svc := newService(store, &fakeContacts{}, "")

	processed, errored := svc.ProcessEvents(context.Background(), []ProviderEvent{
		{Event: "delivered", SGMessageID: "ghost.123"},
	})
	if processed != 1 || errored != 0 {
		t.Errorf("unknown message must be dropped, not errored: processed=%d errored=%d", processed, errored)
	}
}

func TestEngagementEventsRecordTimelineOnly(t *testing.T) {
	job := sentJob("m1")
	store := newFakeStore(job)
	repo := &fakeContacts{}
	svc := newService(store, repo, "")

	svc.ProcessEvents(context.Background(), []ProviderEvent{
		{Event: "open", SGMessageID: "m1", IP: "1.2.3.4", UserAgent: "Mozilla"},
		{Event: "click", SGMessageID: "m1", URL: "https://example.com"},
		{Event: "unsubscribe", SGMessageID: "m1"},
	})

	if job.Status != pipeline.StatusSent {
		t.Errorf("engagement events must not change job status, got %s", job.Status)
	}
	if len(repo.timeline) != 3 {
		t.Fatalf("expected 3 timeline events, got %d", len(repo.timeline))
	}
	types := map[contacts.TimelineEventType]bool{}
	for _, evt := range repo.timeline {
		types[evt.Type] = true
	}
	for _, want := range []contacts.TimelineEventType{
		contacts.EventEmailOpened, contacts.EventEmailClicked, contacts.EventConsentUpdated,
	} {
		if !types[want] {
			t.Errorf("missing timeline event %s", want)
		}
	}
}

func TestTimelineFailureDoesNotFailEvent(t *testing.T) {
	job := sentJob("m1")
	store := newFakeStore(job)
	svc := newService(store, &fakeContacts{fail: true}, "")

	processed, errored := svc.ProcessEvents(context.Background(), []ProviderEvent{
		{Event: "open", SGMessageID: "m1"},
	})
	if processed != 1 || errored != 0 {
		t.Errorf("timeline write failure must be swallowed: processed=%d errored=%d", processed, errored)
	}
}

func TestExtractMessageID(t *testing.T) {
	tests := []struct {
		raw      string
		expected string
	}{
		{"m1.filter0001.wqe", "m1"},
		{"m1", "m1"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := extractMessageID(tt.raw); got != tt.expected {
			t.Errorf("extractMessageID(%q) = %q, want %q", tt.raw, got, tt.expected)
		}
	}
}

func TestVerifySignature(t *testing.T) {
	key := []byte("webhook-shared-secret-key")
	encodedKey := base64.StdEncoding.EncodeToString(key)
	svc := newService(newFakeStore(), &fakeContacts{}, encodedKey)

	body := []byte(`[{"event":"delivered","sg_message_id":"m1"}]`)
	timestamp := "1722500000"

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	if !svc.VerifySignature(body, signature, timestamp) {
		t.Error("valid signature rejected")
	}
	if svc.VerifySignature(body, signature, "1722500001") {
		t.Error("signature over a different timestamp must fail")
	}
	if svc.VerifySignature([]byte("tampered"), signature, timestamp) {
		t.Error("signature over a different body must fail")
	}
	if svc.VerifySignature(body, "deadbeef", timestamp) {
		t.Error("wrong signature must fail")
	}
}

func TestVerifySignatureWithoutKeyAccepts(t *testing.T) {
	svc := newService(newFakeStore(), &fakeContacts{}, "")
	if !svc.VerifySignature([]byte("anything"), "", "") {
		t.Error("unsigned requests must be accepted when no key is configured")
	}
}
