package producer

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaign-pipeline/internal/pipeline"
)

func strPtr(s string) *string { return &s }

func TestEnqueueRunEmptyContactsIsNoop(t *testing.T) {
	// Empty batches return before any collaborator is touched.
	p := New(nil, nil, nil, nil, nil, zap.NewNop())

	jobs, err := p.EnqueueRun(context.Background(), RunInfo{
		RunID:      uuid.New(),
		CampaignID: uuid.New(),
		TenantID:   uuid.New(),
		Channel:    "email",
	}, nil)
	if err != nil {
		t.Fatalf("empty batch must not error: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("expected no jobs, got %d", len(jobs))
	}
}

func TestEnqueueRunRejectsUnknownChannel(t *testing.T) {
	p := New(nil, nil, nil, nil, nil, zap.NewNop())

	_, err := p.EnqueueRun(context.Background(), RunInfo{
		RunID:      uuid.New(),
		CampaignID: uuid.New(),
		TenantID:   uuid.New(),
		Channel:    "fax",
	}, []ContactRecord{{ID: uuid.New()}})
	if err == nil {
		t.Fatal("expected ChannelNotSupported")
	}
	pe, ok := err.(*pipeline.Error)
	if !ok || pe.Code != pipeline.CodeChannelNotSupported {
		t.Errorf("expected ChannelNotSupported, got %v", err)
	}
}

func TestComposePayload(t *testing.T) {
	contact := ContactRecord{
		ID:       uuid.New(),
		Email:    strPtr("ada@example.com"),
		Phone:    strPtr("+15551234567"),
		FullName: strPtr("Ada Lovelace"),
		Attributes: map[string]string{
			"device_token": "tok-123",
			"city":         "London",
		},
	}

	tests := []struct {
		channel pipeline.Channel
		address string
	}{
		{pipeline.ChannelEmail, "ada@example.com"},
		{pipeline.ChannelSMS, "+15551234567"},
		{pipeline.ChannelWhatsApp, "+15551234567"},
		{pipeline.ChannelPush, "tok-123"},
	}

	for _, tt := range tests {
		t.Run(string(tt.channel), func(t *testing.T) {
			payload := composePayload(tt.channel, contact)
			if payload.Address != tt.address {
				t.Errorf("address = %q, want %q", payload.Address, tt.address)
			}
			if payload.FullName != "Ada Lovelace" {
				t.Errorf("full_name = %q", payload.FullName)
			}
			if payload.Attributes["city"] != "London" {
				t.Error("attributes must pass through")
			}
		})
	}
}

func TestComposePayloadMissingAddress(t *testing.T) {
	contact := ContactRecord{ID: uuid.New()}

	if payload := composePayload(pipeline.ChannelEmail, contact); payload.Address != "" {
		t.Errorf("missing email should leave address empty, got %q", payload.Address)
	}
	if payload := composePayload(pipeline.ChannelPush, contact); payload.Address != "" {
		t.Errorf("missing device token should leave address empty, got %q", payload.Address)
	}
}
