package senders

import (
	"testing"

	"go.uber.org/zap"

	"campaign-pipeline/internal/pipeline"
)

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		address string
		valid   bool
	}{
		{"user@example.com", true},
		{"first.last@sub.example.co", true},
		{"u@d.io", true},
		{"", false},
		{"not-an-email", false},
		{"no@dotdomain", false},
		{"two@@example.com", false},
		{"@example.com", false},
		{"user@.com", false},
		{"user@example.com.", false},
		{"user @example.com", false},
		{"user@exam ple.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			if got := ValidateEmail(tt.address); got != tt.valid {
				t.Errorf("ValidateEmail(%q) = %v, want %v", tt.address, got, tt.valid)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	logger := zap.NewNop()
	registry := NewRegistry()
	registry.Register(NewEmailSender(logger, 1.0, 0, 0))
	registry.Register(NewSMSSender(logger, 1.0, 0, 0))

	if _, err := registry.GetSender(pipeline.ChannelEmail); err != nil {
		t.Errorf("expected email sender, got error: %v", err)
	}

	_, err := registry.GetSender(pipeline.ChannelPush)
	if err == nil {
		t.Fatal("expected error for unregistered channel")
	}
	pe, ok := err.(*pipeline.Error)
	if !ok || pe.Code != pipeline.CodeChannelNotSupported {
		t.Errorf("expected ChannelNotSupported, got %v", err)
	}
}

func TestValidateRecipientPerChannel(t *testing.T) {
	logger := zap.NewNop()

	email := NewEmailSender(logger, 1.0, 0, 0)
	if v := email.ValidateRecipient(Recipient{Address: ""}); v.Valid {
		t.Error("missing email should be invalid")
	}
	if v := email.ValidateRecipient(Recipient{Address: "not-an-email"}); v.Valid {
		t.Error("malformed email should be invalid")
	}
	if v := email.ValidateRecipient(Recipient{Address: "a@b.com"}); !v.Valid {
		t.Errorf("valid email rejected: %s", v.Error)
	}

	sms := NewSMSSender(logger, 1.0, 0, 0)
	if v := sms.ValidateRecipient(Recipient{Address: ""}); v.Valid {
		t.Error("missing phone should be invalid")
	}
	if v := sms.ValidateRecipient(Recipient{Address: "+15551234567"}); !v.Valid {
		t.Errorf("valid phone rejected: %s", v.Error)
	}

	push := NewPushSender(logger, 1.0, 0, 0)
	if v := push.ValidateRecipient(Recipient{Address: ""}); v.Valid {
		t.Error("missing device token should be invalid")
	}
}
