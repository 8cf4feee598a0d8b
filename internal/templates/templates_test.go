package templates

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"campaign-pipeline/internal/contacts"
	"campaign-pipeline/internal/pipeline"
)

func strPtr(s string) *string { return &s }

func TestSubstitute(t *testing.T) {
	contact := &contacts.Contact{
		FullName:   strPtr("Ada Lovelace"),
		Attributes: map[string]string{"city": "London"},
	}

	tests := []struct {
		body     string
		expected string
	}{
		{"Hello {{full_name}}", "Hello Ada Lovelace"},
		{"Weather in {{city}} today", "Weather in London today"},
		{"{{unknown}} stays", "{{unknown}} stays"},
		{"no placeholders", "no placeholders"},
	}

	for _, tt := range tests {
		if got := Substitute(tt.body, contact); got != tt.expected {
			t.Errorf("Substitute(%q) = %q, want %q", tt.body, got, tt.expected)
		}
	}

	if got := Substitute("Hello {{full_name}}", nil); got != "Hello {{full_name}}" {
		t.Errorf("nil contact should leave body untouched, got %q", got)
	}
}

func TestMemoryRendererRender(t *testing.T) {
	renderer := NewMemoryRenderer()
	versionID := uuid.New()
	renderer.Register(&Version{
		ID:       versionID,
		Subject:  "Welcome, {{full_name}}!",
		HTMLBody: "<p>Hi {{full_name}}</p>",
		TextBody: "Hi {{full_name}}",
	})

	contact := &contacts.Contact{FullName: strPtr("Grace")}

	content, err := renderer.RenderForPipeline(context.Background(), versionID, contact, pipeline.ChannelEmail)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if content.Email == nil {
		t.Fatal("expected email content")
	}
	if content.Email.Subject != "Welcome, Grace!" {
		t.Errorf("subject = %q", content.Email.Subject)
	}
	if content.Email.HTMLBody != "<p>Hi Grace</p>" {
		t.Errorf("html body = %q", content.Email.HTMLBody)
	}
}

func TestMemoryRendererUnknownVersion(t *testing.T) {
	renderer := NewMemoryRenderer()

	_, err := renderer.RenderForPipeline(context.Background(), uuid.New(), nil, pipeline.ChannelEmail)
	if err == nil {
		t.Fatal("expected TemplateNotFound")
	}
	pe, ok := err.(*pipeline.Error)
	if !ok || pe.Code != pipeline.CodeTemplateNotFound {
		t.Errorf("expected TemplateNotFound, got %v", err)
	}
}
