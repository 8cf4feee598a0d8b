package templates

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"campaign-pipeline/internal/contacts"
	"campaign-pipeline/internal/pipeline"
)

// Renderer resolves a template version against a contact and produces the
// channel-shaped content the sender will dispatch.
type Renderer interface {
	RenderForPipeline(ctx context.Context, templateVersionID uuid.UUID, contact *contacts.Contact, channel pipeline.Channel) (*pipeline.RenderedContent, error)
}

// Version is one stored template version, with per-channel bodies holding
// {{variable}} placeholders.
type Version struct {
	ID       uuid.UUID
	Subject  string
	HTMLBody string
	TextBody string
	Title    string
	Language string
	Name     string
}

// MemoryRenderer keeps registered versions in memory and substitutes
// {{full_name}} plus contact attributes into the bodies.
type MemoryRenderer struct {
	mu       sync.RWMutex
	versions map[uuid.UUID]*Version
}

func NewMemoryRenderer() *MemoryRenderer {
	return &MemoryRenderer{versions: make(map[uuid.UUID]*Version)}
}

func (r *MemoryRenderer) Register(v *Version) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions[v.ID] = v
}

func (r *MemoryRenderer) RenderForPipeline(ctx context.Context, templateVersionID uuid.UUID, contact *contacts.Contact, channel pipeline.Channel) (*pipeline.RenderedContent, error) {
	r.mu.RLock()
	v, ok := r.versions[templateVersionID]
	r.mu.RUnlock()
	if !ok {
		return nil, &pipeline.Error{Code: pipeline.CodeTemplateNotFound, Message: "template version " + templateVersionID.String()}
	}

	sub := func(s string) string { return Substitute(s, contact) }

	switch channel {
	case pipeline.ChannelEmail:
		return &pipeline.RenderedContent{Email: &pipeline.EmailContent{
			Subject:  sub(v.Subject),
			HTMLBody: sub(v.HTMLBody),
			TextBody: sub(v.TextBody),
		}}, nil
	case pipeline.ChannelSMS:
		return &pipeline.RenderedContent{SMS: &pipeline.SMSContent{
			Body: sub(v.TextBody),
		}}, nil
	case pipeline.ChannelWhatsApp:
		return &pipeline.RenderedContent{WhatsApp: &pipeline.WhatsAppContent{
			TemplateName: v.Name,
			Language:     v.Language,
			Body:         sub(v.TextBody),
		}}, nil
	case pipeline.ChannelPush:
		return &pipeline.RenderedContent{Push: &pipeline.PushContent{
			Title: sub(v.Title),
			Body:  sub(v.TextBody),
		}}, nil
	}
	return nil, &pipeline.Error{Code: pipeline.CodeChannelNotSupported, Message: string(channel)}
}

// Substitute replaces {{full_name}} and {{attr}} placeholders with the
// contact's values. Unknown placeholders are left in place.
func Substitute(body string, contact *contacts.Contact) string {
	if contact == nil {
		return body
	}
	pairs := make([]string, 0, 2+2*len(contact.Attributes))
	if contact.FullName != nil {
		pairs = append(pairs, "{{full_name}}", *contact.FullName)
	}
	for k, val := range contact.Attributes {
		pairs = append(pairs, "{{"+k+"}}", val)
	}
	if len(pairs) == 0 {
		return body
	}
	return strings.NewReplacer(pairs...).Replace(body)
}
