package senders

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"campaign-pipeline/internal/pipeline"
)

// Recipient is the resolved address a sender dispatches to.
type Recipient struct {
	Address  string
	FullName string
}

type ValidationResult struct {
	Valid bool
	Error string
}

// Metadata is threaded through every send for provider-side correlation.
type Metadata struct {
	TenantID      uuid.UUID
	CorrelationID string
	CampaignID    uuid.UUID
	JobID         uuid.UUID
	ContactID     uuid.UUID
}

// SendResult mirrors the provider response. Retryable marks whether a failed
// attempt may be tried again by the broker.
type SendResult struct {
	Success           bool
	ProviderMessageID string
	Error             string
	Retryable         bool
}

// Sender is one channel capability. One implementation per channel, selected
// from the registry.
type Sender interface {
	Channel() pipeline.Channel
	ValidateRecipient(recipient Recipient) ValidationResult
	Send(ctx context.Context, recipient Recipient, content *pipeline.RenderedContent, meta Metadata) *SendResult
}

// Registry holds the channel -> sender mapping.
type Registry struct {
	mu      sync.RWMutex
	senders map[pipeline.Channel]Sender
}

func NewRegistry() *Registry {
	return &Registry{senders: make(map[pipeline.Channel]Sender)}
}

func (r *Registry) Register(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[s.Channel()] = s
}

func (r *Registry) GetSender(channel pipeline.Channel) (Sender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[channel]
	if !ok {
		return nil, &pipeline.Error{Code: pipeline.CodeChannelNotSupported, Message: string(channel)}
	}
	return s, nil
}

// ValidateEmail applies the practical grammar: local@domain with no
// whitespace and at least one dot in the domain.
func ValidateEmail(address string) bool {
	if address == "" || strings.ContainsAny(address, " \t\n\r") {
		return false
	}
	at := strings.Index(address, "@")
	if at <= 0 || at != strings.LastIndex(address, "@") {
		return false
	}
	domain := address[at+1:]
	if domain == "" || !strings.Contains(domain, ".") {
		return false
	}
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return false
	}
	return true
}
