// Package events publishes domain events (archival, escalation) to external
// consumers.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	KeyConversationArchived  = "conversation.archived"
	KeyConversationEscalated = "conversation.escalated"
)

type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	OccurredAt    time.Time `json:"occurred_at"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
}

// Envelope wraps every published payload.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

func NewEnvelope(eventType string, data any) Envelope {
	return Envelope{
		Meta: Meta{
			ID:         uuid.NewString(),
			Type:       eventType,
			OccurredAt: time.Now().UTC(),
		},
		Data: data,
	}
}

// WithCorrelation sets the correlation id, usually the conversation id.
func (e Envelope) WithCorrelation(id string) Envelope {
	if id != "" {
		e.Meta.CorrelationID = &id
	}
	return e
}

type ConversationArchived struct {
	ArchivedConversationID string    `json:"archived_conversation_id"`
	OriginalID             string    `json:"original_id"`
	TenantID               string    `json:"tenant_id"`
	Source                 string    `json:"source"`
	MessageCount           int       `json:"message_count"`
	ArchivedAt             time.Time `json:"archived_at"`
}

type ConversationEscalated struct {
	ConversationID string    `json:"conversation_id"`
	TenantID       string    `json:"tenant_id"`
	TeamID         string    `json:"team_id"`
	TeamName       string    `json:"team_name"`
	EscalatedAt    time.Time `json:"escalated_at"`
}

type Publisher interface {
	Publish(ctx context.Context, key string, msg Envelope) error
	Close() error
}

// Nop drops every event. It is used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, Envelope) error { return nil }
func (Nop) Close() error                                    { return nil }
