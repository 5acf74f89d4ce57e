package message

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound            = errors.New("message not found")
	ErrConcurrencyConflict = errors.New("message was modified concurrently")
	// ErrDuplicate is returned when a message with the same provider id already exists.
	ErrDuplicate = errors.New("duplicate provider message id")
)

// Role is the author kind of a message.
type Role string

const (
	RoleCustomer  Role = "customer"
	RoleAssistant Role = "assistant"
	RoleAgent     Role = "agent"
	RoleSystem    Role = "system"
)

// Message is one persisted message of a live conversation.
type Message struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Role              Role      `json:"role"`
	AuthorName        string    `json:"author_name"`
	Body              string    `json:"body"`
	Status            Status    `json:"status"`
	ErrorDetail       string    `json:"error_detail,omitempty"`
	SentAt            time.Time `json:"sent_at"`
	ChangedAt         time.Time `json:"changed_at"`
}

// StatusChange is a conditional status write: it only applies while the stored
// status still equals From.
type StatusChange struct {
	MessageID   string
	From        Status
	To          Status
	ErrorDetail string
	ChangedAt   time.Time
}

// Repository is the message persistence contract.
type Repository interface {
	CreateMessage(ctx context.Context, msg Message) (Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	FindMessageByProviderID(ctx context.Context, providerMessageID string) (Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	SetProviderMessageID(ctx context.Context, id, providerMessageID string) error
	// UpdateMessageStatus returns ErrConcurrencyConflict when the stored status is no longer change.From.
	UpdateMessageStatus(ctx context.Context, change StatusChange) (Message, error)
}
