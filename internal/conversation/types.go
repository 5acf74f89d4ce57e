// Package conversation defines the live conversation aggregate, its routing
// state machine, and the resolver that finds or creates the single active
// conversation for a customer.
package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/memohai/supportdesk/internal/channel"
)

var (
	ErrNotFound            = errors.New("conversation not found")
	ErrConcurrencyConflict = errors.New("conversation was modified concurrently")
	ErrAlreadyClaimed      = errors.New("conversation already claimed by another agent")
	ErrInvalidTransition   = errors.New("invalid conversation transition")
)

// Conversation is a customer thread with one tenant on one channel.
type Conversation struct {
	ID                  string              `json:"id"`
	TenantID            string              `json:"tenant_id"`
	Source              channel.ChannelType `json:"source"`
	SenderID            string              `json:"sender_id"`
	SenderName          string              `json:"sender_name"`
	AssignedAgentID     string              `json:"assigned_agent_id,omitempty"`
	AssignedTeamID      string              `json:"assigned_team_id,omitempty"`
	AssignedTeamName    string              `json:"assigned_team_name,omitempty"`
	AssignedToAssistant bool                `json:"assigned_to_assistant"`
	Active              bool                `json:"active"`
	ArchivedAt          *time.Time          `json:"archived_at,omitempty"`
	Version             int64               `json:"version"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// Repository is the conversation persistence contract.
type Repository interface {
	// CreateConversation returns ErrConcurrencyConflict when an active
	// conversation already exists for the same tenant and sender.
	CreateConversation(ctx context.Context, conv Conversation) (Conversation, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	FindActiveConversation(ctx context.Context, tenantID, senderID string) (Conversation, error)
	ListActiveConversations(ctx context.Context, tenantID string) ([]Conversation, error)
	// ListIdleConversations returns active conversations with no message since before.
	ListIdleConversations(ctx context.Context, before time.Time, limit int) ([]Conversation, error)
	// UpdateConversation writes conv if the stored version still equals conv.Version
	// and returns the row with the incremented version. A stale version yields
	// ErrConcurrencyConflict.
	UpdateConversation(ctx context.Context, conv Conversation) (Conversation, error)
}
