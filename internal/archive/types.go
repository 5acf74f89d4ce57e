package archive

import (
	"context"
	"errors"
	"time"

	"github.com/memohai/supportdesk/internal/channel"
	"github.com/memohai/supportdesk/internal/message"
)

var ErrNotFound = errors.New("archived conversation not found")

// ArchivedConversation is the anonymized, immutable copy of a closed conversation.
type ArchivedConversation struct {
	ID               string              `json:"id"`
	OriginalID       string              `json:"original_id"`
	TenantID         string              `json:"tenant_id"`
	Source           channel.ChannelType `json:"source"`
	SenderPseudonym  string              `json:"sender_pseudonym"`
	AssignedAgentID  string              `json:"assigned_agent_id,omitempty"`
	AssignedTeamID   string              `json:"assigned_team_id,omitempty"`
	AssignedTeamName string              `json:"assigned_team_name,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	ArchivedAt       time.Time           `json:"archived_at"`
}

// ArchivedMessage is a redacted message of an archived conversation.
type ArchivedMessage struct {
	ID                     string         `json:"id"`
	ArchivedConversationID string         `json:"archived_conversation_id"`
	Role                   message.Role   `json:"role"`
	AuthorName             string         `json:"author_name"`
	Body                   string         `json:"body"`
	Status                 message.Status `json:"status"`
	SentAt                 time.Time      `json:"sent_at"`
	ChangedAt              time.Time      `json:"changed_at"`
}

// Record is one archival write. LiveVersion and LiveMessageCount describe the
// snapshot the record was built from; the store refuses the write with
// conversation.ErrConcurrencyConflict when the live rows moved on since.
type Record struct {
	Conversation     ArchivedConversation
	Messages         []ArchivedMessage
	LiveID           string
	LiveVersion      int64
	LiveMessageCount int
}

// Store persists archives. ArchiveConversation must insert the archive rows and
// delete the live conversation with its messages as one atomic unit; when the
// live conversation is already gone it returns conversation.ErrNotFound and
// writes nothing.
type Store interface {
	ArchiveConversation(ctx context.Context, rec Record) error
	GetArchivedConversation(ctx context.Context, id string) (ArchivedConversation, []ArchivedMessage, error)
}
