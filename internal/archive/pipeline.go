// Package archive moves closed conversations out of the live store into an
// anonymized, append-only archive.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/supportdesk/internal/conversation"
	"github.com/memohai/supportdesk/internal/events"
	"github.com/memohai/supportdesk/internal/keylock"
	"github.com/memohai/supportdesk/internal/message"
)

// LiveSource reads the live rows an archive is built from.
type LiveSource interface {
	GetConversation(ctx context.Context, id string) (conversation.Conversation, error)
	FindActiveConversation(ctx context.Context, tenantID, senderID string) (conversation.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]message.Message, error)
}

type Pipeline struct {
	live      LiveSource
	store     Store
	pseudo    *Pseudonymizer
	locks     *keylock.Locker
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewPipeline(log *slog.Logger, live LiveSource, store Store, pseudo *Pseudonymizer, locks *keylock.Locker, publisher events.Publisher) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if locks == nil {
		locks = keylock.New()
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if pseudo == nil {
		pseudo = NewPseudonymizer("", 0)
	}
	return &Pipeline{
		live:      live,
		store:     store,
		pseudo:    pseudo,
		locks:     locks,
		publisher: publisher,
		logger:    log.With(slog.String("component", "archive")),
		now:       time.Now,
	}
}

// Archive closes the active conversation of a customer.
func (p *Pipeline) Archive(ctx context.Context, tenantID, senderID string) (ArchivedConversation, error) {
	conv, err := p.live.FindActiveConversation(ctx, strings.TrimSpace(tenantID), strings.TrimSpace(senderID))
	if err != nil {
		return ArchivedConversation{}, err
	}
	return p.archive(ctx, conv.TenantID, conv.ID)
}

// ArchiveConversation closes a conversation by id. A conversation of another
// tenant is reported as not found.
func (p *Pipeline) ArchiveConversation(ctx context.Context, tenantID, conversationID string) (ArchivedConversation, error) {
	return p.archive(ctx, strings.TrimSpace(tenantID), strings.TrimSpace(conversationID))
}

// Get returns an archived conversation with its messages.
func (p *Pipeline) Get(ctx context.Context, tenantID, archivedID string) (ArchivedConversation, []ArchivedMessage, error) {
	conv, msgs, err := p.store.GetArchivedConversation(ctx, archivedID)
	if err != nil {
		return ArchivedConversation{}, nil, err
	}
	if conv.TenantID != tenantID {
		return ArchivedConversation{}, nil, ErrNotFound
	}
	return conv, msgs, nil
}

func (p *Pipeline) archive(ctx context.Context, tenantID, conversationID string) (ArchivedConversation, error) {
	persistCtx := context.WithoutCancel(ctx)

	unlock := p.locks.Lock(conversation.LockKey(conversationID))
	archived, count, err := p.writeLocked(persistCtx, tenantID, conversationID)
	unlock()
	if err != nil {
		return ArchivedConversation{}, err
	}

	p.logger.Info("conversation archived",
		slog.String("conversation_id", conversationID),
		slog.String("archived_id", archived.ID),
		slog.Int("messages", count))

	env := events.NewEnvelope(events.KeyConversationArchived, events.ConversationArchived{
		ArchivedConversationID: archived.ID,
		OriginalID:             archived.OriginalID,
		TenantID:               archived.TenantID,
		Source:                 archived.Source.String(),
		MessageCount:           count,
		ArchivedAt:             archived.ArchivedAt,
	}).WithCorrelation(conversationID)
	if err := p.publisher.Publish(persistCtx, events.KeyConversationArchived, env); err != nil {
		p.logger.Warn("publish archive event", slog.String("archived_id", archived.ID), slog.Any("error", err))
	}
	return archived, nil
}

func (p *Pipeline) writeLocked(ctx context.Context, tenantID, conversationID string) (ArchivedConversation, int, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		conv, err := p.live.GetConversation(ctx, conversationID)
		if err != nil {
			return ArchivedConversation{}, 0, err
		}
		if conv.TenantID != tenantID || !conv.Active {
			return ArchivedConversation{}, 0, conversation.ErrNotFound
		}
		msgs, err := p.live.ListMessages(ctx, conv.ID)
		if err != nil {
			return ArchivedConversation{}, 0, fmt.Errorf("list messages: %w", err)
		}
		rec := p.buildRecord(conv, msgs)
		err = p.store.ArchiveConversation(ctx, rec)
		if err == nil {
			return rec.Conversation, len(rec.Messages), nil
		}
		if !errors.Is(err, conversation.ErrConcurrencyConflict) {
			return ArchivedConversation{}, 0, fmt.Errorf("archive conversation: %w", err)
		}
		lastErr = err
	}
	return ArchivedConversation{}, 0, lastErr
}

func (p *Pipeline) buildRecord(conv conversation.Conversation, msgs []message.Message) Record {
	pseudonym := p.pseudo.Pseudonym(conv.TenantID, conv.SenderID)
	archived := ArchivedConversation{
		ID:               uuid.NewString(),
		OriginalID:       conv.ID,
		TenantID:         conv.TenantID,
		Source:           conv.Source,
		SenderPseudonym:  pseudonym,
		AssignedAgentID:  conv.AssignedAgentID,
		AssignedTeamID:   conv.AssignedTeamID,
		AssignedTeamName: conv.AssignedTeamName,
		CreatedAt:        conv.CreatedAt,
		ArchivedAt:       p.now().UTC(),
	}
	items := make([]ArchivedMessage, 0, len(msgs))
	for _, m := range msgs {
		author := m.AuthorName
		if m.Role == message.RoleCustomer {
			author = pseudonym
		}
		items = append(items, ArchivedMessage{
			ID:                     uuid.NewString(),
			ArchivedConversationID: archived.ID,
			Role:                   m.Role,
			AuthorName:             author,
			Body:                   Redact(m.Body),
			Status:                 m.Status,
			SentAt:                 m.SentAt,
			ChangedAt:              m.ChangedAt,
		})
	}
	return Record{
		Conversation:     archived,
		Messages:         items,
		LiveID:           conv.ID,
		LiveVersion:      conv.Version,
		LiveMessageCount: len(msgs),
	}
}
