package assistant

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
	"github.com/memohai/supportdesk/internal/presence"
)

const (
	DefaultNoticeTemplate = "You are being transferred to %s. An agent will reply shortly."
	genericTeamName       = "our support team"
	systemAuthorName      = "system"
	assistantAuthorName   = "assistant"
)

// Store is the persistence the escalation handler writes through.
type Store interface {
	GetConversation(ctx context.Context, id string) (conversation.Conversation, error)
	UpdateConversation(ctx context.Context, conv conversation.Conversation) (conversation.Conversation, error)
	CreateMessage(ctx context.Context, msg message.Message) (message.Message, error)
}

// Dispatcher forwards a stored message to the customer's channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, conv conversation.Conversation, msg message.Message) (string, error)
}

type EscalationHandler struct {
	client     Client
	store      Store
	dispatcher Dispatcher
	notifier   presence.Notifier
	publisher  events.Publisher
	locks      *keylock.Locker
	template   string
	logger     *slog.Logger
	now        func() time.Time
}

func NewEscalationHandler(log *slog.Logger, client Client, store Store, dispatcher Dispatcher, notifier presence.Notifier, publisher events.Publisher, locks *keylock.Locker, noticeTemplate string) *EscalationHandler {
	if log == nil {
		log = slog.Default()
	}
	if locks == nil {
		locks = keylock.New()
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if !strings.Contains(noticeTemplate, "%s") {
		noticeTemplate = DefaultNoticeTemplate
	}
	return &EscalationHandler{
		client:     client,
		store:      store,
		dispatcher: dispatcher,
		notifier:   notifier,
		publisher:  publisher,
		locks:      locks,
		template:   noticeTemplate,
		logger:     log.With(slog.String("component", "escalation")),
		now:        time.Now,
	}
}

// Notice renders the customer-facing escalation notice for a team.
func (h *EscalationHandler) Notice(teamName string) string {
	teamName = strings.TrimSpace(teamName)
	if teamName == "" {
		teamName = genericTeamName
	}
	return fmt.Sprintf(h.template, teamName)
}

// Handle asks the assistant about a customer message that is already stored,
// then either escalates the conversation or relays the assistant's answer. A
// failing assistant leaves the conversation assistant-owned and returns an
// error wrapping ErrUnavailable.
func (h *EscalationHandler) Handle(ctx context.Context, conv conversation.Conversation, customerMsg message.Message) error {
	result, err := h.client.Query(ctx, Query{
		Text:           customerMsg.Body,
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
	})
	if err != nil {
		if !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return err
	}

	switch {
	case strings.TrimSpace(result.TargetTeamID) != "":
		return h.Escalate(ctx, conv.ID, result.TargetTeamID, result.TargetTeamName)
	case strings.TrimSpace(result.RawResponseText) != "":
		return h.reply(ctx, conv, result.RawResponseText)
	default:
		h.logger.Info("assistant returned nothing to do",
			slog.String("conversation_id", conv.ID),
			slog.Bool("answered", result.Answered))
		return nil
	}
}

// Escalate hands an assistant-owned conversation to a team, stores the system
// notice, tells the team and sends the notice to the customer. Conversations
// that are no longer assistant-owned are left alone.
func (h *EscalationHandler) Escalate(ctx context.Context, conversationID, teamID, teamName string) error {
	persistCtx := context.WithoutCancel(ctx)

	conv, notice, skipped, err := h.applyEscalation(persistCtx, conversationID, teamID, teamName)
	if err != nil || skipped {
		return err
	}
	h.logger.Info("conversation escalated",
		slog.String("conversation_id", conv.ID),
		slog.String("team_id", conv.AssignedTeamID))

	if h.notifier != nil {
		h.notifier.SendToGroup(presence.TeamGroup(conv.TenantID, conv.AssignedTeamID),
			presence.NewEvent(presence.EventNewConversationAdded, conv.ID, conv))
	}
	if h.dispatcher != nil {
		if _, err := h.dispatcher.Dispatch(ctx, conv, notice); err != nil {
			h.logger.Warn("escalation notice not delivered",
				slog.String("conversation_id", conv.ID),
				slog.Any("error", err))
		}
	}
	env := events.NewEnvelope(events.KeyConversationEscalated, events.ConversationEscalated{
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		TeamID:         conv.AssignedTeamID,
		TeamName:       conv.AssignedTeamName,
		EscalatedAt:    conv.UpdatedAt,
	}).WithCorrelation(conv.ID)
	if err := h.publisher.Publish(persistCtx, events.KeyConversationEscalated, env); err != nil {
		h.logger.Warn("publish escalation event", slog.String("conversation_id", conv.ID), slog.Any("error", err))
	}
	return nil
}

func (h *EscalationHandler) applyEscalation(ctx context.Context, conversationID, teamID, teamName string) (conversation.Conversation, message.Message, bool, error) {
	unlock := h.locks.Lock(conversation.LockKey(conversationID))
	defer unlock()

	var conv conversation.Conversation
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		current, err := h.store.GetConversation(ctx, conversationID)
		if err != nil {
			return conversation.Conversation{}, message.Message{}, false, fmt.Errorf("load conversation: %w", err)
		}
		if st := current.State(); st != conversation.StateAssignedToAssistant {
			h.logger.Info("escalation skipped",
				slog.String("conversation_id", conversationID),
				slog.String("state", string(st)))
			return current, message.Message{}, true, nil
		}
		if err := current.Escalate(teamID, teamName, h.now().UTC()); err != nil {
			return conversation.Conversation{}, message.Message{}, false, err
		}
		updated, err := h.store.UpdateConversation(ctx, current)
		if err == nil {
			conv = updated
			lastErr = nil
			break
		}
		if !errors.Is(err, conversation.ErrConcurrencyConflict) {
			return conversation.Conversation{}, message.Message{}, false, fmt.Errorf("update conversation: %w", err)
		}
		lastErr = err
	}
	if lastErr != nil {
		return conversation.Conversation{}, message.Message{}, false, lastErr
	}

	now := h.now().UTC()
	notice, err := h.store.CreateMessage(ctx, message.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           message.RoleSystem,
		AuthorName:     systemAuthorName,
		Body:           h.Notice(conv.AssignedTeamName),
		Status:         message.StatusPending,
		SentAt:         now,
		ChangedAt:      now,
	})
	if err != nil {
		return conversation.Conversation{}, message.Message{}, false, fmt.Errorf("store escalation notice: %w", err)
	}
	return conv, notice, false, nil
}

func (h *EscalationHandler) reply(ctx context.Context, conv conversation.Conversation, text string) error {
	persistCtx := context.WithoutCancel(ctx)
	unlock := h.locks.Lock(conversation.LockKey(conv.ID))
	current, err := h.store.GetConversation(persistCtx, conv.ID)
	if err != nil {
		unlock()
		return fmt.Errorf("load conversation: %w", err)
	}
	if st := current.State(); st != conversation.StateAssignedToAssistant {
		unlock()
		h.logger.Info("reply skipped",
			slog.String("conversation_id", conv.ID),
			slog.String("state", string(st)))
		return nil
	}
	conv = current
	now := h.now().UTC()
	msg, err := h.store.CreateMessage(persistCtx, message.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           message.RoleAssistant,
		AuthorName:     assistantAuthorName,
		Body:           strings.TrimSpace(text),
		Status:         message.StatusPending,
		SentAt:         now,
		ChangedAt:      now,
	})
	unlock()
	if err != nil {
		return fmt.Errorf("store assistant reply: %w", err)
	}
	if h.dispatcher == nil {
		return nil
	}
	if _, err := h.dispatcher.Dispatch(ctx, conv, msg); err != nil {
		h.logger.Warn("assistant reply not delivered",
			slog.String("conversation_id", conv.ID),
			slog.String("message_id", msg.ID),
			slog.Any("error", err))
	}
	return nil
}
