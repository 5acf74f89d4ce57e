// Package dispatch routes inbound customer messages and operator actions
// through the conversation state machine.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/supportdesk/internal/archive"
	"github.com/memohai/supportdesk/internal/channel"
	"github.com/memohai/supportdesk/internal/conversation"
	"github.com/memohai/supportdesk/internal/dedupe"
	"github.com/memohai/supportdesk/internal/keylock"
	"github.com/memohai/supportdesk/internal/message"
	"github.com/memohai/supportdesk/internal/presence"
)

var (
	ErrNotAssigned = errors.New("conversation is not assigned to this operator")
	ErrEmptyReply  = errors.New("reply text is required")
)

// Store is the live persistence the router reads and writes.
type Store interface {
	GetConversation(ctx context.Context, id string) (conversation.Conversation, error)
	ListActiveConversations(ctx context.Context, tenantID string) ([]conversation.Conversation, error)
	UpdateConversation(ctx context.Context, conv conversation.Conversation) (conversation.Conversation, error)
	CreateMessage(ctx context.Context, msg message.Message) (message.Message, error)
	GetMessage(ctx context.Context, id string) (message.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]message.Message, error)
}

// Escalator hands a stored customer message to the assistant.
type Escalator interface {
	Handle(ctx context.Context, conv conversation.Conversation, customerMsg message.Message) error
}

// Dispatcher forwards a stored message to the customer's channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, conv conversation.Conversation, msg message.Message) (string, error)
}

// Archiver closes conversations.
type Archiver interface {
	Archive(ctx context.Context, tenantID, senderID string) (archive.ArchivedConversation, error)
	ArchiveConversation(ctx context.Context, tenantID, conversationID string) (archive.ArchivedConversation, error)
}

// MessagePayload is the data of SendMessageToAssignedUser.
type MessagePayload struct {
	Conversation conversation.Conversation `json:"conversation"`
	Message      message.Message           `json:"message"`
}

// InboundResult reports what HandleInbound did.
type InboundResult struct {
	Conversation conversation.Conversation
	Message      message.Message
	Created      bool
	Duplicate    bool
}

// Deps are the router's collaborators. Resolver and Store are required.
type Deps struct {
	Resolver   *conversation.Resolver
	Store      Store
	Escalator  Escalator
	Dispatcher Dispatcher
	Archiver   Archiver
	Notifier   presence.Notifier
	Dedupe     *dedupe.Cache
	Locks      *keylock.Locker
}

type Router struct {
	resolver   *conversation.Resolver
	store      Store
	escalator  Escalator
	dispatcher Dispatcher
	archiver   Archiver
	notifier   presence.Notifier
	dedupe     *dedupe.Cache
	locks      *keylock.Locker
	logger     *slog.Logger
	now        func() time.Time
}

func NewRouter(log *slog.Logger, deps Deps) *Router {
	if log == nil {
		log = slog.Default()
	}
	if deps.Locks == nil {
		deps.Locks = keylock.New()
	}
	return &Router{
		resolver:   deps.Resolver,
		store:      deps.Store,
		escalator:  deps.Escalator,
		dispatcher: deps.Dispatcher,
		archiver:   deps.Archiver,
		notifier:   deps.Notifier,
		dedupe:     deps.Dedupe,
		locks:      deps.Locks,
		logger:     log.With(slog.String("component", "dispatch")),
		now:        time.Now,
	}
}

// HandleInbound stores a customer message on the sender's active conversation
// and routes it by the conversation's state. Redelivered provider messages are
// acknowledged without being processed again.
func (r *Router) HandleInbound(ctx context.Context, in channel.InboundMessage) (InboundResult, error) {
	in, err := channel.NormalizeInbound(in, r.now().UTC())
	if err != nil {
		return InboundResult{}, err
	}
	key := in.DedupeKey()
	if r.dedupe != nil && r.dedupe.Seen(key) {
		r.logger.Debug("duplicate inbound dropped", slog.String("key", key))
		return InboundResult{Duplicate: true}, nil
	}

	res, err := r.persistInbound(context.WithoutCancel(ctx), in)
	if err != nil {
		if r.dedupe != nil {
			r.dedupe.Forget(key)
		}
		return InboundResult{}, err
	}
	if res.Duplicate {
		r.logger.Debug("duplicate inbound acknowledged",
			slog.String("provider_message_id", in.ProviderMessageID))
		return res, nil
	}

	r.route(ctx, res)
	return res, nil
}

func (r *Router) persistInbound(ctx context.Context, in channel.InboundMessage) (InboundResult, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		conv, created, err := r.resolver.Resolve(ctx, conversation.ResolveRequest{
			TenantID:   in.TenantID,
			SenderID:   in.SenderID,
			SenderName: in.SenderName,
			Source:     in.Source,
		})
		if err != nil {
			return InboundResult{}, fmt.Errorf("resolve conversation: %w", err)
		}

		unlock := r.locks.Lock(conversation.LockKey(conv.ID))
		stored, err := r.store.CreateMessage(ctx, message.Message{
			ID:                uuid.NewString(),
			ConversationID:    conv.ID,
			ProviderMessageID: in.ProviderMessageID,
			Role:              message.RoleCustomer,
			AuthorName:        in.SenderName,
			Body:              in.Text,
			Status:            message.StatusSentToProvider,
			SentAt:            in.ReceivedAt,
			ChangedAt:         in.ReceivedAt,
		})
		if err == nil {
			conv, err = r.store.GetConversation(ctx, conv.ID)
		}
		unlock()

		switch {
		case err == nil:
			return InboundResult{Conversation: conv, Message: stored, Created: created}, nil
		case errors.Is(err, message.ErrDuplicate):
			return InboundResult{Conversation: conv, Duplicate: true}, nil
		case errors.Is(err, conversation.ErrNotFound):
			// archived between resolve and write; the next resolve starts a new one
			lastErr = err
			continue
		default:
			return InboundResult{}, fmt.Errorf("store inbound message: %w", err)
		}
	}
	return InboundResult{}, fmt.Errorf("store inbound message: %w", lastErr)
}

func (r *Router) route(ctx context.Context, res InboundResult) {
	conv := res.Conversation
	payload := MessagePayload{Conversation: conv, Message: res.Message}

	switch conv.State() {
	case conversation.StateAssignedToAgent:
		r.sendToUser(conv.AssignedAgentID, presence.NewEvent(presence.EventSendMessageToAssignedUser, conv.ID, payload))
	case conversation.StateEscalatedPendingTeam:
		r.sendToGroup(presence.TeamGroup(conv.TenantID, conv.AssignedTeamID),
			presence.NewEvent(presence.EventSendMessageToAssignedUser, conv.ID, payload))
	case conversation.StateAssignedToAssistant:
		if res.Created {
			r.sendToGroup(presence.TenantGroup(conv.TenantID),
				presence.NewEvent(presence.EventNewConversationAdded, conv.ID, conv))
		}
		if r.escalator == nil {
			return
		}
		if err := r.escalator.Handle(ctx, conv, res.Message); err != nil {
			r.logger.Error("assistant handling failed",
				slog.String("conversation_id", conv.ID),
				slog.String("message_id", res.Message.ID),
				slog.Any("error", err))
		}
	default:
		r.logger.Warn("inbound on conversation in unexpected state",
			slog.String("conversation_id", conv.ID),
			slog.String("state", string(conv.State())))
	}
}

// Claim assigns a conversation to the operator. Conversations of other tenants
// are reported as not found.
func (r *Router) Claim(ctx context.Context, conversationID string, op presence.Operator) (conversation.Conversation, error) {
	conv, changed, err := r.claim(context.WithoutCancel(ctx), conversationID, op)
	if err != nil || !changed {
		return conv, err
	}
	r.logger.Info("conversation claimed",
		slog.String("conversation_id", conv.ID),
		slog.String("agent_id", op.ID))

	r.sendToUser(op.ID, presence.NewEvent(presence.EventAssignConversation, conv.ID, conv))
	removed := presence.NewEvent(presence.EventRemoveNewConversation, conv.ID, conv)
	r.sendToGroup(presence.TenantGroup(conv.TenantID), removed)
	if conv.AssignedTeamID != "" {
		r.sendToGroup(presence.TeamGroup(conv.TenantID, conv.AssignedTeamID), removed)
	}
	return conv, nil
}

func (r *Router) claim(ctx context.Context, conversationID string, op presence.Operator) (conversation.Conversation, bool, error) {
	unlock := r.locks.Lock(conversation.LockKey(conversationID))
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		conv, err := r.tenantConversation(ctx, op.TenantID, conversationID)
		if err != nil {
			return conversation.Conversation{}, false, err
		}
		changed, err := conv.Claim(op.ID, r.now().UTC())
		if err != nil {
			return conversation.Conversation{}, false, err
		}
		if !changed {
			return conv, false, nil
		}
		updated, err := r.store.UpdateConversation(ctx, conv)
		if err == nil {
			return updated, true, nil
		}
		if !errors.Is(err, conversation.ErrConcurrencyConflict) {
			return conversation.Conversation{}, false, fmt.Errorf("update conversation: %w", err)
		}
		lastErr = err
	}
	return conversation.Conversation{}, false, lastErr
}

// Reply stores an agent's answer and sends it to the customer. Only the agent
// the conversation is assigned to may reply.
func (r *Router) Reply(ctx context.Context, conversationID string, op presence.Operator, text string) (message.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return message.Message{}, ErrEmptyReply
	}
	persistCtx := context.WithoutCancel(ctx)

	unlock := r.locks.Lock(conversation.LockKey(conversationID))
	conv, err := r.tenantConversation(persistCtx, op.TenantID, conversationID)
	if err == nil && conv.AssignedAgentID != op.ID {
		err = ErrNotAssigned
	}
	var stored message.Message
	if err == nil {
		author := strings.TrimSpace(op.Name)
		if author == "" {
			author = op.ID
		}
		now := r.now().UTC()
		stored, err = r.store.CreateMessage(persistCtx, message.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			Role:           message.RoleAgent,
			AuthorName:     author,
			Body:           text,
			Status:         message.StatusPending,
			SentAt:         now,
			ChangedAt:      now,
		})
		if err != nil {
			err = fmt.Errorf("store reply: %w", err)
		}
	}
	unlock()
	if err != nil {
		return message.Message{}, err
	}

	r.sendToUser(op.ID, presence.NewEvent(presence.EventSendMessageToAssignedUser, conv.ID,
		MessagePayload{Conversation: conv, Message: stored}))

	if r.dispatcher != nil {
		if _, err := r.dispatcher.Dispatch(ctx, conv, stored); err != nil {
			r.logger.Warn("reply not delivered",
				slog.String("conversation_id", conv.ID),
				slog.String("message_id", stored.ID),
				slog.Any("error", err))
		}
	}
	if current, err := r.store.GetMessage(persistCtx, stored.ID); err == nil {
		stored = current
	}
	return stored, nil
}

// Archive closes the active conversation of a customer.
func (r *Router) Archive(ctx context.Context, tenantID, senderID string) (archive.ArchivedConversation, error) {
	archived, err := r.archiver.Archive(ctx, tenantID, senderID)
	if err != nil {
		return archive.ArchivedConversation{}, err
	}
	r.announceArchived(archived)
	return archived, nil
}

// ArchiveConversation closes a conversation by id.
func (r *Router) ArchiveConversation(ctx context.Context, tenantID, conversationID string) (archive.ArchivedConversation, error) {
	archived, err := r.archiver.ArchiveConversation(ctx, tenantID, conversationID)
	if err != nil {
		return archive.ArchivedConversation{}, err
	}
	r.announceArchived(archived)
	return archived, nil
}

func (r *Router) announceArchived(archived archive.ArchivedConversation) {
	r.sendToGroup(presence.TenantGroup(archived.TenantID),
		presence.NewEvent(presence.EventRemoveNewConversation, archived.OriginalID, archived))
}

// Conversations lists the tenant's active conversations.
func (r *Router) Conversations(ctx context.Context, tenantID string) ([]conversation.Conversation, error) {
	return r.store.ListActiveConversations(ctx, tenantID)
}

// Conversation returns one active conversation of the tenant.
func (r *Router) Conversation(ctx context.Context, tenantID, conversationID string) (conversation.Conversation, error) {
	return r.tenantConversation(ctx, tenantID, conversationID)
}

// Messages lists a conversation's messages in send order.
func (r *Router) Messages(ctx context.Context, tenantID, conversationID string) ([]message.Message, error) {
	if _, err := r.tenantConversation(ctx, tenantID, conversationID); err != nil {
		return nil, err
	}
	return r.store.ListMessages(ctx, conversationID)
}

// History returns a customer's active conversation with its messages.
func (r *Router) History(ctx context.Context, tenantID, senderID string) (conversation.Conversation, []message.Message, error) {
	conv, err := r.resolver.Find(ctx, tenantID, senderID)
	if err != nil {
		return conversation.Conversation{}, nil, err
	}
	msgs, err := r.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return conversation.Conversation{}, nil, fmt.Errorf("list messages: %w", err)
	}
	return conv, msgs, nil
}

func (r *Router) tenantConversation(ctx context.Context, tenantID, conversationID string) (conversation.Conversation, error) {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return conversation.Conversation{}, err
	}
	if conv.TenantID != tenantID || !conv.Active {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return conv, nil
}

func (r *Router) sendToUser(userID string, ev presence.Event) {
	if r.notifier == nil || userID == "" {
		return
	}
	r.notifier.SendToUser(userID, ev)
}

func (r *Router) sendToGroup(group string, ev presence.Event) {
	if r.notifier == nil {
		return
	}
	r.notifier.SendToGroup(group, ev)
}
