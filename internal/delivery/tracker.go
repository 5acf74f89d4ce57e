// Package delivery applies asynchronous provider delivery receipts to stored
// messages.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/memohai/supportdesk/internal/channel"
	"github.com/memohai/supportdesk/internal/conversation"
	"github.com/memohai/supportdesk/internal/keylock"
	"github.com/memohai/supportdesk/internal/message"
	"github.com/memohai/supportdesk/internal/presence"
)

var ErrMalformedStatus = errors.New("malformed status payload")

// ConversationLookup is the slice of conversation storage the tracker needs to
// find who to notify.
type ConversationLookup interface {
	GetConversation(ctx context.Context, id string) (conversation.Conversation, error)
}

// Result describes what Apply or MarkFailed did.
type Result struct {
	Applied  bool
	Previous message.Status
	Message  message.Message
}

type Tracker struct {
	messages      message.Repository
	conversations ConversationLookup
	locks         *keylock.Locker
	notifier      presence.Notifier
	logger        *slog.Logger
	now           func() time.Time
}

func NewTracker(log *slog.Logger, messages message.Repository, conversations ConversationLookup, locks *keylock.Locker, notifier presence.Notifier) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	if locks == nil {
		locks = keylock.New()
	}
	return &Tracker{
		messages:      messages,
		conversations: conversations,
		locks:         locks,
		notifier:      notifier,
		logger:        log.With(slog.String("component", "delivery_tracker")),
		now:           time.Now,
	}
}

// ParseStatusKeyword maps a provider status keyword onto a message status.
func ParseStatusKeyword(raw string) (message.Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "accepted", "sent_to_provider":
		return message.StatusSentToProvider, nil
	case "sent":
		return message.StatusSent, nil
	case "delivered":
		return message.StatusDelivered, nil
	case "read":
		return message.StatusRead, nil
	case "failed", "error", "rejected", "undeliverable":
		return message.StatusError, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrMalformedStatus, raw)
	}
}

// ParseTimestamp accepts RFC 3339, unix seconds or unix milliseconds.
func ParseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}, false
	}
	if n >= 1e12 {
		return time.UnixMilli(n).UTC(), true
	}
	return time.Unix(n, 0).UTC(), true
}

// Apply folds one provider status event into the stored message. Events for
// unknown provider ids, including messages that were archived since, are
// ignored.
func (t *Tracker) Apply(ctx context.Context, ev channel.StatusEvent) (Result, error) {
	pmid := strings.TrimSpace(ev.ProviderMessageID)
	if pmid == "" {
		return Result{}, fmt.Errorf("%w: provider message id is required", ErrMalformedStatus)
	}
	incoming, err := ParseStatusKeyword(ev.Status)
	if err != nil {
		return Result{}, err
	}
	msg, err := t.messages.FindMessageByProviderID(ctx, pmid)
	if errors.Is(err, message.ErrNotFound) {
		t.logger.Debug("status for unknown message ignored",
			slog.String("provider_message_id", pmid),
			slog.String("source", ev.Source.String()))
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("find message: %w", err)
	}
	owned, err := t.ownedBy(ctx, msg, ev)
	if err != nil || !owned {
		return Result{}, err
	}
	at, ok := ParseTimestamp(ev.Timestamp)
	if !ok {
		at = t.now().UTC()
	}
	return t.transition(ctx, msg, incoming, strings.TrimSpace(ev.Error), at)
}

// ownedBy reports whether the message belongs to a conversation of the event's
// channel and tenant. Foreign messages are treated like unknown ids.
func (t *Tracker) ownedBy(ctx context.Context, msg message.Message, ev channel.StatusEvent) (bool, error) {
	if t.conversations == nil {
		return true, nil
	}
	conv, err := t.conversations.GetConversation(ctx, msg.ConversationID)
	if errors.Is(err, conversation.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load conversation: %w", err)
	}
	if conv.Source != ev.Source || conv.TenantID != strings.TrimSpace(ev.TenantID) {
		t.logger.Warn("status for foreign message ignored",
			slog.String("provider_message_id", msg.ProviderMessageID),
			slog.String("source", ev.Source.String()),
			slog.String("tenant_id", ev.TenantID))
		return false, nil
	}
	return true, nil
}

// MarkFailed moves a message to error for a locally detected failure.
func (t *Tracker) MarkFailed(ctx context.Context, messageID, detail string) (Result, error) {
	msg, err := t.messages.GetMessage(ctx, messageID)
	if errors.Is(err, message.ErrNotFound) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("get message: %w", err)
	}
	return t.transition(ctx, msg, message.StatusError, detail, t.now().UTC())
}

// MarkSentToProvider records a provider acceptance for an outbound message.
func (t *Tracker) MarkSentToProvider(ctx context.Context, messageID string) (Result, error) {
	msg, err := t.messages.GetMessage(ctx, messageID)
	if errors.Is(err, message.ErrNotFound) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("get message: %w", err)
	}
	return t.transition(ctx, msg, message.StatusSentToProvider, "", t.now().UTC())
}

func (t *Tracker) transition(ctx context.Context, msg message.Message, incoming message.Status, detail string, at time.Time) (Result, error) {
	res, err := t.persist(ctx, msg, incoming, detail, at)
	if err != nil || !res.Applied {
		return res, err
	}
	if res.Message.Status == message.StatusError {
		t.logger.Warn("message delivery failed",
			slog.String("message_id", res.Message.ID),
			slog.String("provider_message_id", res.Message.ProviderMessageID),
			slog.String("error_detail", detail))
	} else {
		t.logger.Debug("message status updated",
			slog.String("message_id", res.Message.ID),
			slog.String("from", string(res.Previous)),
			slog.String("to", string(res.Message.Status)))
	}
	t.notify(ctx, res.Message)
	return res, nil
}

func (t *Tracker) persist(ctx context.Context, msg message.Message, incoming message.Status, detail string, at time.Time) (Result, error) {
	unlock := t.locks.Lock(conversation.LockKey(msg.ConversationID))
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		current, err := t.messages.GetMessage(ctx, msg.ID)
		if errors.Is(err, message.ErrNotFound) {
			return Result{}, nil
		}
		if err != nil {
			return Result{}, fmt.Errorf("reload message: %w", err)
		}
		next, changed := message.Advance(current.Status, incoming)
		if !changed {
			return Result{Previous: current.Status, Message: current}, nil
		}
		change := message.StatusChange{
			MessageID: current.ID,
			From:      current.Status,
			To:        next,
			ChangedAt: at,
		}
		if next == message.StatusError {
			change.ErrorDetail = detail
		}
		updated, err := t.messages.UpdateMessageStatus(ctx, change)
		if err == nil {
			return Result{Applied: true, Previous: current.Status, Message: updated}, nil
		}
		if errors.Is(err, message.ErrNotFound) {
			return Result{}, nil
		}
		if !errors.Is(err, message.ErrConcurrencyConflict) {
			return Result{}, fmt.Errorf("update message status: %w", err)
		}
		lastErr = err
	}
	return Result{}, lastErr
}

func (t *Tracker) notify(ctx context.Context, msg message.Message) {
	if t.notifier == nil || t.conversations == nil {
		return
	}
	conv, err := t.conversations.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		t.logger.Debug("status notification skipped",
			slog.String("conversation_id", msg.ConversationID),
			slog.Any("error", err))
		return
	}
	if conv.AssignedAgentID == "" {
		return
	}
	t.notifier.SendToUser(conv.AssignedAgentID, presence.NewEvent(
		presence.EventMessageStatusUpdated,
		conv.ID,
		presence.StatusUpdate{MessageID: msg.ID, Status: string(msg.Status)},
	))
}
