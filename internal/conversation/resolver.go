package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/supportdesk/internal/channel"
	"github.com/memohai/supportdesk/internal/keylock"
)

// ResolveRequest identifies the customer an inbound message came from.
type ResolveRequest struct {
	TenantID   string
	SenderID   string
	SenderName string
	Source     channel.ChannelType
}

// Resolver finds or creates the single active conversation for a (tenant, sender) pair.
type Resolver struct {
	repo   Repository
	locks  *keylock.Locker
	logger *slog.Logger
	now    func() time.Time
}

// NewResolver creates a resolver. Creation is serialized per (tenant, sender)
// in process; the repository's uniqueness on active pairs covers other processes.
func NewResolver(log *slog.Logger, repo Repository, locks *keylock.Locker) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	if locks == nil {
		locks = keylock.New()
	}
	return &Resolver{
		repo:   repo,
		locks:  locks,
		logger: log.With(slog.String("component", "conversation_resolver")),
		now:    time.Now,
	}
}

// Find returns the active conversation for the pair, or ErrNotFound.
func (r *Resolver) Find(ctx context.Context, tenantID, senderID string) (Conversation, error) {
	return r.repo.FindActiveConversation(ctx, strings.TrimSpace(tenantID), strings.TrimSpace(senderID))
}

// Resolve returns the active conversation for the pair, creating an
// assistant-owned one when none exists. created reports whether this call
// created it.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (conv Conversation, created bool, err error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.SenderID = strings.TrimSpace(req.SenderID)
	if req.TenantID == "" || req.SenderID == "" {
		return Conversation{}, false, fmt.Errorf("tenant id and sender id are required")
	}

	unlock := r.locks.Lock(senderKey(req.TenantID, req.SenderID))
	defer unlock()

	existing, err := r.repo.FindActiveConversation(ctx, req.TenantID, req.SenderID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Conversation{}, false, fmt.Errorf("find conversation: %w", err)
	}

	now := r.now().UTC()
	fresh := Conversation{
		ID:                  uuid.NewString(),
		TenantID:            req.TenantID,
		Source:              req.Source,
		SenderID:            req.SenderID,
		SenderName:          strings.TrimSpace(req.SenderName),
		AssignedToAssistant: true,
		Active:              true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	stored, err := r.repo.CreateConversation(ctx, fresh)
	if err == nil {
		r.logger.Info("conversation created",
			slog.String("conversation_id", stored.ID),
			slog.String("tenant_id", stored.TenantID),
			slog.String("source", stored.Source.String()))
		return stored, true, nil
	}
	if !errors.Is(err, ErrConcurrencyConflict) {
		return Conversation{}, false, fmt.Errorf("create conversation: %w", err)
	}

	// Another process won the insert; its row is the one to use.
	r.logger.Debug("conversation create lost race, re-reading",
		slog.String("tenant_id", req.TenantID))
	existing, err = r.repo.FindActiveConversation(ctx, req.TenantID, req.SenderID)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
	}
	return existing, false, nil
}

// senderKey is the lock key for a (tenant, sender) pair.
func senderKey(tenantID, senderID string) string {
	return "sender|" + tenantID + "|" + senderID
}

// LockKey is the per-conversation lock key shared by every writer of a
// conversation and its messages.
func LockKey(conversationID string) string {
	return "conversation|" + conversationID
}
