// Package memory is an in-process Store used for tests and single-node demos.
// It enforces the same uniqueness and conditional-update rules as postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/memohai/supportdesk/internal/archive"
	"github.com/memohai/supportdesk/internal/conversation"
	"github.com/memohai/supportdesk/internal/message"
	"github.com/memohai/supportdesk/internal/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	conversations map[string]conversation.Conversation
	activeBySend  map[string]string // tenant|sender -> conversation id
	messages      map[string]message.Message
	byConv        map[string][]string // conversation id -> message ids, insertion order
	byProvider    map[string]string   // provider message id -> message id

	archived     map[string]archive.ArchivedConversation
	archivedMsgs map[string][]archive.ArchivedMessage
}

func New() *Store {
	return &Store{
		conversations: map[string]conversation.Conversation{},
		activeBySend:  map[string]string{},
		messages:      map[string]message.Message{},
		byConv:        map[string][]string{},
		byProvider:    map[string]string{},
		archived:      map[string]archive.ArchivedConversation{},
		archivedMsgs:  map[string][]archive.ArchivedMessage{},
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func pairKey(tenantID, senderID string) string { return tenantID + "|" + senderID }

func (s *Store) CreateConversation(_ context.Context, conv conversation.Conversation) (conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[conv.ID]; exists {
		return conversation.Conversation{}, conversation.ErrConcurrencyConflict
	}
	key := pairKey(conv.TenantID, conv.SenderID)
	if conv.Active {
		if _, exists := s.activeBySend[key]; exists {
			return conversation.Conversation{}, conversation.ErrConcurrencyConflict
		}
		s.activeBySend[key] = conv.ID
	}
	conv.Version = 1
	s.conversations[conv.ID] = conv
	return conv, nil
}

func (s *Store) GetConversation(_ context.Context, id string) (conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return conv, nil
}

func (s *Store) FindActiveConversation(_ context.Context, tenantID, senderID string) (conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.activeBySend[pairKey(tenantID, senderID)]
	if !ok {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return s.conversations[id], nil
}

func (s *Store) ListActiveConversations(_ context.Context, tenantID string) ([]conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]conversation.Conversation, 0)
	for _, conv := range s.conversations {
		if conv.Active && conv.TenantID == tenantID {
			items = append(items, conv)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (s *Store) ListIdleConversations(_ context.Context, before time.Time, limit int) ([]conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]conversation.Conversation, 0)
	for _, conv := range s.conversations {
		if !conv.Active {
			continue
		}
		if s.lastActivityLocked(conv).Before(before) {
			items = append(items, conv)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *Store) lastActivityLocked(conv conversation.Conversation) time.Time {
	last := conv.UpdatedAt
	for _, id := range s.byConv[conv.ID] {
		if m := s.messages[id]; m.SentAt.After(last) {
			last = m.SentAt
		}
	}
	return last
}

func (s *Store) UpdateConversation(_ context.Context, conv conversation.Conversation) (conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.conversations[conv.ID]
	if !ok {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	if current.Version != conv.Version {
		return conversation.Conversation{}, conversation.ErrConcurrencyConflict
	}
	key := pairKey(current.TenantID, current.SenderID)
	if current.Active && !conv.Active {
		delete(s.activeBySend, key)
	}
	conv.Version = current.Version + 1
	s.conversations[conv.ID] = conv
	return conv, nil
}

func (s *Store) CreateMessage(_ context.Context, msg message.Message) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return message.Message{}, conversation.ErrNotFound
	}
	if _, exists := s.messages[msg.ID]; exists {
		return message.Message{}, message.ErrConcurrencyConflict
	}
	if msg.ProviderMessageID != "" {
		if _, exists := s.byProvider[msg.ProviderMessageID]; exists {
			return message.Message{}, message.ErrDuplicate
		}
		s.byProvider[msg.ProviderMessageID] = msg.ID
	}
	s.messages[msg.ID] = msg
	s.byConv[msg.ConversationID] = append(s.byConv[msg.ConversationID], msg.ID)
	return msg, nil
}

func (s *Store) GetMessage(_ context.Context, id string) (message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return message.Message{}, message.ErrNotFound
	}
	return msg, nil
}

func (s *Store) FindMessageByProviderID(_ context.Context, providerMessageID string) (message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byProvider[providerMessageID]
	if !ok {
		return message.Message{}, message.ErrNotFound
	}
	return s.messages[id], nil
}

func (s *Store) ListMessages(_ context.Context, conversationID string) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byConv[conversationID]
	items := make([]message.Message, 0, len(ids))
	for _, id := range ids {
		items = append(items, s.messages[id])
	}
	return items, nil
}

func (s *Store) SetProviderMessageID(_ context.Context, id, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return message.ErrNotFound
	}
	if owner, exists := s.byProvider[providerMessageID]; exists && owner != id {
		return message.ErrDuplicate
	}
	if msg.ProviderMessageID != "" {
		delete(s.byProvider, msg.ProviderMessageID)
	}
	msg.ProviderMessageID = providerMessageID
	s.byProvider[providerMessageID] = id
	s.messages[id] = msg
	return nil
}

func (s *Store) UpdateMessageStatus(_ context.Context, change message.StatusChange) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[change.MessageID]
	if !ok {
		return message.Message{}, message.ErrNotFound
	}
	if msg.Status != change.From {
		return message.Message{}, message.ErrConcurrencyConflict
	}
	msg.Status = change.To
	msg.ChangedAt = change.ChangedAt
	if change.ErrorDetail != "" {
		msg.ErrorDetail = change.ErrorDetail
	}
	s.messages[msg.ID] = msg
	return msg, nil
}

func (s *Store) ArchiveConversation(_ context.Context, rec archive.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	live, ok := s.conversations[rec.LiveID]
	if !ok {
		return conversation.ErrNotFound
	}
	if live.Version != rec.LiveVersion || len(s.byConv[rec.LiveID]) != rec.LiveMessageCount {
		return conversation.ErrConcurrencyConflict
	}
	if _, exists := s.archived[rec.Conversation.ID]; exists {
		return conversation.ErrConcurrencyConflict
	}

	msgs := make([]archive.ArchivedMessage, len(rec.Messages))
	copy(msgs, rec.Messages)
	s.archived[rec.Conversation.ID] = rec.Conversation
	s.archivedMsgs[rec.Conversation.ID] = msgs

	for _, id := range s.byConv[rec.LiveID] {
		if pid := s.messages[id].ProviderMessageID; pid != "" {
			delete(s.byProvider, pid)
		}
		delete(s.messages, id)
	}
	delete(s.byConv, rec.LiveID)
	if live.Active {
		delete(s.activeBySend, pairKey(live.TenantID, live.SenderID))
	}
	delete(s.conversations, rec.LiveID)
	return nil
}

func (s *Store) GetArchivedConversation(_ context.Context, id string) (archive.ArchivedConversation, []archive.ArchivedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.archived[id]
	if !ok {
		return archive.ArchivedConversation{}, nil, archive.ErrNotFound
	}
	msgs := make([]archive.ArchivedMessage, len(s.archivedMsgs[id]))
	copy(msgs, s.archivedMsgs[id])
	return conv, msgs, nil
}
