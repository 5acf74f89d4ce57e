package postgres_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/supportdesk/internal/archive"
	"github.com/memohai/supportdesk/internal/channel"
	"github.com/memohai/supportdesk/internal/conversation"
	"github.com/memohai/supportdesk/internal/db"
	"github.com/memohai/supportdesk/internal/message"
	"github.com/memohai/supportdesk/internal/store/postgres"
)

func setupStore(t *testing.T) *postgres.Store {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("skip integration test: TEST_POSTGRES_DSN is not set")
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	if err := db.MigrateUp(logger, dsn); err != nil {
		t.Skipf("skip integration test: migrate failed: %v", err)
	}
	pool, err := db.OpenDSN(context.Background(), dsn)
	if err != nil {
		t.Skipf("skip integration test: cannot connect to database: %v", err)
	}
	t.Cleanup(pool.Close)
	return postgres.New(logger, pool)
}

func newConversation(tenant, sender string) conversation.Conversation {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return conversation.Conversation{
		ID:                  uuid.NewString(),
		TenantID:            tenant,
		Source:              channel.WhatsApp,
		SenderID:            sender,
		SenderName:          "Jane",
		AssignedToAssistant: true,
		Active:              true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func newMessage(convID, pmid, body string) message.Message {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return message.Message{
		ID:                uuid.NewString(),
		ConversationID:    convID,
		ProviderMessageID: pmid,
		Role:              message.RoleCustomer,
		AuthorName:        "Jane",
		Body:              body,
		Status:            message.StatusSentToProvider,
		SentAt:            now,
		ChangedAt:         now,
	}
}

func TestConversationLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := t.Context()
	tenant := "it-" + uuid.NewString()

	conv, err := s.CreateConversation(ctx, newConversation(tenant, "15550001"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), conv.Version)

	_, err = s.CreateConversation(ctx, newConversation(tenant, "15550001"))
	assert.ErrorIs(t, err, conversation.ErrConcurrencyConflict)

	found, err := s.FindActiveConversation(ctx, tenant, "15550001")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, found.ID)
	assert.Equal(t, channel.WhatsApp, found.Source)

	conv.AssignedAgentID = "u1"
	conv.AssignedToAssistant = false
	updated, err := s.UpdateConversation(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	_, err = s.UpdateConversation(ctx, conv)
	assert.ErrorIs(t, err, conversation.ErrConcurrencyConflict)

	missing := newConversation(tenant, "nobody")
	_, err = s.UpdateConversation(ctx, missing)
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	list, err := s.ListActiveConversations(ctx, tenant)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMessagesAndStatus(t *testing.T) {
	s := setupStore(t)
	ctx := t.Context()
	tenant := "it-" + uuid.NewString()
	conv, err := s.CreateConversation(ctx, newConversation(tenant, "S"))
	require.NoError(t, err)

	pmid := "wamid." + uuid.NewString()
	first, err := s.CreateMessage(ctx, newMessage(conv.ID, pmid, "Hello"))
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, newMessage(conv.ID, pmid, "Hello"))
	assert.ErrorIs(t, err, message.ErrDuplicate)
	_, err = s.CreateMessage(ctx, newMessage("missing", "", "x"))
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	reply, err := s.CreateMessage(ctx, newMessage(conv.ID, "", "Hi"))
	require.NoError(t, err)
	assert.Empty(t, reply.ProviderMessageID)
	require.NoError(t, s.SetProviderMessageID(ctx, reply.ID, "out."+reply.ID))
	assert.ErrorIs(t, s.SetProviderMessageID(ctx, reply.ID, pmid), message.ErrDuplicate)

	got, err := s.FindMessageByProviderID(ctx, "out."+reply.ID)
	require.NoError(t, err)
	assert.Equal(t, reply.ID, got.ID)

	changed, err := s.UpdateMessageStatus(ctx, message.StatusChange{
		MessageID: reply.ID, From: message.StatusSentToProvider, To: message.StatusDelivered, ChangedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, message.StatusDelivered, changed.Status)
	_, err = s.UpdateMessageStatus(ctx, message.StatusChange{
		MessageID: reply.ID, From: message.StatusSentToProvider, To: message.StatusSent, ChangedAt: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, message.ErrConcurrencyConflict)

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, first.ID, msgs[0].ID)
	assert.Equal(t, reply.ID, msgs[1].ID)
}

func TestArchiveIsAtomic(t *testing.T) {
	s := setupStore(t)
	ctx := t.Context()
	tenant := "it-" + uuid.NewString()
	conv, err := s.CreateConversation(ctx, newConversation(tenant, "S"))
	require.NoError(t, err)
	msg, err := s.CreateMessage(ctx, newMessage(conv.ID, "", "call +1 555 123 4567"))
	require.NoError(t, err)

	rec := archive.Record{
		Conversation: archive.ArchivedConversation{
			ID: uuid.NewString(), OriginalID: conv.ID, TenantID: tenant, Source: conv.Source,
			SenderPseudonym: "abc", CreatedAt: conv.CreatedAt, ArchivedAt: time.Now().UTC(),
		},
		Messages: []archive.ArchivedMessage{{
			ID: uuid.NewString(), Role: msg.Role, AuthorName: "abc", Body: "call [redacted]",
			Status: msg.Status, SentAt: msg.SentAt, ChangedAt: msg.ChangedAt,
		}},
		LiveID:           conv.ID,
		LiveVersion:      conv.Version,
		LiveMessageCount: 2,
	}
	// stale snapshot writes nothing
	assert.ErrorIs(t, s.ArchiveConversation(ctx, rec), conversation.ErrConcurrencyConflict)
	_, _, err = s.GetArchivedConversation(ctx, rec.Conversation.ID)
	assert.ErrorIs(t, err, archive.ErrNotFound)

	rec.LiveMessageCount = 1
	require.NoError(t, s.ArchiveConversation(ctx, rec))

	_, err = s.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, conversation.ErrNotFound)
	_, err = s.GetMessage(ctx, msg.ID)
	assert.ErrorIs(t, err, message.ErrNotFound)

	archived, msgs, err := s.GetArchivedConversation(ctx, rec.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, archived.OriginalID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "call [redacted]", msgs[0].Body)

	assert.ErrorIs(t, s.ArchiveConversation(ctx, rec), conversation.ErrNotFound)
}
