// Package postgres implements store.Store on pgx. Uniqueness of the active
// conversation per customer and of provider message ids is enforced by
// indexes; conditional updates carry the expected version or status in the
// WHERE clause.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memohai/supportdesk/internal/archive"
	"github.com/memohai/supportdesk/internal/channel"
	"github.com/memohai/supportdesk/internal/conversation"
	"github.com/memohai/supportdesk/internal/db"
	"github.com/memohai/supportdesk/internal/message"
	"github.com/memohai/supportdesk/internal/store"
)

var _ store.Store = (*Store)(nil)

const providerIDIndex = "messages_provider_message_id_idx"

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(log *slog.Logger, pool *pgxpool.Pool) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{pool: pool, logger: log.With(slog.String("component", "store_postgres"))}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const conversationColumns = `id, tenant_id, source, sender_id, sender_name, assigned_agent_id,
  assigned_team_id, assigned_team_name, assigned_to_assistant, active, archived_at,
  version, created_at, updated_at`

const messageColumns = `id, conversation_id, COALESCE(provider_message_id, ''), role, author_name,
  body, status, error_detail, sent_at, changed_at`

func scanConversation(row pgx.Row) (conversation.Conversation, error) {
	var (
		c      conversation.Conversation
		source string
	)
	err := row.Scan(&c.ID, &c.TenantID, &source, &c.SenderID, &c.SenderName, &c.AssignedAgentID,
		&c.AssignedTeamID, &c.AssignedTeamName, &c.AssignedToAssistant, &c.Active, &c.ArchivedAt,
		&c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return conversation.Conversation{}, err
	}
	c.Source = channel.ChannelType(source)
	return c, nil
}

func scanMessage(row pgx.Row) (message.Message, error) {
	var (
		m      message.Message
		role   string
		status string
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.ProviderMessageID, &role, &m.AuthorName,
		&m.Body, &status, &m.ErrorDetail, &m.SentAt, &m.ChangedAt)
	if err != nil {
		return message.Message{}, err
	}
	m.Role = message.Role(role)
	m.Status = message.Status(status)
	return m, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *Store) CreateConversation(ctx context.Context, conv conversation.Conversation) (conversation.Conversation, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO conversations (id, tenant_id, source, sender_id, sender_name, assigned_agent_id,
  assigned_team_id, assigned_team_name, assigned_to_assistant, active, archived_at,
  version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, $12, $13)
RETURNING `+conversationColumns,
		conv.ID, conv.TenantID, conv.Source.String(), conv.SenderID, conv.SenderName, conv.AssignedAgentID,
		conv.AssignedTeamID, conv.AssignedTeamName, conv.AssignedToAssistant, conv.Active, conv.ArchivedAt,
		conv.CreatedAt, conv.UpdatedAt)
	created, err := scanConversation(row)
	if err != nil {
		if code, _, ok := db.PgError(err); ok && code == db.CodeUniqueViolation {
			return conversation.Conversation{}, fmt.Errorf("%w: %w", conversation.ErrConcurrencyConflict, err)
		}
		return conversation.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return created, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (conversation.Conversation, error) {
	conv, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

func (s *Store) FindActiveConversation(ctx context.Context, tenantID, senderID string) (conversation.Conversation, error) {
	conv, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE tenant_id = $1 AND sender_id = $2 AND active`,
		tenantID, senderID))
	if db.IsNoRows(err) {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("find active conversation: %w", err)
	}
	return conv, nil
}

func (s *Store) collectConversations(rows pgx.Rows, err error) ([]conversation.Conversation, error) {
	if err != nil {
		return nil, err
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (conversation.Conversation, error) {
		return scanConversation(row)
	})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []conversation.Conversation{}
	}
	return items, nil
}

func (s *Store) ListActiveConversations(ctx context.Context, tenantID string) ([]conversation.Conversation, error) {
	items, err := s.collectConversations(s.pool.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE tenant_id = $1 AND active ORDER BY created_at`,
		tenantID))
	if err != nil {
		return nil, fmt.Errorf("list active conversations: %w", err)
	}
	return items, nil
}

func (s *Store) ListIdleConversations(ctx context.Context, before time.Time, limit int) ([]conversation.Conversation, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	items, err := s.collectConversations(s.pool.Query(ctx, `
SELECT `+conversationColumns+` FROM conversations c
WHERE c.active
  AND GREATEST(c.updated_at, COALESCE((SELECT max(m.sent_at) FROM messages m WHERE m.conversation_id = c.id), c.updated_at)) < $1
ORDER BY c.created_at
LIMIT $2`, before, lim))
	if err != nil {
		return nil, fmt.Errorf("list idle conversations: %w", err)
	}
	return items, nil
}

func (s *Store) UpdateConversation(ctx context.Context, conv conversation.Conversation) (conversation.Conversation, error) {
	updated, err := scanConversation(s.pool.QueryRow(ctx, `
UPDATE conversations SET
  sender_name = $3,
  assigned_agent_id = $4,
  assigned_team_id = $5,
  assigned_team_name = $6,
  assigned_to_assistant = $7,
  active = $8,
  archived_at = $9,
  updated_at = $10,
  version = version + 1
WHERE id = $1 AND version = $2
RETURNING `+conversationColumns,
		conv.ID, conv.Version, conv.SenderName, conv.AssignedAgentID, conv.AssignedTeamID,
		conv.AssignedTeamName, conv.AssignedToAssistant, conv.Active, conv.ArchivedAt, conv.UpdatedAt))
	if err == nil {
		return updated, nil
	}
	if code, _, ok := db.PgError(err); ok && code == db.CodeUniqueViolation {
		return conversation.Conversation{}, fmt.Errorf("%w: %w", conversation.ErrConcurrencyConflict, err)
	}
	if !db.IsNoRows(err) {
		return conversation.Conversation{}, fmt.Errorf("update conversation: %w", err)
	}
	if _, err := s.GetConversation(ctx, conv.ID); err != nil {
		return conversation.Conversation{}, err
	}
	return conversation.Conversation{}, conversation.ErrConcurrencyConflict
}

func (s *Store) CreateMessage(ctx context.Context, msg message.Message) (message.Message, error) {
	created, err := scanMessage(s.pool.QueryRow(ctx, `
INSERT INTO messages (id, conversation_id, provider_message_id, role, author_name, body,
  status, error_detail, sent_at, changed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING `+messageColumns,
		msg.ID, msg.ConversationID, nullable(msg.ProviderMessageID), string(msg.Role), msg.AuthorName, msg.Body,
		string(msg.Status), msg.ErrorDetail, msg.SentAt, msg.ChangedAt))
	if err == nil {
		return created, nil
	}
	if code, constraint, ok := db.PgError(err); ok {
		switch {
		case code == db.CodeUniqueViolation && constraint == providerIDIndex:
			return message.Message{}, message.ErrDuplicate
		case code == db.CodeUniqueViolation:
			return message.Message{}, fmt.Errorf("%w: %w", message.ErrConcurrencyConflict, err)
		case code == db.CodeForeignKeyViolation:
			return message.Message{}, conversation.ErrNotFound
		}
	}
	return message.Message{}, fmt.Errorf("insert message: %w", err)
}

func (s *Store) GetMessage(ctx context.Context, id string) (message.Message, error) {
	msg, err := scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return message.Message{}, message.ErrNotFound
	}
	if err != nil {
		return message.Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (s *Store) FindMessageByProviderID(ctx context.Context, providerMessageID string) (message.Message, error) {
	msg, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE provider_message_id = $1`, providerMessageID))
	if db.IsNoRows(err) {
		return message.Message{}, message.ErrNotFound
	}
	if err != nil {
		return message.Message{}, fmt.Errorf("find message by provider id: %w", err)
	}
	return msg, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]message.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (message.Message, error) {
		return scanMessage(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if items == nil {
		items = []message.Message{}
	}
	return items, nil
}

func (s *Store) SetProviderMessageID(ctx context.Context, id, providerMessageID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET provider_message_id = $2 WHERE id = $1`, id, nullable(providerMessageID))
	if err != nil {
		if code, _, ok := db.PgError(err); ok && code == db.CodeUniqueViolation {
			return message.ErrDuplicate
		}
		return fmt.Errorf("set provider message id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return message.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateMessageStatus(ctx context.Context, change message.StatusChange) (message.Message, error) {
	updated, err := scanMessage(s.pool.QueryRow(ctx, `
UPDATE messages SET
  status = $3,
  changed_at = $4,
  error_detail = CASE WHEN $5 <> '' THEN $5 ELSE error_detail END
WHERE id = $1 AND status = $2
RETURNING `+messageColumns,
		change.MessageID, string(change.From), string(change.To), change.ChangedAt, change.ErrorDetail))
	if err == nil {
		return updated, nil
	}
	if !db.IsNoRows(err) {
		return message.Message{}, fmt.Errorf("update message status: %w", err)
	}
	if _, err := s.GetMessage(ctx, change.MessageID); err != nil {
		return message.Message{}, err
	}
	return message.Message{}, message.ErrConcurrencyConflict
}

// ArchiveConversation copies the record into the archive tables and deletes
// the live rows in one transaction. The live conversation row is locked so a
// concurrent writer either lands before the snapshot check or after the delete.
func (s *Store) ArchiveConversation(ctx context.Context, rec archive.Record) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var version int64
		err := tx.QueryRow(ctx, `SELECT version FROM conversations WHERE id = $1 FOR UPDATE`, rec.LiveID).Scan(&version)
		if db.IsNoRows(err) {
			return conversation.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock conversation: %w", err)
		}
		var count int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM messages WHERE conversation_id = $1`, rec.LiveID).Scan(&count); err != nil {
			return fmt.Errorf("count messages: %w", err)
		}
		if version != rec.LiveVersion || count != rec.LiveMessageCount {
			return conversation.ErrConcurrencyConflict
		}

		c := rec.Conversation
		_, err = tx.Exec(ctx, `
INSERT INTO archived_conversations (id, original_id, tenant_id, source, sender_pseudonym,
  assigned_agent_id, assigned_team_id, assigned_team_name, created_at, archived_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			c.ID, c.OriginalID, c.TenantID, c.Source.String(), c.SenderPseudonym,
			c.AssignedAgentID, c.AssignedTeamID, c.AssignedTeamName, c.CreatedAt, c.ArchivedAt)
		if err != nil {
			if code, _, ok := db.PgError(err); ok && code == db.CodeUniqueViolation {
				return fmt.Errorf("%w: %w", conversation.ErrConcurrencyConflict, err)
			}
			return fmt.Errorf("insert archived conversation: %w", err)
		}

		if len(rec.Messages) > 0 {
			rows := make([][]any, 0, len(rec.Messages))
			for i, m := range rec.Messages {
				rows = append(rows, []any{m.ID, c.ID, i, string(m.Role), m.AuthorName, m.Body, string(m.Status), m.SentAt, m.ChangedAt})
			}
			_, err = tx.CopyFrom(ctx,
				pgx.Identifier{"archived_messages"},
				[]string{"id", "archived_conversation_id", "position", "role", "author_name", "body", "status", "sent_at", "changed_at"},
				pgx.CopyFromRows(rows))
			if err != nil {
				return fmt.Errorf("copy archived messages: %w", err)
			}
		}

		if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, rec.LiveID); err != nil {
			return fmt.Errorf("delete live messages: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, rec.LiveID); err != nil {
			return fmt.Errorf("delete live conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) || errors.Is(err, conversation.ErrConcurrencyConflict) {
			return err
		}
		s.logger.Error("archive transaction failed",
			slog.String("conversation_id", rec.LiveID),
			slog.Any("error", err))
		return err
	}
	return nil
}

func (s *Store) GetArchivedConversation(ctx context.Context, id string) (archive.ArchivedConversation, []archive.ArchivedMessage, error) {
	var (
		c      archive.ArchivedConversation
		source string
	)
	err := s.pool.QueryRow(ctx, `
SELECT id, original_id, tenant_id, source, sender_pseudonym, assigned_agent_id,
  assigned_team_id, assigned_team_name, created_at, archived_at
FROM archived_conversations WHERE id = $1`, id).Scan(
		&c.ID, &c.OriginalID, &c.TenantID, &source, &c.SenderPseudonym, &c.AssignedAgentID,
		&c.AssignedTeamID, &c.AssignedTeamName, &c.CreatedAt, &c.ArchivedAt)
	if db.IsNoRows(err) {
		return archive.ArchivedConversation{}, nil, archive.ErrNotFound
	}
	if err != nil {
		return archive.ArchivedConversation{}, nil, fmt.Errorf("get archived conversation: %w", err)
	}
	c.Source = channel.ChannelType(source)

	rows, err := s.pool.Query(ctx, `
SELECT id, archived_conversation_id, role, author_name, body, status, sent_at, changed_at
FROM archived_messages WHERE archived_conversation_id = $1 ORDER BY position`, id)
	if err != nil {
		return archive.ArchivedConversation{}, nil, fmt.Errorf("list archived messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (archive.ArchivedMessage, error) {
		var (
			m      archive.ArchivedMessage
			role   string
			status string
		)
		err := row.Scan(&m.ID, &m.ArchivedConversationID, &role, &m.AuthorName, &m.Body, &status, &m.SentAt, &m.ChangedAt)
		m.Role = message.Role(role)
		m.Status = message.Status(status)
		return m, err
	})
	if err != nil {
		return archive.ArchivedConversation{}, nil, fmt.Errorf("list archived messages: %w", err)
	}
	if msgs == nil {
		msgs = []archive.ArchivedMessage{}
	}
	return c, msgs, nil
}
