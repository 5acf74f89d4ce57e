package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/supportdesk/internal/archive"
	"github.com/memohai/supportdesk/internal/auth"
	"github.com/memohai/supportdesk/internal/conversation"
	"github.com/memohai/supportdesk/internal/message"
	"github.com/memohai/supportdesk/internal/presence"
)

// ConversationService is the operator-facing surface of the dispatch router.
type ConversationService interface {
	Conversations(ctx context.Context, tenantID string) ([]conversation.Conversation, error)
	Conversation(ctx context.Context, tenantID, conversationID string) (conversation.Conversation, error)
	Messages(ctx context.Context, tenantID, conversationID string) ([]message.Message, error)
	Claim(ctx context.Context, conversationID string, op presence.Operator) (conversation.Conversation, error)
	Reply(ctx context.Context, conversationID string, op presence.Operator, text string) (message.Message, error)
	Archive(ctx context.Context, tenantID, senderID string) (archive.ArchivedConversation, error)
	ArchiveConversation(ctx context.Context, tenantID, conversationID string) (archive.ArchivedConversation, error)
}

// ArchiveReader reads archived conversations.
type ArchiveReader interface {
	Get(ctx context.Context, tenantID, archivedID string) (archive.ArchivedConversation, []archive.ArchivedMessage, error)
}

type ReplyRequest struct {
	Text string `json:"text" validate:"required,max=8000"`
}

type ArchivedConversationResponse struct {
	Conversation archive.ArchivedConversation `json:"conversation"`
	Messages     []archive.ArchivedMessage    `json:"messages"`
}

type ConversationsHandler struct {
	service  ConversationService
	archives ArchiveReader
	logger   *slog.Logger
}

func NewConversationsHandler(log *slog.Logger, service ConversationService, archives ArchiveReader) *ConversationsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ConversationsHandler{
		service:  service,
		archives: archives,
		logger:   log.With(slog.String("handler", "conversations")),
	}
}

func (h *ConversationsHandler) Register(e *echo.Echo) {
	g := e.Group("/conversations")
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.GET("/:id/messages", h.ListMessages)
	g.POST("/:id/claim", h.Claim)
	g.POST("/:id/reply", h.Reply)
	g.POST("/:id/archive", h.ArchiveByID)
	e.POST("/senders/:sender_id/archive", h.ArchiveBySender)
	e.GET("/archived/:id", h.GetArchived)
}

// requireOperator maps the token claims onto a presence operator.
func requireOperator(c echo.Context) (presence.Operator, error) {
	op, err := auth.OperatorFromContext(c)
	if err != nil {
		return presence.Operator{}, err
	}
	return presence.Operator{ID: op.UserID, TenantID: op.TenantID, Name: op.Name, Teams: op.Teams}, nil
}

func pathID(c echo.Context, name string) (string, error) {
	id := strings.TrimSpace(c.Param(name))
	if id == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, name+" is required")
	}
	return id, nil
}

func (h *ConversationsHandler) List(c echo.Context) error {
	op, err := requireOperator(c)
	if err != nil {
		return err
	}
	items, err := h.service.Conversations(c.Request().Context(), op.TenantID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *ConversationsHandler) Get(c echo.Context) error {
	op, err := requireOperator(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	conv, err := h.service.Conversation(c.Request().Context(), op.TenantID, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, conv)
}

func (h *ConversationsHandler) ListMessages(c echo.Context) error {
	op, err := requireOperator(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.service.Messages(c.Request().Context(), op.TenantID, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *ConversationsHandler) Claim(c echo.Context) error {
	op, err := requireOperator(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	conv, err := h.service.Claim(c.Request().Context(), id, op)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, conv)
}

func (h *ConversationsHandler) Reply(c echo.Context) error {
	op, err := requireOperator(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req ReplyRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	msg, err := h.service.Reply(c.Request().Context(), id, op, req.Text)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, msg)
}

func (h *ConversationsHandler) ArchiveByID(c echo.Context) error {
	op, err := requireOperator(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	archived, err := h.service.ArchiveConversation(c.Request().Context(), op.TenantID, id)
	if err != nil {
		return httpError(err)
	}
	h.logger.Info("conversation archived by operator",
		slog.String("conversation_id", id),
		slog.String("agent_id", op.ID))
	return c.JSON(http.StatusOK, archived)
}

func (h *ConversationsHandler) ArchiveBySender(c echo.Context) error {
	op, err := requireOperator(c)
	if err != nil {
		return err
	}
	senderID, err := pathID(c, "sender_id")
	if err != nil {
		return err
	}
	archived, err := h.service.Archive(c.Request().Context(), op.TenantID, senderID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, archived)
}

func (h *ConversationsHandler) GetArchived(c echo.Context) error {
	op, err := requireOperator(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if h.archives == nil {
		return echo.NewHTTPError(http.StatusNotFound, "archive not configured")
	}
	conv, msgs, err := h.archives.Get(c.Request().Context(), op.TenantID, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ArchivedConversationResponse{Conversation: conv, Messages: msgs})
}
