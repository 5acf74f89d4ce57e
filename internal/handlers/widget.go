package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/memohai/supportdesk/internal/channel/adapters/webwidget"
	"github.com/memohai/supportdesk/internal/conversation"
	"github.com/memohai/supportdesk/internal/message"
)

// WidgetRouter is what the customer widget needs from the engine.
type WidgetRouter interface {
	InboundRouter
	History(ctx context.Context, tenantID, senderID string) (conversation.Conversation, []message.Message, error)
}

type WidgetMessageRequest struct {
	VisitorID       string `json:"visitor_id" validate:"required,max=128"`
	VisitorName     string `json:"visitor_name" validate:"max=256"`
	Text            string `json:"text" validate:"required,max=8000"`
	ClientMessageID string `json:"client_message_id" validate:"max=128"`
}

type WidgetReceiptRequest struct {
	VisitorID string              `json:"visitor_id" validate:"required,max=128"`
	Receipts  []webwidget.Receipt `json:"receipts" validate:"required,min=1,max=100"`
}

type WidgetMessageResponse struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Duplicate      bool   `json:"duplicate"`
}

type WidgetHistoryResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []webwidget.Frame `json:"messages"`
}

// WidgetHandler serves the embeddable customer widget: HTTP posts, history
// and a websocket for live replies.
type WidgetHandler struct {
	adapter  *webwidget.Adapter
	router   WidgetRouter
	upgrader *websocket.Upgrader
	batchProcessor
}

func NewWidgetHandler(log *slog.Logger, adapter *webwidget.Adapter, router WidgetRouter, tracker StatusApplier, allowedOrigins []string) *WidgetHandler {
	if log == nil {
		log = slog.Default()
	}
	logger := log.With(slog.String("handler", "widget"))
	return &WidgetHandler{
		adapter:        adapter,
		router:         router,
		upgrader:       newUpgrader(allowedOrigins),
		batchProcessor: batchProcessor{router: router, tracker: tracker, logger: logger},
	}
}

func (h *WidgetHandler) Register(e *echo.Echo) {
	g := e.Group("/widget/:tenant_id")
	g.POST("/messages", h.PostMessage)
	g.POST("/receipts", h.PostReceipts)
	g.GET("/history", h.History)
	g.GET("/ws", h.Socket)
}

func widgetTenant(c echo.Context) (string, error) {
	tenantID := strings.TrimSpace(c.Param("tenant_id"))
	if tenantID == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "tenant id is required")
	}
	return tenantID, nil
}

func (h *WidgetHandler) PostMessage(c echo.Context) error {
	tenantID, err := widgetTenant(c)
	if err != nil {
		return err
	}
	var req WidgetMessageRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	post := webwidget.Post{
		VisitorID:       req.VisitorID,
		VisitorName:     req.VisitorName,
		Text:            req.Text,
		ClientMessageID: req.ClientMessageID,
	}
	resp, err := h.submit(c.Request().Context(), tenantID, post)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *WidgetHandler) submit(ctx context.Context, tenantID string, post webwidget.Post) (WidgetMessageResponse, error) {
	_, results, err := h.process(ctx, post.Batch(tenantID, time.Now().UTC()))
	if err != nil {
		return WidgetMessageResponse{}, err
	}
	if len(results) == 0 {
		return WidgetMessageResponse{}, echo.NewHTTPError(http.StatusBadRequest, "message text is required")
	}
	res := results[0]
	return WidgetMessageResponse{
		ConversationID: res.Conversation.ID,
		MessageID:      res.Message.ID,
		Duplicate:      res.Duplicate,
	}, nil
}

func (h *WidgetHandler) PostReceipts(c echo.Context) error {
	tenantID, err := widgetTenant(c)
	if err != nil {
		return err
	}
	var req WidgetReceiptRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	post := webwidget.Post{VisitorID: req.VisitorID, Receipts: req.Receipts}
	resp, _, err := h.process(c.Request().Context(), post.Batch(tenantID, time.Now().UTC()))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *WidgetHandler) History(c echo.Context) error {
	tenantID, err := widgetTenant(c)
	if err != nil {
		return err
	}
	visitorID := strings.TrimSpace(c.QueryParam("visitor_id"))
	if visitorID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "visitor_id is required")
	}
	conv, msgs, err := h.router.History(c.Request().Context(), tenantID, visitorID)
	if err != nil {
		return httpError(err)
	}
	frames := make([]webwidget.Frame, 0, len(msgs))
	for _, m := range msgs {
		frames = append(frames, historyFrame(m))
	}
	return c.JSON(http.StatusOK, WidgetHistoryResponse{ConversationID: conv.ID, Messages: frames})
}

func historyFrame(m message.Message) webwidget.Frame {
	id := m.ProviderMessageID
	if id == "" {
		id = m.ID
	}
	return webwidget.Frame{
		Type:      webwidget.FrameMessage,
		MessageID: id,
		Text:      m.Body,
		Author:    m.AuthorName,
		Status:    string(m.Status),
		At:        m.SentAt,
	}
}

// widgetSession is a webwidget.Session over a websocket.
type widgetSession struct {
	*socket
}

func (s widgetSession) Send(ctx context.Context, f webwidget.Frame) error {
	return s.writeJSON(ctx, f)
}

// Socket upgrades to a websocket that receives live replies for the visitor
// and accepts message and receipt frames.
func (h *WidgetHandler) Socket(c echo.Context) error {
	tenantID, err := widgetTenant(c)
	if err != nil {
		return err
	}
	visitorID := strings.TrimSpace(c.QueryParam("visitor_id"))
	if visitorID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "visitor_id is required")
	}
	visitorName := strings.TrimSpace(c.QueryParam("visitor_name"))

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("widget upgrade failed", slog.Any("error", err))
		return nil
	}
	sess := widgetSession{socket: newSocket(conn)}
	h.adapter.Sessions().Add(tenantID, visitorID, sess)
	defer func() {
		h.adapter.Sessions().Remove(tenantID, visitorID, sess.ID())
		sess.close()
	}()
	go sess.keepAlive()

	ctx := c.Request().Context()
	sess.readLoop(func(data []byte) {
		var f webwidget.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			_ = sess.Send(ctx, webwidget.Frame{Type: webwidget.FrameError, Error: "invalid frame", At: time.Now().UTC()})
			return
		}
		h.handleFrame(ctx, sess, tenantID, visitorID, visitorName, f)
	})
	return nil
}

func (h *WidgetHandler) handleFrame(ctx context.Context, sess widgetSession, tenantID, visitorID, visitorName string, f webwidget.Frame) {
	switch f.Type {
	case webwidget.FrameMessage:
		resp, err := h.submit(ctx, tenantID, webwidget.Post{
			VisitorID:       visitorID,
			VisitorName:     visitorName,
			Text:            f.Text,
			ClientMessageID: f.ClientMessageID,
		})
		if err != nil {
			_ = sess.Send(ctx, webwidget.Frame{Type: webwidget.FrameError, ClientMessageID: f.ClientMessageID, Error: "message not accepted", At: time.Now().UTC()})
			return
		}
		_ = sess.Send(ctx, webwidget.Frame{Type: webwidget.FrameAck, ClientMessageID: f.ClientMessageID, MessageID: resp.MessageID, At: time.Now().UTC()})
	case webwidget.FrameReceipt:
		post := webwidget.Post{VisitorID: visitorID, Receipts: []webwidget.Receipt{{MessageID: f.MessageID, Status: f.Status}}}
		_, _, _ = h.process(ctx, post.Batch(tenantID, time.Now().UTC()))
	default:
		_ = sess.Send(ctx, webwidget.Frame{Type: webwidget.FrameError, Error: "unsupported frame type", At: time.Now().UTC()})
	}
}
