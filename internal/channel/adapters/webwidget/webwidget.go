// Package webwidget implements the embeddable web chat channel. Visitors talk
// over a websocket session or plain HTTP; replies are pushed to every open
// session of the visitor and stay available through the history endpoint.
package webwidget

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/supportdesk/internal/channel"
)

const (
	FrameMessage = "message"
	FrameReceipt = "receipt"
	FrameAck     = "ack"
	FrameError   = "error"

	providerIDPrefix = "ww."
)

// Frame is one JSON frame exchanged with the widget.
type Frame struct {
	Type            string    `json:"type"`
	MessageID       string    `json:"message_id,omitempty"`
	ClientMessageID string    `json:"client_message_id,omitempty"`
	Text            string    `json:"text,omitempty"`
	Author          string    `json:"author,omitempty"`
	Status          string    `json:"status,omitempty"`
	Error           string    `json:"error,omitempty"`
	At              time.Time `json:"at"`
}

// Session is one open widget connection.
type Session interface {
	ID() string
	Send(ctx context.Context, f Frame) error
}

// Sessions indexes open widget sessions by tenant and visitor.
type Sessions struct {
	mu        sync.RWMutex
	byVisitor map[string]map[string]Session
}

func NewSessions() *Sessions {
	return &Sessions{byVisitor: map[string]map[string]Session{}}
}

func visitorKey(tenantID, visitorID string) string {
	return tenantID + "|" + visitorID
}

func (s *Sessions) Add(tenantID, visitorID string, sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := visitorKey(tenantID, visitorID)
	set, ok := s.byVisitor[key]
	if !ok {
		set = map[string]Session{}
		s.byVisitor[key] = set
	}
	set[sess.ID()] = sess
}

func (s *Sessions) Remove(tenantID, visitorID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := visitorKey(tenantID, visitorID)
	set, ok := s.byVisitor[key]
	if !ok {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(s.byVisitor, key)
	}
}

// Send writes f to every session of the visitor and returns how many accepted it.
func (s *Sessions) Send(ctx context.Context, tenantID, visitorID string, f Frame) int {
	s.mu.RLock()
	targets := make([]Session, 0, len(s.byVisitor[visitorKey(tenantID, visitorID)]))
	for _, sess := range s.byVisitor[visitorKey(tenantID, visitorID)] {
		targets = append(targets, sess)
	}
	s.mu.RUnlock()

	delivered := 0
	for _, sess := range targets {
		if err := sess.Send(ctx, f); err == nil {
			delivered++
		}
	}
	return delivered
}

type Adapter struct {
	sessions *Sessions
	logger   *slog.Logger
}

func NewAdapter(log *slog.Logger, sessions *Sessions) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if sessions == nil {
		sessions = NewSessions()
	}
	return &Adapter{sessions: sessions, logger: log.With(slog.String("adapter", "webwidget"))}
}

func (a *Adapter) Type() channel.ChannelType { return channel.WebWidget }

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        channel.WebWidget,
		DisplayName: "Web Widget",
		OutboundPolicy: channel.OutboundPolicy{
			TextLimit:      8000,
			RetryMax:       1,
			RetryBackoffMs: 100,
		},
	}
}

func (a *Adapter) Sessions() *Sessions {
	return a.sessions
}

// Send pushes a reply to the visitor's open sessions. A visitor without an
// open session still gets the message through history, so that is not an error.
func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) (channel.SendResult, error) {
	id := strings.TrimSpace(msg.MessageID)
	if id == "" {
		id = uuid.NewString()
	}
	pmid := providerIDPrefix + id
	n := a.sessions.Send(ctx, msg.TenantID, msg.RecipientID, Frame{
		Type:      FrameMessage,
		MessageID: pmid,
		Text:      msg.Text,
		At:        time.Now().UTC(),
	})
	if n == 0 {
		a.logger.Debug("visitor offline, reply kept for history",
			slog.String("tenant_id", msg.TenantID),
			slog.String("visitor_id", msg.RecipientID))
	}
	return channel.SendResult{ProviderMessageID: pmid}, nil
}

// Receipt is a visitor-side delivery acknowledgement.
type Receipt struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Post is the body of an HTTP widget call: a visitor message, receipts, or both.
type Post struct {
	VisitorID       string    `json:"visitor_id"`
	VisitorName     string    `json:"visitor_name,omitempty"`
	Text            string    `json:"text,omitempty"`
	ClientMessageID string    `json:"client_message_id,omitempty"`
	Receipts        []Receipt `json:"receipts,omitempty"`
}

// ParseWebhook turns a widget post into canonical records.
func (a *Adapter) ParseWebhook(tenantID string, body []byte) (channel.WebhookBatch, error) {
	var post Post
	if err := json.Unmarshal(body, &post); err != nil {
		return channel.WebhookBatch{}, fmt.Errorf("decode widget post: %w", err)
	}
	return post.Batch(tenantID, time.Now().UTC()), nil
}

// Batch converts a post into canonical records.
func (p Post) Batch(tenantID string, now time.Time) channel.WebhookBatch {
	var batch channel.WebhookBatch
	if strings.TrimSpace(p.Text) != "" {
		batch.Messages = append(batch.Messages, channel.InboundMessage{
			Source:            channel.WebWidget,
			TenantID:          tenantID,
			SenderID:          p.VisitorID,
			SenderName:        p.VisitorName,
			Text:              p.Text,
			ProviderMessageID: clientProviderID(p.VisitorID, p.ClientMessageID),
			ReceivedAt:        now,
		})
	}
	for _, r := range p.Receipts {
		if !visitorReceipt(r.Status) {
			continue
		}
		batch.Statuses = append(batch.Statuses, channel.StatusEvent{
			Source:            channel.WebWidget,
			TenantID:          tenantID,
			ProviderMessageID: r.MessageID,
			Status:            r.Status,
			Timestamp:         r.Timestamp,
		})
	}
	return batch
}

// visitorReceipt reports whether a visitor may send this status. Failures are
// only ever reported by the engine itself.
func visitorReceipt(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "delivered", "read":
		return true
	}
	return false
}

// clientProviderID scopes a widget-generated message id to its visitor so two
// visitors cannot collide.
func clientProviderID(visitorID, clientMessageID string) string {
	clientMessageID = strings.TrimSpace(clientMessageID)
	if clientMessageID == "" {
		return ""
	}
	return "wwc." + strings.TrimSpace(visitorID) + "." + clientMessageID
}
