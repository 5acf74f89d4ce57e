// Package channel provides the edge abstraction for external messaging channels.
// It defines the canonical inbound and status records every adapter normalizes
// into, the capability interfaces adapters implement, and the registry the
// engine uses to select an adapter by a conversation's stored source.
package channel

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ChannelType identifies the platform a conversation originates from.
type ChannelType string

const (
	WebWidget ChannelType = "webwidget"
	Facebook  ChannelType = "facebook"
	WhatsApp  ChannelType = "whatsapp"
)

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

var (
	// ErrUnknownChannelSource is returned when no adapter is registered for a source.
	ErrUnknownChannelSource = errors.New("unknown channel source")
	// ErrInvalidInbound is returned by NormalizeInbound for records missing required fields.
	ErrInvalidInbound = errors.New("invalid inbound message")
)

// InboundMessage is the canonical record an adapter produces for a customer message.
type InboundMessage struct {
	Source            ChannelType
	TenantID          string
	SenderID          string
	SenderName        string
	Text              string
	ProviderMessageID string
	ReceivedAt        time.Time
}

// DedupeKey identifies the provider message across webhook redeliveries.
// Empty when the provider did not assign an id.
func (m InboundMessage) DedupeKey() string {
	if m.ProviderMessageID == "" {
		return ""
	}
	return strings.Join([]string{m.Source.String(), m.TenantID, m.ProviderMessageID}, ":")
}

// NormalizeInbound trims fields, fills defaults and checks required fields.
func NormalizeInbound(msg InboundMessage, now time.Time) (InboundMessage, error) {
	msg.Source = normalizeChannelType(msg.Source.String())
	msg.TenantID = strings.TrimSpace(msg.TenantID)
	msg.SenderID = strings.TrimSpace(msg.SenderID)
	msg.SenderName = strings.TrimSpace(msg.SenderName)
	msg.Text = strings.TrimSpace(msg.Text)
	msg.ProviderMessageID = strings.TrimSpace(msg.ProviderMessageID)
	switch {
	case msg.Source == "":
		return msg, fmt.Errorf("%w: source is required", ErrInvalidInbound)
	case msg.TenantID == "":
		return msg, fmt.Errorf("%w: tenant id is required", ErrInvalidInbound)
	case msg.SenderID == "":
		return msg, fmt.Errorf("%w: sender id is required", ErrInvalidInbound)
	case msg.Text == "":
		return msg, fmt.Errorf("%w: text is required", ErrInvalidInbound)
	}
	if msg.SenderName == "" {
		msg.SenderName = msg.SenderID
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = now
	}
	msg.ReceivedAt = msg.ReceivedAt.UTC()
	return msg, nil
}

// StatusEvent is a provider delivery acknowledgement, already parsed out of the
// provider payload. Status is the raw provider keyword; Timestamp is kept raw so
// the tracker decides how to interpret it.
type StatusEvent struct {
	Source            ChannelType
	TenantID          string
	ProviderMessageID string
	Status            string
	Error             string
	Timestamp         string
}

// WebhookBatch is everything one webhook body carried.
type WebhookBatch struct {
	Messages []InboundMessage
	Statuses []StatusEvent
}

// IsEmpty reports whether the batch carries nothing to process.
func (b WebhookBatch) IsEmpty() bool {
	return len(b.Messages) == 0 && len(b.Statuses) == 0
}

// OutboundMessage is a reply addressed to a customer on a channel.
type OutboundMessage struct {
	TenantID    string
	RecipientID string
	Text        string
	// MessageID is the engine's local message id, for adapters that echo it back.
	MessageID string
}

// SendResult carries what the provider returned for an accepted send.
type SendResult struct {
	ProviderMessageID string
}
