// Package outbound sends stored responses to the customer's channel.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/memohai/supportdesk/internal/channel"
	"github.com/memohai/supportdesk/internal/conversation"
	"github.com/memohai/supportdesk/internal/delivery"
	"github.com/memohai/supportdesk/internal/message"
)

var ErrDeliveryFailed = errors.New("outbound delivery failed")

// StatusMarker records the local outcome of a send.
type StatusMarker interface {
	MarkSentToProvider(ctx context.Context, messageID string) (delivery.Result, error)
	MarkFailed(ctx context.Context, messageID, detail string) (delivery.Result, error)
}

// ProviderIDSetter is the message write the dispatcher needs.
type ProviderIDSetter interface {
	SetProviderMessageID(ctx context.Context, id, providerMessageID string) error
}

type Dispatcher struct {
	registry *channel.Registry
	messages ProviderIDSetter
	status   StatusMarker
	logger   *slog.Logger
}

func NewDispatcher(log *slog.Logger, registry *channel.Registry, messages ProviderIDSetter, status StatusMarker) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		messages: messages,
		status:   status,
		logger:   log.With(slog.String("component", "outbound")),
	}
}

// Dispatch sends msg to the customer of conv through the conversation's
// channel and returns the provider message id. A failed send marks the message
// as error and returns an error wrapping ErrDeliveryFailed.
func (d *Dispatcher) Dispatch(ctx context.Context, conv conversation.Conversation, msg message.Message) (string, error) {
	sender, ok := d.registry.GetSender(conv.Source)
	if !ok {
		d.logger.Warn("no sender for conversation source",
			slog.String("conversation_id", conv.ID),
			slog.String("source", conv.Source.String()))
		return "", fmt.Errorf("%w: %s", channel.ErrUnknownChannelSource, conv.Source)
	}
	policy, _ := d.registry.GetOutboundPolicy(conv.Source)

	res, err := channel.SendWithRetry(ctx, d.logger, sender, conv.Source, channel.OutboundMessage{
		TenantID:    conv.TenantID,
		RecipientID: conv.SenderID,
		Text:        msg.Body,
		MessageID:   msg.ID,
	}, policy)
	if err != nil {
		if _, markErr := d.status.MarkFailed(context.WithoutCancel(ctx), msg.ID, err.Error()); markErr != nil {
			d.logger.Error("mark message failed",
				slog.String("message_id", msg.ID),
				slog.Any("error", markErr))
		}
		return "", fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	persistCtx := context.WithoutCancel(ctx)
	if res.ProviderMessageID != "" {
		if err := d.messages.SetProviderMessageID(persistCtx, msg.ID, res.ProviderMessageID); err != nil {
			d.logger.Error("record provider message id",
				slog.String("message_id", msg.ID),
				slog.String("provider_message_id", res.ProviderMessageID),
				slog.Any("error", err))
		}
	}
	if _, err := d.status.MarkSentToProvider(persistCtx, msg.ID); err != nil {
		d.logger.Error("mark message sent to provider",
			slog.String("message_id", msg.ID),
			slog.Any("error", err))
	}
	d.logger.Debug("outbound sent",
		slog.String("conversation_id", conv.ID),
		slog.String("message_id", msg.ID),
		slog.String("provider_message_id", res.ProviderMessageID))
	return res.ProviderMessageID, nil
}
