// Package facebook implements the Messenger channel on the Graph API.
package facebook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/memohai/supportdesk/internal/channel"
	"github.com/memohai/supportdesk/internal/channel/adapters/meta"
)

const textLimit = 2000

// Adapter implements channel.Adapter, channel.Sender, channel.WebhookParser
// and channel.WebhookVerifier for Facebook Messenger.
type Adapter struct {
	graph    *meta.GraphClient
	accounts *meta.Accounts
	cfg      meta.Config
	logger   *slog.Logger
}

func NewAdapter(log *slog.Logger, cfg meta.Config) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		graph:    meta.NewGraphClient(cfg.GraphURL, cfg.Timeout),
		accounts: meta.NewAccounts(cfg.Accounts),
		cfg:      cfg,
		logger:   log.With(slog.String("adapter", "facebook")),
	}
}

func (a *Adapter) Type() channel.ChannelType { return channel.Facebook }

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        channel.Facebook,
		DisplayName: "Facebook Messenger",
		OutboundPolicy: channel.OutboundPolicy{
			TextLimit:      textLimit,
			RetryMax:       3,
			RetryBackoffMs: 500,
		},
	}
}

type sendRequest struct {
	Recipient     recipient   `json:"recipient"`
	MessagingType string      `json:"messaging_type"`
	Message       sendMessage `json:"message"`
}

type recipient struct {
	ID string `json:"id"`
}

type sendMessage struct {
	Text string `json:"text"`
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) (channel.SendResult, error) {
	acc, err := a.accounts.ForTenant(msg.TenantID)
	if err != nil {
		return channel.SendResult{}, err
	}
	var resp sendResponse
	err = a.graph.Post(ctx, acc.AccountID+"/messages", acc.AccessToken, sendRequest{
		Recipient:     recipient{ID: msg.RecipientID},
		MessagingType: "RESPONSE",
		Message:       sendMessage{Text: msg.Text},
	}, &resp)
	if err != nil {
		return channel.SendResult{}, err
	}
	if strings.TrimSpace(resp.MessageID) == "" {
		return channel.SendResult{}, fmt.Errorf("facebook send: empty message id")
	}
	return channel.SendResult{ProviderMessageID: resp.MessageID}, nil
}

type webhookPayload struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID        string      `json:"id"`
	Messaging []messaging `json:"messaging"`
}

type messaging struct {
	Sender    recipient `json:"sender"`
	Recipient recipient `json:"recipient"`
	Timestamp int64     `json:"timestamp"`
	Message   *struct {
		MID    string `json:"mid"`
		Text   string `json:"text"`
		IsEcho bool   `json:"is_echo"`
	} `json:"message"`
	Delivery *struct {
		MIDs      []string `json:"mids"`
		Watermark int64    `json:"watermark"`
	} `json:"delivery"`
}

// ParseWebhook reads Messenger message and delivery events. Echoes of our own
// sends, non-text messages and read watermarks (which carry no message ids)
// are skipped.
func (a *Adapter) ParseWebhook(tenantID string, body []byte) (channel.WebhookBatch, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return channel.WebhookBatch{}, fmt.Errorf("decode facebook webhook: %w", err)
	}
	if payload.Object != "" && payload.Object != "page" {
		return channel.WebhookBatch{}, nil
	}
	var batch channel.WebhookBatch
	for _, e := range payload.Entry {
		if !a.accounts.Owns(tenantID, e.ID) {
			a.logger.Warn("webhook entry for another tenant's page dropped",
				slog.String("tenant_id", tenantID),
				slog.String("page_id", e.ID))
			continue
		}
		for _, m := range e.Messaging {
			if m.Message != nil && !m.Message.IsEcho && strings.TrimSpace(m.Message.Text) != "" {
				batch.Messages = append(batch.Messages, channel.InboundMessage{
					Source:            channel.Facebook,
					TenantID:          tenantID,
					SenderID:          m.Sender.ID,
					Text:              m.Message.Text,
					ProviderMessageID: m.Message.MID,
					ReceivedAt:        millis(m.Timestamp),
				})
			}
			if m.Delivery != nil {
				for _, mid := range m.Delivery.MIDs {
					batch.Statuses = append(batch.Statuses, channel.StatusEvent{
						Source:            channel.Facebook,
						TenantID:          tenantID,
						ProviderMessageID: mid,
						Status:            "delivered",
						Timestamp:         strconv.FormatInt(m.Delivery.Watermark, 10),
					})
				}
			}
		}
	}
	return batch, nil
}

func (a *Adapter) VerifySignature(header http.Header, body []byte) error {
	return meta.VerifySignature(a.cfg.AppSecret, header, body)
}

func (a *Adapter) VerifyChallenge(query url.Values) (string, bool) {
	return meta.VerifyChallenge(a.cfg.VerifyToken, query)
}
