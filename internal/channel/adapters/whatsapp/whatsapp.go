// Package whatsapp implements the WhatsApp Cloud API channel.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/memohai/supportdesk/internal/channel"
	"github.com/memohai/supportdesk/internal/channel/adapters/meta"
)

const textLimit = 4096

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
		logger:   log.With(slog.String("adapter", "whatsapp")),
	}
}

func (a *Adapter) Type() channel.ChannelType { return channel.WhatsApp }

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        channel.WhatsApp,
		DisplayName: "WhatsApp",
		OutboundPolicy: channel.OutboundPolicy{
			TextLimit:      textLimit,
			RetryMax:       3,
			RetryBackoffMs: 500,
		},
	}
}

type textBody struct {
	Body string `json:"body"`
}

type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) (channel.SendResult, error) {
	acc, err := a.accounts.ForTenant(msg.TenantID)
	if err != nil {
		return channel.SendResult{}, err
	}
	var resp sendResponse
	err = a.graph.Post(ctx, acc.AccountID+"/messages", acc.AccessToken, sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               msg.RecipientID,
		Type:             "text",
		Text:             textBody{Body: msg.Text},
	}, &resp)
	if err != nil {
		return channel.SendResult{}, err
	}
	if len(resp.Messages) == 0 || strings.TrimSpace(resp.Messages[0].ID) == "" {
		return channel.SendResult{}, fmt.Errorf("whatsapp send: empty message id")
	}
	return channel.SendResult{ProviderMessageID: resp.Messages[0].ID}, nil
}

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string      `json:"field"`
			Value changeValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type changeValue struct {
	Metadata struct {
		PhoneNumberID string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []struct {
		From      string `json:"from"`
		ID        string `json:"id"`
		Timestamp string `json:"timestamp"`
		Type      string `json:"type"`
		Text      *struct {
			Body string `json:"body"`
		} `json:"text"`
	} `json:"messages"`
	Statuses []struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		Timestamp   string `json:"timestamp"`
		RecipientID string `json:"recipient_id"`
		Errors      []struct {
			Code  int    `json:"code"`
			Title string `json:"title"`
		} `json:"errors"`
	} `json:"statuses"`
}

// ParseWebhook reads text messages and message statuses from a Cloud API
// notification. Other message types are skipped.
func (a *Adapter) ParseWebhook(tenantID string, body []byte) (channel.WebhookBatch, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return channel.WebhookBatch{}, fmt.Errorf("decode whatsapp webhook: %w", err)
	}
	if payload.Object != "" && payload.Object != "whatsapp_business_account" {
		return channel.WebhookBatch{}, nil
	}
	var batch channel.WebhookBatch
	for _, e := range payload.Entry {
		for _, change := range e.Changes {
			if change.Field != "messages" {
				continue
			}
			v := change.Value
			if !a.accounts.Owns(tenantID, v.Metadata.PhoneNumberID) {
				a.logger.Warn("webhook change for another tenant's number dropped",
					slog.String("tenant_id", tenantID),
					slog.String("phone_number_id", v.Metadata.PhoneNumberID))
				continue
			}
			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range v.Messages {
				if m.Type != "text" || m.Text == nil || strings.TrimSpace(m.Text.Body) == "" {
					continue
				}
				batch.Messages = append(batch.Messages, channel.InboundMessage{
					Source:            channel.WhatsApp,
					TenantID:          tenantID,
					SenderID:          m.From,
					SenderName:        names[m.From],
					Text:              m.Text.Body,
					ProviderMessageID: m.ID,
					ReceivedAt:        unixSeconds(m.Timestamp),
				})
			}
			for _, s := range v.Statuses {
				ev := channel.StatusEvent{
					Source:            channel.WhatsApp,
					TenantID:          tenantID,
					ProviderMessageID: s.ID,
					Status:            s.Status,
					Timestamp:         s.Timestamp,
				}
				if len(s.Errors) > 0 {
					ev.Error = fmt.Sprintf("%d: %s", s.Errors[0].Code, s.Errors[0].Title)
				}
				batch.Statuses = append(batch.Statuses, ev)
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

func unixSeconds(raw string) time.Time {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}
