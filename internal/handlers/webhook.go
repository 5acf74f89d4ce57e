package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/supportdesk/internal/channel"
	"github.com/memohai/supportdesk/internal/delivery"
	"github.com/memohai/supportdesk/internal/dispatch"
)

const maxWebhookBody = 1 << 20

// InboundRouter stores and routes canonical customer messages.
type InboundRouter interface {
	HandleInbound(ctx context.Context, in channel.InboundMessage) (dispatch.InboundResult, error)
}

// StatusApplier folds provider status events into stored messages.
type StatusApplier interface {
	Apply(ctx context.Context, ev channel.StatusEvent) (delivery.Result, error)
}

type webhookResponse struct {
	Messages   int `json:"messages"`
	Duplicates int `json:"duplicates"`
	Statuses   int `json:"statuses"`
}

// batchProcessor feeds a parsed webhook batch into the engine.
type batchProcessor struct {
	router  InboundRouter
	tracker StatusApplier
	logger  *slog.Logger
}

// process returns the tally and the first persistence failure. Invalid
// messages and status events never fail the batch.
func (p batchProcessor) process(ctx context.Context, batch channel.WebhookBatch) (webhookResponse, []dispatch.InboundResult, error) {
	var (
		resp     webhookResponse
		results  []dispatch.InboundResult
		firstErr error
	)
	for _, in := range batch.Messages {
		res, err := p.router.HandleInbound(ctx, in)
		if errors.Is(err, channel.ErrInvalidInbound) {
			p.logger.Warn("invalid inbound message discarded",
				slog.String("source", in.Source.String()),
				slog.String("tenant_id", in.TenantID),
				slog.String("provider_message_id", in.ProviderMessageID),
				slog.Any("error", err))
			continue
		}
		if err != nil {
			p.logger.Error("inbound message not stored",
				slog.String("source", in.Source.String()),
				slog.String("tenant_id", in.TenantID),
				slog.String("provider_message_id", in.ProviderMessageID),
				slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if res.Duplicate {
			resp.Duplicates++
		} else {
			resp.Messages++
		}
		results = append(results, res)
	}
	if p.tracker == nil {
		return resp, results, firstErr
	}
	statusCtx := context.WithoutCancel(ctx)
	for _, ev := range batch.Statuses {
		res, err := p.tracker.Apply(statusCtx, ev)
		switch {
		case errors.Is(err, delivery.ErrMalformedStatus):
			p.logger.Warn("malformed status discarded",
				slog.String("source", ev.Source.String()),
				slog.String("provider_message_id", ev.ProviderMessageID),
				slog.Any("error", err))
		case err != nil:
			p.logger.Error("status not applied",
				slog.String("provider_message_id", ev.ProviderMessageID),
				slog.Any("error", err))
		case res.Applied:
			resp.Statuses++
		}
	}
	return resp, results, firstErr
}

// ChannelWebhookHandler receives provider webhooks at
// /channels/:channel/webhook/:tenant_id.
type ChannelWebhookHandler struct {
	registry *channel.Registry
	batchProcessor
}

func NewChannelWebhookHandler(log *slog.Logger, registry *channel.Registry, router InboundRouter, tracker StatusApplier) *ChannelWebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	logger := log.With(slog.String("handler", "channel_webhook"))
	return &ChannelWebhookHandler{
		registry:       registry,
		batchProcessor: batchProcessor{router: router, tracker: tracker, logger: logger},
	}
}

func (h *ChannelWebhookHandler) Register(e *echo.Echo) {
	e.GET("/channels/:channel/webhook/:tenant_id", h.Challenge)
	e.POST("/channels/:channel/webhook/:tenant_id", h.Receive)
}

// Challenge answers the provider's subscription handshake.
func (h *ChannelWebhookHandler) Challenge(c echo.Context) error {
	ct, err := h.registry.ParseChannelType(c.Param("channel"))
	if err != nil {
		return httpError(err)
	}
	verifier, ok := h.registry.GetWebhookVerifier(ct)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "channel has no webhook handshake")
	}
	challenge, ok := verifier.VerifyChallenge(c.QueryParams())
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "verification failed")
	}
	return c.String(http.StatusOK, challenge)
}

// Receive authenticates, parses and processes one webhook call. A failure to
// persist any message answers 500 so the provider redelivers.
func (h *ChannelWebhookHandler) Receive(c echo.Context) error {
	ct, err := h.registry.ParseChannelType(c.Param("channel"))
	if err != nil {
		return httpError(err)
	}
	tenantID := strings.TrimSpace(c.Param("tenant_id"))
	if tenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant id is required")
	}
	parser, ok := h.registry.GetWebhookParser(ct)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "channel does not accept webhooks")
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(body) > maxWebhookBody {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	}
	if verifier, ok := h.registry.GetWebhookVerifier(ct); ok {
		if err := verifier.VerifySignature(c.Request().Header, body); err != nil {
			h.logger.Warn("webhook signature rejected",
				slog.String("channel", ct.String()),
				slog.String("tenant_id", tenantID),
				slog.Any("error", err))
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
		}
	}
	batch, err := parser.ParseWebhook(tenantID, body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	resp, _, err := h.process(c.Request().Context(), batch)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "message not stored")
	}
	return c.JSON(http.StatusOK, resp)
}
