package channel

import (
	"context"
	"errors"
	"net/http"
	"net/url"
)

// ErrSignatureMismatch is returned by WebhookVerifier when a body signature does not verify.
var ErrSignatureMismatch = errors.New("webhook signature mismatch")

// Adapter is the base interface every channel adapter must implement.
// Everything else is optional and discovered through the capability interfaces below.
type Adapter interface {
	Type() ChannelType
	Descriptor() Descriptor
}

// Descriptor holds read-only metadata for a registered channel type.
type Descriptor struct {
	Type           ChannelType
	DisplayName    string
	OutboundPolicy OutboundPolicy
}

// Sender delivers a reply to the customer and returns the provider's message id.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) (SendResult, error)
}

// WebhookParser turns a raw webhook body into canonical records for a tenant.
type WebhookParser interface {
	ParseWebhook(tenantID string, body []byte) (WebhookBatch, error)
}

// WebhookVerifier authenticates webhook calls. VerifyChallenge answers the
// subscription handshake some providers perform with a GET request.
type WebhookVerifier interface {
	VerifySignature(header http.Header, body []byte) error
	VerifyChallenge(query url.Values) (challenge string, ok bool)
}
