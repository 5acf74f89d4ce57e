package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// OutboundPolicy configures how sends to a channel are retried.
type OutboundPolicy struct {
	TextLimit      int `json:"text_limit,omitempty"`
	RetryMax       int `json:"retry_max,omitempty"`
	RetryBackoffMs int `json:"retry_backoff_ms,omitempty"`
}

// NormalizeOutboundPolicy fills zero-value fields with sensible defaults.
func NormalizeOutboundPolicy(policy OutboundPolicy) OutboundPolicy {
	if policy.TextLimit <= 0 {
		policy.TextLimit = 4096
	}
	if policy.RetryMax <= 0 {
		policy.RetryMax = 3
	}
	if policy.RetryBackoffMs <= 0 {
		policy.RetryBackoffMs = 500
	}
	return policy
}

// SendWithRetry validates msg against the policy and sends it, retrying with a
// linear backoff. It stops early when ctx is done.
func SendWithRetry(ctx context.Context, log *slog.Logger, sender Sender, channelType ChannelType, msg OutboundMessage, policy OutboundPolicy) (SendResult, error) {
	if sender == nil {
		return SendResult{}, fmt.Errorf("%w: %s", ErrUnknownChannelSource, channelType)
	}
	if strings.TrimSpace(msg.RecipientID) == "" {
		return SendResult{}, fmt.Errorf("recipient is required")
	}
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.Text == "" {
		return SendResult{}, fmt.Errorf("message is required")
	}
	policy = NormalizeOutboundPolicy(policy)
	msg.Text = truncateRunes(msg.Text, policy.TextLimit)

	var lastErr error
	for i := 0; i < policy.RetryMax; i++ {
		res, err := sender.Send(ctx, msg)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if log != nil {
			log.Warn("send outbound retry",
				slog.String("channel", channelType.String()),
				slog.Int("attempt", i+1),
				slog.Any("error", err))
		}
		if i == policy.RetryMax-1 {
			break
		}
		backoff := time.Duration(i+1) * time.Duration(policy.RetryBackoffMs) * time.Millisecond
		select {
		case <-ctx.Done():
			return SendResult{}, fmt.Errorf("send outbound cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}
	return SendResult{}, fmt.Errorf("send outbound failed after retries: %w", lastErr)
}

func truncateRunes(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
