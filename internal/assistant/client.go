// Package assistant invokes the automated assistant for customer messages and
// applies its routing decision.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

var ErrUnavailable = errors.New("assistant unavailable")

// Query is one customer question with its routing context.
type Query struct {
	Text           string `json:"text"`
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
}

// Result is the assistant's structured answer. A non-empty TargetTeamID asks
// for the conversation to be handed to that team.
type Result struct {
	Answered        bool   `json:"answered"`
	RawResponseText string `json:"raw_response_text"`
	TargetTeamID    string `json:"target_team_id,omitempty"`
	TargetTeamName  string `json:"target_team_name,omitempty"`
}

type Client interface {
	Query(ctx context.Context, q Query) (Result, error)
}

// HTTPClient calls an assistant service over JSON: POST {base}/query.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPClient(log *slog.Logger, baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.With(slog.String("component", "assistant_client")),
	}
}

func (c *HTTPClient) Query(ctx context.Context, q Query) (Result, error) {
	if c.baseURL == "" {
		return Result{}, fmt.Errorf("%w: base url is not configured", ErrUnavailable)
	}
	body, err := json.Marshal(q)
	if err != nil {
		return Result{}, err
	}
	url := c.baseURL + "/query"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("assistant error",
			slog.String("url", url),
			slog.Int("status", resp.StatusCode),
			slog.String("body_prefix", truncate(string(respBody), 300)))
		return Result{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var parsed Result
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Result{}, fmt.Errorf("%w: parse response: %w", ErrUnavailable, err)
	}
	parsed.TargetTeamID = strings.TrimSpace(parsed.TargetTeamID)
	parsed.TargetTeamName = strings.TrimSpace(parsed.TargetTeamName)
	return parsed, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
