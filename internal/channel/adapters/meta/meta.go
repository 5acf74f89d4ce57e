// Package meta holds what the Graph API based channels share: account lookup
// per tenant, the JSON client and webhook verification.
package meta

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/memohai/supportdesk/internal/channel"
)

const (
	DefaultGraphURL = "https://graph.facebook.com/v19.0"
	signatureHeader = "X-Hub-Signature-256"
	maxResponseSize = 1 << 20
)

var ErrUnknownAccount = errors.New("no channel account configured for tenant")

// Account binds a tenant to its page or phone number.
type Account struct {
	TenantID    string
	AccountID   string
	AccessToken string
}

type Config struct {
	GraphURL    string
	AppSecret   string
	VerifyToken string
	Accounts    []Account
	Timeout     time.Duration
}

// Accounts resolves tenant accounts in both directions.
type Accounts struct {
	mu        sync.RWMutex
	byTenant  map[string]Account
	byAccount map[string]Account
}

func NewAccounts(items []Account) *Accounts {
	a := &Accounts{byTenant: map[string]Account{}, byAccount: map[string]Account{}}
	for _, item := range items {
		item.TenantID = strings.TrimSpace(item.TenantID)
		item.AccountID = strings.TrimSpace(item.AccountID)
		if item.TenantID == "" || item.AccountID == "" {
			continue
		}
		a.byTenant[item.TenantID] = item
		a.byAccount[item.AccountID] = item
	}
	return a
}

func (a *Accounts) ForTenant(tenantID string) (Account, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	acc, ok := a.byTenant[strings.TrimSpace(tenantID)]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, tenantID)
	}
	return acc, nil
}

// Owns reports whether accountID belongs to tenantID. Unconfigured accounts
// are accepted so a tenant can be onboarded before its account id is known.
func (a *Accounts) Owns(tenantID, accountID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	acc, ok := a.byAccount[strings.TrimSpace(accountID)]
	if !ok {
		return true
	}
	return acc.TenantID == tenantID
}

// GraphClient posts JSON to the Graph API.
type GraphClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewGraphClient(baseURL string, timeout time.Duration) *GraphClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultGraphURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GraphClient{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}
}

// GraphError is the error object the Graph API returns.
type GraphError struct {
	Status  int
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("graph api error (status %d, code %d): %s", e.Status, e.Code, e.Message)
}

// Post sends payload to {base}/{path} and decodes the response into out.
func (c *GraphClient) Post(ctx context.Context, path, accessToken string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+strings.TrimLeft(path, "/"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope struct {
			Error GraphError `json:"error"`
		}
		_ = json.Unmarshal(respBody, &envelope)
		envelope.Error.Status = resp.StatusCode
		if envelope.Error.Message == "" {
			envelope.Error.Message = strings.TrimSpace(string(respBody))
		}
		return &envelope.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode graph response: %w", err)
	}
	return nil
}

// VerifySignature checks the X-Hub-Signature-256 HMAC of a webhook body. An
// empty app secret disables the check.
func VerifySignature(appSecret string, header http.Header, body []byte) error {
	if appSecret == "" {
		return nil
	}
	got := strings.TrimSpace(header.Get(signatureHeader))
	got, ok := strings.CutPrefix(got, "sha256=")
	if !ok {
		return fmt.Errorf("%w: missing %s", channel.ErrSignatureMismatch, signatureHeader)
	}
	sig, err := hex.DecodeString(got)
	if err != nil {
		return fmt.Errorf("%w: %w", channel.ErrSignatureMismatch, err)
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	_, _ = mac.Write(body)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return channel.ErrSignatureMismatch
	}
	return nil
}

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyChallenge answers the hub.challenge subscription handshake.
func VerifyChallenge(verifyToken string, query url.Values) (string, bool) {
	if verifyToken == "" {
		return "", false
	}
	if query.Get("hub.mode") != "subscribe" {
		return "", false
	}
	if !hmac.Equal([]byte(query.Get("hub.verify_token")), []byte(verifyToken)) {
		return "", false
	}
	challenge := query.Get("hub.challenge")
	return challenge, challenge != ""
}
