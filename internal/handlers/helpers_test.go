package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/memohai/supportdesk/internal/archive"
	"github.com/memohai/supportdesk/internal/auth"
	"github.com/memohai/supportdesk/internal/channel"
	"github.com/memohai/supportdesk/internal/channel/adapters/facebook"
	"github.com/memohai/supportdesk/internal/channel/adapters/meta"
	"github.com/memohai/supportdesk/internal/channel/adapters/webwidget"
	"github.com/memohai/supportdesk/internal/channel/adapters/whatsapp"
	"github.com/memohai/supportdesk/internal/conversation"
	"github.com/memohai/supportdesk/internal/delivery"
	"github.com/memohai/supportdesk/internal/dispatch"
	"github.com/memohai/supportdesk/internal/handlers"
	"github.com/memohai/supportdesk/internal/healthcheck"
	"github.com/memohai/supportdesk/internal/keylock"
	"github.com/memohai/supportdesk/internal/outbound"
	"github.com/memohai/supportdesk/internal/presence"
	"github.com/memohai/supportdesk/internal/server"
	"github.com/memohai/supportdesk/internal/store/memory"
)

const (
	jwtSecret   = "test-secret"
	appSecret   = "app-secret"
	verifyToken = "verify-me"
)

type stack struct {
	store  *memory.Store
	hub    *presence.Hub
	router *dispatch.Router
	srv    *server.Server
}

func newStack(t *testing.T) *stack {
	t.Helper()
	store := memory.New()
	locks := keylock.New()
	hub := presence.NewHub(nil, presence.Options{})
	hub.Start()
	t.Cleanup(hub.Close)

	registry := channel.NewRegistry()
	widget := webwidget.NewAdapter(nil, nil)
	registry.MustRegister(widget)
	registry.MustRegister(facebook.NewAdapter(nil, meta.Config{
		AppSecret:   appSecret,
		VerifyToken: verifyToken,
		Accounts:    []meta.Account{{TenantID: "acme", AccountID: "page-1"}},
	}))
	registry.MustRegister(whatsapp.NewAdapter(nil, meta.Config{
		AppSecret:   appSecret,
		VerifyToken: verifyToken,
		Accounts:    []meta.Account{{TenantID: "acme", AccountID: "pn-1"}},
	}))

	tracker := delivery.NewTracker(nil, store, store, locks, hub)
	pipeline := archive.NewPipeline(nil, store, store, archive.NewPseudonymizer("k", 0), locks, nil)
	router := dispatch.NewRouter(nil, dispatch.Deps{
		Resolver:   conversation.NewResolver(nil, store, locks),
		Store:      store,
		Dispatcher: outbound.NewDispatcher(nil, registry, store, tracker),
		Archiver:   pipeline,
		Notifier:   hub,
		Locks:      locks,
	})

	srv := server.NewServer(nil, "", jwtSecret,
		handlers.NewPingHandler(nil),
		handlers.NewHealthHandler(nil, healthcheck.NewPingChecker("store", store)),
		handlers.NewChannelWebhookHandler(nil, registry, router, tracker),
		handlers.NewWidgetHandler(nil, widget, router, tracker, nil),
		handlers.NewConversationsHandler(nil, router, pipeline),
		handlers.NewOperatorSocketHandler(nil, hub, jwtSecret, time.Hour),
	)
	return &stack{store: store, hub: hub, router: router, srv: srv}
}

func token(t *testing.T, userID string, teams ...string) string {
	t.Helper()
	signed, _, err := auth.GenerateToken(auth.Operator{UserID: userID, TenantID: "acme", Name: "Agent " + userID, Teams: teams}, jwtSecret, time.Hour)
	require.NoError(t, err)
	return signed
}

func (s *stack) do(t *testing.T, method, path, bearer string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.srv.Echo().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// dial opens a websocket against a live test server.
func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON[T any](t *testing.T, conn *websocket.Conn, match func(T) bool) T {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var v T
		require.NoError(t, conn.ReadJSON(&v))
		if match == nil || match(v) {
			return v
		}
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
