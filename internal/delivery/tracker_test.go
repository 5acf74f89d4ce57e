package delivery_test

import (
	"bytes"
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/supportdesk/internal/channel"
	"github.com/memohai/supportdesk/internal/conversation"
	"github.com/memohai/supportdesk/internal/delivery"
	"github.com/memohai/supportdesk/internal/message"
	"github.com/memohai/supportdesk/internal/presence"
	"github.com/memohai/supportdesk/internal/store/memory"
)

type sentEvent struct {
	userID string
	ev     presence.Event
}

type fakeNotifier struct {
	mu     sync.Mutex
	toUser []sentEvent
}

func (n *fakeNotifier) SendToUser(userID string, ev presence.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.toUser = append(n.toUser, sentEvent{userID: userID, ev: ev})
}

func (n *fakeNotifier) SendToGroup(string, presence.Event) {}

func (n *fakeNotifier) events() []sentEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentEvent(nil), n.toUser...)
}

func seed(t *testing.T, s *memory.Store, agentID string, status message.Status) message.Message {
	t.Helper()
	_, err := s.CreateConversation(t.Context(), conversation.Conversation{
		ID: "c1", TenantID: "t1", SenderID: "s1", Source: channel.WhatsApp, Active: true,
		AssignedAgentID: agentID, AssignedToAssistant: agentID == "",
	})
	require.NoError(t, err)
	msg, err := s.CreateMessage(t.Context(), message.Message{
		ID: "m1", ConversationID: "c1", ProviderMessageID: "wamid.1",
		Role: message.RoleAgent, Body: "hi", Status: status,
	})
	require.NoError(t, err)
	return msg
}

func newTracker(s *memory.Store, n presence.Notifier) *delivery.Tracker {
	return delivery.NewTracker(nil, s, s, nil, n)
}

func statusEvent(status string) channel.StatusEvent {
	return channel.StatusEvent{Source: channel.WhatsApp, TenantID: "t1", ProviderMessageID: "wamid.1", Status: status}
}

func TestApplyDeliveredThenSentStaysDelivered(t *testing.T) {
	t.Parallel()
	s := memory.New()
	seed(t, s, "agent-1", message.StatusSentToProvider)
	notifier := &fakeNotifier{}
	tracker := newTracker(s, notifier)

	res, err := tracker.Apply(t.Context(), statusEvent("delivered"))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, message.StatusDelivered, res.Message.Status)

	res, err = tracker.Apply(t.Context(), statusEvent("sent"))
	require.NoError(t, err)
	assert.False(t, res.Applied)

	stored, err := s.GetMessage(t.Context(), "m1")
	require.NoError(t, err)
	assert.Equal(t, message.StatusDelivered, stored.Status)

	events := notifier.events()
	require.Len(t, events, 1)
	assert.Equal(t, "agent-1", events[0].userID)
	assert.Equal(t, presence.EventMessageStatusUpdated, events[0].ev.Name)
	assert.Equal(t, presence.StatusUpdate{MessageID: "m1", Status: "delivered"}, events[0].ev.Data)
}

func TestApplyErrorIsTerminal(t *testing.T) {
	t.Parallel()
	s := memory.New()
	seed(t, s, "", message.StatusSent)
	tracker := newTracker(s, &fakeNotifier{})

	ev := statusEvent("undeliverable")
	ev.Error = "recipient blocked"
	res, err := tracker.Apply(t.Context(), ev)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, message.StatusError, res.Message.Status)
	assert.Equal(t, "recipient blocked", res.Message.ErrorDetail)

	res, err = tracker.Apply(t.Context(), statusEvent("read"))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, message.StatusError, res.Message.Status)
}

func TestApplyErrorLogsDetailAtWarn(t *testing.T) {
	t.Parallel()
	s := memory.New()
	seed(t, s, "agent-1", message.StatusSent)
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	tracker := delivery.NewTracker(log, s, s, nil, &fakeNotifier{})

	ev := statusEvent("failed")
	ev.Error = "recipient blocked"
	res, err := tracker.Apply(t.Context(), ev)
	require.NoError(t, err)
	require.True(t, res.Applied)

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "message delivery failed")
	assert.Contains(t, out, `error_detail="recipient blocked"`)
	assert.Contains(t, out, "provider_message_id=wamid.1")
}

func TestApplyUnknownProviderIDIsNoop(t *testing.T) {
	t.Parallel()
	s := memory.New()
	tracker := newTracker(s, &fakeNotifier{})

	ev := statusEvent("read")
	ev.ProviderMessageID = "missing"
	res, err := tracker.Apply(t.Context(), ev)
	require.NoError(t, err)
	assert.False(t, res.Applied)
}

func TestApplyMalformed(t *testing.T) {
	t.Parallel()
	s := memory.New()
	seed(t, s, "", message.StatusSent)
	tracker := newTracker(s, &fakeNotifier{})

	_, err := tracker.Apply(t.Context(), statusEvent("teleported"))
	assert.ErrorIs(t, err, delivery.ErrMalformedStatus)

	ev := statusEvent("read")
	ev.ProviderMessageID = "  "
	_, err = tracker.Apply(t.Context(), ev)
	assert.ErrorIs(t, err, delivery.ErrMalformedStatus)
}

func TestApplyIgnoresForeignTenantOrChannel(t *testing.T) {
	t.Parallel()
	s := memory.New()
	seed(t, s, "agent-1", message.StatusDelivered)
	notifier := &fakeNotifier{}
	tracker := newTracker(s, notifier)

	otherTenant := statusEvent("failed")
	otherTenant.TenantID = "t2"
	otherChannel := statusEvent("failed")
	otherChannel.Source = channel.WebWidget

	for _, ev := range []channel.StatusEvent{otherTenant, otherChannel} {
		res, err := tracker.Apply(t.Context(), ev)
		require.NoError(t, err)
		assert.False(t, res.Applied)
	}
	stored, err := s.GetMessage(t.Context(), "m1")
	require.NoError(t, err)
	assert.Equal(t, message.StatusDelivered, stored.Status)
	assert.Empty(t, notifier.events())
}

func TestApplyUsesPayloadTimestamp(t *testing.T) {
	t.Parallel()
	s := memory.New()
	seed(t, s, "", message.StatusSentToProvider)
	tracker := newTracker(s, nil)

	ev := statusEvent("read")
	ev.Timestamp = "1700000000"
	res, err := tracker.Apply(t.Context(), ev)
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), res.Message.ChangedAt)
}

func TestAnyOrderConverges(t *testing.T) {
	t.Parallel()
	keywords := []string{"accepted", "sent", "delivered", "read"}
	for seed := int64(0); seed < 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		order := rng.Perm(len(keywords))

		s := memory.New()
		_, err := s.CreateConversation(t.Context(), conversation.Conversation{ID: "c1", TenantID: "t1", SenderID: "s1", Source: channel.WhatsApp, Active: true})
		require.NoError(t, err)
		_, err = s.CreateMessage(t.Context(), message.Message{ID: "m1", ConversationID: "c1", ProviderMessageID: "wamid.1", Status: message.StatusPending})
		require.NoError(t, err)
		tracker := newTracker(s, nil)

		for _, idx := range order {
			_, err := tracker.Apply(t.Context(), statusEvent(keywords[idx]))
			require.NoError(t, err)
		}
		stored, err := s.GetMessage(t.Context(), "m1")
		require.NoError(t, err)
		if stored.Status != message.StatusRead {
			t.Fatalf("seed %d order %v: got %s, want read", seed, order, stored.Status)
		}
	}
}

func TestApplyAfterArchiveIsNoop(t *testing.T) {
	t.Parallel()
	s := memory.New()
	msg := seed(t, s, "", message.StatusSent)
	flaky := &vanishingRepo{Store: s, vanishID: msg.ID}
	tracker := delivery.NewTracker(nil, flaky, s, nil, nil)

	res, err := tracker.Apply(t.Context(), statusEvent("read"))
	require.NoError(t, err)
	assert.False(t, res.Applied)
}

func TestApplyRetriesOnceOnConflict(t *testing.T) {
	t.Parallel()
	s := memory.New()
	seed(t, s, "", message.StatusSent)
	repo := &conflictingRepo{Store: s, conflicts: 1}
	tracker := delivery.NewTracker(nil, repo, s, nil, nil)

	res, err := tracker.Apply(t.Context(), statusEvent("read"))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 2, repo.calls)

	repo = &conflictingRepo{Store: s, conflicts: 5}
	stored, _ := s.GetMessage(t.Context(), "m1")
	require.Equal(t, message.StatusRead, stored.Status)
	tracker = delivery.NewTracker(nil, repo, s, nil, nil)
	_, err = tracker.MarkFailed(t.Context(), "m1", "boom")
	assert.ErrorIs(t, err, message.ErrConcurrencyConflict)
}

func TestMarkFailedAndSentToProvider(t *testing.T) {
	t.Parallel()
	s := memory.New()
	_, err := s.CreateConversation(t.Context(), conversation.Conversation{ID: "c1", TenantID: "t1", SenderID: "s1", Source: channel.WhatsApp, Active: true})
	require.NoError(t, err)
	_, err = s.CreateMessage(t.Context(), message.Message{ID: "m1", ConversationID: "c1", Status: message.StatusPending})
	require.NoError(t, err)
	tracker := newTracker(s, nil)

	res, err := tracker.MarkSentToProvider(t.Context(), "m1")
	require.NoError(t, err)
	assert.Equal(t, message.StatusSentToProvider, res.Message.Status)

	res, err = tracker.MarkFailed(t.Context(), "m1", "adapter down")
	require.NoError(t, err)
	assert.Equal(t, message.StatusError, res.Message.Status)
	assert.Equal(t, "adapter down", res.Message.ErrorDetail)

	res, err = tracker.MarkFailed(t.Context(), "missing", "x")
	require.NoError(t, err)
	assert.False(t, res.Applied)
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw  string
		want time.Time
		ok   bool
	}{
		{raw: "2024-05-01T10:00:00Z", want: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), ok: true},
		{raw: "1700000000", want: time.Unix(1700000000, 0).UTC(), ok: true},
		{raw: "1700000000123", want: time.UnixMilli(1700000000123).UTC(), ok: true},
		{raw: "", ok: false},
		{raw: "yesterday", ok: false},
		{raw: "-5", ok: false},
	}
	for _, tc := range cases {
		got, ok := delivery.ParseTimestamp(tc.raw)
		if ok != tc.ok {
			t.Fatalf("%q: ok=%v want %v", tc.raw, ok, tc.ok)
		}
		if ok && !got.Equal(tc.want) {
			t.Fatalf("%q: got %v want %v", tc.raw, got, tc.want)
		}
	}
}

func TestParseStatusKeyword(t *testing.T) {
	t.Parallel()
	cases := map[string]message.Status{
		"accepted":         message.StatusSentToProvider,
		"SENT_TO_PROVIDER": message.StatusSentToProvider,
		"sent":             message.StatusSent,
		"delivered":        message.StatusDelivered,
		" read ":           message.StatusRead,
		"failed":           message.StatusError,
		"rejected":         message.StatusError,
		"error":            message.StatusError,
		"undeliverable":    message.StatusError,
	}
	for raw, want := range cases {
		got, err := delivery.ParseStatusKeyword(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := delivery.ParseStatusKeyword("pending")
	assert.ErrorIs(t, err, delivery.ErrMalformedStatus)
}

type conflictingRepo struct {
	*memory.Store
	mu        sync.Mutex
	conflicts int
	calls     int
}

func (r *conflictingRepo) UpdateMessageStatus(ctx context.Context, change message.StatusChange) (message.Message, error) {
	r.mu.Lock()
	r.calls++
	if r.conflicts > 0 {
		r.conflicts--
		r.mu.Unlock()
		return message.Message{}, message.ErrConcurrencyConflict
	}
	r.mu.Unlock()
	return r.Store.UpdateMessageStatus(ctx, change)
}

// vanishingRepo simulates the message being archived between lookup and reload.
type vanishingRepo struct {
	*memory.Store
	vanishID string
}

func (r *vanishingRepo) GetMessage(ctx context.Context, id string) (message.Message, error) {
	if id == r.vanishID {
		return message.Message{}, message.ErrNotFound
	}
	return r.Store.GetMessage(ctx, id)
}
