package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/supportdesk/internal/archive"
	"github.com/memohai/supportdesk/internal/channel"
	"github.com/memohai/supportdesk/internal/conversation"
	"github.com/memohai/supportdesk/internal/dedupe"
	"github.com/memohai/supportdesk/internal/dispatch"
	"github.com/memohai/supportdesk/internal/keylock"
	"github.com/memohai/supportdesk/internal/message"
	"github.com/memohai/supportdesk/internal/presence"
	"github.com/memohai/supportdesk/internal/store/memory"
)

type notification struct {
	user  string
	group string
	ev    presence.Event
}

type fakeNotifier struct {
	mu  sync.Mutex
	all []notification
}

func (n *fakeNotifier) SendToUser(userID string, ev presence.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.all = append(n.all, notification{user: userID, ev: ev})
}

func (n *fakeNotifier) SendToGroup(group string, ev presence.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.all = append(n.all, notification{group: group, ev: ev})
}

func (n *fakeNotifier) named(name presence.EventName) []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notification
	for _, item := range n.all {
		if item.ev.Name == name {
			out = append(out, item)
		}
	}
	return out
}

type fakeEscalator struct {
	mu    sync.Mutex
	calls []message.Message
	err   error
}

func (e *fakeEscalator) Handle(_ context.Context, _ conversation.Conversation, msg message.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, msg)
	return e.err
}

func (e *fakeEscalator) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []message.Message
}

func (d *fakeDispatcher) Dispatch(_ context.Context, _ conversation.Conversation, msg message.Message) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, msg)
	return "pmid-" + msg.ID, nil
}

type fixture struct {
	store      *memory.Store
	notifier   *fakeNotifier
	escalator  *fakeEscalator
	dispatcher *fakeDispatcher
	router     *dispatch.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:      memory.New(),
		notifier:   &fakeNotifier{},
		escalator:  &fakeEscalator{},
		dispatcher: &fakeDispatcher{},
	}
	locks := keylock.New()
	cache := dedupe.New(time.Minute, 100)
	t.Cleanup(cache.Close)
	f.router = dispatch.NewRouter(nil, dispatch.Deps{
		Resolver:   conversation.NewResolver(nil, f.store, locks),
		Store:      f.store,
		Escalator:  f.escalator,
		Dispatcher: f.dispatcher,
		Archiver:   archive.NewPipeline(nil, f.store, f.store, nil, locks, nil),
		Notifier:   f.notifier,
		Dedupe:     cache,
		Locks:      locks,
	})
	return f
}

func inbound(pmid, text string) channel.InboundMessage {
	return channel.InboundMessage{
		Source:            channel.WhatsApp,
		TenantID:          "acme",
		SenderID:          "15550001",
		SenderName:        "Jane",
		Text:              text,
		ProviderMessageID: pmid,
	}
}

func agent(id string) presence.Operator {
	return presence.Operator{ID: id, TenantID: "acme", Name: "Agent " + id}
}

func TestHelloStartsConversation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res, err := f.router.HandleInbound(t.Context(), inbound("wamid.1", "Hello"))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, conversation.StateAssignedToAssistant, res.Conversation.State())
	assert.Equal(t, message.RoleCustomer, res.Message.Role)
	assert.Equal(t, message.StatusSentToProvider, res.Message.Status)
	assert.Equal(t, "wamid.1", res.Message.ProviderMessageID)

	added := f.notifier.named(presence.EventNewConversationAdded)
	require.Len(t, added, 1)
	assert.Equal(t, presence.TenantGroup("acme"), added[0].group)
	assert.Equal(t, 1, f.escalator.count())

	res2, err := f.router.HandleInbound(t.Context(), inbound("wamid.2", "are you there?"))
	require.NoError(t, err)
	assert.False(t, res2.Created)
	assert.Equal(t, res.Conversation.ID, res2.Conversation.ID)
	assert.Len(t, f.notifier.named(presence.EventNewConversationAdded), 1)
	assert.Equal(t, 2, f.escalator.count())
}

func TestDuplicateInboundIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.router.HandleInbound(t.Context(), inbound("wamid.1", "Hello"))
	require.NoError(t, err)
	res, err := f.router.HandleInbound(t.Context(), inbound("wamid.1", "Hello"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 1, f.escalator.count())

	// a second process without the cache entry still hits the store's uniqueness
	other := dispatch.NewRouter(nil, dispatch.Deps{
		Resolver:  conversation.NewResolver(nil, f.store, nil),
		Store:     f.store,
		Escalator: f.escalator,
	})
	res, err = other.HandleInbound(t.Context(), inbound("wamid.1", "Hello"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 1, f.escalator.count())

	convs, err := f.store.ListActiveConversations(t.Context(), "acme")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	msgs, err := f.store.ListMessages(t.Context(), convs[0].ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestConcurrentInboundCreatesOneConversation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.router.HandleInbound(context.Background(), inbound("", "msg"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	convs, err := f.store.ListActiveConversations(t.Context(), "acme")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	msgs, err := f.store.ListMessages(t.Context(), convs[0].ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 20)
	assert.Len(t, f.notifier.named(presence.EventNewConversationAdded), 1)
}

func TestAssistantFailureKeepsMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.escalator.err = errors.New("assistant unavailable")

	res, err := f.router.HandleInbound(t.Context(), inbound("wamid.1", "Hello"))
	require.NoError(t, err)
	stored, err := f.store.GetMessage(t.Context(), res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", stored.Body)
	conv, err := f.store.GetConversation(t.Context(), res.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StateAssignedToAssistant, conv.State())
}

func TestClaimThenInboundGoesToAgentOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res, err := f.router.HandleInbound(t.Context(), inbound("wamid.1", "Hello"))
	require.NoError(t, err)

	conv, err := f.router.Claim(t.Context(), res.Conversation.ID, agent("a1"))
	require.NoError(t, err)
	assert.Equal(t, "a1", conv.AssignedAgentID)
	assigned := f.notifier.named(presence.EventAssignConversation)
	require.Len(t, assigned, 1)
	assert.Equal(t, "a1", assigned[0].user)
	removed := f.notifier.named(presence.EventRemoveNewConversation)
	require.Len(t, removed, 1)
	assert.Equal(t, presence.TenantGroup("acme"), removed[0].group)

	// same agent again is a no-op
	_, err = f.router.Claim(t.Context(), res.Conversation.ID, agent("a1"))
	require.NoError(t, err)
	assert.Len(t, f.notifier.named(presence.EventAssignConversation), 1)

	_, err = f.router.Claim(t.Context(), res.Conversation.ID, agent("a2"))
	assert.ErrorIs(t, err, conversation.ErrAlreadyClaimed)

	_, err = f.router.Claim(t.Context(), res.Conversation.ID, presence.Operator{ID: "a3", TenantID: "globex"})
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	// agent offline: the message is still stored and the notification targets a1
	res2, err := f.router.HandleInbound(t.Context(), inbound("wamid.2", "still there?"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.escalator.count())
	toAgent := f.notifier.named(presence.EventSendMessageToAssignedUser)
	require.Len(t, toAgent, 1)
	assert.Equal(t, "a1", toAgent[0].user)
	payload, ok := toAgent[0].ev.Data.(dispatch.MessagePayload)
	require.True(t, ok)
	assert.Equal(t, res2.Message.ID, payload.Message.ID)

	msgs, err := f.router.Messages(t.Context(), "acme", res.Conversation.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestPendingTeamInboundNotifiesTeam(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res, err := f.router.HandleInbound(t.Context(), inbound("wamid.1", "Hello"))
	require.NoError(t, err)
	conv := res.Conversation
	require.NoError(t, conv.Escalate("team-7", "Billing", time.Now()))
	_, err = f.store.UpdateConversation(t.Context(), conv)
	require.NoError(t, err)

	_, err = f.router.HandleInbound(t.Context(), inbound("wamid.2", "hello?"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.escalator.count())
	toTeam := f.notifier.named(presence.EventSendMessageToAssignedUser)
	require.Len(t, toTeam, 1)
	assert.Equal(t, presence.TeamGroup("acme", "team-7"), toTeam[0].group)

	claimed, err := f.router.Claim(t.Context(), conv.ID, agent("a1"))
	require.NoError(t, err)
	assert.Equal(t, conversation.StateAssignedToAgent, claimed.State())
	removed := f.notifier.named(presence.EventRemoveNewConversation)
	require.Len(t, removed, 2)
	assert.Equal(t, presence.TeamGroup("acme", "team-7"), removed[1].group)
}

func TestReplyRequiresAssignedAgent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res, err := f.router.HandleInbound(t.Context(), inbound("wamid.1", "Hello"))
	require.NoError(t, err)

	_, err = f.router.Reply(t.Context(), res.Conversation.ID, agent("a1"), "Hi!")
	assert.ErrorIs(t, err, dispatch.ErrNotAssigned)

	_, err = f.router.Claim(t.Context(), res.Conversation.ID, agent("a1"))
	require.NoError(t, err)

	_, err = f.router.Reply(t.Context(), res.Conversation.ID, agent("a1"), "   ")
	assert.ErrorIs(t, err, dispatch.ErrEmptyReply)
	_, err = f.router.Reply(t.Context(), res.Conversation.ID, agent("a2"), "Hi!")
	assert.ErrorIs(t, err, dispatch.ErrNotAssigned)

	reply, err := f.router.Reply(t.Context(), res.Conversation.ID, agent("a1"), "Hi, how can I help?")
	require.NoError(t, err)
	assert.Equal(t, message.RoleAgent, reply.Role)
	assert.Equal(t, "Agent a1", reply.AuthorName)
	require.Len(t, f.dispatcher.sent, 1)
	assert.Equal(t, reply.ID, f.dispatcher.sent[0].ID)

	echoed := f.notifier.named(presence.EventSendMessageToAssignedUser)
	require.Len(t, echoed, 1)
	assert.Equal(t, "a1", echoed[0].user)
}

func TestArchiveStartsFreshConversation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res, err := f.router.HandleInbound(t.Context(), inbound("wamid.1", "call me at 555-123-4567"))
	require.NoError(t, err)

	archived, err := f.router.Archive(t.Context(), "acme", "15550001")
	require.NoError(t, err)
	assert.Equal(t, res.Conversation.ID, archived.OriginalID)

	_, err = f.router.Conversation(t.Context(), "acme", res.Conversation.ID)
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	res2, err := f.router.HandleInbound(t.Context(), inbound("wamid.2", "Hello again"))
	require.NoError(t, err)
	assert.True(t, res2.Created)
	assert.NotEqual(t, res.Conversation.ID, res2.Conversation.ID)

	_, err = f.router.ArchiveConversation(t.Context(), "acme", res2.Conversation.ID)
	require.NoError(t, err)
	_, err = f.router.ArchiveConversation(t.Context(), "acme", res2.Conversation.ID)
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestInvalidInbound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.router.HandleInbound(t.Context(), inbound("wamid.1", "   "))
	assert.ErrorIs(t, err, channel.ErrInvalidInbound)
}

func TestHistoryOfCustomer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, _, err := f.router.History(t.Context(), "acme", "15550001")
	require.ErrorIs(t, err, conversation.ErrNotFound)

	res, err := f.router.HandleInbound(t.Context(), inbound("wamid.1", "Hello"))
	require.NoError(t, err)
	_, err = f.router.HandleInbound(t.Context(), inbound("wamid.2", "Anyone?"))
	require.NoError(t, err)

	conv, msgs, err := f.router.History(t.Context(), "acme", "15550001")
	require.NoError(t, err)
	assert.Equal(t, res.Conversation.ID, conv.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello", msgs[0].Body)
	assert.Equal(t, "Anyone?", msgs[1].Body)
}
