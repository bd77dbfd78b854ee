package commands

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsbot/internal/dedup"
	"newsbot/internal/destination"
	"newsbot/internal/eventbus"
	"newsbot/internal/feed"
	"newsbot/internal/poller"
	"newsbot/internal/storage"
	"newsbot/internal/transport"
	logx "newsbot/pkg/logx"
)

const owner = int64(42)

type sent struct {
	to   transport.ChatTarget
	text string
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
	err  error
	menu []transport.BotCommand
}

func (f *fakeSender) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return transport.MessageRef{}, f.err
	}
	f.msgs = append(f.msgs, sent{to: to, text: text})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.msgs)}, nil
}

func (f *fakeSender) UpdateMenuCommands(_ context.Context, cmds []transport.BotCommand) error {
	f.mu.Lock()
	f.menu = cmds
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) last(t *testing.T) sent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.msgs, "no reply sent")
	return f.msgs[len(f.msgs)-1]
}

type fakeRuntime struct {
	mu       sync.Mutex
	restarts []feed.Category
}

func (f *fakeRuntime) Restart(c feed.Category) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, c)
	return nil
}

func (f *fakeRuntime) Snapshots() []poller.Status {
	return []poller.Status{
		{Category: feed.Filings, State: poller.Suspended, Schedule: "every 10m0s"},
		{Category: feed.Press, State: poller.Running, Schedule: "every 10m0s", LastRun: time.Now(), LastError: "fetch <boom>"},
	}
}

type fixture struct {
	m      *Manager
	sender *fakeSender
	store  *dedup.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{sender: &fakeSender{}, store: dedup.New(storage.NewMemory())}
	f.m = New(Deps{
		Sender: f.sender,
		Store:  f.store,
		Directory: destination.NewDirectory(map[string]transport.ChatTarget{
			"general":        {ChatID: -1},
			"press-releases": {ChatID: -2},
		}),
		Bus: eventbus.New(),
		Log: logx.Nop(),
	}, []int64{owner})
	return f
}

func (f *fixture) send(from int64, text string) {
	job := f.m.route(context.Background(), transport.Update{
		Kind:    transport.UpdateMessage,
		Message: &transport.Message{ChatID: -5, FromID: from, Text: text},
	})
	if job != nil {
		job()
	}
}

func TestSetDestinationRejectsNonOwnerBeforeMutation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rt := &fakeRuntime{}
	f.m.Attach(rt)

	f.send(7, "/setdest press press-releases")

	assert.Equal(t, "You are not allowed to use this command.", f.sender.last(t).text)
	_, ok, err := f.store.GetDestination(context.Background(), "press")
	require.NoError(t, err)
	assert.False(t, ok, "mapping must not change")
	assert.Empty(t, rt.restarts)
}

func TestSetDestinationPersistsAndRestartsOnlyThatCategory(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rt := &fakeRuntime{}
	f.m.Attach(rt)

	f.send(owner, "/setdest@newsbot Press #Press-Releases")

	assert.Equal(t, "Press updates will be posted in #press-releases", f.sender.last(t).text)
	assert.Equal(t, transport.ChatTarget{ChatID: -5}, f.sender.last(t).to)
	name, ok, err := f.store.GetDestination(context.Background(), "press")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "press-releases", name)
	assert.Equal(t, []feed.Category{feed.Press}, rt.restarts)
}

func TestSetDestinationWithoutRuntime(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.send(owner, "/setdest filings general")

	assert.Equal(t, "News module not initialized yet.", f.sender.last(t).text)
	name, ok, err := f.store.GetDestination(context.Background(), "filings")
	require.NoError(t, err)
	assert.True(t, ok, "the mapping is kept for when polling starts")
	assert.Equal(t, "general", name)
}

func TestSetDestinationUsageErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"missing args":     "/setdest",
		"unknown category": "/setdest weather general",
		"unknown name":     "/setdest press nowhere",
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			rt := &fakeRuntime{}
			f.m.Attach(rt)
			f.send(owner, text)

			assert.Contains(t, f.sender.last(t).text, "Usage: /setdest")
			assert.Contains(t, f.sender.last(t).text, "#general, #press-releases")
			assert.Empty(t, rt.restarts)
		})
	}
}

func TestCheckRestartsPoller(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rt := &fakeRuntime{}
	f.m.Attach(rt)

	f.send(7, "/check filings")
	assert.Empty(t, rt.restarts)

	f.send(owner, "/check filings")
	assert.Equal(t, "Checking filings now.", f.sender.last(t).text)
	assert.Equal(t, []feed.Category{feed.Filings}, rt.restarts)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.send(7, "/status")
	assert.Equal(t, notInitialized, f.sender.last(t).text)

	require.NoError(t, f.store.SetDestination(context.Background(), "press", "press-releases"))
	f.m.Attach(&fakeRuntime{})
	f.send(7, "/status")

	text := f.sender.last(t).text
	assert.Contains(t, text, "<b>Filings</b>: suspended")
	assert.Contains(t, text, "destination: not set (falls back to #general)")
	assert.Contains(t, text, "destination: #press-releases")
	assert.Contains(t, text, "last error: fetch &lt;boom&gt;")
}

func TestUnknownCommands(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.send(7, "/weather")
	f.send(7, "hello there")
	assert.Empty(t, f.sender.msgs, "group chats ignore foreign commands and plain text")

	job := f.m.route(context.Background(), transport.Update{
		Kind:    transport.UpdateMessage,
		Message: &transport.Message{ChatID: 7, FromID: 7, Text: "/weather", IsPrivate: true},
	})
	require.NotNil(t, job)
	job()
	assert.Equal(t, "Unknown command. Try /help", f.sender.last(t).text)
}

func TestHelpListsCommands(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.send(7, "/help")
	text := f.sender.last(t).text
	assert.Contains(t, text, "/setdest &lt;filings|press&gt; &lt;destination&gt; - set where a feed is posted (owner)")
	assert.NotContains(t, text, "/start")

	f.m.UpdateMenu(context.Background())
	assert.Len(t, f.sender.menu, 5)
}

func TestCommandForAnotherBotIsIgnored(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.m.deps.BotUsername = "news_bot"
	rt := &fakeRuntime{}
	f.m.Attach(rt)

	f.send(owner, "/setdest@other_bot press press-releases")
	assert.Empty(t, f.sender.msgs)
	_, ok, err := f.store.GetDestination(context.Background(), "press")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, rt.restarts)

	f.send(owner, "/setdest@News_Bot press press-releases")
	assert.Equal(t, "Press updates will be posted in #press-releases", f.sender.last(t).text)
}

func TestWelcomeMessageGoesToInviter(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	job := f.m.route(context.Background(), transport.Update{
		Kind: transport.UpdateJoined,
		Join: &transport.Join{ChatID: -9, ChatTitle: "investors", InviterID: 1234},
	})
	require.NotNil(t, job)
	job()

	msg := f.sender.last(t)
	assert.Equal(t, transport.PrivateChat(1234), msg.to)
	assert.Equal(t, WelcomeText, msg.text)
	assert.Contains(t, msg.text, "/setdest filings")
	assert.Contains(t, msg.text, "/setdest press")
}

func TestWelcomeFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sender.err = errors.New("Forbidden: bot can't initiate conversation with a user")
	job := f.m.route(context.Background(), transport.Update{
		Kind: transport.UpdateJoined,
		Join: &transport.Join{ChatID: -9, InviterID: 1234},
	})
	require.NotPanics(t, job)
}

func TestRunProcessesUpdates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan transport.Update, 1)
	done := make(chan error, 1)
	go func() { done <- f.m.Run(ctx, updates) }()

	updates <- transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{ChatID: -5, FromID: 1, Text: "/help"}}
	require.Eventually(t, func() bool {
		f.sender.mu.Lock()
		defer f.sender.mu.Unlock()
		return len(f.sender.msgs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	name, args, ok := parseCommand("  /SetDest@News_Bot  press   general ", "news_bot")
	require.True(t, ok)
	assert.Equal(t, "setdest", name)
	assert.Equal(t, []string{"press", "general"}, args)

	name, _, ok = parseCommand("/status@any_bot", "")
	require.True(t, ok, "no username configured accepts any suffix")
	assert.Equal(t, "status", name)

	_, _, ok = parseCommand("/setdest@other_bot press general", "news_bot")
	assert.False(t, ok, "addressed to another bot")
	_, _, ok = parseCommand("setdest press", "news_bot")
	assert.False(t, ok)
	_, _, ok = parseCommand("/@news_bot", "news_bot")
	assert.False(t, ok)
}
