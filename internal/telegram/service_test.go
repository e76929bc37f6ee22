package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"quackchat/internal/chat"
	"quackchat/internal/connections"
	"quackchat/internal/conversation"
	"quackchat/internal/llm"
	"quackchat/internal/metrics"
	"quackchat/internal/queue"
	"quackchat/internal/storage"
)

type fakeMessenger struct {
	mu    sync.Mutex
	sends []string
	edits []string
}

func (f *fakeMessenger) Send(_ context.Context, _ int64, text string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, text)
	return int64(len(f.sends)), nil
}

func (f *fakeMessenger) Edit(_ context.Context, _, _ int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

type harness struct {
	svc   *Service
	conns *connections.Registry
	mgr   *conversation.Manager
	rdb   *redis.Client
	queue *queue.AskQueue
}

func newHarness(t *testing.T, tokens ...string) *harness {
	t.Helper()
	ctx := context.Background()
	kv := storage.NewMemoryStore()

	conns, err := connections.New(ctx, connections.Config{Store: kv, Logger: zerolog.Nop()})
	require.NoError(t, err)
	streamer := llm.StreamFunc(func(ctx context.Context, model string, messages []*chat.Message) <-chan string {
		return llm.Tokens(tokens...)
	})
	mgr, err := conversation.NewManager(ctx, conversation.Config{Store: kv, Streamer: streamer, Logger: zerolog.Nop()})
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := queue.NewAskQueue(rdb, queue.Options{Stream: "quackchat:asks", Group: "workers", Consumer: "test", Block: 10 * time.Millisecond})
	require.NoError(t, q.Prepare(ctx))

	svc := NewService(Config{
		Conversations: mgr,
		Connections:   conns,
		Queue:         q,
		RateLimiter:   queue.NewRateLimiter(rdb, 1, time.Hour),
		Redis:         rdb,
		Logger:        zerolog.Nop(),
		Metrics:       metrics.Unregistered(),
		EditInterval:  time.Hour,
	})
	return &harness{svc: svc, conns: conns, mgr: mgr, rdb: rdb, queue: q}
}

func messageTexts(c *conversation.Conversation) []string {
	var out []string
	for _, m := range c.Messages() {
		out = append(out, m.Text())
	}
	return out
}

func TestRender(t *testing.T) {
	require.Equal(t, placeholder, render(""))
	require.Equal(t, "Hello", render("Hello"))
	require.Equal(t, "Thought:\nhmm\n\nHello", render("<think>hmm</think>Hello"))
	require.Equal(t, "Thinking:\nstill going", render("<think>still going"))

	long := render(strings.Repeat("x", maxMessageRunes+10))
	require.Len(t, []rune(long), maxMessageRunes)
	require.True(t, strings.HasSuffix(long, placeholder))
}

func TestLiveMessageThrottlesEdits(t *testing.T) {
	ctx := context.Background()
	out := &fakeMessenger{}
	live := newLiveMessage(out, 1, time.Hour)
	require.NoError(t, live.Finish(ctx), "nothing followed yet")
	require.Empty(t, out.sends)

	m := chat.NewMessage("", nil, "Ollama/llama3")
	live.Follow(ctx, m)
	m.ExtendText("a")
	m.ExtendText("b")
	m.ExtendText("c")
	require.NoError(t, live.Finish(ctx))
	m.ExtendText("ignored")
	require.NoError(t, live.Finish(ctx))

	require.Equal(t, []string{"a"}, out.sends)
	require.Equal(t, []string{"abc"}, out.edits, "finished messages are no longer mirrored")
}

func TestSendTextMirrorsAnswer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "<think>hm</think>", "Hello")
	out := &fakeMessenger{}

	require.Empty(t, h.svc.sendText(ctx, out, 7, "hi"))

	c := h.mgr.Current()
	require.NotNil(t, c)
	require.Equal(t, []string{"hi", "<think>hm</think>Hello"}, messageTexts(c))
	require.Equal(t, []string{"Thought:\nhm"}, out.sends)
	require.Equal(t, []string{"Thought:\nhm\n\nHello"}, out.edits)
}

func TestUndoEditAndSendDraft(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "pong")
	out := &fakeMessenger{}

	require.Equal(t, "Nothing to undo.", h.svc.undoLast(ctx))
	require.Empty(t, h.svc.sendText(ctx, out, 1, "ping"))
	c := h.mgr.Current()

	require.Equal(t, "Removed the last exchange.", h.svc.undoLast(ctx))
	require.Empty(t, c.Messages())

	require.Empty(t, h.svc.sendText(ctx, out, 1, "ping"))
	require.Contains(t, h.svc.editLast(ctx), "ping")
	require.Empty(t, c.Messages())
	require.Equal(t, "ping", c.DraftText())

	require.Equal(t, "Draft saved. Submit it with /send.", h.svc.setDraft(ctx, "ping again"))
	require.Equal(t, "Draft:\n\nping again", h.svc.setDraft(ctx, ""))
	require.Empty(t, h.svc.sendDraftText(ctx, out, 1))
	require.Equal(t, []string{"ping again", "pong"}, messageTexts(c))
	require.Empty(t, c.DraftText())
	require.Contains(t, h.svc.sendDraftText(ctx, out, 1), "Draft is empty")
}

func TestRetryReplacesLastAnswer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "pong")
	out := &fakeMessenger{}

	require.Equal(t, "Nothing to retry.", h.svc.retryLast(ctx, out, 1))
	require.Empty(t, h.svc.sendText(ctx, out, 1, "ping"))
	require.Empty(t, h.svc.retryLast(ctx, out, 1))
	require.Equal(t, []string{"ping", "pong"}, messageTexts(h.mgr.Current()))
	require.Len(t, out.sends, 2)
}

func TestConversationCommands(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.Equal(t, "No conversation selected.", h.svc.renameCurrent(ctx, "x"))
	require.Equal(t, "Usage: /rename <name>", h.svc.renameCurrent(ctx, " "))
	require.Contains(t, h.svc.startConversation(ctx), conversation.DefaultModel)
	first := h.mgr.Current()
	require.Equal(t, "Renamed to groceries.", h.svc.renameCurrent(ctx, "groceries"))

	h.svc.startConversation(ctx)
	text, markup := h.svc.chatsText()
	require.Equal(t, "Conversations:", text)
	require.Len(t, markup.InlineKeyboard, 3)
	var marked []string
	for _, row := range markup.InlineKeyboard[:2] {
		if strings.HasPrefix(row[0].Text, "● ") {
			marked = append(marked, row[0].CallbackData)
		}
	}
	require.Equal(t, []string{cbChat + h.mgr.Current().ID()}, marked)
	require.Equal(t, cbNew, markup.InlineKeyboard[2][0].CallbackData)

	require.Contains(t, h.svc.selectConversation(ctx, first.ID()), `"groceries"`)
	require.Equal(t, "That conversation no longer exists.", h.svc.selectConversation(ctx, "nope"))

	require.Equal(t, "Conversation deleted.", h.svc.deleteCurrent(ctx))
	require.Nil(t, h.mgr.Current())
	require.Len(t, h.mgr.Conversations(), 1)
}

func TestSetModelAndToggles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.Equal(t, "Model set to Ollama/llama3.", h.svc.setModel(ctx, "Ollama/llama3"))
	require.Equal(t, "Ollama/llama3", h.mgr.Current().Model())
	def, err := h.mgr.DefaultModel(ctx)
	require.NoError(t, err)
	require.Equal(t, "Ollama/llama3", def)
	require.Contains(t, h.svc.setModel(ctx, "ghost/x"), "no connection serves it")

	require.Equal(t, "web is now on.", h.svc.setToggle(ctx, conversation.SettingWeb, "on"))
	require.True(t, h.svc.settingEnabled(conversation.SettingWeb))
	require.True(t, h.mgr.Current().Settings().HasTools())
	require.Equal(t, "Usage: /web on|off (currently on)", h.svc.setToggle(ctx, conversation.SettingWeb, "maybe"))
	require.Equal(t, "web is now off.", h.svc.setToggle(ctx, conversation.SettingWeb, "off"))
	require.False(t, h.svc.settingEnabled(conversation.SettingWeb))
}

func TestWizardAddsConnection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	const owner = 42

	_, handled := h.svc.continueWizard(ctx, owner, "hello")
	require.False(t, handled, "no wizard running")

	require.Contains(t, h.svc.beginWizard(ctx, owner), "Send its name")
	steps := []struct{ in, want string }{
		{"bad/name", "Invalid name"},
		{"groq", "Send the endpoint"},
		{"ftp://nope", "http or https"},
		{"https://api.groq.com/openai/v1", "API type"},
		{"gopher", "Supported API types"},
		{"openai", "preferred model"},
		{"llama3-70b", "API key"},
		{"gsk-secret", "Connection groq saved"},
	}
	for _, step := range steps {
		reply, handled := h.svc.continueWizard(ctx, owner, step.in)
		require.True(t, handled, step.in)
		require.Contains(t, reply, step.want, step.in)
	}

	conn, ok := h.conns.Get("groq")
	require.True(t, ok)
	require.Equal(t, connections.Connection{
		Name:        "groq",
		APIEndpoint: "https://api.groq.com/openai/v1",
		APIKey:      "gsk-secret",
		APIType:     connections.APITypeOpenAI,
		Model:       "llama3-70b",
	}, conn)

	state, err := h.svc.wizard.Get(ctx, owner)
	require.NoError(t, err)
	require.Nil(t, state)
	require.Contains(t, h.svc.connectionsText(), "- groq [OpenAI] https://api.groq.com/openai/v1 (llama3-70b)")
}

func TestCancelStopsWizard(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.Equal(t, "Nothing to cancel.", h.svc.cancelAll(ctx, 1))
	h.svc.beginWizard(ctx, 1)
	require.Equal(t, "Wizard canceled.", h.svc.cancelAll(ctx, 1))
	_, handled := h.svc.continueWizard(ctx, 1, "groq")
	require.False(t, handled)
}

func TestEnqueueAskIsRateLimited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.svc.setModel(ctx, "Ollama/llama3")

	require.Equal(t, "Usage: /ask <text>", h.svc.enqueueAsk(ctx, 5, 1, "  "))
	require.Equal(t, "Accepted. Processing in queue.", h.svc.enqueueAsk(ctx, 5, 1, "why?"))
	require.Contains(t, h.svc.enqueueAsk(ctx, 5, 2, "why again?"), "Rate limit exceeded")

	deliveries, err := h.queue.Pull(ctx, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, queue.Question{ChatID: 5, ReplyTo: 1, Text: "why?", Model: "Ollama/llama3"}, deliveries[0].Question)
}

func TestServiceWithoutRedis(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	svc := NewService(Config{Conversations: h.mgr, Connections: h.conns, Logger: zerolog.Nop(), Metrics: metrics.Unregistered()})

	require.Contains(t, svc.beginWizard(ctx, 1), "needs redis")
	require.Contains(t, svc.enqueueAsk(ctx, 1, 1, "hi"), "needs redis")
	_, handled := svc.continueWizard(ctx, 1, "hi")
	require.False(t, handled)
}

func TestRedactToken(t *testing.T) {
	token := "123456:ABC-secret"
	err := errors.New(`Post "https://api.telegram.org/bot123456:ABC-secret/getUpdates": timeout`)
	require.Equal(t, `Post "https://api.telegram.org/bot<redacted-token>/getUpdates": timeout`, RedactToken(err, token))
	require.Equal(t, "", RedactToken(nil, token))
	require.Equal(t, "plain", RedactToken(errors.New("plain"), ""))
}

func TestProcessorOnlyAllowsOwner(t *testing.T) {
	p := Processor{OwnerUserID: 42}
	require.True(t, p.allowed(42))
	require.False(t, p.allowed(7))
	require.False(t, Processor{}.allowed(0))
}
