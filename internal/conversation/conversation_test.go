package conversation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"quackchat/internal/chat"
	"quackchat/internal/connections"
	"quackchat/internal/llm"
	"quackchat/internal/storage"
)

func newManager(t *testing.T, streamer llm.Streamer) (*Manager, *storage.MemoryStore) {
	t.Helper()
	kv := storage.NewMemoryStore()
	m, err := NewManager(context.Background(), Config{Store: kv, Streamer: streamer, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return m, kv
}

func fixedTokens(tokens ...string) llm.Streamer {
	return llm.StreamFunc(func(ctx context.Context, model string, messages []*chat.Message) <-chan string {
		return llm.Tokens(tokens...)
	})
}

func storedPayload(t *testing.T, kv storage.KV, id string) payload {
	t.Helper()
	raw, err := kv.Get(context.Background(), "quack-norris-conversation-"+id)
	require.NoError(t, err)
	var p payload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	return p
}

func texts(msgs []*chat.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text())
	}
	return out
}

func TestDeleteMessagesTruncates(t *testing.T) {
	ctx := context.Background()
	m, kv := newManager(t, fixedTokens())
	c, err := m.NewConversation(ctx)
	require.NoError(t, err)

	msgs := []*chat.Message{
		chat.NewMessage("A", nil, ""),
		chat.NewMessage("B", nil, "local/llama3"),
		chat.NewMessage("C", nil, ""),
		chat.NewMessage("D", nil, "local/llama3"),
	}
	for _, msg := range msgs {
		require.NoError(t, c.AddMessage(ctx, msg))
	}

	gotIdx := -1
	var gotMsg *chat.Message
	c.AddListener(&Listener{OnMessagesDeletedFrom: func(idx int, m *chat.Message) {
		gotIdx, gotMsg = idx, m
	}})

	require.NoError(t, c.DeleteMessages(ctx, msgs[2]))
	require.Equal(t, []string{"A", "B"}, texts(c.Messages()))
	require.Equal(t, 2, gotIdx)
	require.Same(t, msgs[2], gotMsg)
	require.Len(t, storedPayload(t, kv, c.ID()).Messages, 2)

	gotIdx = -1
	require.NoError(t, c.DeleteMessages(ctx, chat.NewMessage("stranger", nil, "")))
	require.Equal(t, -1, gotIdx)
	require.Len(t, c.Messages(), 2)
}

func TestSendMessageStreamsIntoAnswer(t *testing.T) {
	ctx := context.Background()
	var seen []string
	streamer := llm.StreamFunc(func(ctx context.Context, model string, messages []*chat.Message) <-chan string {
		seen = texts(messages)
		return llm.Tokens("Hel", "lo")
	})
	m, kv := newManager(t, streamer)
	c, err := m.NewConversation(ctx)
	require.NoError(t, err)
	require.NoError(t, c.SetModel(ctx, "local/llama3"))

	var chunks []string
	c.AddListener(&Listener{OnMessageAdded: func(msg *chat.Message) {
		if !msg.IsUser() {
			msg.AddListener(&chat.MessageListener{OnExtendText: func(chunk string) { chunks = append(chunks, chunk) }})
		}
	}})

	require.NoError(t, c.SendMessage(ctx, "hi", nil))

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "hi", msgs[0].Text())
	require.True(t, msgs[0].IsUser())
	require.Equal(t, "Hello", msgs[1].Text())
	require.Equal(t, "local/llama3", msgs[1].Role())
	require.Equal(t, []string{"hi"}, seen, "the transport gets the history without the placeholder")
	require.Equal(t, []string{"Hel", "lo"}, chunks)
	require.False(t, c.Busy())

	p := storedPayload(t, kv, c.ID())
	require.Equal(t, []chat.Record{
		{Text: "hi", Images: []string{}, Role: "user"},
		{Text: "Hello", Images: []string{}, Role: "local/llama3"},
	}, p.Messages)
}

func TestSendMessageNetworkFailureIsPersisted(t *testing.T) {
	ctx := context.Background()
	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()

	reg, err := connections.New(ctx, connections.Config{
		Store:  storage.NewMemoryStore(),
		Logger: zerolog.Nop(),
		Seed:   []connections.Connection{{Name: "local", APIEndpoint: downURL}},
	})
	require.NoError(t, err)
	transport := llm.New(llm.Config{Connections: reg, Logger: zerolog.Nop()})

	m, kv := newManager(t, transport)
	c, err := m.NewConversation(ctx)
	require.NoError(t, err)
	require.NoError(t, c.SetModel(ctx, "local/llama3"))

	require.NoError(t, c.SendMessage(ctx, "hi", nil))

	answer := c.Messages()[1]
	require.True(t, strings.HasSuffix(answer.Text(), llm.ErrTextTransport))
	p := storedPayload(t, kv, c.ID())
	require.Len(t, p.Messages, 2)
	require.True(t, strings.HasSuffix(p.Messages[1].Text, llm.ErrTextTransport))
}

func blockingStreamer() llm.Streamer {
	return llm.StreamFunc(func(ctx context.Context, model string, messages []*chat.Message) <-chan string {
		ch := make(chan string)
		go func() {
			defer close(ch)
			select {
			case ch <- "partial":
			case <-ctx.Done():
				return
			}
			<-ctx.Done()
		}()
		return ch
	})
}

func TestConcurrentSendRejectedAndCancel(t *testing.T) {
	ctx := context.Background()
	m, kv := newManager(t, blockingStreamer())
	c, err := m.NewConversation(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.SendMessage(ctx, "first", nil) }()

	require.Eventually(t, func() bool {
		msgs := c.Messages()
		return len(msgs) == 2 && msgs[1].Text() == "partial"
	}, 5*time.Second, 5*time.Millisecond)
	require.True(t, c.Busy())

	require.ErrorIs(t, c.SendMessage(ctx, "second", nil), ErrSendInFlight)
	require.ErrorIs(t, c.Rerun(ctx, c.Messages()[1]), ErrSendInFlight)

	require.True(t, c.Cancel())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not return after cancel")
	}
	require.False(t, c.Busy())
	require.False(t, c.Cancel())
	require.Equal(t, []string{"first", "partial"}, texts(c.Messages()))
	require.Equal(t, "partial", storedPayload(t, kv, c.ID()).Messages[1].Text)
}

func TestRerunResendsPrecedingUserMessage(t *testing.T) {
	ctx := context.Background()
	answers := []string{"one", "two"}
	streamer := llm.StreamFunc(func(ctx context.Context, model string, messages []*chat.Message) <-chan string {
		next := answers[0]
		answers = answers[1:]
		return llm.Tokens(next)
	})
	m, _ := newManager(t, streamer)
	c, err := m.NewConversation(ctx)
	require.NoError(t, err)

	require.NoError(t, c.SendMessage(ctx, "q", []string{"img"}))
	require.NoError(t, c.Rerun(ctx, c.Messages()[1]))

	msgs := c.Messages()
	require.Equal(t, []string{"q", "two"}, texts(msgs))
	require.Equal(t, []string{"img"}, msgs[0].Images())

	require.NoError(t, c.DeleteMessages(ctx, msgs[0]))
	orphan := chat.NewMessage("orphan", nil, "local/llama3")
	require.NoError(t, c.AddMessage(ctx, orphan))
	require.ErrorIs(t, c.Rerun(ctx, orphan), ErrNothingToRerun)
}

func TestEditMessageMovesTextToDraft(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, fixedTokens("answer"))
	c, err := m.NewConversation(ctx)
	require.NoError(t, err)
	require.NoError(t, c.SendMessage(ctx, "typo", []string{"data:image/png;base64,AA"}))

	var draft string
	c.AddListener(&Listener{OnDraftChanged: func(text string, images []string) { draft = text }})

	user, answer := c.LastExchange()
	require.Equal(t, "answer", answer.Text())

	text, err := c.EditMessage(ctx, user)
	require.NoError(t, err)
	require.Equal(t, "typo", text)
	require.Empty(t, c.Messages())
	require.Equal(t, "typo", c.DraftText())
	require.Equal(t, []string{"data:image/png;base64,AA"}, c.DraftImages())
	require.Equal(t, "typo", draft)

	text, err = c.EditMessage(ctx, answer)
	require.NoError(t, err)
	require.Empty(t, text)
}

func TestSettersNotifyAndPersist(t *testing.T) {
	ctx := context.Background()
	m, kv := newManager(t, fixedTokens())
	c, err := m.NewConversation(ctx)
	require.NoError(t, err)

	var events []string
	l := &Listener{
		OnModelChanged:   func(model string) { events = append(events, "model:"+model) },
		OnSettingChanged: func(name string, value any) { events = append(events, "setting:"+name) },
		OnDraftChanged:   func(text string, images []string) { events = append(events, "draft:"+text) },
	}
	c.AddListener(l)

	require.NoError(t, c.SetModel(ctx, "local/qwen3"))
	require.NoError(t, c.ChangeSetting(ctx, SettingWeb, map[string]any{"duckduckgo": true}))
	require.NoError(t, c.SetDraftText(ctx, "half a thought"))
	c.RemoveListener(l)
	require.NoError(t, c.SetDraftImages(ctx, []string{"x"}))

	require.Equal(t, []string{"model:local/qwen3", "setting:web", "draft:half a thought"}, events)
	require.True(t, c.Settings().HasTools())

	p := storedPayload(t, kv, c.ID())
	require.Equal(t, "local/qwen3", p.Model)
	require.Equal(t, "half a thought", p.DraftText)
	require.Equal(t, []string{"x"}, p.DraftImages)
	require.Equal(t, ToolGroup{"duckduckgo": true}, p.Settings.Web)
}

func TestJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := New("local/llama3")
	require.NoError(t, c.AddMessage(ctx, chat.NewMessage("hi", []string{"a.png"}, "")))
	require.NoError(t, c.AddMessage(ctx, chat.NewMessage("hello", nil, "local/llama3")))
	require.NoError(t, c.AddMessage(ctx, chat.NewMessage("be nice", nil, chat.RoleSystem)))
	require.NoError(t, c.SetDraftText(ctx, "draft"))
	require.NoError(t, c.SetDraftImages(ctx, []string{"b.png"}))
	require.NoError(t, c.ChangeSetting(ctx, SettingRAG, map[string]any{"docs": "all"}))
	require.NoError(t, c.ChangeSetting(ctx, "temperature", 0.2))

	data, err := json.Marshal(c)
	require.NoError(t, err)
	require.NotContains(t, string(data), `"id"`)

	back, err := FromJSON("abc", data)
	require.NoError(t, err)
	require.Equal(t, "abc", back.ID())
	require.Equal(t, c.Model(), back.Model())
	require.Equal(t, c.DraftText(), back.DraftText())
	require.Equal(t, c.DraftImages(), back.DraftImages())
	require.Equal(t, c.Settings(), back.Settings())
	require.Len(t, back.Messages(), 3)
	for i, msg := range c.Messages() {
		require.Equal(t, msg.Record(), back.Messages()[i].Record())
	}

	_, err = FromJSON("", data)
	require.ErrorIs(t, err, ErrMissingID)
}

func TestSettingsJSONKeepsUnknownKeys(t *testing.T) {
	var s Settings
	require.NoError(t, json.Unmarshal([]byte(`{"web":{"search":true},"tools":{},"theme":"dark"}`), &s))
	require.Equal(t, ToolGroup{"search": true}, s.Web)
	require.Equal(t, ToolGroup{}, s.Tools)
	require.Nil(t, s.RAG)
	require.Equal(t, "dark", s.Extra["theme"])
	require.True(t, s.HasTools())

	v, ok := s.Get("theme")
	require.True(t, ok)
	require.Equal(t, "dark", v)

	out, err := json.Marshal(s)
	require.NoError(t, err)
	require.JSONEq(t, `{"web":{"search":true},"tools":{},"theme":"dark"}`, string(out))
}

func TestDetachedConversationCannotSend(t *testing.T) {
	c := New("m")
	require.ErrorIs(t, c.SendMessage(context.Background(), "hi", nil), ErrDetached)
}

func TestPlainValueForToolGroupSetting(t *testing.T) {
	ctx := context.Background()
	m, kv := newManager(t, fixedTokens())
	c, err := m.NewConversation(ctx)
	require.NoError(t, err)

	require.NoError(t, c.ChangeSetting(ctx, SettingWeb, true))
	v, ok := c.Settings().Get(SettingWeb)
	require.True(t, ok)
	require.Equal(t, true, v)
	require.Nil(t, c.Settings().Web)

	require.NoError(t, c.ChangeSetting(ctx, SettingWeb, map[string]any{"search": true}))
	v, ok = c.Settings().Get(SettingWeb)
	require.True(t, ok)
	require.Equal(t, ToolGroup{"search": true}, v)
	require.NotContains(t, c.Settings().Extra, SettingWeb)

	require.NoError(t, c.ChangeSetting(ctx, SettingWeb, "auto"))
	v, ok = c.Settings().Get(SettingWeb)
	require.True(t, ok)
	require.Equal(t, "auto", v)
	require.False(t, c.Settings().HasTools())

	stored := storedPayload(t, kv, c.ID()).Settings
	v, ok = stored.Get(SettingWeb)
	require.True(t, ok)
	require.Equal(t, "auto", v)

	require.NoError(t, c.ChangeSetting(ctx, SettingWeb, nil))
	_, ok = c.Settings().Get(SettingWeb)
	require.False(t, ok)
}
