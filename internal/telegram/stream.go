package telegram

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"golang.org/x/time/rate"

	"quackchat/internal/chat"
)

const (
	maxMessageRunes = 4000
	placeholder     = "…"
)

// messenger is the part of the bot API used to mirror answers.
type messenger interface {
	Send(ctx context.Context, chatID int64, text string) (int64, error)
	Edit(ctx context.Context, chatID, messageID int64, text string) error
}

type botMessenger struct {
	bot *gotgbot.Bot
}

func (m botMessenger) Send(ctx context.Context, chatID int64, text string) (int64, error) {
	msg, err := m.bot.SendMessageWithContext(ctx, chatID, text, nil)
	if err != nil {
		return 0, err
	}
	return msg.MessageId, nil
}

func (m botMessenger) Edit(ctx context.Context, chatID, messageID int64, text string) error {
	_, _, err := m.bot.EditMessageTextWithContext(ctx, text, &gotgbot.EditMessageTextOpts{
		ChatId:    chatID,
		MessageId: messageID,
	})
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
		return nil
	}
	return err
}

// liveMessage mirrors a streaming assistant message into one telegram
// message. Edits are throttled; Finish always writes the final text.
type liveMessage struct {
	out     messenger
	chatID  int64
	limiter *rate.Limiter

	mu        sync.Mutex
	followed  *chat.Message
	listener  *chat.MessageListener
	messageID int64
	text      string
	shown     string
}

func newLiveMessage(out messenger, chatID int64, interval time.Duration) *liveMessage {
	return &liveMessage{
		out:     out,
		chatID:  chatID,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Follow mirrors m from now on. Only the first followed message is shown.
func (l *liveMessage) Follow(ctx context.Context, m *chat.Message) {
	l.mu.Lock()
	if l.followed != nil {
		l.mu.Unlock()
		return
	}
	l.text = m.Text()
	l.followed = m
	l.listener = &chat.MessageListener{OnExtendText: func(chunk string) {
		l.mu.Lock()
		l.text += chunk
		l.mu.Unlock()
		if l.limiter.Allow() {
			_ = l.flush(ctx)
		}
	}}
	l.mu.Unlock()

	m.AddListener(l.listener)
}

// Finish writes the final text. It does nothing when no message was followed.
func (l *liveMessage) Finish(ctx context.Context) error {
	l.mu.Lock()
	followed, listener := l.followed, l.listener
	l.mu.Unlock()
	if followed == nil {
		return nil
	}
	followed.RemoveListener(listener)
	return l.flush(ctx)
}

func (l *liveMessage) flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	text := render(l.text)
	if text == l.shown {
		return nil
	}
	if l.messageID == 0 {
		id, err := l.out.Send(ctx, l.chatID, text)
		if err != nil {
			return err
		}
		l.messageID = id
	} else if err := l.out.Edit(ctx, l.chatID, l.messageID, text); err != nil {
		return err
	}
	l.shown = text
	return nil
}

// render formats an assistant message for telegram. Thoughts get a label;
// text beyond the message limit is cut.
func render(text string) string {
	segments := chat.Segments(text)
	if len(segments) == 0 {
		return placeholder
	}
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch {
		case seg.Kind == chat.SegmentThought && seg.Open:
			parts = append(parts, "Thinking:\n"+seg.Text)
		case seg.Kind == chat.SegmentThought:
			parts = append(parts, "Thought:\n"+seg.Text)
		default:
			parts = append(parts, seg.Text)
		}
	}
	return truncate(strings.Join(parts, "\n\n"), maxMessageRunes)
}

func truncate(text string, limit int) string {
	r := []rune(text)
	if len(r) <= limit {
		return text
	}
	return string(r[:limit-1]) + placeholder
}
