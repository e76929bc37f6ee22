package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"quackchat/internal/chat"
	"quackchat/internal/llm"
)

var (
	ErrMissingID           = errors.New("conversation has no id")
	ErrUnknownConversation = errors.New("conversation is not registered")
	ErrSendInFlight        = errors.New("an answer is still streaming")
	ErrNothingToRerun      = errors.New("no user message precedes this message")
	ErrDetached            = errors.New("conversation is not managed")
)

// Listener callbacks run synchronously after the change is applied and before
// it is persisted. Nil callbacks are skipped.
type Listener struct {
	OnMessageAdded        func(m *chat.Message)
	OnMessagesDeletedFrom func(idx int, m *chat.Message)
	OnModelChanged        func(model string)
	OnSettingChanged      func(name string, value any)
	OnDraftChanged        func(text string, images []string)
}

// Saver persists a conversation. *Manager implements it.
type Saver interface {
	SaveConversation(ctx context.Context, c *Conversation) error
}

type Conversation struct {
	mu          sync.Mutex
	id          string
	model       string
	messages    []*chat.Message
	settings    Settings
	draftText   string
	draftImages []string
	listeners   []*Listener

	saver    Saver
	streamer llm.Streamer
	cancel   context.CancelFunc
}

func New(model string) *Conversation {
	return &Conversation{model: model, draftImages: []string{}}
}

func (c *Conversation) attach(id string, saver Saver, streamer llm.Streamer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
	c.saver = saver
	c.streamer = streamer
}

func (c *Conversation) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Conversation) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// Messages returns a snapshot of the history. The messages themselves are
// shared.
func (c *Conversation) Messages() []*chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

func (c *Conversation) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.clone()
}

func (c *Conversation) DraftText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draftText
}

func (c *Conversation) DraftImages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.draftImages)
}

// Busy reports whether an answer is streaming.
func (c *Conversation) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

func (c *Conversation) AddListener(l *Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Conversation) RemoveListener(l *Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = slices.DeleteFunc(c.listeners, func(x *Listener) bool { return x == l })
}

func (c *Conversation) ClearListeners() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = nil
}

// update applies mutate under the lock, then notifies and persists.
func (c *Conversation) update(ctx context.Context, mutate func() func(*Listener)) error {
	c.mu.Lock()
	notify := mutate()
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	if notify != nil {
		for _, l := range listeners {
			notify(l)
		}
	}
	return c.save(ctx)
}

func (c *Conversation) save(ctx context.Context) error {
	c.mu.Lock()
	saver := c.saver
	c.mu.Unlock()
	if saver == nil {
		return nil
	}
	return saver.SaveConversation(ctx, c)
}

func (c *Conversation) AddMessage(ctx context.Context, m *chat.Message) error {
	return c.update(ctx, func() func(*Listener) {
		c.messages = append(c.messages, m)
		return func(l *Listener) {
			if l.OnMessageAdded != nil {
				l.OnMessageAdded(m)
			}
		}
	})
}

// DeleteMessages truncates the history right before m. It is a no-op when m
// is not part of the conversation.
func (c *Conversation) DeleteMessages(ctx context.Context, m *chat.Message) error {
	c.mu.Lock()
	idx := slices.Index(c.messages, m)
	c.mu.Unlock()
	if idx < 0 {
		return nil
	}
	return c.update(ctx, func() func(*Listener) {
		// the history may have changed while unlocked
		idx = slices.Index(c.messages, m)
		if idx < 0 {
			return nil
		}
		c.messages = c.messages[:idx:idx]
		return func(l *Listener) {
			if l.OnMessagesDeletedFrom != nil {
				l.OnMessagesDeletedFrom(idx, m)
			}
		}
	})
}

func (c *Conversation) SetModel(ctx context.Context, model string) error {
	return c.update(ctx, func() func(*Listener) {
		c.model = model
		return func(l *Listener) {
			if l.OnModelChanged != nil {
				l.OnModelChanged(model)
			}
		}
	})
}

func (c *Conversation) ChangeSetting(ctx context.Context, name string, value any) error {
	return c.update(ctx, func() func(*Listener) {
		c.settings.set(name, value)
		return func(l *Listener) {
			if l.OnSettingChanged != nil {
				l.OnSettingChanged(name, value)
			}
		}
	})
}

func (c *Conversation) SetDraftText(ctx context.Context, text string) error {
	return c.update(ctx, func() func(*Listener) {
		c.draftText = text
		return c.draftNotifier()
	})
}

func (c *Conversation) SetDraftImages(ctx context.Context, images []string) error {
	return c.update(ctx, func() func(*Listener) {
		c.draftImages = slices.Clone(images)
		if c.draftImages == nil {
			c.draftImages = []string{}
		}
		return c.draftNotifier()
	})
}

// draftNotifier must be called with c.mu held.
func (c *Conversation) draftNotifier() func(*Listener) {
	text, images := c.draftText, slices.Clone(c.draftImages)
	return func(l *Listener) {
		if l.OnDraftChanged != nil {
			l.OnDraftChanged(text, images)
		}
	}
}

// SendMessage appends the user turn, streams the answer into a new assistant
// message and persists the result. It blocks until the stream ends. Only one
// send may run at a time; a second call fails with ErrSendInFlight.
func (c *Conversation) SendMessage(ctx context.Context, text string, images []string) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return ErrSendInFlight
	}
	if c.streamer == nil {
		c.mu.Unlock()
		return ErrDetached
	}
	streamCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	streamer := c.streamer
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
	}()

	if err := c.AddMessage(ctx, chat.NewMessage(text, images, chat.RoleUser)); err != nil {
		return err
	}
	history := c.Messages()
	model := c.Model()
	tokens := streamer.Stream(streamCtx, model, history)

	answer := chat.NewMessage("", nil, model)
	if err := c.AddMessage(ctx, answer); err != nil {
		cancel()
		for range tokens {
		}
		return err
	}
	for tok := range tokens {
		answer.ExtendText(tok)
	}

	// Persist even when the caller's context is gone.
	return c.save(context.WithoutCancel(ctx))
}

// Cancel stops a streaming answer. The partial text is kept. It reports
// whether a stream was running.
func (c *Conversation) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return false
	}
	c.cancel()
	return true
}

// Rerun drops m and everything after it together with the user message right
// before it, then sends that user message again. A user message is resent
// as is.
func (c *Conversation) Rerun(ctx context.Context, m *chat.Message) error {
	if c.Busy() {
		return ErrSendInFlight
	}
	msgs := c.Messages()
	idx := slices.Index(msgs, m)
	if idx < 0 {
		return nil
	}
	prompt := m
	if !m.IsUser() {
		if idx == 0 || !msgs[idx-1].IsUser() {
			return ErrNothingToRerun
		}
		prompt = msgs[idx-1]
	}
	if err := c.DeleteMessages(ctx, prompt); err != nil {
		return err
	}
	return c.SendMessage(ctx, prompt.Text(), prompt.Images())
}

// EditMessage removes the user message m and everything after it and moves
// its text and images into the draft. It returns the text.
func (c *Conversation) EditMessage(ctx context.Context, m *chat.Message) (string, error) {
	if c.Busy() {
		return "", ErrSendInFlight
	}
	if !m.IsUser() || !slices.Contains(c.Messages(), m) {
		return "", nil
	}
	text, images := m.Text(), m.Images()
	if err := c.DeleteMessages(ctx, m); err != nil {
		return "", err
	}
	if err := c.SetDraftImages(ctx, images); err != nil {
		return "", err
	}
	if err := c.SetDraftText(ctx, text); err != nil {
		return "", err
	}
	return text, nil
}

// LastExchange returns the last user message and the answer after it, if any.
func (c *Conversation) LastExchange() (user, answer *chat.Message) {
	msgs := c.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsUser() {
			if i+1 < len(msgs) {
				answer = msgs[i+1]
			}
			return msgs[i], answer
		}
	}
	return nil, nil
}

type payload struct {
	Model       string        `json:"model"`
	Messages    []chat.Record `json:"messages"`
	Settings    Settings      `json:"settings"`
	DraftText   string        `json:"draft_text"`
	DraftImages []string      `json:"draft_images"`
}

// MarshalJSON writes the stored payload. The id is kept outside of it.
func (c *Conversation) MarshalJSON() ([]byte, error) {
	c.mu.Lock()
	p := payload{
		Model:       c.model,
		Messages:    make([]chat.Record, 0, len(c.messages)),
		Settings:    c.settings.clone(),
		DraftText:   c.draftText,
		DraftImages: slices.Clone(c.draftImages),
	}
	msgs := slices.Clone(c.messages)
	c.mu.Unlock()

	for _, m := range msgs {
		p.Messages = append(p.Messages, m.Record())
	}
	return json.Marshal(p)
}

func FromJSON(id string, data []byte) (*Conversation, error) {
	if id == "" {
		return nil, ErrMissingID
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	c := New(p.Model)
	c.id = id
	c.settings = p.Settings
	c.draftText = p.DraftText
	if p.DraftImages != nil {
		c.draftImages = p.DraftImages
	}
	for _, r := range p.Messages {
		c.messages = append(c.messages, chat.FromRecord(r))
	}
	return c, nil
}
