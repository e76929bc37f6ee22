package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"quackchat/internal/chat"
	"quackchat/internal/conversation"
	"quackchat/internal/queue"
)

// stream runs a send or rerun on the current conversation and mirrors the
// answer into chatID. It returns a reply for the user when something went
// wrong, or "".
func (s *Service) stream(ctx context.Context, out messenger, chatID int64, run func(*conversation.Conversation) error) string {
	c, err := s.current(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to open conversation")
		return "Could not open a conversation."
	}

	live := newLiveMessage(out, chatID, s.editInterval)
	l := &conversation.Listener{OnMessageAdded: func(m *chat.Message) {
		if !m.IsUser() {
			live.Follow(ctx, m)
		}
	}}
	c.AddListener(l)
	err = run(c)
	c.RemoveListener(l)
	if ferr := live.Finish(ctx); ferr != nil {
		s.logger.Warn().Err(ferr).Int64("chat_id", chatID).Msg("failed to deliver answer")
	}

	switch {
	case err == nil:
		return ""
	case errors.Is(err, conversation.ErrSendInFlight):
		return "Still answering. Use /cancel to stop it."
	case errors.Is(err, conversation.ErrNothingToRerun):
		return "Nothing to retry."
	default:
		s.logger.Error().Err(err).Str("conversation", c.ID()).Msg("send failed")
		return "Failed to save the conversation."
	}
}

func (s *Service) sendText(ctx context.Context, out messenger, chatID int64, text string) string {
	return s.stream(ctx, out, chatID, func(c *conversation.Conversation) error {
		return c.SendMessage(ctx, text, nil)
	})
}

func (s *Service) retryLast(ctx context.Context, out messenger, chatID int64) string {
	c := s.conversations.Current()
	if c == nil {
		return "Nothing to retry."
	}
	user, answer := c.LastExchange()
	target := answer
	if target == nil {
		target = user
	}
	if target == nil {
		return "Nothing to retry."
	}
	return s.stream(ctx, out, chatID, func(c *conversation.Conversation) error {
		return c.Rerun(ctx, target)
	})
}

func (s *Service) sendDraftText(ctx context.Context, out messenger, chatID int64) string {
	c := s.conversations.Current()
	if c == nil || strings.TrimSpace(c.DraftText()) == "" {
		return "Draft is empty. Set it with /draft <text>."
	}
	text, images := c.DraftText(), c.DraftImages()
	if err := c.SetDraftText(ctx, ""); err != nil {
		return s.failed("clear draft", err)
	}
	if err := c.SetDraftImages(ctx, nil); err != nil {
		return s.failed("clear draft", err)
	}
	return s.stream(ctx, out, chatID, func(c *conversation.Conversation) error {
		return c.SendMessage(ctx, text, images)
	})
}

func (s *Service) startConversation(ctx context.Context) string {
	c, err := s.conversations.NewConversation(ctx)
	if err != nil {
		return s.failed("new conversation", err)
	}
	return fmt.Sprintf("Started a new conversation with %s.", c.Model())
}

func (s *Service) renameCurrent(ctx context.Context, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "Usage: /rename <name>"
	}
	c := s.conversations.Current()
	if c == nil {
		return "No conversation selected."
	}
	if err := s.conversations.RenameConversation(ctx, c.ID(), name); err != nil {
		return s.failed("rename conversation", err)
	}
	return "Renamed to " + name + "."
}

func (s *Service) deleteCurrent(ctx context.Context) string {
	c := s.conversations.Current()
	if c == nil {
		return "No conversation selected."
	}
	if err := s.conversations.RemoveConversation(ctx, c.ID()); err != nil {
		return s.failed("remove conversation", err)
	}
	return "Conversation deleted."
}

func (s *Service) selectConversation(ctx context.Context, id string) string {
	ok, err := s.conversations.SelectConversation(ctx, id)
	if err != nil {
		return s.failed("select conversation", err)
	}
	if !ok {
		return "That conversation no longer exists."
	}
	c := s.conversations.Current()
	entry, _ := s.conversations.Entry(id)
	return fmt.Sprintf("Switched to %q (%d messages, %s).", entry.Name, len(c.Messages()), c.Model())
}

// setModel switches the current conversation and makes the model the default
// for new ones.
func (s *Service) setModel(ctx context.Context, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		return "Usage: /model <connection/model>"
	}
	c, err := s.current(ctx)
	if err != nil {
		return s.failed("open conversation", err)
	}
	if err := c.SetModel(ctx, model); err != nil {
		return s.failed("set model", err)
	}
	if err := s.conversations.SetDefaultModel(ctx, model); err != nil {
		return s.failed("set default model", err)
	}
	if _, _, ok := s.connections.Resolve(model); !ok {
		return fmt.Sprintf("Model set to %s, but no connection serves it.", model)
	}
	return "Model set to " + model + "."
}

func (s *Service) undoLast(ctx context.Context) string {
	c := s.conversations.Current()
	if c == nil {
		return "Nothing to undo."
	}
	if c.Busy() {
		return "Still answering. Use /cancel to stop it."
	}
	user, _ := c.LastExchange()
	if user == nil {
		return "Nothing to undo."
	}
	if err := c.DeleteMessages(ctx, user); err != nil {
		return s.failed("delete messages", err)
	}
	return "Removed the last exchange."
}

func (s *Service) editLast(ctx context.Context) string {
	c := s.conversations.Current()
	if c == nil {
		return "Nothing to edit."
	}
	user, _ := c.LastExchange()
	if user == nil {
		return "Nothing to edit."
	}
	text, err := c.EditMessage(ctx, user)
	if errors.Is(err, conversation.ErrSendInFlight) {
		return "Still answering. Use /cancel to stop it."
	}
	if err != nil {
		return s.failed("edit message", err)
	}
	return "Moved your last message into the draft:\n\n" + text + "\n\nChange it with /draft <text> and submit with /send."
}

func (s *Service) setDraft(ctx context.Context, text string) string {
	c, err := s.current(ctx)
	if err != nil {
		return s.failed("open conversation", err)
	}
	if strings.TrimSpace(text) == "" {
		if d := c.DraftText(); d != "" {
			return "Draft:\n\n" + d
		}
		return "Draft is empty."
	}
	if err := c.SetDraftText(ctx, text); err != nil {
		return s.failed("set draft", err)
	}
	return "Draft saved. Submit it with /send."
}

func (s *Service) setToggle(ctx context.Context, name, arg string) string {
	var value any
	switch strings.ToLower(strings.TrimSpace(arg)) {
	case "on":
		value = conversation.ToolGroup{"enabled": true}
	case "off":
		value = nil
	default:
		return fmt.Sprintf("Usage: /%s on|off (currently %s)", name, onOff(s.settingEnabled(name)))
	}
	c, err := s.current(ctx)
	if err != nil {
		return s.failed("open conversation", err)
	}
	if err := c.ChangeSetting(ctx, name, value); err != nil {
		return s.failed("change setting", err)
	}
	return fmt.Sprintf("%s is now %s.", name, onOff(value != nil))
}

func (s *Service) settingEnabled(name string) bool {
	c := s.conversations.Current()
	if c == nil {
		return false
	}
	v, _ := c.Settings().Get(name)
	switch t := v.(type) {
	case conversation.ToolGroup:
		return len(t) > 0
	case bool:
		return t
	}
	return v != nil
}

func (s *Service) cancelAll(ctx context.Context, uid int64) string {
	var done []string
	if s.wizard != nil {
		if state, err := s.wizard.Get(ctx, uid); err == nil && state != nil {
			if err := s.wizard.Clear(ctx, uid); err != nil {
				return s.failed("clear wizard", err)
			}
			done = append(done, "Wizard canceled.")
		}
	}
	if c := s.conversations.Current(); c != nil && c.Cancel() {
		done = append(done, "Answer stopped.")
	}
	if len(done) == 0 {
		return "Nothing to cancel."
	}
	return strings.Join(done, " ")
}

// enqueueAsk queues a one-shot question answered by the worker with the
// current conversation's model.
func (s *Service) enqueueAsk(ctx context.Context, chatID, messageID int64, prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "Usage: /ask <text>"
	}
	if s.queue == nil {
		return "/ask needs redis, which is not configured."
	}
	if s.rateLimiter != nil {
		d, err := s.rateLimiter.Allow(ctx, chatID, s.now())
		if err != nil {
			s.logger.Error().Err(err).Msg("rate limiter failed")
		} else if !d.Allowed {
			return "Rate limit exceeded. Try again after " + d.ResetAt.Format("15:04 UTC")
		}
	}

	question := queue.Question{ChatID: chatID, ReplyTo: messageID, Text: prompt}
	if c := s.conversations.Current(); c != nil {
		question.Model = c.Model()
	}
	if err := s.queue.Push(ctx, question); err != nil {
		s.logger.Error().Err(err).Msg("failed to enqueue /ask job")
		return "Queue is unavailable right now."
	}
	s.metrics.EnqueuedJobs.Inc()
	return "Accepted. Processing in queue."
}

func (s *Service) failed(action string, err error) string {
	s.logger.Error().Err(err).Str("action", action).Msg("command failed")
	return "Failed to " + action + "."
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
