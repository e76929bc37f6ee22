package telegram

import (
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
)

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, s.helpText())
}

func (s *Service) newChat(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, s.startConversation(s.base))
}

func (s *Service) chats(b *gotgbot.Bot, ctx *ext.Context) error {
	text, markup := s.chatsText()
	return s.replyWithMarkup(ctx, b, text, markup)
}

func (s *Service) rename(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, s.renameCurrent(s.base, commandRemainder(messageText(ctx))))
}

func (s *Service) deleteChat(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, s.deleteCurrent(s.base))
}

func (s *Service) model(b *gotgbot.Bot, ctx *ext.Context) error {
	if arg := strings.TrimSpace(commandRemainder(messageText(ctx))); arg != "" {
		return s.reply(ctx, b, s.setModel(s.base, arg))
	}
	text, markup := s.modelsKeyboard(s.base)
	return s.replyWithMarkup(ctx, b, text, markup)
}

func (s *Service) listModels(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, s.modelsText(s.base))
}

func (s *Service) undo(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, s.undoLast(s.base))
}

func (s *Service) retry(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, s.retryLast(s.base, botMessenger{bot: b}, chatID(ctx)))
}

func (s *Service) edit(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, s.editLast(s.base))
}

func (s *Service) draft(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, s.setDraft(s.base, commandRemainder(messageText(ctx))))
}

func (s *Service) sendDraft(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, s.sendDraftText(s.base, botMessenger{bot: b}, chatID(ctx)))
}

func (s *Service) cancel(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, s.cancelAll(s.base, userID(ctx)))
}

func (s *Service) ask(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil {
		return nil
	}
	return s.reply(ctx, b, s.enqueueAsk(s.base, chatID(ctx), msg.MessageId, commandRemainder(msg.GetText())))
}

func (s *Service) toggle(name string) handlers.Response {
	return func(b *gotgbot.Bot, ctx *ext.Context) error {
		return s.reply(ctx, b, s.setToggle(s.base, name, commandRemainder(messageText(ctx))))
	}
}

func (s *Service) llmAdd(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, s.beginWizard(s.base, userID(ctx)))
}

func (s *Service) llmList(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, s.connectionsText())
}

func (s *Service) llmDel(b *gotgbot.Bot, ctx *ext.Context) error {
	name := strings.TrimSpace(commandRemainder(messageText(ctx)))
	if name == "" {
		return s.reply(ctx, b, "Usage: /llm_del <name>")
	}
	if _, ok := s.connections.Get(name); !ok {
		return s.reply(ctx, b, "Connection not found.")
	}
	if err := s.connections.Remove(s.base, name); err != nil {
		return s.reply(ctx, b, s.failed("remove connection", err))
	}
	return s.reply(ctx, b, "Connection deleted.")
}

// text handles plain messages: wizard input first, chat otherwise.
func (s *Service) text(b *gotgbot.Bot, ctx *ext.Context) error {
	text := strings.TrimSpace(messageText(ctx))
	if text == "" || strings.HasPrefix(text, "/") {
		return nil
	}
	if reply, handled := s.continueWizard(s.base, userID(ctx), text); handled {
		return s.reply(ctx, b, reply)
	}
	return s.reply(ctx, b, s.sendText(s.base, botMessenger{bot: b}, chatID(ctx), text))
}

func messageText(ctx *ext.Context) string {
	if ctx.EffectiveMessage == nil {
		return ""
	}
	return ctx.EffectiveMessage.GetText()
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
