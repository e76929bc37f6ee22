package telegram

import (
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
)

func (s *Service) onCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.CallbackQuery == nil {
		return nil
	}

	data := strings.TrimSpace(ctx.CallbackQuery.Data)
	s.answerCallback(b, ctx, "", false)
	bg := s.base

	switch {
	case data == cbNew:
		return s.editOrReplyCallback(ctx, b, s.startConversation(bg), nil)

	case strings.HasPrefix(data, cbChat):
		return s.editOrReplyCallback(ctx, b, s.selectConversation(bg, strings.TrimPrefix(data, cbChat)), nil)

	case strings.HasPrefix(data, cbModel):
		idx, err := strconv.Atoi(strings.TrimPrefix(data, cbModel))
		if err != nil {
			s.answerCallback(b, ctx, "Unknown model.", true)
			return nil
		}
		model, ok := s.modelAt(idx)
		if !ok {
			s.answerCallback(b, ctx, "The model list changed. Run /model again.", true)
			return nil
		}
		return s.editOrReplyCallback(ctx, b, s.setModel(bg, model), nil)

	default:
		s.answerCallback(b, ctx, "Unknown action: "+data, true)
		return nil
	}
}

func (s *Service) answerCallback(b *gotgbot.Bot, ctx *ext.Context, text string, alert bool) {
	if ctx == nil || ctx.CallbackQuery == nil {
		return
	}
	opts := &gotgbot.AnswerCallbackQueryOpts{ShowAlert: alert}
	if text != "" {
		opts.Text = text
	}
	_, _ = b.AnswerCallbackQuery(ctx.CallbackQuery.Id, opts)
}

func (s *Service) editOrReplyCallback(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		opts := &gotgbot.EditMessageTextOpts{}
		if markup != nil {
			opts.ReplyMarkup = *markup
		}
		_, _, err := ctx.CallbackQuery.Message.EditText(b, text, opts)
		if err == nil {
			return nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
			return nil
		}
		// Fallback to sending a regular message if edit failed.
	}
	return s.replyWithMarkup(ctx, b, text, markup)
}
