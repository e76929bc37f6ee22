package telegram

import (
	"context"

	"github.com/PaulSonOfLars/gotgbot/v2"
)

// Replier sends worker answers as replies to the message that asked.
type Replier struct {
	Bot *gotgbot.Bot
}

func (r Replier) Reply(ctx context.Context, chatID, replyTo int64, text string) error {
	opts := &gotgbot.SendMessageOpts{}
	if replyTo > 0 {
		opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: replyTo}
	}
	_, err := r.Bot.SendMessageWithContext(ctx, chatID, text, opts)
	return err
}
