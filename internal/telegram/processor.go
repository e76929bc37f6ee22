package telegram

import (
	"context"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/rs/zerolog"

	"quackchat/internal/metrics"
	"quackchat/internal/queue"
)

// Processor drops updates from anyone but the owner and updates that were
// already handled.
type Processor struct {
	Base        ext.BaseProcessor
	Dedupe      *queue.UpdateDeduplicator
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
	OwnerUserID int64
}

func (p Processor) ProcessUpdate(d *ext.Dispatcher, b *gotgbot.Bot, ctx *ext.Context) error {
	if p.Metrics != nil {
		p.Metrics.UpdatesTotal.Inc()
	}
	if !p.allowed(userID(ctx)) {
		p.Logger.Debug().Int64("update_id", ctx.UpdateId).Int64("user_id", userID(ctx)).Msg("ignoring update from stranger")
		return nil
	}
	if p.Dedupe != nil {
		first, err := p.Dedupe.MarkFirst(context.Background(), ctx.UpdateId)
		if err != nil {
			p.Logger.Error().Err(err).Int64("update_id", ctx.UpdateId).Msg("failed to dedupe update")
		} else if !first {
			return nil
		}
	}
	return p.Base.ProcessUpdate(d, b, ctx)
}

func (p Processor) allowed(uid int64) bool {
	return p.OwnerUserID > 0 && uid == p.OwnerUserID
}
